package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. DRIPLINE_DISPATCH_TICK_INTERVAL_SECONDS.
const EnvPrefix = "DRIPLINE"

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Session  SessionConfig  `yaml:"session"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Storage  StorageConfig  `yaml:"storage"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Host                string   `yaml:"host" split_words:"true"`
	Port                int      `yaml:"port" split_words:"true"`
	CORSOrigins         []string `yaml:"cors_origins" split_words:"true"`
	ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds" split_words:"true"`
	WriteTimeoutSeconds int      `yaml:"write_timeout_seconds" split_words:"true"`

	// APIToken, when set, is required as a bearer token on every /api route.
	APIToken string `yaml:"api_token" split_words:"true"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// DatabaseConfig selects and tunes the job store.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory". The memory store loses all state on exit.
	Driver                 string `yaml:"driver" split_words:"true"`
	URL                    string `yaml:"url" split_words:"true"`
	MaxOpenConns           int    `yaml:"max_open_conns" split_words:"true"`
	MaxIdleConns           int    `yaml:"max_idle_conns" split_words:"true"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes" split_words:"true"`
	ConnectTimeoutSeconds  int    `yaml:"connect_timeout_seconds" split_words:"true"`
}

// ConnMaxLifetime returns the pool connection lifetime.
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// ConnectTimeout bounds the startup connect-and-ping retry loop.
func (c DatabaseConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// RedisConfig holds the optional Redis used for the dispatch lock.
type RedisConfig struct {
	URL string `yaml:"url" split_words:"true"`
}

// DispatchConfig holds dispatch scheduler settings
type DispatchConfig struct {
	Enabled               bool `yaml:"enabled" split_words:"true"`
	TickIntervalSeconds   int  `yaml:"tick_interval_seconds" split_words:"true"`
	OrderingCutoffSeconds int  `yaml:"ordering_cutoff_seconds" split_words:"true"`
	SkippedSatisfiesGate  bool `yaml:"skipped_satisfies_gate" split_words:"true"`
	SendsPerMinute        int  `yaml:"sends_per_minute" split_words:"true"`
	LockTTLSeconds        int  `yaml:"lock_ttl_seconds" split_words:"true"`
	BatchSize             int  `yaml:"batch_size" split_words:"true"`
}

// TickInterval returns the delay between dispatch ticks.
func (c DispatchConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// OrderingCutoff returns how long a predecessor must have been sent before
// its successor step may go out.
func (c DispatchConfig) OrderingCutoff() time.Duration {
	return time.Duration(c.OrderingCutoffSeconds) * time.Second
}

// LockTTL returns the expiry of the cross-replica tick lock.
func (c DispatchConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// SessionConfig holds sending-session lifecycle settings
type SessionConfig struct {
	// Headless disables interactive connect; the artifact must be imported.
	Headless              bool `yaml:"headless" split_words:"true"`
	ConnectTimeoutSeconds int  `yaml:"connect_timeout_seconds" split_words:"true"`
}

// ConnectTimeout bounds one connect attempt.
func (c SessionConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// GatewayConfig selects the send transport.
type GatewayConfig struct {
	// Type is "gmail" (Gmail API over OAuth2) or "smtp" (SMTP with an app password).
	Type           string `yaml:"type" split_words:"true"`
	TimeoutSeconds int    `yaml:"timeout_seconds" split_words:"true"`
	FromName       string `yaml:"from_name" split_words:"true"`
}

// Timeout bounds one send.
func (c GatewayConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StorageConfig holds session artifact storage settings
type StorageConfig struct {
	Type        string `yaml:"type" split_words:"true"` // "local" or "s3"
	LocalPath   string `yaml:"local_path" split_words:"true"`
	ArtifactKey string `yaml:"artifact_key" split_words:"true"`
	S3Bucket    string `yaml:"s3_bucket" split_words:"true"`
	S3Prefix    string `yaml:"s3_prefix" split_words:"true"`
	AWSRegion   string `yaml:"aws_region" split_words:"true"`
	AWSProfile  string `yaml:"aws_profile" split_words:"true"`
	AccessKey   string `yaml:"access_key" split_words:"true"`
	SecretKey   string `yaml:"secret_key" split_words:"true"`
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE"); envProfile != "" {
		return envProfile
	}
	return c.AWSProfile
}

// OAuthConfig holds the Google OAuth client used to establish a Gmail session.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id" split_words:"true"`
	ClientSecret string   `yaml:"client_secret" split_words:"true"`
	RedirectAddr string   `yaml:"redirect_addr" split_words:"true"`
	Scopes       []string `yaml:"scopes" split_words:"true"`
}

// SMTPConfig holds the SMTP relay used by the smtp gateway.
type SMTPConfig struct {
	Host string `yaml:"host" split_words:"true"`
	Port int    `yaml:"port" split_words:"true"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level   string `yaml:"level" split_words:"true"`
	ShowPII bool   `yaml:"show_pii" split_words:"true"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Path    string `yaml:"path" split_words:"true"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with every default applied, for runs
// without a config file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 30
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 5
	}
	if cfg.Database.ConnectTimeoutSeconds == 0 {
		cfg.Database.ConnectTimeoutSeconds = 60
	}
	if cfg.Dispatch.TickIntervalSeconds == 0 {
		cfg.Dispatch.TickIntervalSeconds = 60
	}
	if cfg.Dispatch.OrderingCutoffSeconds == 0 {
		cfg.Dispatch.OrderingCutoffSeconds = 30
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 500
	}
	if cfg.Dispatch.LockTTLSeconds == 0 {
		cfg.Dispatch.LockTTLSeconds = 300
	}
	if cfg.Session.ConnectTimeoutSeconds == 0 {
		cfg.Session.ConnectTimeoutSeconds = 120
	}
	if cfg.Gateway.Type == "" {
		cfg.Gateway.Type = "gmail"
	}
	if cfg.Gateway.TimeoutSeconds == 0 {
		cfg.Gateway.TimeoutSeconds = 30
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "local"
	}
	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./data"
	}
	if cfg.Storage.ArtifactKey == "" {
		cfg.Storage.ArtifactKey = "gmail-session.json"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-west-2"
	}
	if cfg.OAuth.RedirectAddr == "" {
		cfg.OAuth.RedirectAddr = "127.0.0.1:8085"
	}
	if len(cfg.OAuth.Scopes) == 0 {
		cfg.OAuth.Scopes = []string{
			"https://www.googleapis.com/auth/gmail.send",
			"https://www.googleapis.com/auth/userinfo.email",
		}
	}
	if cfg.SMTP.Host == "" {
		cfg.SMTP.Host = "smtp.gmail.com"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) first, so secrets can live in .env
// locally and in real env vars in deployment. A missing config file is not
// an error; defaults plus environment apply.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	// Conventional names used by hosting platforms
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.OAuth.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.OAuth.ClientSecret = v
	}

	return cfg, cfg.Validate()
}

// Validate rejects combinations that cannot run.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	switch c.Gateway.Type {
	case "gmail", "smtp":
	default:
		return fmt.Errorf("unknown gateway.type %q", c.Gateway.Type)
	}
	switch c.Storage.Type {
	case "local":
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("storage.s3_bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	if c.Dispatch.TickIntervalSeconds <= c.Dispatch.OrderingCutoffSeconds {
		return fmt.Errorf("dispatch.tick_interval_seconds (%d) must exceed ordering_cutoff_seconds (%d)",
			c.Dispatch.TickIntervalSeconds, c.Dispatch.OrderingCutoffSeconds)
	}
	return nil
}
