// Package app assembles the dripline components from configuration. The
// server and worker binaries share it so both run the same dispatch stack.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/dripline/internal/config"
	"github.com/ignite/dripline/internal/gateway"
	"github.com/ignite/dripline/internal/mailing"
	"github.com/ignite/dripline/internal/metrics"
	"github.com/ignite/dripline/internal/pkg/distlock"
	"github.com/ignite/dripline/internal/pkg/logger"
	"github.com/ignite/dripline/internal/repository/memory"
	"github.com/ignite/dripline/internal/repository/postgres"
	"github.com/ignite/dripline/internal/service/campaign"
	"github.com/ignite/dripline/internal/service/job"
	"github.com/ignite/dripline/internal/session"
	"github.com/ignite/dripline/internal/storage"
	"github.com/ignite/dripline/internal/worker"
)

// App holds the wired components. DB and Redis are nil when not configured.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Redis      *redis.Client
	Sessions   *session.Manager
	Campaigns  *campaign.Service
	Jobs       *job.Service
	Dispatcher *worker.Dispatcher
}

// ConfigureLogging applies the log section of cfg to the default logger.
func ConfigureLogging(cfg *config.Config) {
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(!cfg.Log.ShowPII)
}

// New connects the stores and builds every service. Call Close when done.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	var (
		campaignRepo campaign.Repository
		jobStore     interface {
			job.Store
			campaign.JobStore
		}
	)
	switch cfg.Database.Driver {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = db
		campaignRepo = postgres.NewCampaignRepo(db)
		jobStore = postgres.NewJobRepo(db)
	case "memory":
		log.Println("[app] Using in-memory store; state is lost on exit")
		mem := memory.New()
		campaignRepo = mem.Campaigns()
		jobStore = mem.Jobs()
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		log.Println("[app] Redis connected; dispatch lock is shared across replicas")
	}

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	transport, err := gateway.NewTransport(cfg, &http.Client{Timeout: cfg.Gateway.Timeout()})
	if err != nil {
		return nil, err
	}

	a.Sessions = session.NewManager(session.Options{
		Store:          blobs,
		Key:            cfg.Storage.ArtifactKey,
		Factory:        transport.Factory,
		Connector:      transport.Connector,
		Headless:       cfg.Session.Headless,
		ConnectTimeout: cfg.Session.ConnectTimeout(),
		OnStateChange:  metrics.SetSessionState,
	})
	if err := a.Sessions.Load(ctx); err != nil {
		// A broken artifact leaves the session in Error; the process still starts.
		logger.Warn("session artifact could not be loaded", "error", err)
	}

	a.Campaigns = campaign.NewService(campaignRepo, jobStore, mailing.NewTemplateService())
	a.Jobs = job.NewService(jobStore)

	lock := distlock.NewLock(a.Redis, a.DB, worker.DispatchLockKey, cfg.Dispatch.LockTTL())
	a.Dispatcher = worker.NewDispatcher(jobStore, a.Sessions, transport.Gateway, worker.DispatcherOptionsFromConfig(cfg, lock))

	ok = true
	return a, nil
}

// Close releases every held resource. Safe on a partially built App.
func (a *App) Close() {
	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
	}
	if a.Sessions != nil {
		a.Sessions.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			log.Printf("[app] redis close: %v", err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			log.Printf("[app] db close: %v", err)
		}
	}
}
