package session

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Artifact kinds.
const (
	KindOAuth2 = "oauth2"
	KindSMTP   = "smtp"
)

// Artifact is the durable credential bundle a Handle is built from.
type Artifact struct {
	Kind      string           `json:"kind"`
	Account   string           `json:"account,omitempty"`
	Token     *oauth2.Token    `json:"token,omitempty"`
	Client    *OAuthClient     `json:"client,omitempty"`
	SMTP      *SMTPCredentials `json:"smtp,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// OAuthClient overrides the configured OAuth client for refreshes, for
// tokens minted by another client (e.g. an imported gcloud credential).
type OAuthClient struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// SMTPCredentials authenticate against an SMTP relay, usually a Google
// app password.
type SMTPCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// Validate checks that the artifact carries what its kind needs.
func (a *Artifact) Validate() error {
	switch a.Kind {
	case KindOAuth2:
		if a.Token == nil || (a.Token.AccessToken == "" && a.Token.RefreshToken == "") {
			return fmt.Errorf("%w: oauth2 artifact needs an access or refresh token", ErrInvalidArtifact)
		}
		if a.Client != nil && a.Client.ClientID == "" {
			return fmt.Errorf("%w: client override without client_id", ErrInvalidArtifact)
		}
	case KindSMTP:
		if a.SMTP == nil || a.SMTP.Username == "" || a.SMTP.Password == "" {
			return fmt.Errorf("%w: smtp artifact needs username and password", ErrInvalidArtifact)
		}
		if a.Account == "" {
			a.Account = a.SMTP.Username
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidArtifact, a.Kind)
	}
	return nil
}

// ParseArtifact decodes and validates stored artifact bytes.
func ParseArtifact(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Marshal encodes the artifact for storage.
func (a *Artifact) Marshal() ([]byte, error) {
	return json.MarshalIndent(a, "", "  ")
}
