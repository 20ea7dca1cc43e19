package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ignite/dripline/internal/session"
)

// GmailHandle is an authenticated Gmail API client.
type GmailHandle struct {
	svc     *gmail.Service
	account string
}

// Account returns the sending address, if known.
func (h *GmailHandle) Account() string { return h.account }

// GmailFactory builds GmailHandles from oauth2 artifacts.
type GmailFactory struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	apiOpts    []option.ClientOption
}

// NewGmailFactory returns a factory refreshing tokens with cfg. httpClient
// may be nil.
func NewGmailFactory(cfg *oauth2.Config, httpClient *http.Client, opts ...option.ClientOption) *GmailFactory {
	return &GmailFactory{oauth: cfg, httpClient: httpClient, apiOpts: opts}
}

// Build checks the token (refreshing it if needed) and creates the client.
// A refresh rejected with invalid_grant means the session was revoked.
func (f *GmailFactory) Build(ctx context.Context, a *session.Artifact) (session.Handle, error) {
	if a.Kind != session.KindOAuth2 {
		return nil, fmt.Errorf("%w: gmail transport needs an oauth2 session, got %q", session.ErrInvalidArtifact, a.Kind)
	}

	cfg := *f.oauth
	if a.Client != nil {
		cfg.ClientID = a.Client.ClientID
		cfg.ClientSecret = a.Client.ClientSecret
	}

	// The token source outlives this call, so it must not capture ctx.
	base := context.Background()
	if f.httpClient != nil {
		base = context.WithValue(base, oauth2.HTTPClient, f.httpClient)
	}
	ts := cfg.TokenSource(base, a.Token)
	if _, err := ts.Token(); err != nil {
		return nil, classifyGmailError(fmt.Errorf("oauth token: %w", err))
	}

	opts := append([]option.ClientOption{option.WithHTTPClient(oauth2.NewClient(base, ts))}, f.apiOpts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return &GmailHandle{svc: svc, account: a.Account}, nil
}

// GmailGateway sends through users.messages.send.
type GmailGateway struct {
	fromName string
}

// NewGmailGateway returns a gateway. fromName is the display name on From.
func NewGmailGateway(fromName string) *GmailGateway {
	return &GmailGateway{fromName: fromName}
}

// Send transmits msg as the handle's account.
func (g *GmailGateway) Send(ctx context.Context, msg Message, h session.Handle) error {
	gh, ok := h.(*GmailHandle)
	if !ok {
		return &SendError{To: msg.To, Err: ErrWrongHandle}
	}

	raw, err := render(compose(gh.account, g.fromName, msg))
	if err != nil {
		return &SendError{To: msg.To, Err: err}
	}

	_, err = gh.svc.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return &SendError{To: msg.To, Err: classifyGmailError(err)}
	}
	return nil
}

// classifyGmailError marks revoked or expired credentials.
func classifyGmailError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && (rerr.ErrorCode == "invalid_grant" || (rerr.Response != nil && rerr.Response.StatusCode == http.StatusUnauthorized)) {
		return fmt.Errorf("%w: %v", session.ErrSessionExpired, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized {
		return fmt.Errorf("%w: %v", session.ErrSessionExpired, err)
	}
	return err
}
