package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/ignite/dripline/internal/session"
)

// CallbackPath is where the loopback listener receives the consent redirect.
const CallbackPath = "/oauth2/callback"

// ProfileFunc resolves the address a token belongs to.
type ProfileFunc func(ctx context.Context, ts oauth2.TokenSource) (string, error)

// LoopbackConnector runs the OAuth2 authorization-code flow with a
// short-lived local HTTP listener as the redirect target.
type LoopbackConnector struct {
	oauth      *oauth2.Config
	addr       string
	httpClient *http.Client
	profile    ProfileFunc
}

// NewLoopbackConnector returns a connector listening on addr during sign-in.
func NewLoopbackConnector(cfg *oauth2.Config, addr string, httpClient *http.Client) *LoopbackConnector {
	return &LoopbackConnector{oauth: cfg, addr: addr, httpClient: httpClient, profile: gmailProfile}
}

// WithProfileFunc replaces the account lookup.
func (c *LoopbackConnector) WithProfileFunc(fn ProfileFunc) *LoopbackConnector {
	c.profile = fn
	return c
}

type callbackResult struct {
	code string
	err  error
}

// Connect publishes the consent URL through prompt, waits for the redirect
// and exchanges the code. It returns when ctx ends if nobody signs in.
func (c *LoopbackConnector) Connect(ctx context.Context, prompt func(authURL string)) (*session.Artifact, error) {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("listen for oauth redirect on %s: %w", c.addr, err)
	}

	cfg := *c.oauth
	cfg.RedirectURL = "http://" + ln.Addr().String() + CallbackPath
	state, err := randomState()
	if err != nil {
		ln.Close()
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		res := callbackResult{code: q.Get("code")}
		switch {
		case q.Get("error") != "":
			res.err = fmt.Errorf("authorization denied: %s", q.Get("error"))
			fmt.Fprintln(w, "Sign-in was cancelled. You can close this window.")
		case res.code == "":
			res.err = errors.New("redirect carried no authorization code")
			http.Error(w, "missing code", http.StatusBadRequest)
		default:
			fmt.Fprintln(w, "Signed in. You can close this window.")
		}
		select {
		case results <- res:
		default:
		}
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[LoopbackConnector] serve: %v", err)
		}
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	prompt(cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce, oauth2.S256ChallengeOption(verifier)))

	var res callbackResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}

	exCtx := ctx
	if c.httpClient != nil {
		exCtx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	tok, err := cfg.Exchange(exCtx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	a := &session.Artifact{Kind: session.KindOAuth2, Token: tok, CreatedAt: time.Now()}
	if c.profile != nil {
		account, err := c.profile(exCtx, cfg.TokenSource(exCtx, tok))
		if err != nil {
			log.Printf("[LoopbackConnector] could not resolve account address: %v", err)
		}
		a.Account = account
	}
	return a, nil
}

func gmailProfile(ctx context.Context, ts oauth2.TokenSource) (string, error) {
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return "", err
	}
	p, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return p.EmailAddress, nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
