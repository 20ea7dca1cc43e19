// Package gateway transmits rendered messages through the sending session.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"gopkg.in/gomail.v2"

	"github.com/ignite/dripline/internal/config"
	"github.com/ignite/dripline/internal/session"
)

// Message is one outgoing email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Gateway sends a message using a session handle. Failures caused by
// expired credentials wrap session.ErrSessionExpired.
type Gateway interface {
	Send(ctx context.Context, msg Message, h session.Handle) error
}

// SendError is returned for any failed transmission.
type SendError struct {
	To  string
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("send to %s: %v", e.To, e.Err) }

func (e *SendError) Unwrap() error { return e.Err }

// ErrWrongHandle is returned when a handle from another transport is passed in.
var ErrWrongHandle = errors.New("session handle does not belong to this transport")

// Transport bundles everything one send transport contributes.
type Transport struct {
	Gateway   Gateway
	Factory   session.HandleFactory
	Connector session.Connector // nil when the transport has no interactive sign-in
}

// NewTransport builds the transport selected by cfg.Gateway.Type.
func NewTransport(cfg *config.Config, httpClient *http.Client) (*Transport, error) {
	switch cfg.Gateway.Type {
	case "gmail":
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       cfg.OAuth.Scopes,
		}
		t := &Transport{
			Gateway: NewGmailGateway(cfg.Gateway.FromName),
			Factory: NewGmailFactory(oauthCfg, httpClient),
		}
		if cfg.OAuth.ClientID != "" {
			t.Connector = NewLoopbackConnector(oauthCfg, cfg.OAuth.RedirectAddr, httpClient)
		}
		return t, nil
	case "smtp":
		return &Transport{
			Gateway: NewSMTPGateway(cfg.Gateway.FromName),
			Factory: &SMTPFactory{Host: cfg.SMTP.Host, Port: cfg.SMTP.Port},
		}, nil
	default:
		return nil, fmt.Errorf("unknown gateway type %q", cfg.Gateway.Type)
	}
}

// compose builds the MIME message. Bodies that look like HTML are sent as
// text/html, everything else as text/plain.
func compose(from, fromName string, msg Message) *gomail.Message {
	m := gomail.NewMessage(gomail.SetCharset("UTF-8"))
	if from != "" {
		m.SetAddressHeader("From", from, fromName)
	}
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	if looksLikeHTML(msg.Body) {
		m.SetBody("text/html", msg.Body)
	} else {
		m.SetBody("text/plain", msg.Body)
	}
	return m
}

func looksLikeHTML(body string) bool {
	b := strings.ToLower(strings.TrimSpace(body))
	return strings.HasPrefix(b, "<!doctype html") || strings.HasPrefix(b, "<html") ||
		strings.Contains(b, "<p>") || strings.Contains(b, "<br") || strings.Contains(b, "<div")
}

func render(m *gomail.Message) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render message: %w", err)
	}
	return buf.Bytes(), nil
}
