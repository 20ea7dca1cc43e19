package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/ignite/dripline/internal/session"
)

// SMTPHandle carries a dialer authenticated with the session's credentials.
type SMTPHandle struct {
	dialer  *gomail.Dialer
	account string
}

// Account returns the sending address.
func (h *SMTPHandle) Account() string { return h.account }

// SMTPFactory builds SMTPHandles from smtp artifacts. Host and Port are the
// defaults when the artifact does not name its own relay.
type SMTPFactory struct {
	Host string
	Port int
}

// Build creates a dialer. Credentials are checked on the first send.
func (f *SMTPFactory) Build(_ context.Context, a *session.Artifact) (session.Handle, error) {
	if a.Kind != session.KindSMTP || a.SMTP == nil {
		return nil, fmt.Errorf("%w: smtp transport needs an smtp session, got %q", session.ErrInvalidArtifact, a.Kind)
	}
	host, port := f.Host, f.Port
	if a.SMTP.Host != "" {
		host = a.SMTP.Host
	}
	if a.SMTP.Port != 0 {
		port = a.SMTP.Port
	}
	return &SMTPHandle{
		dialer:  gomail.NewDialer(host, port, a.SMTP.Username, a.SMTP.Password),
		account: a.Account,
	}, nil
}

// ErrDeliveryUnknown means Send gave up waiting while the SMTP exchange was
// still running. The message may still be delivered.
var ErrDeliveryUnknown = errors.New("delivery outcome unknown, message may still arrive")

// SMTPGateway sends one message per connection.
type SMTPGateway struct {
	fromName    string
	dialAndSend func(d *gomail.Dialer, m ...*gomail.Message) error
	// lateResult receives the outcome of exchanges Send stopped waiting for.
	lateResult func(to string, err error)
}

// NewSMTPGateway returns a gateway. fromName is the display name on From.
func NewSMTPGateway(fromName string) *SMTPGateway {
	return &SMTPGateway{
		fromName:    fromName,
		dialAndSend: (*gomail.Dialer).DialAndSend,
		lateResult:  logLateResult,
	}
}

func logLateResult(to string, err error) {
	if err != nil {
		log.Printf("[SMTPGateway] Abandoned send to %s failed: %v", to, err)
		return
	}
	log.Printf("[SMTPGateway] Abandoned send to %s was delivered after its job was marked failed", to)
}

// Send transmits msg. gomail has no context support, so a cancelled ctx
// returns ErrDeliveryUnknown while the SMTP exchange finishes in the
// background; its outcome is logged when it arrives.
func (g *SMTPGateway) Send(ctx context.Context, msg Message, h session.Handle) error {
	sh, ok := h.(*SMTPHandle)
	if !ok {
		return &SendError{To: msg.To, Err: ErrWrongHandle}
	}
	m := compose(sh.account, g.fromName, msg)

	done := make(chan error, 1)
	go func() { done <- g.dialAndSend(sh.dialer, m) }()

	select {
	case err := <-done:
		if err != nil {
			return &SendError{To: msg.To, Err: classifySMTPError(err)}
		}
		return nil
	case <-ctx.Done():
		go func() { g.lateResult(msg.To, <-done) }()
		return &SendError{To: msg.To, Err: fmt.Errorf("%w: %w", ErrDeliveryUnknown, ctx.Err())}
	}
}

// classifySMTPError marks authentication rejections (reply code 535).
func classifySMTPError(err error) error {
	text := err.Error()
	if strings.Contains(text, "535") || strings.Contains(text, "Username and Password not accepted") {
		return fmt.Errorf("%w: %v", session.ErrSessionExpired, err)
	}
	return err
}
