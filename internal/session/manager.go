package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/ignite/dripline/internal/domain"
	"github.com/ignite/dripline/internal/pkg/logger"
	"github.com/ignite/dripline/internal/storage"
)

// DefaultConnectTimeout bounds one interactive sign-in.
const DefaultConnectTimeout = 120 * time.Second

// Handle is a ready-to-use sending session built from an Artifact.
// Handles that hold connections may also implement io.Closer.
type Handle interface {
	Account() string
}

// HandleFactory builds a Handle from stored credentials. Build should
// return an error wrapping ErrSessionExpired when the credentials are no
// longer accepted.
type HandleFactory interface {
	Build(ctx context.Context, a *Artifact) (Handle, error)
}

// Connector performs an interactive sign-in. prompt receives the URL the
// operator must open, if the flow has one.
type Connector interface {
	Connect(ctx context.Context, prompt func(authURL string)) (*Artifact, error)
}

// Options configures a Manager.
type Options struct {
	Store          storage.BlobStore
	Key            string
	Factory        HandleFactory
	Connector      Connector
	Headless       bool
	ConnectTimeout time.Duration
	// OnStateChange, if set, is called after every transition.
	OnStateChange func(domain.SessionState)
}

// Manager owns the sending session lifecycle.
type Manager struct {
	store     storage.BlobStore
	key       string
	factory   HandleFactory
	connector Connector
	headless  bool
	timeout   time.Duration
	onChange  func(domain.SessionState)
	now       func() time.Time

	// mu guards every field below. It is never held across storage or
	// network calls, so GetStatus never waits on them.
	mu            sync.Mutex
	connecting    bool
	connectGen    uint64
	cancelConnect context.CancelFunc
	authURL       string
	lastError     string
	hasArtifact   bool
	createdAt     time.Time
	account       string
	handle        Handle
	epoch         uint64

	// artifactMu serializes writes and deletes of the durable artifact.
	artifactMu sync.Mutex
	// buildMu serializes handle construction.
	buildMu sync.Mutex

	wg sync.WaitGroup
}

// NewManager returns a Manager. Call Load to pick up an artifact persisted
// by a previous run.
func NewManager(opts Options) *Manager {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Manager{
		store:     opts.Store,
		key:       opts.Key,
		factory:   opts.Factory,
		connector: opts.Connector,
		headless:  opts.Headless,
		timeout:   timeout,
		onChange:  opts.OnStateChange,
		now:       time.Now,
	}
}

// Load reads the stored artifact's metadata into memory.
func (m *Manager) Load(ctx context.Context) error {
	data, modified, err := m.store.Read(ctx, m.key)
	if errors.Is(err, storage.ErrNotFound) {
		m.mu.Lock()
		m.hasArtifact = false
		m.mu.Unlock()
		m.notify()
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session artifact: %w", err)
	}

	m.mu.Lock()
	m.hasArtifact = true
	m.createdAt = modified
	if a, perr := ParseArtifact(data); perr == nil {
		m.account = a.Account
	} else {
		m.lastError = "stored session is unreadable: " + perr.Error()
	}
	m.mu.Unlock()
	m.notify()
	return nil
}

// GetStatus returns the current session status without blocking.
func (m *Manager) GetStatus() domain.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) stateLocked() domain.SessionState {
	switch {
	case m.connecting:
		return domain.SessionConnecting
	case m.hasArtifact:
		return domain.SessionActive
	case m.lastError != "":
		return domain.SessionError
	}
	return domain.SessionAbsent
}

func (m *Manager) statusLocked() domain.SessionStatus {
	st := domain.SessionStatus{
		State:     m.stateLocked(),
		Connected: m.hasArtifact,
		LastError: m.lastError,
		Account:   m.account,
		AuthURL:   m.authURL,
		Headless:  m.headless,
	}
	if m.hasArtifact && !m.createdAt.IsZero() {
		created := m.createdAt
		st.CreatedAt = &created
	}

	switch st.State {
	case domain.SessionConnecting:
		if m.authURL != "" {
			st.Message = "Waiting for sign-in. Open the authorization link to grant send access."
		} else {
			st.Message = "Connecting..."
		}
	case domain.SessionActive:
		if m.account != "" {
			st.Message = "Session active for " + m.account
		} else {
			st.Message = "Session active"
		}
	case domain.SessionError:
		st.Message = "Last connect attempt failed. Try again or import a session."
	default:
		if m.headless {
			st.Message = "No session. Interactive connect is unavailable here; upload a session file or import credentials."
		} else {
			st.Message = "No session. Connect an account or import credentials."
		}
	}
	return st
}

func (m *Manager) notify() {
	if m.onChange == nil {
		return
	}
	m.onChange(m.GetStatus().State)
}

// StartConnect begins a background sign-in and returns immediately. It is a
// no-op while another attempt is running.
func (m *Manager) StartConnect() (domain.SessionStatus, error) {
	if m.headless {
		return m.GetStatus(), ErrHeadless
	}
	if m.connector == nil {
		return m.GetStatus(), ErrNoConnector
	}

	m.mu.Lock()
	if m.connecting {
		st := m.statusLocked()
		m.mu.Unlock()
		return st, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	m.connecting = true
	m.connectGen++
	gen := m.connectGen
	m.cancelConnect = cancel
	m.authURL = ""
	m.lastError = ""
	st := m.statusLocked()
	m.mu.Unlock()

	log.Printf("[session.Manager] connect started (timeout %s)", m.timeout)
	m.notify()

	m.wg.Add(1)
	go m.runConnect(ctx, cancel, gen)
	return st, nil
}

func (m *Manager) runConnect(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer m.wg.Done()
	defer cancel()

	prompt := func(url string) {
		m.mu.Lock()
		if m.connectGen == gen && m.connecting {
			m.authURL = url
		}
		m.mu.Unlock()
	}

	a, err := m.connector.Connect(ctx, prompt)
	if err == nil {
		err = a.Validate()
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s waiting for sign-in", m.timeout)
	}
	if err == nil {
		err = m.persistIfCurrent(ctx, a, gen)
	}

	m.mu.Lock()
	if m.connectGen != gen {
		// Disconnected or replaced while signing in; drop the result.
		m.mu.Unlock()
		log.Printf("[session.Manager] connect attempt superseded, result discarded")
		return
	}
	m.connecting = false
	m.cancelConnect = nil
	m.authURL = ""
	if err != nil {
		m.lastError = (&ConnectError{Err: err}).Error()
	}
	m.mu.Unlock()

	if err != nil {
		logger.Warn("session connect failed", "error", err.Error())
	} else {
		logger.Info("session connected", "account", a.Account)
	}
	m.notify()
}

// persistIfCurrent writes the new artifact unless the attempt was
// superseded. Holding artifactMu across the check and the write keeps a
// concurrent Disconnect from being undone.
func (m *Manager) persistIfCurrent(ctx context.Context, a *Artifact, gen uint64) error {
	m.artifactMu.Lock()
	defer m.artifactMu.Unlock()

	m.mu.Lock()
	current := m.connectGen == gen
	m.mu.Unlock()
	if !current {
		return nil
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	data, err := a.Marshal()
	if err != nil {
		return err
	}
	// Use a fresh context: the sign-in already succeeded and the write must
	// not inherit a nearly expired deadline.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	modified, err := m.store.Write(wctx, m.key, data)
	if err != nil {
		return fmt.Errorf("save session artifact: %w", err)
	}

	m.mu.Lock()
	m.hasArtifact = true
	m.createdAt = modified
	m.account = a.Account
	m.dropHandleLocked()
	m.mu.Unlock()
	return nil
}

// Disconnect abandons any pending connect, deletes the artifact and drops
// the cached handle. It is safe to call when nothing is connected.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.abandonConnectLocked()
	m.mu.Unlock()

	m.artifactMu.Lock()
	defer m.artifactMu.Unlock()

	if err := m.store.Delete(ctx, m.key); err != nil {
		return fmt.Errorf("delete session artifact: %w", err)
	}

	m.mu.Lock()
	m.hasArtifact = false
	m.createdAt = time.Time{}
	m.account = ""
	m.lastError = ""
	m.dropHandleLocked()
	m.mu.Unlock()

	log.Printf("[session.Manager] disconnected")
	m.notify()
	return nil
}

func (m *Manager) abandonConnectLocked() {
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	m.connectGen++
	m.connecting = false
	m.authURL = ""
}

// ImportArtifact replaces the stored artifact with caller-supplied bytes in
// the artifact format.
func (m *Manager) ImportArtifact(ctx context.Context, data []byte) (domain.SessionStatus, error) {
	a, err := ParseArtifact(data)
	if err != nil {
		return m.GetStatus(), err
	}
	return m.replace(ctx, a)
}

// ImportFromExternalFormat converts an exported credential file (see
// ConvertExternal) and stores it.
func (m *Manager) ImportFromExternalFormat(ctx context.Context, data []byte) (domain.SessionStatus, error) {
	a, err := ConvertExternal(data, m.now())
	if err != nil {
		return m.GetStatus(), err
	}
	return m.replace(ctx, a)
}

func (m *Manager) replace(ctx context.Context, a *Artifact) (domain.SessionStatus, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	data, err := a.Marshal()
	if err != nil {
		return m.GetStatus(), err
	}

	m.mu.Lock()
	m.abandonConnectLocked()
	m.mu.Unlock()

	m.artifactMu.Lock()
	modified, err := m.store.Write(ctx, m.key, data)
	if err != nil {
		m.artifactMu.Unlock()
		return m.GetStatus(), fmt.Errorf("save session artifact: %w", err)
	}
	m.mu.Lock()
	m.hasArtifact = true
	m.createdAt = modified
	m.account = a.Account
	m.lastError = ""
	m.dropHandleLocked()
	st := m.statusLocked()
	m.mu.Unlock()
	m.artifactMu.Unlock()

	logger.Info("session imported", "kind", a.Kind, "account", a.Account)
	m.notify()
	return st, nil
}

// AcquireHandle returns the cached handle, or builds one from the stored
// artifact. It fails with ErrNoSession when nothing is stored.
func (m *Manager) AcquireHandle(ctx context.Context) (Handle, error) {
	m.mu.Lock()
	if h := m.handle; h != nil {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	m.mu.Lock()
	if h := m.handle; h != nil {
		m.mu.Unlock()
		return h, nil
	}
	epoch := m.epoch
	m.mu.Unlock()

	data, modified, err := m.store.Read(ctx, m.key)
	if errors.Is(err, storage.ErrNotFound) {
		m.mu.Lock()
		m.hasArtifact = false
		m.createdAt = time.Time{}
		m.account = ""
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("read session artifact: %w", err)
	}
	a, err := ParseArtifact(data)
	if err != nil {
		return nil, err
	}

	h, err := m.factory.Build(ctx, a)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			m.MarkExpired(err)
		}
		return nil, err
	}

	m.mu.Lock()
	if m.epoch == epoch {
		m.handle = h
		m.hasArtifact = true
		m.createdAt = modified
		m.account = a.Account
	}
	m.mu.Unlock()
	return h, nil
}

// InvalidateHandle drops the cached handle; the artifact stays. The next
// AcquireHandle rebuilds from storage.
func (m *Manager) InvalidateHandle() {
	m.mu.Lock()
	m.dropHandleLocked()
	m.mu.Unlock()
}

// MarkExpired drops the cached handle and records cause as the session's
// last error, so status polling shows the account needs re-authorizing.
// The artifact stays until it is replaced or disconnected.
func (m *Manager) MarkExpired(cause error) {
	m.mu.Lock()
	m.lastError = cause.Error()
	m.dropHandleLocked()
	m.mu.Unlock()
	logger.Warn("session expired", "error", cause)
	m.notify()
}

func (m *Manager) dropHandleLocked() {
	m.epoch++
	if m.handle == nil {
		return
	}
	if c, ok := m.handle.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("[session.Manager] closing handle: %v", err)
		}
	}
	m.handle = nil
}

// Close abandons a pending connect and waits for its goroutine to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.abandonConnectLocked()
	m.dropHandleLocked()
	m.mu.Unlock()
	m.wg.Wait()
}
