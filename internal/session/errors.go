package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession is returned by AcquireHandle when no artifact is stored.
	ErrNoSession = errors.New("no sending session: connect or import one first")
	// ErrSessionExpired marks failures caused by revoked or expired credentials.
	ErrSessionExpired = errors.New("sending session expired")
	// ErrHeadless is returned by StartConnect when interactive sign-in is disabled.
	ErrHeadless = errors.New("interactive connect is unavailable in headless mode; import a session instead")
	// ErrNoConnector is returned by StartConnect when the transport has no interactive sign-in.
	ErrNoConnector = errors.New("this transport has no interactive connect; import credentials instead")
	// ErrInvalidArtifact is returned for malformed or incomplete session material.
	ErrInvalidArtifact = errors.New("invalid session artifact")
)

// ConnectError is recorded when a background connect attempt fails.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect failed: %v", e.Err) }

func (e *ConnectError) Unwrap() error { return e.Err }
