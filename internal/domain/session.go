package domain

import "time"

// SessionState is the lifecycle state of the shared sending session.
type SessionState string

const (
	SessionAbsent     SessionState = "absent"
	SessionConnecting SessionState = "connecting"
	SessionActive     SessionState = "active"
	SessionError      SessionState = "error"
)

// SessionStatus is a point-in-time view of the sending session.
type SessionStatus struct {
	State     SessionState `json:"state"`
	Connected bool         `json:"connected"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt *time.Time   `json:"session_created_at,omitempty"`
	Account   string       `json:"account,omitempty"`
	AuthURL   string       `json:"auth_url,omitempty"`
	Headless  bool         `json:"headless"`
	Message   string       `json:"message"`
}
