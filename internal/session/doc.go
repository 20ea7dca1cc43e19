// Package session owns the single authenticated sending session shared by
// every send.
//
// The Manager is a small state machine (absent, connecting, active, error)
// guarded by one mutex. Connecting runs in a background goroutine so HTTP
// handlers can poll GetStatus while an operator completes the sign-in. The
// durable artifact lives in a storage.BlobStore; the ready-to-use Handle
// built from it is cached in memory until a send fails or the artifact is
// replaced.
package session
