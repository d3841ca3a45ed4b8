package sync

import "errors"

// Access and domain failures the transport layers map onto HTTP statuses and
// socket error events.
var (
	// ErrNamespaceMissing: the caller presented no namespace at all (401).
	ErrNamespaceMissing = errors.New("namespace missing")
	// ErrAccessDenied: the id exists but belongs to another namespace (403).
	ErrAccessDenied = errors.New("access denied")
	// ErrNotFound: the id exists nowhere (404).
	ErrNotFound = errors.New("not found")

	ErrSessionInactive = errors.New("session is not active")
	ErrRequestNotFound = errors.New("permission request not found")
)
