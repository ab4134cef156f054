package session

import "errors"

// Registry is the single source of truth for live sessions, keyed by ID.
// Implementations must guard Put's check-cleanup-overwrite sequence so it is
// atomic with respect to other callers.
type Registry interface {
	// Put stores s under id. An existing entry is cleaned up first.
	Put(id string, s *Session)

	// Get returns the session stored under id.
	Get(id string) (*Session, bool)

	// Remove deletes the entry without cleaning it up.
	Remove(id string)

	// RemoveIf deletes the entry only while it is still s, so a replaced
	// session closing late cannot evict its successor.
	RemoveIf(id string, s *Session) bool

	// Len returns the number of live sessions.
	Len() int
}

var (
	// ErrSessionNotFound is returned when no live session matches an ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMissingSessionID is returned when a follow-up message names no session.
	ErrMissingSessionID = errors.New("missing session id")
)
