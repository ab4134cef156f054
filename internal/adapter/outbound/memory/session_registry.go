// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/session"
)

// Default cleanup interval for the idle session sweep.
const DefaultCleanupInterval = 1 * time.Minute

// MemorySessionRegistry implements session.Registry with an in-memory map.
// Thread-safe for concurrent access.
// When an idle timeout is set, a background goroutine tears down sessions
// that have not received a message for that long.
type MemorySessionRegistry struct {
	sessions        map[string]*session.Session
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	cleanupInterval time.Duration
	idleTimeout     time.Duration
	once            sync.Once // Prevent double-close panic on Stop()
	logger          *slog.Logger
}

// NewSessionRegistry creates a registry without an idle timeout.
func NewSessionRegistry() *MemorySessionRegistry {
	return NewSessionRegistryWithConfig(DefaultCleanupInterval, 0)
}

// NewSessionRegistryWithConfig creates a registry whose sweep runs every
// cleanupInterval and drops sessions idle for longer than idleTimeout.
// An idleTimeout of zero disables the sweep.
func NewSessionRegistryWithConfig(cleanupInterval, idleTimeout time.Duration) *MemorySessionRegistry {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &MemorySessionRegistry{
		sessions:        make(map[string]*session.Session),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		idleTimeout:     idleTimeout,
		logger:          slog.Default(),
	}
}

// SetLogger replaces the logger used for cleanup failures.
func (r *MemorySessionRegistry) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Put stores s under id. If another session already holds id it is cleaned
// up before s becomes visible.
func (r *MemorySessionRegistry) Put(id string, s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.sessions[id]; ok && old != s {
		if err := old.Cleanup(); err != nil {
			r.logger.Warn("cleanup of replaced session failed", "session_id", id, "error", err)
		}
	}
	r.sessions[id] = s
}

// Get returns the session stored under id.
func (r *MemorySessionRegistry) Get(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes id without cleaning it up.
func (r *MemorySessionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// RemoveIf deletes id only while it still maps to s.
func (r *MemorySessionRegistry) RemoveIf(id string, s *session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// Len returns the number of registered sessions.
func (r *MemorySessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll cleans up and removes every session. Used on shutdown.
func (r *MemorySessionRegistry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	for id, s := range all {
		if err := s.Cleanup(); err != nil {
			r.logger.Warn("session cleanup failed during shutdown", "session_id", id, "error", err)
		}
	}
}

// StartCleanup starts the idle sweep. It is a no-op without an idle timeout.
// Call Stop() to stop the goroutine gracefully.
func (r *MemorySessionRegistry) StartCleanup(ctx context.Context) {
	if r.idleTimeout <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup tears down sessions idle for longer than idleTimeout.
func (r *MemorySessionRegistry) cleanup() {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.Lock()
	var idle []*session.Session
	for id, s := range r.sessions {
		if s.IdleSince(cutoff) {
			delete(r.sessions, id)
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		logger := r.logger.With("session_id", s.ID, "org", s.Org, "project", s.Project)
		if err := s.Cleanup(); err != nil {
			logger.Warn("idle session cleanup failed", "error", err)
			continue
		}
		logger.Info("closed idle session", "idle_timeout", r.idleTimeout)
	}
	if len(idle) > 0 {
		r.logger.Debug("cleaned idle sessions", "count", len(idle))
	}
}

// Stop stops the background cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *MemorySessionRegistry) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Compile-time interface verification.
var _ session.Registry = (*MemorySessionRegistry)(nil)
