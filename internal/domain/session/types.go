// Package session models live persistent-transport connections.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// State is the lifecycle position of a connection.
type State int32

const (
	Negotiating State = iota
	Connected
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrSessionClosed is returned when waiting on a session that was torn down
// before it finished connecting.
var ErrSessionClosed = errors.New("session closed")

// Session is one live persistent-transport connection. The registry owns it;
// the connection handler borrows it for the lifetime of the stream.
type Session struct {
	ID        string
	Server    *mcp.Server
	Transport *mcp.SSEServerTransport
	// Org and Project identify the tenant in registry logs.
	Org       string
	Project   string
	CreatedAt time.Time

	cleanup func() error

	mu   sync.Mutex
	conn *mcp.ServerSession

	ready        chan struct{}
	done         chan struct{}
	once         sync.Once
	state        atomic.Int32
	lastActivity atomic.Int64
}

// New returns a session in the Negotiating state. cleanup, if non-nil, runs
// once during teardown after the protocol connection is closed.
func New(id string, server *mcp.Server, transport *mcp.SSEServerTransport, cleanup func() error) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:        id,
		Server:    server,
		Transport: transport,
		CreatedAt: now,
		cleanup:   cleanup,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// GenerateID returns a new random session identifier.
func GenerateID() string {
	return uuid.NewString()
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Attach binds the connected protocol session and moves the session to
// Connected. It returns false, closing conn, when the session was already
// torn down.
func (s *Session) Attach(conn *mcp.ServerSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CompareAndSwap(int32(Negotiating), int32(Connected)) {
		_ = conn.Close()
		return false
	}
	s.conn = conn
	close(s.ready)
	return true
}

// WaitReady blocks until the session is connected. It fails when ctx ends or
// the session is closed first.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when teardown starts.
func (s *Session) Done() <-chan struct{} { return s.done }

// Touch records activity on the session.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last time a message was delivered.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load()).UTC()
}

// IdleSince reports whether the session has seen no activity since t.
func (s *Session) IdleSince(t time.Time) bool {
	return s.LastActivity().Before(t)
}

// Cleanup tears the session down. Only the first call does any work; later
// and concurrent calls return nil without side effects.
func (s *Session) Cleanup() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(Closing))
		close(s.done)
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			if cerr := conn.Close(); cerr != nil {
				err = cerr
			}
		}
		if s.cleanup != nil {
			err = errors.Join(err, s.cleanup())
		}
		s.state.Store(int32(Closed))
	})
	return err
}
