package memory

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/session"
	"go.uber.org/goleak"
)

// countingSession returns a session whose cleanup increments calls.
func countingSession(id string, calls *atomic.Int32) *session.Session {
	return session.New(id, nil, nil, func() error {
		calls.Add(1)
		return nil
	})
}

func TestSessionRegistry_PutGetRemove(t *testing.T) {
	t.Parallel()

	r := NewSessionRegistry()
	var calls atomic.Int32
	s := countingSession("s1", &calls)

	r.Put("s1", s)
	got, ok := r.Get("s1")
	if !ok || got != s {
		t.Fatalf("Get() = %v, %v; want stored session", got, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	r.Remove("s1")
	if _, ok := r.Get("s1"); ok {
		t.Error("Get() after Remove should miss")
	}
	if calls.Load() != 0 {
		t.Errorf("Remove must not clean up, cleanup ran %d times", calls.Load())
	}
}

// Replacing an entry cleans up the previous session exactly once, before the
// new one becomes visible.
func TestSessionRegistry_PutReplacesAndCleansUp(t *testing.T) {
	t.Parallel()

	r := NewSessionRegistry()
	var firstCalls atomic.Int32
	var s1StateAtCleanup atomic.Int32

	s2 := session.New("id", nil, nil, nil)
	var s1 *session.Session
	s1 = session.New("id", nil, nil, func() error {
		firstCalls.Add(1)
		s1StateAtCleanup.Store(int32(s1.State()))
		return nil
	})

	r.Put("id", s1)
	r.Put("id", s2)

	if got := firstCalls.Load(); got != 1 {
		t.Errorf("s1 cleanup ran %d times, want 1", got)
	}
	if session.State(s1StateAtCleanup.Load()) != session.Closing {
		t.Errorf("s1 cleanup observed state %v, want closing", session.State(s1StateAtCleanup.Load()))
	}
	got, ok := r.Get("id")
	if !ok || got != s2 {
		t.Error("Get() should return s2 after replacement")
	}
	if s1.State() != session.Closed {
		t.Errorf("s1 state = %v, want closed", s1.State())
	}

	// The replaced session's own close path runs cleanup again and tries to
	// deregister; neither may affect s2.
	if err := s1.Cleanup(); err != nil {
		t.Errorf("repeated cleanup error = %v", err)
	}
	if r.RemoveIf("id", s1) {
		t.Error("RemoveIf() with stale session should not remove")
	}
	if firstCalls.Load() != 1 {
		t.Errorf("s1 cleanup ran %d times, want 1", firstCalls.Load())
	}
	if _, ok := r.Get("id"); !ok {
		t.Error("s2 must survive the stale RemoveIf")
	}
}

func TestSessionRegistry_PutSameSessionIsNoop(t *testing.T) {
	t.Parallel()

	r := NewSessionRegistry()
	var calls atomic.Int32
	s := countingSession("s", &calls)
	r.Put("s", s)
	r.Put("s", s)
	if calls.Load() != 0 {
		t.Errorf("re-putting the same session cleaned it up %d times", calls.Load())
	}
}

func TestSessionRegistry_CleanupErrorsAreSwallowed(t *testing.T) {
	t.Parallel()

	r := NewSessionRegistry()
	r.Put("id", session.New("id", nil, nil, func() error { return errors.New("boom") }))
	r.Put("id", session.New("id", nil, nil, nil))

	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestSessionRegistry_CloseAll(t *testing.T) {
	t.Parallel()

	r := NewSessionRegistry()
	var calls atomic.Int32
	for _, id := range []string{"a", "b", "c"} {
		r.Put(id, countingSession(id, &calls))
	}

	r.CloseAll()

	if calls.Load() != 3 {
		t.Errorf("cleanup ran %d times, want 3", calls.Load())
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after CloseAll, want 0", r.Len())
	}
}

func TestSessionRegistry_ConcurrentPut(t *testing.T) {
	t.Parallel()

	r := NewSessionRegistry()
	var calls atomic.Int32
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Put("shared", countingSession("shared", &calls))
		}()
	}
	wg.Wait()

	// Every session but the survivor was replaced exactly once.
	if got := calls.Load(); got != n-1 {
		t.Errorf("cleanups = %d, want %d", got, n-1)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestSessionRegistry_IdleSweep(t *testing.T) {
	t.Parallel()

	r := NewSessionRegistryWithConfig(time.Hour, 50*time.Millisecond)
	var calls atomic.Int32
	idle := countingSession("idle", &calls)
	active := countingSession("active", &calls)
	r.Put("idle", idle)
	r.Put("active", active)

	time.Sleep(80 * time.Millisecond)
	active.Touch()
	r.cleanup()

	if _, ok := r.Get("idle"); ok {
		t.Error("idle session should be swept")
	}
	if _, ok := r.Get("active"); !ok {
		t.Error("active session should remain")
	}
	if calls.Load() != 1 {
		t.Errorf("cleanup ran %d times, want 1", calls.Load())
	}
}

func TestSessionRegistry_IdleSweepLogsTenant(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := NewSessionRegistryWithConfig(time.Hour, time.Millisecond)
	r.SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	s := session.New("idle", nil, nil, nil)
	s.Org = "https://dev.azure.com/contoso"
	s.Project = "Fabrikam"
	r.Put("idle", s)

	time.Sleep(10 * time.Millisecond)
	r.cleanup()

	out := buf.String()
	for _, want := range []string{"closed idle session", "session_id=idle", "org=https://dev.azure.com/contoso", "project=Fabrikam"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q does not contain %q", out, want)
		}
	}
}

func TestSessionRegistry_NoSweepWithoutTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewSessionRegistry()
	r.StartCleanup(context.Background())
	r.Stop()
}

func TestSessionRegistryNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewSessionRegistryWithConfig(10*time.Millisecond, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	r.StartCleanup(ctx)

	var calls atomic.Int32
	r.Put("s", countingSession("s", &calls))
	time.Sleep(40 * time.Millisecond)

	cancel()
	r.Stop()

	if calls.Load() != 1 {
		t.Errorf("idle session cleanup ran %d times, want 1", calls.Load())
	}
}
