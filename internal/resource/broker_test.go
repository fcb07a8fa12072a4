package resource

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeSession struct {
	token   int
	pingErr error
	pings   int
	closed  int
}

func (s *fakeSession) Ping(ctx context.Context) error {
	s.pings++
	return s.pingErr
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

type fakeBackend struct {
	built    int
	buildErr error
	sessions []*fakeSession
}

func (f *fakeBackend) factory(ctx context.Context) (Session, error) {
	f.built++
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	s := &fakeSession{token: f.built}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func newTestBroker(t *testing.T, backend *fakeBackend) *Broker {
	t.Helper()
	return NewBroker(map[Kind]Factory{KindCI: backend.factory}, Options{
		RevalidateAfter: time.Hour,
	})
}

func TestAcquireReusesSession(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBroker(t, backend)

	first, err := b.Acquire(context.Background(), KindCI)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	second, err := b.Acquire(context.Background(), KindCI)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	if first.(*fakeSession).token != second.(*fakeSession).token {
		t.Fatal("expected both acquires to return the same session")
	}
	if backend.built != 1 {
		t.Fatalf("expected one construction, got %d", backend.built)
	}
}

func TestAcquireRevalidatesStaleHandle(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBroker(t, backend)
	b.revalidateAfter = time.Minute

	if _, err := b.Acquire(context.Background(), KindCI); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pingsAfterInit := backend.sessions[0].pings

	// Fresh handle: no liveness check on the second acquire.
	if _, err := b.Acquire(context.Background(), KindCI); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if backend.sessions[0].pings != pingsAfterInit {
		t.Fatal("fresh handle should not be re-validated")
	}

	// Stale handle: liveness check runs.
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := b.Acquire(context.Background(), KindCI); err != nil {
		t.Fatalf("acquire after staleness: %v", err)
	}
	if backend.sessions[0].pings != pingsAfterInit+1 {
		t.Fatalf("expected one revalidation ping, got %d extra", backend.sessions[0].pings-pingsAfterInit)
	}
}

func TestLivenessFailureReconnectsOnce(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBroker(t, backend)

	first, err := b.Acquire(context.Background(), KindCI)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	first.(*fakeSession).pingErr = errors.New("connection reset")

	// Force revalidation on the next acquire.
	b.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	second, err := b.Acquire(context.Background(), KindCI)
	if err != nil {
		t.Fatalf("acquire after single liveness failure should reconnect: %v", err)
	}
	if second.(*fakeSession).token == first.(*fakeSession).token {
		t.Fatal("expected a fresh session after reconnect")
	}
	if first.(*fakeSession).closed == 0 {
		t.Fatal("failed session must be closed, never silently reused")
	}
}

func TestDoubleFailureIsUnavailableWithoutThirdAttempt(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBroker(t, backend)

	first, err := b.Acquire(context.Background(), KindCI)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	first.(*fakeSession).pingErr = errors.New("connection reset")
	backend.buildErr = errors.New("backend down")
	b.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = b.Acquire(context.Background(), KindCI)
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if unavailable.Kind != KindCI {
		t.Fatalf("expected kind ci, got %s", unavailable.Kind)
	}

	builtAfterFailure := backend.built
	if _, err := b.Acquire(context.Background(), KindCI); err == nil {
		t.Fatal("acquire after consecutive failures should fail until reset")
	}
	if backend.built != builtAfterFailure {
		t.Fatalf("no third reconnect attempt expected, got %d extra", backend.built-builtAfterFailure)
	}
}

func TestResetAllowsRecovery(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBroker(t, backend)

	first, err := b.Acquire(context.Background(), KindCI)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	first.(*fakeSession).pingErr = errors.New("connection reset")
	backend.buildErr = errors.New("backend down")
	b.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := b.Acquire(context.Background(), KindCI); err == nil {
		t.Fatal("expected acquire to fail")
	}

	backend.buildErr = nil
	if err := b.Reset(KindCI); err != nil {
		t.Fatalf("reset: %v", err)
	}
	sess, err := b.Acquire(context.Background(), KindCI)
	if err != nil {
		t.Fatalf("acquire after reset: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session after reset")
	}
}

func TestInitialFailureRetriesOnceAutomatically(t *testing.T) {
	backend := &fakeBackend{buildErr: errors.New("backend down")}
	b := newTestBroker(t, backend)

	if _, err := b.Acquire(context.Background(), KindCI); err == nil {
		t.Fatal("expected first acquire to fail")
	}

	// The single automatic Error -> Initializing transition.
	backend.buildErr = nil
	if _, err := b.Acquire(context.Background(), KindCI); err != nil {
		t.Fatalf("expected automatic retry to succeed: %v", err)
	}
}

func TestAcquireUnknownKind(t *testing.T) {
	b := NewBroker(map[Kind]Factory{}, Options{})
	_, err := b.Acquire(context.Background(), KindDatabase)
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
}

func TestShutdownAllIsIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBroker(t, backend)

	sess, err := b.Acquire(context.Background(), KindCI)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	b.ShutdownAll()
	if sess.(*fakeSession).closed != 1 {
		t.Fatalf("expected session closed once, got %d", sess.(*fakeSession).closed)
	}

	// Second call is a no-op, even though handles are already closed.
	b.ShutdownAll()
	if sess.(*fakeSession).closed != 1 {
		t.Fatalf("second shutdown must not re-close, got %d", sess.(*fakeSession).closed)
	}

	if _, err := b.Acquire(context.Background(), KindCI); err == nil {
		t.Fatal("acquire after shutdown should fail")
	}
}

func TestShutdownAllWithoutHandles(t *testing.T) {
	b := NewBroker(map[Kind]Factory{KindCI: func(ctx context.Context) (Session, error) {
		return nil, fmt.Errorf("never called")
	}}, Options{})
	// No handle was ever created; both calls must be safe.
	b.ShutdownAll()
	b.ShutdownAll()
}

func TestSnapshotsReportState(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBroker(t, backend)

	snaps := b.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(snaps))
	}
	if snaps[0].State != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", snaps[0].State)
	}

	if _, err := b.Acquire(context.Background(), KindCI); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	snaps = b.Snapshots()
	if snaps[0].State != StateReady {
		t.Fatalf("expected ready, got %s", snaps[0].State)
	}
}
