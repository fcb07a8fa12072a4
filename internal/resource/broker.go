package resource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/perfqa/perfhub/internal/telemetry"
)

// DefaultRevalidateAfter is how long a Ready handle is trusted before the
// next Acquire re-checks liveness.
const DefaultRevalidateAfter = 30 * time.Second

// Options tunes the Broker. Zero values fall back to defaults.
type Options struct {
	RevalidateAfter time.Duration
	Logger          *slog.Logger
}

// Broker lazily establishes and owns one Session per Kind. All mutation of
// handle state happens here; callers only ever see Ready sessions.
type Broker struct {
	factories       map[Kind]Factory
	revalidateAfter time.Duration
	logger          *slog.Logger
	now             func() time.Time

	mu       sync.Mutex
	handles  map[Kind]*handle
	shutdown bool
}

// handle tracks one backend session through its lifecycle. Its mutex
// serializes establishment and revalidation per kind; it is held across
// backend I/O on purpose so concurrent acquires of the same kind wait for
// the one in-flight attempt instead of racing it.
type handle struct {
	mu            sync.Mutex
	state         State
	session       Session
	createdAt     time.Time
	lastValidated time.Time
	lastErr       error
	autoRetried   bool
}

// NewBroker creates a Broker over the given session factories.
func NewBroker(factories map[Kind]Factory, opts Options) *Broker {
	if opts.RevalidateAfter <= 0 {
		opts.RevalidateAfter = DefaultRevalidateAfter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	fs := make(map[Kind]Factory, len(factories))
	for k, f := range factories {
		fs[k] = f
	}
	return &Broker{
		factories:       fs,
		revalidateAfter: opts.RevalidateAfter,
		logger:          opts.Logger,
		now:             time.Now,
		handles:         make(map[Kind]*handle),
	}
}

// Acquire returns a Ready session of the requested kind, constructing it on
// first demand. A handle whose last liveness check is stale is re-validated;
// on validation failure the broker reconnects at most once before failing
// with UnavailableError. Blocks while backend I/O is outstanding.
func (b *Broker) Acquire(ctx context.Context, kind Kind) (Session, error) {
	factory, ok := b.factories[kind]
	if !ok {
		return nil, &UnavailableError{Kind: kind, Cause: fmt.Errorf("no factory registered")}
	}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil, &UnavailableError{Kind: kind, Cause: fmt.Errorf("broker is shut down")}
	}
	h, ok := b.handles[kind]
	if !ok {
		h = &handle{state: StateUninitialized}
		b.handles[kind] = h
	}
	b.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &UnavailableError{Kind: kind, Cause: err}
	}

	switch h.state {
	case StateClosed:
		return nil, &UnavailableError{Kind: kind, Cause: fmt.Errorf("handle is closed")}

	case StateError:
		// One automatic Error -> Initializing transition; after that the
		// operator must Reset the kind explicitly.
		if h.autoRetried {
			return nil, &UnavailableError{Kind: kind, Cause: h.lastErr}
		}
		h.autoRetried = true
		return b.initialize(ctx, kind, h, factory)

	case StateUninitialized:
		return b.initialize(ctx, kind, h, factory)

	case StateReady:
		if b.now().Sub(h.lastValidated) < b.revalidateAfter {
			return h.session, nil
		}
		return b.revalidate(ctx, kind, h, factory)

	default:
		// Initializing/Revalidating are transient states only ever observed
		// while h.mu is held, so reaching here means a bug.
		return nil, &UnavailableError{Kind: kind, Cause: fmt.Errorf("unexpected handle state %s", h.state)}
	}
}

func (b *Broker) initialize(ctx context.Context, kind Kind, h *handle, factory Factory) (Session, error) {
	h.state = StateInitializing
	b.logger.Info("establishing backend session", "kind", string(kind))

	sess, err := factory(ctx)
	if err == nil {
		err = sess.Ping(ctx)
		if err != nil {
			sess.Close()
		}
	}
	if err != nil {
		h.state = StateError
		h.lastErr = err
		b.logger.Error("backend session establishment failed", "kind", string(kind), "err", err)
		return nil, &UnavailableError{Kind: kind, Cause: err}
	}

	now := b.now()
	h.session = sess
	h.state = StateReady
	h.createdAt = now
	h.lastValidated = now
	h.lastErr = nil
	h.autoRetried = false
	return sess, nil
}

func (b *Broker) revalidate(ctx context.Context, kind Kind, h *handle, factory Factory) (Session, error) {
	h.state = StateRevalidating

	if err := h.session.Ping(ctx); err == nil {
		h.state = StateReady
		h.lastValidated = b.now()
		return h.session, nil
	} else {
		b.logger.Warn("backend liveness check failed, reconnecting", "kind", string(kind), "err", err)
		h.lastErr = err
	}

	// A failed handle is never silently reused: drop it and reconnect once.
	telemetry.IncResourceReconnect(string(kind))
	if err := h.session.Close(); err != nil {
		b.logger.Warn("closing failed backend session", "kind", string(kind), "err", err)
	}
	h.session = nil

	sess, err := factory(ctx)
	if err == nil {
		err = sess.Ping(ctx)
		if err != nil {
			sess.Close()
		}
	}
	if err != nil {
		h.state = StateError
		h.lastErr = err
		h.autoRetried = true
		b.logger.Error("backend reconnect failed", "kind", string(kind), "err", err)
		return nil, &UnavailableError{Kind: kind, Cause: err}
	}

	now := b.now()
	h.session = sess
	h.state = StateReady
	h.createdAt = now
	h.lastValidated = now
	h.lastErr = nil
	h.autoRetried = false
	b.logger.Info("backend session re-established", "kind", string(kind))
	return sess, nil
}

// Reset clears a failed handle so the next Acquire starts from scratch.
// Intended for the operator endpoint after the automatic retry was spent.
func (b *Broker) Reset(kind Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown resource kind %q", kind)
	}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return fmt.Errorf("broker is shut down")
	}
	h, ok := b.handles[kind]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != nil {
		if err := h.session.Close(); err != nil {
			b.logger.Warn("closing session during reset", "kind", string(kind), "err", err)
		}
		h.session = nil
	}
	h.state = StateUninitialized
	h.lastErr = nil
	h.autoRetried = false
	b.logger.Info("resource handle reset", "kind", string(kind))
	return nil
}

// ShutdownAll closes every held session. Close failures are logged as
// warnings and do not stop the remaining handles from closing. Idempotent:
// the second call is a no-op.
func (b *Broker) ShutdownAll() {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.shutdown = true
	handles := make(map[Kind]*handle, len(b.handles))
	for k, h := range b.handles {
		handles[k] = h
	}
	b.mu.Unlock()

	for _, kind := range Kinds {
		h, ok := handles[kind]
		if !ok {
			continue
		}
		h.mu.Lock()
		if h.session != nil {
			if err := h.session.Close(); err != nil {
				b.logger.Warn("closing backend session", "kind", string(kind), "err", err)
			}
			h.session = nil
		}
		h.state = StateClosed
		h.mu.Unlock()
	}
	b.logger.Info("all resource handles closed")
}

// Snapshots returns the current state of every known kind, whether or not a
// handle exists yet, in stable order.
func (b *Broker) Snapshots() []Snapshot {
	b.mu.Lock()
	handles := make(map[Kind]*handle, len(b.handles))
	for k, h := range b.handles {
		handles[k] = h
	}
	b.mu.Unlock()

	out := make([]Snapshot, 0, len(Kinds))
	for _, kind := range Kinds {
		if _, ok := b.factories[kind]; !ok {
			continue
		}
		snap := Snapshot{Kind: kind, State: StateUninitialized}
		if h, ok := handles[kind]; ok {
			h.mu.Lock()
			snap.State = h.state
			snap.CreatedAt = h.createdAt
			snap.LastValidated = h.lastValidated
			if h.lastErr != nil {
				snap.LastError = h.lastErr.Error()
			}
			h.mu.Unlock()
		}
		out = append(out, snap)
	}
	return out
}
