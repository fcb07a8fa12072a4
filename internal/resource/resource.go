// Package resource owns the lifecycle of backend sessions. The Broker is the
// single source of truth for connectivity to the database, the CI system, the
// repository working copy, and the spreadsheet API; tool handlers only ever
// borrow handles for the duration of one invocation.
package resource

import (
	"context"
	"fmt"
	"time"
)

// Kind identifies one of the backend systems a tool can depend on.
type Kind string

const (
	KindDatabase    Kind = "database"
	KindCI          Kind = "ci"
	KindRepository  Kind = "repository"
	KindSpreadsheet Kind = "spreadsheet"
)

// Kinds lists every known kind in the order the dispatcher acquires them.
var Kinds = []Kind{KindDatabase, KindCI, KindRepository, KindSpreadsheet}

// Valid reports whether k names a known backend kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDatabase, KindCI, KindRepository, KindSpreadsheet:
		return true
	}
	return false
}

// State is the lifecycle state of a handle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateRevalidating  State = "revalidating"
	StateError         State = "error"
	StateClosed        State = "closed"
)

// Session is one live connection/session to a backend. Implementations must
// tolerate Close being called more than once.
type Session interface {
	Ping(ctx context.Context) error
	Close() error
}

// Factory constructs a fresh Session. It may block on backend I/O.
type Factory func(ctx context.Context) (Session, error)

// Leaser is implemented by sessions that hand out per-invocation leases
// (the database session: one pool checkout per call). The lease must be
// released exactly once, which the dispatcher guarantees on every exit path.
type Leaser interface {
	Lease(ctx context.Context) (Lease, error)
}

// Lease is a scoped borrow of a pooled resource.
type Lease interface {
	Release() error
}

// Snapshot is a point-in-time view of one handle, for the debug endpoint.
type Snapshot struct {
	Kind          Kind      `json:"kind"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
	LastValidated time.Time `json:"last_validated,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
}

// UnavailableError reports that a handle could not be established or
// revalidated after the broker's single automatic retry.
type UnavailableError struct {
	Kind  Kind
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("resource %s unavailable: %v", e.Kind, e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

func (e *UnavailableError) ErrorCode() string { return "resource_unavailable" }
