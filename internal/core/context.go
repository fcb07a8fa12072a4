package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perfqa/perfhub/internal/resource"
)

// Invocation is the per-call context handed to tool handlers. It carries the
// call identity, the deadline, and the backend handles acquired for the
// tool's declared needs. Close releases every lease exactly once.
type Invocation struct {
	ID       string
	Tool     string
	Deadline time.Time

	handles map[resource.Kind]any
	leases  []resource.Lease

	closeOnce sync.Once
	closeErr  error
}

func newInvocation(tool string, deadline time.Time) *Invocation {
	return &Invocation{
		ID:       uuid.NewString(),
		Tool:     tool,
		Deadline: deadline,
		handles:  make(map[resource.Kind]any),
	}
}

func (inv *Invocation) attach(kind resource.Kind, handle any, lease resource.Lease) {
	inv.handles[kind] = handle
	if lease != nil {
		inv.leases = append(inv.leases, lease)
	}
}

// Handle returns the backend handle acquired for kind. Asking for a kind the
// tool did not declare is a programming error in the tool's registration.
func (inv *Invocation) Handle(kind resource.Kind) (any, error) {
	h, ok := inv.handles[kind]
	if !ok {
		return nil, fmt.Errorf("tool %s did not declare resource %s", inv.Tool, kind)
	}
	return h, nil
}

// Remaining reports how much time is left before the call deadline.
func (inv *Invocation) Remaining() time.Duration {
	return time.Until(inv.Deadline)
}

// Close releases all leases in reverse acquisition order. Safe to call more
// than once; only the first call does work.
func (inv *Invocation) Close() error {
	inv.closeOnce.Do(func() {
		for i := len(inv.leases) - 1; i >= 0; i-- {
			if err := inv.leases[i].Release(); err != nil && inv.closeErr == nil {
				inv.closeErr = err
			}
		}
	})
	return inv.closeErr
}
