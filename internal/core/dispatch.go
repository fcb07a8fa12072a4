package core

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/perfqa/perfhub/internal/resource"
	"github.com/perfqa/perfhub/internal/telemetry"
)

// DefaultCallTimeout bounds a tool call when the caller does not pass an
// explicit timeout.
const DefaultCallTimeout = 30 * time.Second

// ResourceBroker is the slice of the broker the dispatcher needs. Kept as an
// interface so dispatch tests can count acquisitions without real backends.
type ResourceBroker interface {
	Acquire(ctx context.Context, kind resource.Kind) (resource.Session, error)
}

// Dispatcher routes tool calls: lookup, argument validation, resource
// acquisition, then the handler under a deadline. Both transports go
// through Handle, so every call gets the same envelope and error mapping.
type Dispatcher struct {
	registry       *Registry
	broker         ResourceBroker
	logger         *slog.Logger
	defaultTimeout time.Duration
}

func NewDispatcher(reg *Registry, broker ResourceBroker, logger *slog.Logger, defaultTimeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCallTimeout
	}
	return &Dispatcher{
		registry:       reg,
		broker:         broker,
		logger:         logger,
		defaultTimeout: defaultTimeout,
	}
}

// Registry exposes the descriptor table for transports that list tools.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Handle runs one tool call end to end and always returns an envelope.
// A timeout of zero means the dispatcher default. Arguments are validated
// before any backend is touched, so a malformed call never costs a
// connection. On timeout the handler goroutine is left to finish on its own;
// its leases are released when it does, and its result is discarded.
func (d *Dispatcher) Handle(ctx context.Context, name string, args map[string]any, timeout time.Duration) ToolEnvelope {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	start := time.Now()
	inv := newInvocation(name, start.Add(timeout))
	if args == nil {
		args = map[string]any{}
	}

	desc, err := d.registry.Lookup(name)
	if err != nil {
		return d.failure(inv, start, err)
	}
	if err := desc.ValidateArgs(args); err != nil {
		return d.failure(inv, start, err)
	}

	// Acquisition waits, including queueing on an exhausted pool, are bounded
	// by the same deadline as the call itself.
	acquireCtx, cancelAcquire := context.WithDeadline(ctx, inv.Deadline)
	defer cancelAcquire()
	for _, kind := range desc.Needs {
		sess, err := d.broker.Acquire(acquireCtx, kind)
		if err != nil {
			telemetry.IncResourceAcquire(string(kind), "error")
			inv.Close()
			if errors.Is(err, context.DeadlineExceeded) {
				return d.failure(inv, start, &TimeoutError{Tool: name, Limit: timeout})
			}
			return d.failure(inv, start, err)
		}
		telemetry.IncResourceAcquire(string(kind), "ok")

		handle := any(sess)
		var lease resource.Lease
		if leaser, ok := sess.(resource.Leaser); ok {
			lease, err = leaser.Lease(acquireCtx)
			if err != nil {
				inv.Close()
				if errors.Is(err, context.DeadlineExceeded) {
					return d.failure(inv, start, &TimeoutError{Tool: name, Limit: timeout})
				}
				return d.failure(inv, start, &resource.UnavailableError{Kind: kind, Cause: err})
			}
			handle = lease
		}
		inv.attach(kind, handle, lease)
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	// The handler must not observe transport cancellation; a dropped HTTP
	// connection does not abort a Jenkins trigger halfway through.
	handlerCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if err := inv.Close(); err != nil {
				d.logger.Warn("lease release failed", "tool", inv.Tool, "invocation_id", inv.ID, "err", err)
			}
		}()
		res, err := desc.Handler(handlerCtx, inv, args)
		done <- outcome{result: res, err: err}
	}()

	// Acquisition already spent part of the deadline; the handler gets only
	// what is left, never a fresh window.
	timer := time.NewTimer(time.Until(inv.Deadline))
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			var coded CodedError
			if !errors.As(out.err, &coded) {
				out.err = &ExecutionError{Tool: name, Cause: out.err}
			}
			return d.failure(inv, start, out.err)
		}
		return d.success(inv, start, out.result)

	case <-timer.C:
		telemetry.IncToolTimeout()
		return d.failure(inv, start, &TimeoutError{Tool: name, Limit: timeout})
	}
}

func (d *Dispatcher) success(inv *Invocation, start time.Time, result any) ToolEnvelope {
	dur := time.Since(start)
	telemetry.IncToolCall(inv.Tool, "ok")
	telemetry.ObserveToolDuration(inv.Tool, dur)
	d.logger.Info("tool call completed",
		"tool", inv.Tool,
		"invocation_id", inv.ID,
		"duration_ms", dur.Milliseconds(),
	)
	return ToolEnvelope{
		OK:     true,
		Meta:   ToolMeta{InvocationID: inv.ID, Tool: inv.Tool, DurationMS: dur.Milliseconds()},
		Result: result,
	}
}

func (d *Dispatcher) failure(inv *Invocation, start time.Time, err error) ToolEnvelope {
	dur := time.Since(start)
	info := MapError(err, 500)
	telemetry.IncToolCall(inv.Tool, info.Code)
	telemetry.ObserveToolDuration(inv.Tool, dur)
	d.logger.Warn("tool call failed",
		"tool", inv.Tool,
		"invocation_id", inv.ID,
		"code", info.Code,
		"err", err,
		"duration_ms", dur.Milliseconds(),
	)
	return ToolEnvelope{
		OK:    false,
		Meta:  ToolMeta{InvocationID: inv.ID, Tool: inv.Tool, DurationMS: dur.Milliseconds()},
		Error: &ToolError{Code: info.Code, Message: info.Message},
	}
}
