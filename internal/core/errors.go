package core

import (
	"fmt"
	"time"
)

// Error codes carried on the wire by ToolError.Code.
const (
	CodeUnknownTool         = "unknown_tool"
	CodeInvalidParameters   = "invalid_parameters"
	CodeResourceUnavailable = "resource_unavailable"
	CodeTimeout             = "timeout"
	CodeExecutionFailed     = "tool_execution_failed"
)

// UnknownToolError is returned when a call names a tool the registry does
// not know.
type UnknownToolError struct {
	Tool string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Tool)
}

func (e *UnknownToolError) ErrorCode() string { return CodeUnknownTool }

// InvalidParametersError is returned when arguments fail validation against
// the tool's declared parameters. Validation happens before any backend I/O.
type InvalidParametersError struct {
	Tool   string
	Reason string
}

func (e *InvalidParametersError) Error() string {
	return fmt.Sprintf("invalid parameters for %s: %s", e.Tool, e.Reason)
}

func (e *InvalidParametersError) ErrorCode() string { return CodeInvalidParameters }

// TimeoutError is returned when a tool handler does not finish within its
// deadline. The handler keeps running; only the caller gives up.
type TimeoutError struct {
	Tool  string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %s did not finish within %s", e.Tool, e.Limit)
}

func (e *TimeoutError) ErrorCode() string { return CodeTimeout }

// ExecutionError wraps a failure raised by a tool handler itself.
type ExecutionError struct {
	Tool  string
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

func (e *ExecutionError) ErrorCode() string { return CodeExecutionFailed }
