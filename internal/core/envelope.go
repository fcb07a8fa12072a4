package core

// ToolEnvelope is the standard response wrapper for all tool calls.
// Used by both HTTP and MCP transports.
type ToolEnvelope struct {
	OK     bool       `json:"ok"`
	Meta   ToolMeta   `json:"meta"`
	Result any        `json:"result"`
	Error  *ToolError `json:"error,omitempty"`
}

// ToolMeta contains per-invocation metadata for a tool call.
type ToolMeta struct {
	InvocationID string `json:"invocation_id"`
	Tool         string `json:"tool"`
	DurationMS   int64  `json:"duration_ms"`
}

// ToolError represents a tool-level error (distinct from transport errors).
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
