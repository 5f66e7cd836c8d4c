package domain

import "encoding/json"

// ToolCall is a normalized tool invocation extracted from a stream
// interrupt. ID is the remote engine's tool_call_id; resume correlation
// is by ID, never by position.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult pairs a tool call id with a serialized outcome. Every
// ToolCall dispatched must produce exactly one ToolResult with a
// matching ID or the resume step is invalid.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
}

// ToolOutcome is the structured result a tool handler returns before
// serialization. Error-shaped outcomes still count as answered for
// resume purposes.
type ToolOutcome struct {
	OK      bool            `json:"ok"`
	Data    json.RawMessage `json:"data,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}
