package engine

import (
	"encoding/json"
	"strings"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
)

// The engine emits duck-typed payloads. Each probe scans one event (and
// one level of nesting under common wrapper keys) for a known carrier
// shape and returns either nothing or a normalized result. Unknown
// shapes are ignored.

var wrapperKeys = []string{"data", "payload", "event", "output", "values", "chunk"}

func candidates(ev Event) []map[string]any {
	out := []map[string]any{ev}
	for _, k := range wrapperKeys {
		if nested, ok := ev[k].(map[string]any); ok {
			out = append(out, nested)
		}
	}
	return out
}

// ProbeRunID extracts a run id from any known event shape. First
// non-empty match wins.
func ProbeRunID(ev Event) string {
	for _, m := range candidates(ev) {
		for _, key := range []string{"run_id", "runId"} {
			if s, ok := m[key].(string); ok && s != "" {
				return s
			}
		}
		if meta, ok := m["metadata"].(map[string]any); ok {
			if s, ok := meta["run_id"].(string); ok && s != "" {
				return s
			}
		}
		if s, ok := m["id"].(string); ok && strings.HasPrefix(s, "run") {
			return s
		}
	}
	return ""
}

// ProbeToolCalls scans the event for any known tool-call carrier shape
// and normalizes every found call to {name, args, id}.
func ProbeToolCalls(ev Event) []domain.ToolCall {
	var calls []domain.ToolCall
	for _, m := range candidates(ev) {
		calls = append(calls, callsFromCarrier(m)...)

		// interrupt carrier: a list of interrupt records whose value
		// holds the calls
		if ints, ok := m["__interrupt__"].([]any); ok {
			for _, it := range ints {
				rec, ok := it.(map[string]any)
				if !ok {
					continue
				}
				if val, ok := rec["value"].(map[string]any); ok {
					found := callsFromCarrier(val)
					// an action_request interrupt carries one call with the
					// interrupt's own id
					if len(found) == 0 {
						if ar, ok := val["action_request"].(map[string]any); ok {
							if c, ok := normalizeToolCall(ar); ok {
								if c.ID == "" {
									c.ID, _ = rec["id"].(string)
								}
								found = append(found, c)
							}
						}
					}
					calls = append(calls, found...)
				}
			}
		}

		// OpenAI-style: calls nested under message/delta
		for _, key := range []string{"message", "delta"} {
			if nested, ok := m[key].(map[string]any); ok {
				calls = append(calls, callsFromCarrier(nested)...)
			}
		}
	}
	return calls
}

func callsFromCarrier(m map[string]any) []domain.ToolCall {
	raw, ok := m["tool_calls"].([]any)
	if !ok {
		return nil
	}
	var calls []domain.ToolCall
	for _, item := range raw {
		cm, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if c, ok := normalizeToolCall(cm); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

func normalizeToolCall(m map[string]any) (domain.ToolCall, bool) {
	var call domain.ToolCall

	for _, key := range []string{"id", "tool_call_id", "call_id"} {
		if s, ok := m[key].(string); ok && s != "" {
			call.ID = s
			break
		}
	}

	call.Name, _ = m["name"].(string)
	if call.Name == "" {
		call.Name, _ = m["action"].(string)
	}
	argsVal := firstPresent(m, "args", "arguments", "input")

	// function-call shape: {function: {name, arguments}}
	if fn, ok := m["function"].(map[string]any); ok {
		if call.Name == "" {
			call.Name, _ = fn["name"].(string)
		}
		if argsVal == nil {
			argsVal = firstPresent(fn, "arguments", "args")
		}
	}

	if call.Name == "" {
		return domain.ToolCall{}, false
	}
	call.Args = normalizeArgs(argsVal)
	return call, true
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// normalizeArgs accepts an object, a JSON-encoded string, or nothing.
func normalizeArgs(v any) map[string]any {
	switch args := v.(type) {
	case map[string]any:
		return args
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(args), &parsed); err == nil {
			return parsed
		}
		return map[string]any{}
	default:
		return map[string]any{}
	}
}

var interruptVocabulary = []string{"interrupt", "tool_call", "tool_calls", "tool_use", "action_request", "requires_action"}

// ProbeInterruptVocabulary reports whether the event's type/status
// fields use tool-interrupt vocabulary, regardless of whether a
// parsable tool call was found. The combination "vocabulary matched but
// no calls extracted" is a malformed interrupt.
func ProbeInterruptVocabulary(ev Event) bool {
	for _, m := range candidates(ev) {
		for _, key := range []string{"type", "event", "status", "kind"} {
			s, ok := m[key].(string)
			if !ok {
				continue
			}
			s = strings.ToLower(s)
			for _, v := range interruptVocabulary {
				if strings.Contains(s, v) {
					return true
				}
			}
		}
		if _, ok := m["__interrupt__"]; ok {
			return true
		}
	}
	return false
}

// ProbeInterruptedStatus reports whether the underlying stream declares
// the run interrupted.
func ProbeInterruptedStatus(ev Event) bool {
	for _, m := range candidates(ev) {
		if s, ok := m["status"].(string); ok && strings.EqualFold(s, "interrupted") {
			return true
		}
	}
	return false
}

// ProbeToken extracts incremental text from token-shaped events.
func ProbeToken(ev Event) (string, bool) {
	for _, m := range candidates(ev) {
		typ, _ := m["type"].(string)
		if typ != "token" && typ != "delta" && typ != "message_delta" {
			if ev2, ok := m["delta"].(map[string]any); ok {
				if s, ok := ev2["content"].(string); ok && s != "" {
					return s, true
				}
			}
			continue
		}
		for _, key := range []string{"text", "content", "delta"} {
			if s, ok := m[key].(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// ProbeAgentEnd extracts the final output of a designated agent-end
// event. Returns ok only when the output is non-empty.
func ProbeAgentEnd(ev Event) (string, bool) {
	for _, m := range candidates(ev) {
		typ, _ := m["type"].(string)
		if typ == "" {
			typ, _ = m["event"].(string)
		}
		switch strings.ToLower(typ) {
		case "agent_end", "done", "final", "run_done":
		default:
			continue
		}
		for _, key := range []string{"output", "final_message", "content", "text"} {
			if s, ok := m[key].(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}
