package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeRunIDShapes(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		want string
	}{
		{"top level", Event{"run_id": "run_1"}, "run_1"},
		{"camel case", Event{"runId": "run_2"}, "run_2"},
		{"wrapped", Event{"data": map[string]any{"run_id": "run_3"}}, "run_3"},
		{"metadata", Event{"metadata": map[string]any{"run_id": "run_4"}}, "run_4"},
		{"prefixed id", Event{"id": "run-abc123"}, "run-abc123"},
		{"non run id", Event{"id": "msg-abc123"}, ""},
		{"absent", Event{"type": "token"}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ProbeRunID(tc.ev))
		})
	}
}

func TestProbeToolCallsDirectCarrier(t *testing.T) {
	ev := Event{
		"tool_calls": []any{
			map[string]any{"id": "call_1", "name": "crm.customer_count", "args": map[string]any{"keyword": "深圳"}},
		},
	}
	calls := ProbeToolCalls(ev)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "crm.customer_count", calls[0].Name)
	assert.Equal(t, "深圳", calls[0].Args["keyword"])
}

func TestProbeToolCallsInterruptCarrier(t *testing.T) {
	ev := Event{
		"__interrupt__": []any{
			map[string]any{
				"id": "int_1",
				"value": map[string]any{
					"action_request": map[string]any{
						"action": "crm.customer_search",
						"args":   map[string]any{"keyword": "华强"},
					},
				},
			},
		},
	}
	calls := ProbeToolCalls(ev)
	require.Len(t, calls, 1)
	// action_request inherits the interrupt's own id
	assert.Equal(t, "int_1", calls[0].ID)
	assert.Equal(t, "crm.customer_search", calls[0].Name)
}

func TestProbeToolCallsFunctionShapeWithStringArgs(t *testing.T) {
	ev := Event{
		"message": map[string]any{
			"tool_calls": []any{
				map[string]any{
					"tool_call_id": "call_9",
					"function": map[string]any{
						"name":      "crm.user_search",
						"arguments": `{"keyword":"王"}`,
					},
				},
			},
		},
	}
	calls := ProbeToolCalls(ev)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_9", calls[0].ID)
	assert.Equal(t, "crm.user_search", calls[0].Name)
	assert.Equal(t, "王", calls[0].Args["keyword"])
}

func TestProbeToolCallsUnknownShapeIgnored(t *testing.T) {
	assert.Empty(t, ProbeToolCalls(Event{"type": "token", "text": "hello"}))
	assert.Empty(t, ProbeToolCalls(Event{"tool_calls": "not a list"}))
	// a call without a name is not a call
	assert.Empty(t, ProbeToolCalls(Event{"tool_calls": []any{map[string]any{"id": "x"}}}))
}

func TestProbeInterruptVocabulary(t *testing.T) {
	assert.True(t, ProbeInterruptVocabulary(Event{"type": "tool_call_interrupt"}))
	assert.True(t, ProbeInterruptVocabulary(Event{"status": "requires_action"}))
	assert.True(t, ProbeInterruptVocabulary(Event{"__interrupt__": []any{}}))
	assert.True(t, ProbeInterruptVocabulary(Event{"data": map[string]any{"kind": "tool_use"}}))
	assert.False(t, ProbeInterruptVocabulary(Event{"type": "token"}))
}

func TestProbeInterruptedStatus(t *testing.T) {
	assert.True(t, ProbeInterruptedStatus(Event{"status": "interrupted"}))
	assert.True(t, ProbeInterruptedStatus(Event{"data": map[string]any{"status": "Interrupted"}}))
	assert.False(t, ProbeInterruptedStatus(Event{"status": "running"}))
}

func TestProbeToken(t *testing.T) {
	text, ok := ProbeToken(Event{"type": "token", "text": "你好"})
	require.True(t, ok)
	assert.Equal(t, "你好", text)

	text, ok = ProbeToken(Event{"type": "message_delta", "content": "chunk"})
	require.True(t, ok)
	assert.Equal(t, "chunk", text)

	text, ok = ProbeToken(Event{"delta": map[string]any{"content": "piece"}})
	require.True(t, ok)
	assert.Equal(t, "piece", text)

	_, ok = ProbeToken(Event{"type": "agent_end", "output": "done"})
	assert.False(t, ok)
}

func TestProbeAgentEnd(t *testing.T) {
	out, ok := ProbeAgentEnd(Event{"type": "agent_end", "output": "最终答案"})
	require.True(t, ok)
	assert.Equal(t, "最终答案", out)

	// empty output does not end the turn
	_, ok = ProbeAgentEnd(Event{"type": "agent_end", "output": ""})
	assert.False(t, ok)

	out, ok = ProbeAgentEnd(Event{"event": "run_done", "content": "answer"})
	require.True(t, ok)
	assert.Equal(t, "answer", out)
}
