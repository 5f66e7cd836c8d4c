// Package tools is the only path by which the conversation layer may
// touch backend CRM data: a fixed whitelist of handlers behind a
// dispatcher that normalizes arguments, enforces scope, and isolates
// handler crashes.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
	"github.com/JayBon24/CRM-backend-sub001/internal/pending"
	"github.com/JayBon24/CRM-backend-sub001/internal/scope"
	"github.com/JayBon24/CRM-backend-sub001/internal/store"
)

// ToolContext carries the caller identity every handler needs. Scope is
// resolved once per connection and applied to every query.
type ToolContext struct {
	User           *domain.User
	Scope          domain.Scope
	ConversationID string
}

// HandlerFunc executes one whitelisted tool.
type HandlerFunc func(ctx context.Context, tctx ToolContext, args map[string]any) (any, error)

// Dispatcher routes tool calls to the whitelist.
type Dispatcher struct {
	store    *store.SQLiteStore
	pending  *pending.Engine
	resolver *scope.Resolver
	handlers map[string]HandlerFunc
	logger   zerolog.Logger
}

// NewDispatcher builds the dispatcher with the fixed tool whitelist.
func NewDispatcher(st *store.SQLiteStore, pe *pending.Engine, resolver *scope.Resolver, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		pending:  pe,
		resolver: resolver,
		handlers: make(map[string]HandlerFunc),
		logger:   logger.With().Str("component", "tools").Logger(),
	}
	d.handlers[ToolCustomerSearch] = d.handleCustomerSearch
	d.handlers[ToolCustomerCount] = d.handleCustomerCount
	d.handlers[ToolUserSearch] = d.handleUserSearch
	d.handlers[ToolCreateFollowUp] = d.handleCreateFollowUp
	d.handlers[ToolSubmitHighRiskChange] = d.handleSubmitHighRiskChange
	return d
}

// Whitelisted tool names.
const (
	ToolCustomerSearch       = "crm.customer_search"
	ToolCustomerCount        = "crm.customer_count"
	ToolUserSearch           = "crm.user_search"
	ToolCreateFollowUp       = "crm.create_follow_up"
	ToolSubmitHighRiskChange = "crm.submit_high_risk_change"
)

// Names lists the whitelist, sorted, for the capabilities handshake.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs one tool. Unknown names and handler failures are
// returned as error values for direct callers; Dispatch converts them
// to error-shaped results for the resume protocol.
func (d *Dispatcher) Execute(ctx context.Context, name string, tctx ToolContext, args map[string]any) (any, error) {
	handler, ok := d.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return handler(ctx, tctx, normalizeArgs(args))
}

// Dispatch executes one extracted tool call and always produces exactly
// one ToolResult with the call's id. Handler panics are recovered into
// error-shaped results; unknown tools produce a structured payload, not
// an exception, so the calling protocol can still resume the stream.
func (d *Dispatcher) Dispatch(ctx context.Context, call domain.ToolCall, tctx ToolContext) domain.ToolResult {
	outcome := d.dispatchIsolated(ctx, call, tctx)
	content, err := json.Marshal(outcome)
	if err != nil {
		content = []byte(`{"ok":false,"code":"serialization_failed"}`)
	}
	return domain.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    string(content),
	}
}

func (d *Dispatcher) dispatchIsolated(ctx context.Context, call domain.ToolCall, tctx ToolContext) (outcome domain.ToolOutcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("tool", call.Name).
				Interface("panic", r).
				Msg("tool handler crashed")
			outcome = domain.ToolOutcome{OK: false, Code: "handler_panic", Message: fmt.Sprintf("tool %s crashed", call.Name)}
		}
	}()

	handler, ok := d.handlers[call.Name]
	if !ok {
		return domain.ToolOutcome{OK: false, Code: "unknown_tool", Message: fmt.Sprintf("tool %q is not available", call.Name)}
	}

	result, err := handler(ctx, tctx, normalizeArgs(call.Args))
	if err != nil {
		d.logger.Warn().Str("tool", call.Name).Err(err).Msg("tool handler failed")
		return domain.ToolOutcome{OK: false, Code: "tool_failed", Message: err.Error()}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return domain.ToolOutcome{OK: false, Code: "serialization_failed", Message: err.Error()}
	}
	return domain.ToolOutcome{OK: true, Data: data}
}

// normalizeArgs flattens the heterogeneous argument shapes the engine
// produces: a plain object, a JSON-encoded string under a wrapper key,
// or the object nested under input/arguments/params.
func normalizeArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	for _, key := range []string{"input", "arguments", "params"} {
		nested, ok := args[key]
		if !ok {
			continue
		}
		switch v := nested.(type) {
		case map[string]any:
			if len(args) == 1 {
				return v
			}
		case string:
			var parsed map[string]any
			if err := json.Unmarshal([]byte(v), &parsed); err == nil && len(args) == 1 {
				return parsed
			}
		}
	}
	return args
}

func argString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := args[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
