// Package pending implements the two-phase draft → confirm engine for
// write actions. Every write the model or the user asks for becomes a
// PendingAction first; nothing mutates CRM data until an explicit
// confirm, and high-risk changes never execute inline at all.
package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
	"github.com/JayBon24/CRM-backend-sub001/internal/intent"
	"github.com/JayBon24/CRM-backend-sub001/internal/scope"
	"github.com/JayBon24/CRM-backend-sub001/internal/store"
)

// Result codes for confirm/patch/cancel rejections. These are business
// outcomes, not errors: the caller always gets a payload it can show.
const (
	CodeNotFound         = "not_found"
	CodeForbidden        = "forbidden"
	CodeStateConflict    = "state_conflict"
	CodeReplayDenied     = "replay_denied"
	CodeExpired          = "expired"
	CodeMissingFields    = "missing_fields"
	CodeApprovalRequired = "approval_required"
	CodeWriteFailed      = "write_failed"
)

var requiredFields = map[domain.ActionType][]string{
	domain.ActionTypeFollowUp:       {"customer_id", "content", "method", "follow_time"},
	domain.ActionTypeHighRiskChange: {"customer_id", "change_type", "target_value", "reason"},
}

// Engine owns pending-action state transitions.
type Engine struct {
	store     *store.SQLiteStore
	resolver  *scope.Resolver
	extractor intent.Extractor
	ttl       time.Duration
	locks     keyedMutex
	logger    zerolog.Logger
	now       func() time.Time
}

// NewEngine creates the pending-action engine.
func NewEngine(st *store.SQLiteStore, resolver *scope.Resolver, extractor intent.Extractor, ttl time.Duration, logger zerolog.Logger) *Engine {
	return &Engine{
		store:     st,
		resolver:  resolver,
		extractor: extractor,
		ttl:       ttl,
		logger:    logger.With().Str("component", "pending").Logger(),
		now:       time.Now,
	}
}

// keyedMutex serializes work per operation id. Contention is scoped to
// one operation; there is no global lock. Entries are reference-counted
// and removed when the last holder unlocks, so the map stays bounded by
// the number of in-flight operations.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// ActionResult is the outcome of a confirm/cancel/patch operation.
type ActionResult struct {
	OK         bool                  `json:"ok"`
	Code       string                `json:"code,omitempty"`
	Message    string                `json:"message,omitempty"`
	Result     json.RawMessage       `json:"result,omitempty"`
	Replayed   bool                  `json:"replayed,omitempty"`
	ApprovalID string                `json:"approval_id,omitempty"`
	Card       *domain.Card          `json:"card,omitempty"`
	Action     *domain.PendingAction `json:"-"`
}

func failure(code, message string) *ActionResult {
	return &ActionResult{Code: code, Message: message}
}

// CreateDraft produces a new pending action from prefilled input.
// Free-text customer references are resolved within the caller's scope;
// multiple matches become disambiguation candidates. High-risk kinds
// enter approval_pending directly and get an approval task.
func (e *Engine) CreateDraft(ctx context.Context, kind domain.ActionType, user *domain.User, callerScope domain.Scope, conversationID string, input map[string]any) (*domain.PendingAction, error) {
	required, ok := requiredFields[kind]
	if !ok {
		return nil, fmt.Errorf("unknown action type %q", kind)
	}

	draft := domain.DraftPayload{
		Fields:         make(map[string]any),
		RequiredFields: required,
	}
	for _, name := range append([]string{"customer_id", "customer_name", "participants"}, required...) {
		if v, ok := input[name]; ok && !isZero(v) {
			draft.Fields[name] = v
		}
	}

	if err := e.resolveCustomer(ctx, callerScope, &draft); err != nil {
		return nil, err
	}
	draft.RecomputeMissing()

	decision, err := e.resolver.RiskDecision(ctx, kind, draft.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to classify risk: %w", err)
	}

	now := e.now()
	action := &domain.PendingAction{
		OperationID:    "op_" + uuid.New().String()[:8],
		UserID:         user.UserID,
		ConversationID: conversationID,
		ActionType:     kind,
		RiskLevel:      domain.RiskLevelLow,
		Draft:          draft,
		Status:         domain.ActionStatusPending,
		ExpireAt:       now.Add(e.ttl),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if decision == "require_approval" {
		action.RiskLevel = domain.RiskLevelHigh
		action.Status = domain.ActionStatusApprovalPending
	}

	if err := e.store.CreatePendingAction(ctx, action); err != nil {
		return nil, fmt.Errorf("failed to create pending action: %w", err)
	}

	if action.RiskLevel == domain.RiskLevelHigh {
		task := &domain.ApprovalTask{
			ApprovalID:  "ap_" + uuid.New().String()[:8],
			OperationID: action.OperationID,
			UserID:      user.UserID,
			Status:      domain.ApprovalStatusPending,
			CreatedAt:   now,
		}
		if err := e.store.CreateApprovalTask(ctx, task); err != nil {
			return nil, fmt.Errorf("failed to create approval task: %w", err)
		}
	}

	e.logger.Info().
		Str("operation_id", action.OperationID).
		Str("action_type", string(kind)).
		Str("risk_level", string(action.RiskLevel)).
		Msg("draft created")
	return action, nil
}

// resolveCustomer turns a customer_name field into a customer_id when
// exactly one visible customer matches; multiple matches become
// candidates for the client to disambiguate.
func (e *Engine) resolveCustomer(ctx context.Context, callerScope domain.Scope, draft *domain.DraftPayload) error {
	name, _ := draft.Fields["customer_name"].(string)
	if name == "" || !isZero(draft.Fields["customer_id"]) {
		return nil
	}
	matches, err := e.store.SearchCustomers(ctx, callerScope, store.CustomerQuery{Keyword: name, Limit: 10})
	if err != nil {
		return fmt.Errorf("failed to resolve customer %q: %w", name, err)
	}
	switch len(matches) {
	case 0:
	case 1:
		draft.Fields["customer_id"] = matches[0].CustomerID
		draft.Fields["customer_name"] = matches[0].Name
		delete(draft.Candidates, "customer_id")
	default:
		if draft.Candidates == nil {
			draft.Candidates = make(map[string][]domain.Customer)
		}
		draft.Candidates["customer_id"] = matches
	}
	return nil
}

func isZero(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	}
	return false
}
