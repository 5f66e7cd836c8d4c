package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
)

// Confirm commits an open draft under the per-operation lock. A confirm
// against an already-executed record with the same idempotency key
// replays the stored result; any other key is a replay denial. A
// confirm past expire_at transitions the record to expired. High-risk
// drafts are never written inline; they are answered with their
// approval reference.
func (e *Engine) Confirm(ctx context.Context, user *domain.User, callerScope domain.Scope, operationID string, editedFields map[string]any, idemKey string) (*ActionResult, error) {
	unlock := e.locks.lock(operationID)
	defer unlock()

	action, err := e.store.GetPendingAction(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending action: %w", err)
	}
	if action == nil {
		return failure(CodeNotFound, "operation not found"), nil
	}
	if action.UserID != user.UserID {
		return failure(CodeForbidden, "operation belongs to another user"), nil
	}

	switch action.Status {
	case domain.ActionStatusExecuted:
		if idemKey != "" && idemKey == action.LastIdempotencyKey {
			return &ActionResult{OK: true, Replayed: true, Result: action.ResultJSON, Action: action}, nil
		}
		return failure(CodeReplayDenied, "operation already executed"), nil
	case domain.ActionStatusCancelled, domain.ActionStatusExpired:
		return failure(CodeStateConflict, fmt.Sprintf("operation is %s", action.Status)), nil
	case domain.ActionStatusApprovalPending:
		task, err := e.store.GetApprovalTaskByOperation(ctx, operationID)
		if err != nil {
			return nil, fmt.Errorf("failed to load approval task: %w", err)
		}
		res := failure(CodeApprovalRequired, "high-risk change requires approval")
		if task != nil {
			res.ApprovalID = task.ApprovalID
		}
		return res, nil
	}

	// pending or failed from here on

	if len(editedFields) > 0 {
		for k, v := range editedFields {
			action.Draft.Fields[k] = v
		}
		if err := e.resolveCustomer(ctx, callerScope, &action.Draft); err != nil {
			return nil, err
		}
		action.Draft.RecomputeMissing()
		if _, err := e.store.UpdatePendingActionDraft(ctx, operationID, action.Draft); err != nil {
			return nil, fmt.Errorf("failed to update draft: %w", err)
		}
	}

	if e.now().After(action.ExpireAt) {
		moved, err := e.store.TransitionPendingAction(ctx, operationID, domain.ActionStatusExpired, nil, idemKey)
		if err != nil {
			return nil, fmt.Errorf("failed to expire action: %w", err)
		}
		if !moved {
			return failure(CodeStateConflict, "operation state changed concurrently"), nil
		}
		e.logger.Info().Str("operation_id", operationID).Msg("confirm past deadline, action expired")
		return failure(CodeExpired, "operation expired before confirmation"), nil
	}

	if len(action.Draft.MissingFields) > 0 {
		card := action.CardView()
		res := failure(CodeMissingFields, "draft is missing required fields")
		res.Card = &card
		return res, nil
	}

	if action.RiskLevel == domain.RiskLevelHigh {
		// A high-risk record still open is routed to approval now.
		task := &domain.ApprovalTask{
			ApprovalID:  "ap_" + uuid.New().String()[:8],
			OperationID: operationID,
			UserID:      user.UserID,
			Status:      domain.ApprovalStatusPending,
			CreatedAt:   e.now(),
		}
		if err := e.store.CreateApprovalTask(ctx, task); err != nil {
			return nil, fmt.Errorf("failed to create approval task: %w", err)
		}
		moved, err := e.store.TransitionPendingAction(ctx, operationID, domain.ActionStatusApprovalPending, nil, idemKey)
		if err != nil {
			return nil, fmt.Errorf("failed to transition to approval_pending: %w", err)
		}
		if !moved {
			return failure(CodeStateConflict, "operation state changed concurrently"), nil
		}
		res := failure(CodeApprovalRequired, "high-risk change routed to approval")
		res.ApprovalID = task.ApprovalID
		return res, nil
	}

	resultJSON, writeErr := e.performWrite(ctx, action)
	if writeErr != nil {
		errJSON, _ := json.Marshal(map[string]string{"code": CodeWriteFailed, "message": writeErr.Error()})
		if _, err := e.store.TransitionPendingAction(ctx, operationID, domain.ActionStatusFailed, errJSON, idemKey); err != nil {
			return nil, fmt.Errorf("failed to record write failure: %w", err)
		}
		e.logger.Warn().Str("operation_id", operationID).Err(writeErr).Msg("confirm write failed")
		return failure(CodeWriteFailed, writeErr.Error()), nil
	}

	moved, err := e.store.TransitionPendingAction(ctx, operationID, domain.ActionStatusExecuted, resultJSON, idemKey)
	if err != nil {
		return nil, fmt.Errorf("failed to mark executed: %w", err)
	}
	if !moved {
		return failure(CodeStateConflict, "operation state changed concurrently"), nil
	}

	e.logger.Info().Str("operation_id", operationID).Msg("action executed")
	return &ActionResult{OK: true, Result: resultJSON, Action: action}, nil
}

// performWrite executes the committed write for a low-risk action.
func (e *Engine) performWrite(ctx context.Context, action *domain.PendingAction) (json.RawMessage, error) {
	switch action.ActionType {
	case domain.ActionTypeFollowUp:
		followTime, err := fieldTime(action.Draft.Fields["follow_time"])
		if err != nil {
			return nil, fmt.Errorf("invalid follow_time: %w", err)
		}
		f := &domain.FollowUp{
			FollowUpID:   "fu_" + uuid.New().String()[:8],
			CustomerID:   fieldString(action.Draft.Fields["customer_id"]),
			UserID:       action.UserID,
			Content:      fieldString(action.Draft.Fields["content"]),
			Method:       fieldString(action.Draft.Fields["method"]),
			FollowTime:   followTime,
			Participants: fieldStrings(action.Draft.Fields["participants"]),
			CreatedAt:    e.now(),
		}
		if err := e.store.CreateFollowUp(ctx, f); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"follow_up_id": f.FollowUpID, "customer_id": f.CustomerID})
	default:
		return nil, fmt.Errorf("action type %s cannot be written inline", action.ActionType)
	}
}

// Cancel rejects repeated cancels as a state conflict rather than
// silently accepting them, to catch client bugs.
func (e *Engine) Cancel(ctx context.Context, user *domain.User, operationID string) (*ActionResult, error) {
	unlock := e.locks.lock(operationID)
	defer unlock()

	action, err := e.store.GetPendingAction(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending action: %w", err)
	}
	if action == nil {
		return failure(CodeNotFound, "operation not found"), nil
	}
	if action.UserID != user.UserID {
		return failure(CodeForbidden, "operation belongs to another user"), nil
	}
	if !action.Status.IsOpen() {
		return failure(CodeStateConflict, fmt.Sprintf("operation is %s", action.Status)), nil
	}

	moved, err := e.store.TransitionPendingAction(ctx, operationID, domain.ActionStatusCancelled, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to cancel: %w", err)
	}
	if !moved {
		return failure(CodeStateConflict, "operation state changed concurrently"), nil
	}
	e.logger.Info().Str("operation_id", operationID).Msg("action cancelled")
	return &ActionResult{OK: true, Action: action}, nil
}

func fieldString(v any) string {
	s, _ := v.(string)
	return s
}

func fieldStrings(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func fieldTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case string:
		return time.Parse(time.RFC3339, val)
	}
	return time.Time{}, fmt.Errorf("unsupported time value %v", v)
}
