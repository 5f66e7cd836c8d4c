package pending

import (
	"context"
	"fmt"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
)

// PatchRef locates the draft to patch: an explicit operation id, or the
// most recent open draft in a conversation.
type PatchRef struct {
	OperationID    string
	ConversationID string
}

// Patch edits an open draft under the per-operation lock. Explicit
// field edits are merged first, then a best-effort natural-language
// extraction fills whatever the text mentions (without overriding the
// explicit edits). missing_fields is recomputed after every change.
func (e *Engine) Patch(ctx context.Context, user *domain.User, callerScope domain.Scope, ref PatchRef, patchText string, editedFields map[string]any) (*ActionResult, error) {
	operationID := ref.OperationID
	if operationID == "" {
		latest, err := e.store.LatestOpenPendingAction(ctx, ref.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to find open draft: %w", err)
		}
		if latest == nil {
			return failure(CodeNotFound, "no open draft in conversation"), nil
		}
		operationID = latest.OperationID
	}

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
		return failure(CodeStateConflict, fmt.Sprintf("operation is %s, cannot edit", action.Status)), nil
	}

	for k, v := range editedFields {
		if k == "participants" {
			action.Draft.Fields[k] = mergeParticipants(action.Draft.Fields[k], v)
			continue
		}
		action.Draft.Fields[k] = v
	}

	if patchText != "" {
		extracted := e.extractor.ExtractFields(patchText, e.now())
		for k, v := range extracted {
			if _, explicit := editedFields[k]; explicit {
				continue
			}
			if k == "participants" {
				action.Draft.Fields[k] = mergeParticipants(action.Draft.Fields[k], v)
				continue
			}
			if k == "customer_name" {
				// a new name re-opens entity resolution
				delete(action.Draft.Fields, "customer_id")
			}
			action.Draft.Fields[k] = v
		}
	}

	if err := e.resolveCustomer(ctx, callerScope, &action.Draft); err != nil {
		return nil, err
	}
	action.Draft.RecomputeMissing()

	updated, err := e.store.UpdatePendingActionDraft(ctx, operationID, action.Draft)
	if err != nil {
		return nil, fmt.Errorf("failed to persist draft: %w", err)
	}
	if !updated {
		return failure(CodeStateConflict, "operation state changed concurrently"), nil
	}

	card := action.CardView()
	return &ActionResult{OK: true, Card: &card, Action: action}, nil
}

// mergeParticipants appends new names, keeping existing ones and
// dropping duplicates.
func mergeParticipants(existing, incoming any) []string {
	merged := fieldStrings(existing)
	seen := make(map[string]bool, len(merged))
	for _, p := range merged {
		seen[p] = true
	}
	for _, p := range fieldStrings(incoming) {
		if !seen[p] {
			merged = append(merged, p)
			seen[p] = true
		}
	}
	return merged
}
