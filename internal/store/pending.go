package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
)

// CreatePendingAction persists a new draft.
func (s *SQLiteStore) CreatePendingAction(ctx context.Context, a *domain.PendingAction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_actions (operation_id, user_id, conversation_id, action_type, risk_level, draft_payload, status, expire_at, last_idempotency_key, result_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.OperationID, a.UserID, a.ConversationID, a.ActionType, a.RiskLevel, marshalDraft(a.Draft),
		a.Status, a.ExpireAt, nullString(a.LastIdempotencyKey), nullStringBytes(a.ResultJSON), a.CreatedAt, a.UpdatedAt)
	return err
}

// GetPendingAction retrieves a pending action by operation id. Returns
// nil when not found.
func (s *SQLiteStore) GetPendingAction(ctx context.Context, operationID string) (*domain.PendingAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT operation_id, user_id, conversation_id, action_type, risk_level, draft_payload, status, expire_at, last_idempotency_key, result_json, created_at, updated_at
		 FROM pending_actions WHERE operation_id = ?`, operationID)
	return scanPendingAction(row)
}

// LatestOpenPendingAction retrieves the most recent pending/failed draft
// in a conversation. Returns nil when there is none.
func (s *SQLiteStore) LatestOpenPendingAction(ctx context.Context, conversationID string) (*domain.PendingAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT operation_id, user_id, conversation_id, action_type, risk_level, draft_payload, status, expire_at, last_idempotency_key, result_json, created_at, updated_at
		 FROM pending_actions
		 WHERE conversation_id = ? AND status IN ('pending', 'failed')
		 ORDER BY created_at DESC
		 LIMIT 1`, conversationID)
	return scanPendingAction(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingAction(row rowScanner) (*domain.PendingAction, error) {
	var a domain.PendingAction
	var draft string
	var idemKey, resultJSON sql.NullString
	err := row.Scan(&a.OperationID, &a.UserID, &a.ConversationID, &a.ActionType, &a.RiskLevel,
		&draft, &a.Status, &a.ExpireAt, &idemKey, &resultJSON, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(draft), &a.Draft); err != nil {
		return nil, fmt.Errorf("failed to decode draft payload: %w", err)
	}
	a.LastIdempotencyKey = idemKey.String
	if resultJSON.Valid {
		a.ResultJSON = json.RawMessage(resultJSON.String)
	}
	return &a, nil
}

// UpdatePendingActionDraft replaces the draft payload of an open action.
// Returns false when the action is no longer open.
func (s *SQLiteStore) UpdatePendingActionDraft(ctx context.Context, operationID string, draft domain.DraftPayload) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET draft_payload = ?, updated_at = ? WHERE operation_id = ? AND status IN ('pending', 'failed')`,
		marshalDraft(draft), time.Now(), operationID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// TransitionPendingAction moves an open (pending/failed) action to the
// given status, storing the result payload and idempotency key. Returns
// false when the action was not open, so double-submits cannot both
// succeed.
func (s *SQLiteStore) TransitionPendingAction(ctx context.Context, operationID string, to domain.ActionStatus, resultJSON []byte, idemKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET status = ?, result_json = ?, last_idempotency_key = ?, updated_at = ?
		 WHERE operation_id = ? AND status IN ('pending', 'failed')`,
		to, nullStringBytes(resultJSON), nullString(idemKey), time.Now(), operationID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListOverduePendingActions lists open drafts whose expire_at has passed.
func (s *SQLiteStore) ListOverduePendingActions(ctx context.Context, now time.Time, limit int) ([]domain.PendingAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT operation_id, user_id, conversation_id, action_type, risk_level, draft_payload, status, expire_at, last_idempotency_key, result_json, created_at, updated_at
		 FROM pending_actions
		 WHERE status = 'pending' AND expire_at < ?
		 ORDER BY expire_at ASC
		 LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PendingAction
	for rows.Next() {
		a, err := scanPendingAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ---- approval tasks ----

// CreateApprovalTask creates an approval task for a high-risk operation.
func (s *SQLiteStore) CreateApprovalTask(ctx context.Context, t *domain.ApprovalTask) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_tasks (approval_id, operation_id, user_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ApprovalID, t.OperationID, t.UserID, t.Status, t.CreatedAt)
	return err
}

// GetApprovalTaskByOperation retrieves the approval task for an
// operation. Returns nil when none exists.
func (s *SQLiteStore) GetApprovalTaskByOperation(ctx context.Context, operationID string) (*domain.ApprovalTask, error) {
	var t domain.ApprovalTask
	var decidedAt sql.NullTime
	var decidedBy, reason sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT approval_id, operation_id, user_id, status, created_at, decided_at, decided_by, reason
		 FROM approval_tasks WHERE operation_id = ? ORDER BY created_at DESC LIMIT 1`,
		operationID).Scan(&t.ApprovalID, &t.OperationID, &t.UserID, &t.Status, &t.CreatedAt, &decidedAt, &decidedBy, &reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		t.DecidedAt = &decidedAt.Time
	}
	t.DecidedBy = decidedBy.String
	t.Reason = reason.String
	return &t, nil
}
