package domain

import (
	"encoding/json"
	"time"
)

// DraftPayload is the mutable field set of a pending action plus the
// metadata describing what is still missing and which free-text matches
// need disambiguation.
type DraftPayload struct {
	Fields         map[string]any        `json:"fields"`
	RequiredFields []string              `json:"required_fields"`
	MissingFields  []string              `json:"missing_fields"`
	Candidates     map[string][]Customer `json:"candidates,omitempty"`
}

// RecomputeMissing rebuilds MissingFields as the subset of
// RequiredFields whose current value is absent, an empty string, or an
// empty list.
func (p *DraftPayload) RecomputeMissing() {
	missing := make([]string, 0, len(p.RequiredFields))
	for _, name := range p.RequiredFields {
		if isEmptyFieldValue(p.Fields[name]) {
			missing = append(missing, name)
		}
	}
	p.MissingFields = missing
}

func isEmptyFieldValue(v any) bool {
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

// PendingAction is the two-phase write unit: a draft produced by a tool
// call or intent match, mutated by patches, and committed (or refused)
// by an explicit confirm.
type PendingAction struct {
	OperationID        string          `json:"operation_id"`
	UserID             string          `json:"user_id"`
	ConversationID     string          `json:"conversation_id"`
	ActionType         ActionType      `json:"action_type"`
	RiskLevel          RiskLevel       `json:"risk_level"`
	Draft              DraftPayload    `json:"draft_payload"`
	Status             ActionStatus    `json:"status"`
	ExpireAt           time.Time       `json:"expire_at"`
	LastIdempotencyKey string          `json:"last_idempotency_key,omitempty"`
	ResultJSON         json.RawMessage `json:"result_json,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Card is the client-facing view of a draft.
type Card struct {
	OperationID   string                `json:"operation_id"`
	ActionType    ActionType            `json:"action_type"`
	RiskLevel     RiskLevel             `json:"risk_level"`
	Status        ActionStatus          `json:"status"`
	Fields        map[string]any        `json:"fields"`
	MissingFields []string              `json:"missing_fields"`
	Candidates    map[string][]Customer `json:"candidates,omitempty"`
	ExpireAt      time.Time             `json:"expire_at"`
}

// CardView builds the card projection of a pending action.
func (a *PendingAction) CardView() Card {
	return Card{
		OperationID:   a.OperationID,
		ActionType:    a.ActionType,
		RiskLevel:     a.RiskLevel,
		Status:        a.Status,
		Fields:        a.Draft.Fields,
		MissingFields: a.Draft.MissingFields,
		Candidates:    a.Draft.Candidates,
		ExpireAt:      a.ExpireAt,
	}
}
