// Package protocol defines the WebSocket message protocol between CRM
// clients and the gateway.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
)

// Message types from client to gateway
const (
	TypeUserMessage        = "user_message"
	TypeSwitchConversation = "switch_conversation"
	TypeConfirmAction      = "confirm_action"
	TypeCancelAction       = "cancel_action"
	TypeEditPendingAction  = "edit_pending_action"
)

// Message types from gateway to client
const (
	TypeScopeHint           = "scope_hint"
	TypeCapabilities        = "capabilities"
	TypeSessionCreated      = "session_created"
	TypeConversationCreated = "conversation_created"
	TypeConversationMeta    = "conversation_meta"
	TypeCard                = "card"
	TypeCardUpdated         = "card_updated"
	TypeActionResult        = "action_result"
	TypeNeedClarify         = "need_clarify"
	TypeToken               = "token"
	TypeFinal               = "final"
	TypeError               = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type           string `json:"type"`
	Ts             int64  `json:"ts,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

func base(msgType, sessionID, conversationID string) BaseMessage {
	return BaseMessage{
		Type:           msgType,
		Ts:             time.Now().UnixMilli(),
		SessionID:      sessionID,
		ConversationID: conversationID,
	}
}

// UserMessage is a user turn. Session and conversation hints are
// optional; the gateway resolves or creates them.
type UserMessage struct {
	BaseMessage
	Message            string   `json:"message"`
	Attachments        []string `json:"attachments,omitempty"`
	EditingOperationID string   `json:"editingOperationId,omitempty"`
}

// SwitchConversation rebinds the session to another conversation.
type SwitchConversation struct {
	BaseMessage
}

// ConfirmAction confirms a drafted write action.
type ConfirmAction struct {
	BaseMessage
	OperationID    string         `json:"operationId"`
	EditedFields   map[string]any `json:"editedFields,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// CancelAction cancels an open draft.
type CancelAction struct {
	BaseMessage
	OperationID string `json:"operationId"`
}

// EditPendingAction patches an open draft with explicit field edits
// and/or a natural-language patch text.
type EditPendingAction struct {
	BaseMessage
	OperationID    string         `json:"operationId,omitempty"`
	PatchText      string         `json:"patchText,omitempty"`
	Message        string         `json:"message,omitempty"`
	EditedFields   map[string]any `json:"editedFields,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// Text returns the patch text regardless of which field carried it.
func (m *EditPendingAction) Text() string {
	if m.PatchText != "" {
		return m.PatchText
	}
	return m.Message
}

// ScopeHint announces the caller's resolved data visibility.
type ScopeHint struct {
	BaseMessage
	Level  domain.ScopeLevel `json:"level"`
	TeamID string            `json:"teamId,omitempty"`
}

// Capabilities announces the tool whitelist for this connection.
type Capabilities struct {
	BaseMessage
	Tools []string `json:"tools"`
}

// SessionCreated is sent when a new session was minted for the caller.
type SessionCreated struct {
	BaseMessage
}

// ConversationCreated is sent when a turn lazily created a
// conversation.
type ConversationCreated struct {
	BaseMessage
	Title string `json:"title"`
}

// ConversationMeta describes the active conversation after a switch.
type ConversationMeta struct {
	BaseMessage
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
}

// CardMessage carries a draft card for client-side review.
type CardMessage struct {
	BaseMessage
	Card domain.Card `json:"card"`
}

// ActionResult reports the outcome of confirm/cancel/edit.
type ActionResult struct {
	BaseMessage
	OperationID string          `json:"operationId"`
	OK          bool            `json:"ok"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Replayed    bool            `json:"replayed,omitempty"`
	ApprovalID  string          `json:"approvalId,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Card        *domain.Card    `json:"card,omitempty"`
}

// NeedClarify asks the user to disambiguate before answering.
type NeedClarify struct {
	BaseMessage
	Question string          `json:"clarify_question"`
	Options  json.RawMessage `json:"clarify_options"`
}

// Token is one incremental text fragment of a streamed answer.
type Token struct {
	BaseMessage
	Text string `json:"text"`
}

// Final is the turn's answer.
type Final struct {
	BaseMessage
	Text      string `json:"text"`
	MessageID string `json:"messageId,omitempty"`
}

// ErrorMessage reports a failure with a machine-readable code so
// clients can branch without string matching.
type ErrorMessage struct {
	BaseMessage
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeForbidden      = "forbidden"
	ErrorCodeNotFound       = "not_found"
	ErrorCodeThreadReset    = "thread_reset"
	ErrorCodeEngineFail     = "engine_fail"
	ErrorCodeInternalError  = "internal_error"
)

// NewError builds an outbound error message.
func NewError(sessionID, conversationID, code, message string, context map[string]any) ErrorMessage {
	return ErrorMessage{
		BaseMessage: base(TypeError, sessionID, conversationID),
		Code:        code,
		Message:     message,
		Context:     context,
	}
}

// NewToken builds an outbound token fragment.
func NewToken(sessionID, conversationID, text string) Token {
	return Token{BaseMessage: base(TypeToken, sessionID, conversationID), Text: text}
}

// NewFinal builds the turn's final answer.
func NewFinal(sessionID, conversationID, text, messageID string) Final {
	return Final{BaseMessage: base(TypeFinal, sessionID, conversationID), Text: text, MessageID: messageID}
}

// NewCard builds an outbound card message. msgType is TypeCard for a
// fresh draft and TypeCardUpdated for an edit.
func NewCard(msgType, sessionID, conversationID string, card domain.Card) CardMessage {
	return CardMessage{BaseMessage: base(msgType, sessionID, conversationID), Card: card}
}

// Base constructs a BaseMessage with the current timestamp.
func Base(msgType, sessionID, conversationID string) BaseMessage {
	return base(msgType, sessionID, conversationID)
}
