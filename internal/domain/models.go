package domain

import (
	"time"
)

// Session identifies a client's conversational connection. A session's
// UserID never changes after creation; ThreadID is the remote engine's
// identity for the conversation and is cleared (not the record) on a
// thread reset so the record can be reused.
type Session struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	ThreadID       string    `json:"thread_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	LastRunID      string    `json:"last_run_id,omitempty"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Conversation is a durable container of messages owned by one user.
type Conversation struct {
	ConversationID  string    `json:"conversation_id"`
	UserID          string    `json:"user_id"`
	Title           string    `json:"title"`
	LastMessageTime time.Time `json:"last_message_time"`
	CreatedAt       time.Time `json:"created_at"`
}

// Message is a single chat message inside a conversation.
type Message struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	RunID          string    `json:"run_id,omitempty"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// User is a CRM user. Role drives scope resolution.
type User struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	TeamID    string    `json:"team_id"`
	Role      UserRole  `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Customer is a CRM customer row. OwnerUserID and TeamID are the scope
// predicates applied by every read tool.
type Customer struct {
	CustomerID  string    `json:"customer_id"`
	Name        string    `json:"name"`
	City        string    `json:"city"`
	Level       string    `json:"level,omitempty"`
	OwnerUserID string    `json:"owner_user_id"`
	TeamID      string    `json:"team_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// FollowUp is the committed write target of a confirmed follow_up draft.
type FollowUp struct {
	FollowUpID   string    `json:"follow_up_id"`
	CustomerID   string    `json:"customer_id"`
	UserID       string    `json:"user_id"`
	Content      string    `json:"content"`
	Method       string    `json:"method"`
	FollowTime   time.Time `json:"follow_time"`
	Participants []string  `json:"participants,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ApprovalTask routes a high-risk change to a human approver instead of
// executing it inline.
type ApprovalTask struct {
	ApprovalID  string         `json:"approval_id"`
	OperationID string         `json:"operation_id"`
	UserID      string         `json:"user_id"`
	Status      ApprovalStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// Scope is the subset of data a user is permitted to see or act on.
type Scope struct {
	Level  ScopeLevel `json:"level"`
	UserID string     `json:"user_id"`
	TeamID string     `json:"team_id,omitempty"`
}

// Allows reports whether a row with the given owner and team falls
// inside the scope.
func (s Scope) Allows(ownerUserID, teamID string) bool {
	switch s.Level {
	case ScopeLevelHQ:
		return true
	case ScopeLevelTeam:
		return teamID == s.TeamID
	default:
		return ownerUserID == s.UserID
	}
}
