// Package domain defines the core domain models for the CRM chat gateway.
package domain

// ActionType identifies the kind of write a pending action drafts.
type ActionType string

const (
	ActionTypeFollowUp       ActionType = "follow_up"
	ActionTypeHighRiskChange ActionType = "high_risk_change"
)

// RiskLevel classifies how a pending action is committed.
type RiskLevel string

const (
	RiskLevelLow  RiskLevel = "low"
	RiskLevelHigh RiskLevel = "high"
)

// ActionStatus represents the lifecycle state of a pending action.
type ActionStatus string

const (
	ActionStatusPending         ActionStatus = "pending"
	ActionStatusCancelled       ActionStatus = "cancelled"
	ActionStatusExecuted        ActionStatus = "executed"
	ActionStatusExpired         ActionStatus = "expired"
	ActionStatusApprovalPending ActionStatus = "approval_pending"
	ActionStatusFailed          ActionStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from the
// status. failed is retryable and therefore not terminal.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionStatusCancelled, ActionStatusExecuted, ActionStatusExpired, ActionStatusApprovalPending:
		return true
	}
	return false
}

// IsOpen reports whether the action can still be patched or confirmed.
func (s ActionStatus) IsOpen() bool {
	return s == ActionStatusPending || s == ActionStatusFailed
}

// ApprovalStatus represents the status of a high-risk approval task.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
	ApprovalStatusExpired  ApprovalStatus = "EXPIRED"
)

// ScopeLevel is the data-visibility level resolved for a user.
type ScopeLevel string

const (
	ScopeLevelHQ   ScopeLevel = "hq"
	ScopeLevelTeam ScopeLevel = "team"
	ScopeLevelSelf ScopeLevel = "self"
)

// UserRole is the organizational role stored on a CRM user.
type UserRole string

const (
	UserRoleAdmin   UserRole = "admin"
	UserRoleManager UserRole = "manager"
	UserRoleStaff   UserRole = "staff"
)
