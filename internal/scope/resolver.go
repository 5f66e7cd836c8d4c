// Package scope resolves a user's data-visibility scope and write-risk
// decisions from an OPA policy.
package scope

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
)

// Resolver evaluates the scope policy.
type Resolver struct {
	levelQuery rego.PreparedEvalQuery
	riskQuery  rego.PreparedEvalQuery
}

// NewResolver compiles the policy and prepares its queries.
func NewResolver(ctx context.Context, policyContent string) (*Resolver, error) {
	levelQuery, err := rego.New(
		rego.Query("data.crm_scope.level"),
		rego.Module("crm_scope.rego", policyContent),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare level query: %w", err)
	}

	riskQuery, err := rego.New(
		rego.Query("data.crm_scope.risk"),
		rego.Module("crm_scope.rego", policyContent),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare risk query: %w", err)
	}

	return &Resolver{levelQuery: levelQuery, riskQuery: riskQuery}, nil
}

// Resolve maps a user to a visibility scope. Unknown roles fall back to
// self scope, never wider.
func (r *Resolver) Resolve(ctx context.Context, user *domain.User) (domain.Scope, error) {
	input := map[string]any{
		"user_id": user.UserID,
		"role":    string(user.Role),
		"team_id": user.TeamID,
	}
	results, err := r.levelQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return domain.Scope{}, fmt.Errorf("failed to evaluate scope policy: %w", err)
	}

	level := domain.ScopeLevelSelf
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		if s, ok := results[0].Expressions[0].Value.(string); ok {
			switch domain.ScopeLevel(s) {
			case domain.ScopeLevelHQ, domain.ScopeLevelTeam, domain.ScopeLevelSelf:
				level = domain.ScopeLevel(s)
			}
		}
	}

	return domain.Scope{Level: level, UserID: user.UserID, TeamID: user.TeamID}, nil
}

// RiskDecision classifies a write action. Returns "allow" or
// "require_approval".
func (r *Resolver) RiskDecision(ctx context.Context, actionType domain.ActionType, args map[string]any) (string, error) {
	input := map[string]any{
		"action_type": string(actionType),
		"args":        args,
	}
	results, err := r.riskQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate risk policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "allow", nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "allow", nil
}

// DefaultPolicy is the default scope policy content.
const DefaultPolicy = `
package crm_scope

default level = "self"

level = "hq" {
	input.role == "admin"
}

level = "team" {
	input.role == "manager"
}

default risk = "allow"

# High-risk changes never execute inline.
risk = "require_approval" {
	input.action_type == "high_risk_change"
}
`
