package tools

import (
	"context"
	"fmt"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
	"github.com/JayBon24/CRM-backend-sub001/internal/store"
)

// ClarifyResult asks the client to disambiguate a keyword before a
// numeric answer is produced.
type ClarifyResult struct {
	Clarify  bool            `json:"clarify"`
	Question string          `json:"clarify_question"`
	Options  []ClarifyOption `json:"clarify_options"`
}

// ClarifyOption is one way to interpret an ambiguous keyword.
type ClarifyOption struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// CountResult is a resolved customer count.
type CountResult struct {
	Count     int    `json:"count"`
	Dimension string `json:"dimension"`
	Keyword   string `json:"keyword,omitempty"`
}

// SearchResult wraps a customer search.
type SearchResult struct {
	Customers []domain.Customer `json:"customers"`
	Total     int               `json:"total"`
}

// UserSearchResult wraps a user search.
type UserSearchResult struct {
	Users []domain.User `json:"users"`
	Total int           `json:"total"`
}

// DraftResult is the card view of a freshly drafted write action.
type DraftResult struct {
	Card       domain.Card `json:"card"`
	ApprovalID string      `json:"approval_id,omitempty"`
}

func (d *Dispatcher) handleCustomerSearch(ctx context.Context, tctx ToolContext, args map[string]any) (any, error) {
	q := store.CustomerQuery{
		Keyword: argString(args, "keyword", "name_keyword", "name", "query"),
		City:    argString(args, "city"),
		TeamID:  argString(args, "org_unit", "team_id"),
		Limit:   argInt(args, "limit", 20),
	}
	customers, err := d.store.SearchCustomers(ctx, tctx.Scope, q)
	if err != nil {
		return nil, fmt.Errorf("customer search failed: %w", err)
	}
	return SearchResult{Customers: customers, Total: len(customers)}, nil
}

// handleCustomerCount resolves counts. A bare keyword that is also a
// known city is ambiguous between three dimensions (name keyword, org
// unit, city) and produces a clarify payload instead of a number.
func (d *Dispatcher) handleCustomerCount(ctx context.Context, tctx ToolContext, args map[string]any) (any, error) {
	q := store.CustomerQuery{
		Keyword: argString(args, "name_keyword"),
		City:    argString(args, "city"),
		TeamID:  argString(args, "org_unit", "team_id"),
	}

	if keyword := argString(args, "keyword", "query"); keyword != "" && q.Keyword == "" && q.City == "" && q.TeamID == "" {
		isCity, err := d.store.CityExists(ctx, keyword)
		if err != nil {
			return nil, fmt.Errorf("city lookup failed: %w", err)
		}
		if isCity {
			return buildClarify(keyword), nil
		}
		q.Keyword = keyword
	}

	count, err := d.store.CountCustomers(ctx, tctx.Scope, q)
	if err != nil {
		return nil, fmt.Errorf("customer count failed: %w", err)
	}

	result := CountResult{Count: count}
	switch {
	case q.City != "":
		result.Dimension = "city"
		result.Keyword = q.City
	case q.TeamID != "":
		result.Dimension = "org_unit"
		result.Keyword = q.TeamID
	default:
		result.Dimension = "name_keyword"
		result.Keyword = q.Keyword
	}
	return result, nil
}

func buildClarify(keyword string) ClarifyResult {
	return ClarifyResult{
		Clarify:  true,
		Question: fmt.Sprintf("「%s」可以按名称、组织或城市理解，您想统计哪一种？", keyword),
		Options: []ClarifyOption{
			{Key: "name_keyword", Label: fmt.Sprintf("名称包含「%s」的客户", keyword), Value: keyword},
			{Key: "org_unit", Label: fmt.Sprintf("「%s」团队负责的客户", keyword), Value: keyword},
			{Key: "city", Label: fmt.Sprintf("城市为「%s」的客户", keyword), Value: keyword},
		},
	}
}

func (d *Dispatcher) handleUserSearch(ctx context.Context, tctx ToolContext, args map[string]any) (any, error) {
	keyword := argString(args, "keyword", "name", "query")
	users, err := d.store.SearchUsers(ctx, tctx.Scope, keyword, argInt(args, "limit", 20))
	if err != nil {
		return nil, fmt.Errorf("user search failed: %w", err)
	}
	return UserSearchResult{Users: users, Total: len(users)}, nil
}

func (d *Dispatcher) handleCreateFollowUp(ctx context.Context, tctx ToolContext, args map[string]any) (any, error) {
	if id := argString(args, "customer_id"); id != "" {
		// write tools verify visibility before drafting anything
		customer, err := d.store.GetCustomer(ctx, tctx.Scope, id)
		if err != nil {
			return nil, fmt.Errorf("customer lookup failed: %w", err)
		}
		if customer == nil {
			return nil, fmt.Errorf("customer %s not found or not visible", id)
		}
	}

	action, err := d.pending.CreateDraft(ctx, domain.ActionTypeFollowUp, tctx.User, tctx.Scope, tctx.ConversationID, args)
	if err != nil {
		return nil, fmt.Errorf("failed to draft follow-up: %w", err)
	}
	return DraftResult{Card: action.CardView()}, nil
}

func (d *Dispatcher) handleSubmitHighRiskChange(ctx context.Context, tctx ToolContext, args map[string]any) (any, error) {
	if id := argString(args, "customer_id"); id != "" {
		customer, err := d.store.GetCustomer(ctx, tctx.Scope, id)
		if err != nil {
			return nil, fmt.Errorf("customer lookup failed: %w", err)
		}
		if customer == nil {
			return nil, fmt.Errorf("customer %s not found or not visible", id)
		}
	}

	action, err := d.pending.CreateDraft(ctx, domain.ActionTypeHighRiskChange, tctx.User, tctx.Scope, tctx.ConversationID, args)
	if err != nil {
		return nil, fmt.Errorf("failed to draft high-risk change: %w", err)
	}

	result := DraftResult{Card: action.CardView()}
	task, err := d.store.GetApprovalTaskByOperation(ctx, action.OperationID)
	if err == nil && task != nil {
		result.ApprovalID = task.ApprovalID
	}
	return result, nil
}
