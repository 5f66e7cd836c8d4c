package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
	"github.com/JayBon24/CRM-backend-sub001/internal/intent"
	"github.com/JayBon24/CRM-backend-sub001/internal/pending"
	"github.com/JayBon24/CRM-backend-sub001/internal/scope"
	"github.com/JayBon24/CRM-backend-sub001/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.SQLiteStore) {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	resolver, err := scope.NewResolver(context.Background(), scope.DefaultPolicy)
	require.NoError(t, err)

	pe := pending.NewEngine(st, resolver, intent.NewRuleExtractor(), 30*time.Minute, zerolog.Nop())
	return NewDispatcher(st, pe, resolver, zerolog.Nop()), st
}

func TestCustomerCountAmbiguousKeywordNeedsClarify(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	// 深圳 exists both as a city and inside customer names
	require.NoError(t, st.CreateCustomer(ctx, &domain.Customer{
		CustomerID: "c1", Name: "深圳华强电子", City: "深圳", OwnerUserID: "u1", TeamID: "team_a", CreatedAt: time.Now(),
	}))
	require.NoError(t, st.CreateCustomer(ctx, &domain.Customer{
		CustomerID: "c2", Name: "望京科技", City: "北京", OwnerUserID: "u1", TeamID: "team_a", CreatedAt: time.Now(),
	}))

	user := &domain.User{UserID: "u1", Role: domain.UserRoleAdmin}
	tctx := ToolContext{User: user, Scope: domain.Scope{Level: domain.ScopeLevelHQ, UserID: "u1"}}

	result, err := d.Execute(ctx, ToolCustomerCount, tctx, map[string]any{"keyword": "深圳"})
	require.NoError(t, err)

	clarify, ok := result.(ClarifyResult)
	require.True(t, ok, "a bare city keyword must produce a clarify payload, got %T", result)
	assert.True(t, clarify.Clarify)
	assert.Contains(t, clarify.Question, "深圳")
	require.Len(t, clarify.Options, 3)

	keys := make([]string, 0, 3)
	for _, opt := range clarify.Options {
		keys = append(keys, opt.Key)
		assert.Contains(t, opt.Label, "深圳", "every option label must carry the keyword")
	}
	assert.ElementsMatch(t, []string{"name_keyword", "org_unit", "city"}, keys)
}

func TestCustomerCountResolvedDimensions(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, st.CreateCustomer(ctx, &domain.Customer{
		CustomerID: "c1", Name: "深圳华强电子", City: "深圳", OwnerUserID: "u1", TeamID: "team_a", CreatedAt: time.Now(),
	}))
	require.NoError(t, st.CreateCustomer(ctx, &domain.Customer{
		CustomerID: "c2", Name: "宝安贸易", City: "深圳", OwnerUserID: "u2", TeamID: "team_b", CreatedAt: time.Now(),
	}))

	user := &domain.User{UserID: "u1", Role: domain.UserRoleAdmin}
	tctx := ToolContext{User: user, Scope: domain.Scope{Level: domain.ScopeLevelHQ, UserID: "u1"}}

	result, err := d.Execute(ctx, ToolCustomerCount, tctx, map[string]any{"city": "深圳"})
	require.NoError(t, err)
	count := result.(CountResult)
	assert.Equal(t, 2, count.Count)
	assert.Equal(t, "city", count.Dimension)

	result, err = d.Execute(ctx, ToolCustomerCount, tctx, map[string]any{"name_keyword": "深圳"})
	require.NoError(t, err)
	count = result.(CountResult)
	assert.Equal(t, 1, count.Count)
	assert.Equal(t, "name_keyword", count.Dimension)

	result, err = d.Execute(ctx, ToolCustomerCount, tctx, map[string]any{"org_unit": "team_b"})
	require.NoError(t, err)
	count = result.(CountResult)
	assert.Equal(t, 1, count.Count)
	assert.Equal(t, "org_unit", count.Dimension)

	// a keyword that is not a city counts by name without clarifying
	result, err = d.Execute(ctx, ToolCustomerCount, tctx, map[string]any{"keyword": "华强"})
	require.NoError(t, err)
	count = result.(CountResult)
	assert.Equal(t, 1, count.Count)
	assert.Equal(t, "name_keyword", count.Dimension)
}

func TestSearchScopeContainmentRandomized(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(42))
	owners := []string{"u1", "u2", "u3", "u4"}
	teams := []string{"team_a", "team_b"}
	cities := []string{"深圳", "北京", "广州"}
	for i := 0; i < 60; i++ {
		owner := owners[rng.Intn(len(owners))]
		team := teams[rng.Intn(len(teams))]
		require.NoError(t, st.CreateCustomer(ctx, &domain.Customer{
			CustomerID:  fmt.Sprintf("c%03d", i),
			Name:        fmt.Sprintf("客户%03d", i),
			City:        cities[rng.Intn(len(cities))],
			OwnerUserID: owner,
			TeamID:      team,
			CreatedAt:   time.Now(),
		}))
	}

	scopes := []domain.Scope{
		{Level: domain.ScopeLevelSelf, UserID: "u2", TeamID: "team_a"},
		{Level: domain.ScopeLevelTeam, UserID: "u1", TeamID: "team_b"},
		{Level: domain.ScopeLevelHQ, UserID: "u3"},
	}

	for _, sc := range scopes {
		t.Run(string(sc.Level), func(t *testing.T) {
			user := &domain.User{UserID: sc.UserID}
			tctx := ToolContext{User: user, Scope: sc}

			result, err := d.Execute(ctx, ToolCustomerSearch, tctx, map[string]any{"keyword": "客户", "limit": 100})
			require.NoError(t, err)
			search := result.(SearchResult)

			for _, c := range search.Customers {
				assert.True(t, sc.Allows(c.OwnerUserID, c.TeamID),
					"scope %s leaked customer owner=%s team=%s", sc.Level, c.OwnerUserID, c.TeamID)
			}

			countRes, err := d.Execute(ctx, ToolCustomerCount, tctx, map[string]any{"name_keyword": "客户"})
			require.NoError(t, err)
			assert.Equal(t, len(search.Customers), countRes.(CountResult).Count,
				"count and search must agree under the same scope")
		})
	}
}

func TestCreateFollowUpToolDrafts(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, st.CreateCustomer(ctx, &domain.Customer{
		CustomerID: "c1", Name: "华强科技", City: "深圳", OwnerUserID: "u1", TeamID: "team_a", CreatedAt: time.Now(),
	}))
	user := &domain.User{UserID: "u1", Role: domain.UserRoleStaff, TeamID: "team_a"}
	tctx := ToolContext{User: user, Scope: domain.Scope{Level: domain.ScopeLevelSelf, UserID: "u1", TeamID: "team_a"}, ConversationID: "conv_1"}

	result, err := d.Execute(ctx, ToolCreateFollowUp, tctx, map[string]any{
		"customer_id": "c1",
		"content":     "确认合同条款",
		"method":      "phone",
		"follow_time": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)

	draft := result.(DraftResult)
	assert.Equal(t, domain.ActionStatusPending, draft.Card.Status)
	assert.Empty(t, draft.Card.MissingFields)

	// the draft is two-phase: no follow-up row exists yet
	n, err := st.CountFollowUpsForCustomer(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, n)

	// invisible customers are rejected before drafting
	_, err = d.Execute(ctx, ToolCreateFollowUp, ToolContext{
		User:  &domain.User{UserID: "u9"},
		Scope: domain.Scope{Level: domain.ScopeLevelSelf, UserID: "u9"},
	}, map[string]any{"customer_id": "c1"})
	assert.Error(t, err)
}

func TestSubmitHighRiskChangeReturnsApproval(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, st.CreateCustomer(ctx, &domain.Customer{
		CustomerID: "c1", Name: "华强科技", City: "深圳", OwnerUserID: "u1", TeamID: "team_a", CreatedAt: time.Now(),
	}))
	user := &domain.User{UserID: "u1", Role: domain.UserRoleStaff, TeamID: "team_a"}
	tctx := ToolContext{User: user, Scope: domain.Scope{Level: domain.ScopeLevelSelf, UserID: "u1", TeamID: "team_a"}, ConversationID: "conv_1"}

	result, err := d.Execute(ctx, ToolSubmitHighRiskChange, tctx, map[string]any{
		"customer_id":  "c1",
		"change_type":  "owner_transfer",
		"target_value": "u2",
		"reason":       "rebalancing",
	})
	require.NoError(t, err)

	draft := result.(DraftResult)
	assert.Equal(t, domain.ActionStatusApprovalPending, draft.Card.Status)
	assert.Equal(t, domain.RiskLevelHigh, draft.Card.RiskLevel)
	assert.NotEmpty(t, draft.ApprovalID)
}

func TestDispatchProducesOneResultPerCall(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	user := &domain.User{UserID: "u1"}
	tctx := ToolContext{User: user, Scope: domain.Scope{Level: domain.ScopeLevelSelf, UserID: "u1"}}

	calls := []domain.ToolCall{
		{ID: "call_1", Name: ToolCustomerSearch, Args: map[string]any{"keyword": "x"}},
		{ID: "call_2", Name: "crm.nonexistent", Args: nil},
	}

	for _, call := range calls {
		res := d.Dispatch(ctx, call, tctx)
		assert.Equal(t, call.ID, res.ToolCallID)
		assert.Equal(t, call.Name, res.Name)

		var outcome domain.ToolOutcome
		require.NoError(t, json.Unmarshal([]byte(res.Content), &outcome))
		if strings.HasPrefix(call.Name, "crm.nonexistent") {
			assert.False(t, outcome.OK)
			assert.Equal(t, "unknown_tool", outcome.Code)
		} else {
			assert.True(t, outcome.OK)
		}
	}
}

func TestNormalizeArgsShapes(t *testing.T) {
	direct := normalizeArgs(map[string]any{"keyword": "x"})
	assert.Equal(t, "x", direct["keyword"])

	wrapped := normalizeArgs(map[string]any{"input": map[string]any{"keyword": "y"}})
	assert.Equal(t, "y", wrapped["keyword"])

	encoded := normalizeArgs(map[string]any{"arguments": `{"keyword":"z"}`})
	assert.Equal(t, "z", encoded["keyword"])

	assert.NotNil(t, normalizeArgs(nil))
}
