package store

import (
	"context"
	"testing"
	"time"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *SQLiteStore, id, team string, role domain.UserRole) *domain.User {
	t.Helper()
	u := &domain.User{UserID: id, Name: "user " + id, TeamID: team, Role: role, CreatedAt: time.Now()}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("failed to create user %s: %v", id, err)
	}
	return u
}

func seedCustomer(t *testing.T, s *SQLiteStore, id, name, city, owner, team string) {
	t.Helper()
	c := &domain.Customer{CustomerID: id, Name: name, City: city, OwnerUserID: owner, TeamID: team, CreatedAt: time.Now()}
	if err := s.CreateCustomer(context.Background(), c); err != nil {
		t.Fatalf("failed to create customer %s: %v", id, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	sess := &domain.Session{SessionID: "sess_1", UserID: "u1", IsActive: true, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	got, err := s.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got == nil || got.UserID != "u1" || !got.IsActive {
		t.Fatalf("unexpected session: %+v", got)
	}

	if err := s.UpdateSessionThread(ctx, "sess_1", "thread_a"); err != nil {
		t.Fatalf("failed to bind thread: %v", err)
	}
	if err := s.UpdateSessionRun(ctx, "sess_1", "run_a"); err != nil {
		t.Fatalf("failed to store run: %v", err)
	}

	got, _ = s.GetSession(ctx, "sess_1")
	if got.ThreadID != "thread_a" || got.LastRunID != "run_a" {
		t.Fatalf("thread binding not persisted: %+v", got)
	}

	if err := s.ResetSessionThread(ctx, "sess_1"); err != nil {
		t.Fatalf("failed to reset thread: %v", err)
	}
	got, _ = s.GetSession(ctx, "sess_1")
	if got.ThreadID != "" || got.LastRunID != "" || got.IsActive {
		t.Fatalf("reset did not clear binding: %+v", got)
	}

	missing, err := s.GetSession(ctx, "sess_nope")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown session, got %+v", missing)
	}
}

func TestPendingActionTransitionGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	a := &domain.PendingAction{
		OperationID:    "op_1",
		UserID:         "u1",
		ConversationID: "conv_1",
		ActionType:     domain.ActionTypeFollowUp,
		RiskLevel:      domain.RiskLevelLow,
		Draft:          domain.DraftPayload{Fields: map[string]any{"content": "call"}, RequiredFields: []string{"content"}},
		Status:         domain.ActionStatusPending,
		ExpireAt:       now.Add(time.Hour),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.CreatePendingAction(ctx, a); err != nil {
		t.Fatalf("failed to create pending action: %v", err)
	}

	moved, err := s.TransitionPendingAction(ctx, "op_1", domain.ActionStatusExecuted, []byte(`{"ok":true}`), "idem-1")
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if !moved {
		t.Fatalf("expected first transition to succeed")
	}

	// second transition against a terminal record must be refused
	moved, err = s.TransitionPendingAction(ctx, "op_1", domain.ActionStatusCancelled, nil, "")
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if moved {
		t.Fatalf("transition from executed should be refused")
	}

	got, _ := s.GetPendingAction(ctx, "op_1")
	if got.Status != domain.ActionStatusExecuted {
		t.Fatalf("status = %s, want executed", got.Status)
	}
	if got.LastIdempotencyKey != "idem-1" {
		t.Fatalf("idempotency key not stored: %q", got.LastIdempotencyKey)
	}
	if string(got.ResultJSON) != `{"ok":true}` {
		t.Fatalf("result not stored: %s", got.ResultJSON)
	}
}

func TestLatestOpenPendingAction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, status := range []domain.ActionStatus{domain.ActionStatusCancelled, domain.ActionStatusPending, domain.ActionStatusFailed} {
		a := &domain.PendingAction{
			OperationID:    "op_" + string(rune('a'+i)),
			UserID:         "u1",
			ConversationID: "conv_1",
			ActionType:     domain.ActionTypeFollowUp,
			RiskLevel:      domain.RiskLevelLow,
			Draft:          domain.DraftPayload{Fields: map[string]any{}},
			Status:         status,
			ExpireAt:       base.Add(2 * time.Hour),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:      base,
		}
		if err := s.CreatePendingAction(ctx, a); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	got, err := s.LatestOpenPendingAction(ctx, "conv_1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got == nil || got.OperationID != "op_c" {
		t.Fatalf("expected most recent open draft op_c, got %+v", got)
	}

	none, err := s.LatestOpenPendingAction(ctx, "conv_other")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil for conversation without drafts")
	}
}

func TestCustomerScopeQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCustomer(t, s, "c1", "深圳华强电子", "深圳", "u1", "team_a")
	seedCustomer(t, s, "c2", "北京望京科技", "北京", "u2", "team_a")
	seedCustomer(t, s, "c3", "广州白云贸易", "广州", "u3", "team_b")

	hq := domain.Scope{Level: domain.ScopeLevelHQ, UserID: "boss"}
	team := domain.Scope{Level: domain.ScopeLevelTeam, UserID: "u1", TeamID: "team_a"}
	self := domain.Scope{Level: domain.ScopeLevelSelf, UserID: "u1"}

	count, err := s.CountCustomers(ctx, hq, CustomerQuery{})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("hq count = %d, want 3", count)
	}

	count, _ = s.CountCustomers(ctx, team, CustomerQuery{})
	if count != 2 {
		t.Fatalf("team count = %d, want 2", count)
	}

	count, _ = s.CountCustomers(ctx, self, CustomerQuery{})
	if count != 1 {
		t.Fatalf("self count = %d, want 1", count)
	}

	// scope applies to point lookups too
	c, err := s.GetCustomer(ctx, self, "c2")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if c != nil {
		t.Fatalf("self scope must not see another owner's customer")
	}

	rows, err := s.SearchCustomers(ctx, hq, CustomerQuery{City: "深圳"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(rows) != 1 || rows[0].CustomerID != "c1" {
		t.Fatalf("city search returned %+v", rows)
	}

	exists, err := s.CityExists(ctx, "深圳")
	if err != nil {
		t.Fatalf("city lookup failed: %v", err)
	}
	if !exists {
		t.Fatalf("深圳 should be a known city")
	}
	exists, _ = s.CityExists(ctx, "上海")
	if exists {
		t.Fatalf("上海 should not be a known city")
	}
}

func TestFollowUpRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCustomer(t, s, "c1", "华强科技", "深圳", "u1", "team_a")

	f := &domain.FollowUp{
		FollowUpID:   "fu_1",
		CustomerID:   "c1",
		UserID:       "u1",
		Content:      "确认合同条款",
		Method:       "phone",
		FollowTime:   time.Now().Add(24 * time.Hour),
		Participants: []string{"李雷", "韩梅梅"},
		CreatedAt:    time.Now(),
	}
	if err := s.CreateFollowUp(ctx, f); err != nil {
		t.Fatalf("failed to create follow-up: %v", err)
	}

	got, err := s.GetFollowUp(ctx, "fu_1")
	if err != nil {
		t.Fatalf("failed to get follow-up: %v", err)
	}
	if got == nil || got.Content != "确认合同条款" || got.Method != "phone" {
		t.Fatalf("unexpected follow-up: %+v", got)
	}
	if len(got.Participants) != 2 || got.Participants[0] != "李雷" {
		t.Fatalf("participants not round-tripped: %+v", got.Participants)
	}

	n, err := s.CountFollowUpsForCustomer(ctx, "c1")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestUserSearchScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedUser(t, s, "u1", "team_a", domain.UserRoleStaff)
	seedUser(t, s, "u2", "team_a", domain.UserRoleStaff)
	seedUser(t, s, "u3", "team_b", domain.UserRoleStaff)

	team := domain.Scope{Level: domain.ScopeLevelTeam, UserID: "u1", TeamID: "team_a"}
	users, err := s.SearchUsers(ctx, team, "", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("team search returned %d users, want 2", len(users))
	}
	for _, u := range users {
		if u.TeamID != "team_a" {
			t.Fatalf("team search leaked user %+v", u)
		}
	}

	self := domain.Scope{Level: domain.ScopeLevelSelf, UserID: "u3"}
	users, _ = s.SearchUsers(ctx, self, "", 10)
	if len(users) != 1 || users[0].UserID != "u3" {
		t.Fatalf("self search returned %+v", users)
	}
}
