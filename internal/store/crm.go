package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
)

// CustomerQuery narrows a customer search/count. Keyword matches the
// name; City and TeamID match exactly.
type CustomerQuery struct {
	Keyword string
	City    string
	TeamID  string
	Limit   int
}

// scopeClause returns the SQL predicate enforcing the caller's
// visibility. Every customer read goes through this.
func scopeClause(scope domain.Scope) (string, []any) {
	switch scope.Level {
	case domain.ScopeLevelHQ:
		return "", nil
	case domain.ScopeLevelTeam:
		return " AND team_id = ?", []any{scope.TeamID}
	default:
		return " AND owner_user_id = ?", []any{scope.UserID}
	}
}

// CreateUser inserts a CRM user.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *domain.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, name, team_id, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.UserID, u.Name, u.TeamID, u.Role, u.CreatedAt)
	return err
}

// GetUser retrieves a user by ID. Returns nil when not found.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, name, team_id, role, created_at FROM users WHERE user_id = ?`,
		userID).Scan(&u.UserID, &u.Name, &u.TeamID, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SearchUsers finds users by name keyword within the caller's scope.
// Non-HQ callers only see users of their own team (or themselves).
func (s *SQLiteStore) SearchUsers(ctx context.Context, scope domain.Scope, keyword string, limit int) ([]domain.User, error) {
	query := `SELECT user_id, name, team_id, role, created_at FROM users WHERE 1=1`
	args := []any{}
	if keyword != "" {
		query += ` AND name LIKE ?`
		args = append(args, "%"+keyword+"%")
	}
	switch scope.Level {
	case domain.ScopeLevelHQ:
	case domain.ScopeLevelTeam:
		query += ` AND team_id = ?`
		args = append(args, scope.TeamID)
	default:
		query += ` AND user_id = ?`
		args = append(args, scope.UserID)
	}
	query += ` ORDER BY name ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.UserID, &u.Name, &u.TeamID, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateCustomer inserts a customer.
func (s *SQLiteStore) CreateCustomer(ctx context.Context, c *domain.Customer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (customer_id, name, city, level, owner_user_id, team_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.CustomerID, c.Name, c.City, nullString(c.Level), c.OwnerUserID, c.TeamID, c.CreatedAt)
	return err
}

// GetCustomer retrieves a customer by ID within the caller's scope.
// Returns nil when not found or not visible.
func (s *SQLiteStore) GetCustomer(ctx context.Context, scope domain.Scope, customerID string) (*domain.Customer, error) {
	clause, scopeArgs := scopeClause(scope)
	args := append([]any{customerID}, scopeArgs...)
	row := s.db.QueryRowContext(ctx,
		`SELECT customer_id, name, city, level, owner_user_id, team_id, created_at FROM customers WHERE customer_id = ?`+clause,
		args...)
	return scanCustomer(row)
}

// SearchCustomers finds customers matching the query within the
// caller's scope.
func (s *SQLiteStore) SearchCustomers(ctx context.Context, scope domain.Scope, q CustomerQuery) ([]domain.Customer, error) {
	query := `SELECT customer_id, name, city, level, owner_user_id, team_id, created_at FROM customers WHERE 1=1`
	args := []any{}
	if q.Keyword != "" {
		query += ` AND name LIKE ?`
		args = append(args, "%"+q.Keyword+"%")
	}
	if q.City != "" {
		query += ` AND city = ?`
		args = append(args, q.City)
	}
	if q.TeamID != "" {
		query += ` AND team_id = ?`
		args = append(args, q.TeamID)
	}
	clause, scopeArgs := scopeClause(scope)
	query += clause
	args = append(args, scopeArgs...)
	query += ` ORDER BY name ASC`
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []domain.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, *c)
	}
	return customers, rows.Err()
}

// CountCustomers counts customers matching the query within the
// caller's scope.
func (s *SQLiteStore) CountCustomers(ctx context.Context, scope domain.Scope, q CustomerQuery) (int, error) {
	query := `SELECT COUNT(*) FROM customers WHERE 1=1`
	args := []any{}
	if q.Keyword != "" {
		query += ` AND name LIKE ?`
		args = append(args, "%"+q.Keyword+"%")
	}
	if q.City != "" {
		query += ` AND city = ?`
		args = append(args, q.City)
	}
	if q.TeamID != "" {
		query += ` AND team_id = ?`
		args = append(args, q.TeamID)
	}
	clause, scopeArgs := scopeClause(scope)
	query += clause
	args = append(args, scopeArgs...)

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CityExists reports whether any customer row (regardless of scope) has
// the given city. Used to decide whether a bare keyword is ambiguous.
func (s *SQLiteStore) CityExists(ctx context.Context, city string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM customers WHERE city = ?`, city).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var c domain.Customer
	var level sql.NullString
	err := row.Scan(&c.CustomerID, &c.Name, &c.City, &level, &c.OwnerUserID, &c.TeamID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Level = level.String
	return &c, nil
}

// CreateFollowUp commits a follow-up record.
func (s *SQLiteStore) CreateFollowUp(ctx context.Context, f *domain.FollowUp) error {
	participants, _ := json.Marshal(f.Participants)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO followups (follow_up_id, customer_id, user_id, content, method, follow_time, participants, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FollowUpID, f.CustomerID, f.UserID, f.Content, f.Method, f.FollowTime, string(participants), f.CreatedAt)
	return err
}

// GetFollowUp retrieves a follow-up by ID. Returns nil when not found.
func (s *SQLiteStore) GetFollowUp(ctx context.Context, followUpID string) (*domain.FollowUp, error) {
	var f domain.FollowUp
	var participants sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT follow_up_id, customer_id, user_id, content, method, follow_time, participants, created_at FROM followups WHERE follow_up_id = ?`,
		followUpID).Scan(&f.FollowUpID, &f.CustomerID, &f.UserID, &f.Content, &f.Method, &f.FollowTime, &participants, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if participants.Valid && participants.String != "" {
		_ = json.Unmarshal([]byte(participants.String), &f.Participants)
	}
	return &f, nil
}

// CountFollowUpsForCustomer counts committed follow-ups for a customer.
func (s *SQLiteStore) CountFollowUpsForCustomer(ctx context.Context, customerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM followups WHERE customer_id = ?`, customerID).Scan(&count)
	return count, err
}
