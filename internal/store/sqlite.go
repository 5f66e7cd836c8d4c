// Package store provides SQLite persistence for the gateway.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/JayBon24/CRM-backend-sub001/internal/domain"
)

// SQLiteStore implements persistence using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			team_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'staff',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS customers (
			customer_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			city TEXT NOT NULL DEFAULT '',
			level TEXT,
			owner_user_id TEXT NOT NULL,
			team_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_customers_owner ON customers(owner_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_customers_team ON customers(team_id)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			last_message_time DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, last_message_time)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_id TEXT,
			conversation_id TEXT,
			last_run_id TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, is_active)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			run_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS pending_actions (
			operation_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			draft_payload TEXT NOT NULL,
			status TEXT NOT NULL,
			expire_at DATETIME NOT NULL,
			last_idempotency_key TEXT,
			result_json TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_conversation ON pending_actions(conversation_id, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_status_expire ON pending_actions(status, expire_at)`,
		`CREATE TABLE IF NOT EXISTS approval_tasks (
			approval_id TEXT PRIMARY KEY,
			operation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			decided_at DATETIME,
			decided_by TEXT,
			reason TEXT,
			FOREIGN KEY (operation_id) REFERENCES pending_actions(operation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_operation ON approval_tasks(operation_id)`,
		`CREATE TABLE IF NOT EXISTS followups (
			follow_up_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT '',
			follow_time DATETIME NOT NULL,
			participants TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (customer_id) REFERENCES customers(customer_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_followups_customer ON followups(customer_id, follow_time)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---- sessions ----

// CreateSession creates a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, thread_id, conversation_id, last_run_id, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.UserID, nullString(sess.ThreadID), nullString(sess.ConversationID),
		nullString(sess.LastRunID), boolInt(sess.IsActive), sess.CreatedAt, sess.UpdatedAt)
	return err
}

// GetSession retrieves a session by ID. Returns nil when not found.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var sess domain.Session
	var threadID, conversationID, lastRunID sql.NullString
	var isActive int
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, thread_id, conversation_id, last_run_id, is_active, created_at, updated_at
		 FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&sess.SessionID, &sess.UserID, &threadID, &conversationID, &lastRunID, &isActive, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.ThreadID = threadID.String
	sess.ConversationID = conversationID.String
	sess.LastRunID = lastRunID.String
	sess.IsActive = isActive != 0
	return &sess, nil
}

// UpdateSessionThread stores the remote thread binding for a session.
func (s *SQLiteStore) UpdateSessionThread(ctx context.Context, sessionID, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET thread_id = ?, is_active = 1, updated_at = ? WHERE session_id = ?`,
		nullString(threadID), time.Now(), sessionID)
	return err
}

// UpdateSessionRun stores the last observed run id for a session.
func (s *SQLiteStore) UpdateSessionRun(ctx context.Context, sessionID, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_run_id = ?, updated_at = ? WHERE session_id = ?`,
		nullString(runID), time.Now(), sessionID)
	return err
}

// UpdateSessionConversation binds a session to a conversation.
func (s *SQLiteStore) UpdateSessionConversation(ctx context.Context, sessionID, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET conversation_id = ?, updated_at = ? WHERE session_id = ?`,
		nullString(conversationID), time.Now(), sessionID)
	return err
}

// ResetSessionThread clears the persisted thread binding and marks the
// session inactive. The record itself is kept for reuse.
func (s *SQLiteStore) ResetSessionThread(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET thread_id = NULL, last_run_id = NULL, is_active = 0, updated_at = ? WHERE session_id = ?`,
		time.Now(), sessionID)
	return err
}

// ---- conversations & messages ----

// CreateConversation creates a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, user_id, title, last_message_time, created_at) VALUES (?, ?, ?, ?, ?)`,
		conv.ConversationID, conv.UserID, conv.Title, conv.LastMessageTime, conv.CreatedAt)
	return err
}

// GetConversation retrieves a conversation by ID. Returns nil when not found.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, user_id, title, last_message_time, created_at FROM conversations WHERE conversation_id = ?`,
		conversationID).Scan(&conv.ConversationID, &conv.UserID, &conv.Title, &conv.LastMessageTime, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// TouchConversation updates last_message_time.
func (s *SQLiteStore) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_time = ? WHERE conversation_id = ?`,
		at, conversationID)
	return err
}

// CreateMessage appends a message to a conversation.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, run_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.ConversationID, nullString(msg.RunID), msg.Role, msg.Content, msg.CreatedAt)
	return err
}

// GetMessages retrieves messages for a conversation in ascending order.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := `SELECT message_id, conversation_id, run_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var runID sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.ConversationID, &runID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.RunID = runID.String
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ---- helpers ----

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalDraft(d domain.DraftPayload) string {
	b, _ := json.Marshal(d)
	return string(b)
}
