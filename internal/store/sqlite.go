package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/convoserver/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers; foreign keys on for cascade delete.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		duration_seconds INTEGER,
		summary TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('user','assistant','system','tool')),
		content TEXT NOT NULL,
		tool_call_id TEXT,
		tool_name TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a session row if none exists for sessionID.
func (s *SQLiteStore) CreateSession(ctx context.Context, sessionID, userID string) (*domain.Session, bool, error) {
	now := time.Now()

	var uid interface{}
	if userID != "" {
		uid = userID
	}

	query := `
	INSERT INTO sessions (session_id, user_id, start_time, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query, sessionID, uid, now.Unix(), now.Unix())
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("get rows affected: %w", err)
	}
	created := rows > 0

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if sess == nil {
		return nil, false, fmt.Errorf("session %s vanished after create", sessionID)
	}
	return sess, created, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, user_id, start_time, end_time, duration_seconds, summary, created_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var sess domain.Session
	var userID, summary sql.NullString
	var startTime, createdAt int64
	var endTime, duration sql.NullInt64

	err := row.Scan(&sess.SessionID, &userID, &startTime, &endTime, &duration, &summary, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.UserID = userID.String
	sess.StartTime = time.Unix(startTime, 0)
	sess.CreatedAt = time.Unix(createdAt, 0)
	if endTime.Valid {
		t := time.Unix(endTime.Int64, 0)
		sess.EndTime = &t
	}
	if duration.Valid {
		d := duration.Int64
		sess.DurationSeconds = &d
	}
	if summary.Valid {
		text := summary.String
		sess.Summary = &text
	}

	return &sess, nil
}

// AppendEvent inserts an event row and returns the assigned id.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) (int64, error) {
	if !event.Role.Valid() {
		return 0, fmt.Errorf("append event: invalid role %q", event.Role)
	}

	var toolCallID, toolName interface{}
	if event.ToolCallID != "" {
		toolCallID = event.ToolCallID
	}
	if event.ToolName != "" {
		toolName = event.ToolName
	}

	now := time.Now()
	query := `
	INSERT INTO events (session_id, role, content, tool_call_id, tool_name, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		event.SessionID, string(event.Role), event.Content, toolCallID, toolName, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}

	event.ID = id
	event.CreatedAt = now
	return id, nil
}

// ListEvents returns all events for a session in id order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string) ([]*domain.Event, error) {
	query := `
		SELECT id, session_id, role, content, tool_call_id, tool_name, created_at
		FROM events WHERE session_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var ev domain.Event
		var role string
		var toolCallID, toolName sql.NullString
		var createdAt int64

		if err := rows.Scan(&ev.ID, &ev.SessionID, &role, &ev.Content, &toolCallID, &toolName, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Role = domain.Role(role)
		ev.ToolCallID = toolCallID.String
		ev.ToolName = toolName.String
		ev.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}

	return events, nil
}

// FinalizeSession writes end_time and duration_seconds exactly once.
func (s *SQLiteStore) FinalizeSession(ctx context.Context, sessionID string, endTime time.Time, duration time.Duration) error {
	query := `
	UPDATE sessions SET end_time = ?, duration_seconds = ?
	WHERE session_id = ? AND end_time IS NULL`

	result, err := s.db.ExecContext(ctx, query, endTime.Unix(), int64(duration.Seconds()), sessionID)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		// Already finalized (duplicate timer fire) or the row is gone.
		slog.Warn("FinalizeSession affected 0 rows", "session_id", sessionID)
	}

	return nil
}

// UpsertSessionSummary writes the session synopsis.
func (s *SQLiteStore) UpsertSessionSummary(ctx context.Context, sessionID, summary string) error {
	query := `UPDATE sessions SET summary = ? WHERE session_id = ?`
	result, err := s.db.ExecContext(ctx, query, summary, sessionID)
	if err != nil {
		return fmt.Errorf("upsert session summary: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("upsert session summary: session %s not found", sessionID)
	}

	return nil
}

// DeleteSession removes a session row; events go with it via cascade.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("delete session: session %s not found", sessionID)
	}

	return nil
}
