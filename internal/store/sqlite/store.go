// Package sqlite is the SQLite-backed State Store implementation, matching
// the persisted layout: one parent `sessions` row per Session, with
// child tables for users/clients/prompts replaced transactionally on Set.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/orchestrator/internal/db"
	"github.com/kandev/orchestrator/internal/session"
	"github.com/kandev/orchestrator/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	linked_work_session_id TEXT NOT NULL DEFAULT '',
	sandbox_id TEXT,
	state_json TEXT NOT NULL,
	active_prompt_json TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS session_users (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	email TEXT,
	avatar TEXT,
	color TEXT,
	cursor_json TEXT,
	joined_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_users_session ON session_users(session_id);

CREATE TABLE IF NOT EXISTS session_clients (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	connected_at TIMESTAMP NOT NULL,
	last_activity TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_clients_session ON session_clients(session_id);

CREATE TABLE IF NOT EXISTS session_prompts (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	content TEXT NOT NULL,
	status TEXT NOT NULL,
	priority TEXT NOT NULL,
	queued_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_session_prompts_session ON session_prompts(session_id);
`

// Store is a SQLite-backed store.Store.
type Store struct {
	db     *sqlx.DB
	closed bool
}

// Open opens (creating if needed) a SQLite database at path and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	sqlDB, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sx := sqlx.NewDb(sqlDB, "sqlite3")
	if _, err := sx.Exec(schema); err != nil {
		sx.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: sx}, nil
}

func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	if s.closed {
		return nil, store.ErrClosed
	}

	var row struct {
		ID                  string         `db:"id"`
		LinkedWorkSessionID string         `db:"linked_work_session_id"`
		SandboxID           sql.NullString `db:"sandbox_id"`
		StateJSON           string         `db:"state_json"`
		ActivePromptJSON    sql.NullString `db:"active_prompt_json"`
		CreatedAt           time.Time        `db:"created_at"`
	}

	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT id, linked_work_session_id, sandbox_id, state_json, active_prompt_json, created_at
		FROM sessions WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess := &session.Session{
		ID:                  row.ID,
		LinkedWorkSessionID: row.LinkedWorkSessionID,
		SandboxID:           row.SandboxID.String,
		CreatedAt:           row.CreatedAt,
	}
	if err := json.Unmarshal([]byte(row.StateJSON), &sess.State); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if row.ActivePromptJSON.Valid && row.ActivePromptJSON.String != "" {
		var p session.Prompt
		if err := json.Unmarshal([]byte(row.ActivePromptJSON.String), &p); err != nil {
			return nil, fmt.Errorf("decode active prompt: %w", err)
		}
		sess.ActivePrompt = &p
	}

	if sess.Users, err = s.loadUsers(ctx, id); err != nil {
		return nil, err
	}
	if sess.Clients, err = s.loadClients(ctx, id); err != nil {
		return nil, err
	}
	if sess.PromptQueue, err = s.loadPrompts(ctx, id); err != nil {
		return nil, err
	}

	return sess, nil
}

func (s *Store) loadUsers(ctx context.Context, sessionID string) ([]*session.User, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(`
		SELECT id, name, email, avatar, color, cursor_json, joined_at
		FROM session_users WHERE session_id = ? ORDER BY joined_at ASC
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*session.User
	for rows.Next() {
		var (
			id, name               string
			email, avatar, color   sql.NullString
			cursorJSON             sql.NullString
			joinedAt               time.Time
		)
		if err := rows.Scan(&id, &name, &email, &avatar, &color, &cursorJSON, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u := &session.User{
			ID:          id,
			DisplayName: name,
			Email:       email.String,
			Avatar:      avatar.String,
			Color:       color.String,
			JoinedAt:    joinedAt,
		}
		if cursorJSON.Valid && cursorJSON.String != "" {
			var c session.Cursor
			if err := json.Unmarshal([]byte(cursorJSON.String), &c); err == nil {
				u.Cursor = &c
			}
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) loadClients(ctx context.Context, sessionID string) ([]*session.Client, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(`
		SELECT id, user_id, type, connected_at, last_activity
		FROM session_clients WHERE session_id = ? ORDER BY connected_at ASC
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var clients []*session.Client
	for rows.Next() {
		var (
			id, userID, typ string
			connectedAt, lastActivity time.Time
		)
		if err := rows.Scan(&id, &userID, &typ, &connectedAt, &lastActivity); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, &session.Client{
			ID:           id,
			UserID:       userID,
			Type:         session.ClientType(typ),
			ConnectedAt:  connectedAt,
			LastActivity: lastActivity,
		})
	}
	return clients, rows.Err()
}

func (s *Store) loadPrompts(ctx context.Context, sessionID string) ([]*session.Prompt, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(`
		SELECT id, user_id, content, status, priority, queued_at, started_at, completed_at
		FROM session_prompts WHERE session_id = ? ORDER BY queued_at ASC
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("query prompts: %w", err)
	}
	defer rows.Close()

	var prompts []*session.Prompt
	for rows.Next() {
		var (
			id, userID, content, status, priority string
			queuedAt                              time.Time
			startedAt, completedAt                 sql.NullTime
		)
		if err := rows.Scan(&id, &userID, &content, &status, &priority, &queuedAt, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		p := &session.Prompt{
			ID:        id,
			SessionID: sessionID,
			UserID:    userID,
			Content:   content,
			Status:    session.PromptStatus(status),
			Priority:  session.PromptPriority(priority),
			CreatedAt: queuedAt,
		}
		if startedAt.Valid {
			p.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			p.CompletedAt = &completedAt.Time
		}
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(prompts, func(i, j int) bool {
		return prompts[i].Priority.Rank() < prompts[j].Priority.Rank()
	})
	return prompts, nil
}

// Set performs the replace transaction: UPSERT parent, DELETE children,
// bulk-INSERT new children, COMMIT. A failure at any step rolls back,
// leaving the prior row set intact on failure.
func (s *Store) Set(ctx context.Context, sess *session.Session) error {
	if s.closed {
		return store.ErrClosed
	}

	stateJSON, err := json.Marshal(sess.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	var activePromptJSON sql.NullString
	if sess.ActivePrompt != nil {
		b, err := json.Marshal(sess.ActivePrompt)
		if err != nil {
			return fmt.Errorf("encode active prompt: %w", err)
		}
		activePromptJSON = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := setSession(ctx, tx, sess, stateJSON, activePromptJSON); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := replaceChildren(ctx, tx, sess); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func setSession(ctx context.Context, tx *sqlx.Tx, sess *session.Session, stateJSON []byte, activePromptJSON sql.NullString) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO sessions (id, linked_work_session_id, sandbox_id, state_json, active_prompt_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			linked_work_session_id = excluded.linked_work_session_id,
			sandbox_id = excluded.sandbox_id,
			state_json = excluded.state_json,
			active_prompt_json = excluded.active_prompt_json
	`), sess.ID, sess.LinkedWorkSessionID, nullIfEmpty(sess.SandboxID), string(stateJSON), activePromptJSON, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func replaceChildren(ctx context.Context, tx *sqlx.Tx, sess *session.Session) error {
	for _, table := range []string{"session_users", "session_clients", "session_prompts"} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE session_id = ?`, table)), sess.ID); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}

	for _, u := range sess.Users {
		var cursorJSON sql.NullString
		if u.Cursor != nil {
			b, err := json.Marshal(u.Cursor)
			if err != nil {
				return fmt.Errorf("encode cursor: %w", err)
			}
			cursorJSON = sql.NullString{String: string(b), Valid: true}
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO session_users (id, session_id, name, email, avatar, color, cursor_json, joined_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`), u.ID, sess.ID, u.DisplayName, u.Email, u.Avatar, u.Color, cursorJSON, u.JoinedAt)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
	}

	for _, c := range sess.Clients {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO session_clients (id, session_id, user_id, type, connected_at, last_activity)
			VALUES (?, ?, ?, ?, ?, ?)
		`), c.ID, sess.ID, c.UserID, string(c.Type), c.ConnectedAt, c.LastActivity)
		if err != nil {
			return fmt.Errorf("insert client: %w", err)
		}
	}

	for _, p := range sess.PromptQueue {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO session_prompts (id, session_id, user_id, content, status, priority, queued_at, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), p.ID, sess.ID, p.UserID, p.Content, string(p.Status), string(p.Priority), p.CreatedAt, p.StartedAt, p.CompletedAt)
		if err != nil {
			return fmt.Errorf("insert prompt: %w", err)
		}
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if s.closed {
		return false, store.ErrClosed
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	if s.closed {
		return false, store.ErrClosed
	}
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(1) FROM sessions WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("has session: %w", err)
	}
	return count > 0, nil
}

func (s *Store) All(ctx context.Context) ([]*session.Session, error) {
	if s.closed {
		return nil, store.ErrClosed
	}
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM sessions`); err != nil {
		return nil, fmt.Errorf("list session ids: %w", err)
	}
	out := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	if s.closed {
		return 0, store.ErrClosed
	}
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM sessions`); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

func (s *Store) Clear(ctx context.Context) error {
	if s.closed {
		return store.ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.closed = true
	return s.db.Close()
}

func nullIfEmpty(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
