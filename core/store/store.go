// Package store is the Persistence Layer: a sqlite-backed durable
// record of sessions, their messages, and their summaries. It's an
// append-only, queryable store that the Turn Executor and the UI's
// history/search views share.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"cosmos/core"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is a sqlite-backed implementation of the Persistence Layer. It
// satisfies core.TurnStore plus session-management and search.
type Store struct {
	db *sql.DB
}

// Open creates or opens a sqlite database at path (":memory:" for an
// ephemeral store, used in tests) and ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: serialize writers through one connection

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			project_root TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			modified_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			author_model TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT NOT NULL DEFAULT '[]',
			tool_results TEXT NOT NULL DEFAULT '[]',
			usage_prompt_tokens INTEGER NOT NULL DEFAULT 0,
			usage_completion_tokens INTEGER NOT NULL DEFAULT 0,
			usage_cost_usd REAL NOT NULL DEFAULT 0,
			pinned INTEGER NOT NULL DEFAULT 0,
			superseded INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, rowid)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			first_message_id TEXT NOT NULL,
			last_message_id TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id, rowid)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// CreateSession inserts a new session record.
func (s *Store) CreateSession(ctx context.Context, rec core.SessionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ModifiedAt.IsZero() {
		rec.ModifiedAt = now
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, project_root, metadata, created_at, modified_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.ProjectRoot, string(metadata), rec.CreatedAt, rec.ModifiedAt)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// AppendMessage persists one message and bumps the session's modified_at.
func (s *Store) AppendMessage(ctx context.Context, msg core.Message) error {
	return s.AppendMessagesBatch(ctx, []core.Message{msg})
}

// AppendMessagesBatch persists a batch of messages atomically: either
// all of them are durably recorded, or none are.
func (s *Store) AppendMessagesBatch(ctx context.Context, msgs []core.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	// INSERT OR IGNORE: append_message is idempotent under a retried call
	// with the same id, a no-op rather than a unique-constraint failure.
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO messages
		(id, session_id, role, author_model, content, tool_calls, tool_results,
		 usage_prompt_tokens, usage_completion_tokens, usage_cost_usd, pinned, superseded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	var sessionID string
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		toolCalls, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("store: marshal tool calls: %w", err)
		}
		toolResults, err := json.Marshal(m.ToolResults)
		if err != nil {
			return fmt.Errorf("store: marshal tool results: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.SessionID, string(m.Role), m.AuthorModel, m.Content,
			string(toolCalls), string(toolResults),
			m.Usage.PromptTokens, m.Usage.CompletionTokens, m.Usage.CostUSD,
			boolToInt(m.Pinned), boolToInt(m.Superseded), m.CreatedAt,
		); err != nil {
			return fmt.Errorf("store: insert message: %w", err)
		}
		sessionID = m.SessionID
	}

	if sessionID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET modified_at = ? WHERE id = ?`, time.Now().UTC(), sessionID); err != nil {
			return fmt.Errorf("store: touch session: %w", err)
		}
	}

	return tx.Commit()
}

// SetPin sets or clears a message's pinned flag.
func (s *Store) SetPin(ctx context.Context, messageID string, pinned bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET pinned = ? WHERE id = ?`, boolToInt(pinned), messageID)
	if err != nil {
		return fmt.Errorf("store: set pin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set pin: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: set pin: message %s not found", messageID)
	}
	return nil
}

// Messages returns the full, unfiltered message history for a session
// in chronological (insertion) order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]core.Message, error) {
	return s.LoadMessages(ctx, sessionID, time.Time{}, 0)
}

// LoadMessages returns a session's messages created after since (zero
// value = no lower bound), in chronological order, capped at limit (0 =
// unlimited).
func (s *Store) LoadMessages(ctx context.Context, sessionID string, since time.Time, limit int) ([]core.Message, error) {
	query := `SELECT id, session_id, role, author_model, content, tool_calls, tool_results,
		usage_prompt_tokens, usage_completion_tokens, usage_cost_usd, pinned, superseded, created_at
		FROM messages WHERE session_id = ? AND created_at > ? ORDER BY rowid ASC`
	args := []any{sessionID, since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: load messages: %w", err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PinnedIDs returns the set of pinned message ids for a session.
func (s *Store) PinnedIDs(ctx context.Context, sessionID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM messages WHERE session_id = ? AND pinned = 1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: pinned ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// Search performs a substring search over a session's message content.
// It uses a plain LIKE scan rather than FTS5: group chats are small
// enough per-session that an index isn't warranted, and it keeps the
// schema portable across the pure-Go sqlite driver's build without the
// fts5 build tag.
func (s *Store) Search(ctx context.Context, sessionID, query string) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, role, author_model, content, tool_calls, tool_results,
		usage_prompt_tokens, usage_completion_tokens, usage_cost_usd, pinned, superseded, created_at
		FROM messages WHERE session_id = ? AND content LIKE ? ORDER BY rowid ASC`,
		sessionID, "%"+query+"%")
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddSummary persists a new summary record.
func (s *Store) AddSummary(ctx context.Context, summary core.Summary) error {
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	// INSERT OR IGNORE: add_summary is idempotent under a retried call
	// with the same id, a no-op rather than a unique-constraint failure.
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO summaries
		(id, session_id, kind, content, first_message_id, last_message_id, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.ID, summary.SessionID, string(summary.Kind), summary.Content,
		summary.FirstMessageID, summary.LastMessageID, summary.TokenCount, summary.CreatedAt,
	); err != nil {
		return fmt.Errorf("store: insert summary: %w", err)
	}

	// A full summary retires every prior summary and supersedes every
	// non-pinned message up to and including LastMessageID; an incremental
	// summary only retires prior incremental summaries (older subranges
	// folded into this one) and supersedes only its own covered range.
	// Pinned messages are never marked superseded, regardless of kind.
	if summary.Kind == core.SummaryFull {
		if _, err := tx.ExecContext(ctx, `DELETE FROM summaries WHERE session_id = ? AND id != ?`, summary.SessionID, summary.ID); err != nil {
			return fmt.Errorf("store: retire prior summaries: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `DELETE FROM summaries WHERE session_id = ? AND id != ? AND kind = ?`,
			summary.SessionID, summary.ID, string(core.SummaryIncremental)); err != nil {
			return fmt.Errorf("store: retire prior incremental summaries: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET superseded = 1
		WHERE session_id = ? AND pinned = 0 AND rowid <= (SELECT rowid FROM messages WHERE id = ?)`,
		summary.SessionID, summary.LastMessageID,
	); err != nil {
		return fmt.Errorf("store: mark superseded: %w", err)
	}

	return tx.Commit()
}

// LatestSummary returns the most recently created summary for a
// session, or nil if none exists.
func (s *Store) LatestSummary(ctx context.Context, sessionID string) (*core.Summary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, kind, content, first_message_id, last_message_id, token_count, created_at
		FROM summaries WHERE session_id = ? ORDER BY rowid DESC LIMIT 1`, sessionID)

	var sum core.Summary
	var kind string
	if err := row.Scan(&sum.ID, &sum.SessionID, &kind, &sum.Content, &sum.FirstMessageID, &sum.LastMessageID, &sum.TokenCount, &sum.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: latest summary: %w", err)
	}
	sum.Kind = core.SummaryKind(kind)
	return &sum, nil
}

// CountSessionsOlderThan reports how many sessions were last modified
// before cutoff, without deleting anything (used for dry-run cleanup).
func (s *Store) CountSessionsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE modified_at < ?`, cutoff)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count stale sessions: %w", err)
	}
	return n, nil
}

// DeleteSessionsOlderThan deletes every session (and its messages and
// summaries) last modified before cutoff. It is the sqlite-backed
// equivalent of the old cleanup pass over per-session JSON files:
// one store now holds every session, so maintenance prunes rows
// instead of globbing files. Returns the number of sessions deleted.
func (s *Store) DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin cleanup tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM sessions WHERE modified_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: query stale sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: scan stale session id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
			return 0, fmt.Errorf("store: delete messages for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM summaries WHERE session_id = ?`, id); err != nil {
			return 0, fmt.Errorf("store: delete summaries for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("store: delete session %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit cleanup tx: %w", err)
	}
	return len(ids), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(rows rowScanner) (core.Message, error) {
	var m core.Message
	var role string
	var toolCalls, toolResults string
	var pinned, superseded int
	if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.AuthorModel, &m.Content, &toolCalls, &toolResults,
		&m.Usage.PromptTokens, &m.Usage.CompletionTokens, &m.Usage.CostUSD, &pinned, &superseded, &m.CreatedAt); err != nil {
		return core.Message{}, fmt.Errorf("store: scan message: %w", err)
	}
	m.Role = core.Role(role)
	m.Pinned = pinned != 0
	m.Superseded = superseded != 0
	if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
		return core.Message{}, fmt.Errorf("store: unmarshal tool calls: %w", err)
	}
	if err := json.Unmarshal([]byte(toolResults), &m.ToolResults); err != nil {
		return core.Message{}, fmt.Errorf("store: unmarshal tool results: %w", err)
	}
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ core.TurnStore = (*Store)(nil)
