package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var _ MessageStore = (*Store)(nil)

// Store wraps a SQLite database holding messages, embeddings and replies.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "inboxrag.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}

	if err := migrate(db, sqliteDialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB exposes the handle so the vector store can share the connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	return appliedMigrations(s.db)
}

// --- Messages ---

const messageColumns = `id, provider_message_id, thread_id, from_address, to_address, subject,
	snippet, body_text, thread_header, status, received_at, reply_sent_at`

func (s *Store) UpsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.ProviderID == "" {
		return Message{}, errors.New("provider message id is required")
	}
	receivedAt := m.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, provider_message_id, thread_id, from_address, to_address, subject, snippet, body_text, thread_header, status, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_message_id) DO UPDATE SET subject = excluded.subject`,
		uuid.NewString(), m.ProviderID, m.ThreadID, m.From, m.To, m.Subject, m.Snippet,
		m.BodyText, m.ThreadHeader, string(StatusReceived), receivedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Message{}, fmt.Errorf("upserting message %s: %w", m.ProviderID, err)
	}
	return s.GetMessageByProviderID(ctx, m.ProviderID)
}

func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

func (s *Store) GetMessageByProviderID(ctx context.Context, providerID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE provider_message_id = ?`, providerID)
	return scanMessage(row)
}

func scanMessage(row *sql.Row) (Message, error) {
	var m Message
	var status, receivedAt string
	var replySentAt sql.NullString
	err := row.Scan(&m.ID, &m.ProviderID, &m.ThreadID, &m.From, &m.To, &m.Subject,
		&m.Snippet, &m.BodyText, &m.ThreadHeader, &status, &receivedAt, &replySentAt)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	m.Status = Status(status)
	t, err := time.Parse(time.RFC3339, receivedAt)
	if err != nil {
		return Message{}, fmt.Errorf("parsing received_at: %w", err)
	}
	m.ReceivedAt = t
	if replySentAt.Valid {
		t, err := time.Parse(time.RFC3339, replySentAt.String)
		if err != nil {
			return Message{}, fmt.Errorf("parsing reply_sent_at: %w", err)
		}
		m.ReplySentAt = &t
	}
	return m, nil
}

// --- Replies ---

func (s *Store) RecordReply(ctx context.Context, r Reply) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reply transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE messages SET status = ?, reply_sent_at = ? WHERE id = ? AND status = ?`,
		string(StatusProcessed), now.Format(time.RFC3339), r.MessageID, string(StatusReceived))
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, r.MessageID).Scan(&exists); err != nil {
			return fmt.Errorf("checking message %s: %w", r.MessageID, err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrAlreadyProcessed
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO replies (id, message_id, model, reply_text, tokens_prompt, tokens_completion, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.MessageID, r.Model, r.Text, nullInt(r.PromptTokens), nullInt(r.CompletionTokens),
		r.CreatedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("inserting reply: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ListReplies(ctx context.Context, limit int) ([]Reply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, model, reply_text, tokens_prompt, tokens_completion, created_at
		FROM replies ORDER BY created_at DESC, id ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Reply
	for rows.Next() {
		var r Reply
		var prompt, completion sql.NullInt64
		var createdAt string
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Model, &r.Text, &prompt, &completion, &createdAt); err != nil {
			return nil, err
		}
		r.PromptTokens = int(prompt.Int64)
		r.CompletionTokens = int(completion.Int64)
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = t
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM messages WHERE status = 'processed'),
			(SELECT COUNT(*) FROM replies)`,
	).Scan(&st.Messages, &st.Processed, &st.Replies)
	return st, err
}

// nullInt stores zero token counts as NULL; providers that omit usage
// leave them unset.
func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n > 0}
}
