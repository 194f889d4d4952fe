package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var _ MessageStore = (*PGStore)(nil)

type messageRow struct {
	ID                string `gorm:"primaryKey;type:uuid"`
	ProviderMessageID string `gorm:"uniqueIndex;not null"`
	ThreadID          string
	FromAddress       string
	ToAddress         string
	Subject           string
	Snippet           string
	BodyText          string
	ThreadHeader      string
	Status            string
	ReceivedAt        time.Time
	ReplySentAt       *time.Time
}

func (messageRow) TableName() string { return "messages" }

type replyRow struct {
	ID               string `gorm:"primaryKey;type:uuid"`
	MessageID        string `gorm:"type:uuid;not null"`
	Model            string
	ReplyText        string
	TokensPrompt     *int
	TokensCompletion *int
	CreatedAt        time.Time
}

func (replyRow) TableName() string { return "replies" }

// PGStore is the Postgres backend. Embeddings live in the same database
// (see retrieval.PGVectorStore).
type PGStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenPostgres connects to dsn, sizes the pool and runs pending migrations.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*PGStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting database handle: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(maxConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if err := migrate(sqlDB, postgresDialect); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &PGStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Gorm exposes the handle so the vector store can share the pool.
func (s *PGStore) Gorm() *gorm.DB {
	return s.db
}

func (s *PGStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *PGStore) AppliedMigrations() ([]int, error) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, err
	}
	return appliedMigrations(sqlDB)
}

func (s *PGStore) UpsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.ProviderID == "" {
		return Message{}, errors.New("provider message id is required")
	}
	receivedAt := m.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	row := messageRow{
		ID:                uuid.NewString(),
		ProviderMessageID: m.ProviderID,
		ThreadID:          m.ThreadID,
		FromAddress:       m.From,
		ToAddress:         m.To,
		Subject:           m.Subject,
		Snippet:           m.Snippet,
		BodyText:          m.BodyText,
		ThreadHeader:      m.ThreadHeader,
		Status:            string(StatusReceived),
		ReceivedAt:        receivedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"subject"}),
	}).Create(&row).Error
	if err != nil {
		return Message{}, fmt.Errorf("upserting message %s: %w", m.ProviderID, err)
	}
	return s.GetMessageByProviderID(ctx, m.ProviderID)
}

func (s *PGStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Message{}, ErrNotFound
	}
	return s.firstMessage(ctx, "id = ?", id)
}

func (s *PGStore) GetMessageByProviderID(ctx context.Context, providerID string) (Message, error) {
	return s.firstMessage(ctx, "provider_message_id = ?", providerID)
}

func (s *PGStore) firstMessage(ctx context.Context, query string, arg string) (Message, error) {
	var row messageRow
	err := s.db.WithContext(ctx).Where(query, arg).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:           row.ID,
		ProviderID:   row.ProviderMessageID,
		ThreadID:     row.ThreadID,
		From:         row.FromAddress,
		To:           row.ToAddress,
		Subject:      row.Subject,
		Snippet:      row.Snippet,
		BodyText:     row.BodyText,
		ThreadHeader: row.ThreadHeader,
		Status:       Status(row.Status),
		ReceivedAt:   row.ReceivedAt.UTC(),
		ReplySentAt:  row.ReplySentAt,
	}, nil
}

func (s *PGStore) RecordReply(ctx context.Context, r Reply) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&messageRow{}).
			Where("id = ? AND status = ?", r.MessageID, string(StatusReceived)).
			Updates(map[string]any{
				"status":        string(StatusProcessed),
				"reply_sent_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("updating message status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var exists int64
			if err := tx.Model(&messageRow{}).Where("id = ?", r.MessageID).Count(&exists).Error; err != nil {
				return fmt.Errorf("checking message %s: %w", r.MessageID, err)
			}
			if exists == 0 {
				return ErrNotFound
			}
			return ErrAlreadyProcessed
		}

		row := replyRow{
			ID:               r.ID,
			MessageID:        r.MessageID,
			Model:            r.Model,
			ReplyText:        r.Text,
			TokensPrompt:     optionalInt(r.PromptTokens),
			TokensCompletion: optionalInt(r.CompletionTokens),
			CreatedAt:        r.CreatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("inserting reply: %w", err)
		}
		return nil
	})
}

func (s *PGStore) ListReplies(ctx context.Context, limit int) ([]Reply, error) {
	var rows []replyRow
	err := s.db.WithContext(ctx).Order("created_at DESC").Order("id ASC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Reply, len(rows))
	for i, row := range rows {
		out[i] = Reply{
			ID:        row.ID,
			MessageID: row.MessageID,
			Model:     row.Model,
			Text:      row.ReplyText,
			CreatedAt: row.CreatedAt.UTC(),
		}
		if row.TokensPrompt != nil {
			out[i].PromptTokens = *row.TokensPrompt
		}
		if row.TokensCompletion != nil {
			out[i].CompletionTokens = *row.TokensCompletion
		}
	}
	return out, nil
}

func (s *PGStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			(SELECT COUNT(*) FROM messages) AS messages,
			(SELECT COUNT(*) FROM messages WHERE status = 'processed') AS processed,
			(SELECT COUNT(*) FROM replies) AS replies`,
	).Row().Scan(&st.Messages, &st.Processed, &st.Replies)
	return st, err
}

func optionalInt(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}
