package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

var _ VectorStore = (*PGVectorStore)(nil)

// PGVectorStore keeps embeddings in a pgvector column and lets Postgres rank
// them by cosine distance.
type PGVectorStore struct {
	db *gorm.DB
}

// NewPGVectorStore wraps a gorm handle whose schema includes message_embeddings.
func NewPGVectorStore(db *gorm.DB) *PGVectorStore {
	return &PGVectorStore{db: db}
}

func (s *PGVectorStore) Upsert(ctx context.Context, messageID string, vec []float32) error {
	err := s.db.WithContext(ctx).Exec(`
		INSERT INTO message_embeddings (message_id, embedding, dims, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			dims = EXCLUDED.dims,
			updated_at = EXCLUDED.updated_at`,
		messageID, pgvector.NewVector(vec), len(vec), time.Now().UTC(),
	).Error
	if err != nil {
		return fmt.Errorf("upserting embedding %s: %w", messageID, err)
	}
	return nil
}

type scoredRow struct {
	MessageID  string
	Subject    string
	BodyText   string
	Similarity float64
}

// Search orders by the <=> cosine distance operator, so similarity is
// 1 - distance. Only vectors of the query's dimensionality are compared.
func (s *PGVectorStore) Search(ctx context.Context, vec []float32, topK int) ([]ScoredMessage, error) {
	if topK <= 0 {
		return nil, ErrInvalidTopK
	}
	q := pgvector.NewVector(vec)

	var rows []scoredRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT e.message_id::text AS message_id, m.subject, m.body_text,
		       1 - (e.embedding <=> ?) AS similarity
		FROM message_embeddings e
		JOIN messages m ON m.id = e.message_id
		WHERE e.dims = ?
		ORDER BY e.embedding <=> ?, e.message_id::text ASC
		LIMIT ?`,
		q, len(vec), q, topK,
	).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}

	results := make([]ScoredMessage, len(rows))
	for i, r := range rows {
		results[i] = ScoredMessage{
			MessageID:  r.MessageID,
			Subject:    r.Subject,
			Body:       r.BodyText,
			Similarity: float32(r.Similarity),
		}
	}
	// float32 rounding can turn distinct distances into ties.
	sortScored(results)
	return results, nil
}

func (s *PGVectorStore) Count(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Table("message_embeddings").Count(&count).Error
	return int(count), err
}
