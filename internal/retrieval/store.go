package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore stores embeddings as little-endian float32 BLOBs in the
// message_embeddings table and searches them by brute-force cosine similarity.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The message_embeddings table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Upsert replaces the embedding of messageID.
func (s *SQLiteStore) Upsert(ctx context.Context, messageID string, vec []float32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_embeddings (message_id, embedding, dims, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			embedding = excluded.embedding,
			dims = excluded.dims,
			updated_at = excluded.updated_at`,
		messageID, encodeFloat32s(vec), len(vec), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting embedding %s: %w", messageID, err)
	}
	return nil
}

// idScore holds only the ID and score during the scan phase of Search.
// Message details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// better reports whether a ranks ahead of b.
func (a idScore) better(b idScore) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// Search scans every stored vector and keeps the topK best in a bounded heap.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int) ([]ScoredMessage, error) {
	if topK <= 0 {
		return nil, ErrInvalidTopK
	}

	rows, err := s.db.QueryContext(ctx, `SELECT message_id, embedding FROM message_embeddings`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		cand := idScore{ID: id, Score: cosine(vector, buf, queryNorm)}
		if h.Len() < topK {
			heap.Push(h, cand)
		} else if cand.better((*h)[0]) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	top := make([]idScore, h.Len())
	for i := len(top) - 1; i >= 0; i-- {
		top[i] = heap.Pop(h).(idScore)
	}

	return s.attachMessages(ctx, top)
}

// attachMessages loads subject and body for the ranked ids, keeping their order.
func (s *SQLiteStore) attachMessages(ctx context.Context, top []idScore) ([]ScoredMessage, error) {
	args := make([]any, len(top))
	for i, t := range top {
		args[i] = t.ID
	}
	query := `SELECT id, subject, body_text FROM messages WHERE id IN (?` + strings.Repeat(",?", len(top)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K messages: %w", err)
	}
	defer rows.Close()

	type details struct{ subject, body string }
	byID := make(map[string]details, len(top))
	for rows.Next() {
		var id string
		var d details
		if err := rows.Scan(&id, &d.subject, &d.body); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		byID[id] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	results := make([]ScoredMessage, len(top))
	for i, t := range top {
		d := byID[t.ID]
		results[i] = ScoredMessage{MessageID: t.ID, Subject: d.subject, Body: d.body, Similarity: t.Score}
	}
	sortScored(results)
	return results, nil
}

// sortScored orders by similarity descending, then message id ascending.
func sortScored(results []ScoredMessage) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].MessageID < results[j].MessageID
	})
}

// Count returns the number of stored embeddings.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM message_embeddings").Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
// A length that is not a multiple of 4 indicates corruption.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). Mismatched dimensions and zero
// vectors score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap with the worst-ranked candidate at the root.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[j].better(h[i]) }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
