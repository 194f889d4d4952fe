package retrieval

import "context"

// VectorStore keeps one embedding per message and answers nearest-neighbor
// queries over them. SQLiteStore scans all vectors; PGVectorStore delegates
// to pgvector.
type VectorStore interface {
	// Upsert stores vec as the embedding of messageID, replacing any prior one.
	Upsert(ctx context.Context, messageID string, vec []float32) error

	// Search returns at most topK messages ordered by descending cosine
	// similarity to vec, ties broken by ascending message id.
	Search(ctx context.Context, vec []float32, topK int) ([]ScoredMessage, error)

	// Count returns the number of stored embeddings.
	Count(ctx context.Context) (int, error)
}

// ScoredMessage is a stored message with its similarity to the query.
type ScoredMessage struct {
	MessageID  string
	Subject    string
	Body       string
	Similarity float32
}
