package retrieval

import (
	"context"
	"errors"
	"fmt"
)

// DefaultExcerptChars bounds each context block's body excerpt.
const DefaultExcerptChars = 1500

// ErrInvalidTopK is returned when k is not a positive integer.
var ErrInvalidTopK = errors.New("top-k must be positive")

// ContextBlock is one retrieved message prepared for prompting.
type ContextBlock struct {
	MessageID  string  `json:"message_id"`
	Subject    string  `json:"subject"`
	Excerpt    string  `json:"excerpt"`
	Similarity float32 `json:"similarity"`
}

// Result is the query vector plus the ordered context blocks.
type Result struct {
	Vector []float32
	Blocks []ContextBlock
}

// Retriever combines embedding and vector search to find relevant context.
type Retriever struct {
	embedder     *Embedder
	store        VectorStore
	excerptChars int
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
// excerptChars <= 0 selects DefaultExcerptChars.
func NewRetriever(embedder *Embedder, store VectorStore, excerptChars int) *Retriever {
	if excerptChars <= 0 {
		excerptChars = DefaultExcerptChars
	}
	return &Retriever{embedder: embedder, store: store, excerptChars: excerptChars}
}

// Retrieve embeds the query and returns the k most similar messages.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) (Result, error) {
	if k <= 0 {
		return Result{}, ErrInvalidTopK
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return Result{}, err
	}
	return r.RetrieveByVector(ctx, vec, k)
}

// RetrieveByVector searches with an already computed query vector.
func (r *Retriever) RetrieveByVector(ctx context.Context, vec []float32, k int) (Result, error) {
	if k <= 0 {
		return Result{}, ErrInvalidTopK
	}
	scored, err := r.store.Search(ctx, vec, k)
	if err != nil {
		return Result{}, fmt.Errorf("searching vectors: %w", err)
	}
	if len(scored) > k {
		scored = scored[:k]
	}

	blocks := make([]ContextBlock, len(scored))
	for i, s := range scored {
		blocks[i] = ContextBlock{
			MessageID:  s.MessageID,
			Subject:    s.Subject,
			Excerpt:    truncateRunes(s.Body, r.excerptChars),
			Similarity: s.Similarity,
		}
	}
	return Result{Vector: vec, Blocks: blocks}, nil
}

// truncateRunes returns the first n runes of s.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
