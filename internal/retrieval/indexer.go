package retrieval

import (
	"context"
	"fmt"
)

// Indexer embeds message bodies and stores the vectors keyed by message id.
type Indexer struct {
	embedder *Embedder
	store    VectorStore
}

// NewIndexer creates an Indexer writing to store.
func NewIndexer(embedder *Embedder, store VectorStore) *Indexer {
	return &Indexer{embedder: embedder, store: store}
}

// Index embeds text and upserts it as the embedding of messageID. Re-indexing
// the same message replaces its vector. The vector is returned so callers can
// reuse it.
func (ix *Indexer) Index(ctx context.Context, messageID, text string) ([]float32, error) {
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := ix.store.Upsert(ctx, messageID, vec); err != nil {
		return nil, fmt.Errorf("storing embedding for %s: %w", messageID, err)
	}
	return vec, nil
}

// IndexBatch embeds texts concurrently and upserts them in order.
// ids and texts must have the same length.
func (ix *Indexer) IndexBatch(ctx context.Context, ids, texts []string) error {
	if len(ids) != len(texts) {
		return fmt.Errorf("index batch: %d ids for %d texts", len(ids), len(texts))
	}
	vecs, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	for i, vec := range vecs {
		if err := ix.store.Upsert(ctx, ids[i], vec); err != nil {
			return fmt.Errorf("storing embedding for %s: %w", ids[i], err)
		}
	}
	return nil
}
