// Package engine puts the generation and embedding providers behind one
// interface so the pipeline does not depend on a concrete client.
package engine

import "context"

// Engine is a chat completion and embedding backend.
type Engine interface {
	// Chat sends messages to the given model and returns the completion.
	Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (Completion, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool
}

// ModelPuller is implemented by backends that host models locally and can
// download missing ones.
type ModelPuller interface {
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions are the sampling parameters for one completion.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
}

// Usage holds token counters. Zero means the backend did not report them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is a generated answer. Model is the identifier the backend
// reports, falling back to the requested model.
type Completion struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
