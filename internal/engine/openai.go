package engine

import (
	"context"
	"time"

	"github.com/kalambet/inboxrag/internal/openai"
)

var _ Engine = (*OpenAIEngine)(nil)

// OpenAIEngine adapts the internal/openai.Client to the Engine interface.
type OpenAIEngine struct {
	client *openai.Client
}

// NewOpenAIEngine creates an engine for an OpenAI-compatible API.
func NewOpenAIEngine(apiKey, baseURL string) *OpenAIEngine {
	return &OpenAIEngine{client: openai.NewClient(apiKey, baseURL)}
}

func (e *OpenAIEngine) Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (Completion, error) {
	msgs := make([]openai.Message, len(messages))
	for i, m := range messages {
		msgs[i] = openai.Message{Role: m.Role, Content: m.Content}
	}

	temp := opts.Temperature
	resp, err := e.client.Chat(ctx, openai.ChatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: &temp,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return Completion{}, err
	}

	c := Completion{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
	}
	if c.Model == "" {
		c.Model = model
	}
	if resp.Usage != nil {
		c.Usage = Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens}
	}
	return c, nil
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return e.client.Embed(ctx, model, text)
}

// IsRunning lists models as a reachability and credential check.
func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.client.ListModels(ctx)
	return err == nil
}
