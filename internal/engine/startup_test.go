package engine

import (
	"context"
	"io"
	"testing"
)

// remoteEngine has no local models to manage.
type remoteEngine struct {
	isRunning bool
}

func (m *remoteEngine) Chat(_ context.Context, _ string, _ []Message, _ ChatOptions) (Completion, error) {
	return Completion{}, nil
}
func (m *remoteEngine) Embed(_ context.Context, _ string, _ string) ([]float32, error) {
	return nil, nil
}
func (m *remoteEngine) IsRunning(_ context.Context) bool { return m.isRunning }

type localEngine struct {
	remoteEngine
	models map[string]bool
	pulled []string
}

func (m *localEngine) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *localEngine) PullModel(_ context.Context, name string, cb func(PullProgress)) error {
	m.pulled = append(m.pulled, name)
	if cb != nil {
		cb(PullProgress{Status: "success"})
	}
	return nil
}

func TestEnsureReady_AllModelsPresent(t *testing.T) {
	m := &localEngine{
		remoteEngine: remoteEngine{isRunning: true},
		models:       map[string]bool{"llama3.1": true, "nomic-embed-text": true},
	}
	if err := EnsureReady(context.Background(), m, "llama3.1", "nomic-embed-text", io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
}

func TestEnsureReady_PullsMissing(t *testing.T) {
	m := &localEngine{
		remoteEngine: remoteEngine{isRunning: true},
		models:       map[string]bool{"llama3.1": true},
	}
	if err := EnsureReady(context.Background(), m, "llama3.1", "nomic-embed-text", io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "nomic-embed-text" {
		t.Errorf("expected pull of nomic-embed-text, got %v", m.pulled)
	}
}

func TestEnsureReady_RemoteSkipsPull(t *testing.T) {
	if err := EnsureReady(context.Background(), &remoteEngine{isRunning: true}, "gpt-4o-mini", "text-embedding-3-small", io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
}

func TestEnsureReady_EngineDown(t *testing.T) {
	if err := EnsureReady(context.Background(), &remoteEngine{}, "gpt-4o-mini", "", io.Discard); err == nil {
		t.Fatal("expected error when engine is down")
	}
}

func TestNew_Provider(t *testing.T) {
	e, err := New(Config{Provider: ProviderOllama, OllamaBaseURL: "http://localhost:11434"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := e.(*OllamaEngine); !ok {
		t.Errorf("New(ollama) returned %T", e)
	}

	e, err = New(Config{Provider: ProviderOpenAI, OpenAIAPIKey: "k"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := e.(*OpenAIEngine); !ok {
		t.Errorf("New(openai) returned %T", e)
	}

	if _, err := New(Config{Provider: "mlx"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
