package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestChat_RequestAndUsage(t *testing.T) {
	var got ChatRequest
	var gotAuth, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","model":"gpt-4o-mini-2024","choices":[{"index":0,"message":{"role":"assistant","content":"- answer"}}],"usage":{"prompt_tokens":42,"completion_tokens":7,"total_tokens":49}}`)
	}))
	defer srv.Close()

	temp := 0.2
	c := NewClient("test-key", srv.URL)
	resp, err := c.Chat(context.Background(), ChatRequest{
		Model:       "gpt-4o-mini",
		Messages:    []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "q"}},
		Temperature: &temp,
		MaxTokens:   500,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if got.MaxTokens != 500 || got.Temperature == nil || *got.Temperature != 0.2 {
		t.Errorf("request options not sent: %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if resp.Choices[0].Message.Content != "- answer" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 42 || resp.Usage.CompletionTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChat_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"c1","choices":[]}`)
	}))
	defer srv.Close()

	_, err := NewClient("k", srv.URL).Chat(context.Background(), ChatRequest{Model: "m"})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestChat_RateLimitNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	_, err := NewClient("k", srv.URL).Chat(context.Background(), ChatRequest{Model: "m"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	_, err := NewClient("k", srv.URL).Chat(context.Background(), ChatRequest{Model: "m"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "bad key" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if errors.Is(err, ErrRateLimited) {
		t.Error("401 classified as rate limited")
	}
}

func TestEmbed(t *testing.T) {
	var got embeddingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[0.1,0.2,0.3]}],"model":"text-embedding-3-small"}`)
	}))
	defer srv.Close()

	vec, err := NewClient("k", srv.URL).Embed(context.Background(), "text-embedding-3-small", "")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("got %d floats, want 3", len(vec))
	}
	if got.Model != "text-embedding-3-small" || got.Input != "" {
		t.Errorf("request = %+v", got)
	}
}

func TestEmbed_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	if _, err := NewClient("k", srv.URL).Embed(context.Background(), "m", "x"); err == nil {
		t.Fatal("expected error for empty embedding data")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-4o-mini"},{"id":"text-embedding-3-small"}]}`)
	}))
	defer srv.Close()

	models, err := NewClient("k", srv.URL).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0].ID != "gpt-4o-mini" {
		t.Errorf("models = %+v", models)
	}
}

func TestNewClient_DefaultBaseURL(t *testing.T) {
	c := NewClient("k", "")
	if c.baseURL != DefaultBaseURL {
		t.Errorf("baseURL = %q, want %q", c.baseURL, DefaultBaseURL)
	}
	c = NewClient("k", "http://x/v1/")
	if c.baseURL != "http://x/v1" {
		t.Errorf("trailing slash not trimmed: %q", c.baseURL)
	}
}
