// Package api exposes batch runs and mailbox search over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/inboxrag/internal/pipeline"
	"github.com/kalambet/inboxrag/internal/retrieval"
	"github.com/kalambet/inboxrag/internal/storage"
)

const maxSearchLimit = 50

// BatchRunner runs one batch, see poller.Poller.RunOnce.
type BatchRunner interface {
	RunOnce(ctx context.Context) (pipeline.Report, error)
}

// Searcher retrieves context blocks for a free-text query.
type Searcher interface {
	Retrieve(ctx context.Context, query string, k int) (retrieval.Result, error)
}

// StatsReader reports store contents.
type StatsReader interface {
	Stats(ctx context.Context) (storage.Stats, error)
	ListReplies(ctx context.Context, limit int) ([]storage.Reply, error)
}

// Deps holds the collaborators shared by the HTTP and MCP surfaces.
type Deps struct {
	Runner   BatchRunner
	Searcher Searcher
	Store    StatsReader
	Token    string
	// DefaultLimit is the search size when the caller gives none.
	DefaultLimit int
}

func (d Deps) limit(requested int) int {
	if requested <= 0 {
		requested = d.DefaultLimit
	}
	if requested <= 0 {
		requested = 5
	}
	return min(requested, maxSearchLimit)
}

// NewHandler returns the HTTP API. /health is open; everything else needs
// the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/poll", handlePoll(deps))
		r.Get("/search", handleSearch(deps))
		r.Get("/stats", handleStats(deps))
		r.Get("/replies", handleReplies(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handlePoll(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := deps.Runner.RunOnce(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "batch failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rep.Summary())
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit, ok := queryInt(w, r, "limit")
		if !ok {
			return
		}

		res, err := deps.Searcher.Retrieve(r.Context(), q, deps.limit(limit))
		if err != nil {
			slog.Warn("search failed", "error", err)
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		blocks := res.Blocks
		if blocks == nil {
			blocks = []retrieval.ContextBlock{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": blocks})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Store.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

type replyJSON struct {
	ID               string `json:"id"`
	MessageID        string `json:"message_id"`
	Model            string `json:"model"`
	Text             string `json:"text"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	CreatedAt        string `json:"created_at"`
}

func toReplyJSON(replies []storage.Reply) []replyJSON {
	out := make([]replyJSON, len(replies))
	for i, r := range replies {
		out[i] = replyJSON{
			ID:               r.ID,
			MessageID:        r.MessageID,
			Model:            r.Model,
			Text:             r.Text,
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			CreatedAt:        r.CreatedAt.Format(time.RFC3339),
		}
	}
	return out
}

func handleReplies(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := queryInt(w, r, "limit")
		if !ok {
			return
		}
		if limit <= 0 {
			limit = 20
		}
		replies, err := deps.Store.ListReplies(r.Context(), min(limit, 200))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing replies: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"replies": toReplyJSON(replies)})
	}
}

// queryInt parses an optional integer query parameter, writing a 400 on
// malformed input.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s must be an integer", name)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
