package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kalambet/inboxrag/internal/pipeline"
	"github.com/kalambet/inboxrag/internal/retrieval"
	"github.com/kalambet/inboxrag/internal/storage"
)

const testToken = "test-token-12345"

type mockRunner struct {
	report pipeline.Report
	err    error
	calls  int
}

func (m *mockRunner) RunOnce(context.Context) (pipeline.Report, error) {
	m.calls++
	return m.report, m.err
}

type mockSearcher struct {
	mu     sync.Mutex
	blocks []retrieval.ContextBlock
	err    error
	gotK   int
	gotQ   string
}

func (m *mockSearcher) Retrieve(_ context.Context, query string, k int) (retrieval.Result, error) {
	m.mu.Lock()
	m.gotQ, m.gotK = query, k
	m.mu.Unlock()
	if m.err != nil {
		return retrieval.Result{}, m.err
	}
	return retrieval.Result{Blocks: m.blocks}, nil
}

func newTestDeps(t *testing.T) (Deps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return Deps{
		Runner:       &mockRunner{report: pipeline.Report{Processed: 2}},
		Searcher:     &mockSearcher{},
		Store:        store,
		Token:        testToken,
		DefaultLimit: 5,
	}, store
}

func authReq(method, url, token string) *http.Request {
	req := httptest.NewRequest(method, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestHealth(t *testing.T) {
	deps, _ := newTestDeps(t)
	rr := httptest.NewRecorder()
	NewHandler(deps).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestPoll_ReturnsSummary(t *testing.T) {
	deps, _ := newTestDeps(t)
	rr := httptest.NewRecorder()
	NewHandler(deps).ServeHTTP(rr, authReq(http.MethodPost, "/poll", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var body map[string]int
	json.NewDecoder(rr.Body).Decode(&body)
	if body["processed"] != 2 || len(body) != 1 {
		t.Errorf("body = %v, want {processed:2}", body)
	}
}

func TestPoll_ListingFailure(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Runner = &mockRunner{err: errors.New("unauthorized")}
	rr := httptest.NewRecorder()
	NewHandler(deps).ServeHTTP(rr, authReq(http.MethodPost, "/poll", testToken))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	deps, _ := newTestDeps(t)
	runner := deps.Runner.(*mockRunner)
	h := NewHandler(deps)

	for _, tc := range []struct {
		method, path, token string
	}{
		{http.MethodPost, "/poll", ""},
		{http.MethodPost, "/poll", "wrong"},
		{http.MethodGet, "/search?q=x", ""},
		{http.MethodGet, "/stats", ""},
		{http.MethodGet, "/replies", "wrong"},
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(tc.method, tc.path, tc.token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s token=%q: status = %d, want 401", tc.method, tc.path, tc.token, rr.Code)
		}
	}
	if runner.calls != 0 {
		t.Errorf("runner called %d times without auth", runner.calls)
	}
}

func TestAuth_EmptyServerTokenRejectsAll(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Token = ""
	rr := httptest.NewRecorder()
	NewHandler(deps).ServeHTTP(rr, authReq(http.MethodPost, "/poll", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestSearch(t *testing.T) {
	deps, _ := newTestDeps(t)
	s := &mockSearcher{blocks: []retrieval.ContextBlock{
		{MessageID: "m1", Subject: "Q3", Excerpt: "revenue up", Similarity: 0.91},
	}}
	deps.Searcher = s

	rr := httptest.NewRecorder()
	NewHandler(deps).ServeHTTP(rr, authReq(http.MethodGet, "/search?q=revenue&limit=3", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if s.gotQ != "revenue" || s.gotK != 3 {
		t.Errorf("Retrieve(%q, %d)", s.gotQ, s.gotK)
	}
	var body struct {
		Results []retrieval.ContextBlock `json:"results"`
	}
	json.NewDecoder(rr.Body).Decode(&body)
	if len(body.Results) != 1 || body.Results[0].MessageID != "m1" {
		t.Errorf("results = %+v", body.Results)
	}
}

func TestSearch_LimitDefaultsAndCap(t *testing.T) {
	deps, _ := newTestDeps(t)
	s := &mockSearcher{}
	deps.Searcher = s
	h := NewHandler(deps)

	for path, want := range map[string]int{
		"/search?q=x":            5,
		"/search?q=x&limit=0":    5,
		"/search?q=x&limit=1000": maxSearchLimit,
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, path, testToken))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, rr.Code)
		}
		if s.gotK != want {
			t.Errorf("%s: k = %d, want %d", path, s.gotK, want)
		}
	}
}

func TestSearch_EmptyResultIsArray(t *testing.T) {
	deps, _ := newTestDeps(t)
	rr := httptest.NewRecorder()
	NewHandler(deps).ServeHTTP(rr, authReq(http.MethodGet, "/search?q=x", testToken))

	var body map[string]json.RawMessage
	json.NewDecoder(rr.Body).Decode(&body)
	if string(body["results"]) != "[]" {
		t.Errorf("results = %s, want []", body["results"])
	}
}

func TestSearch_BadRequests(t *testing.T) {
	deps, _ := newTestDeps(t)
	h := NewHandler(deps)
	for _, path := range []string{"/search", "/search?q=x&limit=lots"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, path, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rr.Code)
		}
	}
}

func TestSearch_StoreError(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.Searcher = &mockSearcher{err: errors.New("db down")}
	rr := httptest.NewRecorder()
	NewHandler(deps).ServeHTTP(rr, authReq(http.MethodGet, "/search?q=x", testToken))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}

func TestStatsAndReplies(t *testing.T) {
	deps, store := newTestDeps(t)
	ctx := context.Background()
	m, err := store.UpsertMessage(ctx, storage.Message{ProviderID: "p1", Subject: "s", BodyText: "b"})
	if err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}
	if err := store.RecordReply(ctx, storage.Reply{MessageID: m.ID, Model: "gpt-4o-mini", Text: "- ok", PromptTokens: 5}); err != nil {
		t.Fatalf("RecordReply: %v", err)
	}
	h := NewHandler(deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/stats", testToken))
	var st storage.Stats
	json.NewDecoder(rr.Body).Decode(&st)
	if st.Messages != 1 || st.Processed != 1 || st.Replies != 1 {
		t.Errorf("stats = %+v", st)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/replies?limit=5", testToken))
	var body struct {
		Replies []replyJSON `json:"replies"`
	}
	json.NewDecoder(rr.Body).Decode(&body)
	if len(body.Replies) != 1 || body.Replies[0].MessageID != m.ID || body.Replies[0].PromptTokens != 5 {
		t.Errorf("replies = %+v", body.Replies)
	}
}
