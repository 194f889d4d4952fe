package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/inboxrag/internal/dispatch"
	"github.com/kalambet/inboxrag/internal/engine"
	"github.com/kalambet/inboxrag/internal/mail"
	"github.com/kalambet/inboxrag/internal/retrieval"
	"github.com/kalambet/inboxrag/internal/storage"
)

type fakeInbox struct {
	refs    []mail.Ref
	msgs    map[string]mail.RawMessage
	listErr error

	mu      sync.Mutex
	fetched []string
}

func (f *fakeInbox) ListUnread(_ context.Context, max int) ([]mail.Ref, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.refs) > max {
		return f.refs[:max], nil
	}
	return f.refs, nil
}

func (f *fakeInbox) GetFull(_ context.Context, id string) (mail.RawMessage, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, id)
	f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return mail.RawMessage{}, errors.New("not found")
	}
	return m, nil
}

type fakeMailer struct {
	mu       sync.Mutex
	sent     []mail.Outgoing
	labeled  []string
	sendErr  error
	labelErr error
}

func (f *fakeMailer) Send(_ context.Context, out mail.Outgoing) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, out)
	return nil
}

func (f *fakeMailer) EnsureLabel(context.Context, string) (string, error) {
	return "Label_1", nil
}

func (f *fakeMailer) ModifyLabels(_ context.Context, id string, _, _ []string) error {
	if f.labelErr != nil {
		return f.labelErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labeled = append(f.labeled, id)
	return nil
}

// fakeEngine embeds text deterministically and answers through chatFn.
type fakeEngine struct {
	chatFn func(messages []engine.Message) (engine.Completion, error)
}

func (f *fakeEngine) Chat(_ context.Context, model string, messages []engine.Message, _ engine.ChatOptions) (engine.Completion, error) {
	if f.chatFn != nil {
		return f.chatFn(messages)
	}
	return engine.Completion{Text: "- answer", Model: model}, nil
}

func (f *fakeEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	return []float32{float32(len(text)%5) + 1, 1, float32(strings.Count(text, " "))}, nil
}

func (f *fakeEngine) IsRunning(context.Context) bool { return true }

type harness struct {
	inbox  *fakeInbox
	mailer *fakeMailer
	engine *fakeEngine
	store  *storage.Store
	proc   *Processor
}

func newHarness(t *testing.T, inbox *fakeInbox, opts Options) *harness {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{inbox: inbox, mailer: &fakeMailer{}, engine: &fakeEngine{}, store: store}
	embedder := retrieval.NewEmbedder(h.engine, "embed")
	vectors := retrieval.NewSQLiteStore(store.DB())
	if opts.ChatModel == "" {
		opts.ChatModel = "chat"
	}
	h.proc = New(
		inbox,
		store,
		retrieval.NewIndexer(embedder, vectors),
		retrieval.NewRetriever(embedder, vectors, 0),
		h.engine,
		dispatch.New(h.mailer, store, "AI_PROCESSED"),
		opts,
	)
	return h
}

func b64(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func rawMessage(id, subject, from, body string) mail.RawMessage {
	headers := []mail.Header{{Name: "From", Value: from}, {Name: "Message-ID", Value: "<" + id + "@mail>"}}
	if subject != "" {
		headers = append(headers, mail.Header{Name: "Subject", Value: subject})
	}
	return mail.RawMessage{
		ID:       id,
		ThreadID: "t-" + id,
		Headers:  headers,
		Payload: mail.Container{MediaType: "multipart/alternative", Children: []mail.Part{
			mail.Leaf{MediaType: "text/plain", Data: b64(body)},
		}},
	}
}

func threeMessages() *fakeInbox {
	return &fakeInbox{
		refs: []mail.Ref{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		msgs: map[string]mail.RawMessage{
			"a": rawMessage("a", "Q3 revenue", "Ann <ann@x.com>", "What was Q3 revenue?"),
			"b": rawMessage("b", "Churn", "bob@x.com", "FAIL: what is churn?"),
			"c": rawMessage("c", "Pipeline", "Cat <cat@x.com>", "How big is the pipeline?"),
		},
	}
}

func TestRun_OneGenerationFailure(t *testing.T) {
	h := newHarness(t, threeMessages(), Options{})
	h.engine.chatFn = func(messages []engine.Message) (engine.Completion, error) {
		if strings.Contains(messages[1].Content, "FAIL:") {
			return engine.Completion{}, errors.New("model overloaded")
		}
		return engine.Completion{Text: "- ok", Model: "chat-v1", Usage: engine.Usage{PromptTokens: 9}}, nil
	}

	rep, err := h.proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Processed != 2 {
		t.Errorf("Processed = %d, want 2", rep.Processed)
	}
	if got := rep.Summary(); got["processed"] != 2 || len(got) != 1 {
		t.Errorf("Summary = %v", got)
	}

	fails := rep.Failures()
	if len(fails) != 1 || fails[0].ProviderID != "b" || fails[0].Stage != StageGenerated {
		t.Fatalf("failures = %+v", fails)
	}

	if len(h.mailer.sent) != 2 {
		t.Errorf("sent %d replies, want 2", len(h.mailer.sent))
	}
	for _, id := range h.mailer.labeled {
		if id == "b" {
			t.Error("failed message was labeled")
		}
	}

	st, err := h.store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Messages != 3 || st.Processed != 2 || st.Replies != 2 {
		t.Errorf("Stats = %+v, want 3/2/2", st)
	}

	b, err := h.store.GetMessageByProviderID(context.Background(), "b")
	if err != nil {
		t.Fatalf("GetMessageByProviderID: %v", err)
	}
	if b.Status != storage.StatusReceived || b.ReplySentAt != nil {
		t.Errorf("failed message state = %q/%v", b.Status, b.ReplySentAt)
	}

	replies, err := h.store.ListReplies(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListReplies: %v", err)
	}
	for _, r := range replies {
		if r.Model != "chat-v1" || r.PromptTokens != 9 {
			t.Errorf("reply = %+v", r)
		}
	}
}

func TestRun_ReplyFields(t *testing.T) {
	inbox := &fakeInbox{
		refs: []mail.Ref{{ID: "a"}},
		msgs: map[string]mail.RawMessage{"a": rawMessage("a", "", "Ann <ann@x.com>", "Where is the deck?")},
	}
	h := newHarness(t, inbox, Options{})

	if _, err := h.proc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.mailer.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(h.mailer.sent))
	}
	out := h.mailer.sent[0]
	want := mail.Outgoing{
		ThreadID:  "t-a",
		To:        "ann@x.com",
		Subject:   mail.DefaultSubject,
		Body:      "- answer",
		InReplyTo: "<a@mail>",
	}
	if out != want {
		t.Errorf("outgoing = %+v, want %+v", out, want)
	}
}

func TestRun_EmptyBodyAsksSubject(t *testing.T) {
	inbox := &fakeInbox{
		refs: []mail.Ref{{ID: "a"}},
		msgs: map[string]mail.RawMessage{"a": rawMessage("a", "Budget for Q4?", "ann@x.com", "")},
	}
	h := newHarness(t, inbox, Options{})
	var prompt string
	h.engine.chatFn = func(messages []engine.Message) (engine.Completion, error) {
		prompt = messages[1].Content
		return engine.Completion{Text: "x"}, nil
	}

	rep, err := h.proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Processed != 1 {
		t.Fatalf("Processed = %d, want 1", rep.Processed)
	}
	if !strings.HasSuffix(prompt, "Question: Budget for Q4?") {
		t.Errorf("prompt does not end with subject question:\n%s", prompt)
	}

	n, err := retrieval.NewSQLiteStore(h.store.DB()).Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("embeddings = %d, want 1 even for empty body", n)
	}
}

func TestRun_ModelFallsBackToRequested(t *testing.T) {
	inbox := &fakeInbox{
		refs: []mail.Ref{{ID: "a"}},
		msgs: map[string]mail.RawMessage{"a": rawMessage("a", "s", "ann@x.com", "body")},
	}
	h := newHarness(t, inbox, Options{ChatModel: "gpt-4o-mini"})
	h.engine.chatFn = func([]engine.Message) (engine.Completion, error) {
		return engine.Completion{Text: "x"}, nil
	}

	if _, err := h.proc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	replies, _ := h.store.ListReplies(context.Background(), 1)
	if len(replies) != 1 || replies[0].Model != "gpt-4o-mini" {
		t.Errorf("replies = %+v", replies)
	}
}

func TestRun_ListFailureTouchesNothing(t *testing.T) {
	inbox := threeMessages()
	inbox.listErr = errors.New("unauthorized")
	h := newHarness(t, inbox, Options{})

	if _, err := h.proc.Run(context.Background()); err == nil {
		t.Fatal("expected error when listing fails")
	}
	if len(inbox.fetched) != 0 {
		t.Errorf("fetched %v after list failure", inbox.fetched)
	}
}

func TestRun_DuplicateIDsProcessedOnce(t *testing.T) {
	inbox := threeMessages()
	inbox.refs = []mail.Ref{{ID: "a"}, {ID: "a"}, {ID: "c"}}
	h := newHarness(t, inbox, Options{})

	rep, err := h.proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Results) != 2 || rep.Processed != 2 {
		t.Errorf("results = %+v", rep.Results)
	}
	if len(h.mailer.sent) != 2 {
		t.Errorf("sent %d, want 2", len(h.mailer.sent))
	}
}

func TestRun_AlreadyProcessedIsRelabeled(t *testing.T) {
	inbox := threeMessages()
	inbox.refs = []mail.Ref{{ID: "a"}}
	h := newHarness(t, inbox, Options{})

	if _, err := h.proc.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	h.engine.chatFn = func([]engine.Message) (engine.Completion, error) {
		t.Error("Chat called for processed message")
		return engine.Completion{}, nil
	}

	rep, err := h.proc.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if rep.Processed != 0 || len(rep.Results) != 1 || rep.Results[0].Outcome != OutcomeSkipped {
		t.Errorf("report = %+v", rep)
	}
	if len(h.mailer.sent) != 1 {
		t.Errorf("sent %d, want 1", len(h.mailer.sent))
	}
	if len(h.mailer.labeled) != 2 {
		t.Errorf("labeled %v, want relabel on second run", h.mailer.labeled)
	}
	st, _ := h.store.Stats(context.Background())
	if st.Replies != 1 {
		t.Errorf("Replies = %d, want 1", st.Replies)
	}
}

func TestRun_LabelFailureIsNotAnsweredAgain(t *testing.T) {
	inbox := threeMessages()
	inbox.refs = []mail.Ref{{ID: "a"}}
	h := newHarness(t, inbox, Options{})
	h.mailer.labelErr = errors.New("label service unavailable")

	rep, err := h.proc.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if len(rep.Failures()) != 1 || rep.Failures()[0].Stage != StageDispatched {
		t.Fatalf("first report = %+v", rep)
	}
	msg, err := h.store.GetMessageByProviderID(context.Background(), "a")
	if err != nil {
		t.Fatalf("GetMessageByProviderID: %v", err)
	}
	if msg.Status != storage.StatusProcessed {
		t.Errorf("status = %q after sent reply, want processed", msg.Status)
	}

	h.mailer.labelErr = nil
	rep, err = h.proc.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(rep.Results) != 1 || rep.Results[0].Outcome != OutcomeSkipped {
		t.Errorf("second report = %+v, want skipped", rep)
	}
	if len(h.mailer.sent) != 1 {
		t.Errorf("reply sent %d times, want 1", len(h.mailer.sent))
	}
	if len(h.mailer.labeled) != 1 || h.mailer.labeled[0] != "a" {
		t.Errorf("labeled = %v, want [a]", h.mailer.labeled)
	}
	st, _ := h.store.Stats(context.Background())
	if st.Replies != 1 {
		t.Errorf("Replies = %d, want 1", st.Replies)
	}
}

func TestRun_SendFailureRecordsNothing(t *testing.T) {
	h := newHarness(t, threeMessages(), Options{})
	h.mailer.sendErr = errors.New("quota exceeded")

	rep, err := h.proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Processed != 0 || len(rep.Failures()) != 3 {
		t.Errorf("report = %+v", rep)
	}
	for _, f := range rep.Failures() {
		if f.Stage != StageDispatched {
			t.Errorf("stage = %q, want dispatched", f.Stage)
		}
	}
	st, _ := h.store.Stats(context.Background())
	if st.Processed != 0 || st.Replies != 0 {
		t.Errorf("Stats = %+v after send failures", st)
	}
}

func TestRun_FetchFailureIsolated(t *testing.T) {
	inbox := threeMessages()
	delete(inbox.msgs, "a")
	h := newHarness(t, inbox, Options{})

	rep, err := h.proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Processed != 2 {
		t.Errorf("Processed = %d, want 2", rep.Processed)
	}
	if f := rep.Failures(); len(f) != 1 || f[0].Stage != StageFetched {
		t.Errorf("failures = %+v", f)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, threeMessages(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := h.proc.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.Interrupted || len(rep.Results) != 0 {
		t.Errorf("report = %+v, want interrupted with no results", rep)
	}
}

func TestRun_CancelBetweenMessages(t *testing.T) {
	h := newHarness(t, threeMessages(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.chatFn = func([]engine.Message) (engine.Completion, error) {
		cancel()
		return engine.Completion{Text: "x"}, nil
	}

	rep, err := h.proc.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.Interrupted || rep.Processed != 1 || len(rep.Results) != 1 {
		t.Errorf("report = %+v, want first message finished then stop", rep)
	}
}

func TestRun_ParallelWorkers(t *testing.T) {
	h := newHarness(t, threeMessages(), Options{Workers: 3})
	h.engine.chatFn = func(messages []engine.Message) (engine.Completion, error) {
		if strings.Contains(messages[1].Content, "FAIL:") {
			return engine.Completion{}, errors.New("boom")
		}
		return engine.Completion{Text: "x"}, nil
	}

	rep, err := h.proc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Processed != 2 || len(rep.Results) != 3 {
		t.Errorf("report = %+v", rep)
	}
	for i, id := range []string{"a", "b", "c"} {
		if rep.Results[i].ProviderID != id {
			t.Errorf("Results[%d] = %q, want batch order", i, rep.Results[i].ProviderID)
		}
	}
	st, _ := h.store.Stats(context.Background())
	if st.Processed != 2 || st.Replies != 2 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestReport_Failures(t *testing.T) {
	rep := Report{Results: []Result{
		{ProviderID: "a", Outcome: OutcomeRecorded},
		{ProviderID: "b", Outcome: OutcomeFailed, Stage: StageIndexed},
		{ProviderID: "c", Outcome: OutcomeSkipped},
	}}
	f := rep.Failures()
	if len(f) != 1 || f[0].ProviderID != "b" {
		t.Errorf("Failures = %+v", f)
	}
}
