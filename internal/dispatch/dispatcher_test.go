package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/inboxrag/internal/engine"
	"github.com/kalambet/inboxrag/internal/mail"
	"github.com/kalambet/inboxrag/internal/storage"
)

type mockMailer struct {
	sendFn   func(ctx context.Context, out mail.Outgoing) error
	labelFn  func(ctx context.Context, name string) (string, error)
	modifyFn func(ctx context.Context, id string, add, remove []string) error
}

func (m *mockMailer) Send(ctx context.Context, out mail.Outgoing) error {
	if m.sendFn != nil {
		return m.sendFn(ctx, out)
	}
	return nil
}

func (m *mockMailer) EnsureLabel(ctx context.Context, name string) (string, error) {
	if m.labelFn != nil {
		return m.labelFn(ctx, name)
	}
	return "Label_1", nil
}

func (m *mockMailer) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	if m.modifyFn != nil {
		return m.modifyFn(ctx, id, add, remove)
	}
	return nil
}

type mockRecorder struct {
	got storage.Reply
	err error
}

func (m *mockRecorder) RecordReply(_ context.Context, r storage.Reply) error {
	m.got = r
	return m.err
}

func TestDispatch_Sends(t *testing.T) {
	var sent mail.Outgoing
	d := New(&mockMailer{sendFn: func(_ context.Context, out mail.Outgoing) error {
		sent = out
		return nil
	}}, &mockRecorder{}, "AI_PROCESSED")

	out := mail.Outgoing{ThreadID: "t1", To: "ann@x.com", Subject: "Q3", Body: "b"}
	if err := d.Dispatch(context.Background(), out); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sent != out {
		t.Errorf("sent = %+v, want %+v", sent, out)
	}
}

func TestDispatch_NoRecipient(t *testing.T) {
	called := false
	d := New(&mockMailer{sendFn: func(context.Context, mail.Outgoing) error {
		called = true
		return nil
	}}, &mockRecorder{}, "AI_PROCESSED")

	err := d.Dispatch(context.Background(), mail.Outgoing{ThreadID: "t1"})
	if err == nil || err.Error() != "reply has no recipient" {
		t.Fatalf("Dispatch error = %v, want reply has no recipient", err)
	}
	if called {
		t.Error("Send called without recipient")
	}
}

func TestMarkHandled_AddsLabelRemovesUnread(t *testing.T) {
	var gotName, gotID string
	var gotAdd, gotRemove []string
	d := New(&mockMailer{
		labelFn: func(_ context.Context, name string) (string, error) {
			gotName = name
			return "Label_7", nil
		},
		modifyFn: func(_ context.Context, id string, add, remove []string) error {
			gotID, gotAdd, gotRemove = id, add, remove
			return nil
		},
	}, &mockRecorder{}, "AI_PROCESSED")

	if err := d.MarkHandled(context.Background(), "m1"); err != nil {
		t.Fatalf("MarkHandled: %v", err)
	}
	if gotName != "AI_PROCESSED" || gotID != "m1" {
		t.Errorf("label %q on %q", gotName, gotID)
	}
	if len(gotAdd) != 1 || gotAdd[0] != "Label_7" || len(gotRemove) != 1 || gotRemove[0] != "UNREAD" {
		t.Errorf("add=%v remove=%v", gotAdd, gotRemove)
	}
}

func TestMarkHandled_LabelErrorSkipsModify(t *testing.T) {
	d := New(&mockMailer{
		labelFn: func(context.Context, string) (string, error) { return "", errors.New("quota") },
		modifyFn: func(context.Context, string, []string, []string) error {
			t.Error("ModifyLabels called after label failure")
			return nil
		},
	}, &mockRecorder{}, "AI_PROCESSED")

	if err := d.MarkHandled(context.Background(), "m1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRecordReply_MapsCompletion(t *testing.T) {
	rec := &mockRecorder{}
	d := New(&mockMailer{}, rec, "AI_PROCESSED")

	c := engine.Completion{Text: "- up", Model: "gpt-4o-mini", Usage: engine.Usage{PromptTokens: 12, CompletionTokens: 3}}
	if err := d.RecordReply(context.Background(), "id-1", c); err != nil {
		t.Fatalf("RecordReply: %v", err)
	}
	want := storage.Reply{MessageID: "id-1", Model: "gpt-4o-mini", Text: "- up", PromptTokens: 12, CompletionTokens: 3}
	if rec.got != want {
		t.Errorf("reply = %+v, want %+v", rec.got, want)
	}
}

func TestRecordReply_WrapsNotFound(t *testing.T) {
	d := New(&mockMailer{}, &mockRecorder{err: storage.ErrNotFound}, "AI_PROCESSED")
	err := d.RecordReply(context.Background(), "missing", engine.Completion{})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}
