// Package dispatch sends generated replies and records that a message has
// been answered.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/inboxrag/internal/engine"
	"github.com/kalambet/inboxrag/internal/mail"
	"github.com/kalambet/inboxrag/internal/storage"
)

// Mailer is the subset of the mail provider used to deliver and label.
type Mailer interface {
	Send(ctx context.Context, out mail.Outgoing) error
	EnsureLabel(ctx context.Context, name string) (string, error)
	ModifyLabels(ctx context.Context, id string, add, remove []string) error
}

// ReplyRecorder persists a reply and flips the owning message to processed.
type ReplyRecorder interface {
	RecordReply(ctx context.Context, r storage.Reply) error
}

// Dispatcher performs the three side effects of answering a message.
// Callers invoke them in order: Dispatch, MarkHandled, RecordReply.
type Dispatcher struct {
	mailer       Mailer
	store        ReplyRecorder
	handledLabel string
}

// New creates a Dispatcher. handledLabel is the label applied to answered
// messages.
func New(mailer Mailer, store ReplyRecorder, handledLabel string) *Dispatcher {
	return &Dispatcher{mailer: mailer, store: store, handledLabel: handledLabel}
}

// Dispatch sends the reply in the original thread.
func (d *Dispatcher) Dispatch(ctx context.Context, out mail.Outgoing) error {
	if out.To == "" {
		return errors.New("reply has no recipient")
	}
	return d.mailer.Send(ctx, out)
}

// MarkHandled applies the handled label and clears UNREAD in one call.
func (d *Dispatcher) MarkHandled(ctx context.Context, providerID string) error {
	labelID, err := d.mailer.EnsureLabel(ctx, d.handledLabel)
	if err != nil {
		return fmt.Errorf("resolving label %q: %w", d.handledLabel, err)
	}
	return d.mailer.ModifyLabels(ctx, providerID, []string{labelID}, []string{"UNREAD"})
}

// RecordReply stores the completion against the internal message id.
func (d *Dispatcher) RecordReply(ctx context.Context, messageID string, c engine.Completion) error {
	err := d.store.RecordReply(ctx, storage.Reply{
		MessageID:        messageID,
		Model:            c.Model,
		Text:             c.Text,
		PromptTokens:     c.Usage.PromptTokens,
		CompletionTokens: c.Usage.CompletionTokens,
	})
	if err != nil {
		return fmt.Errorf("recording reply for %s: %w", messageID, err)
	}
	return nil
}
