// Package pipeline drives a batch of unread messages through extraction,
// retrieval, generation and reply.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/inboxrag/internal/composer"
	"github.com/kalambet/inboxrag/internal/engine"
	"github.com/kalambet/inboxrag/internal/mail"
	"github.com/kalambet/inboxrag/internal/retrieval"
	"github.com/kalambet/inboxrag/internal/storage"
)

// Inbox lists and fetches inbound mail.
type Inbox interface {
	ListUnread(ctx context.Context, max int) ([]mail.Ref, error)
	GetFull(ctx context.Context, id string) (mail.RawMessage, error)
}

// MessageStore persists inbound messages.
type MessageStore interface {
	UpsertMessage(ctx context.Context, m storage.Message) (storage.Message, error)
}

// Indexer embeds and stores a message body.
type Indexer interface {
	Index(ctx context.Context, messageID, text string) ([]float32, error)
}

// Retriever finds context for a question.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) (retrieval.Result, error)
	RetrieveByVector(ctx context.Context, vec []float32, k int) (retrieval.Result, error)
}

// Generator produces the reply text.
type Generator interface {
	Chat(ctx context.Context, model string, messages []engine.Message, opts engine.ChatOptions) (engine.Completion, error)
}

// Replier performs the reply side effects, see dispatch.Dispatcher.
type Replier interface {
	Dispatch(ctx context.Context, out mail.Outgoing) error
	MarkHandled(ctx context.Context, providerID string) error
	RecordReply(ctx context.Context, messageID string, c engine.Completion) error
}

// Options tune a Processor.
type Options struct {
	BatchSize   int
	TopK        int
	Workers     int
	ChatModel   string
	Temperature float64
	MaxTokens   int
}

// Processor runs batches. It is safe for concurrent use. Overlapping runs
// may send the same answer twice, but only the first is recorded.
type Processor struct {
	inbox     Inbox
	store     MessageStore
	indexer   Indexer
	retriever Retriever
	generator Generator
	replier   Replier
	opts      Options
}

// New creates a Processor. Zero BatchSize and TopK fall back to 5, zero
// Workers to 1.
func New(inbox Inbox, store MessageStore, indexer Indexer, retriever Retriever, generator Generator, replier Replier, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Processor{
		inbox:     inbox,
		store:     store,
		indexer:   indexer,
		retriever: retriever,
		generator: generator,
		replier:   replier,
		opts:      opts,
	}
}

// Run processes one batch. It returns an error only when the batch could not
// be listed; per-message failures are reported in the Report. Cancelling ctx
// stops new messages from starting but lets in-flight ones finish.
func (p *Processor) Run(ctx context.Context) (Report, error) {
	refs, err := p.inbox.ListUnread(ctx, p.opts.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("listing unread messages: %w", err)
	}
	refs = dedupe(refs)

	slots := make([]*Result, len(refs))
	var rep Report

	if p.opts.Workers == 1 {
		for i, ref := range refs {
			if ctx.Err() != nil {
				rep.Interrupted = true
				break
			}
			res := p.process(context.WithoutCancel(ctx), ref)
			slots[i] = &res
		}
	} else {
		var g errgroup.Group
		g.SetLimit(p.opts.Workers)
		for i, ref := range refs {
			if ctx.Err() != nil {
				rep.Interrupted = true
				break
			}
			detached := context.WithoutCancel(ctx)
			g.Go(func() error {
				res := p.process(detached, ref)
				slots[i] = &res
				return nil
			})
		}
		g.Wait()
	}

	for _, res := range slots {
		if res == nil {
			continue
		}
		rep.Results = append(rep.Results, *res)
		if res.Outcome == OutcomeRecorded {
			rep.Processed++
		}
	}

	slog.Info("batch complete",
		"listed", len(refs),
		"processed", rep.Processed,
		"failed", len(rep.Failures()),
		"interrupted", rep.Interrupted,
	)
	return rep, nil
}

func (p *Processor) process(ctx context.Context, ref mail.Ref) Result {
	start := time.Now()
	fail := func(stage Stage, err error) Result {
		slog.Warn("message failed", "message_id", ref.ID, "stage", string(stage), "error", err)
		return Result{ProviderID: ref.ID, Stage: stage, Outcome: OutcomeFailed, Err: err}
	}

	raw, err := p.inbox.GetFull(ctx, ref.ID)
	if err != nil {
		return fail(StageFetched, err)
	}
	if raw.ThreadID == "" {
		raw.ThreadID = ref.ThreadID
	}
	if raw.ID == "" {
		raw.ID = ref.ID
	}

	ex := mail.Extract(raw)
	stored, err := p.store.UpsertMessage(ctx, storage.Message{
		ProviderID:   raw.ID,
		ThreadID:     raw.ThreadID,
		From:         ex.From,
		To:           ex.To,
		Subject:      ex.Subject,
		Snippet:      ex.Snippet,
		BodyText:     ex.BodyText,
		ThreadHeader: ex.MessageIDHeader,
	})
	if err != nil {
		return fail(StageExtracted, fmt.Errorf("saving message: %w", err))
	}

	// A message answered by an earlier run whose label update failed is
	// still listed as unread. It is relabeled instead of answered again.
	if stored.Status == storage.StatusProcessed {
		if err := p.replier.MarkHandled(ctx, raw.ID); err != nil {
			return fail(StageDispatched, fmt.Errorf("relabeling processed message: %w", err))
		}
		slog.Info("message already processed", "message_id", raw.ID)
		return Result{ProviderID: raw.ID, Stage: StageExtracted, Outcome: OutcomeSkipped}
	}

	vec, err := p.indexer.Index(ctx, stored.ID, ex.BodyText)
	if err != nil {
		return fail(StageIndexed, err)
	}

	question := ex.BodyText
	var found retrieval.Result
	if question != "" {
		found, err = p.retriever.RetrieveByVector(ctx, vec, p.opts.TopK)
	} else {
		question = ex.Subject
		found, err = p.retriever.Retrieve(ctx, question, p.opts.TopK)
	}
	if err != nil {
		return fail(StageRetrieved, err)
	}

	msgs := composer.Messages(question, found.Blocks)
	slog.Debug("prompt composed",
		"message_id", raw.ID,
		"context_blocks", len(found.Blocks),
		"estimated_tokens", composer.EstimateTokens(msgs[1].Content),
	)
	completion, err := p.generator.Chat(ctx, p.opts.ChatModel, msgs, engine.ChatOptions{
		Temperature: p.opts.Temperature,
		MaxTokens:   p.opts.MaxTokens,
	})
	if err != nil {
		return fail(StageGenerated, fmt.Errorf("generating reply: %w", err))
	}
	if completion.Model == "" {
		completion.Model = p.opts.ChatModel
	}

	subject := ex.Subject
	if subject == "" {
		subject = mail.DefaultSubject
	}
	out := mail.Outgoing{
		ThreadID:  raw.ThreadID,
		To:        mail.ReplyAddress(ex.From),
		Subject:   subject,
		Body:      completion.Text,
		InReplyTo: ex.MessageIDHeader,
	}
	if err := p.replier.Dispatch(ctx, out); err != nil {
		return fail(StageDispatched, fmt.Errorf("sending reply: %w", err))
	}

	// Record before labeling: a message whose label update fails is already
	// processed in the store, so the next run relabels it without answering.
	if err := p.replier.RecordReply(ctx, stored.ID, completion); err != nil {
		return fail(StageRecorded, err)
	}
	if err := p.replier.MarkHandled(ctx, raw.ID); err != nil {
		return fail(StageDispatched, fmt.Errorf("marking handled: %w", err))
	}

	slog.Info("reply sent",
		"message_id", raw.ID,
		"model", completion.Model,
		"context_blocks", len(found.Blocks),
		"duration", time.Since(start),
	)
	return Result{ProviderID: raw.ID, Stage: StageRecorded, Outcome: OutcomeRecorded}
}

func dedupe(refs []mail.Ref) []mail.Ref {
	seen := make(map[string]struct{}, len(refs))
	out := refs[:0:0]
	for _, r := range refs {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}
