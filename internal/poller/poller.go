// Package poller triggers batch runs on a fixed interval.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/inboxrag/internal/pipeline"
)

// Runner executes one batch.
type Runner interface {
	Run(ctx context.Context) (pipeline.Report, error)
}

// Poller runs batches until its context is cancelled. Runs never overlap,
// whether started by the timer or by RunOnce.
type Poller struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger

	mu sync.Mutex
}

// New creates a Poller. If interval is <= 0, it defaults to 5 minutes.
func New(runner Runner, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Poller{
		runner:   runner,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run starts a batch immediately and then once per interval until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := p.RunOnce(ctx); err != nil {
			p.logger.Error("poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}

// RunOnce executes one batch, waiting for any batch already in progress.
func (p *Poller) RunOnce(ctx context.Context) (pipeline.Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	rep, err := p.runner.Run(ctx)
	if err != nil {
		return rep, err
	}
	for _, f := range rep.Failures() {
		p.logger.Debug("batch failure", "message_id", f.ProviderID, "stage", string(f.Stage), "error", f.Err)
	}
	p.logger.Debug("poll complete", "processed", rep.Processed, "duration", time.Since(start))
	return rep, nil
}
