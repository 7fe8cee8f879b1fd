package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"basegraph.app/scheduler/common/logger"
)

// Handler is the sequential body of an agent.
type Handler[Req, Resp any] interface {
	Handle(ctx context.Context, req Req) (Resp, error)
	// Step runs one background optimisation batch while the mailbox is idle.
	Step(ctx context.Context)
}

type RunnerConfig struct {
	Component   string
	MailboxSize int
	// Interval between background steps. Zero disables them.
	Interval time.Duration
}

// Runner owns the goroutine of one agent: it drains the mailbox strictly one
// message at a time and runs optimisation steps in between.
type Runner[Req, Resp any] struct {
	mailbox *Mailbox[Req, Resp]
	handler Handler[Req, Resp]
	cfg     RunnerConfig

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
}

func NewRunner[Req, Resp any](mailbox *Mailbox[Req, Resp], handler Handler[Req, Resp], cfg RunnerConfig) *Runner[Req, Resp] {
	return &Runner[Req, Resp]{
		mailbox: mailbox,
		handler: handler,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (r *Runner[Req, Resp]) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: already running", r.cfg.Component)
	}
	defer close(r.stopped)
	defer r.mailbox.close()

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: r.cfg.Component})
	slog.InfoContext(ctx, "agent started", "step_interval", r.cfg.Interval)

	var tick <-chan time.Time
	if r.cfg.Interval > 0 {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			slog.InfoContext(ctx, "agent stopping")
			return nil
		case env := <-r.mailbox.ch:
			r.dispatch(env)
		case <-tick:
			r.stepSafe(ctx)
		}
	}
}

// Stop signals the run loop and waits for it to exit.
func (r *Runner[Req, Resp]) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.started.Load() {
		<-r.stopped
	}
}

func (r *Runner[Req, Resp]) dispatch(env envelope[Req, Resp]) {
	if env.ctx.Err() != nil {
		env.reply <- result[Resp]{err: waitError(env.ctx)}
		return
	}
	ctx := logger.WithLogFields(env.ctx, logger.LogFields{Component: r.cfg.Component})
	resp, err := r.handleSafe(ctx, env.req)
	env.reply <- result[Resp]{resp: resp, err: err}
}

func (r *Runner[Req, Resp]) handleSafe(ctx context.Context, req Req) (resp Resp, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "panic recovered in agent handler", "panic", p)
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.handler.Handle(ctx, req)
}

func (r *Runner[Req, Resp]) stepSafe(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "panic recovered in agent step", "panic", p)
		}
	}()
	r.handler.Step(ctx)
}
