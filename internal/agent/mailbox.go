package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"basegraph.app/scheduler/internal/environment"
)

// ErrStopped is returned to callers whose request reached an agent that is no
// longer running.
var ErrStopped = errors.New("agent stopped")

type result[Resp any] struct {
	resp Resp
	err  error
}

type envelope[Req, Resp any] struct {
	ctx   context.Context
	req   Req
	reply chan result[Resp]
}

// Mailbox is the FIFO queue in front of one agent. Requests are handled one at
// a time in arrival order by the agent's Runner.
type Mailbox[Req, Resp any] struct {
	ch   chan envelope[Req, Resp]
	done chan struct{}
}

func NewMailbox[Req, Resp any](size int) *Mailbox[Req, Resp] {
	if size <= 0 {
		size = 64
	}
	return &Mailbox[Req, Resp]{
		ch:   make(chan envelope[Req, Resp], size),
		done: make(chan struct{}),
	}
}

// Ask enqueues req and waits for the reply. A positive timeout bounds the whole
// round trip; hitting it yields ErrCrossAgentTimeout.
func (m *Mailbox[Req, Resp]) Ask(ctx context.Context, req Req, timeout time.Duration) (Resp, error) {
	var zero Resp
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	env := envelope[Req, Resp]{ctx: ctx, req: req, reply: make(chan result[Resp], 1)}
	select {
	case m.ch <- env:
	case <-m.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, waitError(ctx)
	}

	select {
	case r := <-env.reply:
		return r.resp, r.err
	case <-m.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, waitError(ctx)
	}
}

func waitError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", environment.ErrCrossAgentTimeout, ctx.Err())
	}
	return ctx.Err()
}

func (m *Mailbox[Req, Resp]) close() {
	close(m.done)
}
