package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"basegraph.app/scheduler/common/id"
	"basegraph.app/scheduler/common/logger"
	"basegraph.app/scheduler/internal/orchestrator"
	"basegraph.app/scheduler/internal/queue"
)

// StatusPublisher periodically appends the status of every agent to a capped
// stream.
type StatusPublisher struct {
	source    StatusSource
	publisher queue.Publisher
	stream    string
	interval  time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewStatusPublisher(source StatusSource, publisher queue.Publisher, stream string, interval time.Duration) *StatusPublisher {
	return &StatusPublisher{
		source:    source,
		publisher: publisher,
		stream:    stream,
		interval:  interval,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run publishes once immediately and then on every tick until stopped.
func (p *StatusPublisher) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "scheduler.worker.status"})
	defer close(p.stoppedCh)

	if p.interval <= 0 {
		slog.InfoContext(ctx, "status publishing disabled")
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "status publisher started", "interval", p.interval, "stream", p.stream)
	for {
		if err := p.PublishOnce(ctx); err != nil {
			slog.WarnContext(ctx, "status publish failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			slog.InfoContext(ctx, "status publisher stopping")
			return
		case <-ticker.C:
		}
	}
}

func (p *StatusPublisher) Stop() {
	close(p.stopCh)
	<-p.stoppedCh
}

func (p *StatusPublisher) PublishOnce(ctx context.Context) error {
	st, err := p.source.AgentStatus(ctx)
	if err != nil {
		return fmt.Errorf("collecting agent status: %w", err)
	}
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding agent status: %w", err)
	}
	return p.publisher.Publish(ctx, p.stream, map[string]any{
		queue.FieldKind:      string(orchestrator.KindAgentStatus),
		queue.FieldRequestID: strconv.FormatInt(id.New(), 10),
		queue.FieldPayload:   string(body),
	})
}
