package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/scheduler/common/logger"
	"basegraph.app/scheduler/internal/queue"
)

type RedisReclaimerConfig struct {
	Stream    string
	Group     string
	Consumer  string
	MinIdle   time.Duration
	Interval  time.Duration
	BatchSize int64
}

// RedisReclaimer claims scheduling requests left pending by a worker that died
// between XREADGROUP and XACK, and runs them through the processor again.
type RedisReclaimer struct {
	client    *redis.Client
	cfg       RedisReclaimerConfig
	consumer  Consumer
	processor queue.MessageProcessor

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewRedisReclaimer(client *redis.Client, cfg RedisReclaimerConfig, consumer Consumer, processor queue.MessageProcessor) *RedisReclaimer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &RedisReclaimer{
		client:    client,
		cfg:       cfg,
		consumer:  consumer,
		processor: processor,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (r *RedisReclaimer) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "scheduler.worker.reclaimer"})
	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reclaimer started",
		"interval", r.cfg.Interval,
		"min_idle", r.cfg.MinIdle,
		"stream", r.cfg.Stream)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			slog.InfoContext(ctx, "reclaimer stopping")
			return
		case <-ticker.C:
			if err := r.reclaimOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "reclaim cycle error", "error", err)
			}
		}
	}
}

func (r *RedisReclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

func (r *RedisReclaimer) reclaimOnce(ctx context.Context) error {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.cfg.Stream,
		Group:  r.cfg.Group,
		Idle:   r.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  r.cfg.BatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "found stale scheduling requests", "count", len(pending))
	for _, p := range pending {
		if err := r.reclaimMessage(ctx, p); err != nil {
			slog.ErrorContext(ctx, "failed to reclaim request",
				"error", err,
				"message_id", p.ID,
				"original_consumer", p.Consumer)
		}
	}
	return nil
}

func (r *RedisReclaimer) reclaimMessage(ctx context.Context, pending redis.XPendingExt) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{MessageID: logger.Ptr(pending.ID)})

	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.cfg.Stream,
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		MinIdle:  r.cfg.MinIdle,
		Messages: []string{pending.ID},
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}
	if len(claimed) == 0 {
		slog.DebugContext(ctx, "request already reclaimed by another worker")
		return nil
	}
	return reprocess(ctx, r.consumer, r.processor, claimed[0], pending.RetryCount)
}

// reprocess hands a claimed entry back to the processor. Entries that cannot
// be parsed go to the DLQ so they are not claimed forever.
func reprocess(ctx context.Context, consumer Consumer, processor queue.MessageProcessor, raw redis.XMessage, deliveries int64) error {
	msg, err := queue.ParseMessage(raw)
	if err != nil {
		slog.ErrorContext(ctx, "unparseable reclaimed request", "error", err)
		return consumer.SendDLQ(ctx, queue.Message{ID: raw.ID, Attempt: 1, Raw: raw}, err.Error())
	}

	slog.InfoContext(ctx, "reprocessing reclaimed request",
		"attempt", msg.Attempt,
		"deliveries", deliveries,
		"trace_id", msg.TraceID)

	start := time.Now()
	if err := processor(ctx, msg); err != nil {
		return fmt.Errorf("processing reclaimed request: %w", err)
	}
	slog.InfoContext(ctx, "reclaimed request processed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}
