package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Publisher appends entries to a capped stream. Replies and status snapshots
// go through it.
type Publisher interface {
	Publish(ctx context.Context, stream string, values map[string]any) error
}

type redisPublisher struct {
	client *redis.Client
	maxLen int64
	logger *slog.Logger
}

// NewRedisPublisher trims every stream it writes to roughly maxLen entries.
// Zero disables trimming.
func NewRedisPublisher(client *redis.Client, maxLen int64, logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisPublisher{
		client: client,
		maxLen: maxLen,
		logger: logger,
	}
}

func (p *redisPublisher) Publish(ctx context.Context, stream string, values map[string]any) error {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd (stream=%s): %w", stream, err)
	}

	p.logger.DebugContext(ctx, "published stream entry", "stream", stream)
	return nil
}

// Enqueue appends a request payload to stream, the producer side of
// RedisConsumer.
func Enqueue(ctx context.Context, p Publisher, stream string, msg Message) error {
	attempt := msg.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	if err := p.Publish(ctx, stream, messageValues(msg, attempt)); err != nil {
		return fmt.Errorf("enqueue request: %w", err)
	}
	return nil
}
