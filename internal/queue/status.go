package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusEntry is one agent status snapshot read back from the status stream.
type StatusEntry struct {
	ID        string
	RequestID string
	Payload   []byte
}

// StatusReader tails the status stream. An empty result means the block
// timed out without new entries.
type StatusReader interface {
	ReadStatus(ctx context.Context, after string) ([]StatusEntry, error)
}

type RedisStatusReader struct {
	client *redis.Client
	stream string
	block  time.Duration
	count  int64
}

// NewRedisStatusReader reads at most 100 entries per call and blocks up to
// 25s, under the usual proxy idle timeouts.
func NewRedisStatusReader(client *redis.Client, stream string) *RedisStatusReader {
	return &RedisStatusReader{client: client, stream: stream, block: 25 * time.Second, count: 100}
}

func (r *RedisStatusReader) ReadStatus(ctx context.Context, after string) ([]StatusEntry, error) {
	res, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{r.stream, after},
		Block:   r.block,
		Count:   r.count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xread (stream=%s): %w", r.stream, err)
	}

	var entries []StatusEntry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			entries = append(entries, StatusEntry{
				ID:        msg.ID,
				RequestID: parseOptionalString(msg.Values, FieldRequestID),
				Payload:   []byte(parseOptionalString(msg.Values, FieldPayload)),
			})
		}
	}
	return entries, nil
}
