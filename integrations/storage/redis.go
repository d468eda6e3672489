package storage

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/aivorynet/agent-go/breakpoint"
	"github.com/aivorynet/agent-go/exception"
	"github.com/aivorynet/agent-go/obslog"
)

// RedisBuffer is a rolling-buffer sink backed by a Redis list, an
// alternative to the SQLite-backed Buffer for deployments that already run
// Redis. Adapted from the teacher SDK's redis.go, which only instrumented a
// *redis.Client with tracing hooks; here the client is used directly as a
// capped list instead.
type RedisBuffer struct {
	client   *redis.Client
	key      string
	capacity int64
}

// NewRedisBuffer wraps an existing *redis.Client as a rolling buffer keyed
// under key, retaining at most capacity entries.
func NewRedisBuffer(client *redis.Client, key string, capacity int64) *RedisBuffer {
	return &RedisBuffer{client: client, key: key, capacity: capacity}
}

// SendException implements exception.Sink.
func (b *RedisBuffer) SendException(c exception.ExceptionCapture) {
	payload, err := json.Marshal(struct {
		Kind string `json:"kind"`
		exception.ExceptionCapture
	}{Kind: "exception", ExceptionCapture: c})
	if err != nil {
		obslog.Warn("storage: marshal exception failed", obslog.Err(err))
		return
	}
	b.push(payload)
}

// SendBreakpointHit implements breakpoint.Sink.
func (b *RedisBuffer) SendBreakpointHit(h breakpoint.Hit) {
	payload, err := json.Marshal(struct {
		Kind string `json:"kind"`
		breakpoint.Hit
	}{Kind: "breakpoint_hit", Hit: h})
	if err != nil {
		obslog.Warn("storage: marshal breakpoint hit failed", obslog.Err(err))
		return
	}
	b.push(payload)
}

func (b *RedisBuffer) push(payload []byte) {
	ctx := context.Background()
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, b.key, payload)
	pipe.LTrim(ctx, b.key, 0, b.capacity-1)
	if _, err := pipe.Exec(ctx); err != nil {
		obslog.Warn("storage: redis push failed", obslog.Err(err))
	}
}

// Recent returns the most recent n raw JSON payloads, newest first.
func (b *RedisBuffer) Recent(ctx context.Context, n int64) ([]string, error) {
	if n <= 0 || n > b.capacity {
		n = b.capacity
	}
	return b.client.LRange(ctx, b.key, 0, n-1).Result()
}
