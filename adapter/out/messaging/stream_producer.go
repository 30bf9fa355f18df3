// Package messaging provides the Redis Streams adapters used to hand
// validation runs from the API process to worker processes.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// StreamBulkRun carries detached run dispatches.
const StreamBulkRun = "bulk:run"

// RunMessage is the payload of one dispatched run.
type RunMessage struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RedisProducer publishes run dispatches to Redis Streams. It implements
// bulk.RunDispatcher.
type RedisProducer struct {
	client *redis.Client
}

// NewRedisProducer creates a new RedisProducer.
func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{client: client}
}

// DispatchRun publishes a started run for a worker process to pick up.
func (p *RedisProducer) DispatchRun(ctx context.Context, jobID string) error {
	return p.publish(ctx, StreamBulkRun, &RunMessage{
		JobID:      jobID,
		EnqueuedAt: time.Now().UTC(),
	})
}

func (p *RedisProducer) publish(ctx context.Context, stream string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}
