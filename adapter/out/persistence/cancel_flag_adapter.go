package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// cancelFlagTTL bounds flag lifetime; a flag outliving its run by this
// much is garbage, not state.
const cancelFlagTTL = 24 * time.Hour

// CancelFlagAdapter implements bulk.CancelFlagStore on Redis so a cancel
// accepted by the API process reaches a run executing in a worker.
type CancelFlagAdapter struct {
	client *redis.Client
}

func NewCancelFlagAdapter(client *redis.Client) *CancelFlagAdapter {
	return &CancelFlagAdapter{client: client}
}

func cancelFlagKey(jobID string) string {
	return "bulk:cancel:" + jobID
}

func (a *CancelFlagAdapter) SetFlag(ctx context.Context, jobID string) error {
	if err := a.client.Set(ctx, cancelFlagKey(jobID), "1", cancelFlagTTL).Err(); err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	return nil
}

func (a *CancelFlagAdapter) FlagSet(ctx context.Context, jobID string) (bool, error) {
	n, err := a.client.Exists(ctx, cancelFlagKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check cancel flag: %w", err)
	}
	return n > 0, nil
}
