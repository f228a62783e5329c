// Package coord holds Redis-backed coordination between scheduler and dispatcher processes:
// short leases that serialize work, and the dead-letter list of permanently failed records.
package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Coordinator manages leases and the dead-letter list in Redis.
type Coordinator struct {
	client      *redis.Client
	leasePrefix string
	dlqKey      string
}

// New builds a coordinator on an existing client.
func New(client *redis.Client, dlqKey string) *Coordinator {
	if dlqKey == "" {
		dlqKey = "dispatch:dlq"
	}
	return &Coordinator{
		client:      client,
		leasePrefix: "lease:",
		dlqKey:      dlqKey,
	}
}

func (c *Coordinator) leaseKey(name string) string {
	return c.leasePrefix + name
}

// Acquire takes the named lease for ttl. It returns the holder token and false when the
// lease is already held by someone else.
func (c *Coordinator) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, c.leaseKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the lease if token still holds it.
func (c *Coordinator) Release(ctx context.Context, name, token string) error {
	err := releaseScript.Run(ctx, c.client, []string{c.leaseKey(name)}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// DLQPush appends to the dead-letter list for operational inspection.
func (c *Coordinator) DLQPush(ctx context.Context, recordID string) error {
	return c.client.RPush(ctx, c.dlqKey, recordID).Err()
}

// DLQPeek reads the oldest count dead-lettered record IDs.
func (c *Coordinator) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return c.client.LRange(ctx, c.dlqKey, 0, count-1).Result()
}

// DLQDepth returns the length of the dead-letter list.
func (c *Coordinator) DLQDepth(ctx context.Context) (int64, error) {
	return c.client.LLen(ctx, c.dlqKey).Result()
}

// Ping reports whether Redis is reachable.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
