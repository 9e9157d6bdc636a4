package orchestrator

import (
	"context"
	"time"

	"agentfleet/internal/adapters/redis"
)

// Lease keeps two replicas from cycling the same agent.
// release is nil when ok is false.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// RedisLease takes SET NX PX leases through the redis adapter
type RedisLease struct {
	client *redis.Client
}

var _ Lease = (*RedisLease)(nil)

func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	lease, ok, err := l.client.AcquireLease(ctx, key, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return lease.Release, true, nil
}
