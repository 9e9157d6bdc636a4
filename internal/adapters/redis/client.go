package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"agentfleet/internal/adapters/config"
	"agentfleet/pkg/errors"
)

// releaseScript deletes the lease only when it is still owned by the caller
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client wraps the go-redis client
type Client struct {
	rdb *redis.Client
}

func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}

	return &Client{rdb: rdb}, nil
}

// Client returns the underlying Redis client
func (c *Client) Client() *redis.Client {
	return c.rdb
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Lease is a distributed lock owned by a random token
type Lease struct {
	client *Client
	key    string
	token  string
}

// AcquireLease takes "lock:<key>" for ttl. ok is false when someone else holds it.
func (c *Client) AcquireLease(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "acquire lease %s", key)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{client: c, key: "lock:" + key, token: token}, true, nil
}

// Release drops the lease if it was not taken over after expiry
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Err(); err != nil {
		return errors.Wrapf(err, "release lease %s", l.key)
	}
	return nil
}
