package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClaimState is the outcome of claiming an idempotency key.
type ClaimState int

const (
	// ClaimAcquired means the caller now owns the key and must Complete or Release it.
	ClaimAcquired ClaimState = iota
	// ClaimCompleted means the key was already processed.
	ClaimCompleted
	// ClaimPending means another worker holds an unexpired claim.
	ClaimPending
)

func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimCompleted:
		return "completed"
	case ClaimPending:
		return "pending"
	default:
		return "unknown"
	}
}

// doneMarker replaces a claim token once the key is processed. Claim tokens
// must never equal it.
const doneMarker = "done"

// compareAndDelete removes KEYS[1] only while it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Cache is the shared-state interface backed by Redis.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)

	Claim(ctx context.Context, key, token string, ttl time.Duration) (ClaimState, error)
	Complete(ctx context.Context, key string, ttl time.Duration) error
	Release(ctx context.Context, key, token string) error

	AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// --- Idempotency ledger ---

// Claim marks key as in flight under token for ttl unless it is already
// claimed or done.
func (c *RedisCache) Claim(ctx context.Context, key, token string, ttl time.Duration) (ClaimState, error) {
	ok, err := c.client.SetNX(ctx, IdempotencyKey(key), token, ttl).Result()
	if err != nil {
		return ClaimPending, err
	}
	if ok {
		return ClaimAcquired, nil
	}

	val, err := c.client.Get(ctx, IdempotencyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// Claim expired between the two calls; let the caller retry.
		return ClaimPending, nil
	}
	if err != nil {
		return ClaimPending, err
	}
	if val == doneMarker {
		return ClaimCompleted, nil
	}
	return ClaimPending, nil
}

// Complete records key as processed for ttl.
func (c *RedisCache) Complete(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Set(ctx, IdempotencyKey(key), doneMarker, ttl).Err()
}

// Release drops the claim held by token so a redelivery can process key
// again. Completed keys and claims taken by other tokens are left untouched.
func (c *RedisCache) Release(ctx context.Context, key, token string) error {
	return compareAndDelete.Run(ctx, c.client, []string{IdempotencyKey(key)}, token).Err()
}

// --- Locks ---

// AcquireLock takes the named lock for ttl. It returns false if another
// token holds it.
func (c *RedisCache) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, LockKey(name), token, ttl).Result()
}

// ReleaseLock frees the named lock if token still holds it.
func (c *RedisCache) ReleaseLock(ctx context.Context, name, token string) error {
	return compareAndDelete.Run(ctx, c.client, []string{LockKey(name)}, token).Err()
}
