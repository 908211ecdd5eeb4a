package router

import (
	"context"
	"sync"
	"time"

	"github.com/kiranshivaraju/premortem/internal/cache"
)

// Ledger records which idempotency keys have been routed.
type Ledger interface {
	// Claim marks key in flight under token. Only ClaimAcquired lets the
	// caller proceed.
	Claim(ctx context.Context, key, token string) (cache.ClaimState, error)
	// Complete records key as routed.
	Complete(ctx context.Context, key string) error
	// Release drops the claim held by token after a failed enqueue.
	Release(ctx context.Context, key, token string) error
}

// DefaultClaimTTL bounds how long a crashed router can hold a key.
const DefaultClaimTTL = 5 * time.Minute

// RedisLedger keeps the ledger in Redis so every router instance shares it.
type RedisLedger struct {
	cache    cache.Cache
	claimTTL time.Duration
	doneTTL  time.Duration
}

var _ Ledger = (*RedisLedger)(nil)

// NewRedisLedger keeps completed keys for doneTTL.
func NewRedisLedger(c cache.Cache, doneTTL time.Duration) *RedisLedger {
	return &RedisLedger{cache: c, claimTTL: DefaultClaimTTL, doneTTL: doneTTL}
}

func (l *RedisLedger) Claim(ctx context.Context, key, token string) (cache.ClaimState, error) {
	return l.cache.Claim(ctx, key, token, l.claimTTL)
}

func (l *RedisLedger) Complete(ctx context.Context, key string) error {
	return l.cache.Complete(ctx, key, l.doneTTL)
}

func (l *RedisLedger) Release(ctx context.Context, key, token string) error {
	return l.cache.Release(ctx, key, token)
}

type memoryEntry struct {
	token string
	done  bool
}

// MemoryLedger is a process-local ledger. It grows without bound and is
// lost on restart.
type MemoryLedger struct {
	mu   sync.Mutex
	keys map[string]memoryEntry
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[string]memoryEntry)}
}

func (l *MemoryLedger) Claim(_ context.Context, key, token string) (cache.ClaimState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.keys[key]
	switch {
	case !ok:
		l.keys[key] = memoryEntry{token: token}
		return cache.ClaimAcquired, nil
	case e.done:
		return cache.ClaimCompleted, nil
	default:
		return cache.ClaimPending, nil
	}
}

func (l *MemoryLedger) Complete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys[key] = memoryEntry{done: true}
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.keys[key]; ok && !e.done && e.token == token {
		delete(l.keys, key)
	}
	return nil
}

// Len returns the number of tracked keys.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
