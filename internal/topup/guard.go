package topup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/metering/pkg/cache"
	"github.com/google/uuid"
)

// Guard allows at most one top-up in flight per organization.
type Guard interface {
	Acquire(ctx context.Context, orgID uuid.UUID) (bool, error)
	Release(ctx context.Context, orgID uuid.UUID) error
}

// RedisGuard coordinates top-ups across replicas. The TTL frees the slot if a
// worker dies mid-payment.
type RedisGuard struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewRedisGuard creates a Redis-backed in-flight guard
func NewRedisGuard(c *cache.Cache, ttl time.Duration) *RedisGuard {
	return &RedisGuard{cache: c, ttl: ttl}
}

func guardKey(orgID uuid.UUID) string {
	return fmt.Sprintf("topup:inflight:%s", orgID)
}

func (g *RedisGuard) Acquire(ctx context.Context, orgID uuid.UUID) (bool, error) {
	return g.cache.SetNX(ctx, guardKey(orgID), time.Now().UTC().Format(time.RFC3339), g.ttl)
}

func (g *RedisGuard) Release(ctx context.Context, orgID uuid.UUID) error {
	return g.cache.Delete(ctx, guardKey(orgID))
}

// MemoryGuard is the single-process guard used when Redis is disabled.
type MemoryGuard struct {
	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

// NewMemoryGuard creates an in-process guard
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{inflight: make(map[uuid.UUID]struct{})}
}

func (g *MemoryGuard) Acquire(ctx context.Context, orgID uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[orgID]; busy {
		return false, nil
	}
	g.inflight[orgID] = struct{}{}
	return true, nil
}

func (g *MemoryGuard) Release(ctx context.Context, orgID uuid.UUID) error {
	g.mu.Lock()
	delete(g.inflight, orgID)
	g.mu.Unlock()
	return nil
}
