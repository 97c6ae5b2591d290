package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/metering/pkg/cache"
	"github.com/google/uuid"
)

// Deduper reserves request ids for the dedup window so retried events map to
// the record id that was assigned first.
//
// A reservation is taken before the record is written. A duplicate that
// arrives while the holder is still writing receives the holder's id, which
// names no stored record if that write then fails and the reservation is
// released. Later retries reserve afresh.
type Deduper interface {
	Reserve(ctx context.Context, orgID uuid.UUID, requestID string, recordID uuid.UUID) (acquired bool, holder uuid.UUID, err error)
	Release(ctx context.Context, orgID uuid.UUID, requestID string) error
}

// RedisDeduper shares reservations across replicas.
type RedisDeduper struct {
	cache  *cache.Cache
	window time.Duration
}

// NewRedisDeduper creates a Redis-backed deduper
func NewRedisDeduper(c *cache.Cache, window time.Duration) *RedisDeduper {
	return &RedisDeduper{cache: c, window: window}
}

func dedupKey(orgID uuid.UUID, requestID string) string {
	return fmt.Sprintf("usage:dedup:%s:%s", orgID, requestID)
}

func (d *RedisDeduper) Reserve(ctx context.Context, orgID uuid.UUID, requestID string, recordID uuid.UUID) (bool, uuid.UUID, error) {
	acquired, holder, err := d.cache.Reserve(ctx, dedupKey(orgID, requestID), recordID.String(), d.window)
	if err != nil {
		return false, uuid.Nil, fmt.Errorf("failed to reserve request id: %w", err)
	}
	if acquired {
		return true, recordID, nil
	}

	id, err := uuid.Parse(holder)
	if err != nil {
		return false, uuid.Nil, fmt.Errorf("corrupt dedup reservation %q: %w", holder, err)
	}
	return false, id, nil
}

func (d *RedisDeduper) Release(ctx context.Context, orgID uuid.UUID, requestID string) error {
	return d.cache.Delete(ctx, dedupKey(orgID, requestID))
}

// MemoryDeduper is the single-process fallback when Redis is disabled.
type MemoryDeduper struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]memoryReservation
	swept   time.Time
	now     func() time.Time
}

type memoryReservation struct {
	id      uuid.UUID
	expires time.Time
}

// NewMemoryDeduper creates an in-process deduper
func NewMemoryDeduper(window time.Duration) *MemoryDeduper {
	return &MemoryDeduper{
		window:  window,
		entries: make(map[string]memoryReservation),
		now:     time.Now,
	}
}

func (d *MemoryDeduper) Reserve(ctx context.Context, orgID uuid.UUID, requestID string, recordID uuid.UUID) (bool, uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.cleanupExpired(now)

	key := dedupKey(orgID, requestID)
	if r, ok := d.entries[key]; ok && now.Before(r.expires) {
		return false, r.id, nil
	}
	d.entries[key] = memoryReservation{id: recordID, expires: now.Add(d.window)}
	return true, recordID, nil
}

func (d *MemoryDeduper) Release(ctx context.Context, orgID uuid.UUID, requestID string) error {
	d.mu.Lock()
	delete(d.entries, dedupKey(orgID, requestID))
	d.mu.Unlock()
	return nil
}

// cleanupExpired sweeps at most once a minute.
func (d *MemoryDeduper) cleanupExpired(now time.Time) {
	if now.Sub(d.swept) < time.Minute {
		return
	}
	d.swept = now
	for key, r := range d.entries {
		if now.After(r.expires) {
			delete(d.entries, key)
		}
	}
}
