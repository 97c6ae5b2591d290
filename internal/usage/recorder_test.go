package usage

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupDedupCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	port, _ := strconv.Atoi(mr.Port())
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port, PoolSize: 2})
	if err != nil {
		mr.Close()
		t.Fatalf("failed to init cache: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		mr.Close()
	})
	return c, mr
}

func usageRecord(orgID uuid.UUID, provider, requestID string, cost string, success bool) *models.UsageRecord {
	return &models.UsageRecord{
		OrganizationID: orgID,
		Provider:       provider,
		Model:          "gpt-4",
		InputUnits:     1000,
		OutputUnits:    500,
		Cost:           decimal.RequireFromString(cost),
		Success:        success,
		RequestID:      models.StringPtr(requestID),
	}
}

func TestRecorderDedup(t *testing.T) {
	c, mr := setupDedupCache(t)

	dedupers := map[string]Deduper{
		"redis":  NewRedisDeduper(c, time.Hour),
		"memory": NewMemoryDeduper(time.Hour),
	}

	for name, dedup := range dedupers {
		t.Run(name, func(t *testing.T) {
			store := NewMemoryStore()
			rec := NewRecorder(store, dedup, time.Second, zap.NewNop())
			ctx := context.Background()
			orgID := uuid.New()

			first, err := rec.Record(ctx, usageRecord(orgID, "openai", "req-1", "0.06", true))
			require.NoError(t, err)

			second, err := rec.Record(ctx, usageRecord(orgID, "openai", "req-1", "0.06", true))
			require.NoError(t, err)
			assert.Equal(t, first, second)

			other, err := rec.Record(ctx, usageRecord(uuid.New(), "openai", "req-1", "0.06", true))
			require.NoError(t, err)
			assert.NotEqual(t, first, other)

			records, err := store.List(ctx, orgID, time.Time{}, time.Now().Add(time.Hour), 10)
			require.NoError(t, err)
			assert.Len(t, records, 1)
			assert.Equal(t, int64(1500), records[0].TotalUnits)
		})
	}

	t.Run("redis reservation holds the record id", func(t *testing.T) {
		orgID := uuid.New()
		rec := NewRecorder(NewMemoryStore(), NewRedisDeduper(c, time.Minute), time.Second, zap.NewNop())

		id, err := rec.Record(context.Background(), usageRecord(orgID, "anthropic", "req-ttl", "0.01", true))
		require.NoError(t, err)

		key := "usage:dedup:" + orgID.String() + ":req-ttl"
		got, err := mr.Get(key)
		require.NoError(t, err)
		assert.Equal(t, id.String(), got)
		assert.Equal(t, time.Minute, mr.TTL(key))
	})
}

func TestRecorderConcurrentDuplicates(t *testing.T) {
	c, _ := setupDedupCache(t)
	store := NewMemoryStore()
	rec := NewRecorder(store, NewRedisDeduper(c, time.Hour), time.Second, zap.NewNop())
	orgID := uuid.New()

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := rec.Record(context.Background(), usageRecord(orgID, "openai", "req-race", "0.06", true))
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	records, err := store.List(context.Background(), orgID, time.Time{}, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRecorderWithoutRequestID(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, NewMemoryDeduper(time.Hour), time.Second, zap.NewNop())
	orgID := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := rec.Record(context.Background(), usageRecord(orgID, "openai", "", "0.06", true))
		require.NoError(t, err)
	}

	records, err := store.List(context.Background(), orgID, time.Time{}, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (s *failingStore) Insert(ctx context.Context, rec *models.UsageRecord) (uuid.UUID, bool, error) {
	if s.fail {
		return uuid.Nil, false, errors.New("connection refused")
	}
	return s.MemoryStore.Insert(ctx, rec)
}

func TestRecorderReleasesReservationOnFailure(t *testing.T) {
	c, _ := setupDedupCache(t)
	store := &failingStore{MemoryStore: NewMemoryStore(), fail: true}
	rec := NewRecorder(store, NewRedisDeduper(c, time.Hour), time.Second, zap.NewNop())
	orgID := uuid.New()

	_, err := rec.Record(context.Background(), usageRecord(orgID, "openai", "req-retry", "0.06", true))
	require.Error(t, err)

	store.fail = false
	id, err := rec.Record(context.Background(), usageRecord(orgID, "openai", "req-retry", "0.06", true))
	require.NoError(t, err)

	records, err := store.List(context.Background(), orgID, time.Time{}, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)
}

func TestRecorderDuplicateOfUnwrittenHolder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	dedup := NewMemoryDeduper(time.Hour)
	rec := NewRecorder(store, dedup, time.Second, zap.NewNop())
	orgID := uuid.New()

	// another writer holds the reservation but has not stored its record
	holder := uuid.New()
	acquired, _, err := dedup.Reserve(ctx, orgID, "req-inflight", holder)
	require.NoError(t, err)
	require.True(t, acquired)

	id, err := rec.Record(ctx, usageRecord(orgID, "openai", "req-inflight", "0.06", true))
	require.NoError(t, err)
	assert.Equal(t, holder, id)

	records, err := store.List(ctx, orgID, time.Time{}, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, records)

	// the holder's write failed and released; the next retry is stored
	require.NoError(t, dedup.Release(ctx, orgID, "req-inflight"))
	id, err = rec.Record(ctx, usageRecord(orgID, "openai", "req-inflight", "0.06", true))
	require.NoError(t, err)
	assert.NotEqual(t, holder, id)

	records, err = store.List(ctx, orgID, time.Time{}, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)
}

func TestRecorderSurvivesRedisOutage(t *testing.T) {
	c, mr := setupDedupCache(t)
	store := NewMemoryStore()
	rec := NewRecorder(store, NewRedisDeduper(c, time.Hour), time.Second, zap.NewNop())
	orgID := uuid.New()

	mr.Close()

	first, err := rec.Record(context.Background(), usageRecord(orgID, "openai", "req-down", "0.06", false))
	require.NoError(t, err)
	second, err := rec.Record(context.Background(), usageRecord(orgID, "openai", "req-down", "0.06", false))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRecorderSummary(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, nil, time.Second, zap.NewNop())
	ctx := context.Background()
	orgID := uuid.New()

	inputs := []*models.UsageRecord{
		usageRecord(orgID, "openai", "a", "0.06", true),
		usageRecord(orgID, "openai", "b", "0.06", true),
		usageRecord(orgID, "openai", "c", "0.06", false),
		usageRecord(orgID, "anthropic", "d", "0.0525", true),
		usageRecord(orgID, "storage", "e", "0.5", true),
		usageRecord(uuid.New(), "openai", "f", "9", true),
	}
	for _, r := range inputs {
		_, err := rec.Record(ctx, r)
		require.NoError(t, err)
	}

	period, err := ParsePeriod("day", "", "", time.Now())
	require.NoError(t, err)
	period.End = time.Now().Add(time.Minute)

	summary, err := rec.Summary(ctx, orgID, period)
	require.NoError(t, err)

	assert.Equal(t, int64(5), summary.TotalRequests)
	assert.Equal(t, int64(1), summary.FailedRequests)
	assert.True(t, summary.TotalCost.Equal(decimal.RequireFromString("0.6725")), "got %s", summary.TotalCost)

	require.Len(t, summary.Providers, 3)
	assert.Equal(t, "storage", summary.Providers[0].Provider)
	assert.Equal(t, "openai", summary.Providers[1].Provider)
	assert.Equal(t, int64(3), summary.Providers[1].Requests)
	assert.Equal(t, int64(1), summary.Providers[1].FailedRequests)
	assert.True(t, summary.Providers[1].Cost.Equal(decimal.RequireFromString("0.12")))
	assert.Equal(t, "anthropic", summary.Providers[2].Provider)
}

func TestParsePeriod(t *testing.T) {
	now := time.Date(2025, 3, 18, 15, 30, 0, 0, time.UTC)

	p, err := ParsePeriod("day", "", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 18, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, now, p.End)

	p, err = ParsePeriod("", "", "", now)
	require.NoError(t, err)
	assert.Equal(t, "month", p.Name)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), p.Start)

	p, err = ParsePeriod("week", "", "", now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -7), p.Start)

	p, err = ParsePeriod("", "2025-03-01", "2025-03-10", now)
	require.NoError(t, err)
	assert.Equal(t, "custom", p.Name)
	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), p.End)

	p, err = ParsePeriod("", "2025-03-01T12:00:00Z", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, now, p.End)

	_, err = ParsePeriod("fortnight", "", "", now)
	assert.Error(t, err)

	_, err = ParsePeriod("", "2025-03-10", "2025-03-01", now)
	assert.Error(t, err)

	_, err = ParsePeriod("", "yesterday", "", now)
	assert.Error(t, err)
}
