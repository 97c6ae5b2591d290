package usage

import (
	"context"
	"sync"
	"time"

	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps usage records in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	records   []models.UsageRecord
	byRequest map[string]uuid.UUID
}

// NewMemoryStore creates an empty in-memory usage store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRequest: make(map[string]uuid.UUID)}
}

func (s *MemoryStore) Insert(ctx context.Context, rec *models.UsageRecord) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.RequestID != nil {
		key := dedupKey(rec.OrganizationID, *rec.RequestID)
		if id, ok := s.byRequest[key]; ok {
			return id, true, nil
		}
		s.byRequest[key] = rec.ID
	}

	s.records = append(s.records, *rec)
	return rec.ID, false, nil
}

func (s *MemoryStore) Summarize(ctx context.Context, orgID uuid.UUID, start, end time.Time) ([]ProviderUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byProvider := make(map[string]*ProviderUsage)
	for _, rec := range s.records {
		if rec.OrganizationID != orgID || rec.CreatedAt.Before(start) || !rec.CreatedAt.Before(end) {
			continue
		}
		pu, ok := byProvider[rec.Provider]
		if !ok {
			pu = &ProviderUsage{Provider: rec.Provider, Cost: decimal.Zero}
			byProvider[rec.Provider] = pu
		}
		pu.Requests++
		pu.InputUnits += rec.InputUnits
		pu.OutputUnits += rec.OutputUnits
		if rec.Success {
			pu.Cost = pu.Cost.Add(rec.Cost)
		} else {
			pu.FailedRequests++
		}
	}

	out := make([]ProviderUsage, 0, len(byProvider))
	for _, pu := range byProvider {
		out = append(out, *pu)
	}
	sortProviders(out)
	return out, nil
}

// List returns records in [start, end), newest first.
func (s *MemoryStore) List(ctx context.Context, orgID uuid.UUID, start, end time.Time, limit int) ([]models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.UsageRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.records[i]
		if rec.OrganizationID != orgID || rec.CreatedAt.Before(start) || !rec.CreatedAt.Before(end) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
