package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering/pkg/metrics"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Recorder is the append-only usage log. It accepts failed and zero-cost events
// and deduplicates by request id within the dedup window.
type Recorder struct {
	store        Store
	dedup        Deduper
	writeTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// NewRecorder creates a usage recorder. dedup may be nil, in which case only
// the store's uniqueness constraint applies.
func NewRecorder(store Store, dedup Deduper, writeTimeout time.Duration, logger *zap.Logger) *Recorder {
	if writeTimeout <= 0 {
		writeTimeout = 3 * time.Second
	}
	return &Recorder{
		store:        store,
		dedup:        dedup,
		writeTimeout: writeTimeout,
		logger:       logger.Named("usage"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Record stores rec and returns its id. A duplicate request id returns the id
// of the record reserved first; see Deduper for the window in which that
// record may not be durable yet.
func (r *Recorder) Record(ctx context.Context, rec *models.UsageRecord) (uuid.UUID, error) {
	if rec.OrganizationID == uuid.Nil {
		return uuid.Nil, errors.New("usage record requires an organization id")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	rec.TotalUnits = rec.InputUnits + rec.OutputUnits

	// detached from caller cancellation
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()

	reserved := false
	if rec.RequestID != nil && r.dedup != nil {
		acquired, holder, err := r.dedup.Reserve(ctx, rec.OrganizationID, *rec.RequestID, rec.ID)
		switch {
		case err != nil:
			r.logger.Warn("usage dedup unavailable, relying on store constraint",
				zap.String("org_id", rec.OrganizationID.String()),
				zap.String("request_id", *rec.RequestID),
				zap.Error(err),
			)
		case !acquired:
			metrics.UsageRecords.WithLabelValues("duplicate").Inc()
			r.logger.Debug("duplicate usage record skipped",
				zap.String("org_id", rec.OrganizationID.String()),
				zap.String("request_id", *rec.RequestID),
				zap.String("record_id", holder.String()),
			)
			return holder, nil
		default:
			reserved = true
		}
	}

	id, duplicate, err := r.store.Insert(ctx, rec)
	if (err != nil || duplicate) && reserved {
		// the reservation names rec.ID, which was never written
		if relErr := r.dedup.Release(ctx, rec.OrganizationID, *rec.RequestID); relErr != nil {
			r.logger.Warn("failed to release usage dedup reservation", zap.Error(relErr))
		}
	}
	if err != nil {
		metrics.UsageRecords.WithLabelValues("failed").Inc()
		return uuid.Nil, fmt.Errorf("failed to record usage: %w", err)
	}

	if duplicate {
		metrics.UsageRecords.WithLabelValues("duplicate").Inc()
		return id, nil
	}

	metrics.UsageRecords.WithLabelValues("recorded").Inc()
	return id, nil
}

// Summary aggregates an organization's usage by provider for the period.
func (r *Recorder) Summary(ctx context.Context, orgID uuid.UUID, period Period) (*Summary, error) {
	providers, err := r.store.Summarize(ctx, orgID, period.Start, period.End)
	if err != nil {
		return nil, err
	}
	return newSummary(orgID, period, providers), nil
}

// List returns the organization's usage records for the period, newest first.
func (r *Recorder) List(ctx context.Context, orgID uuid.UUID, period Period, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return r.store.List(ctx, orgID, period.Start, period.End, limit)
}
