package usage

import (
	"context"
	"time"

	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
)

// Store persists usage records. Records are write-once and unique per
// (organization, request id) when a request id is present.
type Store interface {
	// Insert writes rec. When a record with the same request id exists, it
	// returns that record's id with duplicate set and writes nothing.
	Insert(ctx context.Context, rec *models.UsageRecord) (id uuid.UUID, duplicate bool, err error)

	Summarize(ctx context.Context, orgID uuid.UUID, start, end time.Time) ([]ProviderUsage, error)
	List(ctx context.Context, orgID uuid.UUID, start, end time.Time, limit int) ([]models.UsageRecord, error)
}
