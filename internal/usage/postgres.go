package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering/pkg/database"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const recordColumns = `id, organization_id, api_key_id, provider, model, operation, input_units,
	output_units, total_units, cost, duration_ms, success, error_message, request_id, metadata, created_at`

// PostgresStore writes usage records to usage_records. It never touches the
// ledger tables, so usage writes do not contend for balance locks.
type PostgresStore struct {
	db *database.Database
}

// NewPostgresStore creates a usage store
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, rec *models.UsageRecord) (uuid.UUID, bool, error) {
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	tag, err := s.db.Pool.Exec(ctx, `
		INSERT INTO usage_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (organization_id, request_id) WHERE request_id IS NOT NULL DO NOTHING
	`,
		rec.ID, rec.OrganizationID, rec.APIKeyID, rec.Provider, rec.Model, rec.Operation,
		rec.InputUnits, rec.OutputUnits, rec.TotalUnits, rec.Cost, rec.DurationMs,
		rec.Success, rec.ErrorMessage, rec.RequestID, metadata, rec.CreatedAt,
	)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to insert usage record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return rec.ID, false, nil
	}

	var existing uuid.UUID
	err = s.db.Pool.QueryRow(ctx, `
		SELECT id FROM usage_records WHERE organization_id = $1 AND request_id = $2
	`, rec.OrganizationID, rec.RequestID).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, fmt.Errorf("usage record conflict for request %v but no row found", rec.RequestID)
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to load duplicate usage record: %w", err)
	}
	return existing, true, nil
}

func (s *PostgresStore) Summarize(ctx context.Context, orgID uuid.UUID, start, end time.Time) ([]ProviderUsage, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT
			provider,
			COUNT(*) AS requests,
			COUNT(*) FILTER (WHERE NOT success) AS failed_requests,
			COALESCE(SUM(input_units), 0) AS input_units,
			COALESCE(SUM(output_units), 0) AS output_units,
			COALESCE(SUM(cost) FILTER (WHERE success), 0) AS cost
		FROM usage_records
		WHERE organization_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY provider
		ORDER BY cost DESC, provider
	`, orgID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer rows.Close()

	var out []ProviderUsage
	for rows.Next() {
		var pu ProviderUsage
		if err := rows.Scan(&pu.Provider, &pu.Requests, &pu.FailedRequests, &pu.InputUnits, &pu.OutputUnits, &pu.Cost); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		out = append(out, pu)
	}
	return out, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context, orgID uuid.UUID, start, end time.Time, limit int) ([]models.UsageRecord, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM usage_records
		WHERE organization_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, orgID, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var out []models.UsageRecord
	for rows.Next() {
		var rec models.UsageRecord
		if err := rows.Scan(
			&rec.ID, &rec.OrganizationID, &rec.APIKeyID, &rec.Provider, &rec.Model, &rec.Operation,
			&rec.InputUnits, &rec.OutputUnits, &rec.TotalUnits, &rec.Cost, &rec.DurationMs,
			&rec.Success, &rec.ErrorMessage, &rec.RequestID, &rec.Metadata, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
