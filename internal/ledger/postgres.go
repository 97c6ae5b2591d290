package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering/pkg/database"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// Postgres error codes treated as retryable contention.
const (
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

const organizationColumns = `id, name, credit_balance, credit_threshold, auto_top_up_enabled,
	auto_top_up_amount, stripe_customer_id, created_at, updated_at, deleted_at`

const transactionColumns = `id, organization_id, user_id, amount, balance_after, type,
	description, request_id, metadata, created_at`

// PostgresStore keeps balances in organizations.credit_balance and the log in
// credit_transactions. Apply serializes per organization with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db          *database.Database
	lockTimeout time.Duration
}

// NewPostgresStore creates a ledger store. lockTimeout bounds the row lock wait
// for each unit of work.
func NewPostgresStore(db *database.Database, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

// CreateOrganization inserts the organization and any grant in one transaction.
func (s *PostgresStore) CreateOrganization(ctx context.Context, org *models.Organization, grant *Mutation) error {
	now := time.Now().UTC()
	org.CreditBalance = decimal.Zero
	if grant != nil {
		org.CreditBalance = grant.Amount
	}
	org.CreatedAt = now
	org.UpdatedAt = now

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO organizations (id, name, credit_balance, credit_threshold, auto_top_up_enabled,
				auto_top_up_amount, stripe_customer_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		`, org.ID, org.Name, org.CreditBalance, org.CreditThreshold, org.AutoTopUpEnabled,
			org.AutoTopUpAmount, org.StripeCustomerID, now); err != nil {
			return err
		}
		if grant == nil {
			return nil
		}

		metadata := grant.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO credit_transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, uuid.New(), org.ID, grant.UserID, grant.Amount, grant.Amount, string(grant.Type),
			grant.Description, models.StringPtr(""), metadata, now)
		return err
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrOrganizationExists, org.ID)
	}
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT `+organizationColumns+`
		FROM organizations
		WHERE id = $1 AND deleted_at IS NULL
	`, id)

	org, err := scanOrganization(row)
	if err != nil {
		return nil, err
	}
	return org, nil
}

func (s *PostgresStore) UpdateAutoTopUp(ctx context.Context, id uuid.UUID, settings models.AutoTopUpSettings) (*models.Organization, error) {
	row := s.db.Pool.QueryRow(ctx, `
		UPDATE organizations
		SET auto_top_up_enabled = $2,
			credit_threshold = $3,
			auto_top_up_amount = $4,
			stripe_customer_id = COALESCE($5, stripe_customer_id),
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+organizationColumns,
		id, settings.Enabled, settings.Threshold, settings.Amount, settings.StripeCustomerID,
	)
	return scanOrganization(row)
}

func (s *PostgresStore) DeleteOrganization(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE organizations
		SET deleted_at = COALESCE(deleted_at, NOW()), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrganizationNotFound
	}
	return nil
}

// Apply locks the organization row, checks the floor, and writes the
// transaction and the new cached balance before committing.
func (s *PostgresStore) Apply(ctx context.Context, m Mutation) (Posting, error) {
	var posting Posting

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return err
		}

		org, err := scanOrganization(tx.QueryRow(ctx, `
			SELECT `+organizationColumns+`
			FROM organizations
			WHERE id = $1
			FOR UPDATE
		`, m.OrganizationID))
		if err != nil {
			return err
		}
		if org.DeletedAt != nil {
			return ErrOrganizationNotFound
		}
		balance := org.CreditBalance

		if m.RequestID != "" && m.Type == models.TransactionTypeUsage {
			existing, err := scanTransaction(tx.QueryRow(ctx, `
				SELECT `+transactionColumns+`
				FROM credit_transactions
				WHERE organization_id = $1 AND request_id = $2 AND type = 'usage'
			`, m.OrganizationID, m.RequestID))
			if err == nil {
				posting = Posting{Transaction: existing, Organization: org, Replayed: true}
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}

		next := balance.Add(m.Amount)
		if m.Floor != nil && m.Amount.IsNegative() && next.LessThan(*m.Floor) {
			return &InsufficientBalanceError{
				OrganizationID: m.OrganizationID,
				Balance:        balance,
				Requested:      m.Amount.Neg(),
				Floor:          *m.Floor,
			}
		}

		metadata := m.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}

		t := &models.LedgerTransaction{
			ID:             uuid.New(),
			OrganizationID: m.OrganizationID,
			UserID:         m.UserID,
			Amount:         m.Amount,
			BalanceAfter:   next,
			Type:           m.Type,
			Description:    m.Description,
			RequestID:      models.StringPtr(m.RequestID),
			Metadata:       m.Metadata,
			CreatedAt:      time.Now().UTC(),
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO credit_transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, t.ID, t.OrganizationID, t.UserID, t.Amount, t.BalanceAfter, string(t.Type),
			t.Description, t.RequestID, metadata, t.CreatedAt); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE organizations
			SET credit_balance = $2, updated_at = $3
			WHERE id = $1
		`, m.OrganizationID, next, t.CreatedAt); err != nil {
			return err
		}

		org.CreditBalance = next
		org.UpdatedAt = t.CreatedAt
		posting = Posting{Transaction: t, Organization: org}
		return nil
	})
	if err != nil {
		return Posting{}, mapError(err)
	}
	return posting, nil
}

// ListTransactions returns the newest transactions first.
func (s *PostgresStore) ListTransactions(ctx context.Context, orgID uuid.UUID, limit int) ([]models.LedgerTransaction, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE organization_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var txs []models.LedgerTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return txs, nil
}

// Reconcile holds a share lock on the organization row so no debit commits between the two reads.
func (s *PostgresStore) Reconcile(ctx context.Context, orgID uuid.UUID) (Reconciliation, error) {
	r := Reconciliation{OrganizationID: orgID}

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT credit_balance FROM organizations WHERE id = $1 FOR SHARE
		`, orgID).Scan(&r.CachedBalance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrganizationNotFound
		}
		if err != nil {
			return err
		}

		return tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(amount), 0), COUNT(*)
			FROM credit_transactions
			WHERE organization_id = $1
		`, orgID).Scan(&r.LedgerSum, &r.Transactions)
	})
	if err != nil {
		return Reconciliation{}, mapError(err)
	}

	r.Drift = r.CachedBalance.Sub(r.LedgerSum)
	r.CheckedAt = time.Now().UTC()
	return r, nil
}

func (s *PostgresStore) Health(ctx context.Context) error {
	if err := s.db.Health(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func scanOrganization(row pgx.Row) (*models.Organization, error) {
	var org models.Organization
	err := row.Scan(
		&org.ID, &org.Name, &org.CreditBalance, &org.CreditThreshold, &org.AutoTopUpEnabled,
		&org.AutoTopUpAmount, &org.StripeCustomerID, &org.CreatedAt, &org.UpdatedAt, &org.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &org, nil
}

func scanTransaction(row pgx.Row) (*models.LedgerTransaction, error) {
	var t models.LedgerTransaction
	var txType string
	err := row.Scan(
		&t.ID, &t.OrganizationID, &t.UserID, &t.Amount, &t.BalanceAfter, &txType,
		&t.Description, &t.RequestID, &t.Metadata, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = models.TransactionType(txType)
	return &t, nil
}

// mapError translates driver errors into ledger sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrWriteConflict, pgErr.Message)
		case pgUniqueViolation:
			// concurrent insert of the same request id; the retry observes it as a replay
			return fmt.Errorf("%w: %s", ErrWriteConflict, pgErr.Message)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return err
}
