package ledger

import (
	"context"
	"time"

	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Mutation is one signed balance change applied atomically with its transaction row.
type Mutation struct {
	OrganizationID uuid.UUID
	UserID         *uuid.UUID

	// Amount is positive for credits, negative for debits, zero for audit notes.
	Amount decimal.Decimal

	// Floor, when set, rejects the mutation if the resulting balance would fall below it.
	Floor *decimal.Decimal

	Type        models.TransactionType
	Description string

	// RequestID makes usage debits idempotent per organization.
	RequestID string
	Metadata  map[string]any
}

// Posting is the outcome of applying a mutation.
type Posting struct {
	Transaction *models.LedgerTransaction

	// Organization is the state committed with the transaction.
	Organization *models.Organization

	// Replayed is set when a usage debit with the same request id was already committed.
	Replayed bool
}

// Reconciliation compares the denormalized balance with the ledger it caches.
type Reconciliation struct {
	OrganizationID uuid.UUID       `json:"organization_id"`
	CachedBalance  decimal.Decimal `json:"cached_balance"`
	LedgerSum      decimal.Decimal `json:"ledger_sum"`
	Drift          decimal.Decimal `json:"drift"`
	Transactions   int64           `json:"transactions"`
	CheckedAt      time.Time       `json:"checked_at"`
}

// Consistent reports whether the cached balance equals the ledger sum.
func (r Reconciliation) Consistent() bool {
	return r.Drift.IsZero()
}

// Store persists organizations and their transactions. Apply must lock the
// organization, check the floor, insert the transaction and update the cached
// balance as one unit of work.
type Store interface {
	// CreateOrganization registers org. A non-nil grant is posted as its first
	// transaction in the same unit of work.
	CreateOrganization(ctx context.Context, org *models.Organization, grant *Mutation) error
	GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	UpdateAutoTopUp(ctx context.Context, id uuid.UUID, settings models.AutoTopUpSettings) (*models.Organization, error)
	DeleteOrganization(ctx context.Context, id uuid.UUID) error

	Apply(ctx context.Context, m Mutation) (Posting, error)

	ListTransactions(ctx context.Context, orgID uuid.UUID, limit int) ([]models.LedgerTransaction, error)

	// Reconcile compares the cached balance to the transaction sum under the organization lock.
	Reconcile(ctx context.Context, orgID uuid.UUID) (Reconciliation, error)

	Health(ctx context.Context) error
}
