package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is a process-local Store. Each organization has a one-slot lock
// channel so waiters can give up when their context expires.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*memoryAccount
	now      func() time.Time
}

type memoryAccount struct {
	lock      chan struct{}
	org       models.Organization
	txs       []models.LedgerTransaction
	byRequest map[string]int
}

// NewMemoryStore creates an empty in-memory ledger store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[uuid.UUID]*memoryAccount),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) account(id uuid.UUID) (*memoryAccount, error) {
	s.mu.RLock()
	acct, ok := s.accounts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrOrganizationNotFound
	}
	return acct, nil
}

// acquire blocks until the organization lock is held or ctx is done.
func (a *memoryAccount) acquire(ctx context.Context) error {
	select {
	case a.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for organization lock: %v", ErrUnavailable, ctx.Err())
	}
}

func (a *memoryAccount) release() {
	<-a.lock
}

// CreateOrganization registers org with a zero balance plus any grant.
func (s *MemoryStore) CreateOrganization(ctx context.Context, org *models.Organization, grant *Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[org.ID]; exists {
		return fmt.Errorf("%w: %s", ErrOrganizationExists, org.ID)
	}

	now := s.now()
	org.CreditBalance = decimal.Zero
	org.CreatedAt = now
	org.UpdatedAt = now

	acct := &memoryAccount{
		lock:      make(chan struct{}, 1),
		byRequest: make(map[string]int),
	}
	if grant != nil {
		org.CreditBalance = grant.Amount
		acct.txs = append(acct.txs, models.LedgerTransaction{
			ID:             uuid.New(),
			OrganizationID: org.ID,
			UserID:         grant.UserID,
			Amount:         grant.Amount,
			BalanceAfter:   grant.Amount,
			Type:           grant.Type,
			Description:    grant.Description,
			Metadata:       copyMetadata(grant.Metadata),
			CreatedAt:      now,
		})
	}
	acct.org = *org

	s.accounts[org.ID] = acct
	return nil
}

func (s *MemoryStore) GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	acct, err := s.account(id)
	if err != nil {
		return nil, err
	}
	if err := acct.acquire(ctx); err != nil {
		return nil, err
	}
	defer acct.release()

	if acct.org.DeletedAt != nil {
		return nil, ErrOrganizationNotFound
	}
	org := acct.org
	return &org, nil
}

func (s *MemoryStore) UpdateAutoTopUp(ctx context.Context, id uuid.UUID, settings models.AutoTopUpSettings) (*models.Organization, error) {
	acct, err := s.account(id)
	if err != nil {
		return nil, err
	}
	if err := acct.acquire(ctx); err != nil {
		return nil, err
	}
	defer acct.release()

	if acct.org.DeletedAt != nil {
		return nil, ErrOrganizationNotFound
	}

	acct.org.AutoTopUpEnabled = settings.Enabled
	acct.org.CreditThreshold = settings.Threshold
	acct.org.AutoTopUpAmount = settings.Amount
	if settings.StripeCustomerID != nil {
		acct.org.StripeCustomerID = settings.StripeCustomerID
	}
	acct.org.UpdatedAt = s.now()

	org := acct.org
	return &org, nil
}

func (s *MemoryStore) DeleteOrganization(ctx context.Context, id uuid.UUID) error {
	acct, err := s.account(id)
	if err != nil {
		return err
	}
	if err := acct.acquire(ctx); err != nil {
		return err
	}
	defer acct.release()

	if acct.org.DeletedAt == nil {
		now := s.now()
		acct.org.DeletedAt = &now
		acct.org.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) Apply(ctx context.Context, m Mutation) (Posting, error) {
	acct, err := s.account(m.OrganizationID)
	if err != nil {
		return Posting{}, err
	}
	if err := acct.acquire(ctx); err != nil {
		return Posting{}, err
	}
	defer acct.release()

	if acct.org.DeletedAt != nil {
		return Posting{}, ErrOrganizationNotFound
	}

	if m.RequestID != "" && m.Type == models.TransactionTypeUsage {
		if idx, ok := acct.byRequest[m.RequestID]; ok {
			tx := acct.txs[idx]
			org := acct.org
			return Posting{Transaction: &tx, Organization: &org, Replayed: true}, nil
		}
	}

	balance := acct.org.CreditBalance
	next := balance.Add(m.Amount)
	if m.Floor != nil && m.Amount.IsNegative() && next.LessThan(*m.Floor) {
		return Posting{}, &InsufficientBalanceError{
			OrganizationID: m.OrganizationID,
			Balance:        balance,
			Requested:      m.Amount.Neg(),
			Floor:          *m.Floor,
		}
	}

	tx := models.LedgerTransaction{
		ID:             uuid.New(),
		OrganizationID: m.OrganizationID,
		UserID:         m.UserID,
		Amount:         m.Amount,
		BalanceAfter:   next,
		Type:           m.Type,
		Description:    m.Description,
		RequestID:      models.StringPtr(m.RequestID),
		Metadata:       copyMetadata(m.Metadata),
		CreatedAt:      s.now(),
	}

	acct.txs = append(acct.txs, tx)
	if tx.RequestID != nil && tx.Type == models.TransactionTypeUsage {
		acct.byRequest[*tx.RequestID] = len(acct.txs) - 1
	}
	acct.org.CreditBalance = next
	acct.org.UpdatedAt = tx.CreatedAt

	org := acct.org
	return Posting{Transaction: &tx, Organization: &org}, nil
}

// ListTransactions returns the newest transactions first.
func (s *MemoryStore) ListTransactions(ctx context.Context, orgID uuid.UUID, limit int) ([]models.LedgerTransaction, error) {
	acct, err := s.account(orgID)
	if err != nil {
		return nil, err
	}
	if err := acct.acquire(ctx); err != nil {
		return nil, err
	}
	defer acct.release()

	out := make([]models.LedgerTransaction, 0, min(limit, len(acct.txs)))
	for i := len(acct.txs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, acct.txs[i])
	}
	return out, nil
}

func (s *MemoryStore) Reconcile(ctx context.Context, orgID uuid.UUID) (Reconciliation, error) {
	acct, err := s.account(orgID)
	if err != nil {
		return Reconciliation{}, err
	}
	if err := acct.acquire(ctx); err != nil {
		return Reconciliation{}, err
	}
	defer acct.release()

	sum := decimal.Zero
	for _, tx := range acct.txs {
		sum = sum.Add(tx.Amount)
	}
	return Reconciliation{
		OrganizationID: orgID,
		CachedBalance:  acct.org.CreditBalance,
		LedgerSum:      sum,
		Drift:          acct.org.CreditBalance.Sub(sum),
		Transactions:   int64(len(acct.txs)),
		CheckedAt:      s.now(),
	}, nil
}

func (s *MemoryStore) Health(ctx context.Context) error {
	return nil
}

func copyMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
