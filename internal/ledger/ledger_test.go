package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestLedger(t *testing.T, opts Options) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	return New(store, opts, zap.NewNop()), store
}

func createOrg(t *testing.T, l *Ledger, initial string) *models.Organization {
	t.Helper()
	org, err := l.CreateOrganization(context.Background(), NewOrganization{
		Name:           "acme",
		InitialCredits: dec(initial),
		AutoTopUp: models.AutoTopUpSettings{
			Threshold: dec("10"),
			Amount:    dec("50"),
		},
	})
	require.NoError(t, err)
	return org
}

func TestDebitCredits(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{})
	org := createOrg(t, l, "100")

	t.Run("successful debit updates balance and appends transaction", func(t *testing.T) {
		posting, err := l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("30"), Description: "usage"})
		require.NoError(t, err)
		require.False(t, posting.Replayed)

		tx := posting.Transaction
		assert.True(t, tx.Amount.Equal(dec("-30")))
		assert.True(t, tx.BalanceAfter.Equal(dec("70")))
		assert.Equal(t, models.TransactionTypeUsage, tx.Type)

		balance, err := l.GetBalance(ctx, org.ID)
		require.NoError(t, err)
		assert.True(t, balance.Equal(dec("70")))

		txs, err := l.ListTransactions(ctx, org.ID, 10)
		require.NoError(t, err)
		require.Len(t, txs, 2)
		assert.Equal(t, tx.ID, txs[0].ID)
		assert.Equal(t, models.TransactionTypePurchase, txs[1].Type)
	})

	t.Run("debit beyond balance fails without mutating state", func(t *testing.T) {
		_, err := l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("200")})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInsufficientBalance))

		var insufficient *InsufficientBalanceError
		require.True(t, errors.As(err, &insufficient))
		assert.True(t, insufficient.Balance.Equal(dec("70")))
		assert.True(t, insufficient.Requested.Equal(dec("200")))

		balance, err := l.GetBalance(ctx, org.ID)
		require.NoError(t, err)
		assert.True(t, balance.Equal(dec("70")))

		txs, err := l.ListTransactions(ctx, org.ID, 10)
		require.NoError(t, err)
		assert.Len(t, txs, 2)
	})

	t.Run("debit to exactly the floor succeeds", func(t *testing.T) {
		posting, err := l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("70")})
		require.NoError(t, err)
		assert.True(t, posting.Transaction.BalanceAfter.IsZero())
	})

	t.Run("non-positive amounts rejected", func(t *testing.T) {
		_, err := l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: decimal.Zero})
		assert.True(t, errors.Is(err, ErrInvalidAmount))
		_, err = l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("-1")})
		assert.True(t, errors.Is(err, ErrInvalidAmount))
	})

	t.Run("unknown organization", func(t *testing.T) {
		_, err := l.DebitCredits(ctx, Debit{OrganizationID: uuid.New(), Amount: dec("1")})
		assert.True(t, errors.Is(err, ErrOrganizationNotFound))
	})
}

func TestDebitOverdraftFloor(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{Floor: dec("-5")})
	org := createOrg(t, l, "10")

	posting, err := l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("14")})
	require.NoError(t, err)
	assert.True(t, posting.Transaction.BalanceAfter.Equal(dec("-4")))

	_, err = l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("2")})
	assert.True(t, errors.Is(err, ErrInsufficientBalance))

	ok, err := l.CheckSufficientCredits(ctx, org.ID, dec("1"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentDebits(t *testing.T) {
	ctx := context.Background()

	t.Run("ten debits of ten against one hundred all succeed", func(t *testing.T) {
		l, _ := newTestLedger(t, Options{})
		org := createOrg(t, l, "100")

		var wg sync.WaitGroup
		var succeeded atomic.Int32
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("10")}); err == nil {
					succeeded.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(10), succeeded.Load())
		balance, err := l.GetBalance(ctx, org.ID)
		require.NoError(t, err)
		assert.True(t, balance.IsZero())

		_, err = l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("10")})
		assert.True(t, errors.Is(err, ErrInsufficientBalance))
	})

	t.Run("mixed credits and debits preserve the invariant", func(t *testing.T) {
		l, _ := newTestLedger(t, Options{})
		org := createOrg(t, l, "50")

		var wg sync.WaitGroup
		var debited, failed atomic.Int32
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%10 == 0 {
					_, err := l.AddCredits(ctx, Credit{OrganizationID: org.ID, Amount: dec("5"), Type: models.TransactionTypeRefund})
					assert.NoError(t, err)
					return
				}
				_, err := l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("1.5")})
				switch {
				case err == nil:
					debited.Add(1)
				case errors.Is(err, ErrInsufficientBalance):
					failed.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(90), debited.Load()+failed.Load())

		r, err := l.Reconcile(ctx, org.ID)
		require.NoError(t, err)
		assert.True(t, r.Consistent(), "drift %s", r.Drift)
		assert.False(t, r.CachedBalance.IsNegative())

		expected := dec("50").Add(dec("50")).Sub(dec("1.5").Mul(decimal.NewFromInt32(debited.Load())))
		assert.True(t, r.CachedBalance.Equal(expected), "balance %s, expected %s", r.CachedBalance, expected)

		txs, err := l.ListTransactions(ctx, org.ID, maxTransactionLimit)
		require.NoError(t, err)
		for _, tx := range txs {
			assert.False(t, tx.BalanceAfter.IsNegative())
		}
	})

	t.Run("organizations are independent", func(t *testing.T) {
		l, _ := newTestLedger(t, Options{})
		a := createOrg(t, l, "20")
		b := createOrg(t, l, "20")

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = l.DebitCredits(ctx, Debit{OrganizationID: a.ID, Amount: dec("1")})
			}()
			go func() {
				defer wg.Done()
				_, _ = l.DebitCredits(ctx, Debit{OrganizationID: b.ID, Amount: dec("2")})
			}()
		}
		wg.Wait()

		balA, err := l.GetBalance(ctx, a.ID)
		require.NoError(t, err)
		balB, err := l.GetBalance(ctx, b.ID)
		require.NoError(t, err)
		assert.True(t, balA.IsZero())
		assert.True(t, balB.IsZero())
	})
}

func TestDebitIdempotency(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{})
	org := createOrg(t, l, "100")

	first, err := l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("10"), RequestID: "req-1"})
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("10"), RequestID: "req-1"})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	balance, err := l.GetBalance(ctx, org.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("90")))

	other, err := l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("10"), RequestID: "req-2"})
	require.NoError(t, err)
	assert.False(t, other.Replayed)
}

func TestDebitTimeoutFailsClosed(t *testing.T) {
	l, store := newTestLedger(t, Options{Timeout: 50 * time.Millisecond})
	org := createOrg(t, l, "100")

	acct, err := store.account(org.ID)
	require.NoError(t, err)
	require.NoError(t, acct.acquire(context.Background()))
	defer acct.release()

	_, err = l.DebitCredits(context.Background(), Debit{OrganizationID: org.ID, Amount: dec("1")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.False(t, errors.Is(err, ErrInsufficientBalance))
}

type conflictStore struct {
	*MemoryStore
	conflicts atomic.Int32
	calls     atomic.Int32
}

func (s *conflictStore) Apply(ctx context.Context, m Mutation) (Posting, error) {
	s.calls.Add(1)
	if s.conflicts.Load() > 0 {
		s.conflicts.Add(-1)
		return Posting{}, ErrWriteConflict
	}
	return s.MemoryStore.Apply(ctx, m)
}

func TestWriteConflictRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("retried until success", func(t *testing.T) {
		store := &conflictStore{MemoryStore: NewMemoryStore()}
		l := New(store, Options{Timeout: time.Second, Retries: 3, RetryBackoff: time.Millisecond}, zap.NewNop())
		org := createOrg(t, l, "10")

		store.calls.Store(0)
		store.conflicts.Store(2)
		_, err := l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("1")})
		require.NoError(t, err)
		assert.Equal(t, int32(3), store.calls.Load())
	})

	t.Run("exhausted retries surface as unavailable", func(t *testing.T) {
		store := &conflictStore{MemoryStore: NewMemoryStore()}
		l := New(store, Options{Timeout: time.Second, Retries: 2, RetryBackoff: time.Millisecond}, zap.NewNop())
		org := createOrg(t, l, "10")

		store.calls.Store(0)
		store.conflicts.Store(5)
		_, err := l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("1")})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnavailable))
		assert.True(t, errors.Is(err, ErrWriteConflict))
		assert.Equal(t, int32(2), store.calls.Load())

		balance, err := l.GetBalance(ctx, org.ID)
		require.NoError(t, err)
		assert.True(t, balance.Equal(dec("10")))
	})

	t.Run("business errors are not retried", func(t *testing.T) {
		store := &conflictStore{MemoryStore: NewMemoryStore()}
		l := New(store, Options{Timeout: time.Second, Retries: 3, RetryBackoff: time.Millisecond}, zap.NewNop())
		org := createOrg(t, l, "1")

		store.calls.Store(0)
		_, err := l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("5")})
		assert.True(t, errors.Is(err, ErrInsufficientBalance))
		assert.Equal(t, int32(1), store.calls.Load())
	})
}

func TestAddCredits(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{})
	org := createOrg(t, l, "0")

	tx, err := l.AddCredits(ctx, Credit{OrganizationID: org.ID, Amount: dec("25.5"), Description: "purchase"})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionTypePurchase, tx.Type)
	assert.True(t, tx.BalanceAfter.Equal(dec("25.5")))

	_, err = l.AddCredits(ctx, Credit{OrganizationID: org.ID, Amount: dec("-1")})
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	_, err = l.AddCredits(ctx, Credit{OrganizationID: org.ID, Amount: dec("1"), Type: models.TransactionTypeUsage})
	assert.True(t, errors.Is(err, ErrInvalidAmount))
}

func TestRecordAudit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{})
	org := createOrg(t, l, "40")

	tx, err := l.RecordAudit(ctx, org.ID, "Auto top-up failed", map[string]any{"reason": "card_declined"})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionTypeAdjustment, tx.Type)
	assert.True(t, tx.Amount.IsZero())
	assert.True(t, tx.BalanceAfter.Equal(dec("40")))

	r, err := l.Reconcile(ctx, org.ID)
	require.NoError(t, err)
	assert.True(t, r.Consistent())
	assert.Equal(t, int64(2), r.Transactions)
}

func TestOrganizationLifecycle(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{})
	org := createOrg(t, l, "100")

	assert.True(t, org.CreditBalance.Equal(dec("100")))
	assert.False(t, org.AutoTopUpEnabled)

	customer := "cus_123"
	updated, err := l.UpdateAutoTopUp(ctx, org.ID, models.AutoTopUpSettings{
		Enabled: true, Threshold: dec("20"), Amount: dec("75"), StripeCustomerID: &customer,
	})
	require.NoError(t, err)
	assert.True(t, updated.AutoTopUpEnabled)
	assert.True(t, updated.CreditThreshold.Equal(dec("20")))
	require.NotNil(t, updated.StripeCustomerID)
	assert.Equal(t, customer, *updated.StripeCustomerID)

	_, err = l.UpdateAutoTopUp(ctx, org.ID, models.AutoTopUpSettings{Enabled: true})
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	require.NoError(t, l.DeleteOrganization(ctx, org.ID))

	_, err = l.GetOrganization(ctx, org.ID)
	assert.True(t, errors.Is(err, ErrOrganizationNotFound))
	_, err = l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("1")})
	assert.True(t, errors.Is(err, ErrOrganizationNotFound))

	r, err := l.Reconcile(ctx, org.ID)
	require.NoError(t, err)
	assert.True(t, r.LedgerSum.Equal(dec("100")))
}

type failingCreateStore struct {
	*MemoryStore
	failures int
}

func (s *failingCreateStore) CreateOrganization(ctx context.Context, org *models.Organization, grant *Mutation) error {
	if s.failures > 0 {
		s.failures--
		return ErrUnavailable
	}
	return s.MemoryStore.CreateOrganization(ctx, org, grant)
}

func TestCreateOrganizationWithGrant(t *testing.T) {
	ctx := context.Background()
	store := &failingCreateStore{MemoryStore: NewMemoryStore(), failures: 1}
	l := New(store, Options{Timeout: time.Second}, zap.NewNop())

	req := NewOrganization{ID: uuid.New(), Name: "acme", InitialCredits: dec("25")}

	_, err := l.CreateOrganization(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	_, err = l.GetOrganization(ctx, req.ID)
	assert.True(t, errors.Is(err, ErrOrganizationNotFound))

	// a retry with the same id is not blocked by a half-created organization
	org, err := l.CreateOrganization(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.ID, org.ID)
	assert.True(t, org.CreditBalance.Equal(dec("25")))

	txs, err := l.ListTransactions(ctx, org.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.TransactionTypePurchase, txs[0].Type)
	assert.True(t, txs[0].BalanceAfter.Equal(dec("25")))

	_, err = l.CreateOrganization(ctx, req)
	assert.True(t, errors.Is(err, ErrOrganizationExists))

	r, err := l.Reconcile(ctx, org.ID)
	require.NoError(t, err)
	assert.True(t, r.Consistent())
	assert.Equal(t, int64(1), r.Transactions)
}

func TestListTransactionsLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{})
	org := createOrg(t, l, "100")

	for i := 0; i < 5; i++ {
		_, err := l.DebitCredits(ctx, Debit{OrganizationID: org.ID, Amount: dec("1")})
		require.NoError(t, err)
	}

	txs, err := l.ListTransactions(ctx, org.ID, 3)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.True(t, txs[0].BalanceAfter.Equal(dec("95")))

	txs, err = l.ListTransactions(ctx, org.ID, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 6)
}
