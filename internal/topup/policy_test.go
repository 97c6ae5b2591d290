package topup

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/internal/ledger"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/events"
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

type fakePayments struct {
	mu      sync.Mutex
	calls   int32
	delay   time.Duration
	err     error
	charged []ChargeRequest
}

func (f *fakePayments) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.charged = append(f.charged, req)
	f.mu.Unlock()
	return &ChargeResult{PaymentID: "pi_" + req.IdempotencyKey, AmountCents: req.Credits.Mul(decimal.NewFromInt(100)).IntPart(), Currency: "usd"}, nil
}

func (f *fakePayments) Calls() int {
	return int(atomic.LoadInt32(&f.calls))
}

func setupLedger(t *testing.T, balance string, customer bool) (*ledger.Ledger, *models.Organization) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), ledger.Options{Timeout: time.Second}, zap.NewNop())

	settings := models.AutoTopUpSettings{
		Enabled:   true,
		Threshold: dec("10"),
		Amount:    dec("50"),
	}
	if customer {
		settings.StripeCustomerID = models.StringPtr("cus_test")
	}

	org, err := l.CreateOrganization(context.Background(), ledger.NewOrganization{
		Name:           "acme",
		InitialCredits: dec(balance),
		AutoTopUp:      settings,
	})
	require.NoError(t, err)
	return l, org
}

func newPolicy(l Ledger, payments PaymentCollaborator, bus *events.Bus, opts Options) *Policy {
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = 16
	}
	return NewPolicy(l, payments, NewMemoryGuard(), bus, opts, zap.NewNop())
}

func debit(t *testing.T, l *ledger.Ledger, orgID uuid.UUID, amount string) ledger.Posting {
	t.Helper()
	posting, err := l.DebitCredits(context.Background(), ledger.Debit{OrganizationID: orgID, Amount: dec(amount)})
	require.NoError(t, err)
	return posting
}

func TestPolicy_TopUpAfterThresholdCrossing(t *testing.T) {
	ctx := context.Background()
	l, org := setupLedger(t, "15", true)
	payments := &fakePayments{}
	bus := events.NewBus(zap.NewNop())

	var succeeded atomic.Int32
	bus.Subscribe(events.EventTopUpSucceeded, func(ctx context.Context, e events.Event) error {
		succeeded.Add(1)
		return nil
	})

	p := newPolicy(l, payments, bus, Options{})
	p.Start(ctx)

	posting := debit(t, l, org.ID, "7")
	assert.True(t, posting.Organization.CreditBalance.Equal(dec("8")))
	assert.True(t, p.MaybeTopUp(posting.Organization, posting.Transaction.BalanceAfter, posting.Transaction.ID.String()))

	require.NoError(t, p.Drain(ctx))
	require.NoError(t, bus.Wait(ctx))

	assert.Equal(t, 1, payments.Calls())
	assert.EqualValues(t, 1, succeeded.Load())

	balance, err := l.GetBalance(ctx, org.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("58")), "balance %s", balance)

	txs, err := l.ListTransactions(ctx, org.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, models.TransactionTypePurchase, txs[0].Type)
	assert.Equal(t, "auto_topup", txs[0].Metadata["source"])
	assert.Equal(t, posting.Transaction.ID.String(), txs[0].Metadata["trigger_id"])

	require.Len(t, payments.charged, 1)
	assert.Equal(t, "cus_test", payments.charged[0].CustomerID)
	assert.Contains(t, payments.charged[0].IdempotencyKey, posting.Transaction.ID.String())
}

func TestPolicy_ConcurrentTriggersChargeOnce(t *testing.T) {
	ctx := context.Background()
	l, org := setupLedger(t, "12", true)
	payments := &fakePayments{delay: 20 * time.Millisecond}
	p := newPolicy(l, payments, nil, Options{Workers: 4})

	// every debit below the threshold triggers; enqueue them all before workers start
	queued := 0
	for i := 0; i < 5; i++ {
		posting := debit(t, l, org.ID, "1")
		if p.MaybeTopUp(posting.Organization, posting.Transaction.BalanceAfter, posting.Transaction.ID.String()) {
			queued++
		}
	}
	assert.Equal(t, 4, queued)

	p.Start(ctx)
	require.NoError(t, p.Drain(ctx))

	assert.Equal(t, 1, payments.Calls())
	balance, err := l.GetBalance(ctx, org.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("57")), "balance %s", balance)
}

func TestPolicy_NotTriggered(t *testing.T) {
	l, org := setupLedger(t, "100", true)
	p := newPolicy(l, &fakePayments{}, nil, Options{})

	t.Run("balance above threshold", func(t *testing.T) {
		assert.False(t, p.MaybeTopUp(org, dec("50"), "tx"))
	})

	t.Run("auto top-up disabled", func(t *testing.T) {
		disabled := *org
		disabled.AutoTopUpEnabled = false
		assert.False(t, p.MaybeTopUp(&disabled, dec("1"), "tx"))
	})

	t.Run("nil organization", func(t *testing.T) {
		assert.False(t, p.MaybeTopUp(nil, dec("1"), "tx"))
	})

	t.Run("after drain", func(t *testing.T) {
		require.NoError(t, p.Drain(context.Background()))
		assert.False(t, p.MaybeTopUp(org, dec("1"), "tx"))
	})
}

func TestPolicy_PaymentFailureRecordsAudit(t *testing.T) {
	ctx := context.Background()
	l, org := setupLedger(t, "5", true)
	payments := &fakePayments{err: errors.New("card declined")}
	bus := events.NewBus(zap.NewNop())

	var failed atomic.Int32
	bus.Subscribe(events.EventPaymentFailed, func(ctx context.Context, e events.Event) error {
		failed.Add(1)
		assert.Equal(t, "payment_failed", e.Payload["reason"])
		return nil
	})

	p := newPolicy(l, payments, bus, Options{})
	p.Start(ctx)

	current, err := l.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	require.True(t, p.MaybeTopUp(current, current.CreditBalance, "trigger-1"))
	require.NoError(t, p.Drain(ctx))
	require.NoError(t, bus.Wait(ctx))

	assert.Equal(t, 1, payments.Calls())
	assert.EqualValues(t, 1, failed.Load())

	balance, err := l.GetBalance(ctx, org.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("5")))

	txs, err := l.ListTransactions(ctx, org.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, models.TransactionTypeAdjustment, txs[0].Type)
	assert.True(t, txs[0].Amount.IsZero())
	assert.Equal(t, "Auto top-up failed", txs[0].Description)
	assert.Equal(t, "trigger-1", txs[0].Metadata["trigger_id"])
}

func TestPolicy_NoPaymentMethod(t *testing.T) {
	ctx := context.Background()
	l, org := setupLedger(t, "5", false)
	stripeLike := &fakePayments{err: ErrNoPaymentMethod}
	p := newPolicy(l, stripeLike, nil, Options{})
	p.Start(ctx)

	current, err := l.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	require.True(t, p.MaybeTopUp(current, current.CreditBalance, "trigger"))
	require.NoError(t, p.Drain(ctx))

	txs, err := l.ListTransactions(ctx, org.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "no_payment_method", txs[0].Metadata["reason"])
}

func TestPolicy_QueueFullDropsWithoutBlocking(t *testing.T) {
	l, org := setupLedger(t, "5", true)
	p := newPolicy(l, &fakePayments{}, nil, Options{QueueSize: 2})

	current, err := l.GetOrganization(context.Background(), org.ID)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.True(t, p.MaybeTopUp(current, current.CreditBalance, "a"))
		assert.True(t, p.MaybeTopUp(current, current.CreditBalance, "b"))
		assert.False(t, p.MaybeTopUp(current, current.CreditBalance, "c"))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("MaybeTopUp blocked on a full queue")
	}
}

func TestPolicy_DrainTimeoutCancelsPayment(t *testing.T) {
	ctx := context.Background()
	l, org := setupLedger(t, "5", true)
	payments := &fakePayments{delay: time.Minute}
	p := newPolicy(l, payments, nil, Options{Workers: 1, PaymentTimeout: time.Minute})
	p.Start(ctx)

	current, err := l.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	require.True(t, p.MaybeTopUp(current, current.CreditBalance, "slow"))

	drainCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = p.Drain(drainCtx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func setupGuardCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
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

func TestGuards(t *testing.T) {
	c, mr := setupGuardCache(t)

	guards := map[string]Guard{
		"redis":  NewRedisGuard(c, time.Minute),
		"memory": NewMemoryGuard(),
	}

	for name, g := range guards {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			orgID := uuid.New()

			ok, err := g.Acquire(ctx, orgID)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = g.Acquire(ctx, orgID)
			require.NoError(t, err)
			assert.False(t, ok, "second acquire must fail while in flight")

			other, err := g.Acquire(ctx, uuid.New())
			require.NoError(t, err)
			assert.True(t, other)

			require.NoError(t, g.Release(ctx, orgID))
			ok, err = g.Acquire(ctx, orgID)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}

	t.Run("redis slot expires", func(t *testing.T) {
		ctx := context.Background()
		g := NewRedisGuard(c, time.Minute)
		orgID := uuid.New()

		ok, err := g.Acquire(ctx, orgID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, mr.Exists(guardKey(orgID)))

		mr.FastForward(2 * time.Minute)
		ok, err = g.Acquire(ctx, orgID)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.TopUpConfig{Workers: 3, QueueSize: 9, PaymentTimeout: time.Second, PaymentsPerSec: 2, PaymentBurst: 4})
	assert.Equal(t, Options{Workers: 3, QueueSize: 9, PaymentTimeout: time.Second, PaymentsPerSec: 2, PaymentBurst: 4}, opts)
}
