package topup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/internal/ledger"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/metrics"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Ledger is the slice of the credit ledger the policy needs.
type Ledger interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	AddCredits(ctx context.Context, c ledger.Credit) (*models.LedgerTransaction, error)
	RecordAudit(ctx context.Context, orgID uuid.UUID, description string, metadata map[string]any) (*models.LedgerTransaction, error)
}

// Options size the worker pool and throttle outbound payments.
type Options struct {
	Workers        int
	QueueSize      int
	PaymentTimeout time.Duration
	PaymentsPerSec float64
	PaymentBurst   int
}

// OptionsFromConfig maps top-up configuration onto policy options.
func OptionsFromConfig(cfg config.TopUpConfig) Options {
	return Options{
		Workers:        cfg.Workers,
		QueueSize:      cfg.QueueSize,
		PaymentTimeout: cfg.PaymentTimeout,
		PaymentsPerSec: cfg.PaymentsPerSec,
		PaymentBurst:   cfg.PaymentBurst,
	}
}

type job struct {
	OrganizationID uuid.UUID
	BalanceAfter   decimal.Decimal
	TriggerID      string
	QueuedAt       time.Time
}

// Policy recharges organizations whose balance crosses their threshold. Debits
// enqueue jobs without blocking; workers call the payment collaborator outside
// any ledger lock and post the purchase as a separate transaction.
type Policy struct {
	ledger   Ledger
	payments PaymentCollaborator
	guard    Guard
	bus      *events.Bus
	limiter  *rate.Limiter
	opts     Options
	logger   *zap.Logger

	jobs   chan job
	mu     sync.RWMutex
	closed bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewPolicy creates an auto top-up policy. Call Start before enqueuing.
func NewPolicy(l Ledger, payments PaymentCollaborator, guard Guard, bus *events.Bus, opts Options, logger *zap.Logger) *Policy {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	if opts.PaymentTimeout <= 0 {
		opts.PaymentTimeout = 20 * time.Second
	}
	if guard == nil {
		guard = NewMemoryGuard()
	}

	limit := rate.Inf
	if opts.PaymentsPerSec > 0 {
		limit = rate.Limit(opts.PaymentsPerSec)
	}
	burst := opts.PaymentBurst
	if burst < 1 {
		burst = 1
	}

	return &Policy{
		ledger:   l,
		payments: payments,
		guard:    guard,
		bus:      bus,
		limiter:  rate.NewLimiter(limit, burst),
		opts:     opts,
		logger:   logger.Named("topup"),
		jobs:     make(chan job, opts.QueueSize),
	}
}

// Start launches the worker pool.
func (p *Policy) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			for j := range p.jobs {
				metrics.TopUpQueueDepth.Dec()
				p.process(gctx, j)
			}
			return nil
		})
	}
	p.group = g

	p.logger.Info("auto top-up workers started",
		zap.Int("workers", p.opts.Workers),
		zap.Int("queue_size", p.opts.QueueSize),
	)
}

// MaybeTopUp enqueues a recharge when the organization has auto top-up enabled and
// balanceAfter is at or below its threshold. It never blocks; a full queue drops
// the job. Returns whether a job was queued.
func (p *Policy) MaybeTopUp(org *models.Organization, balanceAfter decimal.Decimal, triggerID string) bool {
	if org == nil || !org.NeedsTopUp(balanceAfter) {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	j := job{
		OrganizationID: org.ID,
		BalanceAfter:   balanceAfter,
		TriggerID:      triggerID,
		QueuedAt:       time.Now(),
	}

	select {
	case p.jobs <- j:
		metrics.TopUpQueueDepth.Inc()
		p.bus.Publish(context.Background(), events.NewEvent(events.EventTopUpQueued, org.ID.String(), map[string]interface{}{
			"balance_after": balanceAfter.String(),
			"threshold":     org.CreditThreshold.String(),
			"amount":        org.AutoTopUpAmount.String(),
		}))
		return true
	default:
		metrics.TopUpQueueDrops.Inc()
		p.logger.Warn("auto top-up queue full, dropping job",
			zap.String("org_id", org.ID.String()),
			zap.String("balance_after", balanceAfter.String()),
		)
		return false
	}
}

// Drain stops intake and waits for queued jobs to finish. In-flight payments are
// cancelled if ctx expires first.
func (p *Policy) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	if p.group == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	select {
	case err := <-done:
		p.cancel()
		return err
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("auto top-up drain interrupted: %w", ctx.Err())
	}
}

func (p *Policy) process(ctx context.Context, j job) {
	log := p.logger.With(
		zap.String("org_id", j.OrganizationID.String()),
		zap.String("trigger_id", j.TriggerID),
	)

	acquired, err := p.guard.Acquire(ctx, j.OrganizationID)
	if err != nil {
		metrics.TopUpAttempts.WithLabelValues("guard_error").Inc()
		log.Error("failed to acquire top-up guard", zap.Error(err))
		return
	}
	if !acquired {
		metrics.TopUpAttempts.WithLabelValues("in_flight").Inc()
		log.Debug("top-up already in flight")
		return
	}
	defer func() {
		if err := p.guard.Release(context.WithoutCancel(ctx), j.OrganizationID); err != nil {
			log.Warn("failed to release top-up guard", zap.Error(err))
		}
	}()

	// a concurrent top-up may already have restored the balance
	org, err := p.ledger.GetOrganization(ctx, j.OrganizationID)
	if err != nil {
		metrics.TopUpAttempts.WithLabelValues("error").Inc()
		log.Error("failed to load organization for top-up", zap.Error(err))
		return
	}
	if !org.NeedsTopUp(org.CreditBalance) {
		metrics.TopUpAttempts.WithLabelValues("not_needed").Inc()
		log.Debug("top-up no longer needed", zap.String("balance", org.CreditBalance.String()))
		return
	}

	amount := org.AutoTopUpAmount
	customerID := ""
	if org.StripeCustomerID != nil {
		customerID = *org.StripeCustomerID
	}

	payCtx, cancel := context.WithTimeout(ctx, p.opts.PaymentTimeout)
	defer cancel()

	if err := p.limiter.Wait(payCtx); err != nil {
		p.fail(ctx, org, amount, j, fmt.Errorf("%w: rate limited: %w", ErrPaymentFailed, err), log)
		return
	}

	result, err := p.payments.Charge(payCtx, ChargeRequest{
		OrganizationID: org.ID,
		CustomerID:     customerID,
		Credits:        amount,
		IdempotencyKey: fmt.Sprintf("topup-%s-%s", org.ID, j.TriggerID),
	})
	if err != nil {
		p.fail(ctx, org, amount, j, err, log)
		return
	}

	tx, err := p.ledger.AddCredits(ctx, ledger.Credit{
		OrganizationID: org.ID,
		Amount:         amount,
		Type:           models.TransactionTypePurchase,
		Description:    fmt.Sprintf("Auto top-up of %s credits", amount.String()),
		Metadata: map[string]any{
			"source":         "auto_topup",
			"payment_id":     result.PaymentID,
			"amount_cents":   result.AmountCents,
			"currency":       result.Currency,
			"trigger_id":     j.TriggerID,
			"balance_before": org.CreditBalance.String(),
		},
	})
	if err != nil {
		// charged but not credited; the payment id in the audit note lets support reconcile it
		metrics.TopUpAttempts.WithLabelValues("credit_failed").Inc()
		log.Error("auto top-up charged but credit failed",
			zap.String("payment_id", result.PaymentID),
			zap.Error(err),
		)
		p.audit(ctx, org.ID, "Auto top-up charged but not credited", map[string]any{
			"payment_id": result.PaymentID,
			"amount":     amount.String(),
			"error":      err.Error(),
		}, log)
		p.bus.Publish(ctx, events.NewEvent(events.EventTopUpFailed, org.ID.String(), map[string]interface{}{
			"payment_id": result.PaymentID,
			"reason":     "credit_failed",
		}))
		return
	}

	metrics.TopUpAttempts.WithLabelValues("success").Inc()
	log.Info("auto top-up completed",
		zap.String("payment_id", result.PaymentID),
		zap.String("amount", amount.String()),
		zap.String("balance_after", tx.BalanceAfter.String()),
		zap.Duration("queued_for", time.Since(j.QueuedAt)),
	)
	p.bus.Publish(ctx, events.NewEvent(events.EventTopUpSucceeded, org.ID.String(), map[string]interface{}{
		"payment_id":     result.PaymentID,
		"amount":         amount.String(),
		"transaction_id": tx.ID.String(),
		"balance_after":  tx.BalanceAfter.String(),
	}))
}

// fail records the failed attempt. The ledger balance is left as is.
func (p *Policy) fail(ctx context.Context, org *models.Organization, amount decimal.Decimal, j job, err error, log *zap.Logger) {
	reason := "payment_failed"
	if errors.Is(err, ErrNoPaymentMethod) {
		reason = "no_payment_method"
	}
	metrics.TopUpAttempts.WithLabelValues(reason).Inc()

	log.Warn("auto top-up payment failed",
		zap.String("amount", amount.String()),
		zap.String("balance", org.CreditBalance.String()),
		zap.Error(err),
	)

	p.audit(ctx, org.ID, "Auto top-up failed", map[string]any{
		"source":     "auto_topup",
		"reason":     reason,
		"amount":     amount.String(),
		"balance":    org.CreditBalance.String(),
		"trigger_id": j.TriggerID,
		"error":      err.Error(),
	}, log)

	p.bus.Publish(ctx, events.NewEvent(events.EventPaymentFailed, org.ID.String(), map[string]interface{}{
		"reason": reason,
		"amount": amount.String(),
		"error":  err.Error(),
	}))
}

func (p *Policy) audit(ctx context.Context, orgID uuid.UUID, description string, metadata map[string]any, log *zap.Logger) {
	if _, err := p.ledger.RecordAudit(context.WithoutCancel(ctx), orgID, description, metadata); err != nil {
		log.Error("failed to record top-up audit transaction", zap.Error(err))
	}
}
