package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/pkg/metrics"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 500
)

// Options tune debit policy and contention handling.
type Options struct {
	// Floor is the lowest balance a debit may leave. Zero disallows overdraft.
	Floor decimal.Decimal

	// Timeout bounds each unit of work including lock wait and retries.
	Timeout time.Duration

	// Retries is the number of attempts made when the store reports a write conflict.
	Retries int

	RetryBackoff time.Duration
}

// OptionsFromConfig maps metering configuration onto ledger options.
func OptionsFromConfig(cfg config.MeteringConfig) Options {
	return Options{
		Floor:        cfg.OverdraftFloor,
		Timeout:      cfg.DebitTimeout,
		Retries:      cfg.ConflictRetries,
		RetryBackoff: cfg.ConflictBackoff,
	}
}

// Ledger owns organization balances. Every balance change goes through Apply on
// the store so the cached balance and the transaction log move together.
type Ledger struct {
	store  Store
	opts   Options
	logger *zap.Logger
}

// New creates a new credit ledger
func New(store Store, opts Options, logger *zap.Logger) *Ledger {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 25 * time.Millisecond
	}
	return &Ledger{
		store:  store,
		opts:   opts,
		logger: logger.Named("ledger"),
	}
}

// Floor returns the configured debit floor.
func (l *Ledger) Floor() decimal.Decimal {
	return l.opts.Floor
}

// NewOrganization describes a tenant created at onboarding.
type NewOrganization struct {
	ID             uuid.UUID
	Name           string
	InitialCredits decimal.Decimal
	AutoTopUp      models.AutoTopUpSettings
}

// CreateOrganization creates the tenant and posts any initial grant as a purchase in
// the same unit of work, so the cached balance stays derivable from the ledger.
func (l *Ledger) CreateOrganization(ctx context.Context, req NewOrganization) (*models.Organization, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.New("organization name is required")
	}
	if req.InitialCredits.IsNegative() {
		return nil, fmt.Errorf("%w: initial credits must not be negative", ErrInvalidAmount)
	}
	if err := validateAutoTopUp(req.AutoTopUp); err != nil {
		return nil, err
	}

	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	org := &models.Organization{
		ID:               id,
		Name:             strings.TrimSpace(req.Name),
		CreditThreshold:  req.AutoTopUp.Threshold,
		AutoTopUpEnabled: req.AutoTopUp.Enabled,
		AutoTopUpAmount:  req.AutoTopUp.Amount,
		StripeCustomerID: req.AutoTopUp.StripeCustomerID,
	}

	var grant *Mutation
	if req.InitialCredits.IsPositive() {
		grant = &Mutation{
			OrganizationID: id,
			Amount:         req.InitialCredits,
			Type:           models.TransactionTypePurchase,
			Description:    "Initial credit grant",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	if err := l.store.CreateOrganization(ctx, org, grant); err != nil {
		if errors.Is(err, ErrOrganizationExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create organization: %w", l.classify(ctx, err))
	}

	l.logger.Info("organization created",
		zap.String("org_id", id.String()),
		zap.String("initial_credits", req.InitialCredits.String()),
	)

	return l.store.GetOrganization(ctx, id)
}

// GetOrganization returns the organization with its current balance.
func (l *Ledger) GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	org, err := l.store.GetOrganization(ctx, id)
	if err != nil {
		return nil, l.classify(ctx, err)
	}
	return org, nil
}

// GetBalance returns the committed balance.
func (l *Ledger) GetBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	org, err := l.GetOrganization(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return org.CreditBalance, nil
}

// CheckSufficientCredits reports whether a debit of amount would currently clear the floor.
// It takes no lock; the debit itself re-checks atomically.
func (l *Ledger) CheckSufficientCredits(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (bool, error) {
	if amount.IsNegative() {
		return false, fmt.Errorf("%w: amount must not be negative", ErrInvalidAmount)
	}
	balance, err := l.GetBalance(ctx, id)
	if err != nil {
		return false, err
	}
	return balance.Sub(amount).GreaterThanOrEqual(l.opts.Floor), nil
}

// UpdateAutoTopUp replaces the organization's recharge settings.
func (l *Ledger) UpdateAutoTopUp(ctx context.Context, id uuid.UUID, settings models.AutoTopUpSettings) (*models.Organization, error) {
	if err := validateAutoTopUp(settings); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	org, err := l.store.UpdateAutoTopUp(ctx, id, settings)
	if err != nil {
		return nil, l.classify(ctx, err)
	}

	l.logger.Info("auto top-up settings updated",
		zap.String("org_id", id.String()),
		zap.Bool("enabled", settings.Enabled),
		zap.String("threshold", settings.Threshold.String()),
		zap.String("amount", settings.Amount.String()),
	)
	return org, nil
}

// DeleteOrganization soft-deletes the organization. Its transactions are kept.
func (l *Ledger) DeleteOrganization(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	if err := l.store.DeleteOrganization(ctx, id); err != nil {
		return l.classify(ctx, err)
	}
	l.logger.Info("organization deleted", zap.String("org_id", id.String()))
	return nil
}

// Credit is a positive balance change.
type Credit struct {
	OrganizationID uuid.UUID
	UserID         *uuid.UUID
	Amount         decimal.Decimal
	Type           models.TransactionType
	Description    string
	Metadata       map[string]any
}

// AddCredits increments the balance and appends the transaction in one unit of work.
func (l *Ledger) AddCredits(ctx context.Context, c Credit) (*models.LedgerTransaction, error) {
	if !c.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: credit amount must be positive", ErrInvalidAmount)
	}
	if c.Type == "" {
		c.Type = models.TransactionTypePurchase
	}
	if !c.Type.Valid() || c.Type == models.TransactionTypeUsage {
		return nil, fmt.Errorf("%w: cannot credit with transaction type %q", ErrInvalidAmount, c.Type)
	}

	posting, err := l.apply(ctx, "credit", Mutation{
		OrganizationID: c.OrganizationID,
		UserID:         c.UserID,
		Amount:         c.Amount,
		Type:           c.Type,
		Description:    c.Description,
		Metadata:       c.Metadata,
	})
	if err != nil {
		l.logger.Error("credit failed",
			zap.String("org_id", c.OrganizationID.String()),
			zap.String("amount", c.Amount.String()),
			zap.Error(err),
		)
		return nil, err
	}

	l.logger.Info("credits added",
		zap.String("org_id", c.OrganizationID.String()),
		zap.String("type", string(c.Type)),
		zap.String("amount", c.Amount.String()),
		zap.String("balance_after", posting.Transaction.BalanceAfter.String()),
	)
	return posting.Transaction, nil
}

// Debit is a usage charge against the balance.
type Debit struct {
	OrganizationID uuid.UUID
	UserID         *uuid.UUID
	Amount         decimal.Decimal
	Description    string

	// RequestID, when set, makes the debit idempotent for the organization.
	RequestID string
	Metadata  map[string]any
}

// DebitCredits atomically checks the floor and decrements the balance. A rejected
// debit returns *InsufficientBalanceError and leaves state untouched.
func (l *Ledger) DebitCredits(ctx context.Context, d Debit) (Posting, error) {
	if !d.Amount.IsPositive() {
		return Posting{}, fmt.Errorf("%w: debit amount must be positive", ErrInvalidAmount)
	}

	floor := l.opts.Floor
	posting, err := l.apply(ctx, "debit", Mutation{
		OrganizationID: d.OrganizationID,
		UserID:         d.UserID,
		Amount:         d.Amount.Neg(),
		Floor:          &floor,
		Type:           models.TransactionTypeUsage,
		Description:    d.Description,
		RequestID:      d.RequestID,
		Metadata:       d.Metadata,
	})

	switch {
	case err == nil:
		if posting.Replayed {
			l.logger.Info("debit replayed",
				zap.String("org_id", d.OrganizationID.String()),
				zap.String("request_id", d.RequestID),
				zap.String("transaction_id", posting.Transaction.ID.String()),
			)
		}
		return posting, nil
	case errors.Is(err, ErrInsufficientBalance):
		l.logger.Info("debit rejected: insufficient balance",
			zap.String("org_id", d.OrganizationID.String()),
			zap.String("amount", d.Amount.String()),
			zap.Error(err),
		)
	default:
		l.logger.Error("debit failed",
			zap.String("org_id", d.OrganizationID.String()),
			zap.String("amount", d.Amount.String()),
			zap.Error(err),
		)
	}
	return Posting{}, err
}

// RecordAudit appends a zero-amount adjustment note. The balance is unchanged.
func (l *Ledger) RecordAudit(ctx context.Context, orgID uuid.UUID, description string, metadata map[string]any) (*models.LedgerTransaction, error) {
	posting, err := l.apply(ctx, "audit", Mutation{
		OrganizationID: orgID,
		Amount:         decimal.Zero,
		Type:           models.TransactionTypeAdjustment,
		Description:    description,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, err
	}
	return posting.Transaction, nil
}

// ListTransactions returns the newest transactions first.
func (l *Ledger) ListTransactions(ctx context.Context, orgID uuid.UUID, limit int) ([]models.LedgerTransaction, error) {
	if limit <= 0 {
		limit = defaultTransactionLimit
	}
	if limit > maxTransactionLimit {
		limit = maxTransactionLimit
	}

	txs, err := l.store.ListTransactions(ctx, orgID, limit)
	if err != nil {
		return nil, l.classify(ctx, err)
	}
	return txs, nil
}

// Reconcile checks that the cached balance equals the sum of transaction amounts.
func (l *Ledger) Reconcile(ctx context.Context, orgID uuid.UUID) (Reconciliation, error) {
	r, err := l.store.Reconcile(ctx, orgID)
	if err != nil {
		return Reconciliation{}, l.classify(ctx, err)
	}
	if !r.Consistent() {
		l.logger.Error("ledger drift detected",
			zap.String("org_id", orgID.String()),
			zap.String("cached_balance", r.CachedBalance.String()),
			zap.String("ledger_sum", r.LedgerSum.String()),
			zap.String("drift", r.Drift.String()),
		)
	}
	return r, nil
}

// Health reports whether the store is reachable.
func (l *Ledger) Health(ctx context.Context) error {
	return l.store.Health(ctx)
}

func (l *Ledger) apply(ctx context.Context, operation string, m Mutation) (Posting, error) {
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.RetryBackoff
	b.MaxInterval = 8 * l.opts.RetryBackoff

	attempt := 0
	posting, err := backoff.Retry(ctx, func() (Posting, error) {
		attempt++
		if attempt > 1 {
			metrics.LedgerConflictRetries.Inc()
			l.logger.Debug("retrying ledger write after conflict",
				zap.String("org_id", m.OrganizationID.String()),
				zap.Int("attempt", attempt),
			)
		}

		p, err := l.store.Apply(ctx, m)
		if err != nil && !errors.Is(err, ErrWriteConflict) {
			return Posting{}, backoff.Permanent(err)
		}
		return p, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(l.opts.Retries)))

	if err != nil {
		err = l.classify(ctx, err)
		metrics.ObserveLedger(operation, outcome(err), started)
		return Posting{}, err
	}

	if posting.Replayed {
		metrics.ObserveLedger(operation, "replayed", started)
	} else {
		metrics.ObserveLedger(operation, "success", started)
	}
	return posting, nil
}

// classify maps exhausted retries and expired deadlines onto ErrUnavailable so
// callers fail closed. Business errors pass through unchanged.
func (l *Ledger) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrOrganizationNotFound),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrUnavailable):
		return err
	case errors.Is(err, ErrWriteConflict):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	default:
		return err
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrOrganizationNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func validateAutoTopUp(s models.AutoTopUpSettings) error {
	if s.Amount.IsNegative() {
		return fmt.Errorf("%w: auto top-up amount must not be negative", ErrInvalidAmount)
	}
	if s.Enabled && !s.Amount.IsPositive() {
		return fmt.Errorf("%w: auto top-up amount must be positive when enabled", ErrInvalidAmount)
	}
	return nil
}
