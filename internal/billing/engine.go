package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering/internal/ledger"
	"github.com/crosslogic/metering/internal/pricing"
	"github.com/crosslogic/metering/internal/usage"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/metrics"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrorCode classifies a failed deduction for the caller.
type ErrorCode string

const (
	ErrorCodeInsufficientCredits ErrorCode = "insufficient_credits"
	ErrorCodeLedgerUnavailable   ErrorCode = "ledger_unavailable"
	ErrorCodePricingError        ErrorCode = "pricing_error"
	ErrorCodeInvalidRequest      ErrorCode = "invalid_request"
)

// ResultError describes why a deduction did not succeed.
type ResultError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is the verdict of DeductCreditsForUsage.
type Result struct {
	Success          bool            `json:"success"`
	DeductedAmount   decimal.Decimal `json:"deducted_amount"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`

	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
	UsageRecordID *uuid.UUID `json:"usage_record_id,omitempty"`

	// Replayed is set when the request id was already billed. The transaction
	// and deducted amount are the original ones; RemainingBalance is current.
	Replayed    bool `json:"replayed,omitempty"`
	TopUpQueued bool `json:"top_up_queued,omitempty"`

	Error *ResultError `json:"error,omitempty"`
}

// TopUpTrigger is notified after every committed debit.
type TopUpTrigger interface {
	MaybeTopUp(org *models.Organization, balanceAfter decimal.Decimal, triggerID string) bool
}

// Engine is the metering entry point: it prices usage, debits the ledger,
// records the usage event and hands threshold crossings to auto top-up.
type Engine struct {
	calculator *pricing.Calculator
	ledger     *ledger.Ledger
	recorder   *usage.Recorder
	topup      TopUpTrigger
	bus        *events.Bus
	logger     *zap.Logger
}

// NewEngine creates a metering engine. topup may be nil when auto top-up is disabled.
func NewEngine(calculator *pricing.Calculator, l *ledger.Ledger, recorder *usage.Recorder, topup TopUpTrigger, bus *events.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		calculator: calculator,
		ledger:     l,
		recorder:   recorder,
		topup:      topup,
		bus:        bus,
		logger:     logger.Named("metering"),
	}
}

// DeductCreditsForUsage prices usage and debits it from the organization's balance.
// Business outcomes such as insufficient credits are reported in the Result; the
// returned error is non-nil only when the ledger is unavailable, in which case the
// caller must treat the operation as not permitted.
func (e *Engine) DeductCreditsForUsage(ctx context.Context, orgID uuid.UUID, userID *uuid.UUID, uc models.UsageContext) (Result, error) {
	started := time.Now()
	defer func() {
		metrics.UsageDebitDuration.Observe(time.Since(started).Seconds())
	}()

	uc = uc.Normalized()
	if orgID == uuid.Nil {
		return e.reject(ErrorCodeInvalidRequest, "organization id is required"), nil
	}
	if uc.Provider == "" {
		return e.reject(ErrorCodeInvalidRequest, "provider is required"), nil
	}

	log := e.logger.With(
		zap.String("org_id", orgID.String()),
		zap.String("provider", uc.Provider),
		zap.String("model", uc.Model),
		zap.String("request_id", uc.RequestID),
	)

	breakdown, err := e.calculator.CalculateCost(uc)
	if err != nil {
		log.Warn("failed to price usage", zap.Error(err))
		e.recordUsage(ctx, orgID, unpricedUsage(uc), decimal.Zero, fmt.Sprintf("pricing failed: %v", err), log)
		return e.reject(ErrorCodePricingError, err.Error()), nil
	}
	if breakdown.Fallback {
		metrics.PricingFallbacks.WithLabelValues(uc.Provider).Inc()
		log.Debug("usage priced with default entry", zap.String("pricing_key", breakdown.PricingKey))
	}

	if breakdown.Cost.IsZero() {
		// nothing to debit when the minimum charge is zero
		return e.settleFree(ctx, orgID, uc, log)
	}

	posting, err := e.ledger.DebitCredits(ctx, ledger.Debit{
		OrganizationID: orgID,
		UserID:         userID,
		Amount:         breakdown.Cost,
		Description:    describeUsage(uc),
		RequestID:      uc.RequestID,
		Metadata:       usageMetadata(uc, breakdown),
	})

	var insufficient *ledger.InsufficientBalanceError
	switch {
	case err == nil:
	case errors.As(err, &insufficient):
		metrics.UsageDebits.WithLabelValues("insufficient_credits").Inc()
		e.recordUsage(ctx, orgID, uc, breakdown.Cost, "insufficient credits", log)
		e.bus.Publish(ctx, events.NewEvent(events.EventUsageDenied, orgID.String(), map[string]interface{}{
			"provider":  uc.Provider,
			"model":     uc.Model,
			"cost":      breakdown.Cost.String(),
			"balance":   insufficient.Balance.String(),
			"requestId": uc.RequestID,
		}))
		res := e.reject(ErrorCodeInsufficientCredits, fmt.Sprintf(
			"insufficient credits: balance %s, required %s", insufficient.Balance.String(), breakdown.Cost.String()))
		res.RemainingBalance = insufficient.Balance
		return res, nil
	case errors.Is(err, ledger.ErrOrganizationNotFound):
		metrics.UsageDebits.WithLabelValues("invalid_request").Inc()
		return e.reject(ErrorCodeInvalidRequest, "organization not found"), nil
	default:
		metrics.UsageDebits.WithLabelValues("ledger_unavailable").Inc()
		log.Error("usage debit failed, denying operation", zap.Error(err))
		e.recordUsage(ctx, orgID, uc, breakdown.Cost, "ledger unavailable", log)
		return e.reject(ErrorCodeLedgerUnavailable, "credit ledger unavailable"), fmt.Errorf("failed to debit usage: %w", err)
	}

	tx := posting.Transaction
	res := Result{
		Success:          true,
		DeductedAmount:   tx.Amount.Neg(),
		RemainingBalance: tx.BalanceAfter,
		TransactionID:    &tx.ID,
		Replayed:         posting.Replayed,
	}

	if id, ok := e.recordUsage(ctx, orgID, uc, res.DeductedAmount, "", log); ok {
		res.UsageRecordID = &id
	}

	if posting.Replayed {
		if posting.Organization != nil {
			res.RemainingBalance = posting.Organization.CreditBalance
		}
		metrics.UsageDebits.WithLabelValues("replayed").Inc()
		return res, nil
	}

	metrics.RecordDeduction(uc.Provider, res.DeductedAmount)

	if e.topup != nil && posting.Organization != nil {
		res.TopUpQueued = e.topup.MaybeTopUp(posting.Organization, tx.BalanceAfter, tx.ID.String())
	}

	e.bus.Publish(ctx, events.NewEvent(events.EventUsageDebited, orgID.String(), map[string]interface{}{
		"transaction_id": tx.ID.String(),
		"provider":       uc.Provider,
		"model":          uc.Model,
		"amount":         res.DeductedAmount.String(),
		"balance_after":  tx.BalanceAfter.String(),
		"top_up_queued":  res.TopUpQueued,
	}))

	log.Debug("usage debited",
		zap.String("amount", res.DeductedAmount.String()),
		zap.String("balance_after", tx.BalanceAfter.String()),
		zap.Bool("minimum_applied", breakdown.MinimumApplied),
	)
	return res, nil
}

// settleFree records zero-cost usage without touching the ledger.
func (e *Engine) settleFree(ctx context.Context, orgID uuid.UUID, uc models.UsageContext, log *zap.Logger) (Result, error) {
	balance, err := e.ledger.GetBalance(ctx, orgID)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrOrganizationNotFound):
		metrics.UsageDebits.WithLabelValues("invalid_request").Inc()
		return e.reject(ErrorCodeInvalidRequest, "organization not found"), nil
	default:
		metrics.UsageDebits.WithLabelValues("ledger_unavailable").Inc()
		return e.reject(ErrorCodeLedgerUnavailable, "credit ledger unavailable"), fmt.Errorf("failed to read balance: %w", err)
	}

	res := Result{Success: true, DeductedAmount: decimal.Zero, RemainingBalance: balance}
	if id, ok := e.recordUsage(ctx, orgID, uc, decimal.Zero, "", log); ok {
		res.UsageRecordID = &id
	}
	metrics.UsageDebits.WithLabelValues("free").Inc()
	return res, nil
}

func (e *Engine) reject(code ErrorCode, message string) Result {
	return Result{
		DeductedAmount:   decimal.Zero,
		RemainingBalance: decimal.Zero,
		Error:            &ResultError{Code: code, Message: message},
	}
}

// recordUsage writes the usage event. Failures are logged and never change the verdict.
func (e *Engine) recordUsage(ctx context.Context, orgID uuid.UUID, uc models.UsageContext, cost decimal.Decimal, failure string, log *zap.Logger) (uuid.UUID, bool) {
	rec := &models.UsageRecord{
		OrganizationID: orgID,
		APIKeyID:       uc.APIKeyID,
		Provider:       uc.Provider,
		Model:          uc.Model,
		Operation:      uc.Operation,
		InputUnits:     uc.InputUnits,
		OutputUnits:    uc.OutputUnits,
		Cost:           cost,
		DurationMs:     uc.DurationMs,
		Success:        failure == "",
		ErrorMessage:   models.StringPtr(failure),
		RequestID:      models.StringPtr(uc.RequestID),
		Metadata:       uc.Metadata,
	}

	// failed attempts dedup under their own key so a later success is still recorded
	if failure != "" && uc.RequestID != "" {
		meta := make(map[string]any, len(uc.Metadata)+1)
		for k, v := range uc.Metadata {
			meta[k] = v
		}
		meta["request_id"] = uc.RequestID
		rec.RequestID = models.StringPtr(deniedRequestID(uc.RequestID))
		rec.Metadata = meta
	}

	id, err := e.recorder.Record(ctx, rec)
	if err != nil {
		log.Error("failed to record usage", zap.Error(err))
		return uuid.Nil, false
	}
	return id, true
}

func deniedRequestID(requestID string) string {
	return requestID + ":denied"
}

// unpricedUsage zeroes the unit counts of usage that could not be priced so the
// record does not skew summaries. The submitted counts move to metadata.
func unpricedUsage(uc models.UsageContext) models.UsageContext {
	meta := make(map[string]any, len(uc.Metadata)+2)
	for k, v := range uc.Metadata {
		meta[k] = v
	}
	meta["raw_input_units"] = uc.InputUnits
	meta["raw_output_units"] = uc.OutputUnits
	uc.Metadata = meta
	uc.InputUnits = 0
	uc.OutputUnits = 0
	return uc
}

// EstimateOperationCost prices usage without side effects.
func (e *Engine) EstimateOperationCost(uc models.UsageContext) (decimal.Decimal, error) {
	return e.calculator.EstimateOperationCost(uc)
}

// CheckSufficientCredits reports whether the organization can currently afford amount.
func (e *Engine) CheckSufficientCredits(ctx context.Context, orgID uuid.UUID, amount decimal.Decimal) (bool, error) {
	return e.ledger.CheckSufficientCredits(ctx, orgID, amount)
}

// GetCreditBalance returns the organization's committed balance.
func (e *Engine) GetCreditBalance(ctx context.Context, orgID uuid.UUID) (decimal.Decimal, error) {
	return e.ledger.GetBalance(ctx, orgID)
}

// AddCredits posts a purchase, refund or adjustment and announces it on the bus.
func (e *Engine) AddCredits(ctx context.Context, c ledger.Credit) (*models.LedgerTransaction, error) {
	tx, err := e.ledger.AddCredits(ctx, c)
	if err != nil {
		return nil, err
	}

	e.bus.Publish(ctx, events.NewEvent(events.EventCreditsAdded, c.OrganizationID.String(), map[string]interface{}{
		"transaction_id": tx.ID.String(),
		"type":           string(tx.Type),
		"amount":         tx.Amount.String(),
		"balance_after":  tx.BalanceAfter.String(),
	}))
	return tx, nil
}

// RecordAudit appends a zero-amount note to the organization's ledger.
func (e *Engine) RecordAudit(ctx context.Context, orgID uuid.UUID, description string, metadata map[string]any) (*models.LedgerTransaction, error) {
	return e.ledger.RecordAudit(ctx, orgID, description, metadata)
}

// GetUsageSummary returns the organization's usage broken down by provider.
func (e *Engine) GetUsageSummary(ctx context.Context, orgID uuid.UUID, period usage.Period) (*usage.Summary, error) {
	return e.recorder.Summary(ctx, orgID, period)
}

// ListUsageRecords returns the organization's usage records for the period.
func (e *Engine) ListUsageRecords(ctx context.Context, orgID uuid.UUID, period usage.Period, limit int) ([]models.UsageRecord, error) {
	return e.recorder.List(ctx, orgID, period, limit)
}

func describeUsage(uc models.UsageContext) string {
	name := uc.Provider
	if uc.Model != "" {
		name += "/" + uc.Model
	}
	if uc.Operation != "" {
		name += " " + uc.Operation
	}
	return fmt.Sprintf("Usage: %s (%d in, %d out)", name, uc.InputUnits, uc.OutputUnits)
}

func usageMetadata(uc models.UsageContext, b pricing.Breakdown) map[string]any {
	meta := make(map[string]any, len(uc.Metadata)+8)
	for k, v := range uc.Metadata {
		meta[k] = v
	}
	meta["provider"] = uc.Provider
	meta["model"] = uc.Model
	if uc.Operation != "" {
		meta["operation"] = uc.Operation
	}
	meta["input_units"] = uc.InputUnits
	meta["output_units"] = uc.OutputUnits
	meta["pricing_key"] = b.PricingKey
	meta["pricing_version"] = b.PricingVersion
	meta["computed_cost"] = b.ComputedCost.String()
	if b.MinimumApplied {
		meta["minimum_applied"] = true
	}
	if uc.APIKeyID != nil {
		meta["api_key_id"] = uc.APIKeyID.String()
	}
	return meta
}
