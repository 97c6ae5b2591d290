package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/crosslogic/metering/internal/billing"
	"github.com/crosslogic/metering/internal/pricing"
	"github.com/crosslogic/metering/internal/usage"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultRecordLimit = 100
	maxRecordLimit     = 1000
)

// handleDeductUsage prices and bills one completed operation.
// POST /v1/usage/deduct
func (g *Gateway) handleDeductUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := organizationFrom(ctx)

	var uc models.UsageContext
	if !g.decodeJSON(w, r, &uc) {
		return
	}

	result, err := g.engine.DeductCreditsForUsage(ctx, orgID, userFrom(ctx), uc)
	if err != nil {
		g.logger.Error("usage deduction failed",
			zap.Error(err),
			zap.String("org_id", orgID.String()),
			zap.String("request_id", uc.RequestID),
		)
	}

	g.writeJSON(w, deductStatus(result), result)
}

func deductStatus(result billing.Result) int {
	if result.Success {
		return http.StatusOK
	}
	if result.Error == nil {
		return http.StatusInternalServerError
	}
	switch result.Error.Code {
	case billing.ErrorCodeInsufficientCredits:
		return http.StatusPaymentRequired
	case billing.ErrorCodeLedgerUnavailable:
		return http.StatusServiceUnavailable
	case billing.ErrorCodePricingError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// handleEstimateCost prices usage without billing it.
// POST /v1/usage/estimate
func (g *Gateway) handleEstimateCost(w http.ResponseWriter, r *http.Request) {
	var uc models.UsageContext
	if !g.decodeJSON(w, r, &uc) {
		return
	}

	cost, err := g.engine.EstimateOperationCost(uc)
	if err != nil {
		code := billing.ErrorCodePricingError
		if errors.Is(err, pricing.ErrInvalidUsage) {
			code = billing.ErrorCodeInvalidRequest
		}
		g.writeError(w, http.StatusUnprocessableEntity, string(code), err.Error())
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider":       uc.Provider,
		"model":          uc.Model,
		"estimated_cost": cost,
	})
}

type checkCreditsRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// handleCheckCredits is the preflight used before expensive operations.
// POST /v1/credits/check
func (g *Gateway) handleCheckCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req checkCreditsRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	if req.Amount.IsNegative() {
		g.writeError(w, http.StatusBadRequest, string(billing.ErrorCodeInvalidRequest), "amount must not be negative")
		return
	}

	ok, err := g.engine.CheckSufficientCredits(ctx, organizationFrom(ctx), req.Amount)
	if err != nil {
		g.writeLedgerError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sufficient": ok,
		"amount":     req.Amount,
	})
}

// GET /v1/credits/balance
func (g *Gateway) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := organizationFrom(ctx)

	balance, err := g.engine.GetCreditBalance(ctx, orgID)
	if err != nil {
		g.writeLedgerError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"organization_id": orgID,
		"balance":         balance,
	})
}

// GET /v1/credits/transactions?limit=
func (g *Gateway) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := organizationFrom(ctx)

	limit, err := parseLimit(r, 0, maxRecordLimit)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, string(billing.ErrorCodeInvalidRequest), err.Error())
		return
	}

	txs, err := g.ledger.ListTransactions(ctx, orgID, limit)
	if err != nil {
		g.writeLedgerError(w, err)
		return
	}
	if txs == nil {
		txs = []models.LedgerTransaction{}
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"organization_id": orgID,
		"transactions":    txs,
	})
}

// handleUsageSummary returns usage grouped by provider.
// GET /v1/usage/summary?period=day|week|month|30d or ?start=&end=
func (g *Gateway) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := organizationFrom(ctx)

	period, ok := g.parsePeriod(w, r)
	if !ok {
		return
	}

	summary, err := g.engine.GetUsageSummary(ctx, orgID, period)
	if err != nil {
		g.logger.Error("failed to query usage summary",
			zap.Error(err),
			zap.String("org_id", orgID.String()),
		)
		g.writeError(w, http.StatusInternalServerError, "internal_error", "failed to query usage")
		return
	}

	g.writeJSON(w, http.StatusOK, summary)
}

// GET /v1/usage/records?period=&limit=
func (g *Gateway) handleUsageRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := organizationFrom(ctx)

	period, ok := g.parsePeriod(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r, defaultRecordLimit, maxRecordLimit)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, string(billing.ErrorCodeInvalidRequest), err.Error())
		return
	}

	records, err := g.engine.ListUsageRecords(ctx, orgID, period, limit)
	if err != nil {
		g.logger.Error("failed to list usage records",
			zap.Error(err),
			zap.String("org_id", orgID.String()),
		)
		g.writeError(w, http.StatusInternalServerError, "internal_error", "failed to query usage")
		return
	}
	if records == nil {
		records = []models.UsageRecord{}
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"organization_id": orgID,
		"period":          period.Name,
		"start":           period.Start,
		"end":             period.End,
		"records":         records,
	})
}

func (g *Gateway) parsePeriod(w http.ResponseWriter, r *http.Request) (usage.Period, bool) {
	q := r.URL.Query()
	period, err := usage.ParsePeriod(q.Get("period"), q.Get("start"), q.Get("end"), time.Now())
	if err != nil {
		g.writeError(w, http.StatusBadRequest, string(billing.ErrorCodeInvalidRequest), err.Error())
		return usage.Period{}, false
	}
	return period, true
}

// parseLimit reads ?limit=, returning def when absent and capping at upper.
func parseLimit(r *http.Request, def, upper int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > upper {
		n = upper
	}
	return n, nil
}
