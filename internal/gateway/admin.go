package gateway

import (
	"net/http"
	"strings"

	"github.com/crosslogic/metering/internal/billing"
	"github.com/crosslogic/metering/internal/ledger"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type createOrganizationRequest struct {
	ID             *uuid.UUID                `json:"id,omitempty"`
	Name           string                    `json:"name"`
	InitialCredits decimal.Decimal           `json:"initial_credits"`
	AutoTopUp      *models.AutoTopUpSettings `json:"auto_top_up,omitempty"`
}

// POST /admin/organizations
func (g *Gateway) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		g.writeError(w, http.StatusBadRequest, string(billing.ErrorCodeInvalidRequest), "name is required")
		return
	}

	nr := ledger.NewOrganization{
		Name:           req.Name,
		InitialCredits: req.InitialCredits,
	}
	if req.ID != nil {
		nr.ID = *req.ID
	}
	if req.AutoTopUp != nil {
		nr.AutoTopUp = *req.AutoTopUp
	}

	org, err := g.ledger.CreateOrganization(r.Context(), nr)
	if err != nil {
		g.writeLedgerError(w, err)
		return
	}

	g.writeJSON(w, http.StatusCreated, org)
}

// GET /admin/organizations/{org_id}
func (g *Gateway) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, ok := g.orgParam(w, r)
	if !ok {
		return
	}

	org, err := g.ledger.GetOrganization(r.Context(), orgID)
	if err != nil {
		g.writeLedgerError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, org)
}

// DELETE /admin/organizations/{org_id}
func (g *Gateway) handleDeleteOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, ok := g.orgParam(w, r)
	if !ok {
		return
	}

	if err := g.ledger.DeleteOrganization(r.Context(), orgID); err != nil {
		g.writeLedgerError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PUT /admin/organizations/{org_id}/auto-topup
func (g *Gateway) handleUpdateAutoTopUp(w http.ResponseWriter, r *http.Request) {
	orgID, ok := g.orgParam(w, r)
	if !ok {
		return
	}

	var settings models.AutoTopUpSettings
	if !g.decodeJSON(w, r, &settings) {
		return
	}

	org, err := g.ledger.UpdateAutoTopUp(r.Context(), orgID, settings)
	if err != nil {
		g.writeLedgerError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, org)
}

// handleReconcile compares the cached balance with the transaction log.
// GET /admin/organizations/{org_id}/reconcile
func (g *Gateway) handleReconcile(w http.ResponseWriter, r *http.Request) {
	orgID, ok := g.orgParam(w, r)
	if !ok {
		return
	}

	rec, err := g.ledger.Reconcile(r.Context(), orgID)
	if err != nil {
		g.writeLedgerError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"reconciliation": rec,
		"consistent":     rec.Consistent(),
	})
}

type addCreditsRequest struct {
	OrganizationID uuid.UUID              `json:"organization_id"`
	Amount         decimal.Decimal        `json:"amount"`
	Type           models.TransactionType `json:"type"`
	Description    string                 `json:"description"`
	Metadata       map[string]any         `json:"metadata,omitempty"`
}

// handleAddCredits posts a manual purchase, refund or adjustment.
// POST /admin/credits
func (g *Gateway) handleAddCredits(w http.ResponseWriter, r *http.Request) {
	var req addCreditsRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	if req.OrganizationID == uuid.Nil {
		g.writeError(w, http.StatusBadRequest, string(billing.ErrorCodeInvalidRequest), "organization_id is required")
		return
	}
	if req.Description == "" {
		req.Description = "Manual credit"
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["source"] = "admin"

	tx, err := g.engine.AddCredits(r.Context(), ledger.Credit{
		OrganizationID: req.OrganizationID,
		Amount:         req.Amount,
		Type:           req.Type,
		Description:    req.Description,
		Metadata:       metadata,
	})
	if err != nil {
		g.writeLedgerError(w, err)
		return
	}

	g.logger.Info("manual credit posted",
		zap.String("org_id", req.OrganizationID.String()),
		zap.String("transaction_id", tx.ID.String()),
		zap.String("type", string(tx.Type)),
		zap.String("amount", tx.Amount.String()),
	)

	g.writeJSON(w, http.StatusCreated, tx)
}

func (g *Gateway) orgParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "org_id"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, string(billing.ErrorCodeInvalidRequest), "invalid organization id")
		return uuid.Nil, false
	}
	return id, true
}
