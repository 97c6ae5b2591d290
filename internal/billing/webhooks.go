package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/crosslogic/metering/internal/ledger"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/metrics"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute
	maxWebhookBodyBytes  = 65536

	// intents created by the auto top-up worker are credited by the worker itself
	autoTopUpSource = "auto_topup"
)

// CreditSink receives the ledger postings a webhook produces.
type CreditSink interface {
	AddCredits(ctx context.Context, c ledger.Credit) (*models.LedgerTransaction, error)
	RecordAudit(ctx context.Context, orgID uuid.UUID, description string, metadata map[string]any) (*models.LedgerTransaction, error)
}

// WebhookHandler processes Stripe webhook events for manual credit purchases.
//
// payment_intent.succeeded credits the organization named in the intent's
// metadata; payment_intent.payment_failed leaves an audit note. Every event is
// verified with the signing secret and processed at most once per event id.
type WebhookHandler struct {
	webhookSecret string
	credits       CreditSink
	cache         *cache.Cache
	eventBus      *events.Bus
	logger        *zap.Logger

	// processedEvents tracks event ids when Redis is not configured.
	processedEvents map[string]time.Time
	mu              sync.Mutex
}

// NewWebhookHandler creates a Stripe webhook handler. cacheClient may be nil, in
// which case idempotency is tracked in process memory.
func NewWebhookHandler(webhookSecret string, credits CreditSink, cacheClient *cache.Cache, eventBus *events.Bus, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret:   webhookSecret,
		credits:         credits,
		cache:           cacheClient,
		eventBus:        eventBus,
		logger:          logger.Named("webhooks"),
		processedEvents: make(map[string]time.Time),
	}
}

// HandleWebhook verifies and dispatches one Stripe event.
//
// Responses: 200 when processed, duplicated or ignored; 400 for an unreadable
// body or bad signature; 500 when processing failed and Stripe should retry.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEventWithOptions(body, signature, h.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "invalid_signature").Inc()
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	eventType := string(event.Type)

	lockAcquired, err := h.reserveEvent(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to reserve webhook event",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		http.Error(w, "Failed to reserve event", http.StatusInternalServerError)
		return
	}
	if !lockAcquired {
		metrics.WebhookEvents.WithLabelValues(eventType, "duplicate").Inc()
		h.logger.Info("webhook event already in progress or processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", eventType),
		zap.Time("created", time.Unix(event.Created, 0)),
	)

	var handlerErr error
	switch event.Type {
	case "payment_intent.succeeded":
		handlerErr = h.handlePaymentSucceeded(ctx, event)
	case "payment_intent.payment_failed":
		handlerErr = h.handlePaymentFailed(ctx, event)
	default:
		h.logger.Debug("ignoring webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType),
		)
	}

	h.finalizeEvent(context.WithoutCancel(ctx), event.ID, handlerErr == nil)

	if handlerErr != nil {
		metrics.WebhookEvents.WithLabelValues(eventType, "failed").Inc()
		h.logger.Error("webhook event processing failed",
			zap.Error(handlerErr),
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType),
		)
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	metrics.WebhookEvents.WithLabelValues(eventType, "processed").Inc()
	w.WriteHeader(http.StatusOK)
}

// purchase is the metadata contract for credit purchase intents.
type purchase struct {
	OrganizationID uuid.UUID
	Credits        decimal.Decimal
}

// errNotPurchase marks intents that carry no credit purchase metadata.
var errNotPurchase = errors.New("payment intent is not a credit purchase")

func parsePurchase(pi *stripe.PaymentIntent) (purchase, error) {
	if pi.Metadata["source"] == autoTopUpSource {
		return purchase{}, errNotPurchase
	}
	rawOrg, okOrg := pi.Metadata["organization_id"]
	rawCredits, okCredits := pi.Metadata["credits"]
	if !okOrg || !okCredits {
		return purchase{}, errNotPurchase
	}

	orgID, err := uuid.Parse(rawOrg)
	if err != nil {
		return purchase{}, fmt.Errorf("invalid organization_id metadata %q: %w", rawOrg, err)
	}
	credits, err := decimal.NewFromString(rawCredits)
	if err != nil {
		return purchase{}, fmt.Errorf("invalid credits metadata %q: %w", rawCredits, err)
	}
	if !credits.IsPositive() {
		return purchase{}, fmt.Errorf("credits metadata must be positive, got %s", credits.String())
	}
	return purchase{OrganizationID: orgID, Credits: credits}, nil
}

func (h *WebhookHandler) handlePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	p, err := parsePurchase(&pi)
	if errors.Is(err, errNotPurchase) {
		h.logger.Debug("payment intent carries no credit purchase",
			zap.String("payment_intent_id", pi.ID),
			zap.String("source", pi.Metadata["source"]),
		)
		return nil
	}
	if err != nil {
		// malformed metadata will not improve on retry
		h.logger.Error("rejecting credit purchase with invalid metadata",
			zap.String("payment_intent_id", pi.ID),
			zap.Error(err),
		)
		return nil
	}

	tx, err := h.credits.AddCredits(ctx, ledger.Credit{
		OrganizationID: p.OrganizationID,
		Amount:         p.Credits,
		Type:           models.TransactionTypePurchase,
		Description:    fmt.Sprintf("Credit purchase of %s credits", p.Credits.String()),
		Metadata: map[string]any{
			"source":          "stripe_webhook",
			"payment_id":      pi.ID,
			"stripe_event_id": event.ID,
			"amount_cents":    pi.Amount,
			"currency":        string(pi.Currency),
		},
	})
	if errors.Is(err, ledger.ErrOrganizationNotFound) {
		h.logger.Error("credit purchase for unknown organization",
			zap.String("org_id", p.OrganizationID.String()),
			zap.String("payment_intent_id", pi.ID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to credit purchase: %w", err)
	}

	h.logger.Info("credit purchase applied",
		zap.String("org_id", p.OrganizationID.String()),
		zap.String("payment_intent_id", pi.ID),
		zap.String("credits", p.Credits.String()),
		zap.String("balance_after", tx.BalanceAfter.String()),
	)

	h.eventBus.Publish(ctx, events.NewEvent(events.EventPaymentSucceeded, p.OrganizationID.String(), map[string]interface{}{
		"amount":            pi.Amount,
		"currency":          string(pi.Currency),
		"amount_formatted":  fmt.Sprintf("$%.2f", float64(pi.Amount)/100),
		"credits":           p.Credits.String(),
		"stripe_payment_id": pi.ID,
		"transaction_id":    tx.ID.String(),
	}))
	return nil
}

func (h *WebhookHandler) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	orgID, err := uuid.Parse(pi.Metadata["organization_id"])
	if err != nil {
		h.logger.Debug("failed payment intent has no organization", zap.String("payment_intent_id", pi.ID))
		return nil
	}

	failureCode := ""
	failureMessage := ""
	if pi.LastPaymentError != nil {
		failureCode = string(pi.LastPaymentError.Code)
		failureMessage = pi.LastPaymentError.Msg
	}

	h.logger.Warn("credit purchase payment failed",
		zap.String("org_id", orgID.String()),
		zap.String("payment_intent_id", pi.ID),
		zap.String("failure_code", failureCode),
		zap.String("failure_message", failureMessage),
	)

	if _, err := h.credits.RecordAudit(ctx, orgID, "Credit purchase payment failed", map[string]any{
		"source":          pi.Metadata["source"],
		"payment_id":      pi.ID,
		"stripe_event_id": event.ID,
		"failure_code":    failureCode,
		"failure_message": failureMessage,
	}); err != nil && !errors.Is(err, ledger.ErrOrganizationNotFound) {
		return fmt.Errorf("failed to record payment failure: %w", err)
	}

	h.eventBus.Publish(ctx, events.NewEvent(events.EventPaymentFailed, orgID.String(), map[string]interface{}{
		"reason":            "payment_failed",
		"failure_code":      failureCode,
		"stripe_payment_id": pi.ID,
	}))
	return nil
}

func (h *WebhookHandler) reserveEvent(ctx context.Context, eventID string) (bool, error) {
	if h.cache != nil {
		return h.cache.SetNX(ctx, h.redisKeyForEvent(eventID), "processing", webhookProcessingTTL)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanupExpiredEvents(time.Now())
	if _, exists := h.processedEvents[eventID]; exists {
		return false, nil
	}
	h.processedEvents[eventID] = time.Now()
	return true, nil
}

// finalizeEvent keeps a processed marker, or frees the reservation so Stripe's retry is processed.
func (h *WebhookHandler) finalizeEvent(ctx context.Context, eventID string, success bool) {
	if h.cache != nil {
		key := h.redisKeyForEvent(eventID)
		if success {
			if err := h.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
				h.logger.Warn("failed to persist webhook completion in cache",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
			return
		}
		if err := h.cache.Delete(ctx, key); err != nil {
			h.logger.Warn("failed to release webhook lock",
				zap.String("event_id", eventID),
				zap.Error(err),
			)
		}
		return
	}

	if !success {
		h.mu.Lock()
		delete(h.processedEvents, eventID)
		h.mu.Unlock()
	}
}

func (h *WebhookHandler) redisKeyForEvent(eventID string) string {
	return fmt.Sprintf("webhooks:stripe:%s", eventID)
}

func (h *WebhookHandler) cleanupExpiredEvents(now time.Time) {
	for id, ts := range h.processedEvents {
		if now.Sub(ts) > webhookProcessedTTL {
			delete(h.processedEvents, id)
		}
	}
}
