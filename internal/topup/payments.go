package topup

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

// ErrPaymentFailed is returned when the processor declines or cannot complete a charge.
var ErrPaymentFailed = errors.New("payment failed")

// ErrNoPaymentMethod means the organization has no customer or default payment method on file.
var ErrNoPaymentMethod = errors.New("no payment method on file")

// ChargeRequest asks the payment collaborator to buy credits for an organization.
type ChargeRequest struct {
	OrganizationID uuid.UUID
	CustomerID     string
	Credits        decimal.Decimal

	// IdempotencyKey is stable per trigger so a retried job cannot charge twice.
	IdempotencyKey string
}

// ChargeResult is a completed charge.
type ChargeResult struct {
	PaymentID   string
	AmountCents int64
	Currency    string
}

// PaymentCollaborator executes the actual charge when a top-up fires.
type PaymentCollaborator interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

// StripeCollaborator charges the customer's default payment method off-session
// with a confirmed PaymentIntent.
type StripeCollaborator struct {
	api           *client.API
	currency      string
	creditsPerUSD decimal.Decimal
	logger        *zap.Logger
}

// NewStripeCollaborator creates a Stripe-backed payment collaborator. backends may be
// nil to use Stripe's production endpoints.
func NewStripeCollaborator(secretKey, currency string, creditsPerUSD decimal.Decimal, backends *stripe.Backends, logger *zap.Logger) *StripeCollaborator {
	api := &client.API{}
	api.Init(secretKey, backends)

	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	if !creditsPerUSD.IsPositive() {
		creditsPerUSD = decimal.NewFromInt(1)
	}

	return &StripeCollaborator{
		api:           api,
		currency:      currency,
		creditsPerUSD: creditsPerUSD,
		logger:        logger.Named("stripe"),
	}
}

// CreditsToCents converts credits to the smallest currency unit, rounding up.
func (s *StripeCollaborator) CreditsToCents(credits decimal.Decimal) int64 {
	return credits.Div(s.creditsPerUSD).Mul(decimal.NewFromInt(100)).Ceil().IntPart()
}

func (s *StripeCollaborator) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.CustomerID == "" {
		return nil, ErrNoPaymentMethod
	}

	cents := s.CreditsToCents(req.Credits)
	if cents <= 0 {
		return nil, fmt.Errorf("%w: charge amount must be positive", ErrPaymentFailed)
	}

	cust, err := s.api.Customers.Get(req.CustomerID, &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, s.wrapError(err)
	}
	if cust.InvoiceSettings == nil || cust.InvoiceSettings.DefaultPaymentMethod == nil {
		return nil, ErrNoPaymentMethod
	}

	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(cents),
		Currency:      stripe.String(s.currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(cust.InvoiceSettings.DefaultPaymentMethod.ID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String(fmt.Sprintf("Auto top-up of %s credits", req.Credits.String())),
	}
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("organization_id", req.OrganizationID.String())
	params.AddMetadata("credits", req.Credits.String())
	params.AddMetadata("source", "auto_topup")

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, s.wrapError(err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		s.logger.Warn("auto top-up payment intent not completed",
			zap.String("org_id", req.OrganizationID.String()),
			zap.String("payment_intent_id", pi.ID),
			zap.String("status", string(pi.Status)),
		)
		return nil, fmt.Errorf("%w: payment intent %s is %s", ErrPaymentFailed, pi.ID, pi.Status)
	}

	return &ChargeResult{
		PaymentID:   pi.ID,
		AmountCents: pi.Amount,
		Currency:    string(pi.Currency),
	}, nil
}

func (s *StripeCollaborator) wrapError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Type == stripe.ErrorTypeCard {
			return fmt.Errorf("%w: %s (%s)", ErrPaymentFailed, stripeErr.Msg, stripeErr.DeclineCode)
		}
		return fmt.Errorf("%w: %s", ErrPaymentFailed, stripeErr.Msg)
	}
	return fmt.Errorf("%w: %w", ErrPaymentFailed, err)
}
