package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Organization is the tenant that owns a credit balance.
type Organization struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`

	// CreditBalance is the denormalized sum of every ledger transaction amount.
	// Only the ledger store writes it, in the same unit of work as the transaction.
	CreditBalance decimal.Decimal `json:"credit_balance"`

	CreditThreshold  decimal.Decimal `json:"credit_threshold"`
	AutoTopUpEnabled bool            `json:"auto_top_up_enabled"`
	AutoTopUpAmount  decimal.Decimal `json:"auto_top_up_amount"`
	StripeCustomerID *string         `json:"stripe_customer_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// NeedsTopUp reports whether a balance has crossed the auto top-up threshold.
func (o *Organization) NeedsTopUp(balance decimal.Decimal) bool {
	return o.AutoTopUpEnabled && o.AutoTopUpAmount.IsPositive() && balance.LessThanOrEqual(o.CreditThreshold)
}

// AutoTopUpSettings are the tenant-configurable recharge parameters.
type AutoTopUpSettings struct {
	Enabled          bool            `json:"enabled"`
	Threshold        decimal.Decimal `json:"threshold"`
	Amount           decimal.Decimal `json:"amount"`
	StripeCustomerID *string         `json:"stripe_customer_id,omitempty"`
}

// TransactionType classifies a ledger transaction.
type TransactionType string

const (
	TransactionTypePurchase   TransactionType = "purchase"
	TransactionTypeUsage      TransactionType = "usage"
	TransactionTypeAdjustment TransactionType = "adjustment"
	TransactionTypeRefund     TransactionType = "refund"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeUsage, TransactionTypeAdjustment, TransactionTypeRefund:
		return true
	}
	return false
}

// LedgerTransaction is an immutable signed balance mutation.
type LedgerTransaction struct {
	ID             uuid.UUID       `json:"id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	UserID         *uuid.UUID      `json:"user_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Type           TransactionType `json:"type"`
	Description    string          `json:"description"`
	RequestID      *string         `json:"request_id,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// UsageContext describes one metered operation to price and bill.
type UsageContext struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Operation string `json:"operation,omitempty"`

	InputUnits  int64 `json:"input_units"`
	OutputUnits int64 `json:"output_units"`

	// Operations counts flat-rate billable calls; zero is treated as one.
	Operations int64 `json:"operations,omitempty"`

	APIKeyID   *uuid.UUID     `json:"api_key_id,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Normalized returns a copy with lower-cased, trimmed pricing identifiers.
func (u UsageContext) Normalized() UsageContext {
	u.Provider = strings.ToLower(strings.TrimSpace(u.Provider))
	u.Model = strings.ToLower(strings.TrimSpace(u.Model))
	u.Operation = strings.ToLower(strings.TrimSpace(u.Operation))
	u.RequestID = strings.TrimSpace(u.RequestID)
	return u
}

// UsageRecord is the write-once log of one metered event, independent of billing outcome.
type UsageRecord struct {
	ID             uuid.UUID       `json:"id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	APIKeyID       *uuid.UUID      `json:"api_key_id,omitempty"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	Operation      string          `json:"operation,omitempty"`
	InputUnits     int64           `json:"input_units"`
	OutputUnits    int64           `json:"output_units"`
	TotalUnits     int64           `json:"total_units"`
	Cost           decimal.Decimal `json:"cost"`
	DurationMs     int64           `json:"duration_ms"`
	Success        bool            `json:"success"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	RequestID      *string         `json:"request_id,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// StringPtr returns nil for empty strings.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
