package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is matched by *InsufficientBalanceError.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrWriteConflict marks contention (lock timeout, serialization failure, deadlock) that may be retried.
	ErrWriteConflict = errors.New("ledger write conflict")

	// ErrUnavailable means the store could not complete the unit of work. Callers fail closed.
	ErrUnavailable = errors.New("ledger unavailable")

	ErrOrganizationNotFound = errors.New("organization not found")
	ErrOrganizationExists   = errors.New("organization already exists")
	ErrInvalidAmount        = errors.New("invalid amount")
)

// InsufficientBalanceError reports a debit rejected by the balance floor.
type InsufficientBalanceError struct {
	OrganizationID uuid.UUID
	Balance        decimal.Decimal
	Requested      decimal.Decimal
	Floor          decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for organization %s: balance %s, requested %s, floor %s",
		e.OrganizationID, e.Balance.String(), e.Requested.String(), e.Floor.String())
}

// Is lets errors.Is(err, ErrInsufficientBalance) match.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
