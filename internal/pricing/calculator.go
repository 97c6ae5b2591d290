package pricing

import (
	"errors"
	"fmt"

	"github.com/crosslogic/metering/pkg/models"
	"github.com/shopspring/decimal"
)

// CostPrecision is the number of decimal places costs are rounded to.
const CostPrecision int32 = 8

// ErrInvalidUsage is returned for usage that cannot be priced, such as negative unit counts.
var ErrInvalidUsage = errors.New("invalid usage")

// Breakdown explains how a cost was derived.
type Breakdown struct {
	Entry          Entry           `json:"-"`
	PricingKey     string          `json:"pricing_key"`
	PricingVersion string          `json:"pricing_version"`
	Fallback       bool            `json:"fallback"`
	InputCost      decimal.Decimal `json:"input_cost"`
	OutputCost     decimal.Decimal `json:"output_cost"`
	FlatCost       decimal.Decimal `json:"flat_cost"`
	ComputedCost   decimal.Decimal `json:"computed_cost"`
	MinimumApplied bool            `json:"minimum_applied"`
	Cost           decimal.Decimal `json:"cost"`
}

// Calculator prices usage against the current table snapshot.
type Calculator struct {
	table *Table
}

// NewCalculator creates a new cost calculator
func NewCalculator(table *Table) *Calculator {
	return &Calculator{table: table}
}

// CalculateCost prices one usage event. The result is never below the minimum charge.
func (c *Calculator) CalculateCost(usage models.UsageContext) (Breakdown, error) {
	return Calculate(c.table.Snapshot(), usage)
}

// EstimateOperationCost is CalculateCost for pre-flight affordability checks.
func (c *Calculator) EstimateOperationCost(usage models.UsageContext) (decimal.Decimal, error) {
	b, err := c.CalculateCost(usage)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Cost, nil
}

// Calculate prices usage against a fixed snapshot.
func Calculate(s *Snapshot, usage models.UsageContext) (Breakdown, error) {
	if s == nil {
		return Breakdown{}, errors.New("pricing table not loaded")
	}
	if usage.InputUnits < 0 || usage.OutputUnits < 0 || usage.Operations < 0 {
		return Breakdown{}, fmt.Errorf("%w: unit counts must not be negative", ErrInvalidUsage)
	}

	entry, matched := s.Lookup(usage.Provider, usage.Model, usage.Operation)
	unitSize := decimal.NewFromInt(entry.UnitSize)

	// units * rate / unitSize keeps exact results for decimal rates
	inputCost := decimal.NewFromInt(usage.InputUnits).Mul(entry.InputRate).Div(unitSize)
	outputCost := decimal.NewFromInt(usage.OutputUnits).Mul(entry.OutputRate).Div(unitSize)

	flatCost := decimal.Zero
	if entry.FlatRate.IsPositive() {
		ops := usage.Operations
		if ops == 0 {
			ops = 1
		}
		flatCost = entry.FlatRate.Mul(decimal.NewFromInt(ops))
	}

	computed := inputCost.Add(outputCost).Add(flatCost).Round(CostPrecision)

	b := Breakdown{
		Entry:          entry,
		PricingKey:     entry.Key.String(),
		PricingVersion: s.Version,
		Fallback:       !matched,
		InputCost:      inputCost.Round(CostPrecision),
		OutputCost:     outputCost.Round(CostPrecision),
		FlatCost:       flatCost.Round(CostPrecision),
		ComputedCost:   computed,
		Cost:           computed,
	}

	if computed.LessThan(s.MinimumCharge) {
		b.Cost = s.MinimumCharge
		b.MinimumApplied = true
	}

	return b, nil
}
