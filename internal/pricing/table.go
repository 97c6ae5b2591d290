package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// Wildcard matches any model or operation in a pricing key.
const Wildcard = "*"

// DefaultUnitSize is the number of units each rate is quoted for (per 1K tokens).
const DefaultUnitSize int64 = 1000

// Key identifies a pricing entry.
type Key struct {
	Provider  string
	Model     string
	Operation string
}

// NewKey normalizes provider, model and operation into a lookup key.
func NewKey(provider, model, operation string) Key {
	return Key{
		Provider:  normalize(provider),
		Model:     normalize(model),
		Operation: normalize(operation),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Provider, k.Model, k.Operation)
}

// Entry is the rate card for one (provider, model, operation).
type Entry struct {
	Key Key

	// InputRate and OutputRate are credits per UnitSize units.
	InputRate  decimal.Decimal
	OutputRate decimal.Decimal

	// FlatRate is charged per billable operation regardless of units.
	FlatRate decimal.Decimal

	UnitSize int64
}

// Validate rejects negative rates and non-positive unit sizes.
func (e Entry) Validate() error {
	if e.InputRate.IsNegative() || e.OutputRate.IsNegative() || e.FlatRate.IsNegative() {
		return fmt.Errorf("pricing entry %s has a negative rate", e.Key)
	}
	if e.UnitSize <= 0 {
		return fmt.Errorf("pricing entry %s has invalid unit size %d", e.Key, e.UnitSize)
	}
	return nil
}

// Snapshot is an immutable view of the pricing table.
type Snapshot struct {
	Version       string
	MinimumCharge decimal.Decimal

	entries      map[Key]Entry
	defaultEntry Entry
}

// NewSnapshot validates entries and builds a snapshot. The default entry prices
// any (provider, model) pair without a more specific match.
func NewSnapshot(version string, minimumCharge decimal.Decimal, defaultEntry Entry, entries []Entry) (*Snapshot, error) {
	if minimumCharge.IsNegative() {
		return nil, errors.New("minimum charge must not be negative")
	}

	defaultEntry.Key = Key{Provider: Wildcard, Model: Wildcard, Operation: Wildcard}
	if defaultEntry.UnitSize == 0 {
		defaultEntry.UnitSize = DefaultUnitSize
	}
	if err := defaultEntry.Validate(); err != nil {
		return nil, err
	}

	s := &Snapshot{
		Version:       version,
		MinimumCharge: minimumCharge,
		entries:       make(map[Key]Entry, len(entries)),
		defaultEntry:  defaultEntry,
	}

	for _, e := range entries {
		e.Key = NewKey(e.Key.Provider, e.Key.Model, e.Key.Operation)
		if e.Key.Provider == "" || e.Key.Provider == Wildcard {
			return nil, fmt.Errorf("pricing entry %s must name a provider", e.Key)
		}
		if e.Key.Model == "" {
			e.Key.Model = Wildcard
		}
		if e.Key.Operation == "" {
			e.Key.Operation = Wildcard
		}
		if e.UnitSize == 0 {
			e.UnitSize = DefaultUnitSize
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}
		s.entries[e.Key] = e
	}

	return s, nil
}

// Lookup resolves the most specific entry: exact match, then any operation for
// the model, then any model for the provider, then the default entry.
func (s *Snapshot) Lookup(provider, model, operation string) (Entry, bool) {
	k := NewKey(provider, model, operation)
	if k.Operation == "" {
		k.Operation = Wildcard
	}

	candidates := []Key{
		k,
		{Provider: k.Provider, Model: k.Model, Operation: Wildcard},
		{Provider: k.Provider, Model: Wildcard, Operation: k.Operation},
		{Provider: k.Provider, Model: Wildcard, Operation: Wildcard},
	}
	for _, c := range candidates {
		if e, ok := s.entries[c]; ok {
			return e, true
		}
	}

	return s.defaultEntry, false
}

// Default returns the fallback entry.
func (s *Snapshot) Default() Entry {
	return s.defaultEntry
}

// Entries returns all explicit entries sorted by key.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Table holds the current pricing snapshot and swaps it atomically on reload.
type Table struct {
	current atomic.Pointer[Snapshot]
}

// NewTable creates a table serving the given snapshot.
func NewTable(s *Snapshot) *Table {
	t := &Table{}
	t.current.Store(s)
	return t
}

// Snapshot returns the snapshot in effect.
func (t *Table) Snapshot() *Snapshot {
	return t.current.Load()
}

// Replace swaps in a new snapshot for subsequent lookups.
func (t *Table) Replace(s *Snapshot) {
	if s == nil {
		return
	}
	t.current.Store(s)
}

// BuiltinSnapshot returns the rates used when no price list is configured.
func BuiltinSnapshot(minimumCharge decimal.Decimal) *Snapshot {
	d := decimal.RequireFromString
	gb := int64(1_000_000_000)

	s, err := NewSnapshot("builtin", minimumCharge,
		Entry{InputRate: d("0.01"), OutputRate: d("0.03")},
		[]Entry{
			{Key: NewKey("openai", "gpt-4", ""), InputRate: d("0.03"), OutputRate: d("0.06")},
			{Key: NewKey("openai", "gpt-4-turbo", ""), InputRate: d("0.01"), OutputRate: d("0.03")},
			{Key: NewKey("openai", "gpt-4o", ""), InputRate: d("0.005"), OutputRate: d("0.015")},
			{Key: NewKey("openai", "gpt-4o-mini", ""), InputRate: d("0.00015"), OutputRate: d("0.0006")},
			{Key: NewKey("openai", "gpt-3.5-turbo", ""), InputRate: d("0.0005"), OutputRate: d("0.0015")},
			{Key: NewKey("openai", "text-embedding-3-small", ""), InputRate: d("0.00002")},
			{Key: NewKey("openai", "dall-e-3", "image"), FlatRate: d("0.04")},
			{Key: NewKey("anthropic", "claude-3-opus", ""), InputRate: d("0.015"), OutputRate: d("0.075")},
			{Key: NewKey("anthropic", "claude-3-5-sonnet", ""), InputRate: d("0.003"), OutputRate: d("0.015")},
			{Key: NewKey("anthropic", "claude-3-sonnet", ""), InputRate: d("0.003"), OutputRate: d("0.015")},
			{Key: NewKey("anthropic", "claude-3-haiku", ""), InputRate: d("0.00025"), OutputRate: d("0.00125")},
			{Key: NewKey("anthropic", "", ""), InputRate: d("0.015"), OutputRate: d("0.075")},
			{Key: NewKey("storage", "", "put"), InputRate: d("0.023"), FlatRate: d("0.000005"), UnitSize: gb},
			{Key: NewKey("storage", "", "get"), OutputRate: d("0.0004"), FlatRate: d("0.0000004"), UnitSize: gb},
			{Key: NewKey("storage", "", "delete"), FlatRate: d("0")},
			{Key: NewKey("bandwidth", "egress", ""), OutputRate: d("0.09"), UnitSize: gb},
			{Key: NewKey("bandwidth", "ingress", ""), InputRate: d("0"), UnitSize: gb},
		},
	)
	if err != nil {
		panic(fmt.Sprintf("invalid builtin pricing: %v", err))
	}
	return s
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// FormatCredits formats a credit amount for logs and descriptions.
func FormatCredits(amount decimal.Decimal) string {
	return amount.StringFixed(4) + " credits"
}
