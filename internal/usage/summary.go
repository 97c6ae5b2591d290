package usage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProviderUsage aggregates usage for one provider. Cost counts successful records only.
type ProviderUsage struct {
	Provider       string          `json:"provider"`
	Requests       int64           `json:"requests"`
	FailedRequests int64           `json:"failed_requests"`
	InputUnits     int64           `json:"input_units"`
	OutputUnits    int64           `json:"output_units"`
	Cost           decimal.Decimal `json:"cost"`
}

// Summary is the usage breakdown for an organization over a period.
type Summary struct {
	OrganizationID uuid.UUID       `json:"organization_id"`
	Period         string          `json:"period"`
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	TotalRequests  int64           `json:"total_requests"`
	FailedRequests int64           `json:"failed_requests"`
	InputUnits     int64           `json:"input_units"`
	OutputUnits    int64           `json:"output_units"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	Providers      []ProviderUsage `json:"providers"`
}

func newSummary(orgID uuid.UUID, p Period, providers []ProviderUsage) *Summary {
	s := &Summary{
		OrganizationID: orgID,
		Period:         p.Name,
		Start:          p.Start,
		End:            p.End,
		TotalCost:      decimal.Zero,
		Providers:      providers,
	}
	for _, pu := range providers {
		s.TotalRequests += pu.Requests
		s.FailedRequests += pu.FailedRequests
		s.InputUnits += pu.InputUnits
		s.OutputUnits += pu.OutputUnits
		s.TotalCost = s.TotalCost.Add(pu.Cost)
	}
	if s.Providers == nil {
		s.Providers = []ProviderUsage{}
	}
	sortProviders(s.Providers)
	return s
}

// sortProviders orders by cost descending, then by name.
func sortProviders(providers []ProviderUsage) {
	sort.SliceStable(providers, func(i, j int) bool {
		if c := providers[i].Cost.Cmp(providers[j].Cost); c != 0 {
			return c > 0
		}
		return providers[i].Provider < providers[j].Provider
	})
}

// Period is a half-open [Start, End) reporting window.
type Period struct {
	Name  string
	Start time.Time
	End   time.Time
}

// ParsePeriod resolves a named period (day, week, month) or an explicit
// start/end pair. Dates accept RFC3339 or 2006-01-02; a date-only end
// includes that whole day.
func ParsePeriod(name, start, end string, now time.Time) (Period, error) {
	now = now.UTC()

	if start != "" || end != "" {
		p := Period{Name: "custom", End: now}
		if start != "" {
			t, _, err := parseTime(start)
			if err != nil {
				return Period{}, fmt.Errorf("invalid start: %w", err)
			}
			p.Start = t
		} else {
			p.Start = now.AddDate(0, 0, -30)
		}
		if end != "" {
			t, dateOnly, err := parseTime(end)
			if err != nil {
				return Period{}, fmt.Errorf("invalid end: %w", err)
			}
			if dateOnly {
				t = t.AddDate(0, 0, 1)
			}
			p.End = t
		}
		if !p.End.After(p.Start) {
			return Period{}, fmt.Errorf("end must be after start")
		}
		return p, nil
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "day", "today":
		return Period{Name: "day", Start: midnight, End: now}, nil
	case "week", "7d":
		return Period{Name: "week", Start: now.AddDate(0, 0, -7), End: now}, nil
	case "", "month":
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Period{Name: "month", Start: first, End: now}, nil
	case "30d":
		return Period{Name: "30d", Start: now.AddDate(0, 0, -30), End: now}, nil
	default:
		return Period{}, fmt.Errorf("unknown period %q", name)
	}
}

func parseTime(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
