package distribute

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/pubstats/internal/model"
)

// DefaultTolerance is the largest aggregate revenue drift a batch may show.
var DefaultTolerance = decimal.RequireFromString("0.01")

// Verification compares source totals with what a batch distributed.
type Verification struct {
	Source      model.Totals    `json:"source" yaml:"source"`
	Distributed model.Totals    `json:"distributed" yaml:"distributed"`
	RevenueDiff decimal.Decimal `json:"revenue_diff" yaml:"revenue_diff"`
	Tolerance   decimal.Decimal `json:"tolerance" yaml:"tolerance"`
	Mismatches  []string        `json:"mismatches,omitempty" yaml:"mismatches,omitempty"`
}

// Verify checks that integer totals match exactly and that revenue differs
// by no more than tolerance.
func Verify(source, distributed model.Totals, tolerance decimal.Decimal) Verification {
	v := Verification{
		Source:      source,
		Distributed: distributed,
		RevenueDiff: distributed.Revenue.Sub(source.Revenue),
		Tolerance:   tolerance,
	}

	checkInt := func(name string, want, got int64) {
		if want != got {
			v.Mismatches = append(v.Mismatches, fmt.Sprintf("%s: source %d, distributed %d", name, want, got))
		}
	}
	checkInt("total_searches", source.Searches, distributed.Searches)
	checkInt("monetized_searches", source.Monetized, distributed.Monetized)
	checkInt("paid_clicks", source.PaidClicks, distributed.PaidClicks)

	if v.RevenueDiff.Abs().GreaterThan(tolerance) {
		v.Mismatches = append(v.Mismatches, fmt.Sprintf("feed_revenue: source %s, distributed %s, diff %s exceeds %s",
			source.Revenue.StringFixed(2), distributed.Revenue.StringFixed(2),
			v.RevenueDiff.StringFixed(2), tolerance.String()))
	}
	return v
}

// Passed reports whether no mismatch was found.
func (v *Verification) Passed() bool {
	return len(v.Mismatches) == 0
}

// Status is "passed" or "failed".
func (v *Verification) Status() string {
	if v.Passed() {
		return "passed"
	}
	return "failed"
}

// Err returns ErrVerificationMismatch describing every mismatch, or nil.
func (v *Verification) Err() error {
	if v.Passed() {
		return nil
	}
	return eris.Wrap(ErrVerificationMismatch, strings.Join(v.Mismatches, "; "))
}

// metadata flattens the verification for the operation log.
func (v *Verification) metadata() map[string]any {
	return map[string]any{
		"status":                  v.Status(),
		"source_searches":         v.Source.Searches,
		"source_monetized":        v.Source.Monetized,
		"source_paid_clicks":      v.Source.PaidClicks,
		"source_revenue":          v.Source.Revenue.StringFixed(2),
		"distributed_searches":    v.Distributed.Searches,
		"distributed_monetized":   v.Distributed.Monetized,
		"distributed_paid_clicks": v.Distributed.PaidClicks,
		"distributed_revenue":     v.Distributed.Revenue.StringFixed(2),
		"revenue_diff":            v.RevenueDiff.StringFixed(2),
	}
}
