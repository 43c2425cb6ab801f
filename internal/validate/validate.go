// Package validate runs structural and business checks on staged
// snapshots before promotion.
package validate

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fundops/positionloader/internal/types"
)

// Thresholds configures the business checks.
type Thresholds struct {
	// ZeroPriceThresholdPct is the maximum tolerated percentage of
	// zero-priced positions (default 10).
	ZeroPriceThresholdPct float64
	// SuspiciousChangePct flags per-position quantity changes vs the prior
	// ACTIVE batch above this percentage (default 50).
	SuspiciousChangePct float64
	// StrictMode turns warnings into failures.
	StrictMode bool
}

// Result carries the outcome of a validation pass. Warnings do not fail
// the run unless strict mode is on.
type Result struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the run may proceed.
func (r *Result) OK(strict bool) bool {
	if len(r.Errors) > 0 {
		return false
	}
	if strict && len(r.Warnings) > 0 {
		return false
	}
	return true
}

func (r *Result) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Snapshot checks the staged snapshot. prior holds the current quantity
// per productId from the previously ACTIVE batch; nil means first-ever
// load.
func Snapshot(s *types.AccountSnapshot, prior map[int64]decimal.Decimal, th Thresholds) *Result {
	res := &Result{}

	if s.AccountID == 0 {
		res.errorf("snapshot missing account id")
	}
	if s.BusinessDate.IsZero() {
		res.errorf("snapshot missing business date")
	}

	zeroPriced := 0
	for i := range s.Positions {
		p := &s.Positions[i]
		if p.ProductID == 0 && p.Ticker == "" {
			res.errorf("position %d: missing product id and ticker", i)
			continue
		}
		if p.Quantity.Exponent() < -types.QuantityScale {
			res.errorf("product %d: quantity %s exceeds scale %d",
				p.ProductID, p.Quantity, types.QuantityScale)
		}
		if p.Price.Exponent() < -types.PriceScale {
			res.errorf("product %d: price %s exceeds scale %d",
				p.ProductID, p.Price, types.PriceScale)
		}
		if p.Price.IsZero() {
			zeroPriced++
		}

		if prior != nil {
			if oldQty, ok := prior[p.ProductID]; ok && !oldQty.IsZero() {
				change := p.Quantity.Sub(oldQty).Abs().
					Div(oldQty.Abs()).Mul(decimal.NewFromInt(100))
				if change.GreaterThan(decimal.NewFromFloat(th.SuspiciousChangePct)) {
					res.warnf("product %d: quantity change %s%% vs prior active exceeds %.0f%%",
						p.ProductID, change.StringFixed(1), th.SuspiciousChangePct)
				}
			}
		}
	}

	if n := len(s.Positions); n > 0 {
		pct := float64(zeroPriced) / float64(n) * 100
		if pct > th.ZeroPriceThresholdPct {
			res.warnf("%.1f%% of positions are zero-priced (threshold %.0f%%)",
				pct, th.ZeroPriceThresholdPct)
		}
	}

	return res
}
