package backtest

import (
	"math"

	"github.com/kychan/flowdesk/internal/domain"
)

// sharpeRatio computes mean/stdev of the curve's period-over-period returns
// scaled by sqrt(annualization). A flat or too-short curve reports 0, never
// NaN.
func sharpeRatio(curve []domain.EquityPoint, annualization float64) float64 {
	if len(curve) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			return 0
		}
		returns = append(returns, curve[i].Equity/prev-1)
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sq float64
	for _, r := range returns {
		d := r - mean
		sq += d * d
	}
	variance := sq / float64(len(returns)-1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(annualization)
}

// maxDrawdownPct returns the largest peak-to-trough decline along the
// curve as a non-positive percentage: 0 for a curve that never falls
// below a previous peak.
func maxDrawdownPct(curve []domain.EquityPoint) float64 {
	var peak, worst float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			dd := (p.Equity - peak) / peak * 100
			if dd < worst {
				worst = dd
			}
		}
	}
	return worst
}
