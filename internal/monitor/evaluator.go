package monitor

import (
	"math"

	"github.com/rewired-gh/dexwatch/internal/models"
)

// Evaluation is the outcome of checking one snapshot against one subscription.
type Evaluation struct {
	// Baselined is set when the subscription had no baseline; the caller
	// adopts the snapshot and nothing fires.
	Baselined bool
	Fired     bool
	Reason    models.Param
	Reasons   []string
	Deltas    models.Deltas
}

// PercentChange returns (cur-prev)/prev*100, invalid when prev is zero.
func PercentChange(prev, cur float64) models.Delta {
	if prev == 0 || math.IsNaN(prev) || math.IsNaN(cur) {
		return models.Delta{}
	}
	return models.Delta{Percent: (cur - prev) / prev * 100, Valid: true}
}

// ComputeDeltas measures every metric of snap against the baseline.
func ComputeDeltas(b *models.Baseline, snap models.Snapshot) models.Deltas {
	if b == nil {
		return models.Deltas{}
	}
	return models.Deltas{
		Price:     PercentChange(b.Price, snap.PriceUSD),
		MarketCap: PercentChange(b.MarketCap, snap.MarketCapUSD),
		Volume:    PercentChange(b.Volume5m, snap.Volume5mUSD),
	}
}

// Evaluate checks thresholds in priority order (price, market cap, volume).
// The first breached threshold fires and stops evaluation, so a cycle yields
// at most one alert per subscription. All deltas are reported either way.
func Evaluate(snap models.Snapshot, sub *models.Subscription) Evaluation {
	if sub.Baseline == nil {
		return Evaluation{Baselined: true}
	}

	ev := Evaluation{Deltas: ComputeDeltas(sub.Baseline, snap)}
	if sub.Thresholds.Inert() {
		return ev
	}

	for _, p := range models.Params {
		threshold := sub.Thresholds.Get(p)
		if threshold <= 0 {
			continue
		}
		d := ev.Deltas.Get(p)
		if !d.Valid {
			continue
		}
		if math.Abs(d.Percent) >= threshold {
			ev.Fired = true
			ev.Reason = p
			ev.Reasons = []string{string(p)}
			break
		}
	}
	return ev
}
