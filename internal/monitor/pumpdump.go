package monitor

import (
	"time"

	"github.com/rewired-gh/dexwatch/internal/models"
)

// PumpDumpDetector flags sudden buy or sell volume spikes over a short window.
// Its label only annotates alerts; it never fires one by itself.
type PumpDumpDetector struct {
	Window     int
	MinSamples int
	Multiplier float64
}

// DefaultPumpDumpDetector looks at the last 5 samples, needs at least 3 and
// flags a spike above 2.5x the window average.
func DefaultPumpDumpDetector() PumpDumpDetector {
	return PumpDumpDetector{Window: 5, MinSamples: 3, Multiplier: 2.5}
}

// Observe records a buy/sell volume sample, evicting the oldest past capacity.
func (d PumpDumpDetector) Observe(h *models.VolumeHistory, buy, sell float64, at time.Time) {
	h.Push(models.VolumeSample{At: at, Buy: buy, Sell: sell})
}

// Classify reports "pump" when the latest buy volume exceeds Multiplier times
// the window average, otherwise "dump" for the same test on sell volume.
func (d PumpDumpDetector) Classify(h *models.VolumeHistory) models.PumpDumpLabel {
	if h == nil || h.Len() < d.MinSamples {
		return models.LabelNone
	}

	window := h.Last(d.Window)
	var sumBuy, sumSell float64
	for _, s := range window {
		sumBuy += s.Buy
		sumSell += s.Sell
	}
	avgBuy := sumBuy / float64(len(window))
	avgSell := sumSell / float64(len(window))
	latest := window[len(window)-1]

	switch {
	case latest.Buy > avgBuy*d.Multiplier:
		return models.LabelPump
	case latest.Sell > avgSell*d.Multiplier:
		return models.LabelDump
	default:
		return models.LabelNone
	}
}
