package alert

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
	"github.com/xhit/go-str2duration/v2"

	"github.com/rewired-gh/dexwatch/internal/models"
)

// FormatMessage renders a notice as plain text.
func FormatMessage(n Notice) string {
	var b strings.Builder

	fmt.Fprintf(&b, "🚨 %s alert: %s", n.Reason.Title(), displayName(n))
	if n.ChainID != "" {
		fmt.Fprintf(&b, " on %s", n.ChainID)
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Price: %s%s\n", FormatPrice(n.Snapshot.PriceUSD), was(n.Baseline.Price, FormatPrice))
	fmt.Fprintf(&b, "Market cap: %s%s\n", FormatUSD(n.Snapshot.MarketCapUSD), was(n.Baseline.MarketCap, FormatUSD))
	fmt.Fprintf(&b, "Volume (5m): %s%s\n\n", FormatUSD(n.Snapshot.Volume5mUSD), was(n.Baseline.Volume5m, FormatUSD))

	for _, p := range models.Params {
		d := n.Deltas.Get(p)
		if !d.Valid {
			continue
		}
		marker := "  "
		if p == n.Reason {
			marker = "▶ "
		}
		fmt.Fprintf(&b, "%s%s: %s\n", marker, p.Title(), FormatDelta(d))
	}

	switch n.Label {
	case models.LabelPump:
		b.WriteString("\n📈 Possible pump: buy volume spike\n")
	case models.LabelDump:
		b.WriteString("\n📉 Possible dump: sell volume spike\n")
	}

	b.WriteString("\n")
	b.WriteString(SinceLast(n.PreviousAlertAt, n.DetectedAt))
	b.WriteString("\n")
	if n.Snapshot.SourceURL != "" {
		b.WriteString(n.Snapshot.SourceURL)
		b.WriteString("\n")
	}
	return b.String()
}

func was(v float64, format func(float64) string) string {
	if v <= 0 {
		return ""
	}
	return " (was " + format(v) + ")"
}

func displayName(n Notice) string {
	if n.Symbol != "" {
		return n.Symbol + " (" + models.ShortAddress(n.Address) + ")"
	}
	return n.Address
}

// FormatDelta renders a percentage change with an explicit sign.
func FormatDelta(d models.Delta) string {
	if !d.Valid {
		return "n/a"
	}
	return fmt.Sprintf("%+.1f%%", d.Percent)
}

// FormatPrice keeps four significant digits for sub-dollar prices and
// thousands separators above.
func FormatPrice(p float64) string {
	if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
		return "$0"
	}
	d := decimal.NewFromFloat(p)
	if p >= 1 {
		return "$" + humanize.CommafWithDigits(d.Round(4).InexactFloat64(), 4)
	}
	places := int32(-math.Floor(math.Log10(p))) + 3
	return "$" + d.Round(places).String()
}

// FormatUSD renders a whole-dollar amount with thousands separators.
func FormatUSD(v float64) string {
	return "$" + humanize.CommafWithDigits(v, 0)
}

// SinceLast describes the time elapsed since the previous alert.
func SinceLast(prev, now time.Time) string {
	if prev.IsZero() {
		return "First alert for this subscription"
	}
	elapsed := now.Sub(prev).Truncate(time.Second)
	if elapsed < time.Second {
		elapsed = 0
	}
	return "Previous alert " + str2duration.String(elapsed) + " ago"
}
