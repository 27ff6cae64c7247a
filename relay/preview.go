package relay

import (
	"fmt"

	"github.com/casualjim/wastewatch"
)

// Preview is the overlay rendition of a running total.
type Preview struct {
	Prompts int    `json:"prompts"`
	Tokens  int    `json:"tokens"`
	Cost    string `json:"cost"`
	Energy  string `json:"energy"`
	Water   string `json:"water"`
	Carbon  string `json:"carbon"`
}

// NewPreview formats totals for display. Energy is shown in watt-hours.
func NewPreview(t wastewatch.AggregateTotals) Preview {
	return Preview{
		Prompts: t.PromptCount,
		Tokens:  t.TokenCount,
		Cost:    fmt.Sprintf("$%.4f", t.Cost),
		Energy:  fmt.Sprintf("%.3f Wh", t.Impact().WattHours()),
		Water:   fmt.Sprintf("%.2f mL", t.WaterUsage),
		Carbon:  fmt.Sprintf("%.2f g", t.CarbonEmissions),
	}
}
