package wastewatch

import (
	"time"

	"github.com/go-openapi/strfmt"
)

// Exchange is the reconciled unit kept in history: a prompt's input
// contribution merged with the contribution of its matched response.
type Exchange struct {
	ID             string          `json:"id"`
	Model          string          `json:"model"`
	Site           string          `json:"site"`
	SessionID      string          `json:"sessionId,omitempty"`
	InputTokens    int             `json:"inputTokenCount"`
	ResponseTokens int             `json:"responseTokenCount"`
	Timestamp      strfmt.DateTime `json:"timestamp"`
	TextPreview    string          `json:"textPreview,omitempty"`
	PromptHash     string          `json:"promptHash,omitempty"`
	Inferred       bool            `json:"inferred,omitempty"`
	// ResponseOnly is set for responses that could not be matched to a prompt.
	ResponseOnly bool `json:"responseOnly,omitempty"`

	ResponseID     string          `json:"responseId,omitempty"`
	ResponseHash   string          `json:"responseHash,omitempty"`
	RespondedAt    strfmt.DateTime `json:"respondedAt"`
	ResponseImpact Impact          `json:"responseImpact"`

	// Impact is the whole contribution of the exchange, input and response.
	Impact
}

// NewExchange starts an exchange from a prompt sample.
func NewExchange(s ImpactSample) Exchange {
	return Exchange{
		ID:          s.ID,
		Model:       s.Model,
		Site:        s.Site,
		SessionID:   s.SessionID,
		InputTokens: s.InputTokens,
		Timestamp:   s.Timestamp,
		TextPreview: s.TextPreview,
		PromptHash:  s.ContentHash,
		Inferred:    s.Inferred,
		Impact:      s.Impact,
	}
}

// NewResponseOnlyExchange records a response that has no prompt to merge with.
func NewResponseOnlyExchange(s ImpactSample) Exchange {
	e := Exchange{
		ID:           s.ID,
		Model:        s.Model,
		Site:         s.Site,
		SessionID:    s.SessionID,
		InputTokens:  s.InputTokens,
		Timestamp:    s.Timestamp,
		ResponseOnly: true,
	}
	e.AttachResponse(s)
	return e
}

// HasResponse reports whether a response was merged into the exchange.
func (e Exchange) HasResponse() bool {
	return e.ResponseID != "" || e.ResponseTokens > 0
}

// AttachResponse merges a response sample in place.
func (e *Exchange) AttachResponse(s ImpactSample) {
	e.ResponseID = s.ID
	e.ResponseHash = s.ContentHash
	e.ResponseTokens = s.ResponseTokens
	e.RespondedAt = s.Timestamp
	e.ResponseImpact = s.Impact
	e.Impact = e.Impact.Add(s.Impact)
}

// DetachResponse removes a previously merged response and returns the
// contribution that was taken out.
func (e *Exchange) DetachResponse() AggregateTotals {
	removed := AggregateTotals{TokenCount: e.ResponseTokens}
	removed.AddImpact(e.ResponseImpact)

	e.Impact = e.Impact.Sub(e.ResponseImpact).Clamp()
	e.ResponseID = ""
	e.ResponseHash = ""
	e.ResponseTokens = 0
	e.RespondedAt = strfmt.DateTime{}
	e.ResponseImpact = Impact{}
	return removed
}

// Time returns the time the exchange was started.
func (e Exchange) Time() time.Time {
	return time.Time(e.Timestamp)
}

// Contribution is what the exchange adds to the aggregate totals.
func (e Exchange) Contribution() AggregateTotals {
	t := AggregateTotals{
		TokenCount:  e.InputTokens + e.ResponseTokens,
		PromptCount: 1,
	}
	t.AddImpact(e.Impact)
	return t
}

// AggregateTotals is the cached sum over all exchanges.
type AggregateTotals struct {
	WaterUsage        float64 `json:"waterUsage"`
	CarbonEmissions   float64 `json:"carbonEmissions"`
	EnergyConsumption float64 `json:"energyConsumption"`
	Cost              float64 `json:"cost"`
	TokenCount        int     `json:"tokenCount"`
	PromptCount       int     `json:"promptCount"`
}

// Add returns the sum of both totals.
func (t AggregateTotals) Add(o AggregateTotals) AggregateTotals {
	return AggregateTotals{
		WaterUsage:        t.WaterUsage + o.WaterUsage,
		CarbonEmissions:   t.CarbonEmissions + o.CarbonEmissions,
		EnergyConsumption: t.EnergyConsumption + o.EnergyConsumption,
		Cost:              t.Cost + o.Cost,
		TokenCount:        t.TokenCount + o.TokenCount,
		PromptCount:       t.PromptCount + o.PromptCount,
	}
}

// Sub returns t - o, clamped at zero.
func (t AggregateTotals) Sub(o AggregateTotals) AggregateTotals {
	return AggregateTotals{
		WaterUsage:        nonNegative(t.WaterUsage - o.WaterUsage),
		CarbonEmissions:   nonNegative(t.CarbonEmissions - o.CarbonEmissions),
		EnergyConsumption: nonNegative(t.EnergyConsumption - o.EnergyConsumption),
		Cost:              nonNegative(t.Cost - o.Cost),
		TokenCount:        max(t.TokenCount-o.TokenCount, 0),
		PromptCount:       max(t.PromptCount-o.PromptCount, 0),
	}
}

// AddImpact adds the impact fields in place.
func (t *AggregateTotals) AddImpact(i Impact) {
	t.WaterUsage += i.WaterUsage
	t.CarbonEmissions += i.CarbonEmissions
	t.EnergyConsumption += i.EnergyConsumption
	t.Cost += i.Cost
}

// Impact returns the impact part of the totals.
func (t AggregateTotals) Impact() Impact {
	return Impact{
		WaterUsage:        t.WaterUsage,
		CarbonEmissions:   t.CarbonEmissions,
		EnergyConsumption: t.EnergyConsumption,
		Cost:              t.Cost,
	}
}

// IsZero reports whether nothing has been recorded.
func (t AggregateTotals) IsZero() bool {
	return t == AggregateTotals{}
}

// Fold sums the contribution of every exchange on top of base.
func Fold(base AggregateTotals, history []Exchange) AggregateTotals {
	total := base
	for _, e := range history {
		total = total.Add(e.Contribution())
	}
	return total
}
