package wastewatch

import (
	"math"
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImpactArithmetic(t *testing.T) {
	a := Impact{WaterUsage: 1, CarbonEmissions: 2, EnergyConsumption: 3600, Cost: 0.5}
	b := Impact{WaterUsage: 2, CarbonEmissions: 1, EnergyConsumption: 1800, Cost: 0.25}

	assert.Equal(t, Impact{WaterUsage: 3, CarbonEmissions: 3, EnergyConsumption: 5400, Cost: 0.75}, a.Add(b))

	diff := a.Sub(b)
	assert.False(t, diff.IsNonNegative())
	assert.Equal(t, Impact{WaterUsage: 0, CarbonEmissions: 1, EnergyConsumption: 1800, Cost: 0.25}, diff.Clamp())

	assert.Equal(t, 0.0, Impact{EnergyConsumption: math.NaN()}.Clamp().EnergyConsumption)
	assert.InDelta(t, 1.0, a.WattHours(), 1e-9)
	assert.True(t, Impact{}.IsZero())
	assert.False(t, a.IsZero())
}

func TestAggregateTotalsSubClamps(t *testing.T) {
	a := AggregateTotals{TokenCount: 5, PromptCount: 1, Cost: 1}
	b := AggregateTotals{TokenCount: 7, PromptCount: 2, Cost: 0.25, WaterUsage: 3}

	got := a.Sub(b)
	assert.Equal(t, AggregateTotals{Cost: 0.75}, got)
	assert.Equal(t, AggregateTotals{TokenCount: 12, PromptCount: 3, Cost: 1.25, WaterUsage: 3}, a.Add(b))
	assert.True(t, a.Sub(a).IsZero())
}

func sample(kind SampleKind, id string) ImpactSample {
	return ImpactSample{
		ID:        id,
		Kind:      kind,
		Site:      "claude.ai",
		Timestamp: strfmt.DateTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
}

func TestSampleValidate(t *testing.T) {
	ok := sample(KindPrompt, "p1")
	require.NoError(t, ok.Validate())

	tests := []struct {
		name   string
		mutate func(*ImpactSample)
	}{
		{"missing id", func(s *ImpactSample) { s.ID = "" }},
		{"unknown kind", func(s *ImpactSample) { s.Kind = "other" }},
		{"negative tokens", func(s *ImpactSample) { s.InputTokens = -1 }},
		{"negative impact", func(s *ImpactSample) { s.Cost = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ok
			tt.mutate(&s)
			assert.ErrorIs(t, s.Validate(), ErrInvalidSample)
		})
	}
}

func TestSampleNormalized(t *testing.T) {
	s := sample(KindPrompt, "p1").Normalized()
	assert.Equal(t, DefaultModel, s.Model)

	s.Model = "claude"
	assert.Equal(t, "claude", s.Normalized().Model)
}

func TestExchangeResponseLifecycle(t *testing.T) {
	p := sample(KindPrompt, "p1")
	p.InputTokens = 4
	p.ContentHash = "abc"
	p.Impact = Impact{EnergyConsumption: 10, Cost: 0.1}

	e := NewExchange(p)
	assert.False(t, e.HasResponse())
	assert.Equal(t, "abc", e.PromptHash)
	assert.Equal(t, AggregateTotals{TokenCount: 4, PromptCount: 1, EnergyConsumption: 10, Cost: 0.1}, e.Contribution())

	r := sample(KindResponse, "r1")
	r.ResponseTokens = 20
	r.Impact = Impact{EnergyConsumption: 30, WaterUsage: 2}
	e.AttachResponse(r)
	require.True(t, e.HasResponse())
	assert.Equal(t, Impact{EnergyConsumption: 40, WaterUsage: 2, Cost: 0.1}, e.Impact)
	assert.Equal(t, 24, e.Contribution().TokenCount)

	removed := e.DetachResponse()
	assert.Equal(t, AggregateTotals{TokenCount: 20, EnergyConsumption: 30, WaterUsage: 2}, removed)
	assert.False(t, e.HasResponse())
	assert.Equal(t, p.Impact, e.Impact)
}

func TestResponseOnlyExchange(t *testing.T) {
	r := sample(KindResponse, "r1")
	r.InputTokens = 3
	r.ResponseTokens = 9
	r.Impact = Impact{EnergyConsumption: 12}

	e := NewResponseOnlyExchange(r)
	assert.True(t, e.ResponseOnly)
	assert.Equal(t, "r1", e.ResponseID)
	assert.Equal(t, AggregateTotals{TokenCount: 12, PromptCount: 1, EnergyConsumption: 12}, e.Contribution())
}

func TestFold(t *testing.T) {
	base := AggregateTotals{PromptCount: 10, TokenCount: 100}
	history := []Exchange{
		{InputTokens: 1, ResponseTokens: 2, Impact: Impact{Cost: 1}},
		{InputTokens: 3, Impact: Impact{Cost: 2}},
	}
	assert.Equal(t, AggregateTotals{PromptCount: 12, TokenCount: 106, Cost: 3}, Fold(base, history))
	assert.Equal(t, base, Fold(base, nil))
}
