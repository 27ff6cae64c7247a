// Package impact turns token counts into an environmental and monetary
// estimate using a per-model configuration table.
//
// The numbers in the embedded table are placeholders derived from public
// parameter count estimates: output energy assumes two FLOP per active
// parameter per token on an H100 at 10% utilisation drawing 1050W, input
// energy assumes 2.5Wh per 10k tokens. Replace the table with LoadFile when
// better figures are available.
package impact

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/casualjim/wastewatch"
)

//go:embed models.json
var defaultModelsJSON []byte

// DefaultKey is the table entry used for unknown models.
const DefaultKey = wastewatch.DefaultModel

// ModelConfig holds the per-token factors for one model family.
type ModelConfig struct {
	EnergyPerInputToken  float64 `json:"energy_per_input_token" toml:"energy_per_input_token"`   // joules
	EnergyPerOutputToken float64 `json:"energy_per_output_token" toml:"energy_per_output_token"` // joules
	WaterPerToken        float64 `json:"water_per_token" toml:"water_per_token"`                 // millilitres
	CarbonPerToken       float64 `json:"carbon_per_token" toml:"carbon_per_token"`               // grams CO2e
	InputPricePer1K      float64 `json:"input_price_per_1k" toml:"input_price_per_1k"`           // USD
	OutputPricePer1K     float64 `json:"output_price_per_1k" toml:"output_price_per_1k"`         // USD
}

// fallback is used when a table has no default entry at all.
var fallback = ModelConfig{
	EnergyPerInputToken:  0.9,
	EnergyPerOutputToken: 1.0617,
	WaterPerToken:        0.5,
	CarbonPerToken:       0.2,
	InputPricePer1K:      0.001,
	OutputPricePer1K:     0.002,
}

// Table maps model ids, or prefixes of model ids, to their configuration.
type Table map[string]ModelConfig

// Parse decodes a JSON table.
func Parse(data []byte) (Table, error) {
	var table Table
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decode model table: %w", err)
	}
	for name, cfg := range table {
		if cfg.EnergyPerInputToken < 0 || cfg.EnergyPerOutputToken < 0 || cfg.WaterPerToken < 0 ||
			cfg.CarbonPerToken < 0 || cfg.InputPricePer1K < 0 || cfg.OutputPricePer1K < 0 {
			return nil, fmt.Errorf("model %q: factors must not be negative", name)
		}
	}
	return table, nil
}

// Default returns a fresh copy of the embedded table.
func Default() Table {
	table, err := Parse(defaultModelsJSON)
	if err != nil {
		panic(err)
	}
	return table
}

// LoadFile reads a JSON table from path and merges it over the defaults.
func LoadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model table: %w", err)
	}
	overrides, err := Parse(data)
	if err != nil {
		return nil, err
	}
	table := Default()
	table.Merge(overrides)
	return table, nil
}

// Merge adds entries from other into t. Existing keys are overwritten.
func (t Table) Merge(other Table) {
	for k, v := range other {
		t[k] = v
	}
}

// Lookup finds the configuration for a model, trying an exact match, then the
// longest key that prefixes the model id, then the default entry. It never
// fails; the returned key names the entry that was used.
func (t Table) Lookup(model string) (ModelConfig, string) {
	model = strings.ToLower(strings.TrimSpace(model))
	if cfg, ok := t[model]; ok {
		return cfg, model
	}
	var bestKey string
	for key := range t {
		if key != DefaultKey && strings.HasPrefix(model, key) && len(key) > len(bestKey) {
			bestKey = key
		}
	}
	if bestKey != "" {
		return t[bestKey], bestKey
	}
	if cfg, ok := t[DefaultKey]; ok {
		return cfg, DefaultKey
	}
	return fallback, DefaultKey
}

// Known reports whether the model resolves to an entry other than the default.
func (t Table) Known(model string) bool {
	_, key := t.Lookup(model)
	return key != DefaultKey
}

// Compute estimates the impact of a prompt with inputTokens tokens answered
// by responseTokens tokens. Negative counts are treated as zero.
//
// Compute is linear in both counts, so the contribution of a response is
// Compute(m, in, out).Sub(Compute(m, in, 0)), which equals Response(m, out).
func (t Table) Compute(model string, inputTokens, responseTokens int) wastewatch.Impact {
	cfg, _ := t.Lookup(model)
	in := float64(max(inputTokens, 0))
	out := float64(max(responseTokens, 0))
	return wastewatch.Impact{
		WaterUsage:        (in + out) * cfg.WaterPerToken,
		CarbonEmissions:   (in + out) * cfg.CarbonPerToken,
		EnergyConsumption: in*cfg.EnergyPerInputToken + out*cfg.EnergyPerOutputToken,
		Cost:              in*cfg.InputPricePer1K/1000 + out*cfg.OutputPricePer1K/1000,
	}
}

// Response is the contribution of the response tokens alone.
func (t Table) Response(model string, responseTokens int) wastewatch.Impact {
	return t.Compute(model, 0, responseTokens)
}

var defaultTable = Default()

// Compute estimates an impact with the embedded table.
func Compute(model string, inputTokens, responseTokens int) wastewatch.Impact {
	return defaultTable.Compute(model, inputTokens, responseTokens)
}
