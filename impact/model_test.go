package impact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casualjim/wastewatch"
)

func TestTableLookup(t *testing.T) {
	table := Default()

	tests := []struct {
		model string
		key   string
	}{
		{"claude", "claude"},
		{"gpt-4o", "gpt-4o"},
		{"gpt-4o-mini", "gpt-4o"},
		{"gpt-4-turbo", "gpt-4"},
		{"GPT-3.5-turbo", "gpt-3.5"},
		{"claude-3-5-sonnet", "claude"},
		{"mystery-model", DefaultKey},
		{"", DefaultKey},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			_, key := table.Lookup(tt.model)
			assert.Equal(t, tt.key, key)
		})
	}

	t.Run("table without default entry still resolves", func(t *testing.T) {
		cfg, key := Table{}.Lookup("anything")
		assert.Equal(t, DefaultKey, key)
		assert.Equal(t, fallback, cfg)
	})
}

func TestComputeIsNonNegative(t *testing.T) {
	table := Default()
	models := []string{"claude", "gpt-4o", "gemini", "unknown", ""}
	counts := []int{-5, 0, 1, 17, 800, 100_000}

	for _, m := range models {
		for _, in := range counts {
			for _, out := range counts {
				got := table.Compute(m, in, out)
				assert.Truef(t, got.IsNonNegative(), "Compute(%q, %d, %d) = %+v", m, in, out, got)
			}
		}
	}
}

func TestComputeIsMonotonicInResponseTokens(t *testing.T) {
	table := Default()
	for _, m := range []string{"claude", "gpt-4", "unknown"} {
		prev := table.Compute(m, 10, 0)
		for out := 1; out < 2000; out += 97 {
			cur := table.Compute(m, 10, out)
			assert.GreaterOrEqual(t, cur.EnergyConsumption, prev.EnergyConsumption)
			assert.GreaterOrEqual(t, cur.WaterUsage, prev.WaterUsage)
			assert.GreaterOrEqual(t, cur.Cost, prev.Cost)
			prev = cur
		}
	}
}

func TestDeltaLaw(t *testing.T) {
	table := Default()
	for _, m := range []string{"claude", "gpt-4o", "unknown"} {
		for _, in := range []int{0, 2, 150} {
			for _, out := range []int{0, 1, 200, 4000} {
				full := table.Compute(m, in, out)
				interim := table.Compute(m, in, 0)
				delta := full.Sub(interim)
				want := table.Response(m, out)

				assert.InDelta(t, want.EnergyConsumption, delta.EnergyConsumption, 1e-9)
				assert.InDelta(t, want.WaterUsage, delta.WaterUsage, 1e-9)
				assert.InDelta(t, want.CarbonEmissions, delta.CarbonEmissions, 1e-9)
				assert.InDelta(t, want.Cost, delta.Cost, 1e-12)

				rebuilt := interim.Add(delta)
				assert.InDelta(t, full.EnergyConsumption, rebuilt.EnergyConsumption, 1e-9)
			}
		}
	}
}

func TestInputOnlyEstimateUsesInputPricing(t *testing.T) {
	table := Default()
	cfg, _ := table.Lookup("claude")

	got := table.Compute("claude", 2, 0)
	assert.Positive(t, got.EnergyConsumption)
	assert.InDelta(t, 2*cfg.InputPricePer1K/1000, got.Cost, 1e-12)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("merges over defaults", func(t *testing.T) {
		path := filepath.Join(dir, "models.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"llama": {"energy_per_output_token": 0.5}}`), 0o600))

		table, err := LoadFile(path)
		require.NoError(t, err)
		assert.True(t, table.Known("llama-3-70b"))
		assert.True(t, table.Known("claude"))
	})

	t.Run("rejects negative factors", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"x": {"water_per_token": -1}}`), 0o600))

		_, err := LoadFile(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(dir, "nope.json"))
		assert.Error(t, err)
	})
}

func TestPackageCompute(t *testing.T) {
	assert.Equal(t, Default().Compute("gemini", 3, 4), Compute("gemini", 3, 4))
	assert.Equal(t, wastewatch.Impact{}, Compute("claude", 0, 0))
}
