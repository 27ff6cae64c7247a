package wastewatch

import "math"

// Impact is the estimated footprint of some amount of model work.
type Impact struct {
	WaterUsage        float64 `json:"waterUsage"`        // millilitres
	CarbonEmissions   float64 `json:"carbonEmissions"`   // grams CO2e
	EnergyConsumption float64 `json:"energyConsumption"` // joules
	Cost              float64 `json:"cost"`              // USD
}

// Add returns the field-wise sum of both impacts.
func (i Impact) Add(o Impact) Impact {
	return Impact{
		WaterUsage:        i.WaterUsage + o.WaterUsage,
		CarbonEmissions:   i.CarbonEmissions + o.CarbonEmissions,
		EnergyConsumption: i.EnergyConsumption + o.EnergyConsumption,
		Cost:              i.Cost + o.Cost,
	}
}

// Sub returns the field-wise difference i - o. The result can be negative,
// use Clamp when the value is about to be stored.
func (i Impact) Sub(o Impact) Impact {
	return Impact{
		WaterUsage:        i.WaterUsage - o.WaterUsage,
		CarbonEmissions:   i.CarbonEmissions - o.CarbonEmissions,
		EnergyConsumption: i.EnergyConsumption - o.EnergyConsumption,
		Cost:              i.Cost - o.Cost,
	}
}

// Clamp replaces negative and NaN fields with zero.
func (i Impact) Clamp() Impact {
	return Impact{
		WaterUsage:        nonNegative(i.WaterUsage),
		CarbonEmissions:   nonNegative(i.CarbonEmissions),
		EnergyConsumption: nonNegative(i.EnergyConsumption),
		Cost:              nonNegative(i.Cost),
	}
}

// IsNonNegative reports whether every field is >= 0.
func (i Impact) IsNonNegative() bool {
	return i.WaterUsage >= 0 && i.CarbonEmissions >= 0 && i.EnergyConsumption >= 0 && i.Cost >= 0
}

// IsZero reports whether all fields are zero.
func (i Impact) IsZero() bool {
	return i == Impact{}
}

// WattHours converts the energy consumption to watt-hours.
func (i Impact) WattHours() float64 {
	return i.EnergyConsumption / 3600
}

func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}
