package telemetry

import (
	"fmt"
	"time"
)

// MeasurementSample is one reading taken from a cell. Current is signed,
// positive while charging and negative while discharging.
type MeasurementSample struct {
	CellID      string    `json:"cell_id"`
	Timestamp   time.Time `json:"timestamp"`
	Voltage     float64   `json:"voltage_v"`
	Current     float64   `json:"current_a"`
	Temperature float64   `json:"temperature_c"`

	// ResistanceMilliOhm is a directly measured internal resistance,
	// present only on cells with a resistance test channel.
	ResistanceMilliOhm *float64 `json:"internal_resistance_mohm,omitempty"`
}

// Bounds are the physical plausibility limits applied before a sample is
// allowed anywhere near filter state.
type Bounds struct {
	MinVoltage     float64
	MaxVoltage     float64
	MinTemperature float64
	MaxTemperature float64
}

// DefaultBounds covers a 12V monobloc with headroom for series strings
// measured per cell, matching the validation limits of the telemetry schema.
func DefaultBounds() Bounds {
	return Bounds{
		MinVoltage:     0,
		MaxVoltage:     20,
		MinTemperature: -50,
		MaxTemperature: 100,
	}
}

// Check returns a descriptive error if the sample is outside the bounds.
func (b Bounds) Check(s MeasurementSample) error {
	if s.Voltage < b.MinVoltage || s.Voltage > b.MaxVoltage {
		return fmt.Errorf("voltage %.3fV outside [%.1f, %.1f]", s.Voltage, b.MinVoltage, b.MaxVoltage)
	}
	if s.Temperature < b.MinTemperature || s.Temperature > b.MaxTemperature {
		return fmt.Errorf("temperature %.1fC outside [%.1f, %.1f]", s.Temperature, b.MinTemperature, b.MaxTemperature)
	}
	return nil
}
