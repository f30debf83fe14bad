// Package features computes the fixed-key feature vector shared by the
// physics path and the learned-model path. Aggregation is a pure function
// of the measurement window: identical windows always produce identical
// vectors, which keeps evaluation idempotent and safe to run in parallel
// across cells.
package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/batteryfleet/rul-engine/telemetry"
)

// Feature keys fixed by the learned predictor's contract.
const (
	KeyVoltageMean      = "voltage_mean"
	KeyVoltageStd       = "voltage_std"
	KeyVoltageCV        = "voltage_cv"
	KeyTemperatureMean  = "temperature_mean"
	KeyTemperatureStd   = "temperature_std"
	KeyTemperatureMax   = "temperature_max"
	KeyTempStressHours  = "temp_stress_hours"
	KeyTempSwingCount   = "temp_swing_count"
	KeyResistanceTrend  = "resistance_trend"
	KeyCycleCount       = "cycle_count"
	KeyCalendarAgeDays  = "calendar_age_days"
	KeyTimeSpanHours    = "time_span_hours"
	KeyDataPointsCount  = "data_points_count"
)

// Vector is a named mapping of engineered statistics. It is created once
// per evaluation and never mutated afterwards.
type Vector map[string]float64

// Keys returns the contract key set in sorted order.
func Keys() []string {
	keys := []string{
		KeyVoltageMean, KeyVoltageStd, KeyVoltageCV,
		KeyTemperatureMean, KeyTemperatureStd, KeyTemperatureMax,
		KeyTempStressHours, KeyTempSwingCount, KeyResistanceTrend,
		KeyCycleCount, KeyCalendarAgeDays, KeyTimeSpanHours,
		KeyDataPointsCount,
	}
	sort.Strings(keys)
	return keys
}

// Config holds the aggregation thresholds supplied at startup.
type Config struct {
	// StressTempC is the temperature above which exposure hours accumulate.
	StressTempC float64
	// SwingDeltaC is the swing size between consecutive temperature
	// extremes that counts as one thermal swing.
	SwingDeltaC float64
	// CycleVoltageThreshold marks an in-window discharge excursion when
	// voltage dips below it.
	CycleVoltageThreshold float64
	// MinSamples is the smallest window the aggregator accepts.
	MinSamples int
}

// DefaultConfig matches the thresholds the learned model was trained with.
func DefaultConfig() Config {
	return Config{
		StressTempC:           35.0,
		SwingDeltaC:           5.0,
		CycleVoltageThreshold: 12.0,
		MinSamples:            10,
	}
}

// Aggregate computes the feature vector for one cell's window. installedAt
// anchors the calendar-age feature; now anchors nothing else, so two calls
// over the same window and anchors return the same vector.
func Aggregate(cfg Config, window []telemetry.MeasurementSample, installedAt time.Time) (Vector, error) {
	if len(window) < cfg.MinSamples {
		return nil, fmt.Errorf("window has %d samples, need at least %d", len(window), cfg.MinSamples)
	}

	var vSum, vSumSq, tSum, tSumSq float64
	tMax := math.Inf(-1)
	for _, s := range window {
		vSum += s.Voltage
		vSumSq += s.Voltage * s.Voltage
		tSum += s.Temperature
		tSumSq += s.Temperature * s.Temperature
		if s.Temperature > tMax {
			tMax = s.Temperature
		}
	}
	n := float64(len(window))
	vMean := vSum / n
	vStd := stddev(vSum, vSumSq, n)
	tMean := tSum / n
	tStd := stddev(tSum, tSumSq, n)

	vCV := 0.0
	if vMean > 0 {
		vCV = vStd / vMean
	}

	last := window[len(window)-1].Timestamp
	first := window[0].Timestamp

	fv := Vector{
		KeyVoltageMean:     vMean,
		KeyVoltageStd:      vStd,
		KeyVoltageCV:       vCV,
		KeyTemperatureMean: tMean,
		KeyTemperatureStd:  tStd,
		KeyTemperatureMax:  tMax,
		KeyTempStressHours: stressHours(window, cfg.StressTempC),
		KeyTempSwingCount:  float64(swingCount(window, cfg.SwingDeltaC)),
		KeyResistanceTrend: resistanceTrend(window),
		KeyCycleCount:      float64(dischargeExcursions(window, cfg.CycleVoltageThreshold)),
		KeyCalendarAgeDays: last.Sub(installedAt).Hours() / 24,
		KeyTimeSpanHours:   last.Sub(first).Hours(),
		KeyDataPointsCount: n,
	}
	return fv, nil
}

// MatchesContract reports whether the vector's key set exactly equals the
// given contract names.
func (v Vector) MatchesContract(names []string) bool {
	if len(v) != len(names) {
		return false
	}
	for _, name := range names {
		if _, ok := v[name]; !ok {
			return false
		}
	}
	return true
}

func stddev(sum, sumSq, n float64) float64 {
	variance := sumSq/n - (sum/n)*(sum/n)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// stressHours integrates time spent above the stress temperature,
// attributing each inter-sample gap to its leading sample.
func stressHours(window []telemetry.MeasurementSample, stressC float64) float64 {
	var hours float64
	for i := 1; i < len(window); i++ {
		if window[i-1].Temperature > stressC {
			hours += window[i].Timestamp.Sub(window[i-1].Timestamp).Hours()
		}
	}
	return hours
}

// swingCount counts direction reversals in temperature where the excursion
// between consecutive extremes exceeds delta.
func swingCount(window []telemetry.MeasurementSample, delta float64) int {
	if len(window) < 3 {
		return 0
	}
	count := 0
	extreme := window[0].Temperature
	rising := window[1].Temperature >= window[0].Temperature
	for _, s := range window[1:] {
		t := s.Temperature
		if rising {
			if t > extreme {
				extreme = t
			} else if extreme-t >= delta {
				count++
				rising = false
				extreme = t
			}
		} else {
			if t < extreme {
				extreme = t
			} else if t-extreme >= delta {
				count++
				rising = true
				extreme = t
			}
		}
	}
	return count
}

// resistanceTrend is the least-squares slope of measured internal
// resistance over the window in mOhm per day. Windows without at least two
// resistance readings trend flat.
func resistanceTrend(window []telemetry.MeasurementSample) float64 {
	var xs, ys []float64
	var t0 time.Time
	for _, s := range window {
		if s.ResistanceMilliOhm == nil {
			continue
		}
		if len(xs) == 0 {
			t0 = s.Timestamp
		}
		xs = append(xs, s.Timestamp.Sub(t0).Hours()/24)
		ys = append(ys, *s.ResistanceMilliOhm)
	}
	if len(xs) < 2 {
		return 0
	}
	n := float64(len(xs))
	var sx, sy, sxy, sxx float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxy += xs[i] * ys[i]
		sxx += xs[i] * xs[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

// dischargeExcursions counts transitions from above to below the voltage
// threshold, the window-local proxy for discharge cycles.
func dischargeExcursions(window []telemetry.MeasurementSample, threshold float64) int {
	count := 0
	below := window[0].Voltage < threshold
	for _, s := range window[1:] {
		nowBelow := s.Voltage < threshold
		if nowBelow && !below {
			count++
		}
		below = nowBelow
	}
	return count
}
