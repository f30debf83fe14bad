package ecm

import "fmt"

// OCVCurve is a monotonic open-circuit-voltage lookup table over state of
// charge in [0,1]. Values between table points are linearly interpolated.
type OCVCurve struct {
	SOC   []float64
	Volts []float64
}

// DefaultOCVCurve samples the VRLA rest-voltage curve
// 11.8 + 0.9*s + 0.05*s^3 at eleven evenly spaced points.
func DefaultOCVCurve() OCVCurve {
	soc := make([]float64, 11)
	volts := make([]float64, 11)
	for i := range soc {
		s := float64(i) / 10
		soc[i] = s
		volts[i] = 11.8 + 0.9*s + 0.05*s*s*s
	}
	return OCVCurve{SOC: soc, Volts: volts}
}

func (c OCVCurve) validate() error {
	if len(c.SOC) < 2 || len(c.SOC) != len(c.Volts) {
		return fmt.Errorf("need at least two matching SOC/voltage points, got %d/%d", len(c.SOC), len(c.Volts))
	}
	if c.SOC[0] != 0 || c.SOC[len(c.SOC)-1] != 1 {
		return fmt.Errorf("SOC axis must span [0,1], got [%g,%g]", c.SOC[0], c.SOC[len(c.SOC)-1])
	}
	for i := 1; i < len(c.SOC); i++ {
		if c.SOC[i] <= c.SOC[i-1] {
			return fmt.Errorf("SOC axis not strictly increasing at index %d", i)
		}
		if c.Volts[i] <= c.Volts[i-1] {
			return fmt.Errorf("voltage not strictly increasing at index %d", i)
		}
	}
	return nil
}

// segment returns the index i such that SOC[i] <= soc <= SOC[i+1].
func (c OCVCurve) segment(soc float64) (int, error) {
	if soc < 0 || soc > 1 {
		return 0, fmt.Errorf("SOC %.4f outside [0,1]", soc)
	}
	lo, hi := 0, len(c.SOC)-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if c.SOC[mid] <= soc {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// Voltage interpolates the curve at the given state of charge.
func (c OCVCurve) Voltage(soc float64) (float64, error) {
	i, err := c.segment(soc)
	if err != nil {
		return 0, err
	}
	t := (soc - c.SOC[i]) / (c.SOC[i+1] - c.SOC[i])
	return c.Volts[i] + t*(c.Volts[i+1]-c.Volts[i]), nil
}

// SOCAt inverts the curve: the state of charge whose rest voltage equals v.
// Voltages off either end of the table clamp to 0 or 1.
func (c OCVCurve) SOCAt(v float64) float64 {
	n := len(c.Volts)
	if v <= c.Volts[0] {
		return 0
	}
	if v >= c.Volts[n-1] {
		return 1
	}
	lo, hi := 0, n-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if c.Volts[mid] <= v {
			lo = mid
		} else {
			hi = mid
		}
	}
	t := (v - c.Volts[lo]) / (c.Volts[lo+1] - c.Volts[lo])
	return c.SOC[lo] + t*(c.SOC[lo+1]-c.SOC[lo])
}

// Slope is the piecewise-linear derivative dOCV/dSOC at the given state of
// charge.
func (c OCVCurve) Slope(soc float64) (float64, error) {
	i, err := c.segment(soc)
	if err != nil {
		return 0, err
	}
	return (c.Volts[i+1] - c.Volts[i]) / (c.SOC[i+1] - c.SOC[i]), nil
}
