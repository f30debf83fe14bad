package ecm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	model, err := New(DefaultParams(), DefaultOCVCurve())
	require.NoError(t, err)
	return model
}

func TestTerminalVoltage(t *testing.T) {
	model := newTestModel(t)

	tests := []struct {
		name    string
		soc     float64
		current float64
	}{
		{name: "full cell at rest", soc: 1, current: 0},
		{name: "half charged discharging", soc: 0.5, current: -30},
		{name: "low cell charging", soc: 0.1, current: 10},
		{name: "empty cell at rest", soc: 0, current: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := model.TerminalVoltage(tc.soc, tc.current, 25, 0.01, 0.005)
			require.NoError(t, err)
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
			assert.InDelta(t, 12.2, v, 1.3, "terminal voltage should stay in the 12V monobloc band")
		})
	}
}

func TestTerminalVoltageDischargeDropsVoltage(t *testing.T) {
	model := newTestModel(t)

	rest, err := model.TerminalVoltage(0.5, 0, 25, 0, 0)
	require.NoError(t, err)
	loaded, err := model.TerminalVoltage(0.5, -50, 25, 0, 0)
	require.NoError(t, err)

	assert.Less(t, loaded, rest)
	// 50A through 3.5mOhm.
	assert.InDelta(t, 50*0.0035, rest-loaded, 1e-9)
}

func TestTerminalVoltageChargeRaisesVoltage(t *testing.T) {
	model := newTestModel(t)

	rest, err := model.TerminalVoltage(0.5, 0, 25, 0, 0)
	require.NoError(t, err)
	charging, err := model.TerminalVoltage(0.5, 10, 25, 0, 0)
	require.NoError(t, err)

	assert.Greater(t, charging, rest)
	assert.InDelta(t, 10*0.0035, charging-rest, 1e-9)
}

func TestSOCForLoadedVoltageStripsLoad(t *testing.T) {
	model := newTestModel(t)

	// Settle the polarization branches under a 30A discharge, then check
	// the loaded reading inverts back to the true state of charge.
	v1, v2 := model.BranchStep(0, 0, -30, 600)
	v, err := model.TerminalVoltage(0.62, -30, 25, v1, v2)
	require.NoError(t, err)
	assert.InDelta(t, 0.62, model.SOCForLoadedVoltage(v, -30, 25, v1, v2), 1e-9)

	// At rest it reduces to the rest-voltage inversion.
	rest, err := model.TerminalVoltage(0.62, 0, 25, 0, 0)
	require.NoError(t, err)
	assert.InDelta(t, model.SOCForRestVoltage(rest), model.SOCForLoadedVoltage(rest, 0, 25, 0, 0), 1e-12)
}

func TestTerminalVoltageRejectsSOCOutsideRange(t *testing.T) {
	model := newTestModel(t)

	_, err := model.TerminalVoltage(1.2, 0, 25, 0, 0)
	assert.Error(t, err)
	_, err = model.TerminalVoltage(-0.1, 0, 25, 0, 0)
	assert.Error(t, err)
}

func TestArrheniusFactor(t *testing.T) {
	model := newTestModel(t)

	assert.InDelta(t, 1.0, model.ArrheniusFactor(25), 1e-9)

	// 0.7eV doubles-and-then-some per 10C around room temperature.
	f35 := model.ArrheniusFactor(35)
	assert.InDelta(t, 2.42, f35, 0.05)

	f15 := model.ArrheniusFactor(15)
	assert.Less(t, f15, 1.0)
	assert.Greater(t, f15, 0.3)
}

func TestSeriesResistanceRisesWhenCold(t *testing.T) {
	model := newTestModel(t)

	warm := model.SeriesResistance(25)
	cold := model.SeriesResistance(0)
	assert.InDelta(t, 0.0035, warm, 1e-9)
	assert.Greater(t, cold, warm)
}

func TestUsableCapacityNeverExceedsRated(t *testing.T) {
	model := newTestModel(t)

	assert.Less(t, model.UsableCapacityAh(120, 0), 120.0)
	assert.InDelta(t, 120, model.UsableCapacityAh(120, 25), 1e-9)
	// Heat accelerates aging but never adds capacity.
	assert.InDelta(t, 120, model.UsableCapacityAh(120, 45), 1e-9)
}

func TestBranchStepConvergesToSteadyState(t *testing.T) {
	model := newTestModel(t)

	// Under constant current each branch settles at Ri*I.
	const current = -40.0
	v1, v2 := 0.0, 0.0
	for i := 0; i < 10000; i++ {
		v1, v2 = model.BranchStep(v1, v2, current, 10)
	}
	assert.InDelta(t, 0.0015*current, v1, 1e-6)
	assert.InDelta(t, 0.0010*current, v2, 1e-6)
}

func TestOCVCurveInterpolation(t *testing.T) {
	curve := DefaultOCVCurve()

	v, err := curve.Voltage(0)
	require.NoError(t, err)
	assert.InDelta(t, 11.8, v, 1e-9)

	v, err = curve.Voltage(1)
	require.NoError(t, err)
	assert.InDelta(t, 12.75, v, 1e-9)

	// Midway between table points is the mean of the neighbors.
	lo, err := curve.Voltage(0.5)
	require.NoError(t, err)
	hi, err := curve.Voltage(0.6)
	require.NoError(t, err)
	mid, err := curve.Voltage(0.55)
	require.NoError(t, err)
	assert.InDelta(t, (lo+hi)/2, mid, 1e-9)

	_, err = curve.Voltage(1.01)
	assert.Error(t, err)
	_, err = curve.Voltage(-0.01)
	assert.Error(t, err)
}

func TestOCVCurveInversion(t *testing.T) {
	curve := DefaultOCVCurve()

	for _, soc := range []float64{0, 0.25, 0.5, 0.75, 1} {
		v, err := curve.Voltage(soc)
		require.NoError(t, err)
		assert.InDelta(t, soc, curve.SOCAt(v), 1e-9)
	}

	assert.Equal(t, 0.0, curve.SOCAt(11.0))
	assert.Equal(t, 1.0, curve.SOCAt(13.5))
}

func TestOCVCurveValidation(t *testing.T) {
	tests := []struct {
		name  string
		curve OCVCurve
	}{
		{
			name:  "too few points",
			curve: OCVCurve{SOC: []float64{0}, Volts: []float64{11.8}},
		},
		{
			name:  "axis not spanning full range",
			curve: OCVCurve{SOC: []float64{0, 0.9}, Volts: []float64{11.8, 12.7}},
		},
		{
			name:  "non-monotonic voltage",
			curve: OCVCurve{SOC: []float64{0, 0.5, 1}, Volts: []float64{11.8, 12.7, 12.6}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(DefaultParams(), tc.curve)
			assert.Error(t, err)
		})
	}
}

func TestNewRejectsBadParams(t *testing.T) {
	params := DefaultParams()
	params.NameplateAh = 0
	_, err := New(params, DefaultOCVCurve())
	assert.Error(t, err)

	params = DefaultParams()
	params.C1 = -1
	_, err = New(params, DefaultOCVCurve())
	assert.Error(t, err)
}
