package ekf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batteryfleet/rul-engine/ecm"
)

func newTestModel(t *testing.T) *ecm.Model {
	t.Helper()
	model, err := ecm.New(ecm.DefaultParams(), ecm.DefaultOCVCurve())
	require.NoError(t, err)
	return model
}

func TestFilterConvergesFromWrongPrior(t *testing.T) {
	model := newTestModel(t)

	// True cell rests at 90% charge; the filter starts believing 50%.
	const trueSOC = 0.9
	measured, err := model.TerminalVoltage(trueSOC, 0, 25, 0, 0)
	require.NoError(t, err)

	f := New(model, DefaultConfig(), 0.5)
	var step Step
	for i := 0; i < 50; i++ {
		step, err = f.Update(measured, 0, 25, 1, 120)
		require.NoError(t, err)
	}

	assert.InDelta(t, trueSOC, step.SOC, 0.01)
	assert.InDelta(t, 0, step.Residual, 0.01)
}

func TestFilterTracksDischarge(t *testing.T) {
	model := newTestModel(t)

	// Forward-simulate the true cell and check the filter follows it.
	const current = -24.0 // C/5 discharge
	const dt = 10.0
	trueSOC := 0.95
	v1, v2 := 0.0, 0.0

	f := New(model, DefaultConfig(), 0.95)
	for i := 0; i < 500; i++ {
		trueSOC += current * dt / (3600 * 120)
		v1, v2 = model.BranchStep(v1, v2, current, dt)
		measured, err := model.TerminalVoltage(trueSOC, current, 25, v1, v2)
		require.NoError(t, err)

		step, err := f.Update(measured, current, 25, dt, 120)
		require.NoError(t, err)
		assert.False(t, math.IsNaN(step.SOC))
	}

	assert.InDelta(t, trueSOC, f.SOC(), 0.02)
}

func TestFilterChargingRaisesSOC(t *testing.T) {
	model := newTestModel(t)

	f := New(model, DefaultConfig(), 0.5)
	before := f.SOC()
	// One hour at 12A into a 120Ah cell is a tenth of a charge.
	measured, err := model.TerminalVoltage(0.6, 12, 25, 0.018, 0.012)
	require.NoError(t, err)
	step, err := f.Update(measured, 12, 25, 3600, 120)
	require.NoError(t, err)
	assert.Greater(t, step.SOC, before)
}

func TestFilterSOCStaysClamped(t *testing.T) {
	model := newTestModel(t)

	// A voltage far above the table keeps dragging SOC over the top.
	f := New(model, DefaultConfig(), 1.0)
	sawClamp := false
	for i := 0; i < 8; i++ {
		step, err := f.Update(13.5, 0, 25, 1, 120)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, step.SOC, 0.0)
		assert.LessOrEqual(t, step.SOC, 1.0)
		if step.Clamped {
			sawClamp = true
		}
	}
	assert.True(t, sawClamp)
}

func TestFilterRepeatedClampingRaisesDivergence(t *testing.T) {
	model := newTestModel(t)

	f := New(model, DefaultConfig(), 1.0)
	diverged := 0
	for i := 0; i < 30; i++ {
		step, err := f.Update(13.5, 0, 25, 1, 120)
		require.NoError(t, err)
		if step.Diverged {
			diverged++
		}
	}
	assert.Greater(t, diverged, 0)
	assert.Equal(t, diverged, f.Divergences())
}

func TestFilterRecoversFromCorruptCovariance(t *testing.T) {
	model := newTestModel(t)

	measured, err := model.TerminalVoltage(0.8, 0, 25, 0, 0)
	require.NoError(t, err)

	f := New(model, DefaultConfig(), 0.8)
	for i := 0; i < 5; i++ {
		_, err = f.Update(measured, 0, 25, 1, 120)
		require.NoError(t, err)
	}
	goodSOC := f.SOC()

	// Corrupt the covariance the way an unlucky numerical step would.
	f.p[0][0] = math.NaN()

	step, err := f.Update(measured, 0, 25, 1, 120)
	require.NoError(t, err)
	assert.True(t, step.Diverged, "first update after corruption must reset")
	assert.InDelta(t, goodSOC, step.SOC, 1e-9, "reset restores last known good state")
	assert.Equal(t, 1, f.Divergences())

	// The very next sample runs normally.
	step, err = f.Update(measured, 0, 25, 1, 120)
	require.NoError(t, err)
	assert.False(t, step.Diverged)
	assert.True(t, f.Covariance().IsPositiveDefinite())
}

func TestFilterRejectsBadInputs(t *testing.T) {
	model := newTestModel(t)
	f := New(model, DefaultConfig(), 0.5)

	_, err := f.Update(12.3, 0, 25, 0, 120)
	assert.Error(t, err)
	_, err = f.Update(12.3, 0, 25, -1, 120)
	assert.Error(t, err)
	_, err = f.Update(12.3, 0, 25, 1, 0)
	assert.Error(t, err)
}

func TestMeanAbsResidualNeedsHistory(t *testing.T) {
	model := newTestModel(t)
	measured, err := model.TerminalVoltage(0.7, 0, 25, 0, 0)
	require.NoError(t, err)

	f := New(model, DefaultConfig(), 0.7)
	_, ok := f.MeanAbsResidual()
	assert.False(t, ok)

	for i := 0; i < 5; i++ {
		_, err = f.Update(measured, 0, 25, 1, 120)
		require.NoError(t, err)
	}
	r, ok := f.MeanAbsResidual()
	assert.True(t, ok)
	assert.Less(t, r, 0.05)
}
