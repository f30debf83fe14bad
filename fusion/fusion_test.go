package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestInConflict(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		physics  float64
		learned  float64
		conflict bool
	}{
		// |6-9| / 7.5 = 0.40 disagrees, |8-9| / 8.5 = 0.118 does not.
		{name: "six vs nine days", physics: 6, learned: 9, conflict: true},
		{name: "eight vs nine days", physics: 8, learned: 9, conflict: false},
		{name: "equal", physics: 100, learned: 100, conflict: false},
		{name: "just under threshold", physics: 100, learned: 74.1, conflict: false},
		{name: "just over threshold", physics: 100, learned: 73.9, conflict: true},
		{name: "both zero", physics: 0, learned: 0, conflict: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.conflict, cfg.InConflict(tc.physics, tc.learned))
		})
	}
}

func TestPhysicsWeightFromResidual(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		residual *float64
		want     float64
	}{
		{name: "no signal uses baseline", residual: nil, want: 0.60},
		{name: "tight residual", residual: f64(0.02), want: 0.80},
		{name: "decent residual", residual: f64(0.07), want: 0.65},
		{name: "loose residual", residual: f64(0.15), want: 0.50},
		{name: "poor residual", residual: f64(0.40), want: 0.30},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, cfg.PhysicsWeight(tc.residual), 1e-9)
		})
	}
}

func TestPhysicsWeightClampedToBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinPhysicsWeight = 0.4
	cfg.MaxPhysicsWeight = 0.7

	assert.InDelta(t, 0.7, cfg.PhysicsWeight(f64(0.01)), 1e-9)
	assert.InDelta(t, 0.4, cfg.PhysicsWeight(f64(0.5)), 1e-9)
}

func TestFuseWeightedAverage(t *testing.T) {
	cfg := DefaultConfig()

	res := cfg.Fuse(Inputs{
		PhysicsDays:      100,
		LearnedDays:      f64(110),
		MeanAbsResidual:  f64(0.02),
		CyclesObserved:   5,
		FeatureHistoryOK: true,
	})

	assert.InDelta(t, 0.8, res.PhysicsWeight, 1e-9)
	assert.InDelta(t, 0.8*100+0.2*110, res.FusedDays, 1e-9)
	assert.False(t, res.Conflict)
	assert.Equal(t, High, res.Confidence)
}

func TestFuseConflictCapsConfidenceLow(t *testing.T) {
	cfg := DefaultConfig()

	res := cfg.Fuse(Inputs{
		PhysicsDays:      60,
		LearnedDays:      f64(150),
		CyclesObserved:   5,
		FeatureHistoryOK: true,
	})

	assert.True(t, res.Conflict)
	assert.Equal(t, Low, res.Confidence)
	// The weighted value is still published, not suppressed.
	assert.Greater(t, res.FusedDays, 60.0)
	assert.Less(t, res.FusedDays, 150.0)
}

func TestFuseMissingLearnedValue(t *testing.T) {
	cfg := DefaultConfig()

	res := cfg.Fuse(Inputs{
		PhysicsDays:      200,
		CyclesObserved:   5,
		FeatureHistoryOK: true,
		CalendarAgeDays:  365,
	})

	assert.Equal(t, 200.0, res.FusedDays)
	assert.Equal(t, 1.0, res.PhysicsWeight)
	assert.Equal(t, Low, res.Confidence)
	assert.False(t, res.Conflict)
}

func TestFuseFewCyclesCapsMedium(t *testing.T) {
	cfg := DefaultConfig()

	res := cfg.Fuse(Inputs{
		PhysicsDays:      100,
		LearnedDays:      f64(105),
		CyclesObserved:   1,
		FeatureHistoryOK: true,
	})

	assert.Equal(t, Medium, res.Confidence)
}

func TestFuseMarginalHistoryCapsMedium(t *testing.T) {
	cfg := DefaultConfig()

	res := cfg.Fuse(Inputs{
		PhysicsDays:      100,
		LearnedDays:      f64(105),
		CyclesObserved:   5,
		FeatureHistoryOK: false,
	})

	assert.Equal(t, Medium, res.Confidence)
}

func TestFactorsRankedAndBounded(t *testing.T) {
	cfg := DefaultConfig()

	res := cfg.Fuse(Inputs{
		PhysicsDays:      100,
		LearnedDays:      f64(104),
		MeanAbsResidual:  f64(0.15),
		CyclesObserved:   5,
		FeatureHistoryOK: true,
		TempStressHours:  12,
		CycleCount:       3,
		CalendarAgeDays:  730,
		LearnedImportances: map[string]float64{
			"temperature_mean": 4,
			"voltage_cv":       1,
		},
	})

	require.NotEmpty(t, res.Factors)

	total := 0.0
	for i, f := range res.Factors {
		assert.GreaterOrEqual(t, f.Contribution, 0.0)
		if i > 0 {
			assert.LessOrEqual(t, f.Contribution, res.Factors[i-1].Contribution)
		}
		total += f.Contribution
	}
	assert.LessOrEqual(t, total, 100.0+1e-9)
	assert.InDelta(t, 100, total, 1e-6, "both sides present should fill the whole budget")
}

func TestConfidenceString(t *testing.T) {
	assert.Equal(t, "High", High.String())
	assert.Equal(t, "Medium", Medium.String())
	assert.Equal(t, "Low", Low.String())
}
