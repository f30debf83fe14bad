// Package fusion reconciles the physics-based and learned RUL estimates
// into one published value with a confidence label, a conflict flag and a
// ranked list of contributing factors.
package fusion

import (
	"math"
	"sort"
)

// Confidence labels a published estimate. Any single degraded input caps
// the label; it never averages back up.
type Confidence int

const (
	Low Confidence = iota
	Medium
	High
)

func (c Confidence) String() string {
	switch c {
	case High:
		return "High"
	case Medium:
		return "Medium"
	default:
		return "Low"
	}
}

// capAt lowers c to limit if it is above it.
func (c Confidence) capAt(limit Confidence) Confidence {
	if c > limit {
		return limit
	}
	return c
}

// Config holds the fusion tuning supplied at startup.
type Config struct {
	// ConflictThreshold is the relative disagreement above which the two
	// estimates are flagged as conflicting.
	ConflictThreshold float64
	// MinPhysicsWeight and MaxPhysicsWeight bound the adaptive weight.
	MinPhysicsWeight float64
	MaxPhysicsWeight float64
	// BaselinePhysicsWeight applies when no accuracy signal is available.
	BaselinePhysicsWeight float64
	// MinCyclesForFullConfidence caps confidence at Medium until this many
	// cycles have been observed.
	MinCyclesForFullConfidence int
}

// DefaultConfig returns the fleet defaults: 30% conflict threshold,
// 20-80% physics weight bounds, 60/40 physics/learned baseline.
func DefaultConfig() Config {
	return Config{
		ConflictThreshold:          0.30,
		MinPhysicsWeight:           0.20,
		MaxPhysicsWeight:           0.80,
		BaselinePhysicsWeight:      0.60,
		MinCyclesForFullConfidence: 3,
	}
}

// Inputs carries everything the fusion step needs for one evaluation.
type Inputs struct {
	PhysicsDays float64
	// LearnedDays is nil when the learned predictor was unavailable.
	LearnedDays *float64
	// LearnedImportances are the model's per-feature contributions.
	LearnedImportances map[string]float64

	// MeanAbsResidual is the estimator's recent voltage-prediction error;
	// nil when the filter has not seen enough updates.
	MeanAbsResidual *float64

	CyclesObserved   int
	FeatureHistoryOK bool

	// Raw physics factor signals, used for the explanation ranking.
	TempStressHours float64
	CycleCount      float64
	CalendarAgeDays float64
}

// Factor is one entry of the ranked explanation.
type Factor struct {
	Name         string  `json:"name"`
	Contribution float64 `json:"contribution_pct"`
}

// Result is the fused outcome.
type Result struct {
	FusedDays     float64
	PhysicsWeight float64
	Conflict      bool
	Confidence    Confidence
	Factors       []Factor
}

// PhysicsWeight maps the estimator's recent voltage accuracy to trust in
// the physics estimate: tight residuals earn high weight, sloppy ones hand
// the estimate to the learned model. The result is clamped to the
// configured bounds.
func (c Config) PhysicsWeight(meanAbsResidual *float64) float64 {
	w := c.BaselinePhysicsWeight
	if meanAbsResidual != nil {
		r := *meanAbsResidual
		switch {
		case r < 0.05:
			w = 0.80
		case r < 0.10:
			w = 0.65
		case r < 0.20:
			w = 0.50
		default:
			w = 0.30
		}
	}
	if w < c.MinPhysicsWeight {
		w = c.MinPhysicsWeight
	}
	if w > c.MaxPhysicsWeight {
		w = c.MaxPhysicsWeight
	}
	return w
}

// InConflict reports whether the two estimates disagree by more than the
// threshold, relative to their mean.
func (c Config) InConflict(physicsDays, learnedDays float64) bool {
	mean := (physicsDays + learnedDays) / 2
	if mean <= 0 {
		return false
	}
	return math.Abs(physicsDays-learnedDays)/mean > c.ConflictThreshold
}

// Fuse combines the two estimates. With no learned value the physics
// estimate passes through at Low confidence; the degraded path is always
// visible in the label, never silently absorbed.
func (c Config) Fuse(in Inputs) Result {
	res := Result{Confidence: High}

	if in.CyclesObserved < c.MinCyclesForFullConfidence {
		res.Confidence = res.Confidence.capAt(Medium)
	}
	if !in.FeatureHistoryOK {
		res.Confidence = res.Confidence.capAt(Medium)
	}

	if in.LearnedDays == nil {
		res.FusedDays = in.PhysicsDays
		res.PhysicsWeight = 1
		res.Confidence = res.Confidence.capAt(Low)
		res.Factors = c.rankFactors(in, 1, 0)
		return res
	}

	w := c.PhysicsWeight(in.MeanAbsResidual)
	res.PhysicsWeight = w
	res.FusedDays = w*in.PhysicsDays + (1-w)*(*in.LearnedDays)

	if c.InConflict(in.PhysicsDays, *in.LearnedDays) {
		// Do not silently average a disagreement: the weighted value is
		// still published, but flagged and pinned to Low confidence so
		// both inputs get looked at.
		res.Conflict = true
		res.Confidence = res.Confidence.capAt(Low)
	}

	res.Factors = c.rankFactors(in, w, 1-w)
	return res
}

// rankFactors merges the learned model's importances with the physics
// degradation drivers into one ranked list whose contributions sum to at
// most 100%. Each side's share of the total equals its fusion weight.
func (c Config) rankFactors(in Inputs, physicsWeight, learnedWeight float64) []Factor {
	var factors []Factor

	physics := map[string]float64{
		"temperature_stress": in.TempStressHours,
		"cycling":            in.CycleCount,
		"calendar_age":       in.CalendarAgeDays / 365,
	}
	physicsTotal := 0.0
	for _, v := range physics {
		physicsTotal += v
	}
	if physicsTotal > 0 && physicsWeight > 0 {
		for name, v := range physics {
			factors = append(factors, Factor{
				Name:         name,
				Contribution: v / physicsTotal * physicsWeight * 100,
			})
		}
	}

	learnedTotal := 0.0
	for _, v := range in.LearnedImportances {
		learnedTotal += v
	}
	if learnedTotal > 0 && learnedWeight > 0 {
		for name, v := range in.LearnedImportances {
			factors = append(factors, Factor{
				Name:         name,
				Contribution: v / learnedTotal * learnedWeight * 100,
			})
		}
	}

	sort.Slice(factors, func(i, j int) bool {
		if factors[i].Contribution != factors[j].Contribution {
			return factors[i].Contribution > factors[j].Contribution
		}
		return factors[i].Name < factors[j].Name
	})
	return factors
}
