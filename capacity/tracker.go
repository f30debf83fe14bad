// Package capacity tracks long-term capacity fade for one cell. It watches
// the estimator's charge-fraction trace for completed charge/discharge
// cycles, measures delivered capacity on each discharge leg, and keeps an
// exponentially weighted fade rate from which the physics-based remaining
// useful life is derived.
package capacity

import (
	"math"
	"time"

	"github.com/batteryfleet/rul-engine/ecm"
)

// Config holds the tracker tuning supplied at startup.
type Config struct {
	// MinCycleDoD is the depth of discharge (fraction of nameplate) below
	// which a discharge leg does not count as a cycle.
	MinCycleDoD float64
	// FadeAlpha is the EWMA weight on each new per-cycle loss observation.
	FadeAlpha float64
	// EndOfLifeFraction is the capacity fraction at which the cell is
	// considered dead.
	EndOfLifeFraction float64
	// MinCyclesForConfidence is the observed-cycle count below which the
	// physics estimate may not claim better than Medium confidence.
	MinCyclesForConfidence int
	// CurrentDeadband suppresses direction flapping around zero current.
	CurrentDeadband float64
	// BaseCalendarFadePerDay is the fallback fade rate used before any
	// cycle has completed, expressed as capacity fraction per day.
	BaseCalendarFadePerDay float64
}

// DefaultConfig matches VRLA fleet practice: 20% minimum depth of
// discharge, 80% end-of-life threshold, 2%/year calendar fade fallback.
func DefaultConfig() Config {
	return Config{
		MinCycleDoD:            0.20,
		FadeAlpha:              0.3,
		EndOfLifeFraction:      0.80,
		MinCyclesForConfidence: 3,
		CurrentDeadband:        0.05,
		BaseCalendarFadePerDay: 0.02 / 365,
	}
}

// Estimate is the published view of the tracker's state.
type Estimate struct {
	// CapacityFraction is remaining capacity as a fraction of nameplate.
	// It never increases.
	CapacityFraction float64
	// FadeRatePerCycle is the smoothed capacity-fraction loss per cycle.
	FadeRatePerCycle float64
	Cycles           int
	CyclesPerDay     float64
}

type direction int

const (
	idle direction = iota
	charging
	discharging
)

// Tracker consumes the SOC trace of one cell.
type Tracker struct {
	model *ecm.Model
	cfg   Config

	capFraction  float64
	fadePerCycle float64
	cycles       int

	dir         direction
	legStartSOC float64
	legLastSOC  float64
	legAh       float64
	legTempSum  float64
	legTempN    int

	firstCycleAt time.Time
	lastCycleAt  time.Time
	firstSample  time.Time
	haveSample   bool

	tempEWMA   float64
	tempPrimed bool
}

const tempAlpha = 0.05

// New creates a tracker starting from the given capacity fraction
// (1.0 for a fresh cell).
func New(model *ecm.Model, cfg Config, initialFraction float64) *Tracker {
	if initialFraction <= 0 || initialFraction > 1 {
		initialFraction = 1
	}
	return &Tracker{
		model:       model,
		cfg:         cfg,
		capFraction: initialFraction,
	}
}

// CapacityAh returns the current capacity estimate in amp-hours, the value
// the estimator divides by during coulomb counting.
func (t *Tracker) CapacityAh() float64 {
	return t.capFraction * t.model.Params().NameplateAh
}

// Estimate returns the current published capacity state.
func (t *Tracker) Estimate() Estimate {
	return Estimate{
		CapacityFraction: t.capFraction,
		FadeRatePerCycle: t.fadePerCycle,
		Cycles:           t.cycles,
		CyclesPerDay:     t.cyclesPerDay(),
	}
}

// Cycles returns the number of completed cycles observed.
func (t *Tracker) Cycles() int {
	return t.cycles
}

// Observe consumes one sample: an OCV-anchored charge-fraction estimate,
// the sample's current and temperature, its timestamp and the timestep in
// seconds. The anchor must come from the voltage, not from coulomb
// counting against this tracker's own capacity. It returns true when this
// observation completed a cycle.
func (t *Tracker) Observe(soc, currentA, tempC float64, ts time.Time, dt float64) bool {
	if !t.haveSample {
		t.firstSample = ts
		t.haveSample = true
	}
	t.observeTemp(tempC)

	dir := idle
	if currentA > t.cfg.CurrentDeadband {
		dir = charging
	} else if currentA < -t.cfg.CurrentDeadband {
		dir = discharging
	}

	completed := false
	switch {
	case dir == discharging && t.dir != discharging:
		// Discharge leg begins.
		t.legStartSOC = soc
		t.legLastSOC = soc
		t.legAh = 0
		t.legTempSum = 0
		t.legTempN = 0
		t.dir = discharging
	case dir == discharging:
		t.legAh += -currentA * dt / 3600
		t.legTempSum += tempC
		t.legTempN++
		t.legLastSOC = soc
	case dir == charging && t.dir == discharging:
		// Reversal: the discharge leg is over, judge it.
		completed = t.completeLeg(ts)
		t.dir = charging
	case dir == charging:
		t.dir = charging
	}
	return completed
}

// completeLeg closes a discharge leg at the reversal point. A leg deep
// enough counts as a cycle and yields a measured capacity: the amp-hours
// actually delivered divided by the SOC swing they produced. The swing
// ends at the last sample still under load, not at the reversal sample,
// which already carries recharge.
func (t *Tracker) completeLeg(ts time.Time) bool {
	deltaSOC := t.legStartSOC - t.legLastSOC
	nameplate := t.model.Params().NameplateAh
	dod := t.legAh / nameplate
	if dod < t.cfg.MinCycleDoD || deltaSOC < 1e-3 {
		return false
	}

	measuredAh := t.legAh / deltaSOC
	measuredFraction := measuredAh / nameplate
	// Capacity is monotonically non-increasing: a leg implying growth is
	// measurement noise and observes zero loss instead.
	if measuredFraction > t.capFraction {
		measuredFraction = t.capFraction
	}
	loss := t.capFraction - measuredFraction
	t.capFraction = measuredFraction

	if t.cycles == 0 {
		t.fadePerCycle = loss
		t.firstCycleAt = ts
	} else {
		t.fadePerCycle = t.cfg.FadeAlpha*loss + (1-t.cfg.FadeAlpha)*t.fadePerCycle
	}
	t.cycles++
	t.lastCycleAt = ts
	return true
}

func (t *Tracker) cyclesPerDay() float64 {
	if t.cycles < 2 || !t.lastCycleAt.After(t.firstCycleAt) {
		return 0
	}
	days := t.lastCycleAt.Sub(t.firstCycleAt).Hours() / 24
	if days <= 0 {
		return 0
	}
	return float64(t.cycles-1) / days
}

func (t *Tracker) observeTemp(tempC float64) {
	if !t.tempPrimed {
		t.tempEWMA = tempC
		t.tempPrimed = true
		return
	}
	t.tempEWMA = tempAlpha*tempC + (1-tempAlpha)*t.tempEWMA
}

// RUL projects remaining useful life in days from the fade trend. The
// projected fade is accelerated by the Arrhenius factor at the cell's
// recent operating temperature, so a uniformly hotter cell reports a
// proportionally shorter life. ok is false only when the cell is already
// at or past end of life.
func (t *Tracker) RUL(now time.Time) (days float64, ok bool) {
	headroom := t.capFraction - t.cfg.EndOfLifeFraction
	if headroom <= 0 {
		return 0, false
	}

	accel := 1.0
	if t.tempPrimed {
		accel = t.model.ArrheniusFactor(t.tempEWMA)
		if accel < 1e-6 {
			accel = 1e-6
		}
	}

	fadePerDay := 0.0
	if t.cycles >= 1 && t.fadePerCycle > 0 {
		cpd := t.cyclesPerDay()
		if cpd <= 0 && t.haveSample {
			elapsed := now.Sub(t.firstSample).Hours() / 24
			if elapsed > 0 {
				cpd = float64(t.cycles) / elapsed
			}
		}
		if cpd > 0 {
			fadePerDay = t.fadePerCycle * cpd
		}
	}
	if fadePerDay <= 0 {
		// No cycle evidence yet: fall back to the calendar aging rate.
		fadePerDay = t.cfg.BaseCalendarFadePerDay
	}
	fadePerDay *= accel

	days = headroom / fadePerDay
	if math.IsInf(days, 0) || math.IsNaN(days) {
		return 0, false
	}
	return days, true
}
