// Package ekf implements the per-cell state estimator: a three-state
// extended Kalman filter over [SOC, V1, V2] with terminal voltage as the
// single measurement. One Filter instance owns one cell's state; samples
// must be applied in timestamp order by a single goroutine.
package ekf

import (
	"fmt"
	"math"

	"github.com/batteryfleet/rul-engine/ecm"
)

// Config holds the filter tuning supplied at startup.
type Config struct {
	// ProcessNoise is Q, added to the covariance on every predict step.
	ProcessNoise Mat3
	// MeasurementNoise is the scalar R on the voltage measurement.
	MeasurementNoise float64
	// InitialCovariance seeds P when the first sample arrives.
	InitialCovariance Mat3
	// ResetInflation multiplies the last-known-good covariance when the
	// filter recovers from a divergence.
	ResetInflation float64
	// MaxConsecutiveClamps is how many SOC clamps in a row are tolerated
	// before the filter treats the run as a divergence.
	MaxConsecutiveClamps int
}

// DefaultConfig returns the tuning used in production fleets.
func DefaultConfig() Config {
	return Config{
		ProcessNoise:         Diag(1e-7, 1e-5, 1e-5),
		MeasurementNoise:     0.01,
		InitialCovariance:    Diag(0.1, 0.01, 0.01),
		ResetInflation:       10.0,
		MaxConsecutiveClamps: 10,
	}
}

// Step is the result of applying one measurement sample.
type Step struct {
	SOC              float64
	PredictedVoltage float64
	Residual         float64
	// Diverged is set when this step recovered the filter from a numerical
	// divergence. The caller surfaces it exactly once per reset.
	Diverged bool
	// Clamped is set when the updated SOC had to be pulled back into [0,1].
	Clamped bool
}

// Filter is the extended Kalman filter for one cell.
type Filter struct {
	model *ecm.Model
	cfg   Config

	x Vec3 // [soc, v1, v2]
	p Mat3

	lastGoodX Vec3
	lastGoodP Mat3

	consecutiveClamps int
	divergences       int

	// Exponentially weighted mean absolute voltage residual, the accuracy
	// signal the fusion stage uses to weight the physics estimate.
	residualEWMA    float64
	residualPrimed  bool
	residualUpdates int
}

const residualAlpha = 0.1

// New creates a filter for one cell. The prior SOC seeds the state on the
// assumption that float-charged cells sit near full.
func New(model *ecm.Model, cfg Config, priorSOC float64) *Filter {
	if priorSOC < 0 {
		priorSOC = 0
	}
	if priorSOC > 1 {
		priorSOC = 1
	}
	f := &Filter{
		model: model,
		cfg:   cfg,
		x:     Vec3{priorSOC, 0, 0},
		p:     cfg.InitialCovariance,
	}
	f.lastGoodX = f.x
	f.lastGoodP = f.p
	return f
}

// SOC returns the current charge-fraction estimate.
func (f *Filter) SOC() float64 {
	return f.x[0]
}

// Polarization returns the current estimates of the two RC branch
// voltages.
func (f *Filter) Polarization() (v1, v2 float64) {
	return f.x[1], f.x[2]
}

// Covariance returns a copy of the state covariance.
func (f *Filter) Covariance() Mat3 {
	return f.p
}

// Divergences returns how many resets the filter has performed.
func (f *Filter) Divergences() int {
	return f.divergences
}

// MeanAbsResidual returns the smoothed absolute voltage residual and
// whether enough updates have been seen for it to be meaningful.
func (f *Filter) MeanAbsResidual() (float64, bool) {
	return f.residualEWMA, f.residualUpdates >= 5
}

// Update applies one measurement: predict over dt seconds, then correct
// against the measured terminal voltage. capacityAh is the current usable
// capacity from the capacity tracker.
func (f *Filter) Update(measuredVoltage, currentA, tempC, dt, capacityAh float64) (Step, error) {
	if dt <= 0 {
		return Step{}, fmt.Errorf("non-positive timestep %.3fs", dt)
	}
	if capacityAh <= 0 {
		return Step{}, fmt.Errorf("non-positive capacity %.3fAh", capacityAh)
	}

	usableAh := f.model.UsableCapacityAh(capacityAh, tempC)

	// Predict. Positive current charges the cell.
	tau1, tau2 := f.model.TimeConstants()
	socPred := f.x[0] + (currentA*dt)/(3600*usableAh)
	v1Pred, v2Pred := f.model.BranchStep(f.x[1], f.x[2], currentA, dt)
	xPred := Vec3{clamp01(socPred), v1Pred, v2Pred}

	fJac := Diag(1, math.Exp(-dt/tau1), math.Exp(-dt/tau2))
	pPred := fJac.Mul(f.p).Mul(fJac).Add(f.cfg.ProcessNoise).Symmetrize()

	// Measurement prediction and Jacobian H = [dOCV/dSOC, 1, 1], matching
	// the charge-positive terminal voltage V = OCV + I*R0 + V1 + V2.
	vPred, err := f.model.TerminalVoltage(xPred[0], currentA, tempC, xPred[1], xPred[2])
	if err != nil {
		return Step{}, err
	}
	slope, err := f.model.OCVSlope(xPred[0])
	if err != nil {
		return Step{}, err
	}
	h := Vec3{slope, 1, 1}

	// S = H P H^T + R, K = P H^T / S.
	pht := pPred.MulVec(h)
	s := h[0]*pht[0] + h[1]*pht[1] + h[2]*pht[2] + f.cfg.MeasurementNoise
	if s <= 0 {
		return f.reset(vPred, measuredVoltage), nil
	}
	k := Vec3{pht[0] / s, pht[1] / s, pht[2] / s}

	residual := measuredVoltage - vPred
	xNew := Vec3{
		xPred[0] + k[0]*residual,
		xPred[1] + k[1]*residual,
		xPred[2] + k[2]*residual,
	}
	pNew := Identity().Add(Outer(k, h).Scale(-1)).Mul(pPred).Symmetrize()

	if !xNew.IsFinite() || !pNew.IsPositiveDefinite() {
		return f.reset(vPred, measuredVoltage), nil
	}

	step := Step{PredictedVoltage: vPred, Residual: residual}

	// SOC clamping is a documented approximation: the estimate may not
	// leave [0,1], and a long run of clamps means the filter has lost the
	// plot and is reset like any other divergence.
	if xNew[0] < 0 || xNew[0] > 1 {
		xNew[0] = clamp01(xNew[0])
		step.Clamped = true
		f.consecutiveClamps++
		if f.consecutiveClamps > f.cfg.MaxConsecutiveClamps {
			return f.reset(vPred, measuredVoltage), nil
		}
	} else {
		f.consecutiveClamps = 0
	}

	f.x = xNew
	f.p = pNew
	f.lastGoodX = xNew
	f.lastGoodP = pNew
	f.observeResidual(residual)

	step.SOC = xNew[0]
	return step, nil
}

// reset restores the last-known-good state with inflated covariance in
// place of propagating NaNs or a non-PSD covariance.
func (f *Filter) reset(vPred, measured float64) Step {
	f.x = f.lastGoodX
	f.p = f.lastGoodP.Scale(f.cfg.ResetInflation).Symmetrize()
	if !f.p.IsPositiveDefinite() {
		f.p = f.cfg.InitialCovariance
	}
	f.consecutiveClamps = 0
	f.divergences++
	return Step{
		SOC:              f.x[0],
		PredictedVoltage: vPred,
		Residual:         measured - vPred,
		Diverged:         true,
	}
}

func (f *Filter) observeResidual(residual float64) {
	abs := residual
	if abs < 0 {
		abs = -abs
	}
	if !f.residualPrimed {
		f.residualEWMA = abs
		f.residualPrimed = true
	} else {
		f.residualEWMA = residualAlpha*abs + (1-residualAlpha)*f.residualEWMA
	}
	f.residualUpdates++
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
