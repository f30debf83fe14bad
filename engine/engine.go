// Package engine owns the per-cell estimation arena. It feeds validated
// measurement samples through the state estimator and capacity tracker,
// and on demand produces a fused remaining-useful-life estimate combining
// the physics path with the learned predictor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/batteryfleet/rul-engine/capacity"
	"github.com/batteryfleet/rul-engine/ecm"
	"github.com/batteryfleet/rul-engine/ekf"
	"github.com/batteryfleet/rul-engine/features"
	"github.com/batteryfleet/rul-engine/fusion"
	"github.com/batteryfleet/rul-engine/predictor"
	"github.com/batteryfleet/rul-engine/telemetry"
)

// Sentinel errors of the ingestion and evaluation surface.
var (
	// ErrOutOfRange marks a sample outside physical plausibility bounds.
	// The sample is rejected before it can touch filter state.
	ErrOutOfRange = errors.New("sample out of range")
	// ErrOutOfOrder marks a sample whose timestamp does not advance the
	// cell's stream.
	ErrOutOfOrder = errors.New("sample out of order")
	// ErrInsufficientHistory means the cell's window is too small to
	// evaluate yet.
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrUnknownCell means no sample has ever been ingested for the cell.
	ErrUnknownCell = errors.New("unknown cell")
	// ErrFeatureContract is returned by New when the learned model's
	// feature names do not match the aggregator's key set.
	ErrFeatureContract = errors.New("feature contract mismatch")
)

// Condition is a notable runtime event surfaced to observability
// collaborators.
type Condition int

const (
	// ConditionFilterDivergence fires once per estimator reset.
	ConditionFilterDivergence Condition = iota
	// ConditionPredictorUnavailable fires when an evaluation had to degrade
	// to physics-only output.
	ConditionPredictorUnavailable
	// ConditionCycleCompleted fires when the capacity tracker closes a
	// qualifying discharge cycle.
	ConditionCycleCompleted
	// ConditionEndOfLife fires on each evaluation of a cell at or past its
	// end-of-life capacity threshold.
	ConditionEndOfLife
)

func (c Condition) String() string {
	switch c {
	case ConditionFilterDivergence:
		return "filter-divergence"
	case ConditionPredictorUnavailable:
		return "predictor-unavailable"
	case ConditionCycleCompleted:
		return "cycle-completed"
	case ConditionEndOfLife:
		return "end-of-life"
	default:
		return "unknown"
	}
}

// ConditionFunc receives conditions as they occur. It is called with the
// cell's lock held and must not call back into the engine.
type ConditionFunc func(cellID string, c Condition)

// Recorder persists published estimates. A nil Recorder is valid; the
// engine never owns history.
type Recorder interface {
	Record(ctx context.Context, est *RULEstimate) error
}

// RULEstimate is one published forecast. It is immutable once returned.
type RULEstimate struct {
	CellID    string    `json:"cell_id"`
	CreatedAt time.Time `json:"created_at"`

	PhysicsDays float64  `json:"physics_days"`
	LearnedDays *float64 `json:"learned_days,omitempty"`
	FusedDays   float64  `json:"fused_days"`

	PhysicsWeight float64 `json:"physics_weight"`
	Confidence    string  `json:"confidence"`
	Conflict      bool    `json:"conflict"`

	Factors []fusion.Factor `json:"factors"`

	SOC              float64 `json:"soc"`
	CapacityFraction float64 `json:"capacity_fraction"`
	Cycles           int     `json:"cycles"`
	// AtEndOfLife distinguishes a cell that has already crossed the
	// end-of-life threshold from one merely trending toward it.
	AtEndOfLife bool `json:"at_end_of_life"`
}

// ConditionCounts is the per-cell tally of surfaced conditions.
type ConditionCounts struct {
	FilterDivergences    int
	PredictorUnavailable int
	CyclesCompleted      int
	EndOfLife            int
}

// Config holds the engine-level tuning. Sub-component configs ride along
// so one struct configures the whole arena.
type Config struct {
	// Window is the rolling feature window kept per cell.
	Window time.Duration
	// MinWindowSamples gates Evaluate.
	MinWindowSamples int
	// PredictorTimeout bounds the learned predictor call per evaluation.
	PredictorTimeout time.Duration
	// InitialCapacityFraction seeds the capacity tracker of newly seen
	// cells; 1.0 for a fresh fleet.
	InitialCapacityFraction float64

	Bounds   telemetry.Bounds
	Filter   ekf.Config
	Capacity capacity.Config
	Features features.Config
	Fusion   fusion.Config
}

// DefaultConfig wires the component defaults with a 24 hour window.
func DefaultConfig() Config {
	return Config{
		Window:                  24 * time.Hour,
		MinWindowSamples:        10,
		PredictorTimeout:        5 * time.Second,
		InitialCapacityFraction: 1.0,
		Bounds:                  telemetry.DefaultBounds(),
		Filter:                  ekf.DefaultConfig(),
		Capacity:                capacity.DefaultConfig(),
		Features:                features.DefaultConfig(),
		Fusion:                  fusion.DefaultConfig(),
	}
}

// Options carries the engine's optional collaborators.
type Options struct {
	// Predictor is the learned model; nil runs the engine physics-only.
	Predictor predictor.Predictor
	// Recorder persists each published estimate; nil disables recording.
	Recorder Recorder
	// OnCondition receives runtime conditions; nil disables callbacks.
	OnCondition ConditionFunc
	// Log defaults to a discard logger.
	Log *logrus.Logger
}

type cellState struct {
	mu sync.Mutex

	filter  *ekf.Filter
	tracker *capacity.Tracker
	window  []telemetry.MeasurementSample

	installedAt time.Time
	lastSample  time.Time

	conditions ConditionCounts
}

// Engine is the multi-cell estimation arena. Ingest for different cells
// may run in parallel; samples for one cell must arrive in order.
type Engine struct {
	model *ecm.Model
	cfg   Config
	opts  Options
	log   *logrus.Logger

	mu    sync.RWMutex
	cells map[string]*cellState
}

// New builds the arena. If a predictor is supplied its feature names are
// validated against the aggregator's key set; a mismatch is a deployment
// error and fails construction.
func New(model *ecm.Model, cfg Config, opts Options) (*Engine, error) {
	if model == nil {
		return nil, fmt.Errorf("nil cell model")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("non-positive window %v", cfg.Window)
	}
	if opts.Predictor != nil {
		if err := predictor.ValidateContract(opts.Predictor); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFeatureContract, err)
		}
	}
	logger := opts.Log
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Engine{
		model: model,
		cfg:   cfg,
		opts:  opts,
		log:   logger,
		cells: make(map[string]*cellState),
	}, nil
}

// Ingest validates and applies one sample. The first sample of a cell
// seeds the estimator from the OCV curve; later samples advance the filter
// and the capacity tracker and extend the feature window.
func (e *Engine) Ingest(sample telemetry.MeasurementSample) error {
	if sample.CellID == "" {
		return fmt.Errorf("%w: empty cell id", ErrOutOfRange)
	}
	if err := e.cfg.Bounds.Check(sample); err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}

	cell := e.cell(sample.CellID)
	cell.mu.Lock()
	defer cell.mu.Unlock()

	if cell.filter == nil {
		return e.initCell(cell, sample)
	}

	if !sample.Timestamp.After(cell.lastSample) {
		return fmt.Errorf("%w: %s at %s does not advance %s",
			ErrOutOfOrder, sample.CellID,
			sample.Timestamp.Format(time.RFC3339), cell.lastSample.Format(time.RFC3339))
	}

	dt := sample.Timestamp.Sub(cell.lastSample).Seconds()
	step, err := cell.filter.Update(sample.Voltage, sample.Current, sample.Temperature, dt, cell.tracker.CapacityAh())
	if err != nil {
		return fmt.Errorf("filter update for %s: %w", sample.CellID, err)
	}
	if step.Diverged {
		cell.conditions.FilterDivergences++
		e.log.WithFields(logrus.Fields{
			"cell": sample.CellID,
			"soc":  step.SOC,
		}).Warn("Filter diverged, state reset to last known good.")
		e.notify(sample.CellID, ConditionFilterDivergence)
	}

	// The tracker's SOC anchor comes from the voltage via the OCV curve,
	// not from the filter's coulomb-counted state.
	v1, v2 := cell.filter.Polarization()
	anchorSOC := e.model.SOCForLoadedVoltage(sample.Voltage, sample.Current, sample.Temperature, v1, v2)
	if cell.tracker.Observe(anchorSOC, sample.Current, sample.Temperature, sample.Timestamp, dt) {
		cell.conditions.CyclesCompleted++
		est := cell.tracker.Estimate()
		e.log.WithFields(logrus.Fields{
			"cell":     sample.CellID,
			"cycles":   est.Cycles,
			"capacity": est.CapacityFraction,
		}).Info("Discharge cycle completed.")
		e.notify(sample.CellID, ConditionCycleCompleted)
	}

	cell.lastSample = sample.Timestamp
	cell.window = append(cell.window, sample)
	cell.pruneWindow(e.cfg.Window)
	return nil
}

// Evaluate produces a fused estimate for the cell. A predictor failure or
// timeout is not an error: the estimate degrades to physics-only with Low
// confidence and the condition is surfaced.
func (e *Engine) Evaluate(ctx context.Context, cellID string) (*RULEstimate, error) {
	e.mu.RLock()
	cell, ok := e.cells[cellID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCell, cellID)
	}

	cell.mu.Lock()
	defer cell.mu.Unlock()

	if len(cell.window) < e.cfg.MinWindowSamples {
		return nil, fmt.Errorf("%w: %d of %d samples for %s",
			ErrInsufficientHistory, len(cell.window), e.cfg.MinWindowSamples, cellID)
	}

	fv, err := features.Aggregate(e.cfg.Features, cell.window, cell.installedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientHistory, err)
	}

	now := cell.lastSample
	physicsDays, healthy := cell.tracker.RUL(now)
	capEst := cell.tracker.Estimate()
	if !healthy {
		cell.conditions.EndOfLife++
		e.log.WithFields(logrus.Fields{
			"cell":     cellID,
			"capacity": capEst.CapacityFraction,
		}).Warn("Cell is at or past end of life.")
		e.notify(cellID, ConditionEndOfLife)
	}

	learned := e.predict(ctx, cell, cellID, fv)

	in := fusion.Inputs{
		PhysicsDays:      physicsDays,
		CyclesObserved:   capEst.Cycles,
		FeatureHistoryOK: fv[features.KeyTimeSpanHours] >= e.cfg.Window.Hours()/2,
		TempStressHours:  fv[features.KeyTempStressHours],
		CycleCount:       fv[features.KeyCycleCount],
		CalendarAgeDays:  fv[features.KeyCalendarAgeDays],
	}
	if r, ok := cell.filter.MeanAbsResidual(); ok {
		in.MeanAbsResidual = &r
	}
	if learned != nil {
		in.LearnedDays = &learned.Days
		in.LearnedImportances = learned.Importances
	}

	fused := e.cfg.Fusion.Fuse(in)

	est := &RULEstimate{
		CellID:           cellID,
		CreatedAt:        time.Now().UTC(),
		PhysicsDays:      physicsDays,
		LearnedDays:      in.LearnedDays,
		FusedDays:        fused.FusedDays,
		PhysicsWeight:    fused.PhysicsWeight,
		Confidence:       fused.Confidence.String(),
		Conflict:         fused.Conflict,
		Factors:          fused.Factors,
		SOC:              cell.filter.SOC(),
		CapacityFraction: capEst.CapacityFraction,
		Cycles:           capEst.Cycles,
		AtEndOfLife:      !healthy,
	}

	if e.opts.Recorder != nil {
		if err := e.opts.Recorder.Record(ctx, est); err != nil {
			e.log.WithError(err).WithField("cell", cellID).Error("Failed to record estimate.")
		}
	}
	return est, nil
}

// predict runs the learned predictor under the configured timeout. Any
// failure logs, counts a condition and returns nil.
func (e *Engine) predict(ctx context.Context, cell *cellState, cellID string, fv features.Vector) *predictor.Prediction {
	if e.opts.Predictor == nil {
		return nil
	}
	pctx := ctx
	if e.cfg.PredictorTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, e.cfg.PredictorTimeout)
		defer cancel()
	}
	pred, err := e.opts.Predictor.Predict(pctx, fv)
	if err != nil {
		cell.conditions.PredictorUnavailable++
		if errors.Is(err, predictor.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			e.log.WithError(err).WithField("cell", cellID).Warn("Learned predictor unavailable, degrading to physics only.")
		} else {
			e.log.WithError(err).WithField("cell", cellID).Error("Learned predictor failed, degrading to physics only.")
		}
		e.notify(cellID, ConditionPredictorUnavailable)
		return nil
	}
	return &pred
}

// Conditions returns the cell's condition tally.
func (e *Engine) Conditions(cellID string) (ConditionCounts, bool) {
	e.mu.RLock()
	cell, ok := e.cells[cellID]
	e.mu.RUnlock()
	if !ok {
		return ConditionCounts{}, false
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	return cell.conditions, true
}

// SOC returns the cell's current charge-fraction estimate.
func (e *Engine) SOC(cellID string) (float64, bool) {
	e.mu.RLock()
	cell, ok := e.cells[cellID]
	e.mu.RUnlock()
	if !ok || cell.filter == nil {
		return 0, false
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	return cell.filter.SOC(), true
}

// SetInstalledAt anchors the cell's calendar age. Without it the first
// sample's timestamp is used.
func (e *Engine) SetInstalledAt(cellID string, t time.Time) {
	cell := e.cell(cellID)
	cell.mu.Lock()
	cell.installedAt = t
	cell.mu.Unlock()
}

// Cells returns the known cell IDs.
func (e *Engine) Cells() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.cells))
	for id := range e.cells {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) cell(id string) *cellState {
	e.mu.RLock()
	cell, ok := e.cells[id]
	e.mu.RUnlock()
	if ok {
		return cell
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cell, ok = e.cells[id]; ok {
		return cell
	}
	cell = &cellState{}
	e.cells[id] = cell
	return cell
}

// initCell seeds a cell from its first sample. The terminal voltage is
// treated as a rest voltage for the initial SOC; the filter's initial
// covariance absorbs the approximation.
func (e *Engine) initCell(cell *cellState, sample telemetry.MeasurementSample) error {
	priorSOC := e.model.SOCForRestVoltage(sample.Voltage)
	cell.filter = ekf.New(e.model, e.cfg.Filter, priorSOC)
	cell.tracker = capacity.New(e.model, e.cfg.Capacity, e.cfg.InitialCapacityFraction)
	if cell.installedAt.IsZero() {
		cell.installedAt = sample.Timestamp
	}
	cell.lastSample = sample.Timestamp
	cell.window = append(cell.window, sample)
	e.log.WithFields(logrus.Fields{
		"cell": sample.CellID,
		"soc":  priorSOC,
	}).Info("Tracking new cell.")
	return nil
}

func (e *Engine) notify(cellID string, c Condition) {
	if e.opts.OnCondition != nil {
		e.opts.OnCondition(cellID, c)
	}
}

func (c *cellState) pruneWindow(window time.Duration) {
	cutoff := c.lastSample.Add(-window)
	i := 0
	for i < len(c.window) && c.window[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.window = append(c.window[:0], c.window[i:]...)
	}
}
