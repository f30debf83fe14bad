/*
rul-simulate - synthetic fleet driver for the RUL estimation engine.
Copyright (C) 2025, The Battery Fleet Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"

	"github.com/batteryfleet/rul-engine/ecm"
	"github.com/batteryfleet/rul-engine/engine"
	"github.com/batteryfleet/rul-engine/predictor"
	"github.com/batteryfleet/rul-engine/telemetry"
)

// Degradation constants of the simulated cell.
const (
	cycleBaseCapacityLoss = 0.005 // capacity fraction per full cycle
	dodStressExponent     = 2.0
)

var version = "No version provided"

var log = logrus.New()

type argSpec struct {
	Days          int     `arg:"--days" help:"Simulated duration in days"`
	CyclesPerDay  float64 `arg:"--cycles-per-day" help:"Discharge cycles per simulated day"`
	DoD           float64 `arg:"--dod" help:"Depth of discharge per cycle (fraction of nameplate)"`
	AmbientTemp   float64 `arg:"--ambient-temp" help:"Ambient temperature in degrees C"`
	VoltageNoise  float64 `arg:"--voltage-noise" help:"Measurement noise sigma in volts"`
	SampleSeconds int     `arg:"--sample-rate" help:"Sample interval in simulated seconds"`
	Seed          int64   `arg:"--seed" help:"Random seed"`
	ModelFile     string  `arg:"--model-file" help:"Optional local linear model JSON file"`
	LogLevel      string  `arg:"-l,--log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

func (argSpec) Version() string {
	return version
}

func procArgs() argSpec {
	args := argSpec{
		Days:          90,
		CyclesPerDay:  1.0 / 22.5,
		DoD:           0.35,
		AmbientTemp:   25,
		VoltageNoise:  0.005,
		SampleSeconds: 300,
		Seed:          1,
	}
	arg.MustParse(&args)
	return args
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
		log.Warn("Unknown log level, defaulting to info")
	}
}

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("[%s] %s\n", strings.ToUpper(entry.Level.String()), entry.Message)), nil
}

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err.Error())
	}
}

func runMain() error {
	log.SetFormatter(new(customFormatter))
	args := procArgs()
	setLogLevel(args.LogLevel)

	log.Info("Running version: ", version)

	model, err := ecm.New(ecm.DefaultParams(), ecm.DefaultOCVCurve())
	if err != nil {
		return err
	}

	opts := engine.Options{Log: log}
	if args.ModelFile != "" {
		opts.Predictor, err = predictor.LoadLinear(args.ModelFile)
		if err != nil {
			return err
		}
	}
	eng, err := engine.New(model, engine.DefaultConfig(), opts)
	if err != nil {
		return err
	}

	log.Infof("Simulating %d days, %.3f cycles/day at %.1fC.", args.Days, args.CyclesPerDay, args.AmbientTemp)

	twin := newTwin(model, args)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, args.Days)
	step := time.Duration(args.SampleSeconds) * time.Second

	nextReport := start.AddDate(0, 0, 7)
	for ts := start; ts.Before(end); ts = ts.Add(step) {
		sample := twin.sample(ts, float64(args.SampleSeconds))
		if err := eng.Ingest(sample); err != nil {
			return err
		}
		if !ts.Before(nextReport) {
			report(eng, twin, ts, start)
			nextReport = nextReport.AddDate(0, 0, 7)
		}
	}
	report(eng, twin, end, start)
	return nil
}

func report(eng *engine.Engine, twin *cellTwin, ts, start time.Time) {
	day := int(ts.Sub(start).Hours() / 24)
	est, err := eng.Evaluate(context.Background(), "sim-cell-1")
	if err != nil {
		if errors.Is(err, engine.ErrInsufficientHistory) || errors.Is(err, engine.ErrUnknownCell) {
			log.Debugf("Day %d: not enough history yet.", day)
		} else {
			log.WithError(err).Error("Evaluation failed.")
		}
		return
	}
	log.Infof("Day %3d: true capacity %.2f%%, estimated %.2f%%, RUL %.0f days (%s, weight %.2f, conflict %v)",
		day, twin.capFraction*100, est.CapacityFraction*100,
		est.FusedDays, est.Confidence, est.PhysicsWeight, est.Conflict)
	if log.IsLevelEnabled(logrus.DebugLevel) {
		for _, f := range est.Factors {
			log.Debugf("  factor %-24s %5.1f%%", f.Name, f.Contribution)
		}
	}
}

// cellTwin is the ground-truth cell the engine is measured against: a
// forward-simulated equivalent circuit with capacity that fades per cycle
// under depth-of-discharge stress and Arrhenius temperature acceleration.
type cellTwin struct {
	model *ecm.Model
	rng   *rand.Rand

	soc         float64
	v1, v2      float64
	capFraction float64

	dod          float64
	ambientTemp  float64
	voltageNoise float64

	// One cycle is a discharge leg followed by a recharge leg, paced so
	// the configured cycles per day come out of the period.
	periodSeconds    float64
	dischargeSeconds float64
	elapsed          float64
	discharging      bool
}

func newTwin(model *ecm.Model, args argSpec) *cellTwin {
	period := 86400.0 / args.CyclesPerDay
	return &cellTwin{
		model:            model,
		rng:              rand.New(rand.NewSource(args.Seed)),
		soc:              1,
		capFraction:      1,
		dod:              args.DoD,
		ambientTemp:      args.AmbientTemp,
		voltageNoise:     args.VoltageNoise,
		periodSeconds:    period,
		dischargeSeconds: period * 0.4,
	}
}

// sample advances the twin by dt seconds and returns the noisy reading a
// telemetry node would publish.
func (t *cellTwin) sample(ts time.Time, dt float64) telemetry.MeasurementSample {
	params := t.model.Params()
	nameplate := params.NameplateAh

	// Constant-current legs: discharge the configured DoD over the
	// discharge phase, recharge it over the rest of the period.
	dischargeA := t.dod * nameplate * 3600 / t.dischargeSeconds
	chargeA := t.dod * nameplate * 3600 / (t.periodSeconds - t.dischargeSeconds)

	current := chargeA
	wasDischarging := t.discharging
	t.discharging = t.elapsed < t.dischargeSeconds
	if t.discharging {
		current = -dischargeA
	}
	if wasDischarging && !t.discharging {
		t.age()
	}
	if t.soc >= 1 && current > 0 {
		// Float: held full between cycles.
		current = 0
	}

	t.elapsed += dt
	if t.elapsed >= t.periodSeconds {
		t.elapsed -= t.periodSeconds
	}

	trueCapAh := t.capFraction * nameplate
	t.soc += current * dt / (3600 * trueCapAh)
	if t.soc > 1 {
		t.soc = 1
	}
	if t.soc < 0 {
		t.soc = 0
	}
	t.v1, t.v2 = t.model.BranchStep(t.v1, t.v2, current, dt)

	temp := t.ambientTemp + t.rng.NormFloat64()*0.3
	voltage, err := t.model.TerminalVoltage(t.soc, current, temp, t.v1, t.v2)
	if err != nil {
		voltage = params.NominalVoltage
	}
	voltage += t.rng.NormFloat64() * t.voltageNoise

	return telemetry.MeasurementSample{
		CellID:      "sim-cell-1",
		Timestamp:   ts,
		Voltage:     voltage,
		Current:     current,
		Temperature: temp,
	}
}

// age applies one cycle's capacity loss: base loss scaled by the
// depth-of-discharge stress exponent and Arrhenius acceleration at the
// operating temperature.
func (t *cellTwin) age() {
	stress := math.Pow(t.dod/0.5, dodStressExponent)
	accel := t.model.ArrheniusFactor(t.ambientTemp)
	t.capFraction *= 1 - cycleBaseCapacityLoss*stress*accel
}
