/*
rul-engine - hybrid remaining-useful-life estimation daemon.
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
	"strings"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/godbus/dbus"
	"github.com/sirupsen/logrus"

	"github.com/batteryfleet/rul-engine/capacity"
	"github.com/batteryfleet/rul-engine/ecm"
	"github.com/batteryfleet/rul-engine/ekf"
	"github.com/batteryfleet/rul-engine/engine"
	"github.com/batteryfleet/rul-engine/features"
	"github.com/batteryfleet/rul-engine/fusion"
	"github.com/batteryfleet/rul-engine/internal/mqttclient"
	"github.com/batteryfleet/rul-engine/internal/storage"
	"github.com/batteryfleet/rul-engine/predictor"
	"github.com/batteryfleet/rul-engine/rulconfig"
	"github.com/batteryfleet/rul-engine/telemetry"
)

var version = "No version provided"

var log = logrus.New()

type argSpec struct {
	ConfigFile string `arg:"-c,--config" help:"Configuration file"`
	DBus       bool   `arg:"--dbus" help:"Emit estimate signals on the system D-Bus"`
	LogLevel   string `arg:"-l,--log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

func (argSpec) Version() string {
	return version
}

func procArgs() argSpec {
	args := argSpec{
		ConfigFile: rulconfig.DefaultConfigFile,
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

	cfg, err := rulconfig.New(args.ConfigFile)
	if err != nil {
		return err
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	mqttCfg := rulconfig.DefaultMQTT()
	if err := cfg.Unmarshal(rulconfig.MQTTKey, &mqttCfg); err != nil {
		return err
	}
	mqttClient, err := mqttclient.Connect(mqttCfg, log)
	if err != nil {
		return err
	}
	defer mqttClient.Close()

	if err := mqttClient.SubscribeTelemetry(func(sample telemetry.MeasurementSample) {
		if err := eng.Ingest(sample); err != nil {
			switch {
			case errors.Is(err, engine.ErrOutOfRange):
				log.WithError(err).Warn("Rejected out of range sample.")
			case errors.Is(err, engine.ErrOutOfOrder):
				log.WithError(err).Debug("Rejected out of order sample.")
			default:
				log.WithError(err).Error("Failed to ingest sample.")
			}
		}
	}); err != nil {
		return err
	}

	engCfg := rulconfig.DefaultEngine()
	if err := cfg.Unmarshal(rulconfig.EngineKey, &engCfg); err != nil {
		return err
	}
	log.Info("Evaluating cells every ", engCfg.EvaluateInterval)

	ticker := time.NewTicker(engCfg.EvaluateInterval)
	defer ticker.Stop()
	for range ticker.C {
		evaluateAll(eng, mqttClient, args.DBus)
	}
	return nil
}

// buildEngine assembles the cell model, engine configuration, predictor
// and recorder from the config file sections.
func buildEngine(cfg *rulconfig.Config) (*engine.Engine, error) {
	modelCfg := rulconfig.DefaultModel()
	if err := cfg.Unmarshal(rulconfig.ModelKey, &modelCfg); err != nil {
		return nil, err
	}
	model, err := ecm.New(ecm.Params{
		R0:                 modelCfg.R0,
		R1:                 modelCfg.R1,
		C1:                 modelCfg.C1,
		R2:                 modelCfg.R2,
		C2:                 modelCfg.C2,
		NameplateAh:        modelCfg.NameplateAh,
		NominalVoltage:     modelCfg.NominalVoltage,
		ActivationEnergyEV: modelCfg.ActivationEnergyEV,
		ReferenceTempC:     modelCfg.ReferenceTempC,
	}, ecm.DefaultOCVCurve())
	if err != nil {
		return nil, err
	}

	engineCfg, err := assembleEngineConfig(cfg)
	if err != nil {
		return nil, err
	}

	opts := engine.Options{Log: log}
	if opts.Predictor, err = buildPredictor(cfg); err != nil {
		return nil, err
	}
	if opts.Recorder, err = buildRecorder(cfg); err != nil {
		return nil, err
	}
	opts.OnCondition = func(cellID string, c engine.Condition) {
		log.WithFields(logrus.Fields{
			"cell":      cellID,
			"condition": c.String(),
		}).Debug("Condition raised.")
	}

	return engine.New(model, engineCfg, opts)
}

func assembleEngineConfig(cfg *rulconfig.Config) (engine.Config, error) {
	engineCfg := engine.DefaultConfig()

	engCfg := rulconfig.DefaultEngine()
	if err := cfg.Unmarshal(rulconfig.EngineKey, &engCfg); err != nil {
		return engine.Config{}, err
	}
	engineCfg.Window = engCfg.Window
	engineCfg.MinWindowSamples = engCfg.MinWindowSamples
	engineCfg.PredictorTimeout = engCfg.PredictorTimeout
	engineCfg.Bounds = telemetry.Bounds{
		MinVoltage:     engCfg.MinVoltage,
		MaxVoltage:     engCfg.MaxVoltage,
		MinTemperature: engCfg.MinTemperature,
		MaxTemperature: engCfg.MaxTemperature,
	}

	filterCfg := rulconfig.DefaultFilter()
	if err := cfg.Unmarshal(rulconfig.FilterKey, &filterCfg); err != nil {
		return engine.Config{}, err
	}
	engineCfg.Filter = ekf.Config{
		ProcessNoise:         ekf.Diag(filterCfg.ProcessNoiseSOC, filterCfg.ProcessNoiseBranch, filterCfg.ProcessNoiseBranch),
		MeasurementNoise:     filterCfg.MeasurementNoise,
		InitialCovariance:    ekf.Diag(filterCfg.InitialVarianceSOC, filterCfg.InitialVarianceBranch, filterCfg.InitialVarianceBranch),
		ResetInflation:       filterCfg.ResetInflation,
		MaxConsecutiveClamps: filterCfg.MaxConsecutiveClamps,
	}

	capCfg := rulconfig.DefaultCapacity()
	if err := cfg.Unmarshal(rulconfig.CapacityKey, &capCfg); err != nil {
		return engine.Config{}, err
	}
	engineCfg.InitialCapacityFraction = capCfg.InitialCapacityFraction
	engineCfg.Capacity = capacity.Config{
		MinCycleDoD:            capCfg.MinCycleDoD,
		FadeAlpha:              capCfg.FadeAlpha,
		EndOfLifeFraction:      capCfg.EndOfLifeFraction,
		MinCyclesForConfidence: capCfg.MinCyclesForConfidence,
		CurrentDeadband:        capCfg.CurrentDeadbandA,
		BaseCalendarFadePerDay: capCfg.CalendarFadePerYear / 365,
	}

	featCfg := rulconfig.DefaultFeatures()
	if err := cfg.Unmarshal(rulconfig.FeaturesKey, &featCfg); err != nil {
		return engine.Config{}, err
	}
	engineCfg.Features = features.Config{
		StressTempC:           featCfg.StressTempC,
		SwingDeltaC:           featCfg.SwingDeltaC,
		CycleVoltageThreshold: featCfg.CycleVoltageThreshold,
		MinSamples:            featCfg.MinSamples,
	}

	fusionCfg := rulconfig.DefaultFusion()
	if err := cfg.Unmarshal(rulconfig.FusionKey, &fusionCfg); err != nil {
		return engine.Config{}, err
	}
	engineCfg.Fusion = fusion.Config{
		ConflictThreshold:          fusionCfg.ConflictThreshold,
		MinPhysicsWeight:           fusionCfg.MinPhysicsWeight,
		MaxPhysicsWeight:           fusionCfg.MaxPhysicsWeight,
		BaselinePhysicsWeight:      fusionCfg.BaselinePhysicsWeight,
		MinCyclesForFullConfidence: capCfg.MinCyclesForConfidence,
	}

	return engineCfg, nil
}

func buildPredictor(cfg *rulconfig.Config) (predictor.Predictor, error) {
	predCfg := rulconfig.DefaultPredictor()
	if err := cfg.Unmarshal(rulconfig.PredictorKey, &predCfg); err != nil {
		return nil, err
	}
	switch {
	case predCfg.URL != "":
		names := predCfg.FeatureNames
		if len(names) == 0 {
			names = features.Keys()
		}
		log.Info("Using inference service at ", predCfg.URL)
		return predictor.NewHTTP(predCfg.URL, names, predCfg.Timeout), nil
	case predCfg.ModelFile != "":
		log.Info("Using local model file ", predCfg.ModelFile)
		return predictor.LoadLinear(predCfg.ModelFile)
	default:
		log.Warn("No learned predictor configured, running physics only.")
		return nil, nil
	}
}

func buildRecorder(cfg *rulconfig.Config) (engine.Recorder, error) {
	storeCfg := rulconfig.DefaultStorage()
	if err := cfg.Unmarshal(rulconfig.StorageKey, &storeCfg); err != nil {
		return nil, err
	}
	if storeCfg.Addr == "" {
		log.Info("No storage address configured, estimates will not be recorded.")
		return nil, nil
	}
	return storage.NewClickHouse(storeCfg, log)
}

func evaluateAll(eng *engine.Engine, mqttClient *mqttclient.Client, emitDBus bool) {
	ctx := context.Background()
	for _, cellID := range eng.Cells() {
		est, err := eng.Evaluate(ctx, cellID)
		if err != nil {
			if errors.Is(err, engine.ErrInsufficientHistory) {
				log.WithField("cell", cellID).Debug("Not enough history to evaluate yet.")
			} else {
				log.WithError(err).WithField("cell", cellID).Error("Evaluation failed.")
			}
			continue
		}

		log.WithFields(logrus.Fields{
			"cell":       cellID,
			"fused_days": est.FusedDays,
			"confidence": est.Confidence,
			"conflict":   est.Conflict,
		}).Info("Published estimate.")

		if err := mqttClient.PublishEstimate(est); err != nil {
			log.WithError(err).WithField("cell", cellID).Error("Failed to publish estimate.")
		}
		if emitDBus {
			if err := sendEstimateSignal(est.CellID, est.FusedDays, est.Confidence); err != nil {
				log.WithError(err).Error("Failed to send estimate signal.")
			}
		}
	}
}

// sendEstimateSignal emits the estimate on the system D-Bus so local
// services can react without an MQTT subscription.
func sendEstimateSignal(cellID string, fusedDays float64, confidence string) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}

	sig := &dbus.Signal{
		Path: dbus.ObjectPath("/org/batteryfleet/rul"),
		Name: "org.batteryfleet.rul.Estimate",
		Body: []interface{}{cellID, fusedDays, confidence},
	}

	return conn.Emit(sig.Path, sig.Name, sig.Body...)
}
