// Package rulconfig loads the engine's configuration file. Each section
// has a Default* constructor; Unmarshal overlays the file on top of the
// defaults, so an absent file or section still yields a working setup.
package rulconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigFile is where the daemon looks without an explicit path.
const DefaultConfigFile = "/etc/rul-engine/config.yaml"

// Section keys of the configuration file.
const (
	ModelKey     = "model"
	FilterKey    = "filter"
	CapacityKey  = "capacity"
	FeaturesKey  = "features"
	FusionKey    = "fusion"
	EngineKey    = "engine"
	PredictorKey = "predictor"
	MQTTKey      = "mqtt"
	StorageKey   = "storage"
)

// Model configures the equivalent circuit.
type Model struct {
	R0             float64 `mapstructure:"r0-ohm"`
	R1             float64 `mapstructure:"r1-ohm"`
	C1             float64 `mapstructure:"c1-farad"`
	R2             float64 `mapstructure:"r2-ohm"`
	C2             float64 `mapstructure:"c2-farad"`
	NameplateAh    float64 `mapstructure:"nameplate-ah"`
	NominalVoltage float64 `mapstructure:"nominal-voltage"`

	ActivationEnergyEV float64 `mapstructure:"activation-energy-ev"`
	ReferenceTempC     float64 `mapstructure:"reference-temp-c"`
}

// DefaultModel is a 12V 120Ah VRLA monobloc.
func DefaultModel() Model {
	return Model{
		R0:                 0.0035,
		R1:                 0.0015,
		C1:                 2000,
		R2:                 0.0010,
		C2:                 5000,
		NameplateAh:        120,
		NominalVoltage:     12,
		ActivationEnergyEV: 0.7,
		ReferenceTempC:     25,
	}
}

// Filter configures the state estimator.
type Filter struct {
	ProcessNoiseSOC       float64 `mapstructure:"process-noise-soc"`
	ProcessNoiseBranch    float64 `mapstructure:"process-noise-branch"`
	MeasurementNoise      float64 `mapstructure:"measurement-noise"`
	InitialVarianceSOC    float64 `mapstructure:"initial-variance-soc"`
	InitialVarianceBranch float64 `mapstructure:"initial-variance-branch"`
	ResetInflation        float64 `mapstructure:"reset-inflation"`
	MaxConsecutiveClamps  int     `mapstructure:"max-consecutive-clamps"`
}

func DefaultFilter() Filter {
	return Filter{
		ProcessNoiseSOC:       1e-7,
		ProcessNoiseBranch:    1e-5,
		MeasurementNoise:      0.01,
		InitialVarianceSOC:    0.1,
		InitialVarianceBranch: 0.01,
		ResetInflation:        10,
		MaxConsecutiveClamps:  10,
	}
}

// Capacity configures the fade tracker.
type Capacity struct {
	MinCycleDoD             float64 `mapstructure:"min-cycle-dod"`
	FadeAlpha               float64 `mapstructure:"fade-alpha"`
	EndOfLifeFraction       float64 `mapstructure:"end-of-life-fraction"`
	MinCyclesForConfidence  int     `mapstructure:"min-cycles-for-confidence"`
	CurrentDeadbandA        float64 `mapstructure:"current-deadband-a"`
	CalendarFadePerYear     float64 `mapstructure:"calendar-fade-per-year"`
	InitialCapacityFraction float64 `mapstructure:"initial-capacity-fraction"`
}

func DefaultCapacity() Capacity {
	return Capacity{
		MinCycleDoD:             0.20,
		FadeAlpha:               0.3,
		EndOfLifeFraction:       0.80,
		MinCyclesForConfidence:  3,
		CurrentDeadbandA:        0.05,
		CalendarFadePerYear:     0.02,
		InitialCapacityFraction: 1.0,
	}
}

// Features configures the aggregator thresholds.
type Features struct {
	StressTempC           float64 `mapstructure:"stress-temp-c"`
	SwingDeltaC           float64 `mapstructure:"swing-delta-c"`
	CycleVoltageThreshold float64 `mapstructure:"cycle-voltage-threshold"`
	MinSamples            int     `mapstructure:"min-samples"`
}

func DefaultFeatures() Features {
	return Features{
		StressTempC:           35,
		SwingDeltaC:           5,
		CycleVoltageThreshold: 12,
		MinSamples:            10,
	}
}

// Fusion configures estimate blending.
type Fusion struct {
	ConflictThreshold     float64 `mapstructure:"conflict-threshold"`
	MinPhysicsWeight      float64 `mapstructure:"min-physics-weight"`
	MaxPhysicsWeight      float64 `mapstructure:"max-physics-weight"`
	BaselinePhysicsWeight float64 `mapstructure:"baseline-physics-weight"`
}

func DefaultFusion() Fusion {
	return Fusion{
		ConflictThreshold:     0.30,
		MinPhysicsWeight:      0.20,
		MaxPhysicsWeight:      0.80,
		BaselinePhysicsWeight: 0.60,
	}
}

// Engine configures the arena surface.
type Engine struct {
	Window           time.Duration `mapstructure:"window"`
	MinWindowSamples int           `mapstructure:"min-window-samples"`
	PredictorTimeout time.Duration `mapstructure:"predictor-timeout"`
	EvaluateInterval time.Duration `mapstructure:"evaluate-interval"`

	MinVoltage     float64 `mapstructure:"min-voltage"`
	MaxVoltage     float64 `mapstructure:"max-voltage"`
	MinTemperature float64 `mapstructure:"min-temperature"`
	MaxTemperature float64 `mapstructure:"max-temperature"`
}

func DefaultEngine() Engine {
	return Engine{
		Window:           24 * time.Hour,
		MinWindowSamples: 10,
		PredictorTimeout: 5 * time.Second,
		EvaluateInterval: 15 * time.Minute,
		MinVoltage:       0,
		MaxVoltage:       20,
		MinTemperature:   -50,
		MaxTemperature:   100,
	}
}

// Predictor configures the learned-model source.
type Predictor struct {
	// URL of the inference service; empty disables the HTTP predictor.
	URL string `mapstructure:"url"`
	// ModelFile is a local JSON coefficients file used when URL is empty.
	ModelFile string        `mapstructure:"model-file"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// FeatureNames is the HTTP model's published feature list.
	FeatureNames []string `mapstructure:"feature-names"`
}

func DefaultPredictor() Predictor {
	return Predictor{Timeout: 5 * time.Second}
}

// MQTT configures the telemetry ingestion bridge.
type MQTT struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client-id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TelemetryTopic string        `mapstructure:"telemetry-topic"`
	EstimateTopic  string        `mapstructure:"estimate-topic"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
}

func DefaultMQTT() MQTT {
	return MQTT{
		Broker:         "tcp://localhost:1883",
		ClientID:       "rul-engine",
		TelemetryTopic: "fleet/+/telemetry",
		EstimateTopic:  "fleet/%s/rul",
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
	}
}

// Storage configures the ClickHouse estimate recorder.
type Storage struct {
	// Addr is host:port of the ClickHouse native interface; empty disables
	// recording.
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Table    string `mapstructure:"table"`
}

func DefaultStorage() Storage {
	return Storage{
		Database: "fleet",
		Username: "default",
		Table:    "rul_estimates",
	}
}

// Config is a loaded configuration file.
type Config struct {
	v *viper.Viper
}

// New reads the file at path. A missing file is not an error; every
// section then unmarshals to its defaults.
func New(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return &Config{v: v}, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return &Config{v: v}, nil
}

// Unmarshal fills raw, which should be pre-populated with its section's
// defaults, from the file's section under key.
func (c *Config) Unmarshal(key string, raw interface{}) error {
	if c.v == nil || !c.v.IsSet(key) {
		return nil
	}
	if err := c.v.UnmarshalKey(key, raw); err != nil {
		return fmt.Errorf("config section %q: %w", key, err)
	}
	return nil
}
