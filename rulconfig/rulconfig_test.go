package rulconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := New(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	model := DefaultModel()
	require.NoError(t, cfg.Unmarshal(ModelKey, &model))
	assert.Equal(t, 120.0, model.NameplateAh)
	assert.Equal(t, 0.7, model.ActivationEnergyEV)

	eng := DefaultEngine()
	require.NoError(t, cfg.Unmarshal(EngineKey, &eng))
	assert.Equal(t, 24*time.Hour, eng.Window)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model:
  nameplate-ah: 200
  r0-ohm: 0.004
capacity:
  end-of-life-fraction: 0.75
mqtt:
  broker: tcp://broker.internal:1883
engine:
  window: 12h
`), 0644))

	cfg, err := New(path)
	require.NoError(t, err)

	model := DefaultModel()
	require.NoError(t, cfg.Unmarshal(ModelKey, &model))
	assert.Equal(t, 200.0, model.NameplateAh)
	assert.Equal(t, 0.004, model.R0)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.7, model.ActivationEnergyEV)

	capCfg := DefaultCapacity()
	require.NoError(t, cfg.Unmarshal(CapacityKey, &capCfg))
	assert.Equal(t, 0.75, capCfg.EndOfLifeFraction)
	assert.Equal(t, 0.20, capCfg.MinCycleDoD)

	mqttCfg := DefaultMQTT()
	require.NoError(t, cfg.Unmarshal(MQTTKey, &mqttCfg))
	assert.Equal(t, "tcp://broker.internal:1883", mqttCfg.Broker)
	assert.Equal(t, "rul-engine", mqttCfg.ClientID)

	eng := DefaultEngine()
	require.NoError(t, cfg.Unmarshal(EngineKey, &eng))
	assert.Equal(t, 12*time.Hour, eng.Window)
	assert.Equal(t, 15*time.Minute, eng.EvaluateInterval)
}

func TestMalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: [not: a: map"), 0644))

	_, err := New(path)
	assert.Error(t, err)
}
