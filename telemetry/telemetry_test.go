package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundsCheck(t *testing.T) {
	bounds := DefaultBounds()

	tests := []struct {
		name    string
		voltage float64
		temp    float64
		ok      bool
	}{
		{name: "nominal", voltage: 12.7, temp: 25, ok: true},
		{name: "edge voltage", voltage: 20, temp: 25, ok: true},
		{name: "voltage too high", voltage: 20.1, temp: 25, ok: false},
		{name: "negative voltage", voltage: -0.1, temp: 25, ok: false},
		{name: "temperature too low", voltage: 12.7, temp: -51, ok: false},
		{name: "temperature too high", voltage: 12.7, temp: 101, ok: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := bounds.Check(MeasurementSample{Voltage: tc.voltage, Temperature: tc.temp})
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSampleJSONRoundTrip(t *testing.T) {
	r := 3.6
	sample := MeasurementSample{
		CellID:             "rack2-cell-07",
		Timestamp:          time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Voltage:            12.64,
		Current:            -1.2,
		Temperature:        27.5,
		ResistanceMilliOhm: &r,
	}

	data, err := json.Marshal(sample)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"internal_resistance_mohm":3.6`)

	var out MeasurementSample
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, sample, out)

	// The resistance field is omitted for cells without a test channel.
	sample.ResistanceMilliOhm = nil
	data, err = json.Marshal(sample)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "internal_resistance_mohm")
}
