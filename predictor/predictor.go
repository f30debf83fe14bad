// Package predictor defines the learned-model contract the engine consumes
// and ships two implementations: an HTTP client for the remote inference
// service and a local linear model loaded from a coefficients file.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/batteryfleet/rul-engine/features"
)

// ErrUnavailable marks a predictor failure the engine degrades around:
// the evaluation continues physics-only with reduced confidence.
var ErrUnavailable = errors.New("learned predictor unavailable")

// Prediction is the learned model's answer for one feature vector.
type Prediction struct {
	// Days is the point RUL estimate.
	Days float64
	// Importances maps feature name to relative contribution. Values are
	// non-negative and normalized downstream; they need not sum to one.
	Importances map[string]float64
}

// Predictor is the narrow contract the engine calls through. Implementations
// must honor ctx cancellation; a blocking remote call is given a deadline by
// the engine.
type Predictor interface {
	// FeatureNames returns the exact feature-key set the model expects.
	FeatureNames() []string
	// Predict returns the RUL estimate for the vector. A transport or
	// service failure is reported as an error wrapping ErrUnavailable.
	Predict(ctx context.Context, fv features.Vector) (Prediction, error)
}

// ValidateContract checks that the engine's feature keys exactly match the
// model's expected names. A mismatch is a deployment error and is fatal at
// startup, never discovered per call.
func ValidateContract(p Predictor) error {
	want := append([]string(nil), p.FeatureNames()...)
	have := features.Keys()
	sort.Strings(want)
	if len(want) != len(have) {
		return fmt.Errorf("feature contract mismatch: engine has %d keys, model expects %d", len(have), len(want))
	}
	for i := range want {
		if want[i] != have[i] {
			return fmt.Errorf("feature contract mismatch: engine key %q vs model key %q", have[i], want[i])
		}
	}
	return nil
}
