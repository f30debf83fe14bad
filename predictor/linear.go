package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/batteryfleet/rul-engine/features"
)

// LinearModel is a regression model exported from the training pipeline as
// a JSON coefficients file. It serves deployments that cannot reach the
// inference service.
type LinearModel struct {
	Coefficients map[string]float64 `json:"coefficients"`
	Intercept    float64            `json:"intercept"`
}

// LinearPredictor evaluates a LinearModel locally.
type LinearPredictor struct {
	model LinearModel
}

// LoadLinear reads a model file produced by the training pipeline's export
// step.
func LoadLinear(path string) (*LinearPredictor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	var model LinearModel
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	return NewLinear(model)
}

// NewLinear wraps an already-parsed model.
func NewLinear(model LinearModel) (*LinearPredictor, error) {
	if len(model.Coefficients) == 0 {
		return nil, fmt.Errorf("model has no coefficients")
	}
	return &LinearPredictor{model: model}, nil
}

// FeatureNames returns the coefficient keys.
func (p *LinearPredictor) FeatureNames() []string {
	names := make([]string, 0, len(p.model.Coefficients))
	for name := range p.model.Coefficients {
		names = append(names, name)
	}
	return names
}

// Predict evaluates the regression. Importances are the absolute signal
// each term contributed, so downstream ranking reflects what actually
// moved this prediction rather than global coefficient size.
func (p *LinearPredictor) Predict(_ context.Context, fv features.Vector) (Prediction, error) {
	days := p.model.Intercept
	importances := make(map[string]float64, len(p.model.Coefficients))
	for name, coef := range p.model.Coefficients {
		value, ok := fv[name]
		if !ok {
			return Prediction{}, fmt.Errorf("feature %q missing from vector", name)
		}
		term := coef * value
		days += term
		importances[name] = math.Abs(term)
	}
	if days < 0 {
		days = 0
	}
	return Prediction{Days: days, Importances: importances}, nil
}
