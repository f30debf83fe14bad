package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/batteryfleet/rul-engine/features"
)

// HTTPPredictor calls the remote inference service. The service exposes
// POST {baseURL}/api/v1/predict/rul taking the feature vector and returning
// the RUL in days with per-feature importances.
type HTTPPredictor struct {
	baseURL      string
	client       *http.Client
	featureNames []string
}

type predictRequest struct {
	Features map[string]float64 `json:"features"`
}

type predictResponse struct {
	RULDays            float64            `json:"rul_days"`
	FeatureImportances map[string]float64 `json:"feature_importances"`
}

// NewHTTP creates a predictor against the inference service. featureNames
// is the model's published feature list (from its /model/info endpoint or
// deployment config); the engine validates it against its own keys at
// startup.
func NewHTTP(baseURL string, featureNames []string, timeout time.Duration) *HTTPPredictor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPredictor{
		baseURL:      baseURL,
		client:       &http.Client{Timeout: timeout},
		featureNames: featureNames,
	}
}

// FeatureNames returns the model's expected feature keys.
func (p *HTTPPredictor) FeatureNames() []string {
	return append([]string(nil), p.featureNames...)
}

// Predict posts the feature vector to the inference service. Transport
// failures, timeouts and non-200 responses all wrap ErrUnavailable so the
// engine can degrade to physics-only output.
func (p *HTTPPredictor) Predict(ctx context.Context, fv features.Vector) (Prediction, error) {
	body, err := json.Marshal(predictRequest{Features: fv})
	if err != nil {
		return Prediction{}, fmt.Errorf("encoding predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/v1/predict/rul", bytes.NewReader(body))
	if err != nil {
		return Prediction{}, fmt.Errorf("building predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Prediction{}, fmt.Errorf("%w: inference service returned %s", ErrUnavailable, resp.Status)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Prediction{}, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	return Prediction{Days: out.RULDays, Importances: out.FeatureImportances}, nil
}
