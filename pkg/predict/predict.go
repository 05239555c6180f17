// Package predict adapts energy predictors to the screening pipeline.
//
// A Predictor maps a batch of adsorption models to hydrogen adsorption
// energies, one per input in input order. The Batcher splits work into
// batches, validates each response, and on failure bisects the affected
// batch down to single units so one bad input cannot sink its neighbours.
package predict

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/3leaps/heascreen/pkg/screenerr"
	"github.com/3leaps/heascreen/pkg/sites"
)

// Prediction is the predicted adsorption energy for one model, in eV.
type Prediction struct {
	ModelID     string   `json:"model_id"`
	Energy      float64  `json:"energy"`
	Uncertainty *float64 `json:"uncertainty,omitempty"`
}

// Predictor predicts energies for a batch.
//
// On success the result has exactly one Prediction per input, in input
// order. On partial failure it returns a *PartialError.
type Predictor interface {
	Predict(ctx context.Context, models []sites.Model) ([]Prediction, error)
}

// Fingerprinter is implemented by predictors with a stable model identity.
// The fingerprint scopes cached predictions.
type Fingerprinter interface {
	Fingerprint() string
}

// Func adapts a function to the Predictor interface.
type Func func(ctx context.Context, models []sites.Model) ([]Prediction, error)

// Predict implements Predictor.
func (f Func) Predict(ctx context.Context, models []sites.Model) ([]Prediction, error) {
	return f(ctx, models)
}

// PartialError reports a batch where some inputs failed. Keys are input
// indices within the batch.
type PartialError struct {
	Predictions map[int]Prediction
	Failed      map[int]error
}

func (e *PartialError) Error() string {
	idx := make([]int, 0, len(e.Failed))
	for i := range e.Failed {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	parts := make([]string, 0, len(idx))
	for _, i := range idx {
		parts = append(parts, fmt.Sprintf("%d: %v", i, e.Failed[i]))
	}
	return fmt.Sprintf("partial batch failure (%d failed): %s", len(e.Failed), strings.Join(parts, "; "))
}

// validate checks cardinality, order and values of a batch response.
func validate(batch []sites.Model, preds []Prediction) error {
	if len(preds) != len(batch) {
		return screenerr.Validation("cardinality_mismatch",
			fmt.Errorf("sent %d models, got %d predictions", len(batch), len(preds)))
	}
	for i := range preds {
		if preds[i].ModelID != "" && preds[i].ModelID != batch[i].ID {
			return screenerr.Validation("order_mismatch",
				fmt.Errorf("position %d: expected %s, got %s", i, batch[i].ID, preds[i].ModelID))
		}
	}
	return nil
}

func checkValue(p Prediction) error {
	if math.IsNaN(p.Energy) || math.IsInf(p.Energy, 0) {
		return screenerr.Validation("non_finite_energy", nil)
	}
	if p.Uncertainty != nil && (math.IsNaN(*p.Uncertainty) || *p.Uncertainty < 0) {
		return screenerr.Validation("bad_uncertainty", nil)
	}
	return nil
}
