package predict

import (
	"context"
	"fmt"

	"github.com/3leaps/heascreen/pkg/inference"
	"github.com/3leaps/heascreen/pkg/screenerr"
	"github.com/3leaps/heascreen/pkg/sites"
	"github.com/3leaps/heascreen/pkg/structure"
)

// StructureLookup resolves the aligned structure an adsorption model was
// built on.
type StructureLookup func(ctx context.Context, structureID string) (*structure.Structure, error)

// HTTPPredictor calls a model server.
//
// Request:  POST /predict {"model": "...", "items": [{"id": "...", "site": {...}, "adsorbate": "H", "structure": {...}}]}
// Response: {"predictions": [{"id": "...", "energy": -0.12, "uncertainty": 0.03}, {"id": "...", "error": "..."}]}
//
// Items carrying an error make the batch a PartialError.
type HTTPPredictor struct {
	client *inference.Client
	model  string
	lookup StructureLookup
}

// NewHTTPPredictor creates a predictor. model names the predictor and
// version (e.g., "mace-hea@1.2") and doubles as the cache fingerprint.
// lookup is optional; when set, each item carries the full geometry with
// the adsorbate placed.
func NewHTTPPredictor(client *inference.Client, model string, lookup StructureLookup) *HTTPPredictor {
	return &HTTPPredictor{client: client, model: model, lookup: lookup}
}

// Fingerprint implements Fingerprinter.
func (p *HTTPPredictor) Fingerprint() string { return p.model }

type predictItem struct {
	ID          string               `json:"id"`
	StructureID string               `json:"structure_id"`
	Composition string               `json:"composition"`
	Site        sites.Site           `json:"site"`
	Adsorbate   string               `json:"adsorbate"`
	Structure   *structure.Structure `json:"structure,omitempty"`
}

type predictRequest struct {
	Model string        `json:"model,omitempty"`
	Items []predictItem `json:"items"`
}

type predictResult struct {
	ID          string   `json:"id"`
	Energy      *float64 `json:"energy"`
	Uncertainty *float64 `json:"uncertainty,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type predictResponse struct {
	Predictions []predictResult `json:"predictions"`
}

// Predict implements Predictor.
func (p *HTTPPredictor) Predict(ctx context.Context, models []sites.Model) ([]Prediction, error) {
	req := predictRequest{Model: p.model, Items: make([]predictItem, len(models))}
	geometry := make(map[string]*structure.Structure)
	for i, m := range models {
		item := predictItem{
			ID:          m.ID,
			StructureID: m.StructureID,
			Composition: m.CompositionKey,
			Site:        m.Site,
			Adsorbate:   m.Adsorbate,
		}
		if p.lookup != nil {
			base, ok := geometry[m.StructureID]
			if !ok {
				var err error
				base, err = p.lookup(ctx, m.StructureID)
				if err != nil {
					return nil, fmt.Errorf("lookup structure %s: %w", m.StructureID, err)
				}
				geometry[m.StructureID] = base
			}
			item.Structure = sites.PlaceAdsorbate(base, m.Site, m.Adsorbate)
		}
		req.Items[i] = item
	}

	var resp predictResponse
	if _, err := p.client.PostJSON(ctx, "energy.predict", "/predict", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Predictions) != len(models) {
		return nil, screenerr.Validation("cardinality_mismatch",
			fmt.Errorf("sent %d items, got %d predictions", len(models), len(resp.Predictions)))
	}

	out := make([]Prediction, len(models))
	partial := &PartialError{Predictions: map[int]Prediction{}, Failed: map[int]error{}}
	for i, r := range resp.Predictions {
		switch {
		case r.Error != "":
			partial.Failed[i] = screenerr.Validation("model_error", fmt.Errorf("%s", r.Error))
		case r.Energy == nil:
			partial.Failed[i] = screenerr.Validation("missing_energy", nil)
		default:
			pr := Prediction{ModelID: r.ID, Energy: *r.Energy, Uncertainty: r.Uncertainty}
			out[i] = pr
			partial.Predictions[i] = pr
		}
	}
	if len(partial.Failed) > 0 {
		return nil, partial
	}
	return out, nil
}
