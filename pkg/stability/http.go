package stability

import (
	"context"

	"github.com/3leaps/heascreen/pkg/composition"
	"github.com/3leaps/heascreen/pkg/inference"
)

// HTTPOracle scores compositions through a model server.
//
// Request:  POST /score {"composition": {"Co": 0.5, "Ni": 0.5}}
// Response: {"metric": 1.7, "status": "ok"}
type HTTPOracle struct {
	client *inference.Client
}

// NewHTTPOracle creates an oracle backed by client.
func NewHTTPOracle(client *inference.Client) *HTTPOracle {
	return &HTTPOracle{client: client}
}

type scoreRequest struct {
	Composition map[string]float64 `json:"composition"`
	Key         string             `json:"key"`
}

// Score implements Oracle.
func (o *HTTPOracle) Score(ctx context.Context, c composition.Composition) (Result, error) {
	var res Result
	if _, err := o.client.PostJSON(ctx, "stability.score", "/score", scoreRequest{
		Composition: c.Fractions(),
		Key:         c.Key(),
	}, &res); err != nil {
		return Result{}, err
	}
	if res.Status == "" {
		res.Status = StatusOK
	}
	return res, nil
}
