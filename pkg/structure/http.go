package structure

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/3leaps/heascreen/pkg/composition"
	"github.com/3leaps/heascreen/pkg/inference"
	"github.com/3leaps/heascreen/pkg/screenerr"
)

// HTTPGenerator requests structures from a generative model server.
//
// Request:  POST /generate {"composition": {...}, "key": "...", "attempt": 0, "samples": 4, "seed": 123}
// Response: {"structures": [{"lattice": [[...],[...],[...]], "species": [...], "positions": [[...]], "pbc": [true,true,false]}]}
//
// The seed is derived from the composition key and attempt so a retried
// request reproduces the same samples on deterministic servers.
type HTTPGenerator struct {
	client *inference.Client
}

// NewHTTPGenerator creates a generator backed by client.
func NewHTTPGenerator(client *inference.Client) *HTTPGenerator {
	return &HTTPGenerator{client: client}
}

type generateRequest struct {
	Composition map[string]float64 `json:"composition"`
	Key         string             `json:"key"`
	Attempt     int                `json:"attempt"`
	Samples     int                `json:"samples"`
	Seed        uint64             `json:"seed"`
}

type generateResponse struct {
	Structures []*Structure `json:"structures"`
}

// Generate implements Generator.
func (g *HTTPGenerator) Generate(ctx context.Context, c composition.Composition, attempt, samples int) ([]*Structure, error) {
	var resp generateResponse
	if _, err := g.client.PostJSON(ctx, "structure.generate", "/generate", generateRequest{
		Composition: c.Fractions(),
		Key:         c.Key(),
		Attempt:     attempt,
		Samples:     samples,
		Seed:        Seed(c.Key(), attempt),
	}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Structures) > samples {
		return nil, screenerr.Validation("too_many_structures", nil)
	}
	for i, s := range resp.Structures {
		if s == nil {
			return nil, screenerr.Validation("null_structure", fmt.Errorf("entry %d", i))
		}
	}
	return resp.Structures, nil
}

// Seed derives a deterministic generator seed.
func Seed(compositionKey string, attempt int) uint64 {
	sum := sha256.Sum256([]byte(compositionKey))
	return binary.BigEndian.Uint64(sum[:8]) ^ uint64(attempt)
}
