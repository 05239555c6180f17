package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/3leaps/heascreen/pkg/stability"
)

// identityPayload holds the fields that change what a run computes.
// Endpoints, credentials, scheduling and reporting settings are left out so
// a run can resume against a moved server or with more workers.
type identityPayload struct {
	Elements    []string  `json:"elements"`
	Step        float64   `json:"step,omitempty"`
	Grid        []float64 `json:"grid,omitempty"`
	MinFraction float64   `json:"min_fraction,omitempty"`
	MaxFraction float64   `json:"max_fraction,omitempty"`

	Oracle    string                  `json:"oracle"`
	Threshold float64                 `json:"threshold"`
	Direction string                  `json:"direction"`
	Props     map[string]ElementProps `json:"props,omitempty"`
	Pairs     map[string]float64      `json:"pairs,omitempty"`
	MaxDelta  float64                 `json:"max_delta,omitempty"`

	Generator   string  `json:"generator"`
	Source      string  `json:"source,omitempty"`
	Pattern     string  `json:"pattern,omitempty"`
	Structures  int     `json:"structures"`
	Attempts    int     `json:"attempts"`
	MinDistance float64 `json:"min_distance,omitempty"`
	Seed        int64   `json:"seed,omitempty"`

	Sites any    `json:"sites"`
	Model string `json:"model"`
}

// ConfigHash returns the sha256 of the run-identity fields of a defaulted
// manifest. The ledger refuses to resume under a different hash.
func ConfigHash(m *Manifest) (string, error) {
	if m == nil {
		return "", fmt.Errorf("manifest is nil")
	}

	elements := append([]string(nil), m.Composition.Elements...)
	sort.Strings(elements)
	grid := append([]float64(nil), m.Composition.Grid...)
	sort.Float64s(grid)

	// Pair keys are order-free ("Fe-Co" == "Co-Fe").
	var pairs map[string]float64
	if len(m.Stability.Pairs) > 0 {
		pairs = make(map[string]float64, len(m.Stability.Pairs))
		for k, v := range m.Stability.Pairs {
			pairs[canonicalPair(k)] = v
		}
	}

	payload := identityPayload{
		Elements:    elements,
		Step:        m.Composition.Step,
		Grid:        grid,
		MinFraction: m.Composition.MinFraction,
		MaxFraction: m.Composition.MaxFraction,
		Oracle:      m.Stability.Oracle,
		Threshold:   m.Stability.Threshold,
		Direction:   m.Stability.Direction,
		Pairs:       pairs,
		MaxDelta:    m.Stability.MaxDelta,
		Generator:   m.Generation.Generator,
		Pattern:     m.Generation.Pattern,
		Structures:  m.Generation.StructuresPerComposition,
		Attempts:    m.Generation.Attempts,
		MinDistance: m.Generation.MinInteratomicDistance,
		Seed:        m.Run.Seed,
		Sites:       m.SitesConfig(),
		Model:       m.Prediction.Model,
	}
	if m.Stability.Oracle == "mixing_rule" {
		payload.Props = m.Stability.Elements
	}
	if m.Generation.Generator == "library" {
		payload.Source = m.Generation.Source
	}

	// encoding/json sorts map keys, so the encoding is canonical.
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode config identity: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalPair(key string) string {
	a, b, ok := strings.Cut(key, "-")
	if !ok {
		return key
	}
	return stability.PairKey(a, b)
}
