package stability

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/3leaps/heascreen/pkg/composition"
	"github.com/3leaps/heascreen/pkg/screenerr"
)

// GasConstant in J/(mol*K).
const GasConstant = 8.314

// OmegaCap is reported when the mixing enthalpy is zero.
const OmegaCap = 1000.0

// ElementProps are the per-element inputs to the mixing rules.
type ElementProps struct {
	// MeltingPoint in K.
	MeltingPoint float64 `json:"melting_point" yaml:"melting_point"`

	// Radius is the metallic radius in Angstrom.
	Radius float64 `json:"radius" yaml:"radius"`
}

// MixingRuleOracle scores compositions with the Yang-Zhang Omega parameter:
//
//	Omega = Tm * dSmix / |dHmix|
//
// where dHmix = sum_{i<j} 4 * H_ij * c_i * c_j (kJ/mol), dSmix = -R sum c_i ln c_i
// and Tm is the fraction-weighted melting point. When MaxDelta is positive,
// compositions whose atomic size mismatch exceeds it score zero.
type MixingRuleOracle struct {
	Elements map[string]ElementProps

	// Pairs maps "A-B" (either order) to the binary mixing enthalpy in kJ/mol.
	Pairs map[string]float64

	// MaxDelta is the atomic size mismatch limit in percent. Zero disables it.
	MaxDelta float64
}

// Score implements Oracle.
func (o *MixingRuleOracle) Score(_ context.Context, c composition.Composition) (Result, error) {
	comps := c.Components()
	for _, comp := range comps {
		if _, ok := o.Elements[comp.Element]; !ok {
			return Result{Status: StatusOutOfDomain}, nil
		}
	}

	dH := 0.0
	for i := 0; i < len(comps); i++ {
		for j := i + 1; j < len(comps); j++ {
			h, ok := o.pair(comps[i].Element, comps[j].Element)
			if !ok {
				return Result{Status: StatusOutOfDomain}, nil
			}
			dH += 4 * h * comps[i].Fraction * comps[j].Fraction
		}
	}

	dS := 0.0
	tm := 0.0
	for _, comp := range comps {
		dS -= GasConstant * comp.Fraction * math.Log(comp.Fraction)
		tm += comp.Fraction * o.Elements[comp.Element].MeltingPoint
	}

	if o.MaxDelta > 0 && SizeMismatch(c, o.Elements) > o.MaxDelta {
		return Result{Metric: 0, Status: StatusOK}, nil
	}

	if math.Abs(dH) < 1e-12 {
		return Result{Metric: OmegaCap, Status: StatusOK}, nil
	}
	omega := tm * dS / math.Abs(dH*1000)
	return Result{Metric: math.Min(omega, OmegaCap), Status: StatusOK}, nil
}

// SizeMismatch returns the atomic size mismatch delta in percent.
func SizeMismatch(c composition.Composition, elements map[string]ElementProps) float64 {
	comps := c.Components()
	mean := 0.0
	for _, comp := range comps {
		mean += comp.Fraction * elements[comp.Element].Radius
	}
	if mean == 0 {
		return 0
	}
	sum := 0.0
	for _, comp := range comps {
		d := 1 - elements[comp.Element].Radius/mean
		sum += comp.Fraction * d * d
	}
	return 100 * math.Sqrt(sum)
}

func (o *MixingRuleOracle) pair(a, b string) (float64, bool) {
	if h, ok := o.Pairs[PairKey(a, b)]; ok {
		return h, true
	}
	h, ok := o.Pairs[b+"-"+a]
	return h, ok
}

// PairKey returns the canonical "A-B" key with elements sorted.
func PairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "-" + pair[1]
}

// Validate checks that the property tables are usable.
func (o *MixingRuleOracle) Validate() error {
	if len(o.Elements) == 0 {
		return screenerr.Validation("stability_tables", fmt.Errorf("no element properties"))
	}
	for el, p := range o.Elements {
		if p.MeltingPoint <= 0 {
			return screenerr.Validation("stability_tables", fmt.Errorf("element %s: melting_point must be > 0", el))
		}
		if p.Radius < 0 {
			return screenerr.Validation("stability_tables", fmt.Errorf("element %s: radius must be >= 0", el))
		}
	}
	return nil
}
