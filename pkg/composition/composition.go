// Package composition models alloy compositions and the grid they are
// sampled from.
//
// A Composition is an immutable mapping from element symbol to atomic
// fraction. Its identity is the canonical key: elements sorted
// lexicographically, fractions formatted to six decimals, and zero
// fractions dropped (e.g., "Co0.250000-Ni0.750000").
package composition

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// SumTolerance is the allowed deviation of the fraction sum from 1.
const SumTolerance = 1e-9

// Errors returned when constructing compositions.
var (
	// ErrEmpty indicates a composition with no elements.
	ErrEmpty = errors.New("composition has no elements")

	// ErrNegativeFraction indicates a fraction below zero.
	ErrNegativeFraction = errors.New("composition fraction is negative")

	// ErrBadSum indicates fractions that do not sum to 1.
	ErrBadSum = errors.New("composition fractions do not sum to 1")

	// ErrBadKey indicates a malformed canonical key.
	ErrBadKey = errors.New("malformed composition key")
)

// Component is one element and its fraction.
type Component struct {
	Element  string  `json:"element"`
	Fraction float64 `json:"fraction"`
}

// Composition is an immutable element-to-fraction mapping.
type Composition struct {
	components []Component
	key        string
}

// New validates fractions and builds a Composition. Zero fractions are
// dropped; the remaining components are sorted by element symbol.
func New(fractions map[string]float64) (Composition, error) {
	comps := make([]Component, 0, len(fractions))
	sum := 0.0
	for el, f := range fractions {
		el = strings.TrimSpace(el)
		if el == "" {
			return Composition{}, fmt.Errorf("%w: empty element symbol", ErrBadKey)
		}
		if math.IsNaN(f) || f < 0 {
			return Composition{}, fmt.Errorf("%w: %s=%v", ErrNegativeFraction, el, f)
		}
		sum += f
		if f == 0 {
			continue
		}
		comps = append(comps, Component{Element: el, Fraction: f})
	}
	if len(comps) == 0 {
		return Composition{}, ErrEmpty
	}
	if math.Abs(sum-1) > SumTolerance {
		return Composition{}, fmt.Errorf("%w: sum=%.12f", ErrBadSum, sum)
	}

	sort.Slice(comps, func(i, j int) bool {
		return comps[i].Element < comps[j].Element
	})
	return Composition{components: comps, key: buildKey(comps)}, nil
}

// MustNew is like New but panics on error. Intended for tests and literals.
func MustNew(fractions map[string]float64) Composition {
	c, err := New(fractions)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseKey reconstructs a Composition from its canonical key.
func ParseKey(key string) (Composition, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Composition{}, ErrEmpty
	}
	fractions := make(map[string]float64)
	for _, part := range strings.Split(key, "-") {
		idx := strings.IndexFunc(part, func(r rune) bool {
			return (r >= '0' && r <= '9') || r == '.'
		})
		if idx <= 0 {
			return Composition{}, fmt.Errorf("%w: %q", ErrBadKey, part)
		}
		f, err := strconv.ParseFloat(part[idx:], 64)
		if err != nil {
			return Composition{}, fmt.Errorf("%w: %q: %v", ErrBadKey, part, err)
		}
		el := part[:idx]
		if _, dup := fractions[el]; dup {
			return Composition{}, fmt.Errorf("%w: duplicate element %s", ErrBadKey, el)
		}
		fractions[el] = f
	}
	return newRounded(fractions)
}

// newRounded accepts fractions that were rounded to key precision.
func newRounded(fractions map[string]float64) (Composition, error) {
	sum := 0.0
	for _, f := range fractions {
		sum += f
	}
	if math.Abs(sum-1) > 1e-5 || sum == 0 {
		return Composition{}, fmt.Errorf("%w: sum=%.6f", ErrBadSum, sum)
	}
	for el := range fractions {
		fractions[el] /= sum
	}
	return New(fractions)
}

// Key returns the canonical identity key.
func (c Composition) Key() string { return c.key }

// String implements fmt.Stringer.
func (c Composition) String() string { return c.key }

// IsZero reports whether c is the zero value.
func (c Composition) IsZero() bool { return c.key == "" }

// Elements returns element symbols in canonical order.
func (c Composition) Elements() []string {
	out := make([]string, len(c.components))
	for i, comp := range c.components {
		out[i] = comp.Element
	}
	return out
}

// Components returns a copy of the components in canonical order.
func (c Composition) Components() []Component {
	out := make([]Component, len(c.components))
	copy(out, c.components)
	return out
}

// Fraction returns the fraction of el, or 0 when absent.
func (c Composition) Fraction(el string) float64 {
	for _, comp := range c.components {
		if comp.Element == el {
			return comp.Fraction
		}
	}
	return 0
}

// Fractions returns a copy of the mapping.
func (c Composition) Fractions() map[string]float64 {
	out := make(map[string]float64, len(c.components))
	for _, comp := range c.components {
		out[comp.Element] = comp.Fraction
	}
	return out
}

// Len returns the number of elements with non-zero fraction.
func (c Composition) Len() int { return len(c.components) }

func buildKey(comps []Component) string {
	var b strings.Builder
	for i, comp := range comps {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(comp.Element)
		b.WriteString(strconv.FormatFloat(comp.Fraction, 'f', 6, 64))
	}
	return b.String()
}
