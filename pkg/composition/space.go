package composition

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// gridResolution is the integer resolution used for explicit grids.
const gridResolution = 1_000_000

// ErrStopEnumeration may be returned by an Each callback to stop early
// without error.
var ErrStopEnumeration = errors.New("stop enumeration")

// Space is the discrete composition grid to screen.
//
// Per-element fractions are drawn either from multiples of Step or from an
// explicit Grid of values; only combinations summing to exactly 1 are
// produced. Zero is always available in Step mode, which means a point may
// omit elements unless MinFraction is positive.
type Space struct {
	// Elements are the candidate element symbols.
	Elements []string `json:"elements"`

	// Step is the grid spacing. Ignored when Grid is set.
	Step float64 `json:"step,omitempty"`

	// Grid lists explicit per-element fraction values.
	Grid []float64 `json:"grid,omitempty"`

	// MinFraction is the lower bound for every element (inclusive).
	MinFraction float64 `json:"min_fraction,omitempty"`

	// MaxFraction is the upper bound for every element (inclusive).
	// Zero means 1.
	MaxFraction float64 `json:"max_fraction,omitempty"`
}

// Validate checks the space definition.
func (s Space) Validate() error {
	if len(s.Elements) == 0 {
		return errors.New("composition space: elements must not be empty")
	}
	seen := make(map[string]struct{}, len(s.Elements))
	for _, el := range s.Elements {
		el = strings.TrimSpace(el)
		if el == "" {
			return errors.New("composition space: empty element symbol")
		}
		if _, ok := seen[el]; ok {
			return fmt.Errorf("composition space: duplicate element %q", el)
		}
		seen[el] = struct{}{}
	}
	if len(s.Grid) == 0 {
		if s.Step <= 0 || s.Step > 1 {
			return fmt.Errorf("composition space: step must be in (0, 1], got %v", s.Step)
		}
		n := math.Round(1 / s.Step)
		if math.Abs(n*s.Step-1) > 1e-9 {
			return fmt.Errorf("composition space: step %v does not divide 1", s.Step)
		}
	}
	for _, v := range s.Grid {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("composition space: grid value %v outside [0, 1]", v)
		}
	}
	if s.MinFraction < 0 || s.MinFraction > 1 {
		return fmt.Errorf("composition space: min_fraction %v outside [0, 1]", s.MinFraction)
	}
	if s.MaxFraction < 0 || s.MaxFraction > 1 {
		return fmt.Errorf("composition space: max_fraction %v outside [0, 1]", s.MaxFraction)
	}
	if s.MaxFraction > 0 && s.MaxFraction < s.MinFraction {
		return errors.New("composition space: max_fraction below min_fraction")
	}
	return nil
}

// Enumerate returns every composition in the space in deterministic order.
func (s Space) Enumerate() ([]Composition, error) {
	var out []Composition
	err := s.Each(func(c Composition) error {
		out = append(out, c)
		return nil
	})
	return out, err
}

// Size counts the compositions in the space without building them.
func (s Space) Size() (int, error) {
	n := 0
	err := s.walk(func([]int64, int64) error {
		n++
		return nil
	})
	return n, err
}

// Each streams compositions to fn in deterministic order. Returning
// ErrStopEnumeration from fn ends enumeration with a nil error.
func (s Space) Each(fn func(Composition) error) error {
	elements := s.sortedElements()
	return s.walk(func(ticks []int64, resolution int64) error {
		fractions := make(map[string]float64, len(ticks))
		for i, t := range ticks {
			fractions[elements[i]] = float64(t) / float64(resolution)
		}
		c, err := New(fractions)
		if err != nil {
			return err
		}
		return fn(c)
	})
}

func (s Space) sortedElements() []string {
	out := make([]string, len(s.Elements))
	for i, el := range s.Elements {
		out[i] = strings.TrimSpace(el)
	}
	sort.Strings(out)
	return out
}

// walk enumerates integer tick vectors summing to the resolution.
func (s Space) walk(visit func(ticks []int64, resolution int64) error) error {
	if err := s.Validate(); err != nil {
		return err
	}

	values, resolution := s.tickValues()
	lo := int64(math.Round(s.MinFraction * float64(resolution)))
	hi := resolution
	if s.MaxFraction > 0 {
		hi = int64(math.Round(s.MaxFraction * float64(resolution)))
	}
	allowed := make([]int64, 0, len(values))
	for _, v := range values {
		if v >= lo && v <= hi {
			allowed = append(allowed, v)
		}
	}
	allowedSet := make(map[int64]struct{}, len(allowed))
	for _, v := range allowed {
		allowedSet[v] = struct{}{}
	}

	n := len(s.Elements)
	ticks := make([]int64, n)
	var rec func(i int, remaining int64) error
	rec = func(i int, remaining int64) error {
		if i == n-1 {
			if _, ok := allowedSet[remaining]; !ok {
				return nil
			}
			ticks[i] = remaining
			out := make([]int64, n)
			copy(out, ticks)
			return visit(out, resolution)
		}
		for _, v := range allowed {
			if v > remaining {
				break
			}
			ticks[i] = v
			if err := rec(i+1, remaining-v); err != nil {
				return err
			}
		}
		return nil
	}

	err := rec(0, resolution)
	if errors.Is(err, ErrStopEnumeration) {
		return nil
	}
	return err
}

// tickValues returns the sorted, de-duplicated per-element tick values.
func (s Space) tickValues() ([]int64, int64) {
	if len(s.Grid) > 0 {
		seen := make(map[int64]struct{}, len(s.Grid))
		values := make([]int64, 0, len(s.Grid))
		for _, v := range s.Grid {
			t := int64(math.Round(v * gridResolution))
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			values = append(values, t)
		}
		sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
		return values, gridResolution
	}

	n := int64(math.Round(1 / s.Step))
	values := make([]int64, 0, n+1)
	for k := int64(0); k <= n; k++ {
		values = append(values, k)
	}
	return values, n
}
