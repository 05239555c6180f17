// Package structure defines candidate crystal structures, the generator
// contract that produces them, and the sanity checks applied before a
// structure enters the pipeline.
package structure

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"

	"github.com/3leaps/heascreen/pkg/composition"
	"github.com/3leaps/heascreen/pkg/screenerr"
)

// DefaultMinDistance is the minimum allowed interatomic distance in Angstrom.
const DefaultMinDistance = 0.5

// MaxAtoms bounds the atom count the readers accept.
const MaxAtoms = 1_000_000

// Structure is a candidate periodic structure.
//
// A Structure is treated as immutable once it has an ID; use Clone before
// modifying a copy.
type Structure struct {
	ID             string   `json:"id"`
	CompositionKey string   `json:"composition"`
	Attempt        int      `json:"attempt"`
	Sample         int      `json:"sample"`
	Lattice        Lattice  `json:"lattice"`
	Species        []string `json:"species"`
	Positions      []Vec3   `json:"positions"`
	PBC            [3]bool  `json:"pbc"`
}

// Len returns the number of atoms.
func (s *Structure) Len() int { return len(s.Species) }

// Clone returns a deep copy.
func (s *Structure) Clone() *Structure {
	out := *s
	out.Species = append([]string(nil), s.Species...)
	out.Positions = append([]Vec3(nil), s.Positions...)
	return &out
}

// Distance returns the minimum-image distance between atoms i and j.
func (s *Structure) Distance(i, j int) float64 {
	return s.Lattice.MinimumImage(s.Positions[j].Sub(s.Positions[i]), s.PBC).Norm()
}

// ID derives the deterministic structure identity for a generation sample.
// Retrying the same (composition, attempt) reproduces the same IDs.
func ID(compositionKey string, attempt, sample int) string {
	sum := sha256.Sum256([]byte(compositionKey + "#" + strconv.Itoa(attempt) + "#" + strconv.Itoa(sample)))
	return "st-" + hex.EncodeToString(sum[:])[:24]
}

// ContentHash hashes the geometry of s: lattice, periodicity, species and
// positions rounded to 1e-6 A. Two structures with the same hash are the
// same slab regardless of where or when they were generated.
func ContentHash(s *Structure) string {
	h := sha256.New()
	buf := make([]byte, 0, 64)
	writeVec := func(v Vec3) {
		for _, x := range v {
			buf = strconv.AppendFloat(buf[:0], roundCoord(x), 'f', 6, 64)
			buf = append(buf, ' ')
			_, _ = h.Write(buf)
		}
	}
	for _, v := range s.Lattice {
		writeVec(v)
	}
	for _, b := range s.PBC {
		_, _ = h.Write([]byte(strconv.FormatBool(b) + " "))
	}
	for i, sp := range s.Species {
		_, _ = h.Write([]byte(sp + " "))
		if i < len(s.Positions) {
			writeVec(s.Positions[i])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// roundCoord rounds to 1e-6 and folds -0 into 0.
func roundCoord(x float64) float64 {
	r := math.Round(x*1e6) / 1e6
	if r == 0 {
		return 0
	}
	return r
}

// Assign stamps identity fields onto generator output in returned order.
// Nil entries are skipped.
func Assign(structures []*Structure, compositionKey string, attempt int) {
	for i, s := range structures {
		if s == nil {
			continue
		}
		s.CompositionKey = compositionKey
		s.Attempt = attempt
		s.Sample = i
		s.ID = ID(compositionKey, attempt, i)
	}
}

// Generator produces candidate structures for a composition.
//
// Implementations should be deterministic for a given (composition, attempt).
type Generator interface {
	Generate(ctx context.Context, c composition.Composition, attempt, samples int) ([]*Structure, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, c composition.Composition, attempt, samples int) ([]*Structure, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, c composition.Composition, attempt, samples int) ([]*Structure, error) {
	return f(ctx, c, attempt, samples)
}

// Validation reasons reported by Check.
const (
	ReasonEmpty           = "empty_structure"
	ReasonSpeciesMismatch = "species_mismatch"
	ReasonDegenerate      = "degenerate_lattice"
	ReasonNonFinite       = "non_finite_coordinates"
	ReasonOverlap         = "overlapping_atoms"
)

// Check applies sanity checks. It returns a screenerr.ValidationError
// describing the first violation.
func Check(s *Structure, minDistance float64) error {
	if s == nil || len(s.Species) == 0 {
		return screenerr.Validation(ReasonEmpty, nil)
	}
	if len(s.Species) != len(s.Positions) {
		return screenerr.Validation(ReasonSpeciesMismatch,
			fmt.Errorf("%d species, %d positions", len(s.Species), len(s.Positions)))
	}
	for _, v := range s.Lattice {
		if !v.IsFinite() {
			return screenerr.Validation(ReasonNonFinite, fmt.Errorf("lattice"))
		}
	}
	if math.Abs(s.Lattice.Det()) < 1e-6 {
		return screenerr.Validation(ReasonDegenerate, fmt.Errorf("cell volume %.3g", s.Lattice.Det()))
	}
	for i, p := range s.Positions {
		if !p.IsFinite() {
			return screenerr.Validation(ReasonNonFinite, fmt.Errorf("atom %d", i))
		}
	}
	if minDistance <= 0 {
		minDistance = DefaultMinDistance
	}
	for i := 0; i < len(s.Positions); i++ {
		for j := i + 1; j < len(s.Positions); j++ {
			if d := s.Distance(i, j); d < minDistance {
				return screenerr.Validation(ReasonOverlap,
					fmt.Errorf("atoms %d and %d are %.3f A apart", i, j, d))
			}
		}
	}
	return nil
}

// Composition returns the element fractions actually present in s.
func (s *Structure) Composition() (composition.Composition, error) {
	counts := make(map[string]float64)
	for _, sp := range s.Species {
		counts[sp]++
	}
	n := float64(len(s.Species))
	for el := range counts {
		counts[el] /= n
	}
	return composition.New(counts)
}
