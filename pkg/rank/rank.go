// Package rank orders compositions by how close their mean adsorption
// energy is to a target.
package rank

import (
	"fmt"
	"math"
	"sort"

	"github.com/3leaps/heascreen/pkg/aggregate"
)

// Defaults.
const (
	// DefaultTargetEnergy is the ΔE_H that puts ΔG_H at zero after the
	// +0.24 eV free-energy correction.
	DefaultTargetEnergy = -0.24
	DefaultTopK         = 10
)

// Config configures ranking.
type Config struct {
	TargetEnergy *float64
	TopK         int
}

func (c Config) target() float64 {
	if c.TargetEnergy == nil {
		return DefaultTargetEnergy
	}
	return *c.TargetEnergy
}

func (c Config) topK() int {
	if c.TopK <= 0 {
		return DefaultTopK
	}
	return c.TopK
}

// Candidate is one ranked composition.
type Candidate struct {
	Rank        int     `json:"rank"`
	Composition string  `json:"composition"`
	Score       float64 `json:"score"`
	Mean        float64 `json:"mean"`
	Std         float64 `json:"std"`
	Count       int     `json:"count"`

	Stats aggregate.Stats `json:"stats"`
}

// Ranking is the ordered top-K.
type Ranking struct {
	TargetEnergy float64     `json:"target_energy"`
	Candidates   []Candidate `json:"candidates"`

	// Considered is the number of finalized compositions scored.
	Considered int `json:"considered"`
}

// Score is the distance of mean from target.
func Score(mean, target float64) float64 { return math.Abs(mean - target) }

// Rank scores the finalized compositions in report and returns the top-K,
// ascending by score. Ties break by lower std, then by canonical key.
func Rank(report *aggregate.Report, cfg Config) (*Ranking, error) {
	if report == nil {
		return nil, fmt.Errorf("rank: nil report")
	}
	target := cfg.target()
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return nil, fmt.Errorf("rank: target energy must be finite")
	}

	final := report.Final()
	cands := make([]Candidate, 0, len(final))
	for _, c := range final {
		cands = append(cands, Candidate{
			Composition: c.Key,
			Score:       Score(c.Mean, target),
			Mean:        c.Mean,
			Std:         c.Std,
			Count:       c.Count,
			Stats:       c.Stats,
		})
	}
	sort.Slice(cands, func(i, j int) bool { return less(cands[i], cands[j]) })

	if k := cfg.topK(); len(cands) > k {
		cands = cands[:k]
	}
	for i := range cands {
		cands[i].Rank = i + 1
	}
	return &Ranking{TargetEnergy: target, Candidates: cands, Considered: len(final)}, nil
}

func less(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if a.Std != b.Std {
		return a.Std < b.Std
	}
	return a.Composition < b.Composition
}
