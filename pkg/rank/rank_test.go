package rank

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/heascreen/pkg/aggregate"
)

func comp(key string, mean, std float64, final bool) aggregate.CompositionStats {
	return aggregate.CompositionStats{
		Key:   key,
		Final: final,
		Stats: aggregate.Stats{Count: 3, Mean: mean, Std: std},
	}
}

func TestRank_SingleComposition(t *testing.T) {
	report := &aggregate.Report{Compositions: []aggregate.CompositionStats{
		comp("A0.500000-B0.500000", 0.05, 0.18, true),
	}}
	r, err := Rank(report, Config{})
	require.NoError(t, err)
	require.Len(t, r.Candidates, 1)
	assert.Equal(t, 1, r.Candidates[0].Rank)
	assert.Equal(t, "A0.500000-B0.500000", r.Candidates[0].Composition)
	assert.InDelta(t, 0.29, r.Candidates[0].Score, 1e-12)
	assert.InDelta(t, DefaultTargetEnergy, r.TargetEnergy, 1e-12)
}

func TestRank_OrderAndTies(t *testing.T) {
	target := 0.0
	report := &aggregate.Report{Compositions: []aggregate.CompositionStats{
		comp("C", 0.25, 0.125, true),  // score 0.25
		comp("B", -0.25, 0.125, true), // same score and std, key breaks tie
		comp("A", -0.25, 0.25, true),  // same score, larger std
		comp("D", 0, 0.5, true),       // score 0
		comp("E", 0, 0, false),        // not final
		comp("F", 1, 0, true),
	}}
	r, err := Rank(report, Config{TopK: 4, TargetEnergy: &target})
	require.NoError(t, err)

	var order []string
	for _, c := range r.Candidates {
		order = append(order, c.Composition)
	}
	assert.Equal(t, []string{"D", "B", "C", "A"}, order)
	assert.Equal(t, 5, r.Considered)
	assert.Equal(t, 4, r.Candidates[3].Rank)
}

func TestRank_CustomTarget(t *testing.T) {
	target := 0.0
	report := &aggregate.Report{Compositions: []aggregate.CompositionStats{
		comp("A", 0.1, 0, true),
		comp("B", -0.24, 0, true),
	}}
	r, err := Rank(report, Config{TargetEnergy: &target})
	require.NoError(t, err)
	assert.Equal(t, "A", r.Candidates[0].Composition)
}

func TestRank_NilReport(t *testing.T) {
	_, err := Rank(nil, Config{})
	assert.Error(t, err)
}
