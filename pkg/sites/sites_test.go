package sites

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/heascreen/pkg/structure"
)

// squareSlab is a two-layer periodic slab with a 2x2 square top layer.
func squareSlab() *structure.Structure {
	return &structure.Structure{
		ID:             "st-square",
		CompositionKey: "A1.000000",
		Lattice:        structure.Lattice{{5, 0, 0}, {0, 5, 0}, {0, 0, 20}},
		Species:        []string{"A", "A", "A", "A", "A", "A", "A", "A"},
		Positions: []structure.Vec3{
			{0, 0, 10}, {2.5, 0, 10}, {0, 2.5, 10}, {2.5, 2.5, 10},
			{1.25, 1.25, 8}, {3.75, 1.25, 8}, {1.25, 3.75, 8}, {3.75, 3.75, 8},
		},
		PBC: [3]bool{true, true, false},
	}
}

func triangle(species ...string) *structure.Structure {
	return &structure.Structure{
		ID:        "st-tri",
		Lattice:   structure.Lattice{{30, 0, 0}, {0, 30, 0}, {0, 0, 30}},
		Species:   species,
		Positions: []structure.Vec3{{0, 0, 10}, {2.5, 0, 10}, {1.25, 2.1650635, 10}},
	}
}

func labels(ss []Site) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.Label
	}
	return out
}

func TestEnumerate_TriangleAllKinds(t *testing.T) {
	e, err := New(Config{KeepEquivalent: true})
	require.NoError(t, err)

	res, err := e.Enumerate(triangle("A", "A", "B"))
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, res.SurfaceAtoms)
	assert.Equal(t, []string{
		"Top_0", "Top_1", "Top_2",
		"Bridge_0_1", "Bridge_0_2", "Bridge_1_2",
		"Hollow_0_1_2",
	}, labels(res.Sites))

	hollow := res.Sites[6]
	assert.Equal(t, KindHollow, hollow.Kind)
	assert.InDelta(t, 1.25, hollow.Position[0], 1e-6)
	assert.InDelta(t, 2.1650635/3, hollow.Position[1], 1e-6)
	assert.InDelta(t, 11.8, hollow.Position[2], 1e-9)

	bridge := res.Sites[3]
	assert.InDelta(t, 1.25, bridge.Position[0], 1e-9)
	assert.InDelta(t, 11.8, bridge.Position[2], 1e-9)
}

func TestEnumerate_MergesEquivalentSites(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	res, err := e.Enumerate(triangle("A", "A", "A"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Top_0", "Bridge_0_1", "Hollow_0_1_2"}, labels(res.Sites))
	assert.Equal(t, 4, res.Merged)

	// A mixed triangle distinguishes the A-A bridge from the A-B bridges.
	res, err = e.Enumerate(triangle("A", "A", "B"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Top_0", "Top_2", "Bridge_0_1", "Bridge_0_2", "Hollow_0_1_2"}, labels(res.Sites))
}

func TestEnumerate_PeriodicSquare(t *testing.T) {
	e, err := New(Config{KeepEquivalent: true})
	require.NoError(t, err)

	res, err := e.Enumerate(squareSlab())
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3}, res.SurfaceAtoms)
	// Diagonals exceed the pair cutoff, so there are no hollows.
	assert.Equal(t, []string{
		"Top_0", "Top_1", "Top_2", "Top_3",
		"Bridge_0_1", "Bridge_0_2", "Bridge_1_3", "Bridge_2_3",
	}, labels(res.Sites))

	merged, err := New(Config{})
	require.NoError(t, err)
	res, err = merged.Enumerate(squareSlab())
	require.NoError(t, err)
	assert.Equal(t, []string{"Top_0", "Bridge_0_1"}, labels(res.Sites))
}

func TestEnumerate_Deterministic(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)

	a, err := e.Enumerate(squareSlab())
	require.NoError(t, err)
	b, err := e.Enumerate(squareSlab())
	require.NoError(t, err)
	assert.Equal(t, a.Sites, b.Sites)
}

func TestEnumerate_NoSites(t *testing.T) {
	e, err := New(Config{Margin: 5})
	require.NoError(t, err)

	res, err := e.Enumerate(squareSlab())
	require.NoError(t, err)
	assert.Empty(t, res.Sites)

	res, err = e.Enumerate(&structure.Structure{})
	require.NoError(t, err)
	assert.Empty(t, res.Sites)
}

func TestAlign_NormalToZ(t *testing.T) {
	s := &structure.Structure{
		Lattice:   structure.Lattice{{5, 0, 0}, {0, 0, 5}, {0, 20, 0}},
		Species:   []string{"A", "A"},
		Positions: []structure.Vec3{{0, 10, 0}, {0, 8, 0}},
	}
	out := align(s)

	n := out.Lattice[0].Cross(out.Lattice[1]).Unit()
	assert.InDelta(t, 0, n[0], 1e-9)
	assert.InDelta(t, 0, n[1], 1e-9)
	assert.InDelta(t, 1, n[2], 1e-9)

	// Interatomic distances are preserved.
	assert.InDelta(t, 2, out.Positions[0].Sub(out.Positions[1]).Norm(), 1e-9)
	// Original is untouched.
	assert.Equal(t, structure.Vec3{0, 10, 0}, s.Positions[0])
}

func TestAlign_RotatesAboutCentreOfMass(t *testing.T) {
	s := &structure.Structure{
		Lattice:   structure.Lattice{{5, 0, 0}, {0, 0, 5}, {0, 20, 0}},
		Species:   []string{"Pt", "H"},
		Positions: []structure.Vec3{{0, 10, 0}, {0, 0, 0}},
	}
	com := centreOfMass(s)
	wantY := 10 * 195.08 / (195.08 + 1.008)
	assert.InDelta(t, wantY, com[1], 1e-9)

	out := align(s)
	// The centre of mass is the fixed point of the rotation.
	assert.InDelta(t, 0, centreOfMass(out).Sub(com).Norm(), 1e-9)
	// The heavy atom barely moves; the light one swings around it.
	assert.Less(t, out.Positions[0].Sub(s.Positions[0]).Norm(), 0.1)
	assert.Greater(t, out.Positions[1].Sub(s.Positions[1]).Norm(), 1.0)
	assert.InDelta(t, 10, out.Positions[0].Sub(out.Positions[1]).Norm(), 1e-9)
}

func TestCentreOfMass_UnknownSpeciesWeighOne(t *testing.T) {
	s := &structure.Structure{
		Species:   []string{"A", "B"},
		Positions: []structure.Vec3{{0, 0, 0}, {2, 4, 6}},
	}
	assert.Equal(t, structure.Vec3{1, 2, 3}, centreOfMass(s))
	assert.Equal(t, structure.Vec3{}, centreOfMass(&structure.Structure{}))
}

func TestPercentile(t *testing.T) {
	assert.InDelta(t, 3.1, percentile([]float64{4, 1, 3, 2}, 70), 1e-12)
	assert.InDelta(t, 1, percentile([]float64{1}, 70), 1e-12)
}

func TestHullVertices_DropsInterior(t *testing.T) {
	pts := []point2{
		{0, 0, 0}, {4, 0, 1}, {4, 4, 2}, {0, 4, 3}, {2, 2, 4}, {2, 0, 5},
	}
	assert.Equal(t, []int{0, 1, 2, 3}, hullVertices(pts))
}

func TestModels(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)
	res, err := e.Enumerate(squareSlab())
	require.NoError(t, err)

	models := Models(res, "H")
	require.Len(t, models, 2)
	assert.Equal(t, ModelID("st-square", "Top_0"), models[0].ID)
	assert.Equal(t, "A1.000000", models[0].CompositionKey)
	assert.NotEqual(t, models[0].ID, models[1].ID)
	assert.NotEqual(t, models[0].Content, models[1].Content)
	assert.Equal(t, ContentKey(res.Aligned, models[0].Position, "H"), models[0].Content)
	assert.NotEqual(t, models[0].Content, ContentKey(res.Aligned, models[0].Position, "O"))

	// Same id, different atoms: the content key changes.
	other := squareSlab()
	other.Species[0] = "B"
	res2, err := e.Enumerate(other)
	require.NoError(t, err)
	models2 := Models(res2, "H")
	require.NotEmpty(t, models2)
	assert.Equal(t, models[0].ID, models2[0].ID)
	assert.NotEqual(t, models[0].Content, models2[0].Content)

	withH := PlaceAdsorbate(res.Aligned, models[0].Site, "H")
	assert.Equal(t, 9, withH.Len())
	assert.Equal(t, "H", withH.Species[8])
	assert.Equal(t, 8, res.Aligned.Len())
}

func TestConfig_Validate(t *testing.T) {
	_, err := New(Config{SurfacePercentile: 120})
	assert.Error(t, err)
	_, err = New(Config{Margin: -1})
	assert.Error(t, err)
}
