package predcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/heascreen/pkg/predict"
	"github.com/3leaps/heascreen/pkg/sites"
	"github.com/3leaps/heascreen/pkg/structure"
)

func TestCache_GetPut(t *testing.T) {
	c, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, ok, err := c.Get("m@1/ads-1")
	require.NoError(t, err)
	assert.False(t, ok)

	u := 0.02
	require.NoError(t, c.Put("m@1/ads-1", predict.Prediction{ModelID: "ads-1", Energy: -0.21, Uncertainty: &u}))

	got, ok, err := c.Get("m@1/ads-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, -0.21, got.Energy, 1e-12)
	require.NotNil(t, got.Uncertainty)
	assert.InDelta(t, 0.02, *got.Uncertainty, 1e-12)

	n, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCache_PersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()

	c, err := Open(Config{Dir: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, c.Put("m@1/ads-9", predict.Prediction{ModelID: "ads-9", Energy: 0.3}))
	require.NoError(t, c.Close())

	c, err = Open(Config{Dir: dir})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	got, ok, err := c.Get("m@1/ads-9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.3, got.Energy, 1e-12)
}

func TestCache_RequiresDir(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestCache_WithBatcher(t *testing.T) {
	c, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	calls := 0
	p := predict.Func(func(_ context.Context, ms []sites.Model) ([]predict.Prediction, error) {
		calls++
		out := make([]predict.Prediction, len(ms))
		for i := range ms {
			out[i] = predict.Prediction{Energy: -0.1}
		}
		return out, nil
	})
	ms := []sites.Model{{ID: "ads-a", Content: "geo-a"}, {ID: "ads-b", Content: "geo-b"}}

	b := predict.NewBatcher(p, 8, predict.WithCache(c, "m@1"))
	b.Run(context.Background(), ms)
	out := b.Run(context.Background(), ms)

	assert.Equal(t, 1, calls)
	for _, o := range out {
		assert.True(t, o.Cached)
		assert.Equal(t, o.Model.ID, o.Prediction.ModelID)
	}
}

// slab builds a 2x2 top layer over a 2x2 subsurface layer. Every call
// returns the same structure id so only the geometry differs.
func slab(species string) *structure.Structure {
	sp := make([]string, 8)
	for i := range sp {
		sp[i] = species
	}
	return &structure.Structure{
		ID:             "st-shared",
		CompositionKey: species + "1.000000",
		Lattice:        structure.Lattice{{5, 0, 0}, {0, 5, 0}, {0, 0, 20}},
		Species:        sp,
		Positions: []structure.Vec3{
			{0, 0, 10}, {2.5, 0, 10}, {0, 2.5, 10}, {2.5, 2.5, 10},
			{1.25, 1.25, 8}, {3.75, 1.25, 8}, {1.25, 3.75, 8}, {3.75, 3.75, 8},
		},
		PBC: [3]bool{true, true, false},
	}
}

func TestCache_SharedDirDifferentGeometry(t *testing.T) {
	dir := t.TempDir()
	enum, err := sites.New(sites.Config{}.WithDefaults())
	require.NoError(t, err)

	modelsFor := func(species string) []sites.Model {
		res, err := enum.Enumerate(slab(species))
		require.NoError(t, err)
		ms := sites.Models(res, "H")
		require.NotEmpty(t, ms)
		return ms
	}
	constant := func(e float64) predict.Predictor {
		return predict.Func(func(_ context.Context, ms []sites.Model) ([]predict.Prediction, error) {
			out := make([]predict.Prediction, len(ms))
			for i := range ms {
				out[i] = predict.Prediction{Energy: e}
			}
			return out, nil
		})
	}

	first := modelsFor("A")
	second := modelsFor("B")
	require.Equal(t, first[0].ID, second[0].ID)
	require.NotEqual(t, first[0].Content, second[0].Content)

	c, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	predict.NewBatcher(constant(-0.5), 8, predict.WithCache(c, "m@1")).Run(context.Background(), first)
	require.NoError(t, c.Close())

	c, err = Open(Config{Dir: dir})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	out := predict.NewBatcher(constant(0.9), 8, predict.WithCache(c, "m@1")).Run(context.Background(), second)
	for _, o := range out {
		require.NoError(t, o.Err)
		assert.False(t, o.Cached)
		assert.InDelta(t, 0.9, o.Prediction.Energy, 1e-12)
	}

	again := predict.NewBatcher(constant(0.9), 8, predict.WithCache(c, "m@1")).Run(context.Background(), modelsFor("A"))
	for _, o := range again {
		assert.True(t, o.Cached)
		assert.InDelta(t, -0.5, o.Prediction.Energy, 1e-12)
	}
}
