package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/heascreen/pkg/composition"
	"github.com/3leaps/heascreen/pkg/ledger"
	"github.com/3leaps/heascreen/pkg/output"
	"github.com/3leaps/heascreen/pkg/predict"
	"github.com/3leaps/heascreen/pkg/screenerr"
	"github.com/3leaps/heascreen/pkg/sites"
	"github.com/3leaps/heascreen/pkg/stability"
	"github.com/3leaps/heascreen/pkg/structure"
)

const stableKey = "A0.500000-B0.500000"

var siteEnergies = map[string]float64{"Top_0": -0.1, "Top_1": 0.3, "Top_2": -0.05}

func openLedger(t *testing.T, path string) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(context.Background(), ledger.Config{
		Store:      ledger.StoreConfig{Path: path},
		ConfigHash: "scenario",
		RunID:      "run_test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func slab() *structure.Structure {
	return &structure.Structure{
		Lattice:   structure.Lattice{{9, 0, 0}, {0, 9, 0}, {0, 0, 20}},
		Species:   []string{"A", "B", "A"},
		Positions: []structure.Vec3{{0, 0, 5}, {3, 0, 5}, {0, 3, 5}},
		PBC:       [3]bool{true, true, false},
	}
}

func slabGenerator() structure.GeneratorFunc {
	return func(_ context.Context, _ composition.Composition, _, samples int) ([]*structure.Structure, error) {
		out := make([]*structure.Structure, samples)
		for i := range out {
			out[i] = slab()
		}
		return out, nil
	}
}

// threeSites reports the same three top sites for every structure.
type threeSites struct{}

func (threeSites) Enumerate(s *structure.Structure) (*sites.Result, error) {
	res := &sites.Result{Aligned: s.Clone(), SurfaceAtoms: []int{0, 1, 2}}
	for i, pos := range s.Positions {
		res.Sites = append(res.Sites, sites.Site{
			Label:       []string{"Top_0", "Top_1", "Top_2"}[i],
			Kind:        sites.KindTop,
			AtomIndices: []int{i},
			Position:    structure.Vec3{pos[0], pos[1], pos[2] + 1.8},
			Signature:   "top|" + s.Species[i] + string(rune('0'+i)),
		})
	}
	return res, nil
}

func onlyEquimolar() stability.OracleFunc {
	return func(_ context.Context, c composition.Composition) (stability.Result, error) {
		if c.Key() == stableKey {
			return stability.Result{Metric: 1.5, Status: stability.StatusOK}, nil
		}
		return stability.Result{Metric: 0.2, Status: stability.StatusOK}, nil
	}
}

// countingPredictor maps site labels to energies and counts calls per model.
type countingPredictor struct {
	mu     sync.Mutex
	calls  map[string]int
	before func(m sites.Model, call int) error
}

func newCountingPredictor() *countingPredictor {
	return &countingPredictor{calls: make(map[string]int)}
}

func (c *countingPredictor) Predict(_ context.Context, models []sites.Model) ([]predict.Prediction, error) {
	out := make([]predict.Prediction, len(models))
	partial := &predict.PartialError{Predictions: map[int]predict.Prediction{}, Failed: map[int]error{}}
	for i, m := range models {
		c.mu.Lock()
		c.calls[m.ID]++
		n := c.calls[m.ID]
		c.mu.Unlock()
		if c.before != nil {
			if err := c.before(m, n); err != nil {
				if len(models) == 1 {
					return nil, err
				}
				partial.Failed[i] = err
				continue
			}
		}
		out[i] = predict.Prediction{ModelID: m.ID, Energy: siteEnergies[m.Site.Label]}
		partial.Predictions[i] = out[i]
	}
	if len(partial.Failed) > 0 {
		return nil, partial
	}
	return out, nil
}

func (c *countingPredictor) callCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.calls))
	for k, v := range c.calls {
		out[k] = v
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.PollInterval = 2 * time.Millisecond
	cfg.CheckpointInterval = 20 * time.Millisecond
	cfg.Retry = RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffFactor: 2}
	return cfg
}

func newPipeline(t *testing.T, cfg Config, l *ledger.Ledger, p predict.Predictor, w output.Writer, mutate func(*Deps)) *Pipeline {
	t.Helper()
	filter, err := stability.NewFilter(onlyEquimolar(), 1.0, stability.DirectionMin)
	require.NoError(t, err)
	deps := Deps{
		Ledger:     l,
		Space:      composition.Space{Elements: []string{"A", "B"}, Grid: []float64{0.2, 0.5, 0.8}},
		Filter:     filter,
		Generator:  slabGenerator(),
		Enumerator: threeSites{},
		Batcher:    predict.NewBatcher(p, 2),
		Writer:     w,
	}
	if mutate != nil {
		mutate(&deps)
	}
	pl, err := New(cfg, deps)
	require.NoError(t, err)
	return pl
}

func TestRun_Scenario(t *testing.T) {
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))
	var buf bytes.Buffer
	pred := newCountingPredictor()

	var checkpoints atomic.Int64
	pl := newPipeline(t, testConfig(), l, pred, output.NewJSONLWriter(&buf, "run_test"), func(d *Deps) {
		d.OnCheckpoint = func(context.Context, *output.ProgressRecord) { checkpoints.Add(1) }
	})

	res, err := pl.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Stopped)
	assert.False(t, res.Resumed)

	s := res.Summary
	assert.Equal(t, 1, s.Stable)
	assert.Equal(t, 2, s.Unstable)
	assert.Equal(t, 0, s.StabilityUnknown)
	assert.Equal(t, 1, s.StructuresOK)
	assert.Equal(t, 3, s.Sites)
	assert.Equal(t, 3, s.PredictionsDone)
	assert.Equal(t, 0, s.UnitsPending+s.UnitsInFlight+s.UnitsFailed)
	assert.True(t, s.Finished)
	assert.Empty(t, s.HaltReason)

	require.Len(t, res.Ranking.Candidates, 1)
	top := res.Ranking.Candidates[0]
	assert.Equal(t, 1, top.Rank)
	assert.Equal(t, stableKey, top.Composition)
	assert.InDelta(t, 0.05, top.Mean, 1e-9)
	assert.Equal(t, 3, top.Count)

	require.NoError(t, l.Verify(context.Background()))
	for id, n := range pred.callCounts() {
		assert.Equal(t, 1, n, id)
	}
	assert.GreaterOrEqual(t, checkpoints.Load(), int64(2))

	types := map[string]int{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec output.Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		types[rec.Type]++
	}
	assert.Equal(t, 3, types[output.TypeComposition])
	assert.Equal(t, 1, types[output.TypeStructure])
	assert.Equal(t, 3, types[output.TypeSite])
	assert.Equal(t, 3, types[output.TypePrediction])
	assert.Equal(t, 1, types[output.TypeSummary])
	assert.Zero(t, types[output.TypeError])
}

func TestRun_ResumeIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l := openLedger(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newCountingPredictor()
	first.before = func(sites.Model, int) error {
		cancel()
		return nil
	}
	cfg := testConfig()
	cfg.Workers = 1
	pl := newPipeline(t, cfg, l, first, nil, func(d *Deps) { d.Batcher = predict.NewBatcher(first, 1) })

	res, err := pl.Run(ctx)
	require.NoError(t, err)
	require.True(t, res.Stopped)
	assert.GreaterOrEqual(t, res.Summary.PredictionsDone, 1)
	assert.Less(t, res.Summary.PredictionsDone, 3)
	assert.Zero(t, res.Summary.UnitsInFlight)
	assert.False(t, res.Summary.Finished)
	require.NoError(t, l.Close())

	l2 := openLedger(t, path)
	second := newCountingPredictor()
	res2, err := newPipeline(t, testConfig(), l2, second, nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res2.Resumed)
	assert.False(t, res2.Stopped)
	assert.Equal(t, 3, res2.Summary.PredictionsDone)
	require.NoError(t, l2.Verify(context.Background()))

	// Every model was predicted exactly once across both processes.
	total := first.callCounts()
	for id, n := range second.callCounts() {
		total[id] += n
	}
	assert.Len(t, total, 3)
	for id, n := range total {
		assert.Equal(t, 1, n, id)
	}

	// Same ranking as an uninterrupted run.
	fresh := openLedger(t, filepath.Join(t.TempDir(), "fresh.db"))
	ref, err := newPipeline(t, testConfig(), fresh, newCountingPredictor(), nil, nil).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res2.Ranking.Candidates, len(ref.Ranking.Candidates))
	for i := range ref.Ranking.Candidates {
		assert.Equal(t, ref.Ranking.Candidates[i].Composition, res2.Ranking.Candidates[i].Composition)
		assert.InDelta(t, ref.Ranking.Candidates[i].Mean, res2.Ranking.Candidates[i].Mean, 1e-12)
	}
}

func TestRun_TransientRetryThenFail(t *testing.T) {
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))
	var buf bytes.Buffer

	pred := newCountingPredictor()
	pred.before = func(m sites.Model, call int) error {
		switch {
		case m.Site.Label == "Top_1":
			return screenerr.Transient("predict", errors.New("503"))
		case m.Site.Label == "Top_0" && call == 1:
			return screenerr.Transient("predict", errors.New("throttled"))
		}
		return nil
	}

	res, err := newPipeline(t, testConfig(), l, pred, output.NewJSONLWriter(&buf, "run_test"), func(d *Deps) {
		d.Batcher = predict.NewBatcher(pred, 1)
	}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Summary.PredictionsDone)
	assert.Equal(t, 1, res.Summary.PredictionsFailed)
	assert.Equal(t, int64(3), res.Retries)

	counts := pred.callCounts()
	failedID := ""
	for id, n := range counts {
		if n == testConfig().Retry.MaxAttempts {
			failedID = id
		}
	}
	require.NotEmpty(t, failedID)

	u, err := l.Unit(context.Background(), ledger.PredictionUnitID(failedID))
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, u.State)
	assert.Equal(t, OutcomeTransient, u.Outcome)
	assert.Equal(t, 1, u.Attempts)

	// Failed units still finalize the composition; the mean covers the
	// completed sites only.
	require.Len(t, res.Ranking.Candidates, 1)
	assert.InDelta(t, -0.075, res.Ranking.Candidates[0].Mean, 1e-9)
	assert.Contains(t, buf.String(), output.ErrCodeTransient)

	events, err := l.Events(context.Background(), nil)
	require.NoError(t, err)
	var retries int
	for _, e := range events {
		if e.Type == ledger.EventTypeRetry {
			retries++
		}
	}
	assert.Greater(t, retries, 0)
}

func TestRun_ValidationErrorsAreNotRetried(t *testing.T) {
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))

	pred := newCountingPredictor()
	pred.before = func(m sites.Model, _ int) error {
		if m.Site.Label == "Top_2" {
			return screenerr.Validation("model_error", nil)
		}
		return nil
	}

	res, err := newPipeline(t, testConfig(), l, pred, nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Summary.PredictionsDone)
	assert.Equal(t, 1, res.Summary.PredictionsFailed)
	assert.Zero(t, res.Retries)
}

func TestRun_RejectedStructureTriesNextAttempt(t *testing.T) {
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))

	var attempts []int
	var mu sync.Mutex
	gen := structure.GeneratorFunc(func(_ context.Context, _ composition.Composition, attempt, _ int) ([]*structure.Structure, error) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
		s := slab()
		if attempt == 1 {
			s.Positions[1] = s.Positions[0]
		}
		return []*structure.Structure{s}, nil
	})

	res, err := newPipeline(t, testConfig(), l, newCountingPredictor(), nil, func(d *Deps) { d.Generator = gen }).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, 1, res.Summary.StructuresBad)
	assert.Equal(t, 1, res.Summary.StructuresOK)
	assert.Equal(t, 3, res.Summary.PredictionsDone)

	u, err := l.Unit(context.Background(), ledger.GenerationUnitID(stableKey, 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, u.Outcome)
}

func TestRun_StabilityTransientExhaustedIsUnknown(t *testing.T) {
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))

	oracle := stability.OracleFunc(func(ctx context.Context, c composition.Composition) (stability.Result, error) {
		if c.Key() == "A0.200000-B0.800000" {
			return stability.Result{}, screenerr.Transient("score", errors.New("unavailable"))
		}
		return onlyEquimolar()(ctx, c)
	})
	filter, err := stability.NewFilter(oracle, 1.0, stability.DirectionMin)
	require.NoError(t, err)

	res, err := newPipeline(t, testConfig(), l, newCountingPredictor(), nil, func(d *Deps) { d.Filter = filter }).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Stable)
	assert.Equal(t, 1, res.Summary.Unstable)
	assert.Equal(t, 1, res.Summary.StabilityUnknown)
	assert.Equal(t, 3, res.Summary.PredictionsDone)
}

func TestRun_NoSites(t *testing.T) {
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))
	none := enumeratorFunc(func(s *structure.Structure) (*sites.Result, error) {
		return &sites.Result{Aligned: s.Clone()}, nil
	})

	res, err := newPipeline(t, testConfig(), l, newCountingPredictor(), nil, func(d *Deps) { d.Enumerator = none }).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.NoSiteStructures)
	assert.Zero(t, res.Summary.PredictionsDone)
	assert.Empty(t, res.Ranking.Candidates)
}

func TestRun_ManyCompositionsWithBackpressure(t *testing.T) {
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))

	cfg := testConfig()
	cfg.Workers = 4
	cfg.QueueHighWater = 2
	cfg.SeedChunk = 3

	allStable := stability.OracleFunc(func(context.Context, composition.Composition) (stability.Result, error) {
		return stability.Result{Metric: 2, Status: stability.StatusOK}, nil
	})
	filter, err := stability.NewFilter(allStable, 1.0, stability.DirectionMin)
	require.NoError(t, err)

	obs := &recordingObserver{}
	pred := newCountingPredictor()
	res, err := newPipeline(t, cfg, l, pred, nil, func(d *Deps) {
		d.Space = composition.Space{Elements: []string{"A", "B", "C"}, Step: 0.25}
		d.Filter = filter
		d.Observer = obs
	}).Run(context.Background())
	require.NoError(t, err)

	n, err := composition.Space{Elements: []string{"A", "B", "C"}, Step: 0.25}.Size()
	require.NoError(t, err)
	assert.Equal(t, n, res.Summary.Stable)
	assert.Equal(t, 3*n, res.Summary.PredictionsDone)
	assert.Len(t, pred.callCounts(), 3*n)
	for id, c := range pred.callCounts() {
		assert.Equal(t, 1, c, id)
	}
	require.NoError(t, l.Verify(context.Background()))
	// One stability, generation and enumeration unit per composition plus
	// three prediction units.
	assert.Equal(t, int64(6*n), obs.done.Load())
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

type enumeratorFunc func(s *structure.Structure) (*sites.Result, error)

func (f enumeratorFunc) Enumerate(s *structure.Structure) (*sites.Result, error) { return f(s) }

type recordingObserver struct {
	nopObserver
	done atomic.Int64
}

func (o *recordingObserver) UnitDone(ledger.Stage, string) { o.done.Add(1) }
