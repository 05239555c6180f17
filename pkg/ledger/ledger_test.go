package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/heascreen/pkg/screenerr"
	"github.com/3leaps/heascreen/pkg/sites"
	"github.com/3leaps/heascreen/pkg/structure"
)

func openTest(t *testing.T, path, hash string) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), Config{Store: StoreConfig{Path: path}, ConfigHash: hash, RunID: "run_test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()

	dsn, err := buildDSN(StoreConfig{Path: filepath.Join(dir, "a", "ledger.db")})
	require.NoError(t, err)
	assert.Equal(t, "file:"+filepath.Join(dir, "a", "ledger.db"), dsn)
	assert.DirExists(t, filepath.Join(dir, "a"))

	dsn, err = buildDSN(StoreConfig{Path: "file:" + filepath.Join(dir, "b", "ledger.db")})
	require.NoError(t, err)
	assert.Equal(t, "file:"+filepath.Join(dir, "b", "ledger.db"), dsn)
	assert.DirExists(t, filepath.Join(dir, "b"))

	dsn, err = buildDSN(StoreConfig{Path: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, ":memory:", dsn)

	_, err = buildDSN(StoreConfig{})
	assert.Error(t, err)
}

func TestOpen_ConfigHashMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l := openTest(t, path, "hash-a")
	assert.Equal(t, "run_test", l.RunID())
	require.NoError(t, l.Close())

	_, err := Open(context.Background(), Config{Store: StoreConfig{Path: path}, ConfigHash: "hash-b"})
	require.Error(t, err)
	assert.True(t, screenerr.IsLedgerCorruption(err))

	l2, err := Open(context.Background(), Config{Store: StoreConfig{Path: path}, ConfigHash: "hash-a", RunID: "other"})
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()
	assert.Equal(t, "run_test", l2.RunID())
}

func TestClaimCompleteLifecycle(t *testing.T) {
	ctx := context.Background()
	l := openTest(t, filepath.Join(t.TempDir(), "ledger.db"), "h")

	n, err := l.Enqueue(ctx,
		NewUnit{ID: StabilityUnitID("A0.500000-B0.500000"), Stage: StageStability, CompositionKey: "A0.500000-B0.500000"},
		NewUnit{ID: StabilityUnitID("A0.200000-B0.800000"), Stage: StageStability, CompositionKey: "A0.200000-B0.800000"},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-enqueue is a no-op.
	n, err = l.Enqueue(ctx, NewUnit{ID: StabilityUnitID("A0.500000-B0.500000"), Stage: StageStability, CompositionKey: "A0.500000-B0.500000"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	units, err := l.Claim(ctx, StageStability, 10)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "comp:A0.500000-B0.500000", units[0].ID)
	assert.Equal(t, 1, units[0].Attempts)

	again, err := l.Claim(ctx, StageStability, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	metric := 1.4
	err = l.Complete(ctx, units[0].ID, Completion{
		Outcome:     "stable",
		Composition: &CompositionRecord{Key: units[0].CompositionKey, Metric: &metric, Outcome: "stable"},
		Enqueue: []NewUnit{{
			ID: GenerationUnitID(units[0].CompositionKey, 0), Stage: StageGeneration, CompositionKey: units[0].CompositionKey,
		}},
	})
	require.NoError(t, err)

	// A second completion is refused and writes nothing.
	err = l.Complete(ctx, units[0].ID, Completion{Outcome: "stable"})
	require.Error(t, err)
	assert.True(t, screenerr.IsLedgerCorruption(err))

	require.NoError(t, l.Fail(ctx, units[1].ID, "stability_unknown", screenerr.Transient("score", nil)))

	u, err := l.Unit(ctx, units[1].ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, u.State)
	assert.Equal(t, "stability_unknown", u.Outcome)
	assert.NotEmpty(t, u.LastError)

	pending, inFlight, err := l.Backlog(ctx, StageGeneration)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, inFlight)

	comps, err := l.Compositions(ctx)
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, "stable", comps[0].Outcome)
	require.NotNil(t, comps[0].Metric)
	assert.InDelta(t, 1.4, *comps[0].Metric, 1e-12)

	s, err := l.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Stable)
	assert.Equal(t, 1, s.StabilityUnknown)
	assert.Equal(t, 1, s.UnitsPending)
}

func TestReleaseAndRecover(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(ctx, Config{Store: StoreConfig{Path: path}, ConfigHash: "h"})
	require.NoError(t, err)

	_, err = l.Enqueue(ctx,
		NewUnit{ID: "enum:st-1", Stage: StageEnumeration, CompositionKey: "k"},
		NewUnit{ID: "enum:st-2", Stage: StageEnumeration, CompositionKey: "k"},
	)
	require.NoError(t, err)
	units, err := l.Claim(ctx, StageEnumeration, 2)
	require.NoError(t, err)
	require.Len(t, units, 2)

	require.NoError(t, l.Release(ctx, units[0].ID))
	u, err := l.Unit(ctx, units[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, u.State)
	assert.Equal(t, 0, u.Attempts)

	// Simulate a crash with one unit in flight.
	require.NoError(t, l.Close())

	l2, err := Open(ctx, Config{Store: StoreConfig{Path: path}, ConfigHash: "h"})
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()
	assert.Equal(t, 1, l2.Recovered)

	pending, inFlight, err := l2.Backlog(ctx, StageEnumeration)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
	assert.Equal(t, 0, inFlight)
}

func TestClaim_FailsUnitsThatExhaustAttempts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	open := func() *Ledger {
		l, err := Open(ctx, Config{Store: StoreConfig{Path: path}, ConfigHash: "h", MaxAttempts: 2})
		require.NoError(t, err)
		return l
	}

	l := open()
	_, err := l.Enqueue(ctx, NewUnit{ID: "gen:k#1", Stage: StageGeneration, CompositionKey: "k"})
	require.NoError(t, err)

	// Two claims whose process dies before committing.
	for i := 1; i <= 2; i++ {
		units, err := l.Claim(ctx, StageGeneration, 1)
		require.NoError(t, err)
		require.Len(t, units, 1)
		assert.Equal(t, i, units[0].Attempts)
		require.NoError(t, l.Close())
		l = open()
		assert.Equal(t, 1, l.Recovered)
	}
	defer func() { _ = l.Close() }()

	units, err := l.Claim(ctx, StageGeneration, 1)
	require.NoError(t, err)
	assert.Empty(t, units)

	u, err := l.Unit(ctx, "gen:k#1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, u.State)
	assert.Equal(t, OutcomeExhausted, u.Outcome)
	assert.Equal(t, 2, u.Attempts)

	pending, inFlight, err := l.Backlog(ctx, StageGeneration)
	require.NoError(t, err)
	assert.Zero(t, pending+inFlight)
}

func TestClaim_ReleasedUnitsKeepTheirAttempts(t *testing.T) {
	ctx := context.Background()
	l, err := Open(ctx, Config{Store: StoreConfig{Path: filepath.Join(t.TempDir(), "ledger.db")}, ConfigHash: "h", MaxAttempts: 1})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	_, err = l.Enqueue(ctx, NewUnit{ID: "comp:k", Stage: StageStability, CompositionKey: "k"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		units, err := l.Claim(ctx, StageStability, 1)
		require.NoError(t, err)
		require.Len(t, units, 1)
		require.NoError(t, l.Release(ctx, units[0].ID))
	}
}

func TestStructureSitesAndPredictions(t *testing.T) {
	ctx := context.Background()
	l := openTest(t, filepath.Join(t.TempDir(), "ledger.db"), "h")

	st := &structure.Structure{
		ID: structure.ID("k", 0, 0), CompositionKey: "k",
		Lattice:   structure.Lattice{{3, 0, 0}, {0, 3, 0}, {0, 0, 20}},
		Species:   []string{"A"},
		Positions: []structure.Vec3{{0, 0, 0}},
		PBC:       [3]bool{true, true, false},
	}
	_, err := l.Enqueue(ctx, NewUnit{ID: GenerationUnitID("k", 0), Stage: StageGeneration, CompositionKey: "k"})
	require.NoError(t, err)
	_, err = l.Claim(ctx, StageGeneration, 1)
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, GenerationUnitID("k", 0), Completion{
		Outcome:    "generated",
		Structures: []StructureRecord{{Structure: st, Accepted: true}},
		Enqueue:    []NewUnit{{ID: EnumerationUnitID(st.ID), Stage: StageEnumeration, CompositionKey: "k"}},
	}))

	got, err := l.Structure(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, st.Species, got.Species)
	_, err = l.AlignedStructure(ctx, st.ID)
	assert.Error(t, err)

	site := sites.Site{Label: "Top_0", Kind: sites.KindTop, AtomIndices: []int{0}, Signature: "abc"}
	modelID := sites.ModelID(st.ID, site.Label)
	_, err = l.Claim(ctx, StageEnumeration, 1)
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, EnumerationUnitID(st.ID), Completion{
		Outcome: "sites",
		Aligned: &AlignedRecord{StructureID: st.ID, Aligned: st},
		Sites:   []SiteRecord{{StructureID: st.ID, CompositionKey: "k", ModelID: modelID, Site: site}},
		Enqueue: []NewUnit{{ID: PredictionUnitID(modelID), Stage: StagePrediction, CompositionKey: "k"}},
	}))

	recs, err := l.Sites(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Top_0", recs[0].Site.Label)

	progress, err := l.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, CompositionProgress{Open: 1}, progress["k"])

	_, err = l.Claim(ctx, StagePrediction, 1)
	require.NoError(t, err)
	pred := &PredictionRecord{ModelID: modelID, CompositionKey: "k", StructureID: st.ID, SiteLabel: "Top_0", Energy: -0.2}
	require.NoError(t, l.Complete(ctx, PredictionUnitID(modelID), Completion{Outcome: "predicted", Prediction: pred}))
	require.NoError(t, l.Verify(ctx))

	preds, err := l.Predictions(ctx)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.InDelta(t, -0.2, preds[0].Energy, 1e-12)

	progress, err = l.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, CompositionProgress{Done: 1}, progress["k"])
}

func TestConcurrentCompleteAtMostOnce(t *testing.T) {
	ctx := context.Background()
	l := openTest(t, filepath.Join(t.TempDir(), "ledger.db"), "h")

	_, err := l.Enqueue(ctx, NewUnit{ID: "ads:x", Stage: StagePrediction, CompositionKey: "k"})
	require.NoError(t, err)
	_, err = l.Claim(ctx, StagePrediction, 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Complete(ctx, "ads:x", Completion{
				Prediction: &PredictionRecord{ModelID: "x", CompositionKey: "k", StructureID: "st", SiteLabel: "Top_0", Energy: 0.1},
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)

	preds, err := l.Predictions(ctx)
	require.NoError(t, err)
	assert.Len(t, preds, 1)
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	l := openTest(t, ":memory:", "h")

	require.NoError(t, l.RecordEvent(ctx, Event{Type: EventTypeRunStarted}))
	require.NoError(t, l.RecordEvent(ctx, Event{Type: EventTypeRetry, Category: EventCategoryWarning, UnitID: "ads:x", Detail: "timeout"}))

	all, err := l.Events(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	warn := EventCategoryWarning
	ws, err := l.Events(ctx, &warn)
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, "ads:x", ws[0].UnitID)
}

func TestFinish(t *testing.T) {
	ctx := context.Background()
	l := openTest(t, ":memory:", "h")
	require.NoError(t, l.Finish(ctx, "ledger corruption: boom"))
	s, err := l.Summary(ctx)
	require.NoError(t, err)
	assert.True(t, s.Finished)
	assert.Equal(t, "ledger corruption: boom", s.HaltReason)
}

func TestOpen_ReadOnly(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	l := openTest(t, path, "hash-a")
	_, err := l.Enqueue(ctx, NewUnit{ID: "comp:A0.5B0.5", Stage: StageStability, CompositionKey: "A0.5B0.5"})
	require.NoError(t, err)
	claimed, err := l.Claim(ctx, StageStability, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, l.Close())

	ro, err := Open(ctx, Config{Store: StoreConfig{Path: path}, ReadOnly: true})
	require.NoError(t, err)
	defer func() { _ = ro.Close() }()

	assert.Zero(t, ro.Recovered)
	assert.Equal(t, "hash-a", ro.Meta().ConfigHash)
	counts, err := ro.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StageStability][StateInFlight])

	_, err = Open(ctx, Config{Store: StoreConfig{Path: filepath.Join(t.TempDir(), "empty.db")}, ReadOnly: true})
	assert.ErrorIs(t, err, ErrNoLedger)
}
