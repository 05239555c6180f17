// Package pipeline schedules screening work across the stability,
// generation, enumeration and prediction stages.
//
// Each stage has a durable queue in the ledger. A feeder goroutine claims
// pending units into a bounded channel and a worker pool processes them;
// every unit ends in a single ledger transaction that records its outputs
// and enqueues downstream work. A stage is finished when its upstream
// stage is finished and it has no pending or in-flight units.
//
// Cancelling the context passed to Run requests a cooperative stop:
// feeders stop claiming, units already handed to a worker finish, and
// claimed units that were not started are released back to pending.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/heascreen/pkg/aggregate"
	"github.com/3leaps/heascreen/pkg/composition"
	"github.com/3leaps/heascreen/pkg/ledger"
	"github.com/3leaps/heascreen/pkg/output"
	"github.com/3leaps/heascreen/pkg/predict"
	"github.com/3leaps/heascreen/pkg/rank"
	"github.com/3leaps/heascreen/pkg/screenerr"
	"github.com/3leaps/heascreen/pkg/sites"
	"github.com/3leaps/heascreen/pkg/stability"
	"github.com/3leaps/heascreen/pkg/structure"
)

// SiteEnumerator finds adsorption sites on one structure.
type SiteEnumerator interface {
	Enumerate(s *structure.Structure) (*sites.Result, error)
}

// Observer receives scheduler events, typically to update metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	UnitDone(stage ledger.Stage, outcome string)
	UnitFailed(stage ledger.Stage, outcome string)
	AdapterCall(op string, elapsed time.Duration, err error)
	Retry(op string)
	Backlog(stage ledger.Stage, pending, inFlight int)
}

type nopObserver struct{}

func (nopObserver) UnitDone(ledger.Stage, string) {}
func (nopObserver) UnitFailed(ledger.Stage, string) {}
func (nopObserver) AdapterCall(string, time.Duration, error) {}
func (nopObserver) Retry(string) {}
func (nopObserver) Backlog(ledger.Stage, int, int) {}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Ledger     *ledger.Ledger
	Space      composition.Space
	Filter     *stability.Filter
	Generator  structure.Generator
	Enumerator SiteEnumerator
	Batcher    *predict.Batcher

	// Writer receives stage, progress and summary records. Nil discards.
	Writer output.Writer

	Logger   *zap.Logger
	Observer Observer

	// OnCheckpoint is called with each progress record.
	OnCheckpoint func(ctx context.Context, p *output.ProgressRecord)
}

// Result describes a finished or stopped run.
type Result struct {
	Summary *ledger.Summary
	Report  *aggregate.Report
	Ranking *rank.Ranking

	// Retries counts transient retries made by this process.
	Retries  int64
	Duration time.Duration

	// Resumed is set when the ledger already held work.
	Resumed bool

	// Stopped is set when the run was stopped before every stage finished.
	Stopped bool
}

// Pipeline runs a screen against one ledger.
type Pipeline struct {
	cfg          Config
	ledger       *ledger.Ledger
	space        composition.Space
	filter       *stability.Filter
	generator    structure.Generator
	enumerator   SiteEnumerator
	batcher      *predict.Batcher
	writer       output.Writer
	logger       *zap.Logger
	observer     Observer
	onCheckpoint func(ctx context.Context, p *output.ProgressRecord)

	start   time.Time
	retries atomic.Int64
}

// New validates cfg and deps and returns a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("pipeline: ledger is required")
	case deps.Filter == nil:
		return nil, errors.New("pipeline: stability filter is required")
	case deps.Generator == nil:
		return nil, errors.New("pipeline: structure generator is required")
	case deps.Enumerator == nil:
		return nil, errors.New("pipeline: site enumerator is required")
	case deps.Batcher == nil:
		return nil, errors.New("pipeline: prediction batcher is required")
	}
	if err := deps.Space.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	p := &Pipeline{
		cfg:          cfg,
		ledger:       deps.Ledger,
		space:        deps.Space,
		filter:       deps.Filter,
		generator:    deps.Generator,
		enumerator:   deps.Enumerator,
		batcher:      deps.Batcher,
		writer:       deps.Writer,
		logger:       deps.Logger,
		observer:     deps.Observer,
		onCheckpoint: deps.OnCheckpoint,
	}
	if p.writer == nil {
		p.writer = output.Discard()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Run processes every stage until the screen is complete or ctx is
// cancelled.
//
// A stop request returns a Result with Stopped set and a nil error. Ledger
// failures halt the run: the halt reason is recorded in the ledger and the
// error is returned.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	p.start = time.Now()

	counts, err := p.ledger.Counts(ctx)
	if err != nil {
		return nil, p.halt(ctx, err)
	}
	resumed := len(counts) > 0

	phase := output.PhaseStarting
	event := ledger.EventTypeRunStarted
	if resumed {
		phase = output.PhaseResuming
		event = ledger.EventTypeRunResumed
		p.logger.Info("resuming run",
			zap.String("run_id", p.ledger.RunID()),
			zap.Int("recovered_in_flight", p.ledger.Recovered))
	} else {
		p.logger.Info("starting run", zap.String("run_id", p.ledger.RunID()))
	}
	p.event(ctx, ledger.Event{Type: event, Detail: fmt.Sprintf("recovered=%d", p.ledger.Recovered)})
	p.checkpoint(ctx, phase)

	if err := p.runStages(ctx); err != nil {
		return nil, p.halt(ctx, err)
	}

	if ctx.Err() != nil {
		lctx := context.WithoutCancel(ctx)
		p.logger.Info("run stopped", zap.String("run_id", p.ledger.RunID()))
		p.checkpoint(lctx, output.PhaseStopping)
		res, err := p.result(lctx)
		if err != nil {
			return nil, err
		}
		res.Resumed = resumed
		res.Stopped = true
		return res, nil
	}

	if err := p.ledger.Verify(ctx); err != nil {
		return nil, p.halt(ctx, err)
	}
	if err := p.ledger.Finish(ctx, ""); err != nil {
		return nil, p.halt(ctx, err)
	}
	res, err := p.result(ctx)
	if err != nil {
		return nil, err
	}
	res.Resumed = resumed

	p.event(ctx, ledger.Event{Type: ledger.EventTypeRunCompleted})
	p.checkpoint(ctx, output.PhaseComplete)
	p.emit(p.writer.WriteSummary(ctx, SummaryRecord(res)))
	p.logger.Info("run complete",
		zap.Int("stable", res.Summary.Stable),
		zap.Int("predictions", res.Summary.PredictionsDone),
		zap.Int("predictions_failed", res.Summary.PredictionsFailed),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// stage is one scheduler stage.
type stage struct {
	name       ledger.Stage
	downstream ledger.Stage

	// chunk is the number of units handed to a worker at once.
	chunk   int
	process func(ctx context.Context, units []ledger.Unit) error
}

func (p *Pipeline) stages() []*stage {
	return []*stage{
		{name: ledger.StageStability, downstream: ledger.StageGeneration, chunk: 1, process: p.each(p.processStability)},
		{name: ledger.StageGeneration, downstream: ledger.StageEnumeration, chunk: 1, process: p.each(p.processGeneration)},
		{name: ledger.StageEnumeration, downstream: ledger.StagePrediction, chunk: 1, process: p.each(p.processEnumeration)},
		{name: ledger.StagePrediction, chunk: p.batcher.BatchSize(), process: p.processPredictions},
	}
}

// runStages runs the seeder and every stage concurrently. It returns nil
// when all stages finish or a stop is requested, and the first fatal error
// otherwise.
func (p *Pipeline) runStages(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	seeded := make(chan struct{})
	g.Go(func() error {
		if err := p.seed(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}
		close(seeded)
		return nil
	})

	upstream := seeded
	for _, st := range p.stages() {
		finished := make(chan struct{})
		up := upstream
		g.Go(func() error { return p.runStage(gctx, st, up, finished) })
		upstream = finished
	}

	last := upstream
	g.Go(func() error {
		ticker := time.NewTicker(p.cfg.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-last:
				return nil
			case <-ticker.C:
				p.checkpoint(gctx, output.PhaseRunning)
			}
		}
	})

	return g.Wait()
}

// seed enqueues one stability unit per composition of the space. Seeding
// is idempotent and is skipped once recorded as complete.
func (p *Pipeline) seed(ctx context.Context) error {
	done, err := p.ledger.Seeded(ctx)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	batch := make([]ledger.NewUnit, 0, p.cfg.SeedChunk)
	total := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := p.ledger.Enqueue(ctx, batch...)
		if err != nil {
			return err
		}
		total += n
		batch = batch[:0]
		return nil
	}

	err = p.space.Each(func(c composition.Composition) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch = append(batch, ledger.NewUnit{
			ID:             ledger.StabilityUnitID(c.Key()),
			Stage:          ledger.StageStability,
			CompositionKey: c.Key(),
		})
		if len(batch) >= p.cfg.SeedChunk {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return fmt.Errorf("seed compositions: %w", err)
	}
	if err := p.ledger.MarkSeeded(ctx); err != nil {
		return err
	}
	p.logger.Info("seeded compositions", zap.Int("enqueued", total))
	return nil
}

// runStage runs the feeder and workers of one stage. finished is closed
// when the stage drained completely.
func (p *Pipeline) runStage(ctx context.Context, st *stage, upstream <-chan struct{}, finished chan<- struct{}) error {
	in := make(chan []ledger.Unit, p.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)

	var drained bool
	g.Go(func() error {
		defer close(in)
		ok, err := p.feed(gctx, st, upstream, in)
		drained = ok
		return err
	})
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error { return p.work(gctx, st, in) })
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("%s stage: %w", st.name, err)
	}
	if drained {
		p.logger.Debug("stage finished", zap.String("stage", string(st.name)))
		close(finished)
	}
	return nil
}

// feed claims units of st and hands them to workers. It returns true when
// the stage drained and false when ctx was cancelled.
func (p *Pipeline) feed(ctx context.Context, st *stage, upstream <-chan struct{}, out chan<- []ledger.Unit) (bool, error) {
	for {
		if ctx.Err() != nil {
			return false, nil
		}
		// Sampled before claiming: an upstream stage signals only after its
		// last unit committed, so an empty claim afterwards is conclusive.
		upDone := isClosed(upstream)

		throttled, err := p.throttled(ctx, st)
		if err != nil {
			return false, err
		}
		if throttled {
			if !sleep(ctx, p.cfg.PollInterval) {
				return false, nil
			}
			continue
		}

		units, err := p.ledger.Claim(ctx, st.name, st.chunk*p.cfg.Workers)
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, fmt.Errorf("claim: %w", err)
		}

		if len(units) == 0 {
			if upDone {
				pending, inFlight, err := p.ledger.Backlog(ctx, st.name)
				if err != nil {
					if ctx.Err() != nil {
						return false, nil
					}
					return false, err
				}
				if pending+inFlight == 0 {
					return true, nil
				}
			}
			if !sleep(ctx, p.cfg.PollInterval) {
				return false, nil
			}
			continue
		}

		for start := 0; start < len(units); start += st.chunk {
			end := min(start+st.chunk, len(units))
			select {
			case out <- units[start:end]:
			case <-ctx.Done():
				return false, p.release(ctx, units[start:])
			}
		}
	}
}

// throttled reports whether st's downstream backlog is at the high-water
// mark.
func (p *Pipeline) throttled(ctx context.Context, st *stage) (bool, error) {
	if st.downstream == "" || p.cfg.QueueHighWater <= 0 {
		return false, nil
	}
	pending, inFlight, err := p.ledger.Backlog(ctx, st.downstream)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	p.observer.Backlog(st.downstream, pending, inFlight)
	return pending >= p.cfg.QueueHighWater, nil
}

func (p *Pipeline) work(ctx context.Context, st *stage, in <-chan []ledger.Unit) error {
	for units := range in {
		if ctx.Err() != nil {
			if err := p.release(ctx, units); err != nil {
				return err
			}
			continue
		}
		if err := st.process(ctx, units); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) each(fn func(ctx context.Context, u ledger.Unit) error) func(context.Context, []ledger.Unit) error {
	return func(ctx context.Context, units []ledger.Unit) error {
		for _, u := range units {
			if err := fn(ctx, u); err != nil {
				return err
			}
		}
		return nil
	}
}

// release returns claimed units to pending.
func (p *Pipeline) release(ctx context.Context, units []ledger.Unit) error {
	if len(units) == 0 {
		return nil
	}
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	if err := p.ledger.Release(context.WithoutCancel(ctx), ids...); err != nil {
		return fmt.Errorf("release units: %w", err)
	}
	return nil
}

// checkpoint emits a progress record. Failures are logged, not fatal.
func (p *Pipeline) checkpoint(ctx context.Context, phase string) {
	counts, err := p.ledger.Counts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("progress snapshot failed", zap.Error(err))
		}
		return
	}
	rec := &output.ProgressRecord{
		Phase:   phase,
		Stages:  make(map[string]output.StageProgress, len(ledger.Stages)),
		Elapsed: time.Since(p.start),
	}
	for _, st := range ledger.Stages {
		c := counts[st]
		rec.Stages[string(st)] = output.StageProgress{
			Pending:  c[ledger.StatePending],
			InFlight: c[ledger.StateInFlight],
			Done:     int64(c[ledger.StateDone]),
			Failed:   int64(c[ledger.StateFailed]),
		}
		p.observer.Backlog(st, c[ledger.StatePending], c[ledger.StateInFlight])
	}
	p.emit(p.writer.WriteProgress(ctx, rec))
	if p.onCheckpoint != nil {
		p.onCheckpoint(ctx, rec)
	}
}

// halt records a fatal error in the ledger and the record stream.
func (p *Pipeline) halt(ctx context.Context, cause error) error {
	lctx := context.WithoutCancel(ctx)
	code := output.ErrCodeInternal
	if screenerr.IsLedgerCorruption(cause) {
		code = output.ErrCodeLedgerCorruption
	}
	p.logger.Error("run halted", zap.String("code", code), zap.Error(cause))
	p.event(lctx, ledger.Event{Type: ledger.EventTypeRunHalted, Category: ledger.EventCategoryError, Detail: cause.Error()})
	if err := p.ledger.Finish(lctx, cause.Error()); err != nil {
		p.logger.Error("recording halt reason failed", zap.Error(err))
	}
	p.emit(p.writer.WriteError(lctx, &output.ErrorRecord{Code: code, Message: cause.Error()}))
	return cause
}

func (p *Pipeline) result(ctx context.Context) (*Result, error) {
	sum, err := p.ledger.Summary(ctx)
	if err != nil {
		return nil, err
	}
	report, ranking, err := Report(ctx, p.ledger, p.cfg.Aggregation, p.cfg.Ranking)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary:  sum,
		Report:   report,
		Ranking:  ranking,
		Retries:  p.retries.Load(),
		Duration: time.Since(p.start),
	}, nil
}

// event records a diagnostic event. Failures are logged only.
func (p *Pipeline) event(ctx context.Context, e ledger.Event) {
	if err := p.ledger.RecordEvent(context.WithoutCancel(ctx), e); err != nil {
		p.logger.Warn("recording run event failed", zap.String("event", string(e.Type)), zap.Error(err))
	}
}

// emit logs a failed record write. The record stream is best effort.
func (p *Pipeline) emit(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("record write failed", zap.Error(err))
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
