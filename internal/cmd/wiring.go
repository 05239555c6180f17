package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/heascreen/pkg/artifact"
	"github.com/3leaps/heascreen/pkg/artifact/file"
	"github.com/3leaps/heascreen/pkg/artifact/s3"
	"github.com/3leaps/heascreen/pkg/inference"
	"github.com/3leaps/heascreen/pkg/ledger"
	"github.com/3leaps/heascreen/pkg/manifest"
	"github.com/3leaps/heascreen/pkg/output"
	"github.com/3leaps/heascreen/pkg/pipeline"
	"github.com/3leaps/heascreen/pkg/predcache"
	"github.com/3leaps/heascreen/pkg/predict"
	"github.com/3leaps/heascreen/pkg/sites"
	"github.com/3leaps/heascreen/pkg/stability"
	"github.com/3leaps/heascreen/pkg/structure"
)

// Files kept in a run directory.
const (
	ledgerFile  = "ledger.db"
	recordsFile = "records.jsonl"
	rankingFile = "ranking.json"
	summaryFile = "summary.json"
	reportFile  = "report.json"
)

const cacheGCInterval = 10 * time.Minute

// runStack is a fully wired pipeline and the resources it holds.
type runStack struct {
	Ledger   *ledger.Ledger
	Pipeline *pipeline.Pipeline

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (s *runStack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// stackOptions are the process-level collaborators of a run.
type stackOptions struct {
	RunID        string
	ConfigHash   string
	CacheDir     string
	Logger       *zap.Logger
	Observer     pipeline.Observer
	OnCheckpoint func(ctx context.Context, p *output.ProgressRecord)
}

// buildRunStack opens the ledger in runDir and wires every adapter the
// manifest names into a pipeline.
func buildRunStack(ctx context.Context, m *manifest.Manifest, runDir string, opts stackOptions) (_ *runStack, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	st := &runStack{}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	l, err := ledger.Open(ctx, ledger.Config{
		Store:      ledger.StoreConfig{Path: filepath.Join(runDir, ledgerFile)},
		ConfigHash:  opts.ConfigHash,
		RunID:       opts.RunID,
		MaxAttempts: m.PipelineConfig().Retry.WithDefaults().MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	st.Ledger = l
	st.closers = append(st.closers, l.Close)

	filter, err := newStabilityFilter(m, logger)
	if err != nil {
		return nil, err
	}
	gen, closeGen, err := newGenerator(ctx, m, logger)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, closeGen)

	enum, err := sites.New(m.SitesConfig())
	if err != nil {
		return nil, fmt.Errorf("sites: %w", err)
	}

	batcher, closeCache, err := newBatcher(m, l, opts.CacheDir, logger)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, closeCache)

	f, err := os.OpenFile(filepath.Join(runDir, recordsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}
	st.closers = append(st.closers, f.Close)
	w := output.NewJSONLWriter(f, l.RunID())
	st.closers = append(st.closers, w.Close)

	p, err := pipeline.New(m.PipelineConfig(), pipeline.Deps{
		Ledger:       l,
		Space:        m.Space(),
		Filter:       filter,
		Generator:    gen,
		Enumerator:   enum,
		Batcher:      batcher,
		Writer:       w,
		Logger:       logger,
		Observer:     opts.Observer,
		OnCheckpoint: opts.OnCheckpoint,
	})
	if err != nil {
		return nil, err
	}
	st.Pipeline = p
	return st, nil
}

func newInferenceClient(endpoint string, sc manifest.SchedulerConfig, logger *zap.Logger) (*inference.Client, error) {
	return inference.New(inference.Config{
		BaseURL:     endpoint,
		Timeout:     sc.AdapterTimeout.Duration,
		RateLimit:   sc.RateLimit,
		MaxInFlight: sc.MaxInFlight,
	}, inference.WithLogger(logger))
}

func newStabilityFilter(m *manifest.Manifest, logger *zap.Logger) (*stability.Filter, error) {
	var oracle stability.Oracle
	switch m.Stability.Oracle {
	case "mixing_rule":
		o := m.MixingRule()
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("stability: %w", err)
		}
		oracle = o
	case "http":
		client, err := newInferenceClient(m.Stability.Endpoint, m.Scheduler, logger)
		if err != nil {
			return nil, fmt.Errorf("stability oracle: %w", err)
		}
		oracle = stability.NewHTTPOracle(client)
	default:
		return nil, fmt.Errorf("unknown stability oracle %q", m.Stability.Oracle)
	}
	return stability.NewFilter(oracle, m.Stability.Threshold, stability.Direction(m.Stability.Direction))
}

// newGenerator returns the structure generator and a func releasing it.
func newGenerator(ctx context.Context, m *manifest.Manifest, logger *zap.Logger) (structure.Generator, func() error, error) {
	g := m.Generation
	switch g.Generator {
	case "http":
		client, err := newInferenceClient(g.Endpoint, m.Scheduler, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("structure generator: %w", err)
		}
		return structure.NewHTTPGenerator(client), func() error { return nil }, nil
	case "library":
		store, dest, err := openArtifactStore(ctx, g.Source, g.Region, g.S3Endpoint, g.Profile)
		if err != nil {
			return nil, nil, fmt.Errorf("structure library: %w", err)
		}
		gen, err := structure.NewLibraryGenerator(store, dest.Prefix, g.Pattern)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		logger.Debug("Using structure library",
			zap.String("source", dest.String()),
			zap.String("pattern", valueOrDefault(g.Pattern, structure.DefaultLibraryPattern)))
		return gen, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown structure generator %q", g.Generator)
	}
}

// newBatcher builds the prediction batcher. The cache directory from the
// manifest wins over cacheDir; with neither, caching is off.
func newBatcher(m *manifest.Manifest, l *ledger.Ledger, cacheDir string, logger *zap.Logger) (*predict.Batcher, func() error, error) {
	pc := m.Prediction
	client, err := newInferenceClient(pc.Endpoint, m.Scheduler, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("predictor: %w", err)
	}
	var lookup predict.StructureLookup
	if pc.SendStructure {
		lookup = l.AlignedStructure
	}
	predictor := predict.NewHTTPPredictor(client, pc.Model, lookup)

	opts := []predict.BatcherOption{predict.WithLogger(logger)}
	closeFn := func() error { return nil }
	if dir := valueOrDefault(strings.TrimSpace(pc.CacheDir), strings.TrimSpace(cacheDir)); dir != "" {
		cache, err := predcache.Open(predcache.Config{Dir: dir, GCInterval: cacheGCInterval, Logger: logger})
		if err != nil {
			return nil, nil, fmt.Errorf("prediction cache: %w", err)
		}
		opts = append(opts, predict.WithCache(cache, pc.Model))
		closeFn = cache.Close
		logger.Debug("Prediction cache enabled", zap.String("dir", dir), zap.String("model", pc.Model))
	}
	return predict.NewBatcher(predictor, pc.BatchSize, opts...), closeFn, nil
}

// openArtifactStore opens the store behind a destination URI.
func openArtifactStore(ctx context.Context, raw, region, endpoint, profile string) (artifact.Store, artifact.Destination, error) {
	dest, err := artifact.ParseDestination(raw)
	if err != nil {
		return nil, artifact.Destination{}, err
	}
	switch dest.Kind {
	case artifact.KindS3:
		store, err := s3.New(ctx, s3.Config{
			Bucket:         dest.Bucket,
			Region:         region,
			Endpoint:       endpoint,
			Profile:        profile,
			ForcePathStyle: endpoint != "",
		})
		if err != nil {
			return nil, dest, err
		}
		return store, dest, nil
	default:
		store, err := file.New(file.Config{BaseDir: dest.Path})
		if err != nil {
			return nil, dest, err
		}
		return store, dest, nil
	}
}
