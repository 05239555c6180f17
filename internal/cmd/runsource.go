package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/heascreen/internal/observability"
	"github.com/3leaps/heascreen/internal/server/handlers"
	"github.com/3leaps/heascreen/pkg/aggregate"
	"github.com/3leaps/heascreen/pkg/ledger"
	"github.com/3leaps/heascreen/pkg/manifest"
	"github.com/3leaps/heascreen/pkg/output"
	"github.com/3leaps/heascreen/pkg/pipeline"
	"github.com/3leaps/heascreen/pkg/rank"
	"github.com/3leaps/heascreen/pkg/runregistry"
)

// ledgerSource reads a run directory without disturbing a run that may be
// writing to it. It implements handlers.RunSource.
type ledgerSource struct {
	runDir string
	agg    aggregate.Config
	rank   rank.Config
	store  *runregistry.Store
}

var _ handlers.RunSource = (*ledgerSource)(nil)

// newLedgerSource resolves aggregation and ranking settings from jobPath,
// else from the manifest recorded in run.json, else defaults.
func newLedgerSource(runDir, jobPath string) (*ledgerSource, error) {
	runDir = strings.TrimSpace(runDir)
	if runDir == "" {
		return nil, fmt.Errorf("run dir is required")
	}
	abs, err := filepath.Abs(runDir)
	if err != nil {
		return nil, fmt.Errorf("resolve run dir: %w", err)
	}
	src := &ledgerSource{
		runDir: abs,
		agg:    aggregate.Config{}.WithDefaults(),
		store:  runregistry.NewStore(runsRoot()),
	}

	if jobPath == "" {
		if rec, err := src.store.Get(abs); err == nil {
			jobPath = rec.ManifestPath
		}
	}
	if jobPath != "" {
		m, err := manifest.Load(jobPath)
		if err != nil {
			observability.CLILogger.Warn("Ignoring unreadable run manifest",
				zap.String("path", jobPath),
				zap.Error(err))
		} else {
			src.agg = m.AggregationConfig()
			src.rank = m.RankConfig()
		}
	}
	return src, nil
}

func (s *ledgerSource) open(ctx context.Context) (*ledger.Ledger, error) {
	path := filepath.Join(s.runDir, ledgerFile)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no ledger in %s", handlers.ErrNoRun, s.runDir)
		}
		return nil, err
	}
	return ledger.Open(ctx, ledger.Config{
		Store:    ledger.StoreConfig{Path: path},
		ReadOnly: true,
		Logger:   observability.CLILogger,
	})
}

// Status implements handlers.RunSource.
func (s *ledgerSource) Status(ctx context.Context) (*handlers.RunStatus, error) {
	l, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.Close() }()

	sum, err := l.Summary(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := l.Counts(ctx)
	if err != nil {
		return nil, err
	}
	st := &handlers.RunStatus{Summary: sum, Stages: stageProgress(counts)}
	if rec, err := s.store.Get(s.runDir); err == nil {
		st.Run = rec
	}
	return st, nil
}

// Ranking implements handlers.RunSource. topK > 0 overrides the configured
// top-K.
func (s *ledgerSource) Ranking(ctx context.Context, topK int) (*rank.Ranking, error) {
	_, ranking, err := s.report(ctx, topK)
	return ranking, err
}

func (s *ledgerSource) report(ctx context.Context, topK int) (*aggregate.Report, *rank.Ranking, error) {
	l, err := s.open(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = l.Close() }()

	rc := s.rank
	if topK > 0 {
		rc.TopK = topK
	}
	return pipeline.Report(ctx, l, s.agg, rc)
}

// checkHealth verifies the ledger opens and is readable.
func (s *ledgerSource) checkHealth(ctx context.Context) error {
	l, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()
	_, err = l.Counts(ctx)
	return err
}

func stageProgress(counts map[ledger.Stage]map[ledger.State]int) map[string]output.StageProgress {
	out := make(map[string]output.StageProgress, len(ledger.Stages))
	for _, st := range ledger.Stages {
		c := counts[st]
		out[string(st)] = output.StageProgress{
			Pending:  c[ledger.StatePending],
			InFlight: c[ledger.StateInFlight],
			Done:     int64(c[ledger.StateDone]),
			Failed:   int64(c[ledger.StateFailed]),
		}
	}
	return out
}

// runsRoot is the directory scanned for run records.
func runsRoot() string {
	return valueOrDefault(currentConfig().Runs.Root, manifest.DefaultRunsDir)
}
