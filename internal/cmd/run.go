package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/heascreen/internal/observability"
	"github.com/3leaps/heascreen/internal/server"
	"github.com/3leaps/heascreen/internal/server/handlers"
	"github.com/3leaps/heascreen/pkg/artifact"
	"github.com/3leaps/heascreen/pkg/manifest"
	"github.com/3leaps/heascreen/pkg/output"
	"github.com/3leaps/heascreen/pkg/pipeline"
	"github.com/3leaps/heascreen/pkg/preflight"
	"github.com/3leaps/heascreen/pkg/runregistry"
	"github.com/3leaps/heascreen/pkg/screenerr"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a screen from a manifest",
	Long: `Run a screening job as defined in a YAML or JSON manifest file.

The run directory holds the ledger, the record stream and the result
documents. Running the same manifest against an existing run directory
resumes the screen; a manifest whose screening settings changed is
refused.

Example:
  heascreen run --job screen.yaml
  heascreen run --job screen.yaml --run-dir runs/nimo-01
  heascreen run --job screen.yaml --background
  heascreen run --job screen.yaml --listen localhost:9100
  heascreen run --job screen.yaml --dry-run
  heascreen run --job screen.yaml --dry-run --preflight write-probe`,
	RunE: runRun,
}

var (
	runJobPath    string
	runDirFlag    string
	runBackground bool
	runDryRun     bool
	runListen     string
	runPreflight  string
	runManagedID  string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to run manifest (required)")
	runCmd.Flags().StringVar(&runDirFlag, "run-dir", "", "Run directory (default from manifest run.dir)")
	runCmd.Flags().BoolVar(&runBackground, "background", false, "Start the run as a managed background process")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate manifest and show plan without executing")
	runCmd.Flags().StringVar(&runListen, "listen", "", "Serve status and metrics on host:port while running")
	runCmd.Flags().StringVar(&runPreflight, "preflight", string(preflight.ModeReadSafe), "Store checks before running: plan-only, read-safe or write-probe")
	runCmd.Flags().StringVar(&runManagedID, strings.TrimPrefix(runregistry.ManagedRunFlag, "--"), "", "")
	_ = runCmd.Flags().MarkHidden(strings.TrimPrefix(runregistry.ManagedRunFlag, "--"))

	_ = runCmd.MarkFlagRequired("job")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	m, err := manifest.Load(runJobPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", runJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	hash, err := manifest.ConfigHash(m)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	runDir, err := filepath.Abs(valueOrDefault(strings.TrimSpace(runDirFlag), m.Run.Dir))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid run directory", err)
	}

	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", runJobPath),
		zap.String("run_dir", runDir),
		zap.String("config_hash", hash),
		zap.Strings("elements", m.Composition.Elements))

	mode, err := preflight.ParseMode(runPreflight)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --preflight", err)
	}

	if runDryRun {
		if err := showRunPlan(m, runDir, hash); err != nil {
			return err
		}
		rec, err := runPreflightChecks(ctx, m, mode)
		printPreflight(rec)
		return preflightError(err)
	}

	// A managed child was checked by its parent.
	if runManagedID == "" {
		if _, err := runPreflightChecks(ctx, m, mode); err != nil {
			return preflightError(err)
		}
	}

	if runBackground {
		executor := runregistry.NewExecutor(runregistry.NewStore(runsRoot()))
		rec, err := executor.StartBackground(runJobPath, runDir, m.Run.Name)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to start background run", err)
		}
		_, _ = fmt.Fprintf(os.Stdout, "Started background run\n")
		_, _ = fmt.Fprintf(os.Stdout, "  run_id: %s\n", rec.RunID)
		_, _ = fmt.Fprintf(os.Stdout, "  pid: %d\n", rec.PID)
		_, _ = fmt.Fprintf(os.Stdout, "  run_dir: %s\n", rec.RunDir)
		_, _ = fmt.Fprintf(os.Stdout, "  stdout: %s\n", rec.StdoutPath)
		_, _ = fmt.Fprintf(os.Stdout, "  stderr: %s\n", rec.StderrPath)
		return nil
	}

	return executeRun(ctx, m, runJobPath, runDir, hash, runManagedID)
}

// executeRun runs the screen in the foreground, keeping run.json current.
func executeRun(ctx context.Context, m *manifest.Manifest, jobPath, runDir, hash, managedID string) error {
	logger := observability.CLILogger
	store := runregistry.NewStore(runsRoot())

	rec, err := claimRunRecord(store, m, jobPath, runDir, hash, managedID)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Run directory is busy", err)
	}
	logger = logger.With(zap.String("run_id", rec.RunID))

	cfg := currentConfig()
	metrics := observability.NewMetrics(valueOrDefault(cfg.Metrics.Namespace, binaryName))

	stack, err := buildRunStack(ctx, m, runDir, stackOptions{
		RunID:      rec.RunID,
		ConfigHash: hash,
		CacheDir:   cfg.Cache.Dir,
		Logger:     logger,
		Observer:   metrics,
		OnCheckpoint: func(_ context.Context, p *output.ProgressRecord) {
			if err := store.Heartbeat(runDir, p); err != nil {
				logger.Warn("Run record heartbeat failed", zap.Error(err))
			}
		},
	})
	if err != nil {
		_ = store.Finish(runDir, runregistry.RunStateFailed, "", err)
		if screenerr.IsLedgerCorruption(err) {
			return exitError(foundry.ExitFileReadError, "Cannot open ledger", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Failed to set up run", err)
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Warn("Closing run resources failed", zap.Error(err))
		}
	}()

	if runListen != "" {
		stopServer, err := startRunServer(ctx, runDir, jobPath, metrics)
		if err != nil {
			_ = store.Finish(runDir, runregistry.RunStateFailed, "", err)
			return exitError(foundry.ExitInvalidArgument, "Failed to start status server", err)
		}
		defer stopServer()
	}

	res, runErr := stack.Pipeline.Run(ctx)
	if runErr != nil {
		state := runregistry.RunStateFailed
		halt := ""
		if sum, err := stack.Ledger.Summary(context.WithoutCancel(ctx)); err == nil && sum.HaltReason != "" {
			state = runregistry.RunStateHalted
			halt = sum.HaltReason
		}
		_ = store.Finish(runDir, state, halt, runErr)
		logger.Error("Run halted", zap.Error(runErr))
		if screenerr.IsLedgerCorruption(runErr) {
			return exitError(foundry.ExitFileReadError, "Run halted", runErr)
		}
		return exitError(foundry.ExitFileWriteError, "Run halted", runErr)
	}

	arts := runArtifacts{Summary: res.Summary, Report: res.Report, Ranking: res.Ranking}
	if err := arts.writeLocal(runDir); err != nil {
		logger.Warn("Writing result documents failed", zap.Error(err))
	}
	printRunSummary(res, runDir)

	if res.Stopped {
		_ = store.Finish(runDir, runregistry.RunStateStopped, "", nil)
		return exitError(foundry.ExitSignalInt, "Run stopped", ctx.Err())
	}

	if m.Export != nil && m.Export.Destination != "" {
		keys, err := arts.export(ctx, *m.Export)
		if err != nil {
			_ = store.Finish(runDir, runregistry.RunStateSuccess, "", err)
			if exportFailureIsRetryable(err) {
				return exitError(foundry.ExitExternalServiceUnavailable, "Export failed", err)
			}
			return exitError(foundry.ExitFileWriteError, "Export failed", err)
		}
		logger.Info("Exported results", zap.String("destination", m.Export.Destination), zap.Strings("keys", keys))
	}

	if err := store.Finish(runDir, runregistry.RunStateSuccess, "", nil); err != nil {
		logger.Warn("Updating run record failed", zap.Error(err))
	}
	return nil
}

// claimRunRecord writes a running record for this process. A managed
// child adopts the record its parent wrote; a foreground run refuses a
// directory that another live process is running in.
func claimRunRecord(store *runregistry.Store, m *manifest.Manifest, jobPath, runDir, hash, managedID string) (*runregistry.RunRecord, error) {
	existing, err := store.Get(runDir)
	if err != nil && !errors.Is(err, runregistry.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	if managedID != "" && existing != nil && existing.RunID == managedID {
		return store.Update(runDir, func(r *runregistry.RunRecord) {
			r.PID = os.Getpid()
			r.State = runregistry.RunStateRunning
			r.ConfigHash = hash
			r.LastHeartbeat = &now
		})
	}
	if existing != nil && existing.State == runregistry.RunStateRunning && existing.PID != os.Getpid() {
		return nil, fmt.Errorf("run %s is in progress in %s (pid %d)", existing.RunID, runDir, existing.PID)
	}

	absJob, err := filepath.Abs(jobPath)
	if err != nil {
		absJob = jobPath
	}
	runID := managedID
	if runID == "" {
		runID = uuid.New().String()
	}
	rec := &runregistry.RunRecord{
		RunID:         runID,
		Name:          m.Run.Name,
		State:         runregistry.RunStateRunning,
		ManifestPath:  absJob,
		RunDir:        runDir,
		ConfigHash:    hash,
		PID:           os.Getpid(),
		CreatedAt:     now,
		StartedAt:     &now,
		LastHeartbeat: &now,
	}
	if existing != nil {
		// Keep the first creation time across resumes.
		rec.CreatedAt = existing.CreatedAt
	}
	if err := store.Write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// startRunServer serves status and metrics for the run being executed.
func startRunServer(ctx context.Context, runDir, jobPath string, metrics *observability.Metrics) (func(), error) {
	host, port, err := splitHostPort(runListen)
	if err != nil {
		return nil, err
	}
	src, err := newLedgerSource(runDir, jobPath)
	if err != nil {
		return nil, err
	}
	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("signal", signalHealthChecker{})
	hm.RegisterChecker("ledger", handlers.CheckerFunc(src.checkHealth))

	cfg := currentConfig()
	srv := server.New(host, port,
		server.WithRunSource(src),
		server.WithMetrics(metrics.Handler()),
		server.WithLogger(observability.CLILogger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout, cfg.Server.ShutdownTimeout),
	)

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(sctx); err != nil {
			observability.CLILogger.Warn("Status server stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func showRunPlan(m *manifest.Manifest, runDir, hash string) error {
	size, err := m.Space().Size()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid composition space", err)
	}
	pc := m.PipelineConfig()

	_, _ = fmt.Fprintln(os.Stdout, "Screen Plan (dry-run)")
	_, _ = fmt.Fprintln(os.Stdout, "=====================")
	_, _ = fmt.Fprintln(os.Stdout)
	_, _ = fmt.Fprintf(os.Stdout, "name: %s\n", m.Run.Name)
	_, _ = fmt.Fprintf(os.Stdout, "run_dir: %s\n", runDir)
	_, _ = fmt.Fprintf(os.Stdout, "config_hash: %s\n", hash)
	_, _ = fmt.Fprintln(os.Stdout)

	_, _ = fmt.Fprintln(os.Stdout, "Composition space:")
	_, _ = fmt.Fprintf(os.Stdout, "  elements: %v\n", m.Composition.Elements)
	if m.Composition.Step > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "  step: %g\n", m.Composition.Step)
	} else {
		_, _ = fmt.Fprintf(os.Stdout, "  grid: %v\n", m.Composition.Grid)
	}
	_, _ = fmt.Fprintf(os.Stdout, "  compositions: %d\n", size)
	_, _ = fmt.Fprintln(os.Stdout)

	_, _ = fmt.Fprintln(os.Stdout, "Stability:")
	_, _ = fmt.Fprintf(os.Stdout, "  oracle: %s\n", m.Stability.Oracle)
	_, _ = fmt.Fprintf(os.Stdout, "  threshold: %g (%s)\n", m.Stability.Threshold, m.Stability.Direction)
	if m.Stability.Endpoint != "" {
		_, _ = fmt.Fprintf(os.Stdout, "  endpoint: %s\n", m.Stability.Endpoint)
	}
	_, _ = fmt.Fprintln(os.Stdout)

	_, _ = fmt.Fprintln(os.Stdout, "Generation:")
	_, _ = fmt.Fprintf(os.Stdout, "  generator: %s\n", m.Generation.Generator)
	if m.Generation.Source != "" {
		_, _ = fmt.Fprintf(os.Stdout, "  source: %s\n", m.Generation.Source)
		_, _ = fmt.Fprintf(os.Stdout, "  pattern: %s\n", m.Generation.Pattern)
	}
	if m.Generation.Endpoint != "" {
		_, _ = fmt.Fprintf(os.Stdout, "  endpoint: %s\n", m.Generation.Endpoint)
	}
	_, _ = fmt.Fprintf(os.Stdout, "  structures_per_composition: %d\n", pc.StructuresPerComposition)
	_, _ = fmt.Fprintf(os.Stdout, "  attempts: %d\n", pc.GenerationAttempts)
	_, _ = fmt.Fprintln(os.Stdout)

	_, _ = fmt.Fprintln(os.Stdout, "Prediction:")
	_, _ = fmt.Fprintf(os.Stdout, "  endpoint: %s\n", m.Prediction.Endpoint)
	_, _ = fmt.Fprintf(os.Stdout, "  model: %s\n", m.Prediction.Model)
	_, _ = fmt.Fprintf(os.Stdout, "  batch_size: %d\n", m.Prediction.BatchSize)
	_, _ = fmt.Fprintf(os.Stdout, "  adsorbate: %s\n", pc.Adsorbate)
	_, _ = fmt.Fprintf(os.Stdout, "  cache_dir: %s\n", valueOrDefault(m.Prediction.CacheDir, "(none)"))
	_, _ = fmt.Fprintln(os.Stdout)

	_, _ = fmt.Fprintln(os.Stdout, "Scheduler:")
	_, _ = fmt.Fprintf(os.Stdout, "  workers: %d\n", pc.Workers)
	_, _ = fmt.Fprintf(os.Stdout, "  retry_budget: %d\n", pc.Retry.MaxAttempts)
	_, _ = fmt.Fprintf(os.Stdout, "  adapter_timeout: %s\n", pc.AdapterTimeout)
	_, _ = fmt.Fprintf(os.Stdout, "  queue_high_water: %d\n", pc.QueueHighWater)
	if m.Export != nil {
		_, _ = fmt.Fprintln(os.Stdout)
		_, _ = fmt.Fprintf(os.Stdout, "Export: %s\n", m.Export.Destination)
	}
	return nil
}

// runPreflightChecks checks the structure library and export destination
// the manifest names.
func runPreflightChecks(ctx context.Context, m *manifest.Manifest, mode preflight.Mode) (*preflight.Record, error) {
	if mode == preflight.ModePlanOnly {
		return &preflight.Record{Mode: mode}, nil
	}
	var targets []preflight.Target
	if g := m.Generation; g.Generator == "library" {
		store, dest, err := openArtifactStore(ctx, g.Source, g.Region, g.S3Endpoint, g.Profile)
		if err != nil {
			return nil, fmt.Errorf("structure library: %w", err)
		}
		defer func() { _ = store.Close() }()
		targets = append(targets, preflight.Target{Name: "structure_library", Store: store, Prefix: dest.Prefix, Source: true})
	}
	if e := m.Export; e != nil && e.Destination != "" {
		store, dest, err := openArtifactStore(ctx, e.Destination, e.Region, e.Endpoint, e.Profile)
		if err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
		defer func() { _ = store.Close() }()
		targets = append(targets, preflight.Target{Name: "export", Store: store, Prefix: dest.Prefix})
	}

	rec, err := preflight.Check(ctx, mode, targets...)
	if rec != nil {
		for _, r := range rec.Results {
			observability.CLILogger.Debug("Preflight check",
				zap.String("target", r.Target),
				zap.String("capability", r.Capability),
				zap.Bool("allowed", r.Allowed),
				zap.String("error_code", r.ErrorCode))
		}
	}
	return rec, err
}

func preflightError(err error) error {
	if err == nil {
		return nil
	}
	if artifact.IsRetryable(err) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Preflight failed", err)
	}
	return exitError(foundry.ExitInvalidArgument, "Preflight failed", err)
}

func printPreflight(rec *preflight.Record) {
	if rec == nil {
		return
	}
	_, _ = fmt.Fprintln(os.Stdout)
	_, _ = fmt.Fprintf(os.Stdout, "Preflight (%s):\n", rec.Mode)
	if len(rec.Results) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "  no checks")
		return
	}
	for _, r := range rec.Results {
		status := "ok"
		if !r.Allowed {
			status = "DENIED " + r.ErrorCode
		}
		_, _ = fmt.Fprintf(os.Stdout, "  %s %s: %s (%s)\n", r.Target, r.Capability, status, r.Method)
	}
}

func printRunSummary(res *pipeline.Result, runDir string) {
	s := res.Summary
	title := "Run complete"
	if res.Stopped {
		title = "Run stopped"
	}
	_, _ = fmt.Fprintf(os.Stderr, "\n%s\n", title)
	_, _ = fmt.Fprintf(os.Stderr, "  run_id: %s\n", s.RunID)
	_, _ = fmt.Fprintf(os.Stderr, "  run_dir: %s\n", runDir)
	_, _ = fmt.Fprintf(os.Stderr, "  compositions: stable=%d unstable=%d unknown=%d\n", s.Stable, s.Unstable, s.StabilityUnknown)
	_, _ = fmt.Fprintf(os.Stderr, "  structures: generated=%d rejected=%d no_sites=%d\n", s.StructuresOK, s.StructuresBad, s.NoSiteStructures)
	_, _ = fmt.Fprintf(os.Stderr, "  sites: %d\n", s.Sites)
	_, _ = fmt.Fprintf(os.Stderr, "  predictions: completed=%d failed=%d cache_hits=%d\n", s.PredictionsDone, s.PredictionsFailed, s.CacheHits)
	_, _ = fmt.Fprintf(os.Stderr, "  retries: %d\n", res.Retries)
	_, _ = fmt.Fprintf(os.Stderr, "  duration: %s\n", res.Duration.Round(time.Millisecond))
	if res.Resumed {
		_, _ = fmt.Fprintf(os.Stderr, "  resumed: true\n")
	}
	if res.Ranking != nil && len(res.Ranking.Candidates) > 0 {
		best := res.Ranking.Candidates[0]
		_, _ = fmt.Fprintf(os.Stderr, "  best: %s (mean %.4f eV, score %.4f)\n", best.Composition, best.Mean, best.Score)
	}
}
