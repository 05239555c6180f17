package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/heascreen/internal/server/handlers"
	"github.com/3leaps/heascreen/pkg/ledger"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show progress of a run",
	Long: `Show the run record, the ledger tally and per-stage queue counters of a
run directory. Safe to use while the run is in progress.

Example:
  heascreen status --run-dir runs/screen
  heascreen status --run-dir runs/screen --json`,
	RunE: runStatus,
}

var statusRunDir string

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusRunDir, "run-dir", "", "Run directory (required)")
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	_ = statusCmd.MarkFlagRequired("run-dir")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	src, err := newLedgerSource(statusRunDir, "")
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid run directory", err)
	}
	st, err := src.Status(ctx)
	if err != nil {
		if errors.Is(err, handlers.ErrNoRun) {
			return exitError(foundry.ExitFileNotFound, "No run found", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read ledger", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printStatus(st)
	return nil
}

func printStatus(st *handlers.RunStatus) {
	s := st.Summary
	_, _ = fmt.Fprintf(os.Stdout, "run_id: %s\n", s.RunID)
	if r := st.Run; r != nil {
		_, _ = fmt.Fprintf(os.Stdout, "name: %s\n", valueOrDefault(r.Name, "-"))
		_, _ = fmt.Fprintf(os.Stdout, "state: %s\n", r.State)
		_, _ = fmt.Fprintf(os.Stdout, "manifest: %s\n", valueOrDefault(r.ManifestPath, "-"))
		_, _ = fmt.Fprintf(os.Stdout, "started: %s\n", formatOptionalTime(r.StartedAt))
		_, _ = fmt.Fprintf(os.Stdout, "last_heartbeat: %s\n", formatOptionalTime(r.LastHeartbeat))
		if r.Error != "" {
			_, _ = fmt.Fprintf(os.Stdout, "error: %s\n", r.Error)
		}
	}
	_, _ = fmt.Fprintf(os.Stdout, "finished: %v\n", s.Finished)
	if s.HaltReason != "" {
		_, _ = fmt.Fprintf(os.Stdout, "halt_reason: %s\n", s.HaltReason)
	}
	_, _ = fmt.Fprintln(os.Stdout)

	_, _ = fmt.Fprintf(os.Stdout, "compositions: stable=%d unstable=%d unknown=%d\n", s.Stable, s.Unstable, s.StabilityUnknown)
	_, _ = fmt.Fprintf(os.Stdout, "structures: generated=%d rejected=%d no_sites=%d\n", s.StructuresOK, s.StructuresBad, s.NoSiteStructures)
	_, _ = fmt.Fprintf(os.Stdout, "sites: %d\n", s.Sites)
	_, _ = fmt.Fprintf(os.Stdout, "predictions: completed=%d failed=%d cache_hits=%d\n", s.PredictionsDone, s.PredictionsFailed, s.CacheHits)
	_, _ = fmt.Fprintln(os.Stdout)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "STAGE\tPENDING\tIN FLIGHT\tDONE\tFAILED")
	for _, stage := range ledger.Stages {
		p := st.Stages[string(stage)]
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", stage, p.Pending, p.InFlight, p.Done, p.Failed)
	}
}
