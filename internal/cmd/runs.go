package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/heascreen/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage run records",
	Long: `Manage the run records (run.json) kept in each run directory.

Runs are discovered under runs.root (config) or --root.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE:  runRunsList,
}

var runsStopCmd = &cobra.Command{
	Use:   "stop <run-dir>",
	Short: "Stop a running screen",
	Long: `Ask a running screen to stop. The run finishes the units it has started,
releases the rest and can be resumed later with the same manifest.`,
	Args: cobra.ExactArgs(1),
	RunE: runRunsStop,
}

// stopWait bounds how long "runs stop" waits for a graceful exit.
const stopWait = 60 * time.Second

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStopCmd)

	runsCmd.PersistentFlags().String("root", "", "Directory containing run directories (default from config runs.root)")
	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
}

func runsStore(cmd *cobra.Command) *runregistry.Store {
	root, _ := cmd.Flags().GetString("root")
	return runregistry.NewStore(valueOrDefault(strings.TrimSpace(root), runsRoot()))
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	store := runsStore(cmd)

	runs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
	}
	if jsonOutput {
		if runs == nil {
			runs = []runregistry.RunRecord{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "No runs found in %s\n", store.RootDir())
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN ID\tNAME\tSTATE\tSTARTED\tENDED\tPROGRESS\tRUN DIR")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortRunID(r.RunID),
			valueOrDefault(r.Name, "-"),
			r.State,
			formatOptionalTime(r.StartedAt),
			formatOptionalTime(r.EndedAt),
			progressSummary(r),
			r.RunDir)
	}
	return nil
}

func runRunsStop(cmd *cobra.Command, args []string) error {
	sigStr, _ := cmd.Flags().GetString("signal")
	sigStr = strings.ToLower(strings.TrimSpace(sigStr))
	sig := syscall.SIGTERM
	switch sigStr {
	case "", "term":
		sigStr = "term"
	case "kill":
		sig = syscall.SIGKILL
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --signal", fmt.Errorf("must be term or kill, got %q", sigStr))
	}

	runDir, err := filepath.Abs(strings.TrimSpace(args[0]))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid run directory", err)
	}
	store := runsStore(cmd)
	rec, err := store.Get(runDir)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "No run record", err)
	}
	if rec.State != runregistry.RunStateRunning || rec.PID <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Run is not running", fmt.Errorf("state=%s", rec.State))
	}

	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}
	if _, err := store.Update(runDir, func(r *runregistry.RunRecord) {
		now := time.Now().UTC()
		r.State = runregistry.RunStateStopping
		r.LastHeartbeat = &now
	}); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to update run record", err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal %s: %w", sigStr, err)
	}

	forced := false
	if sig == syscall.SIGTERM {
		deadline := time.Now().Add(stopWait)
		for runregistry.IsProcessAlive(rec.PID) && time.Now().Before(deadline) {
			time.Sleep(250 * time.Millisecond)
		}
		if runregistry.IsProcessAlive(rec.PID) {
			_ = proc.Signal(syscall.SIGKILL)
			forced = true
		}
	}

	// The run writes its own terminal state on a graceful exit.
	if latest, err := store.Get(runDir); err == nil && !latest.State.Terminal() {
		_ = store.Finish(runDir, runregistry.RunStateStopped, "", nil)
	}
	if forced {
		_, _ = fmt.Fprintf(os.Stdout, "sent=term;forced=kill\n")
	} else {
		_, _ = fmt.Fprintf(os.Stdout, "sent=%s\n", sigStr)
	}
	return nil
}

func shortRunID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// progressSummary renders the last heartbeat snapshot as done/total
// prediction units.
func progressSummary(r runregistry.RunRecord) string {
	if r.Progress == nil {
		return "-"
	}
	p, ok := r.Progress.Stages["prediction"]
	if !ok {
		return r.Progress.Phase
	}
	total := int64(p.Pending+p.InFlight) + p.Done + p.Failed
	return fmt.Sprintf("%s %d/%d", r.Progress.Phase, p.Done+p.Failed, total)
}
