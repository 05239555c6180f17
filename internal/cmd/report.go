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
	"go.uber.org/zap"

	"github.com/3leaps/heascreen/internal/observability"
	"github.com/3leaps/heascreen/internal/server/handlers"
	"github.com/3leaps/heascreen/pkg/manifest"
	"github.com/3leaps/heascreen/pkg/rank"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Rank compositions and export results",
	Long: `Aggregate the predicted adsorption energies of a run and print the
top-ranked compositions. Compositions are ranked by the distance of their
mean energy from the target (0 eV unless configured).

With --export the summary, ranking and full report are written to an
s3://bucket/prefix or file:/path destination.

Example:
  heascreen report --run-dir runs/screen
  heascreen report --run-dir runs/screen --top-k 20 --json
  heascreen report --run-dir runs/screen --export s3://results/screen-01/`,
	RunE: runReport,
}

var (
	reportRunDir   string
	reportJob      string
	reportTopK     int
	reportExport   string
	reportRegion   string
	reportEndpoint string
	reportProfile  string
)

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringVar(&reportRunDir, "run-dir", "", "Run directory (required)")
	reportCmd.Flags().StringVarP(&reportJob, "job", "j", "", "Run manifest (default from run.json)")
	reportCmd.Flags().IntVar(&reportTopK, "top-k", 0, "Number of compositions to rank (default from manifest)")
	reportCmd.Flags().Bool("json", false, "Output ranking as JSON")
	reportCmd.Flags().StringVar(&reportExport, "export", "", "Export destination (s3://bucket/prefix or file:/path)")
	reportCmd.Flags().StringVar(&reportRegion, "region", "", "Export region")
	reportCmd.Flags().StringVar(&reportEndpoint, "endpoint", "", "Export endpoint for S3-compatible stores")
	reportCmd.Flags().StringVar(&reportProfile, "profile", "", "AWS profile for export")
	_ = reportCmd.MarkFlagRequired("run-dir")
}

func runReport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if reportTopK < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --top-k", fmt.Errorf("must be positive, got %d", reportTopK))
	}

	src, err := newLedgerSource(reportRunDir, reportJob)
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
	report, ranking, err := src.report(ctx, reportTopK)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to build report", err)
	}

	if reportExport != "" {
		arts := runArtifacts{Summary: st.Summary, Report: report, Ranking: ranking}
		keys, err := arts.export(ctx, manifest.ExportConfig{
			Destination: reportExport,
			Region:      reportRegion,
			Endpoint:    reportEndpoint,
			Profile:     reportProfile,
		})
		if err != nil {
			if exportFailureIsRetryable(err) {
				return exitError(foundry.ExitExternalServiceUnavailable, "Export failed", err)
			}
			return exitError(foundry.ExitFileWriteError, "Export failed", err)
		}
		observability.CLILogger.Info("Exported results",
			zap.String("destination", reportExport),
			zap.Strings("keys", keys))
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ranking)
	}
	printRanking(ranking, len(report.Compositions))
	return nil
}

func printRanking(r *rank.Ranking, total int) {
	_, _ = fmt.Fprintf(os.Stdout, "target_energy: %g eV\n", r.TargetEnergy)
	_, _ = fmt.Fprintf(os.Stdout, "compositions: %d with predictions, %d finalized\n", total, r.Considered)
	_, _ = fmt.Fprintln(os.Stdout)
	if len(r.Candidates) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No finalized compositions to rank")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "RANK\tCOMPOSITION\tSCORE\tMEAN (eV)\tSTD\tSITES\tBIMODAL")
	for _, c := range r.Candidates {
		bimodal := "-"
		if b := c.Stats.Bimodality; b != nil && b.Bimodal {
			bimodal = "yes"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%.4f\t%.4f\t%.4f\t%d\t%s\n",
			c.Rank, c.Composition, c.Score, c.Mean, c.Std, c.Count, bimodal)
	}
}
