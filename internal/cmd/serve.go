package cmd

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/heascreen/internal/config"
	"github.com/3leaps/heascreen/internal/observability"
	"github.com/3leaps/heascreen/internal/server"
	"github.com/3leaps/heascreen/internal/server/handlers"
	"github.com/3leaps/heascreen/pkg/ledger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run status over HTTP",
	Long: `Start a read-only HTTP server for one run directory.

Endpoints:
  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /v1/run             run record, ledger summary and stage counters
  GET /v1/run/ranking     current ranking (?top_k=N)
  GET /metrics            Prometheus metrics (when metrics are enabled)

The ledger is opened read-only per request, so the server can run next to
an active screen.

Example:
  heascreen serve --run-dir runs/screen
  heascreen serve --run-dir runs/screen --host 0.0.0.0 --port 9100`,
	RunE: runServe,
}

var (
	serveRunDir string
	serveJob    string
	serveHost   string
	servePort   int
)

// backlogRefresh is how often serve mirrors ledger backlogs into metrics.
const backlogRefresh = 15 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveRunDir, "run-dir", "", "Run directory to serve (required)")
	serveCmd.Flags().StringVarP(&serveJob, "job", "j", "", "Run manifest (default from run.json)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config server.port)")
	_ = serveCmd.MarkFlagRequired("run-dir")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := currentConfig()

	src, err := newLedgerSource(serveRunDir, serveJob)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid run directory", err)
	}

	host := valueOrDefault(serveHost, cfg.Server.Host)
	port := cfg.Server.Port
	if servePort > 0 {
		port = servePort
	}

	opts := []server.Option{
		server.WithRunSource(src),
		server.WithLogger(observability.CLILogger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout, cfg.Server.ShutdownTimeout),
	}
	if cfg.Metrics.Enabled {
		metrics := observability.NewMetrics(valueOrDefault(cfg.Metrics.Namespace, binaryName))
		opts = append(opts, server.WithMetrics(metrics.Handler()))
		go mirrorBacklog(ctx, src, metrics)
	}

	if cfg.Health.Enabled {
		hm := handlers.InitHealthManager(versionInfo.Version)
		hm.RegisterChecker("signal", signalHealthChecker{})
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: binaryName,
			envPrefix:  config.EnvPrefix,
			configName: configName,
		})
		hm.RegisterChecker("ledger", handlers.CheckerFunc(src.checkHealth))
	}

	srv := server.New(host, port, opts...)
	observability.CLILogger.Info("Serving run status",
		zap.String("run_dir", src.runDir),
		zap.String("addr", srv.Addr()))

	if err := srv.ListenAndServe(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Status server failed", err)
	}
	return nil
}

// mirrorBacklog copies ledger queue depths into the backlog gauge until
// ctx is done. serve has no scheduler of its own to report them.
func mirrorBacklog(ctx context.Context, src *ledgerSource, metrics *observability.Metrics) {
	t := time.NewTicker(backlogRefresh)
	defer t.Stop()
	for {
		if st, err := src.Status(ctx); err == nil {
			for _, stage := range ledger.Stages {
				p := st.Stages[string(stage)]
				metrics.Backlog(stage, p.Pending, p.InFlight)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// signalHealthChecker reports healthy while the process handles requests.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

// identityHealthChecker verifies the binary identity is configured.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case strings.TrimSpace(c.binaryName) == "":
		return fmt.Errorf("identity: missing binary name")
	case strings.TrimSpace(c.envPrefix) == "":
		return fmt.Errorf("identity: missing env prefix")
	case strings.TrimSpace(c.configName) == "":
		return fmt.Errorf("identity: missing config name")
	}
	return nil
}

// splitHostPort parses host:port. An empty host means all interfaces.
func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid listen port %q", portStr)
	}
	return host, port, nil
}
