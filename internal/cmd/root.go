// Package cmd implements the heascreen command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/heascreen/internal/config"
	"github.com/3leaps/heascreen/internal/observability"
	"github.com/3leaps/heascreen/internal/server/handlers"
	"github.com/3leaps/heascreen/internal/server/middleware"
)

const (
	binaryName = "heascreen"
	configName = "heascreen"
)

var rootCmd = &cobra.Command{
	Use:   binaryName,
	Short: "High-entropy alloy catalyst screening",
	Long: `heascreen screens multi-element alloy compositions for hydrogen
adsorption catalysts.

A run enumerates compositions, filters them by a stability oracle,
generates slab structures, enumerates adsorption sites and predicts the
hydrogen adsorption energy of every site with a model server. Progress is
kept in a ledger inside the run directory so an interrupted run resumes
where it stopped.

Example:
  heascreen run --job screen.yaml
  heascreen status --run-dir runs/screen
  heascreen report --run-dir runs/screen --top-k 10`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

// Global flags.
var (
	cfgFile    string
	logLevel   string
	logProfile string
	debugMode  bool
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// appConfig is set by initApp before any command runs.
var appConfig *config.Config

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default is $XDG_CONFIG_HOME/heascreen/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logProfile, "log-profile", "", "Log profile (simple, structured)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
}

// SetVersionInfo records build metadata. Called from main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	_ = observability.CLILogger.Sync()
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

func initApp(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)

	logging := map[string]any{}
	if logLevel != "" {
		logging["level"] = logLevel
	}
	if logProfile != "" {
		logging["profile"] = logProfile
	}
	overrides := map[string]any{"logging": logging}
	if debugMode {
		overrides["debug"] = map[string]any{"enabled": true}
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	middleware.Logger = observability.CLILogger
	appConfig = cfg

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("command", cmd.CommandPath()),
		zap.String("log_level", cfg.Logging.Level),
		zap.String("runs_root", cfg.Runs.Root))
	return nil
}

// currentConfig returns the loaded config, or defaults when a command runs
// without initApp (tests).
func currentConfig() *config.Config {
	if appConfig != nil {
		return appConfig
	}
	if cfg := config.GetConfig(); cfg != nil {
		return cfg
	}
	cfg, err := config.Load(context.Background())
	if err != nil {
		return &config.Config{}
	}
	return cfg
}

func valueOrDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}
