// Package observability holds the process-wide logger and the Prometheus
// metrics of a screening run.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by CLI commands. It starts as a no-op so
// packages and tests can log before InitCLILogger runs.
var CLILogger = zap.NewNop()

// Logging profiles.
const (
	ProfileSimple     = "SIMPLE"
	ProfileStructured = "STRUCTURED"
)

// NewLogger builds a logger writing to stderr. The SIMPLE profile uses a
// human-readable console encoder; STRUCTURED writes JSON lines.
func NewLogger(level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var enc zapcore.Encoder
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", ProfileSimple:
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !isTerminal(os.Stderr) {
			ec.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(ec)
	case ProfileStructured:
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		ec.TimeKey = "ts"
		enc = zapcore.NewJSONEncoder(ec)
	default:
		return nil, fmt.Errorf("unknown logging profile %q", profile)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// InitCLILogger replaces CLILogger. The previous logger is synced.
func InitCLILogger(level, profile string) error {
	l, err := NewLogger(level, profile)
	if err != nil {
		return err
	}
	_ = CLILogger.Sync()
	CLILogger = l.With(zap.String("service", "heascreen"))
	return nil
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
