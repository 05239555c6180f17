package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/heascreen/internal/observability"
	"github.com/3leaps/heascreen/pkg/aggregate"
	"github.com/3leaps/heascreen/pkg/artifact"
	"github.com/3leaps/heascreen/pkg/ledger"
	"github.com/3leaps/heascreen/pkg/manifest"
	"github.com/3leaps/heascreen/pkg/rank"
)

// runArtifacts are the result documents of a run.
type runArtifacts struct {
	Summary *ledger.Summary
	Report  *aggregate.Report
	Ranking *rank.Ranking
}

// files renders the artifacts keyed by file name.
func (a runArtifacts) files() (map[string][]byte, error) {
	docs := map[string]any{
		summaryFile: a.Summary,
		rankingFile: a.Ranking,
	}
	if a.Report != nil {
		docs[reportFile] = a.Report
	}
	out := make(map[string][]byte, len(docs))
	for name, v := range docs {
		if v == nil {
			continue
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		out[name] = append(data, '\n')
	}
	return out, nil
}

// writeLocal writes the artifacts into runDir atomically.
func (a runArtifacts) writeLocal(runDir string) error {
	files, err := a.files()
	if err != nil {
		return err
	}
	for name, data := range files {
		path := filepath.Join(runDir, name)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// export uploads the artifacts to an s3:// or file: destination. It
// returns the keys written.
func (a runArtifacts) export(ctx context.Context, cfg manifest.ExportConfig) ([]string, error) {
	files, err := a.files()
	if err != nil {
		return nil, err
	}
	store, dest, err := openArtifactStore(ctx, cfg.Destination, cfg.Region, cfg.Endpoint, cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("open export destination: %w", err)
	}
	defer func() { _ = store.Close() }()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	keys := make([]string, 0, len(names))
	for _, name := range names {
		data := files[name]
		key := dest.Key(name)
		start := time.Now()
		if err := store.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
			return keys, fmt.Errorf("export %s: %w", name, err)
		}
		observability.CLILogger.Debug("Exported artifact",
			zap.String("destination", dest.String()),
			zap.String("key", key),
			zap.Int("bytes", len(data)),
			zap.Duration("elapsed", time.Since(start)))
		keys = append(keys, key)
	}
	return keys, nil
}

// exportFailureIsRetryable reports whether a failed export may succeed on
// a later attempt.
func exportFailureIsRetryable(err error) bool {
	return artifact.IsRetryable(err)
}
