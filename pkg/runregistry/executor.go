package runregistry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ManagedRunFlag is the hidden flag that tells a child process which run
// record it owns.
const ManagedRunFlag = "--_managed-run-id"

// Executor spawns background runs as child processes of the current
// binary, capturing stdout and stderr to log files in the run directory.
type Executor struct {
	store *Store

	// command builds the child invocation. Tests replace it.
	command func(exe string, args ...string) *exec.Cmd
}

func NewExecutor(store *Store) *Executor {
	return &Executor{store: store, command: exec.Command}
}

func (e *Executor) Store() *Store {
	return e.store
}

func StdoutPath(runDir string) string {
	return filepath.Join(runDir, "stdout.log")
}

func StderrPath(runDir string) string {
	return filepath.Join(runDir, "stderr.log")
}

// StartBackground spawns
//
//	heascreen run --job <manifest> --run-dir <dir> --_managed-run-id <id>
//
// and returns once the child has started. A run directory whose record
// shows a live running process is refused.
func (e *Executor) StartBackground(manifestPath, runDir, name string) (*RunRecord, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}

	absManifest, err := filepath.Abs(strings.TrimSpace(manifestPath))
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}
	if _, err := os.Stat(absManifest); err != nil {
		return nil, fmt.Errorf("manifest not found: %s", absManifest)
	}
	absRunDir, err := filepath.Abs(strings.TrimSpace(runDir))
	if err != nil {
		return nil, fmt.Errorf("resolve run dir: %w", err)
	}

	if existing, err := e.store.Get(absRunDir); err == nil && existing.State == RunStateRunning {
		return nil, fmt.Errorf("run already in progress in %s (pid %d)", absRunDir, existing.PID)
	}
	if err := os.MkdirAll(absRunDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	stdoutFile, err := os.Create(StdoutPath(absRunDir))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(StderrPath(absRunDir))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	runID := uuid.New().String()
	cmd := e.command(exe, "run", "--job", absManifest, "--run-dir", absRunDir, ManagedRunFlag, runID)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start managed run: %w", err)
	}

	now := time.Now().UTC()
	beat := now
	rec := &RunRecord{
		RunID:         runID,
		Name:          strings.TrimSpace(name),
		State:         RunStateRunning,
		ManifestPath:  absManifest,
		RunDir:        absRunDir,
		PID:           cmd.Process.Pid,
		CreatedAt:     now,
		StartedAt:     &now,
		LastHeartbeat: &beat,
		StdoutPath:    StdoutPath(absRunDir),
		StderrPath:    StderrPath(absRunDir),
	}
	if err := e.store.Write(rec); err != nil {
		return nil, err
	}
	// Reap the child so it does not linger as a zombie while we are alive.
	go func() { _ = cmd.Wait() }()
	return rec, nil
}
