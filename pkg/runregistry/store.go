package runregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/3leaps/heascreen/pkg/output"
)

// RecordFile is the name of the run record inside a run directory.
const RecordFile = "run.json"

// ErrNotFound is returned when a directory holds no run record.
var ErrNotFound = errors.New("run record not found")

// Store reads and writes run records.
//
// Directory layout:
//
//	<root>/<run>/run.json
//	<root>/<run>/ledger.db
//	<root>/<run>/stdout.log
//	<root>/<run>/stderr.log
//
// Run directories may live outside root; List only scans root.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

// RecordPath returns the run.json path for a run directory.
func RecordPath(runDir string) string {
	return filepath.Join(runDir, RecordFile)
}

// Write atomically replaces run.json in record.RunDir.
func (s *Store) Write(record *RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	if strings.TrimSpace(record.RunID) == "" {
		return fmt.Errorf("run_id is required")
	}
	dir := strings.TrimSpace(record.RunDir)
	if dir == "" {
		return fmt.Errorf("run_dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, RecordFile+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}
	if err := os.Rename(tmpName, RecordPath(dir)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get loads the record in runDir. A record that claims to be running but
// whose process is gone is marked unknown.
func (s *Store) Get(runDir string) (*RunRecord, error) {
	runDir = strings.TrimSpace(runDir)
	if runDir == "" {
		return nil, fmt.Errorf("run dir is required")
	}
	b, err := os.ReadFile(RecordPath(runDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runDir)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("%s is empty", RecordFile)
	}

	var record RunRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse %s: %w", RecordFile, err)
	}

	if record.State == RunStateRunning && record.PID > 0 && !IsProcessAlive(record.PID) {
		record.State = RunStateUnknown
		_ = s.Write(&record)
	}
	return &record, nil
}

// List returns the runs under root, newest first.
func (s *Store) List() ([]RunRecord, error) {
	if s.root == "" {
		return nil, fmt.Errorf("run registry root dir is empty")
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs root: %w", err)
	}

	out := make([]RunRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(filepath.Join(s.root, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return runSortTime(out[i]).After(runSortTime(out[j]))
	})
	return out, nil
}

// Update loads the record in runDir, applies fn and writes it back.
func (s *Store) Update(runDir string, fn func(r *RunRecord)) (*RunRecord, error) {
	r, err := s.Get(runDir)
	if err != nil {
		return nil, err
	}
	fn(r)
	if err := s.Write(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Heartbeat stores a progress snapshot and bumps LastHeartbeat.
func (s *Store) Heartbeat(runDir string, p *output.ProgressRecord) error {
	_, err := s.Update(runDir, func(r *RunRecord) {
		now := time.Now().UTC()
		r.LastHeartbeat = &now
		if p != nil {
			r.Progress = p
		}
	})
	return err
}

// Finish records a terminal state.
func (s *Store) Finish(runDir string, state RunState, haltReason string, runErr error) error {
	_, err := s.Update(runDir, func(r *RunRecord) {
		now := time.Now().UTC()
		r.State = state
		r.EndedAt = &now
		r.LastHeartbeat = &now
		r.HaltReason = haltReason
		if runErr != nil {
			r.Error = runErr.Error()
		}
	})
	return err
}

func runSortTime(r RunRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

// IsProcessAlive reports whether pid names a live process.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without delivering anything.
	return p.Signal(syscall.Signal(0)) == nil
}
