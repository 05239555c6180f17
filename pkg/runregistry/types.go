// Package runregistry tracks screening runs on disk.
//
// Every run directory carries a run.json describing the run: its state,
// the manifest it was started from, the owning process and the last
// progress snapshot. The CLI reads these records to list runs, detect
// stale processes and report progress without opening the ledger.
package runregistry

import (
	"time"

	"github.com/3leaps/heascreen/pkg/output"
)

// RunState is the lifecycle state of a run.
//
// These values are persisted in run.json.
type RunState string

const (
	RunStateQueued   RunState = "queued"
	RunStateRunning  RunState = "running"
	RunStateStopping RunState = "stopping"
	RunStateStopped  RunState = "stopped"
	RunStateSuccess  RunState = "success"
	RunStateHalted   RunState = "halted"
	RunStateFailed   RunState = "failed"
	RunStateUnknown  RunState = "unknown"
)

// Terminal reports whether no process is expected to update the run.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateStopped, RunStateSuccess, RunStateHalted, RunStateFailed:
		return true
	}
	return false
}

// RunRecord is the persistent record written to run.json. Fields are only
// ever added.
type RunRecord struct {
	RunID        string   `json:"run_id"`
	Name         string   `json:"name,omitempty"`
	State        RunState `json:"state"`
	ManifestPath string   `json:"manifest_path"`
	RunDir       string   `json:"run_dir"`
	ConfigHash   string   `json:"config_hash,omitempty"`
	PID          int      `json:"pid,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	// Progress is the most recent checkpoint.
	Progress *output.ProgressRecord `json:"progress,omitempty"`

	HaltReason string `json:"halt_reason,omitempty"`
	Error      string `json:"error,omitempty"`

	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
}
