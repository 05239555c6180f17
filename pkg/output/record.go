// Package output provides JSONL output for screening runs.
//
// Output is structured as typed record envelopes carrying stage results,
// errors and progress updates. Each line is a self-contained JSON object
// that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: heascreen.<type>.v<version>
const (
	// TypeComposition identifies stability verdict records.
	TypeComposition = "heascreen.composition.v1"

	// TypeStructure identifies generated structure records.
	TypeStructure = "heascreen.structure.v1"

	// TypeSite identifies enumerated adsorption site records.
	TypeSite = "heascreen.site.v1"

	// TypePrediction identifies energy prediction records.
	TypePrediction = "heascreen.prediction.v1"

	// TypeError identifies error records.
	TypeError = "heascreen.error.v1"

	// TypeProgress identifies progress update records.
	TypeProgress = "heascreen.progress.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "heascreen.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field.
type Record struct {
	// Type identifies the record type (e.g., "heascreen.prediction.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this screening run.
	RunID string `json:"run_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// CompositionRecord is the stability verdict for one composition.
type CompositionRecord struct {
	Composition string   `json:"composition"`
	Metric      *float64 `json:"metric,omitempty"`
	Outcome     string   `json:"outcome"`
	Reason      string   `json:"reason,omitempty"`
}

// StructureRecord describes one generated sample.
type StructureRecord struct {
	StructureID string `json:"structure_id"`
	Composition string `json:"composition"`
	Attempt     int    `json:"attempt"`
	Sample      int    `json:"sample"`
	Atoms       int    `json:"atoms"`
	Accepted    bool   `json:"accepted"`

	// Reason is set for rejected structures.
	Reason string `json:"reason,omitempty"`
}

// SiteRecord describes one adsorption model built from an enumerated site.
type SiteRecord struct {
	ModelID     string     `json:"model_id"`
	StructureID string     `json:"structure_id"`
	Composition string     `json:"composition"`
	Label       string     `json:"label"`
	Kind        string     `json:"kind"`
	Position    [3]float64 `json:"position"`
	Signature   string     `json:"signature"`
}

// PredictionRecord is a committed energy prediction.
type PredictionRecord struct {
	ModelID     string   `json:"model_id"`
	StructureID string   `json:"structure_id"`
	Composition string   `json:"composition"`
	Site        string   `json:"site"`
	Energy      float64  `json:"energy"`
	Uncertainty *float64 `json:"uncertainty,omitempty"`
	Cached      bool     `json:"cached,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the run, allowing
// partial results when some units fail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// UnitID is the work unit the error belongs to, if any.
	UnitID string `json:"unit_id,omitempty"`

	// Stage is the pipeline stage the error occurred in.
	Stage string `json:"stage,omitempty"`

	// Composition is the composition key, if applicable.
	Composition string `json:"composition,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeTransient indicates retries were exhausted on a transient failure.
	ErrCodeTransient = "TRANSIENT_EXHAUSTED"

	// ErrCodeValidation indicates a unit failed a sanity check.
	ErrCodeValidation = "VALIDATION"

	// ErrCodeRejected indicates a generated structure was rejected.
	ErrCodeRejected = "REJECTED"

	// ErrCodeLedgerCorruption indicates the run halted on an inconsistent ledger.
	ErrCodeLedgerCorruption = "LEDGER_CORRUPTION"

	// ErrCodeTimeout indicates an adapter call timed out.
	ErrCodeTimeout = "TIMEOUT"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// StageProgress is a per-stage tally.
type StageProgress struct {
	Pending  int   `json:"pending"`
	InFlight int   `json:"in_flight"`
	Done     int64 `json:"done"`
	Failed   int64 `json:"failed"`
}

// ProgressRecord is the data payload for progress updates.
//
// Progress records are emitted periodically during a run to provide
// visibility into long-running screens.
type ProgressRecord struct {
	// Phase indicates the current run phase.
	Phase string `json:"phase"`

	// Stages holds counters keyed by stage name.
	Stages map[string]StageProgress `json:"stages,omitempty"`

	// Elapsed is the time since the run (or resume) started.
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Progress phase constants.
const (
	// PhaseStarting indicates the run is initializing.
	PhaseStarting = "starting"

	// PhaseResuming indicates the run continues from an existing ledger.
	PhaseResuming = "resuming"

	// PhaseRunning indicates stages are processing units.
	PhaseRunning = "running"

	// PhaseStopping indicates a stop was requested and in-flight units are draining.
	PhaseStopping = "stopping"

	// PhaseComplete indicates the run has finished.
	PhaseComplete = "complete"
)

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	Stable            int `json:"stable"`
	Unstable          int `json:"unstable"`
	StabilityUnknown  int `json:"stability_unknown"`
	StructuresOK      int `json:"structures_generated"`
	StructuresBad     int `json:"structures_rejected"`
	NoSiteStructures  int `json:"no_site_structures"`
	Sites             int `json:"sites"`
	PredictionsDone   int `json:"predictions_completed"`
	PredictionsFailed int `json:"predictions_failed"`
	CacheHits         int `json:"cache_hits"`

	// Retries is the number of transient retries in this process.
	Retries int64 `json:"retries"`

	// Duration is the wall time of this process's run.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// HaltReason is set when the run stopped on a fatal error.
	HaltReason string `json:"halt_reason,omitempty"`

	// Top lists the ranked compositions, best first.
	Top []string `json:"top,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
