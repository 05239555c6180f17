// Package ledger is the durable checkpoint store of a screening run.
//
// Every unit of work (a composition to score, a generation attempt, a
// structure to enumerate, an adsorption model to predict) is a row in
// work_units. A stage's queue is its set of pending rows. State changes
// and the outputs they produce are committed in one transaction, so after
// a crash the ledger is either before or after a unit, never in between.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/heascreen/pkg/screenerr"
)

// Stage names a pipeline stage.
type Stage string

const (
	StageStability   Stage = "stability"
	StageGeneration  Stage = "generation"
	StageEnumeration Stage = "enumeration"
	StagePrediction  Stage = "prediction"
)

// Stages lists stages in pipeline order.
var Stages = []Stage{StageStability, StageGeneration, StageEnumeration, StagePrediction}

// ErrNoLedger is returned by a read-only Open of a database that was never
// initialized as a ledger.
var ErrNoLedger = errors.New("no screening ledger")

// State is the lifecycle state of a work unit.
type State string

const (
	StatePending  State = "pending"
	StateInFlight State = "in_flight"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// Unit is one row of work_units.
type Unit struct {
	ID             string
	Stage          Stage
	State          State
	CompositionKey string
	Payload        []byte
	Attempts       int
	Outcome        string
	LastError      string
}

// NewUnit describes a unit to enqueue.
type NewUnit struct {
	ID             string
	Stage          Stage
	CompositionKey string
	Payload        []byte
}

// Config configures Open.
type Config struct {
	Store StoreConfig

	// ConfigHash identifies the run configuration. Resuming with a
	// different hash is refused.
	ConfigHash string

	// RunID is recorded on first open. Ignored on resume.
	RunID string

	// MaxAttempts fails a pending unit instead of claiming it once it has
	// been claimed this many times. It bounds units whose processing never
	// commits, such as a unit that takes its process down. Zero disables it.
	MaxAttempts int

	// ReadOnly opens an existing ledger for inspection while another
	// process may own it: the config hash is not checked and in-flight
	// units are left alone.
	ReadOnly bool

	Logger *zap.Logger
}

// Meta is the ledger_meta row.
type Meta struct {
	SchemaVersion int
	ConfigHash    string
	RunID         string
	CreatedAt     time.Time
	Seeded        bool
	FinishedAt    *time.Time
	HaltReason    string
}

// Ledger is safe for concurrent use. All access goes through a single
// database connection.
type Ledger struct {
	db          *sql.DB
	meta        Meta
	logger      *zap.Logger
	maxAttempts int

	// Recovered is the number of in_flight units returned to pending on open.
	Recovered int
}

// Open opens or creates a ledger.
//
// A fresh ledger records the schema version, config hash and run id. An
// existing ledger must match both schema version and config hash, else a
// LedgerCorruptionError is returned. Units left in_flight by a previous
// process are returned to pending.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.ReadOnly && strings.TrimSpace(cfg.ConfigHash) == "" {
		return nil, errors.New("ledger config hash is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := openDB(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	l := &Ledger{db: db, logger: logger, maxAttempts: cfg.MaxAttempts}

	if err := l.init(ctx, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.ReadOnly {
		return l, nil
	}

	n, err := l.RecoverInFlight(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	l.Recovered = n
	if n > 0 {
		logger.Info("recovered in-flight units", zap.Int("count", n))
	}
	return l, nil
}

func (l *Ledger) init(ctx context.Context, cfg Config) error {
	var check string
	if err := l.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&check); err != nil {
		return screenerr.Corruption("integrity check failed", err)
	}
	if check != "ok" {
		return screenerr.Corruption("integrity check: "+check, nil)
	}

	if err := migrate(ctx, l.db); err != nil {
		return err
	}

	meta, err := l.readMeta(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows) && cfg.ReadOnly:
		return ErrNoLedger
	case errors.Is(err, sql.ErrNoRows):
		var units int
		if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_units`).Scan(&units); err != nil {
			return fmt.Errorf("count work units: %w", err)
		}
		if units > 0 {
			return screenerr.Corruption("work units present without ledger metadata", nil)
		}
		runID := cfg.RunID
		if runID == "" {
			runID = "run_" + time.Now().UTC().Format("20060102T150405Z")
		}
		now := time.Now().UTC()
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO ledger_meta (id, schema_version, config_hash, run_id, created_at)
			 VALUES (1, ?, ?, ?, ?)`,
			SchemaVersion, cfg.ConfigHash, runID, formatTime(now))
		if err != nil {
			return fmt.Errorf("init ledger meta: %w", err)
		}
		l.meta = Meta{SchemaVersion: SchemaVersion, ConfigHash: cfg.ConfigHash, RunID: runID, CreatedAt: now}
		return nil
	case err != nil:
		return screenerr.Corruption("unreadable ledger metadata", err)
	}

	if meta.SchemaVersion != SchemaVersion {
		return screenerr.Corruption(fmt.Sprintf("schema version %d, expected %d", meta.SchemaVersion, SchemaVersion), nil)
	}
	if !cfg.ReadOnly && meta.ConfigHash != cfg.ConfigHash {
		return screenerr.Corruption(fmt.Sprintf("config hash %s does not match run configuration %s", meta.ConfigHash, cfg.ConfigHash), nil)
	}
	l.meta = meta
	return nil
}

func (l *Ledger) readMeta(ctx context.Context) (Meta, error) {
	var m Meta
	var created string
	var seeded, finished, halt sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT schema_version, config_hash, run_id, created_at, seeded_at, finished_at, halt_reason
		 FROM ledger_meta WHERE id = 1`).Scan(&m.SchemaVersion, &m.ConfigHash, &m.RunID, &created, &seeded, &finished, &halt)
	if err != nil {
		return Meta{}, err
	}
	m.CreatedAt = parseTime(created)
	m.Seeded = seeded.Valid
	if finished.Valid {
		t := parseTime(finished.String)
		m.FinishedAt = &t
	}
	m.HaltReason = halt.String
	return m, nil
}

// Meta returns the ledger metadata as of open.
func (l *Ledger) Meta() Meta { return l.meta }

// RunID returns the run identifier.
func (l *Ledger) RunID() string { return l.meta.RunID }

// Close closes the database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Enqueue inserts pending units. Units whose id already exists are left
// untouched. It returns the number of units inserted.
func (l *Ledger) Enqueue(ctx context.Context, units ...NewUnit) (int, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := enqueueTx(ctx, tx, units)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit enqueue: %w", err)
	}
	return n, nil
}

func enqueueTx(ctx context.Context, tx *sql.Tx, units []NewUnit) (int, error) {
	if len(units) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO work_units
		 (unit_id, stage, state, composition_key, payload, attempts, created_at, updated_at)
		 VALUES (?, ?, 'pending', ?, ?, 0, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare enqueue: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := formatTime(time.Now().UTC())
	inserted := 0
	for _, u := range units {
		if u.ID == "" || u.Stage == "" {
			return 0, fmt.Errorf("enqueue: unit id and stage are required")
		}
		res, err := stmt.ExecContext(ctx, u.ID, string(u.Stage), u.CompositionKey, u.Payload, now, now)
		if err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", u.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// OutcomeExhausted is recorded on units that used up their attempts.
const OutcomeExhausted = "transient_exhausted"

// Claim moves up to n pending units of stage to in_flight, in insertion
// order, and returns them. With MaxAttempts set, pending units already
// claimed that many times are moved to failed first.
func (l *Ledger) Claim(ctx context.Context, stage Stage, n int) ([]Unit, error) {
	if n <= 0 {
		return nil, nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now().UTC())
	if l.maxAttempts > 0 {
		res, err := tx.ExecContext(ctx,
			`UPDATE work_units SET state = 'failed', outcome = ?, last_error = ?, updated_at = ?
			 WHERE stage = ? AND state = 'pending' AND attempts >= ?`,
			OutcomeExhausted,
			fmt.Sprintf("claimed %d times without completing", l.maxAttempts),
			now, string(stage), l.maxAttempts)
		if err != nil {
			return nil, fmt.Errorf("fail exhausted units: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			l.logger.Warn("units exhausted their attempts",
				zap.String("stage", string(stage)),
				zap.Int64("units", n),
				zap.Int("max_attempts", l.maxAttempts))
		}
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT unit_id, composition_key, payload, attempts
		 FROM work_units
		 WHERE stage = ? AND state = 'pending'
		 ORDER BY rowid
		 LIMIT ?`, string(stage), n)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	var units []Unit
	for rows.Next() {
		u := Unit{Stage: stage, State: StateInFlight}
		if err := rows.Scan(&u.ID, &u.CompositionKey, &u.Payload, &u.Attempts); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		u.Attempts++
		units = append(units, u)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, u := range units {
		res, err := tx.ExecContext(ctx,
			`UPDATE work_units SET state = 'in_flight', attempts = attempts + 1, updated_at = ?
			 WHERE unit_id = ? AND state = 'pending'`, now, u.ID)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", u.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil, screenerr.Corruption("claimed unit changed state concurrently: "+u.ID, nil)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return units, nil
}

// Completion carries the outputs of a finished unit.
type Completion struct {
	// Outcome is recorded on the unit (e.g., "stable", "no_sites").
	Outcome string

	Composition *CompositionRecord
	Structures  []StructureRecord
	Aligned     *AlignedRecord
	Sites       []SiteRecord
	Prediction  *PredictionRecord

	// Enqueue lists downstream units. Existing ids are ignored.
	Enqueue []NewUnit
}

// Complete moves an in_flight unit to done and writes its outputs in the
// same transaction. A unit that is not in_flight yields a
// LedgerCorruptionError and nothing is written, so a unit is marked done
// at most once.
func (l *Ledger) Complete(ctx context.Context, unitID string, c Completion) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now().UTC())
	res, err := tx.ExecContext(ctx,
		`UPDATE work_units SET state = 'done', outcome = ?, last_error = NULL, updated_at = ?
		 WHERE unit_id = ? AND state = 'in_flight'`, nullString(c.Outcome), now, unitID)
	if err != nil {
		return fmt.Errorf("complete %s: %w", unitID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return screenerr.Corruption("complete: unit not in flight: "+unitID, nil)
	}

	if err := writeOutputs(ctx, tx, c, now); err != nil {
		return err
	}
	if _, err := enqueueTx(ctx, tx, c.Enqueue); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

// Fail moves an in_flight unit to failed.
func (l *Ledger) Fail(ctx context.Context, unitID, outcome string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE work_units SET state = 'failed', outcome = ?, last_error = ?, updated_at = ?
		 WHERE unit_id = ? AND state = 'in_flight'`,
		nullString(outcome), nullString(msg), formatTime(time.Now().UTC()), unitID)
	if err != nil {
		return fmt.Errorf("fail %s: %w", unitID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return screenerr.Corruption("fail: unit not in flight: "+unitID, nil)
	}
	return nil
}

// Release returns in_flight units to pending without counting the claim
// as an attempt.
func (l *Ledger) Release(ctx context.Context, unitIDs ...string) error {
	if len(unitIDs) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now().UTC())
	for _, id := range unitIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE work_units SET state = 'pending', attempts = MAX(attempts - 1, 0), updated_at = ?
			 WHERE unit_id = ? AND state = 'in_flight'`, now, id); err != nil {
			return fmt.Errorf("release %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release: %w", err)
	}
	return nil
}

// RecoverInFlight returns every in_flight unit to pending. It is called on
// open; a unit left in flight belonged to a process that no longer runs.
func (l *Ledger) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE work_units SET state = 'pending', updated_at = ? WHERE state = 'in_flight'`,
		formatTime(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("recover in-flight units: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Unit returns one unit by id.
func (l *Ledger) Unit(ctx context.Context, unitID string) (*Unit, error) {
	u := Unit{ID: unitID}
	var stage, state string
	var outcome, lastErr sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT stage, state, composition_key, payload, attempts, outcome, last_error
		 FROM work_units WHERE unit_id = ?`, unitID).
		Scan(&stage, &state, &u.CompositionKey, &u.Payload, &u.Attempts, &outcome, &lastErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unit not found: %s", unitID)
	}
	if err != nil {
		return nil, fmt.Errorf("get unit: %w", err)
	}
	u.Stage = Stage(stage)
	u.State = State(state)
	u.Outcome = outcome.String
	u.LastError = lastErr.String
	return &u, nil
}

// Backlog counts units of stage that are pending or in flight.
func (l *Ledger) Backlog(ctx context.Context, stage Stage) (pending, inFlight int, err error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM work_units
		 WHERE stage = ? AND state IN ('pending', 'in_flight')
		 GROUP BY state`, string(stage))
	if err != nil {
		return 0, 0, fmt.Errorf("count backlog: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return 0, 0, fmt.Errorf("scan backlog: %w", err)
		}
		switch State(state) {
		case StatePending:
			pending = n
		case StateInFlight:
			inFlight = n
		}
	}
	return pending, inFlight, rows.Err()
}

// Counts returns unit counts by stage and state.
func (l *Ledger) Counts(ctx context.Context) (map[Stage]map[State]int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT stage, state, COUNT(*) FROM work_units GROUP BY stage, state`)
	if err != nil {
		return nil, fmt.Errorf("count units: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[Stage]map[State]int)
	for rows.Next() {
		var stage, state string
		var n int
		if err := rows.Scan(&stage, &state, &n); err != nil {
			return nil, fmt.Errorf("scan unit counts: %w", err)
		}
		if out[Stage(stage)] == nil {
			out[Stage(stage)] = make(map[State]int)
		}
		out[Stage(stage)][State(state)] = n
	}
	return out, rows.Err()
}

// Seeded reports whether the stability queue has been fully seeded.
func (l *Ledger) Seeded(ctx context.Context) (bool, error) {
	var seeded sql.NullString
	if err := l.db.QueryRowContext(ctx, `SELECT seeded_at FROM ledger_meta WHERE id = 1`).Scan(&seeded); err != nil {
		return false, fmt.Errorf("read seeded flag: %w", err)
	}
	return seeded.Valid, nil
}

// MarkSeeded records that every composition has been enqueued.
func (l *Ledger) MarkSeeded(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE ledger_meta SET seeded_at = ? WHERE id = 1 AND seeded_at IS NULL`, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("mark seeded: %w", err)
	}
	return nil
}

// Finish records the end of a run. A non-empty haltReason marks the run
// as halted.
func (l *Ledger) Finish(ctx context.Context, haltReason string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE ledger_meta SET finished_at = ?, halt_reason = ? WHERE id = 1`,
		formatTime(time.Now().UTC()), nullString(haltReason))
	if err != nil {
		return fmt.Errorf("finish ledger: %w", err)
	}
	m, err := l.readMeta(ctx)
	if err == nil {
		l.meta = m
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
