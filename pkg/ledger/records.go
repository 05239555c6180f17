package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/heascreen/pkg/screenerr"
	"github.com/3leaps/heascreen/pkg/sites"
	"github.com/3leaps/heascreen/pkg/structure"
)

// CompositionRecord is the stability verdict for one composition.
type CompositionRecord struct {
	Key     string   `json:"composition"`
	Metric  *float64 `json:"metric,omitempty"`
	Outcome string   `json:"outcome"`
	Reason  string   `json:"reason,omitempty"`
}

// StructureRecord is one generated sample.
type StructureRecord struct {
	Structure *structure.Structure
	Accepted  bool
	Reason    string
}

// AlignedRecord stores the surface-aligned frame site positions refer to.
type AlignedRecord struct {
	StructureID string
	Aligned     *structure.Structure
}

// SiteRecord is one enumerated site.
type SiteRecord struct {
	StructureID    string
	CompositionKey string
	ModelID        string
	Site           sites.Site
}

// PredictionRecord is a completed energy prediction.
type PredictionRecord struct {
	ModelID        string   `json:"model_id"`
	CompositionKey string   `json:"composition"`
	StructureID    string   `json:"structure_id"`
	SiteLabel      string   `json:"site"`
	Energy         float64  `json:"energy"`
	Uncertainty    *float64 `json:"uncertainty,omitempty"`
	Cached         bool     `json:"cached,omitempty"`
}

func writeOutputs(ctx context.Context, tx *sql.Tx, c Completion, now string) error {
	if r := c.Composition; r != nil {
		var metric any
		if r.Metric != nil {
			metric = *r.Metric
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO compositions (composition_key, metric, outcome, reason, scored_at)
			 VALUES (?, ?, ?, ?, ?)`,
			r.Key, metric, r.Outcome, nullString(r.Reason), now); err != nil {
			return fmt.Errorf("write composition %s: %w", r.Key, err)
		}
	}

	for _, r := range c.Structures {
		data, err := json.Marshal(r.Structure)
		if err != nil {
			return fmt.Errorf("encode structure %s: %w", r.Structure.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO structures
			 (structure_id, composition_key, attempt, sample, accepted, reason, n_atoms, data, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Structure.ID, r.Structure.CompositionKey, r.Structure.Attempt, r.Structure.Sample,
			boolInt(r.Accepted), nullString(r.Reason), r.Structure.Len(), string(data), now); err != nil {
			return fmt.Errorf("write structure %s: %w", r.Structure.ID, err)
		}
	}

	if r := c.Aligned; r != nil {
		data, err := json.Marshal(r.Aligned)
		if err != nil {
			return fmt.Errorf("encode aligned structure %s: %w", r.StructureID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE structures SET aligned = ? WHERE structure_id = ?`, string(data), r.StructureID); err != nil {
			return fmt.Errorf("write aligned structure %s: %w", r.StructureID, err)
		}
	}

	for _, r := range c.Sites {
		data, err := json.Marshal(r.Site)
		if err != nil {
			return fmt.Errorf("encode site %s: %w", r.Site.Label, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO sites
			 (structure_id, label, composition_key, kind, signature, model_id, data)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.StructureID, r.Site.Label, r.CompositionKey, string(r.Site.Kind), r.Site.Signature, r.ModelID, string(data)); err != nil {
			return fmt.Errorf("write site %s/%s: %w", r.StructureID, r.Site.Label, err)
		}
	}

	// Predictions are write-once.
	if r := c.Prediction; r != nil {
		var unc any
		if r.Uncertainty != nil {
			unc = *r.Uncertainty
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO predictions
			 (model_id, composition_key, structure_id, site_label, energy, uncertainty, cached, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ModelID, r.CompositionKey, r.StructureID, r.SiteLabel, r.Energy, unc, boolInt(r.Cached), now); err != nil {
			if isConstraintError(err) {
				return screenerr.Corruption("prediction already recorded: "+r.ModelID, err)
			}
			return fmt.Errorf("write prediction %s: %w", r.ModelID, err)
		}
	}
	return nil
}

// Compositions returns every scored composition ordered by key.
func (l *Ledger) Compositions(ctx context.Context) ([]CompositionRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT composition_key, metric, outcome, reason FROM compositions ORDER BY composition_key`)
	if err != nil {
		return nil, fmt.Errorf("list compositions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CompositionRecord
	for rows.Next() {
		var r CompositionRecord
		var metric sql.NullFloat64
		var reason sql.NullString
		if err := rows.Scan(&r.Key, &metric, &r.Outcome, &reason); err != nil {
			return nil, fmt.Errorf("scan composition: %w", err)
		}
		if metric.Valid {
			v := metric.Float64
			r.Metric = &v
		}
		r.Reason = reason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Structure returns the generated structure by id.
func (l *Ledger) Structure(ctx context.Context, id string) (*structure.Structure, error) {
	return l.structureColumn(ctx, id, "data")
}

// AlignedStructure returns the surface-aligned structure by id.
func (l *Ledger) AlignedStructure(ctx context.Context, id string) (*structure.Structure, error) {
	return l.structureColumn(ctx, id, "aligned")
}

func (l *Ledger) structureColumn(ctx context.Context, id, column string) (*structure.Structure, error) {
	var data sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM structures WHERE structure_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !data.Valid) {
		return nil, fmt.Errorf("structure not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get structure: %w", err)
	}
	var s structure.Structure
	if err := json.Unmarshal([]byte(data.String), &s); err != nil {
		return nil, screenerr.Corruption("undecodable structure "+id, err)
	}
	return &s, nil
}

// Sites returns the enumerated sites of a structure in enumeration order.
func (l *Ledger) Sites(ctx context.Context, structureID string) ([]SiteRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT composition_key, model_id, data FROM sites WHERE structure_id = ? ORDER BY rowid`, structureID)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SiteRecord
	for rows.Next() {
		r := SiteRecord{StructureID: structureID}
		var data string
		if err := rows.Scan(&r.CompositionKey, &r.ModelID, &data); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &r.Site); err != nil {
			return nil, screenerr.Corruption("undecodable site", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Predictions returns every recorded prediction ordered by composition,
// structure and site.
func (l *Ledger) Predictions(ctx context.Context) ([]PredictionRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT model_id, composition_key, structure_id, site_label, energy, uncertainty, cached
		 FROM predictions
		 ORDER BY composition_key, structure_id, site_label`)
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PredictionRecord
	for rows.Next() {
		var r PredictionRecord
		var unc sql.NullFloat64
		var cached int
		if err := rows.Scan(&r.ModelID, &r.CompositionKey, &r.StructureID, &r.SiteLabel, &r.Energy, &unc, &cached); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		if unc.Valid {
			v := unc.Float64
			r.Uncertainty = &v
		}
		r.Cached = cached != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// CompositionProgress counts units for one stable composition.
type CompositionProgress struct {
	// UpstreamOpen counts pending or in-flight generation and enumeration units.
	UpstreamOpen int

	// Prediction unit counts.
	Done   int
	Failed int
	Open   int
}

// Progress returns per-composition unit counters for compositions that
// reached generation.
func (l *Ledger) Progress(ctx context.Context) (map[string]CompositionProgress, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT composition_key, stage, state, COUNT(*)
		 FROM work_units
		 WHERE stage != 'stability'
		 GROUP BY composition_key, stage, state`)
	if err != nil {
		return nil, fmt.Errorf("composition progress: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]CompositionProgress)
	for rows.Next() {
		var key, stage, state string
		var n int
		if err := rows.Scan(&key, &stage, &state, &n); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		p := out[key]
		open := state == string(StatePending) || state == string(StateInFlight)
		if Stage(stage) == StagePrediction {
			switch {
			case open:
				p.Open += n
			case state == string(StateDone):
				p.Done += n
			case state == string(StateFailed):
				p.Failed += n
			}
		} else if open {
			p.UpstreamOpen += n
		}
		out[key] = p
	}
	return out, rows.Err()
}

// Summary is a run-wide tally.
type Summary struct {
	RunID             string `json:"run_id"`
	Stable            int    `json:"stable"`
	Unstable          int    `json:"unstable"`
	StabilityUnknown  int    `json:"stability_unknown"`
	StructuresOK      int    `json:"structures_generated"`
	StructuresBad     int    `json:"structures_rejected"`
	NoSiteStructures  int    `json:"no_site_structures"`
	Sites             int    `json:"sites"`
	PredictionsDone   int    `json:"predictions_completed"`
	PredictionsFailed int    `json:"predictions_failed"`
	CacheHits         int    `json:"cache_hits"`
	UnitsPending      int    `json:"units_pending"`
	UnitsInFlight     int    `json:"units_in_flight"`
	UnitsFailed       int    `json:"units_failed"`
	HaltReason        string `json:"halt_reason,omitempty"`
	Finished          bool   `json:"finished"`
}

// Summary computes the run tally from the ledger.
func (l *Ledger) Summary(ctx context.Context) (*Summary, error) {
	meta, err := l.readMeta(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger meta: %w", err)
	}
	s := &Summary{RunID: meta.RunID, HaltReason: meta.HaltReason, Finished: meta.FinishedAt != nil}

	scalar := []struct {
		dst   *int
		query string
	}{
		{&s.StructuresOK, `SELECT COUNT(*) FROM structures WHERE accepted = 1`},
		{&s.StructuresBad, `SELECT COUNT(*) FROM structures WHERE accepted = 0`},
		{&s.NoSiteStructures, `SELECT COUNT(*) FROM work_units WHERE stage = 'enumeration' AND outcome = 'no_sites'`},
		{&s.Sites, `SELECT COUNT(*) FROM sites`},
		{&s.CacheHits, `SELECT COUNT(*) FROM predictions WHERE cached = 1`},
	}
	for _, q := range scalar {
		if err := l.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("summary: %w", err)
		}
	}

	// Compositions whose stability unit failed after retries have no row in
	// compositions; they count as unknown.
	rows, err := l.db.QueryContext(ctx,
		`SELECT COALESCE(c.outcome, 'stability_unknown'), COUNT(*)
		 FROM work_units w LEFT JOIN compositions c ON c.composition_key = w.composition_key
		 WHERE w.stage = 'stability' AND w.state IN ('done', 'failed')
		 GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("summary compositions: %w", err)
	}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		switch outcome {
		case "stable":
			s.Stable = n
		case "unstable":
			s.Unstable = n
		default:
			s.StabilityUnknown += n
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	counts, err := l.Counts(ctx)
	if err != nil {
		return nil, err
	}
	for stage, byState := range counts {
		s.UnitsPending += byState[StatePending]
		s.UnitsInFlight += byState[StateInFlight]
		s.UnitsFailed += byState[StateFailed]
		if stage == StagePrediction {
			s.PredictionsDone = byState[StateDone]
			s.PredictionsFailed = byState[StateFailed]
		}
	}
	return s, nil
}

// Verify checks cross-table invariants: every prediction belongs to a done
// prediction unit and every done prediction unit has a prediction.
func (l *Ledger) Verify(ctx context.Context) error {
	var orphans int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM predictions p
		 LEFT JOIN work_units w ON w.unit_id = 'ads:' || p.model_id
		 WHERE w.state IS NULL OR w.state != 'done'`).Scan(&orphans)
	if err != nil {
		return fmt.Errorf("verify predictions: %w", err)
	}
	if orphans > 0 {
		return screenerr.Corruption(fmt.Sprintf("%d predictions without a done unit", orphans), nil)
	}

	var missing int
	err = l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_units w
		 LEFT JOIN predictions p ON 'ads:' || p.model_id = w.unit_id
		 WHERE w.stage = 'prediction' AND w.state = 'done' AND p.model_id IS NULL`).Scan(&missing)
	if err != nil {
		return fmt.Errorf("verify units: %w", err)
	}
	if missing > 0 {
		return screenerr.Corruption(fmt.Sprintf("%d done prediction units without a prediction", missing), nil)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isConstraintError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint") || strings.Contains(msg, "unique")
}
