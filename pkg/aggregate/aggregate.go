package aggregate

import (
	"fmt"
	"sort"

	"github.com/3leaps/heascreen/pkg/ledger"
)

// Config configures aggregation.
type Config struct {
	// BinWidth is the histogram bin width in eV.
	BinWidth float64

	// CompletionThreshold is the fraction of a composition's prediction
	// units that must be done before it is finalized while some remain
	// open. 1 waits for every unit.
	CompletionThreshold float64
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.BinWidth <= 0 {
		c.BinWidth = DefaultBinWidth
	}
	if c.CompletionThreshold <= 0 {
		c.CompletionThreshold = 1
	}
	return c
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.CompletionThreshold < 0 || c.CompletionThreshold > 1 {
		return fmt.Errorf("completion threshold must be in [0,1], got %g", c.CompletionThreshold)
	}
	return nil
}

// StructureStats summarizes one structure's site energies.
type StructureStats struct {
	StructureID string `json:"structure_id"`
	Stats
}

// CompositionStats summarizes one composition.
type CompositionStats struct {
	Key string `json:"composition"`

	// Final reports whether enough units are accounted for to rank the
	// composition.
	Final bool `json:"final"`

	Done   int `json:"done"`
	Failed int `json:"failed"`
	Open   int `json:"open"`

	Stats
	Structures []StructureStats `json:"structures,omitempty"`
}

// Report is the aggregation over a run.
type Report struct {
	Compositions []CompositionStats `json:"compositions"`

	// Run summarizes every recorded energy regardless of finalization.
	Run Stats `json:"run"`
}

// Final returns the finalized compositions that have at least one energy.
func (r *Report) Final() []CompositionStats {
	var out []CompositionStats
	for _, c := range r.Compositions {
		if c.Final && c.Count > 0 {
			out = append(out, c)
		}
	}
	return out
}

// Aggregate groups predictions by composition and structure. progress
// gates finalization per composition; compositions absent from progress
// are final.
func Aggregate(preds []ledger.PredictionRecord, progress map[string]ledger.CompositionProgress, cfg Config) *Report {
	cfg = cfg.WithDefaults()

	byComp := make(map[string][]float64)
	byStruct := make(map[string]map[string][]float64)
	all := make([]float64, 0, len(preds))
	for _, p := range preds {
		byComp[p.CompositionKey] = append(byComp[p.CompositionKey], p.Energy)
		if byStruct[p.CompositionKey] == nil {
			byStruct[p.CompositionKey] = make(map[string][]float64)
		}
		byStruct[p.CompositionKey][p.StructureID] = append(byStruct[p.CompositionKey][p.StructureID], p.Energy)
		all = append(all, p.Energy)
	}

	keys := make(map[string]struct{}, len(byComp)+len(progress))
	for k := range byComp {
		keys[k] = struct{}{}
	}
	for k := range progress {
		keys[k] = struct{}{}
	}

	report := &Report{Run: Compute(all, cfg.BinWidth)}
	for key := range keys {
		cs := CompositionStats{Key: key, Stats: Compute(byComp[key], cfg.BinWidth)}
		p, tracked := progress[key]
		cs.Done, cs.Failed, cs.Open = p.Done, p.Failed, p.Open
		cs.Final = !tracked || IsFinal(p, cfg.CompletionThreshold)

		ids := make([]string, 0, len(byStruct[key]))
		for id := range byStruct[key] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			cs.Structures = append(cs.Structures, StructureStats{
				StructureID: id,
				Stats:       Compute(byStruct[key][id], cfg.BinWidth),
			})
		}
		report.Compositions = append(report.Compositions, cs)
	}
	sort.Slice(report.Compositions, func(i, j int) bool {
		return report.Compositions[i].Key < report.Compositions[j].Key
	})
	return report
}

// IsFinal reports whether a composition's statistics may be finalized: no
// upstream work remains and either no prediction unit is open or the done
// fraction reaches threshold.
func IsFinal(p ledger.CompositionProgress, threshold float64) bool {
	if p.UpstreamOpen > 0 {
		return false
	}
	if p.Open == 0 {
		return true
	}
	total := p.Done + p.Failed + p.Open
	return float64(p.Done)/float64(total) >= threshold
}
