package manifest

import (
	"github.com/3leaps/heascreen/pkg/aggregate"
	"github.com/3leaps/heascreen/pkg/composition"
	"github.com/3leaps/heascreen/pkg/pipeline"
	"github.com/3leaps/heascreen/pkg/rank"
	"github.com/3leaps/heascreen/pkg/sites"
	"github.com/3leaps/heascreen/pkg/stability"
)

// Space returns the composition space described by the manifest.
func (m *Manifest) Space() composition.Space {
	c := m.Composition
	return composition.Space{
		Elements:    append([]string(nil), c.Elements...),
		Step:        c.Step,
		Grid:        append([]float64(nil), c.Grid...),
		MinFraction: c.MinFraction,
		MaxFraction: c.MaxFraction,
	}
}

// MixingRule returns the mixing-rule oracle tables.
func (m *Manifest) MixingRule() *stability.MixingRuleOracle {
	o := &stability.MixingRuleOracle{
		Elements: make(map[string]stability.ElementProps, len(m.Stability.Elements)),
		Pairs:    make(map[string]float64, len(m.Stability.Pairs)),
		MaxDelta: m.Stability.MaxDelta,
	}
	for el, p := range m.Stability.Elements {
		o.Elements[el] = stability.ElementProps{MeltingPoint: p.MeltingPoint, Radius: p.Radius}
	}
	for k, v := range m.Stability.Pairs {
		o.Pairs[k] = v
	}
	return o
}

// SitesConfig returns the site enumeration settings.
func (m *Manifest) SitesConfig() sites.Config {
	s := m.Sites
	return sites.Config{
		SurfacePercentile:  s.SurfacePercentile,
		AdsorptionDistance: s.AdsorptionDistance,
		PairCutoff:         s.PairCutoff,
		Margin:             s.Margin,
		SiteRadius:         s.SiteRadius,
		Adsorbate:          s.Adsorbate,
		KeepEquivalent:     s.KeepEquivalent,
	}.WithDefaults()
}

// AggregationConfig returns the statistics settings.
func (m *Manifest) AggregationConfig() aggregate.Config {
	return aggregate.Config{
		BinWidth:            m.Aggregation.HistogramBinWidth,
		CompletionThreshold: m.Aggregation.CompletionThreshold,
	}.WithDefaults()
}

// RankConfig returns the ranking settings.
func (m *Manifest) RankConfig() rank.Config {
	rc := rank.Config{TopK: m.Ranking.TopK}
	if m.Ranking.TargetEnergy != nil {
		t := *m.Ranking.TargetEnergy
		rc.TargetEnergy = &t
	}
	return rc
}

// PipelineConfig converts the manifest into the scheduler configuration.
func (m *Manifest) PipelineConfig() pipeline.Config {
	s := m.Scheduler
	cfg := pipeline.Config{
		Workers: s.Workers,
		Retry: pipeline.RetryConfig{
			MaxAttempts:    s.RetryBudget,
			InitialBackoff: s.Backoff.Initial.Duration,
			MaxBackoff:     s.Backoff.Max.Duration,
			BackoffFactor:  s.Backoff.Multiplier,
			JitterFactor:   s.Backoff.Jitter,
		},
		AdapterTimeout:           s.AdapterTimeout.Duration,
		QueueHighWater:           s.QueueHighWater,
		CheckpointInterval:       s.CheckpointInterval.Duration,
		StructuresPerComposition: m.Generation.StructuresPerComposition,
		GenerationAttempts:       m.Generation.Attempts,
		MinInteratomicDistance:   m.Generation.MinInteratomicDistance,
		Adsorbate:                m.SitesConfig().Adsorbate,
		Aggregation:              m.AggregationConfig(),
		Ranking:                  m.RankConfig(),
	}
	return cfg.WithDefaults()
}
