// Package manifest provides loading and validation of heascreen run
// manifests.
//
// A run manifest is a YAML or JSON file that configures a screen: the
// composition space, the stability filter, the structure generator, site
// enumeration, the energy predictor, scheduling and ranking.
//
// Manifests are validated against an embedded JSON Schema that disallows
// unknown properties, then checked semantically.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	run:
//	  name: nimo-screen
//	  dir: runs/nimo
//	composition:
//	  elements: [Co, Fe, Mo, Ni]
//	  step: 0.05
//	  min_fraction: 0.05
//	stability:
//	  oracle: mixing_rule
//	  threshold: 1.1
//	  elements:
//	    Co: {melting_point: 1768, radius: 1.25}
//	    ...
//	generation:
//	  generator: library
//	  source: s3://hea-slabs/fcc111
//	prediction:
//	  predictor: http
//	  endpoint: http://localhost:8500
//	  model: hea-h-v3
package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest represents a run manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version" validate:"required,eq=1.0"`

	Run         RunConfig         `json:"run,omitempty" yaml:"run,omitempty"`
	Composition CompositionConfig `json:"composition" yaml:"composition"`
	Stability   StabilityConfig   `json:"stability" yaml:"stability"`
	Generation  GenerationConfig  `json:"generation" yaml:"generation"`
	Sites       SitesConfig       `json:"sites,omitempty" yaml:"sites,omitempty"`
	Prediction  PredictionConfig  `json:"prediction" yaml:"prediction"`
	Scheduler   SchedulerConfig   `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	Aggregation AggregationConfig `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
	Ranking     RankingConfig     `json:"ranking,omitempty" yaml:"ranking,omitempty"`
	Export      *ExportConfig     `json:"export,omitempty" yaml:"export,omitempty"`
}

// RunConfig names the run and its working directory.
type RunConfig struct {
	// Name is a human label recorded in the run registry.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Dir holds the ledger, records and reports. Default: "runs/<name>".
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Seed is forwarded to stochastic generators.
	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// CompositionConfig defines the composition grid.
type CompositionConfig struct {
	Elements    []string  `json:"elements" yaml:"elements" validate:"required,min=1,unique,dive,element"`
	Step        float64   `json:"step,omitempty" yaml:"step,omitempty" validate:"gte=0,lte=1"`
	Grid        []float64 `json:"grid,omitempty" yaml:"grid,omitempty" validate:"omitempty,dive,gte=0,lte=1"`
	MinFraction float64   `json:"min_fraction,omitempty" yaml:"min_fraction,omitempty" validate:"gte=0,lte=1"`
	MaxFraction float64   `json:"max_fraction,omitempty" yaml:"max_fraction,omitempty" validate:"gte=0,lte=1"`
}

// ElementProps are the mixing-rule inputs for one element.
type ElementProps struct {
	MeltingPoint float64 `json:"melting_point" yaml:"melting_point" validate:"gt=0"`
	Radius       float64 `json:"radius" yaml:"radius" validate:"gt=0"`
}

// StabilityConfig configures the stability filter.
type StabilityConfig struct {
	// Oracle is "mixing_rule" or "http".
	Oracle string `json:"oracle" yaml:"oracle" validate:"required,oneof=mixing_rule http"`

	Threshold float64 `json:"threshold" yaml:"threshold"`

	// Direction is "min" (stable when metric >= threshold) or "max".
	Direction string `json:"direction,omitempty" yaml:"direction,omitempty" validate:"omitempty,oneof=min max"`

	// Endpoint is the oracle model server for the http oracle.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"required_if=Oracle http,omitempty,url"`

	Elements map[string]ElementProps `json:"elements,omitempty" yaml:"elements,omitempty" validate:"required_if=Oracle mixing_rule,dive"`

	// Pairs maps "A-B" to the binary mixing enthalpy in kJ/mol.
	Pairs map[string]float64 `json:"pairs,omitempty" yaml:"pairs,omitempty"`

	// MaxDelta is the atomic size mismatch limit in percent. Zero disables it.
	MaxDelta float64 `json:"max_delta,omitempty" yaml:"max_delta,omitempty" validate:"gte=0"`
}

// GenerationConfig configures the structure generator.
type GenerationConfig struct {
	// Generator is "http" or "library".
	Generator string `json:"generator" yaml:"generator" validate:"required,oneof=http library"`

	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"required_if=Generator http,omitempty,url"`

	// Source is the structure library location: "s3://bucket/prefix",
	// "file:/dir" or a directory path.
	Source string `json:"source,omitempty" yaml:"source,omitempty" validate:"required_if=Generator library"`

	// Pattern selects library files per composition directory.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	// Region, Endpoint override and Profile apply to s3:// sources.
	Region     string `json:"region,omitempty" yaml:"region,omitempty"`
	S3Endpoint string `json:"s3_endpoint,omitempty" yaml:"s3_endpoint,omitempty"`
	Profile    string `json:"profile,omitempty" yaml:"profile,omitempty"`

	StructuresPerComposition int     `json:"structures_per_composition,omitempty" yaml:"structures_per_composition,omitempty" validate:"gte=0"`
	Attempts                 int     `json:"attempts,omitempty" yaml:"attempts,omitempty" validate:"gte=0"`
	MinInteratomicDistance   float64 `json:"min_interatomic_distance,omitempty" yaml:"min_interatomic_distance,omitempty" validate:"gte=0"`
}

// SitesConfig configures site enumeration.
type SitesConfig struct {
	SurfacePercentile  float64 `json:"surface_percentile,omitempty" yaml:"surface_percentile,omitempty" validate:"gte=0,lte=100"`
	AdsorptionDistance float64 `json:"adsorption_distance,omitempty" yaml:"adsorption_distance,omitempty" validate:"gte=0"`
	PairCutoff         float64 `json:"pair_cutoff,omitempty" yaml:"pair_cutoff,omitempty" validate:"gte=0"`
	Margin             float64 `json:"margin,omitempty" yaml:"margin,omitempty" validate:"gte=0"`
	SiteRadius         float64 `json:"site_radius,omitempty" yaml:"site_radius,omitempty" validate:"gte=0"`
	Adsorbate          string  `json:"adsorbate,omitempty" yaml:"adsorbate,omitempty"`
	KeepEquivalent     bool    `json:"keep_equivalent,omitempty" yaml:"keep_equivalent,omitempty"`
}

// PredictionConfig configures the energy predictor.
type PredictionConfig struct {
	// Predictor is "http".
	Predictor string `json:"predictor" yaml:"predictor" validate:"required,oneof=http"`

	Endpoint string `json:"endpoint" yaml:"endpoint" validate:"required,url"`

	// Model identifies the predictor model. It scopes cached predictions.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size,omitempty" validate:"gte=0"`

	// SendStructure includes the aligned structure in each request item.
	SendStructure bool `json:"send_structure,omitempty" yaml:"send_structure,omitempty"`

	// CacheDir enables the cross-run prediction cache.
	CacheDir string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`
}

// BackoffConfig configures retry backoff.
type BackoffConfig struct {
	Initial    Duration `json:"initial,omitempty" yaml:"initial,omitempty"`
	Max        Duration `json:"max,omitempty" yaml:"max,omitempty"`
	Multiplier float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty" validate:"omitempty,gte=1"`
	Jitter     float64  `json:"jitter,omitempty" yaml:"jitter,omitempty" validate:"gte=0,lte=1"`
}

// SchedulerConfig configures workers, retry and checkpointing.
type SchedulerConfig struct {
	Workers            int           `json:"workers,omitempty" yaml:"workers,omitempty" validate:"gte=0,lte=256"`
	RetryBudget        int           `json:"retry_budget,omitempty" yaml:"retry_budget,omitempty" validate:"gte=0"`
	Backoff            BackoffConfig `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	AdapterTimeout     Duration      `json:"adapter_timeout,omitempty" yaml:"adapter_timeout,omitempty"`
	QueueHighWater     int           `json:"queue_high_water,omitempty" yaml:"queue_high_water,omitempty" validate:"gte=0"`
	CheckpointInterval Duration      `json:"checkpoint_interval,omitempty" yaml:"checkpoint_interval,omitempty"`

	// RateLimit caps model-server requests per second across workers.
	// Zero means unlimited.
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty" validate:"gte=0"`

	// MaxInFlight caps concurrent model-server requests. Zero means unlimited.
	MaxInFlight int64 `json:"max_in_flight,omitempty" yaml:"max_in_flight,omitempty" validate:"gte=0"`
}

// AggregationConfig configures statistics.
type AggregationConfig struct {
	HistogramBinWidth   float64 `json:"histogram_bin_width,omitempty" yaml:"histogram_bin_width,omitempty" validate:"gte=0"`
	CompletionThreshold float64 `json:"completion_threshold,omitempty" yaml:"completion_threshold,omitempty" validate:"gte=0,lte=1"`
}

// RankingConfig configures candidate ranking.
type RankingConfig struct {
	TopK         int      `json:"top_k,omitempty" yaml:"top_k,omitempty" validate:"gte=0"`
	TargetEnergy *float64 `json:"target_energy,omitempty" yaml:"target_energy,omitempty"`
}

// ExportConfig configures where ranking and summary are published.
type ExportConfig struct {
	// Destination is "s3://bucket/prefix", "file:/dir" or a directory path.
	Destination string `json:"destination" yaml:"destination" validate:"required"`
	Region      string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint    string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile     string `json:"profile,omitempty" yaml:"profile,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	DefaultRunsDir            = "runs"
	DefaultDirection          = "min"
	DefaultLibraryPattern     = "**/*.{xyz,vasp}"
	DefaultStructures         = 1
	DefaultAttempts           = 3
	DefaultBatchSize          = 32
	DefaultWorkers            = 4
	DefaultRetryBudget        = 5
	DefaultBackoffInitial     = 500 * time.Millisecond
	DefaultBackoffMax         = 30 * time.Second
	DefaultBackoffMultiplier  = 2.0
	DefaultBackoffJitter      = 0.2
	DefaultAdapterTimeout     = 60 * time.Second
	DefaultQueueHighWater     = 10000
	DefaultCheckpointInterval = 5 * time.Second
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if m.Run.Name == "" {
		m.Run.Name = "screen"
	}
	if m.Run.Dir == "" {
		m.Run.Dir = DefaultRunsDir + "/" + m.Run.Name
	}
	if m.Stability.Direction == "" {
		m.Stability.Direction = DefaultDirection
	}
	if m.Generation.Generator == "library" && m.Generation.Pattern == "" {
		m.Generation.Pattern = DefaultLibraryPattern
	}
	if m.Generation.StructuresPerComposition == 0 {
		m.Generation.StructuresPerComposition = DefaultStructures
	}
	if m.Generation.Attempts == 0 {
		m.Generation.Attempts = DefaultAttempts
	}
	if m.Prediction.Model == "" {
		m.Prediction.Model = m.Prediction.Endpoint
	}
	if m.Prediction.BatchSize == 0 {
		m.Prediction.BatchSize = DefaultBatchSize
	}

	s := &m.Scheduler
	if s.Workers == 0 {
		s.Workers = DefaultWorkers
	}
	if s.RetryBudget == 0 {
		s.RetryBudget = DefaultRetryBudget
	}
	if s.Backoff.Initial.Duration == 0 {
		s.Backoff.Initial.Duration = DefaultBackoffInitial
	}
	if s.Backoff.Max.Duration == 0 {
		s.Backoff.Max.Duration = DefaultBackoffMax
	}
	if s.Backoff.Multiplier == 0 {
		s.Backoff.Multiplier = DefaultBackoffMultiplier
	}
	if s.Backoff.Jitter == 0 {
		s.Backoff.Jitter = DefaultBackoffJitter
	}
	if s.AdapterTimeout.Duration == 0 {
		s.AdapterTimeout.Duration = DefaultAdapterTimeout
	}
	if s.QueueHighWater == 0 {
		s.QueueHighWater = DefaultQueueHighWater
	}
	if s.CheckpointInterval.Duration == 0 {
		s.CheckpointInterval.Duration = DefaultCheckpointInterval
	}
}

// Duration is a time.Duration written as a Go duration string ("500ms").
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	if d.Duration == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	if d.Duration == 0 {
		return "", nil
	}
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

// IsZero lets omitempty drop unset durations.
func (d Duration) IsZero() bool { return d.Duration == 0 }

func (d *Duration) parse(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("duration %q must not be negative", s)
	}
	d.Duration = v
	return nil
}
