package pipeline

import (
	"fmt"
	"time"

	"github.com/3leaps/heascreen/pkg/aggregate"
	"github.com/3leaps/heascreen/pkg/rank"
	"github.com/3leaps/heascreen/pkg/structure"
)

// Config configures a Pipeline. It is built once from the run manifest and
// not modified afterwards.
type Config struct {
	// Workers is the worker pool size per stage.
	Workers int

	Retry RetryConfig

	// AdapterTimeout bounds each call to an oracle, generator or predictor.
	AdapterTimeout time.Duration

	// QueueHighWater pauses a stage's feeder while the downstream stage has
	// at least this many pending units. 0 disables backpressure.
	QueueHighWater int

	// CheckpointInterval is the period of progress records and the
	// OnCheckpoint callback.
	CheckpointInterval time.Duration

	// PollInterval is how long an idle feeder waits before claiming again.
	PollInterval time.Duration

	// SeedChunk is the number of compositions enqueued per transaction.
	SeedChunk int

	StructuresPerComposition int

	// GenerationAttempts is the number of generation attempts made for a
	// composition whose structures are all rejected.
	GenerationAttempts int

	MinInteratomicDistance float64
	Adsorbate              string

	Aggregation aggregate.Config
	Ranking     rank.Config
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Workers:                  4,
		Retry:                    DefaultRetryConfig(),
		AdapterTimeout:           60 * time.Second,
		QueueHighWater:           10000,
		CheckpointInterval:       5 * time.Second,
		PollInterval:             100 * time.Millisecond,
		SeedChunk:                512,
		StructuresPerComposition: 1,
		GenerationAttempts:       3,
		MinInteratomicDistance:   structure.DefaultMinDistance,
		Adsorbate:                "H",
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	c.Retry = c.Retry.WithDefaults()
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = d.AdapterTimeout
	}
	if c.QueueHighWater < 0 {
		c.QueueHighWater = 0
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SeedChunk <= 0 {
		c.SeedChunk = d.SeedChunk
	}
	if c.StructuresPerComposition <= 0 {
		c.StructuresPerComposition = d.StructuresPerComposition
	}
	if c.GenerationAttempts <= 0 {
		c.GenerationAttempts = d.GenerationAttempts
	}
	if c.MinInteratomicDistance <= 0 {
		c.MinInteratomicDistance = d.MinInteratomicDistance
	}
	if c.Adsorbate == "" {
		c.Adsorbate = d.Adsorbate
	}
	c.Aggregation = c.Aggregation.WithDefaults()
	return c
}

// Validate checks a defaulted Config.
func (c Config) Validate() error {
	if err := c.Aggregation.Validate(); err != nil {
		return fmt.Errorf("aggregation: %w", err)
	}
	return nil
}
