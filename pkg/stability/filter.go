// Package stability decides which compositions are thermodynamically
// stable enough to screen.
//
// An Oracle scores a composition; a Filter applies a threshold to the score
// and caches the verdict per canonical composition key. Verdicts depend only
// on the composition, never on worker identity or evaluation order.
package stability

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/3leaps/heascreen/pkg/composition"
	"github.com/3leaps/heascreen/pkg/screenerr"
)

// Status is the oracle's assessment of whether it could score a composition.
type Status string

const (
	// StatusOK indicates a valid score.
	StatusOK Status = "ok"

	// StatusOutOfDomain indicates the oracle cannot score the composition.
	StatusOutOfDomain Status = "out_of_domain"
)

// Result is an oracle score.
type Result struct {
	Metric float64 `json:"metric"`
	Status Status  `json:"status"`
}

// Oracle scores compositions.
type Oracle interface {
	Score(ctx context.Context, c composition.Composition) (Result, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, c composition.Composition) (Result, error)

// Score implements Oracle.
func (f OracleFunc) Score(ctx context.Context, c composition.Composition) (Result, error) {
	return f(ctx, c)
}

// Outcome classifies a composition after filtering.
type Outcome string

const (
	OutcomeStable   Outcome = "stable"
	OutcomeUnstable Outcome = "unstable"
	OutcomeUnknown  Outcome = "stability_unknown"
)

// Direction selects which side of the threshold is stable.
type Direction string

const (
	// DirectionMin marks compositions stable when metric >= threshold.
	DirectionMin Direction = "min"

	// DirectionMax marks compositions stable when metric <= threshold.
	DirectionMax Direction = "max"
)

// Verdict is the cached filter decision for one composition.
type Verdict struct {
	Key     string  `json:"composition"`
	Metric  float64 `json:"metric"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Stable reports whether the composition passed the filter.
func (v Verdict) Stable() bool { return v.Outcome == OutcomeStable }

// Filter applies a stability threshold to oracle scores.
//
// Filter is safe for concurrent use.
type Filter struct {
	oracle    Oracle
	threshold float64
	direction Direction

	mu    sync.Mutex
	cache map[string]Verdict
}

// NewFilter creates a Filter. An empty direction defaults to DirectionMin.
func NewFilter(o Oracle, threshold float64, direction Direction) (*Filter, error) {
	if o == nil {
		return nil, fmt.Errorf("stability: oracle is required")
	}
	switch Direction(strings.ToLower(string(direction))) {
	case "", DirectionMin:
		direction = DirectionMin
	case DirectionMax:
		direction = DirectionMax
	default:
		return nil, fmt.Errorf("stability: unknown direction %q", direction)
	}
	return &Filter{
		oracle:    o,
		threshold: threshold,
		direction: direction,
		cache:     make(map[string]Verdict),
	}, nil
}

// Threshold returns the configured threshold.
func (f *Filter) Threshold() float64 { return f.threshold }

// Evaluate scores c and applies the threshold.
//
// Out-of-domain scores and non-transient oracle failures produce a
// stability_unknown verdict, which excludes the composition without failing
// the run. Transient failures are returned unchanged and are not cached, so
// the caller may retry.
func (f *Filter) Evaluate(ctx context.Context, c composition.Composition) (Verdict, error) {
	key := c.Key()

	f.mu.Lock()
	if v, ok := f.cache[key]; ok {
		f.mu.Unlock()
		return v, nil
	}
	f.mu.Unlock()

	res, err := f.oracle.Score(ctx, c)
	if err != nil {
		if screenerr.IsTransient(err) || ctx.Err() != nil {
			return Verdict{}, err
		}
		return f.store(Verdict{Key: key, Outcome: OutcomeUnknown, Reason: err.Error()}), nil
	}

	v := Verdict{Key: key, Metric: res.Metric}
	switch {
	case res.Status == StatusOutOfDomain:
		v.Outcome = OutcomeUnknown
		v.Reason = string(StatusOutOfDomain)
	case f.passes(res.Metric):
		v.Outcome = OutcomeStable
	default:
		v.Outcome = OutcomeUnstable
	}
	return f.store(v), nil
}

func (f *Filter) store(v Verdict) Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	// First writer wins so concurrent evaluations agree.
	if existing, ok := f.cache[v.Key]; ok {
		return existing
	}
	f.cache[v.Key] = v
	return v
}

func (f *Filter) passes(metric float64) bool {
	if f.direction == DirectionMax {
		return metric <= f.threshold
	}
	return metric >= f.threshold
}
