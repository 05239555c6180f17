package predict

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/3leaps/heascreen/pkg/screenerr"
	"github.com/3leaps/heascreen/pkg/sites"
)

// DefaultBatchSize is used when Batcher is configured with a zero size.
const DefaultBatchSize = 32

// Cache stores predictions across runs.
type Cache interface {
	Get(key string) (Prediction, bool, error)
	Put(key string, p Prediction) error
}

// Outcome is the result for one input model.
type Outcome struct {
	Model      sites.Model
	Prediction *Prediction
	Err        error
	Cached     bool
}

// Batcher submits models to a Predictor in batches.
//
// Batcher holds no mutable state and is safe for concurrent use; each
// Run call owns its buffers.
type Batcher struct {
	predictor   Predictor
	batchSize   int
	cache       Cache
	fingerprint string
	logger      *zap.Logger
}

// BatcherOption customizes a Batcher.
type BatcherOption func(*Batcher)

// WithCache enables cross-run caching. Keys are scoped by fingerprint.
func WithCache(c Cache, fingerprint string) BatcherOption {
	return func(b *Batcher) {
		b.cache = c
		b.fingerprint = fingerprint
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) BatcherOption {
	return func(b *Batcher) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBatcher creates a Batcher.
func NewBatcher(p Predictor, batchSize int, opts ...BatcherOption) *Batcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	b := &Batcher{predictor: p, batchSize: batchSize, logger: zap.NewNop()}
	if fp, ok := p.(Fingerprinter); ok {
		b.fingerprint = fp.Fingerprint()
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BatchSize returns the configured batch size.
func (b *Batcher) BatchSize() int { return b.batchSize }

// CacheKey returns the cross-run cache key for m: the predictor
// fingerprint and the model's geometry identity. Models without a content
// key are never cached.
func (b *Batcher) CacheKey(m sites.Model) string {
	if m.Content == "" {
		return ""
	}
	return b.fingerprint + "/" + m.Content
}

// Run predicts every model and returns exactly one Outcome per input, in
// input order. Whole-batch transient failures are not bisected; the
// affected outcomes carry the transient error for the caller to retry.
func (b *Batcher) Run(ctx context.Context, models []sites.Model) []Outcome {
	out := make([]Outcome, len(models))
	pending := make([]int, 0, len(models))
	for i, m := range models {
		out[i].Model = m
		if key := b.CacheKey(m); b.cache != nil && key != "" {
			p, ok, err := b.cache.Get(key)
			if err != nil {
				b.logger.Warn("prediction cache read failed", zap.String("model_id", m.ID), zap.Error(err))
			} else if ok {
				p.ModelID = m.ID
				out[i].Prediction = &p
				out[i].Cached = true
				continue
			}
		}
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += b.batchSize {
		end := start + b.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		b.process(ctx, models, pending[start:end], out)
	}
	return out
}

// process submits the models at idx and bisects on failure.
func (b *Batcher) process(ctx context.Context, models []sites.Model, idx []int, out []Outcome) {
	if len(idx) == 0 {
		return
	}
	if err := ctx.Err(); err != nil {
		for _, i := range idx {
			out[i].Err = err
		}
		return
	}

	batch := make([]sites.Model, len(idx))
	for k, i := range idx {
		batch[k] = models[i]
	}

	preds, err := b.predictor.Predict(ctx, batch)
	if err == nil {
		err = validate(batch, preds)
	}
	if err == nil {
		for k, i := range idx {
			b.accept(out, i, preds[k])
		}
		return
	}

	var partial *PartialError
	if errors.As(err, &partial) {
		var failed []int
		for k, i := range idx {
			if p, ok := partial.Predictions[k]; ok {
				if _, bad := partial.Failed[k]; !bad {
					b.accept(out, i, p)
					continue
				}
			}
			if len(idx) == 1 {
				out[i].Err = partial.Failed[k]
				if out[i].Err == nil {
					out[i].Err = err
				}
				continue
			}
			failed = append(failed, i)
		}
		b.bisect(ctx, models, failed, out)
		return
	}

	// Transient failures are retried by the caller, not bisected.
	if len(idx) == 1 || screenerr.IsTransient(err) {
		for _, i := range idx {
			out[i].Err = err
		}
		return
	}
	b.logger.Debug("batch failed, bisecting", zap.Int("size", len(idx)), zap.Error(err))
	b.bisect(ctx, models, idx, out)
}

func (b *Batcher) bisect(ctx context.Context, models []sites.Model, idx []int, out []Outcome) {
	if len(idx) == 0 {
		return
	}
	if len(idx) == 1 {
		b.process(ctx, models, idx, out)
		return
	}
	mid := len(idx) / 2
	b.process(ctx, models, idx[:mid], out)
	b.process(ctx, models, idx[mid:], out)
}

func (b *Batcher) accept(out []Outcome, i int, p Prediction) {
	p.ModelID = out[i].Model.ID
	if err := checkValue(p); err != nil {
		out[i].Err = err
		return
	}
	out[i].Prediction = &p
	if key := b.CacheKey(out[i].Model); b.cache != nil && key != "" {
		if err := b.cache.Put(key, p); err != nil {
			b.logger.Warn("prediction cache write failed", zap.String("model_id", p.ModelID), zap.Error(err))
		}
	}
}
