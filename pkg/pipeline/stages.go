package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/heascreen/pkg/composition"
	"github.com/3leaps/heascreen/pkg/ledger"
	"github.com/3leaps/heascreen/pkg/output"
	"github.com/3leaps/heascreen/pkg/predict"
	"github.com/3leaps/heascreen/pkg/screenerr"
	"github.com/3leaps/heascreen/pkg/sites"
	"github.com/3leaps/heascreen/pkg/stability"
	"github.com/3leaps/heascreen/pkg/structure"
)

// Unit outcomes recorded in the ledger.
const (
	OutcomeGenerated   = "generated"
	OutcomeRejected    = "rejected"
	OutcomeEnumerated  = "enumerated"
	OutcomeNoSites     = "no_sites"
	OutcomePredicted   = "predicted"
	OutcomeCached      = "cached"
	OutcomeTransient   = ledger.OutcomeExhausted
	OutcomeBadPayload  = "invalid_payload"
	OutcomeTimedOut    = "timeout"
	OutcomeUnavailable = "adapter_error"
)

type generationPayload struct {
	Attempt int `json:"attempt"`
}

func generationUnit(key string, attempt int) ledger.NewUnit {
	payload, _ := json.Marshal(generationPayload{Attempt: attempt})
	return ledger.NewUnit{
		ID:             ledger.GenerationUnitID(key, attempt),
		Stage:          ledger.StageGeneration,
		CompositionKey: key,
		Payload:        payload,
	}
}

func (p *Pipeline) processStability(ctx context.Context, u ledger.Unit) error {
	c, err := composition.ParseKey(u.CompositionKey)
	if err != nil {
		return p.fail(ctx, u, string(stability.OutcomeUnknown), screenerr.Validation("invalid_composition", err))
	}

	var v stability.Verdict
	err = p.call(ctx, u, "score", func(actx context.Context) error {
		var err error
		v, err = p.filter.Evaluate(actx, c)
		return err
	})
	if err != nil {
		return p.settle(ctx, u, string(stability.OutcomeUnknown), err)
	}

	rec := &ledger.CompositionRecord{Key: v.Key, Outcome: string(v.Outcome), Reason: v.Reason}
	if v.Outcome != stability.OutcomeUnknown {
		metric := v.Metric
		rec.Metric = &metric
	}
	comp := ledger.Completion{Outcome: string(v.Outcome), Composition: rec}
	if v.Stable() {
		comp.Enqueue = []ledger.NewUnit{generationUnit(v.Key, 1)}
	}
	if err := p.complete(ctx, u, comp); err != nil {
		return err
	}

	p.emit(p.writer.WriteComposition(context.WithoutCancel(ctx), &output.CompositionRecord{
		Composition: rec.Key,
		Metric:      rec.Metric,
		Outcome:     rec.Outcome,
		Reason:      rec.Reason,
	}))
	return nil
}

func (p *Pipeline) processGeneration(ctx context.Context, u ledger.Unit) error {
	var pl generationPayload
	if err := json.Unmarshal(u.Payload, &pl); err != nil || pl.Attempt < 1 {
		return p.fail(ctx, u, OutcomeBadPayload, screenerr.Validation(OutcomeBadPayload, err))
	}
	c, err := composition.ParseKey(u.CompositionKey)
	if err != nil {
		return p.fail(ctx, u, OutcomeBadPayload, screenerr.Validation("invalid_composition", err))
	}

	var structures []*structure.Structure
	err = p.call(ctx, u, "generate", func(actx context.Context) error {
		var err error
		structures, err = p.generator.Generate(actx, c, pl.Attempt, p.cfg.StructuresPerComposition)
		return err
	})
	if err != nil {
		return p.settle(ctx, u, outcomeFor(err), err)
	}

	structure.Assign(structures, u.CompositionKey, pl.Attempt)
	comp := ledger.Completion{Outcome: OutcomeGenerated}
	accepted := 0
	for _, s := range structures {
		rec := ledger.StructureRecord{Structure: s, Accepted: true}
		if err := structure.Check(s, p.cfg.MinInteratomicDistance); err != nil {
			rec.Accepted = false
			rec.Reason = screenerr.ValidationReason(err)
		} else {
			accepted++
			comp.Enqueue = append(comp.Enqueue, ledger.NewUnit{
				ID:             ledger.EnumerationUnitID(s.ID),
				Stage:          ledger.StageEnumeration,
				CompositionKey: u.CompositionKey,
				Payload:        []byte(s.ID),
			})
		}
		comp.Structures = append(comp.Structures, rec)
	}
	if accepted == 0 {
		comp.Outcome = OutcomeRejected
		if pl.Attempt < p.cfg.GenerationAttempts {
			comp.Enqueue = append(comp.Enqueue, generationUnit(u.CompositionKey, pl.Attempt+1))
		}
	}
	if err := p.complete(ctx, u, comp); err != nil {
		return err
	}

	wctx := context.WithoutCancel(ctx)
	for _, rec := range comp.Structures {
		s := rec.Structure
		if !rec.Accepted {
			p.logger.Info("structure rejected",
				zap.String("structure_id", s.ID),
				zap.String("composition", u.CompositionKey),
				zap.String("reason", rec.Reason))
			p.event(wctx, ledger.Event{
				Type:           ledger.EventTypeRejected,
				Category:       ledger.EventCategoryWarning,
				UnitID:         u.ID,
				CompositionKey: u.CompositionKey,
				Detail:         s.ID + ": " + rec.Reason,
			})
		}
		p.emit(p.writer.WriteStructure(wctx, &output.StructureRecord{
			StructureID: s.ID,
			Composition: u.CompositionKey,
			Attempt:     s.Attempt,
			Sample:      s.Sample,
			Atoms:       s.Len(),
			Accepted:    rec.Accepted,
			Reason:      rec.Reason,
		}))
	}
	return nil
}

func (p *Pipeline) processEnumeration(ctx context.Context, u ledger.Unit) error {
	structureID := string(u.Payload)
	s, err := p.ledger.Structure(context.WithoutCancel(ctx), structureID)
	if err != nil {
		return screenerr.Corruption("enumeration unit without structure: "+u.ID, err)
	}

	res, err := p.enumerator.Enumerate(s)
	if err != nil {
		if !screenerr.IsValidation(err) {
			err = screenerr.Validation("enumeration_failed", err)
		}
		return p.fail(ctx, u, screenerr.ValidationReason(err), err)
	}

	comp := ledger.Completion{
		Outcome: OutcomeEnumerated,
		Aligned: &ledger.AlignedRecord{StructureID: structureID, Aligned: res.Aligned},
	}
	models := sites.Models(res, p.cfg.Adsorbate)
	if len(models) == 0 {
		comp.Outcome = OutcomeNoSites
	}
	for _, m := range models {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode model %s: %w", m.ID, err)
		}
		comp.Sites = append(comp.Sites, ledger.SiteRecord{
			StructureID:    structureID,
			CompositionKey: u.CompositionKey,
			ModelID:        m.ID,
			Site:           m.Site,
		})
		comp.Enqueue = append(comp.Enqueue, ledger.NewUnit{
			ID:             ledger.PredictionUnitID(m.ID),
			Stage:          ledger.StagePrediction,
			CompositionKey: u.CompositionKey,
			Payload:        payload,
		})
	}
	if err := p.complete(ctx, u, comp); err != nil {
		return err
	}

	if comp.Outcome == OutcomeNoSites {
		p.logger.Info("structure has no adsorption sites",
			zap.String("structure_id", structureID),
			zap.String("composition", u.CompositionKey))
	}
	wctx := context.WithoutCancel(ctx)
	for _, m := range models {
		p.emit(p.writer.WriteSite(wctx, &output.SiteRecord{
			ModelID:     m.ID,
			StructureID: structureID,
			Composition: u.CompositionKey,
			Label:       m.Site.Label,
			Kind:        string(m.Site.Kind),
			Position:    m.Site.Position,
			Signature:   m.Site.Signature,
		}))
	}
	return nil
}

// processPredictions predicts a chunk of prediction units through the
// batcher. Units failing transiently are resubmitted together after a
// backoff until the retry budget is spent.
func (p *Pipeline) processPredictions(ctx context.Context, units []ledger.Unit) error {
	pending := make([]ledger.Unit, 0, len(units))
	models := make([]sites.Model, 0, len(units))
	for _, u := range units {
		var m sites.Model
		err := json.Unmarshal(u.Payload, &m)
		if err == nil && m.ID == "" {
			err = errors.New("model id is empty")
		}
		if err != nil {
			if err := p.fail(ctx, u, OutcomeBadPayload, screenerr.Validation(OutcomeBadPayload, err)); err != nil {
				return err
			}
			continue
		}
		pending = append(pending, u)
		models = append(models, m)
	}

	backoff := p.cfg.Retry.InitialBackoff
	for attempt := 1; len(pending) > 0; attempt++ {
		actx, cancel := p.adapterCtx(ctx)
		start := time.Now()
		outcomes := p.batcher.Run(actx, models)
		timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
		cancel()

		var retryUnits []ledger.Unit
		var retryModels []sites.Model
		var lastErr error
		for i, o := range outcomes {
			u := pending[i]
			err := o.Err
			if err != nil && timedOut && errors.Is(err, context.DeadlineExceeded) {
				err = screenerr.Transient("predict", err)
			}
			switch {
			case err == nil:
				if err := p.completePrediction(ctx, u, o.Model, *o.Prediction, o.Cached); err != nil {
					return err
				}
			case screenerr.IsTransient(err):
				lastErr = err
				retryUnits = append(retryUnits, u)
				retryModels = append(retryModels, o.Model)
			default:
				if err := p.fail(ctx, u, outcomeFor(err), err); err != nil {
					return err
				}
			}
		}
		p.observer.AdapterCall("predict", time.Since(start), lastErr)

		if len(retryUnits) == 0 {
			return nil
		}
		if attempt >= p.cfg.Retry.MaxAttempts {
			for _, u := range retryUnits {
				if err := p.fail(ctx, u, OutcomeTransient, lastErr); err != nil {
					return err
				}
			}
			return nil
		}

		p.retries.Add(int64(len(retryUnits)))
		p.observer.Retry("predict")
		p.logger.Warn("transient prediction failure, retrying",
			zap.Int("units", len(retryUnits)),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		p.event(ctx, ledger.Event{
			Type:     ledger.EventTypeRetry,
			Category: ledger.EventCategoryWarning,
			UnitID:   retryUnits[0].ID,
			Detail:   fmt.Sprintf("%d units: %v", len(retryUnits), lastErr),
		})
		if !sleep(ctx, jittered(backoff, p.cfg.Retry.JitterFactor)) {
			return p.release(ctx, retryUnits)
		}
		backoff = nextBackoff(backoff, p.cfg.Retry)
		pending, models = retryUnits, retryModels
	}
	return nil
}

func (p *Pipeline) completePrediction(ctx context.Context, u ledger.Unit, m sites.Model, pred predict.Prediction, cached bool) error {
	rec := &ledger.PredictionRecord{
		ModelID:        m.ID,
		CompositionKey: m.CompositionKey,
		StructureID:    m.StructureID,
		SiteLabel:      m.Site.Label,
		Energy:         pred.Energy,
		Uncertainty:    pred.Uncertainty,
		Cached:         cached,
	}
	outcome := OutcomePredicted
	if cached {
		outcome = OutcomeCached
	}
	if err := p.complete(ctx, u, ledger.Completion{Outcome: outcome, Prediction: rec}); err != nil {
		return err
	}
	p.emit(p.writer.WritePrediction(context.WithoutCancel(ctx), &output.PredictionRecord{
		ModelID:     rec.ModelID,
		StructureID: rec.StructureID,
		Composition: rec.CompositionKey,
		Site:        rec.SiteLabel,
		Energy:      rec.Energy,
		Uncertainty: rec.Uncertainty,
		Cached:      rec.Cached,
	}))
	return nil
}

// adapterCtx returns the context for one adapter call. It outlives a stop
// request and is bounded by AdapterTimeout.
func (p *Pipeline) adapterCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.AdapterTimeout)
}

// call runs one adapter operation for u with retry. A call that exceeds
// AdapterTimeout counts as transient.
func (p *Pipeline) call(ctx context.Context, u ledger.Unit, op string, fn func(actx context.Context) error) error {
	onRetry := func(attempt int, err error) {
		p.retries.Add(1)
		p.observer.Retry(op)
		p.logger.Warn("transient adapter failure, retrying",
			zap.String("unit_id", u.ID),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		p.event(ctx, ledger.Event{
			Type:           ledger.EventTypeRetry,
			Category:       ledger.EventCategoryWarning,
			UnitID:         u.ID,
			CompositionKey: u.CompositionKey,
			Detail:         err.Error(),
		})
	}
	return retry(ctx, p.cfg.Retry, onRetry, func() error {
		actx, cancel := p.adapterCtx(ctx)
		defer cancel()
		start := time.Now()
		err := fn(actx)
		if err != nil && !screenerr.IsTransient(err) && errors.Is(actx.Err(), context.DeadlineExceeded) {
			err = screenerr.Transient(op, err)
		}
		p.observer.AdapterCall(op, time.Since(start), err)
		return err
	})
}

func (p *Pipeline) complete(ctx context.Context, u ledger.Unit, c ledger.Completion) error {
	if err := p.ledger.Complete(context.WithoutCancel(ctx), u.ID, c); err != nil {
		return fmt.Errorf("complete %s: %w", u.ID, err)
	}
	p.observer.UnitDone(u.Stage, c.Outcome)
	return nil
}

// settle finishes a unit whose adapter call did not succeed: released if
// a stop interrupted its retries, failed otherwise.
func (p *Pipeline) settle(ctx context.Context, u ledger.Unit, outcome string, cause error) error {
	if errors.Is(cause, errStopped) {
		return p.release(ctx, []ledger.Unit{u})
	}
	return p.fail(ctx, u, outcome, cause)
}

// fail moves u to failed and reports it. Only ledger errors are returned.
func (p *Pipeline) fail(ctx context.Context, u ledger.Unit, outcome string, cause error) error {
	lctx := context.WithoutCancel(ctx)
	if err := p.ledger.Fail(lctx, u.ID, outcome, cause); err != nil {
		return fmt.Errorf("fail %s: %w", u.ID, err)
	}
	p.observer.UnitFailed(u.Stage, outcome)
	p.logger.Warn("unit failed",
		zap.String("unit_id", u.ID),
		zap.String("stage", string(u.Stage)),
		zap.String("outcome", outcome),
		zap.Int("attempts", u.Attempts),
		zap.Error(cause))
	p.event(lctx, ledger.Event{
		Type:           ledger.EventTypeUnitFailed,
		Category:       ledger.EventCategoryError,
		UnitID:         u.ID,
		CompositionKey: u.CompositionKey,
		Detail:         cause.Error(),
	})
	p.emit(p.writer.WriteError(lctx, &output.ErrorRecord{
		Code:        errorCode(cause),
		Message:     cause.Error(),
		UnitID:      u.ID,
		Stage:       string(u.Stage),
		Composition: u.CompositionKey,
	}))
	return nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimedOut
	case screenerr.IsTransient(err):
		return OutcomeTransient
	case screenerr.IsValidation(err):
		return screenerr.ValidationReason(err)
	default:
		return OutcomeUnavailable
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return output.ErrCodeTimeout
	case screenerr.IsTransient(err):
		return output.ErrCodeTransient
	case screenerr.IsValidation(err):
		return output.ErrCodeValidation
	default:
		return output.ErrCodeInternal
	}
}
