package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/3leaps/heascreen/pkg/aggregate"
	"github.com/3leaps/heascreen/pkg/ledger"
	"github.com/3leaps/heascreen/pkg/output"
	"github.com/3leaps/heascreen/pkg/rank"
)

// Report aggregates the predictions recorded in l and ranks the finalized
// compositions. It reads the ledger only and may run while a screen is in
// progress.
func Report(ctx context.Context, l *ledger.Ledger, agg aggregate.Config, rc rank.Config) (*aggregate.Report, *rank.Ranking, error) {
	preds, err := l.Predictions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read predictions: %w", err)
	}
	progress, err := l.Progress(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read progress: %w", err)
	}
	report := aggregate.Aggregate(preds, progress, agg)
	ranking, err := rank.Rank(report, rc)
	if err != nil {
		return nil, nil, err
	}
	return report, ranking, nil
}

// SummaryRecord converts a Result into the final summary record.
func SummaryRecord(res *Result) *output.SummaryRecord {
	s := res.Summary
	rec := &output.SummaryRecord{
		Stable:            s.Stable,
		Unstable:          s.Unstable,
		StabilityUnknown:  s.StabilityUnknown,
		StructuresOK:      s.StructuresOK,
		StructuresBad:     s.StructuresBad,
		NoSiteStructures:  s.NoSiteStructures,
		Sites:             s.Sites,
		PredictionsDone:   s.PredictionsDone,
		PredictionsFailed: s.PredictionsFailed,
		CacheHits:         s.CacheHits,
		Retries:           res.Retries,
		Duration:          res.Duration,
		DurationHuman:     res.Duration.Round(time.Millisecond).String(),
		HaltReason:        s.HaltReason,
	}
	if res.Ranking != nil {
		for _, c := range res.Ranking.Candidates {
			rec.Top = append(rec.Top, c.Composition)
		}
	}
	return rec
}
