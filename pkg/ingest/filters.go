package ingest

import (
	"context"

	"github.com/streamtools/streamer.tools/pkg/store"
)

// FilterEvaluator checks newly committed readings against per-stream
// alert rules. Rule authoring lives elsewhere; the pipeline only invokes
// evaluation after a successful commit.
type FilterEvaluator interface {
	Evaluate(ctx context.Context, rows []store.StreamData)
}

// ThresholdRule fires when a reading on its stream crosses the bound.
type ThresholdRule struct {
	StreamSlug string
	Above      bool
	Limit      uint32
}

// ThresholdEvaluator is the in-tree evaluator: static rules, alerts
// through the notifier.
type ThresholdEvaluator struct {
	Rules    []ThresholdRule
	Notifier Notifier
}

func (e *ThresholdEvaluator) Evaluate(ctx context.Context, rows []store.StreamData) {
	for _, rule := range e.Rules {
		for _, row := range rows {
			if row.StreamSlug != rule.StreamSlug {
				continue
			}
			fired := (rule.Above && row.Value > rule.Limit) || (!rule.Above && row.Value < rule.Limit)
			if !fired {
				continue
			}
			e.Notifier.Notify(ctx, "stream filter triggered", map[string]interface{}{
				"stream": row.StreamSlug,
				"seq_id": row.StreamerLocalID,
				"value":  row.Value,
				"limit":  rule.Limit,
			})
		}
	}
}
