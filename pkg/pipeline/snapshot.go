package pipeline

import (
	"context"
	"time"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/polisai/plantwatch/pkg/metrics"
	"github.com/polisai/plantwatch/pkg/storage"
)

// SnapshotSink receives freshly computed snapshots.
type SnapshotSink interface {
	SetSnapshot(domain.MetricsSnapshot)
}

// BuildSnapshot aggregates stored records since the given time and evaluates
// gates, folding in the gate policy when one is configured.
func BuildSnapshot(ctx context.Context, store storage.Store, gates metrics.Gates, policy *metrics.RegoGate, since time.Time) (domain.MetricsSnapshot, error) {
	records, err := store.List(ctx, storage.ListFilter{Since: since})
	if err != nil {
		return domain.MetricsSnapshot{}, err
	}
	snapshot, err := metrics.AggregateRecords(records)
	if err != nil {
		return domain.MetricsSnapshot{}, err
	}
	report := gates.Evaluate(snapshot)
	if policy != nil {
		decision, err := policy.Evaluate(ctx, snapshot)
		if err != nil {
			return domain.MetricsSnapshot{}, err
		}
		report = report.WithPolicy(decision)
	}
	return metrics.Rounded(report.Apply(snapshot)), nil
}
