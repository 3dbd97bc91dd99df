package batch

import (
	"context"
	"time"

	"extractflow/internal/runstore"
)

// Status is a point-in-time view of a batch.
type Status struct {
	Batch           *runstore.BatchRun
	Units           []*runstore.BatchUnit
	Summary         runstore.BatchSummary
	Active          bool
	ActiveDuration  time.Duration
	MatchRate       float64
	ReportedMatched int64
}

// Status reports a batch with its units and run totals. A dispatching batch
// is read from memory so in-progress pauses are reflected.
func (o *Orchestrator) Status(ctx context.Context, batchID string) (*Status, error) {
	var (
		batch  *runstore.BatchRun
		active bool
	)
	if ab := o.lookup(batchID); ab != nil {
		batch = ab.snapshot()
		active = true
	} else {
		stored, err := o.getBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		batch = stored
	}
	units, err := o.store.ListUnits(ctx, batchID)
	if err != nil {
		return nil, err
	}
	summary, err := o.store.Summary(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &Status{
		Batch:           batch,
		Units:           units,
		Summary:         summary,
		Active:          active,
		ActiveDuration:  batch.ActiveDuration(o.now()),
		MatchRate:       batch.MatchRate(),
		ReportedMatched: batch.ReportedMatched(),
	}, nil
}

// List returns stored batches, optionally filtered by state.
func (o *Orchestrator) List(ctx context.Context, states ...runstore.BatchState) ([]*runstore.BatchRun, error) {
	return o.store.ListBatches(ctx, states...)
}

// Runs returns every run of a batch in creation order.
func (o *Orchestrator) Runs(ctx context.Context, batchID string) ([]*runstore.ExtractionRun, error) {
	if _, err := o.getBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return o.store.ListRunsByBatch(ctx, batchID)
}

// ActiveCount reports how many batches this process is dispatching.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}
