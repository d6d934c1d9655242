package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lfit/github2gerrit/internal/progress"
	"github.com/lfit/github2gerrit/pkg/report"
)

// RunAll executes runners concurrently under a worker limit. Aborted runs
// do not stop the batch; their records carry the failure and the first
// error is returned after every runner has finished.
func RunAll(ctx context.Context, runners []*Runner, workers int, bar *progress.Bar) ([]report.Record, error) {
	if workers <= 0 {
		workers = 1
	}

	records := make([]report.Record, len(runners))
	var mu sync.Mutex
	var firstErr error

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for i, r := range runners {
		group.Go(func() error {
			bar.Describe(fmt.Sprintf("PR #%d", r.PR.Number))
			rec, err := r.Run(ctx)
			bar.Add(1)
			mu.Lock()
			records[i] = rec
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("PR #%d: %w", r.PR.Number, err)
			}
			mu.Unlock()
			// Per-run failures are recorded, not propagated, so one bad
			// PR cannot cancel the rest of the batch.
			return nil
		})
	}
	_ = group.Wait()
	bar.Finish()
	return records, firstErr
}
