package warmup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// batchResult is the outcome of one identifier within a batch.
type batchResult struct {
	id       string
	outcome  Outcome
	err      error
	duration time.Duration
}

// batchRunner fans one batch out to a bounded number of concurrent fetches.
type batchRunner struct {
	warmer      Warmer
	concurrency int
	timeout     time.Duration
	logger      zerolog.Logger
}

// run warms ids with at most concurrency fetches in flight and returns when
// all started fetches settled. Once ctx is cancelled no further fetch starts.
// Each fetch runs under its own timeout, detached from ctx cancellation.
func (b *batchRunner) run(ctx context.Context, ids []string, report func(batchResult)) {
	var g errgroup.Group
	g.SetLimit(b.concurrency)

	for _, id := range ids {
		if ctx.Err() != nil {
			b.logger.Debug().Str("page_id", id).Msg("Job cancelled - not starting fetch")
			break
		}
		g.Go(func() error {
			// Go may have waited for a free slot past a cancellation.
			if ctx.Err() != nil {
				return nil
			}
			report(b.warmOne(ctx, id))
			return nil
		})
	}

	// Workers never return errors; failures travel through report.
	_ = g.Wait()
}

func (b *batchRunner) warmOne(ctx context.Context, id string) (res batchResult) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	start := time.Now()
	res.id = id
	defer func() {
		if r := recover(); r != nil {
			res.outcome = OutcomeFailed
			res.err = fmt.Errorf("panic warming %s: %v", id, r)
		}
		res.duration = time.Since(start)
	}()

	res.outcome, res.err = b.warmer.Warm(fetchCtx, id)
	if res.err != nil {
		res.outcome = OutcomeFailed
	}
	return res
}

// chunk splits ids into consecutive batches of size.
func chunk(ids []string, size int) [][]string {
	batches := make([][]string, 0, batchCount(len(ids), size))
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}
