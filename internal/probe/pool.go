package probe

import (
	"context"

	"golang.org/x/sync/errgroup"

	"guardian/internal/directory"
)

// ProbeAll checks every target concurrently through a bounded worker pool.
// Results keep the input order. Individual probe failures never surface as
// errors; only cancellation aborts the pass early.
func (p *Prober) ProbeAll(ctx context.Context, targets []directory.Target, concurrency int) ([]Result, error) {
	if concurrency <= 0 {
		concurrency = 8
	}
	// Fill in defaults before the fan-out so workers never write the
	// shared Prober fields concurrently.
	p.defaults()
	results := make([]Result, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, target := range targets {
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = p.Probe(gctx, target)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
