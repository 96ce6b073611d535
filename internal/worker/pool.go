package worker

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// RunPool runs n copies of the processor loop over the shared queue and handlers.
// It returns when ctx is cancelled or a loop fails.
func RunPool(ctx context.Context, p *Processor, n int) error {
	if n <= 0 {
		n = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return p.Run(gctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}
