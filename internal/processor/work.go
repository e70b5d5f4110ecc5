package processor

import (
	"context"
	"time"

	"github.com/imrishuroy/orderflow-pipeline/internal/orders"
)

// UnitOfWork is the business work performed for one item.
type UnitOfWork interface {
	Do(ctx context.Context, msg orders.Message) error
}

// WorkFunc adapts a function to UnitOfWork.
type WorkFunc func(ctx context.Context, msg orders.Message) error

// Do calls f.
func (f WorkFunc) Do(ctx context.Context, msg orders.Message) error { return f(ctx, msg) }

// SimulatedWork stands in for real processing by waiting for d.
func SimulatedWork(d time.Duration) UnitOfWork {
	return WorkFunc(func(ctx context.Context, _ orders.Message) error {
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	})
}
