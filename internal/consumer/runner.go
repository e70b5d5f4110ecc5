// Package consumer runs pollers that pull deliveries from a queue, hand them
// to a handler and acknowledge the ones it accepts.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/imrishuroy/orderflow-pipeline/internal/queue"
)

// Handler processes one delivery. Returning nil acknowledges it; an error
// leaves it on the queue for redelivery.
type Handler interface {
	Handle(ctx context.Context, d queue.Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d queue.Delivery) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, d queue.Delivery) error { return f(ctx, d) }

// Runner polls one queue with a fixed number of concurrent pollers.
type Runner struct {
	name         string
	receiver     queue.Receiver
	handler      Handler
	concurrency  int
	batchSize    int
	errorBackoff time.Duration
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithConcurrency sets the number of concurrent pollers.
func WithConcurrency(n int) Option {
	return func(r *Runner) { r.concurrency = n }
}

// WithBatchSize sets how many deliveries each poll asks for.
func WithBatchSize(n int) Option {
	return func(r *Runner) { r.batchSize = n }
}

// WithErrorBackoff sets the pause after a failed receive.
func WithErrorBackoff(d time.Duration) Option {
	return func(r *Runner) { r.errorBackoff = d }
}

// WithRateLimit caps handled deliveries per second across all pollers. A
// non-positive rate leaves the runner unthrottled.
func WithRateLimit(perSecond float64) Option {
	return func(r *Runner) {
		if perSecond > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewRunner creates a Runner named name, used in logs.
func NewRunner(name string, receiver queue.Receiver, handler Handler, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		name:         name,
		receiver:     receiver,
		handler:      handler,
		concurrency:  1,
		batchSize:    1,
		errorBackoff: time.Second,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.concurrency = max(r.concurrency, 1)
	r.batchSize = max(r.batchSize, 1)
	r.logger = r.logger.With(slog.String("consumer", name))
	return r
}

// Run polls until ctx is cancelled or the queue is closed. It returns nil on
// either; handler errors never stop the runner.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("consumer starting",
		slog.Int("concurrency", r.concurrency),
		slog.Int("batch_size", r.batchSize),
	)

	g, ctx := errgroup.WithContext(ctx)
	for range r.concurrency {
		g.Go(func() error { return r.poll(ctx) })
	}
	err := g.Wait()

	r.logger.Info("consumer stopped")
	return err
}

func (r *Runner) poll(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		deliveries, err := r.receiver.Receive(ctx, r.batchSize)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			r.logger.Error("receive failed", slog.Any("error", err))
			if !sleep(ctx, r.errorBackoff) {
				return nil
			}
			continue
		}

		for _, d := range deliveries {
			r.dispatch(ctx, d)
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, d queue.Delivery) {
	if r.limiter != nil {
		// Left unacked on shutdown; it becomes visible again.
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
	}
	if err := r.handler.Handle(ctx, d); err != nil {
		r.logger.Warn("delivery not acknowledged",
			slog.String("message_id", d.MessageID),
			slog.String("partition_key", d.PartitionKey),
			slog.Int("receive_count", d.ReceiveCount),
			slog.Any("error", err),
		)
		return
	}

	if err := r.receiver.Ack(ctx, d); err != nil {
		if errors.Is(err, queue.ErrStaleReceipt) {
			// Handling outlived the visibility window; the message will be
			// delivered again and found terminal.
			r.logger.Warn("ack after visibility timeout", slog.String("message_id", d.MessageID))
			return
		}
		r.logger.Error("ack failed", slog.String("message_id", d.MessageID), slog.Any("error", err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
