package memqueue

import (
	"log/slog"
	"time"

	"github.com/imrishuroy/orderflow-pipeline/internal/queue"
)

// Option configures a Queue.
type Option func(*Queue)

// WithVisibilityTimeout sets how long a delivery stays hidden awaiting its ack.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) { q.visibility = d }
}

// WithDeadLetter redelivers a message at most maxRedeliveries times and moves
// it to dlq when the visibility window of its last delivery elapses. Without a
// dead-letter queue messages are redelivered indefinitely.
func WithDeadLetter(dlq queue.Sender, maxRedeliveries int) Option {
	return func(q *Queue) {
		q.dlq = dlq
		q.maxRedrive = maxRedeliveries
	}
}

// WithDedupWindow sets how long a (partition key, dedup id) pair is remembered.
func WithDedupWindow(d time.Duration) Option {
	return func(q *Queue) { q.dedupWindow = d }
}

// WithWaitTime sets how long Receive waits for a message before returning empty.
func WithWaitTime(d time.Duration) Option {
	return func(q *Queue) { q.waitTime = d }
}

// WithUnordered disables partition ordering; every message is its own
// partition. Dead-letter queues use this.
func WithUnordered() Option {
	return func(q *Queue) { q.fifo = false }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

func withNow(now func() time.Time) Option {
	return func(q *Queue) { q.nowFunc = now }
}
