// Package memqueue is a self-hosted partitioned FIFO queue with the delivery
// contract of an SQS FIFO queue: per-partition ordering with one in-flight
// message per partition, visibility timeouts, a dedup window, and dead-letter
// redrive once a bounded number of redeliveries is spent.
package memqueue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imrishuroy/orderflow-pipeline/internal/queue"
)

const (
	defaultVisibility  = 30 * time.Second
	defaultDedupWindow = 5 * time.Minute
	defaultWaitTime    = time.Second
)

type entry struct {
	id           string
	msg          queue.Message
	part         *partition
	receiveCount int
	receipt      string
	timer        *time.Timer
}

// partition holds messages in send order. Only the head is ever in flight.
type partition struct {
	key     string
	pending []*entry
	busy    bool
}

type dedupMark struct {
	key     string
	expires time.Time
}

// Queue is an in-memory implementation of queue.Queue.
type Queue struct {
	name        string
	fifo        bool
	visibility  time.Duration
	dedupWindow time.Duration
	waitTime    time.Duration
	maxRedrive  int
	dlq         queue.Sender
	logger      *slog.Logger
	nowFunc     func() time.Time

	mu         sync.Mutex
	partitions map[string]*partition
	order      []string // partition keys in first-arrival order
	inflight   map[string]*entry
	dedup      map[string]time.Time
	dedupLog   []dedupMark
	size       int
	notify     chan struct{}
	closed     bool
	timers     sync.WaitGroup
}

var _ queue.Queue = (*Queue)(nil)

// New returns an ordered queue named name.
func New(name string, opts ...Option) *Queue {
	q := &Queue{
		name:        name,
		fifo:        true,
		visibility:  defaultVisibility,
		dedupWindow: defaultDedupWindow,
		waitTime:    defaultWaitTime,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		nowFunc:     time.Now,
		partitions:  make(map[string]*partition),
		inflight:    make(map[string]*entry),
		dedup:       make(map[string]time.Time),
		notify:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(slog.String("queue", name))
	return q
}

// Send appends msgs to their partitions. A message whose (partition key,
// dedup id) pair was accepted within the dedup window is dropped silently.
func (q *Queue) Send(_ context.Context, msgs ...queue.Message) error {
	for _, m := range msgs {
		if q.fifo && m.PartitionKey == "" {
			return errors.New("memqueue: partition key required")
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}

	now := q.nowFunc()
	q.expireDedup(now)
	for _, m := range msgs {
		if m.DeduplicationID != "" {
			k := m.PartitionKey + "\x00" + m.DeduplicationID
			if exp, ok := q.dedup[k]; ok && now.Before(exp) {
				q.logger.Debug("duplicate send dropped",
					slog.String("partition_key", m.PartitionKey),
					slog.String("dedup_id", m.DeduplicationID),
				)
				continue
			}
			exp := now.Add(q.dedupWindow)
			q.dedup[k] = exp
			q.dedupLog = append(q.dedupLog, dedupMark{key: k, expires: exp})
		}
		q.enqueue(&entry{id: uuid.NewString(), msg: clone(m)})
	}
	q.signal()
	return nil
}

func (q *Queue) enqueue(e *entry) {
	key := e.msg.PartitionKey
	if !q.fifo {
		key = e.id
	}
	p, ok := q.partitions[key]
	if !ok {
		p = &partition{key: key}
		q.partitions[key] = p
		q.order = append(q.order, key)
	}
	e.part = p
	p.pending = append(p.pending, e)
	q.size++
}

// expireDedup drops marks older than the window. Marks are appended with
// non-decreasing expiry so the log is trimmed from the front.
func (q *Queue) expireDedup(now time.Time) {
	n := 0
	for _, m := range q.dedupLog {
		if now.Before(m.expires) {
			break
		}
		if q.dedup[m.key].Equal(m.expires) {
			delete(q.dedup, m.key)
		}
		n++
	}
	q.dedupLog = q.dedupLog[n:]
}

// Receive returns up to maxMessages visible messages, at most one per partition,
// waiting up to the configured wait time for one to become available.
func (q *Queue) Receive(ctx context.Context, maxMessages int) ([]queue.Delivery, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}
	var timeout <-chan time.Time
	if q.waitTime > 0 {
		t := time.NewTimer(q.waitTime)
		defer t.Stop()
		timeout = t.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, queue.ErrClosed
		}
		out := q.collect(maxMessages)
		wake := q.notify
		q.mu.Unlock()

		if len(out) > 0 || timeout == nil {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-wake:
		}
	}
}

// collect must be called with mu held.
func (q *Queue) collect(maxMessages int) []queue.Delivery {
	var out []queue.Delivery
	live := q.order[:0]
	for _, key := range q.order {
		p := q.partitions[key]
		if len(p.pending) == 0 && !p.busy {
			delete(q.partitions, key)
			continue
		}
		live = append(live, key)
		if len(out) < maxMessages && !p.busy && len(p.pending) > 0 {
			out = append(out, q.deliver(p.pending[0]))
		}
	}
	q.order = live
	return out
}

// deliver must be called with mu held.
func (q *Queue) deliver(e *entry) queue.Delivery {
	e.part.busy = true
	e.receiveCount++
	e.receipt = uuid.NewString()
	q.inflight[e.receipt] = e

	receipt := e.receipt
	q.timers.Add(1)
	e.timer = time.AfterFunc(q.visibility, func() {
		defer q.timers.Done()
		q.expire(e, receipt)
	})

	return queue.Delivery{
		Message:       clone(e.msg),
		MessageID:     e.id,
		ReceiptHandle: receipt,
		ReceiveCount:  e.receiveCount,
	}
}

// expire runs when a delivery's visibility window elapses without an ack.
func (q *Queue) expire(e *entry, receipt string) {
	q.mu.Lock()
	if q.closed || q.inflight[receipt] != e {
		q.mu.Unlock()
		return
	}
	delete(q.inflight, receipt)
	e.receipt = ""

	// Delivery n is redelivery n-1, so the budget is spent after delivery maxRedrive+1.
	if q.dlq == nil || q.maxRedrive < 1 || e.receiveCount <= q.maxRedrive {
		e.part.busy = false
		q.logger.Debug("visibility timeout elapsed, message visible again",
			slog.String("partition_key", e.msg.PartitionKey),
			slog.Int("receive_count", e.receiveCount),
		)
		q.signal()
		q.mu.Unlock()
		return
	}

	// The partition stays busy until the redrive settles so later messages
	// cannot overtake this one.
	q.mu.Unlock()

	err := q.dlq.Send(context.Background(), e.msg)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if err != nil {
		q.logger.Error("dead-letter redrive failed, message visible again",
			slog.String("partition_key", e.msg.PartitionKey),
			slog.Any("error", err),
		)
		e.part.busy = false
		q.signal()
		return
	}
	q.remove(e)
	q.logger.Warn("message moved to dead-letter queue",
		slog.String("partition_key", e.msg.PartitionKey),
		slog.String("message_id", e.id),
		slog.Int("receive_count", e.receiveCount),
	)
}

// remove drops e, the head of its partition. Must be called with mu held.
func (q *Queue) remove(e *entry) {
	p := e.part
	p.pending = p.pending[1:]
	p.busy = false
	q.size--
	q.signal()
}

// Ack removes an in-flight delivery for good.
func (q *Queue) Ack(_ context.Context, d queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	e, ok := q.inflight[d.ReceiptHandle]
	if !ok {
		return queue.ErrStaleReceipt
	}
	q.stopTimer(e)
	delete(q.inflight, d.ReceiptHandle)
	q.remove(e)
	return nil
}

// Len reports the number of messages held, in flight or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// InFlight reports the number of deliveries awaiting an ack.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Close stops all visibility timers and fails pending receives. Messages
// still held are discarded.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, e := range q.inflight {
		q.stopTimer(e)
	}
	q.signal()
	q.mu.Unlock()

	q.timers.Wait()
	return nil
}

// stopTimer cancels e's visibility timer. A callback that already started
// accounts for itself. Must be called with mu held.
func (q *Queue) stopTimer(e *entry) {
	if e.timer.Stop() {
		q.timers.Done()
	}
}

// signal wakes every waiting receiver. Must be called with mu held.
func (q *Queue) signal() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func clone(m queue.Message) queue.Message {
	m.Body = append([]byte(nil), m.Body...)
	return m
}
