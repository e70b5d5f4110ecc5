package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/imrishuroy/orderflow-pipeline/internal/queue"
	"github.com/imrishuroy/orderflow-pipeline/internal/queue/memqueue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func run(t *testing.T, r *Runner) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestRunner_AcksHandledDeliveries(t *testing.T) {
	q := memqueue.New("orders", memqueue.WithWaitTime(20*time.Millisecond))
	defer q.Close()
	ctx := context.Background()

	var handled atomic.Int32
	r := NewRunner("test", q, HandlerFunc(func(context.Context, queue.Delivery) error {
		handled.Add(1)
		return nil
	}), discard(), WithConcurrency(4))
	stop := run(t, r)

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Send(ctx, queue.Message{
			PartitionKey:    fmt.Sprintf("order-%d", i%5),
			DeduplicationID: fmt.Sprint(i),
			Body:            []byte("x"),
		}))
	}

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	stop()
	assert.Equal(t, int32(20), handled.Load())
}

func TestRunner_PreservesPartitionOrder(t *testing.T) {
	q := memqueue.New("orders", memqueue.WithWaitTime(20*time.Millisecond))
	defer q.Close()
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[string][]string{}
	inFlight := map[string]bool{}
	var overlap atomic.Bool
	r := NewRunner("test", q, HandlerFunc(func(_ context.Context, d queue.Delivery) error {
		mu.Lock()
		if inFlight[d.PartitionKey] {
			overlap.Store(true)
		}
		inFlight[d.PartitionKey] = true
		seen[d.PartitionKey] = append(seen[d.PartitionKey], string(d.Body))
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inFlight[d.PartitionKey] = false
		mu.Unlock()
		return nil
	}), discard(), WithConcurrency(8))
	stop := run(t, r)

	for i := 0; i < 10; i++ {
		for _, pk := range []string{"a", "b", "c"} {
			require.NoError(t, q.Send(ctx, queue.Message{PartitionKey: pk, DeduplicationID: fmt.Sprint(i), Body: []byte(fmt.Sprint(i))}))
		}
	}

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	stop()

	want := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}
	mu.Lock()
	defer mu.Unlock()
	for _, pk := range []string{"a", "b", "c"} {
		assert.Equal(t, want, seen[pk], "partition %s", pk)
	}
	assert.False(t, overlap.Load(), "same-partition messages were in flight concurrently")
}

func TestRunner_FailedDeliveryIsRedelivered(t *testing.T) {
	q := memqueue.New("orders",
		memqueue.WithWaitTime(20*time.Millisecond),
		memqueue.WithVisibilityTimeout(20*time.Millisecond),
	)
	defer q.Close()

	var attempts atomic.Int32
	r := NewRunner("test", q, HandlerFunc(func(_ context.Context, d queue.Delivery) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		assert.Equal(t, 3, d.ReceiveCount)
		return nil
	}), discard())
	stop := run(t, r)

	require.NoError(t, q.Send(context.Background(), queue.Message{PartitionKey: "a", DeduplicationID: "1"}))
	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	stop()
	assert.Equal(t, int32(3), attempts.Load())
}

type flakyReceiver struct {
	calls atomic.Int32
}

func (f *flakyReceiver) Receive(ctx context.Context, _ int) ([]queue.Delivery, error) {
	f.calls.Add(1)
	return nil, errors.New("network")
}

func (f *flakyReceiver) Ack(context.Context, queue.Delivery) error { return nil }

func TestRunner_BacksOffOnReceiveError(t *testing.T) {
	rec := &flakyReceiver{}
	r := NewRunner("test", rec, HandlerFunc(func(context.Context, queue.Delivery) error { return nil }),
		discard(), WithErrorBackoff(50*time.Millisecond))
	stop := run(t, r)

	time.Sleep(120 * time.Millisecond)
	stop()
	assert.LessOrEqual(t, rec.calls.Load(), int32(4))
	assert.GreaterOrEqual(t, rec.calls.Load(), int32(1))
}

func TestRunner_StopsWhenQueueCloses(t *testing.T) {
	q := memqueue.New("orders", memqueue.WithWaitTime(time.Minute))
	r := NewRunner("test", q, HandlerFunc(func(context.Context, queue.Delivery) error { return nil }), discard())

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, q.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop after queue close")
	}
}

func TestRunner_RateLimit(t *testing.T) {
	q := memqueue.New("orders", memqueue.WithWaitTime(20*time.Millisecond), memqueue.WithUnordered())
	defer q.Close()
	ctx := context.Background()

	var handled atomic.Int32
	r := NewRunner("test", q, HandlerFunc(func(context.Context, queue.Delivery) error {
		handled.Add(1)
		return nil
	}), discard(), WithConcurrency(4), WithRateLimit(20))

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Send(ctx, queue.Message{PartitionKey: "p", DeduplicationID: fmt.Sprint(i), Body: []byte("x")}))
	}

	start := time.Now()
	stop := run(t, r)
	require.Eventually(t, func() bool { return handled.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
	elapsed := time.Since(start)
	stop()

	// One token up front, then one every 50ms.
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}
