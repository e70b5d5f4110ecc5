package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/orderflow-pipeline/internal/aws/awstest"
	apperrors "github.com/imrishuroy/orderflow-pipeline/internal/errors"
	"github.com/imrishuroy/orderflow-pipeline/internal/idempotency"
	"github.com/imrishuroy/orderflow-pipeline/internal/metrics"
	"github.com/imrishuroy/orderflow-pipeline/internal/orders"
	"github.com/imrishuroy/orderflow-pipeline/internal/queue"
	"github.com/imrishuroy/orderflow-pipeline/internal/queue/memqueue"
	"github.com/imrishuroy/orderflow-pipeline/internal/validation"
)

type countingMetrics struct{ counts map[string]int64 }

func (c *countingMetrics) Count(_ context.Context, name string, n int64) {
	if c.counts == nil {
		c.counts = map[string]int64{}
	}
	c.counts[name] += n
}

// switchSender fails while err is set and forwards to next otherwise.
type switchSender struct {
	next queue.Sender
	err  error
}

func (s *switchSender) Send(ctx context.Context, msgs ...queue.Message) error {
	if s.err != nil {
		return s.err
	}
	return s.next.Send(ctx, msgs...)
}

type fixture struct {
	svc     *Service
	fake    *awstest.FakeDynamoDB
	store   *orders.Store
	idem    *idempotency.Store
	queue   *memqueue.Queue
	sender  *switchSender
	metrics *countingMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := awstest.NewFakeDynamoDB().
		CreateTable("orders", "order_id", "").
		CreateTable("items", "order_id", "item_id").
		AddIndex("items", "item_status-index", "item_status", "item_id").
		CreateTable("idempotency", "idempotency_key", "")

	store := orders.NewStore(fake, "orders", "items", "item_status-index")
	idem := idempotency.NewStore(fake, "idempotency", 48*time.Hour, time.Minute)
	q := memqueue.New("orders", memqueue.WithWaitTime(0))
	t.Cleanup(func() { _ = q.Close() })
	sender := &switchSender{next: q}
	m := &countingMetrics{}

	svc := NewService(idempotency.NewGuard(idem, logger), store, sender, m, logger)
	svc.nowFunc = func() time.Time { return time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC) }
	return &fixture{svc: svc, fake: fake, store: store, idem: idem, queue: q, sender: sender, metrics: m}
}

func laptopOrder() validation.CreateOrderRequest {
	return validation.CreateOrderRequest{
		OrderID:     "order-001",
		UserID:      "user-123",
		OrderStatus: "PENDING",
		OrderItems:  []validation.OrderItem{{ItemDetail: "Laptop", Quantity: 1, Price: 999.99}},
	}
}

func TestIngest_PersistsAndEnqueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Ingest(ctx, laptopOrder())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.False(t, res.Replayed)

	var body Response
	require.NoError(t, json.Unmarshal(res.Body, &body))
	assert.Equal(t, SuccessMessage, body.Message)
	assert.Equal(t, []string{"order-001-item-0"}, body.ItemIDs)

	order, err := f.store.GetOrder(ctx, "order-001")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, 999.99, order.TotalValue)
	assert.Equal(t, 1, order.TotalItems)
	assert.Equal(t, "user-123", order.UserID)

	item, err := f.store.GetItem(ctx, "order-001", "order-001-item-0")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, orders.StatusPending, item.ItemStatus)

	ds, err := f.queue.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "order-001", ds[0].PartitionKey)
	assert.NotEmpty(t, ds[0].DeduplicationID)
	msg, err := orders.DecodeMessage(ds[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "order-001-item-0", msg.ItemID)
	assert.Equal(t, "Laptop", msg.ItemDetail)
	assert.Equal(t, 999.99, msg.Price)

	assert.Equal(t, int64(1), f.metrics.counts[metrics.OrdersIngested])
}

func TestIngest_DuplicateIsReplayedWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Ingest(ctx, laptopOrder())
	require.NoError(t, err)
	second, err := f.svc.Ingest(ctx, laptopOrder())
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.StatusCode, second.StatusCode)
	assert.JSONEq(t, string(first.Body), string(second.Body))
	assert.Equal(t, 1, f.fake.Calls("TransactWriteItems"))
	assert.Equal(t, 1, f.queue.Len(), "no duplicate queue messages")
	assert.Equal(t, int64(1), f.metrics.counts[metrics.OrdersIngested])
}

func TestIngest_ChangedContentIsANewRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, laptopOrder())
	require.NoError(t, err)

	changed := laptopOrder()
	changed.OrderItems = append(changed.OrderItems, validation.OrderItem{ItemDetail: "Mouse", Quantity: 1, Price: 20})
	res, err := f.svc.Ingest(ctx, changed)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 2, f.fake.Calls("TransactWriteItems"))
}

func TestIngest_PersistenceFailureEnqueuesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fake.FailNext("TransactWriteItems", errors.New("throttled"))
	_, err := f.svc.Ingest(ctx, laptopOrder())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrPersistence))
	assert.Equal(t, 0, f.queue.Len())
	assert.Empty(t, f.fake.Items("orders"))
	assert.Equal(t, int64(1), f.metrics.counts[metrics.IngestErrors])

	// The in-flight marker was released, so a retry runs immediately.
	res, err := f.svc.Ingest(ctx, laptopOrder())
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 1, f.queue.Len())
}

func TestIngest_EnqueueFailureLeavesItemsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sender.err = errors.New("queue unavailable")
	_, err := f.svc.Ingest(ctx, laptopOrder())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrEnqueue))

	item, err := f.store.GetItem(ctx, "order-001", "order-001-item-0")
	require.NoError(t, err)
	require.NotNil(t, item, "written rows stay visible for reconciliation")
	assert.Equal(t, orders.StatusPending, item.ItemStatus)

	f.sender.err = nil
	res, err := f.svc.Ingest(ctx, laptopOrder())
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 1, f.queue.Len())
}

func TestIngest_InProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fp, err := idempotency.Fingerprint("order-001", laptopOrder())
	require.NoError(t, err)
	_, ok, err := f.idem.Acquire(ctx, fp, "order-001")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Ingest(ctx, laptopOrder())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInProgress))
	assert.Zero(t, f.fake.Calls("TransactWriteItems"))
	assert.Equal(t, 0, f.queue.Len())
}

func TestIngest_TerminalItemsAreNotReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, laptopOrder())
	require.NoError(t, err)
	drain(t, f.queue)
	require.NoError(t, f.store.MarkProcessed(ctx, "order-001", "order-001-item-0"))

	// Same order id, different content: a new fingerprint over a terminal item.
	changed := laptopOrder()
	changed.UserID = "someone-else"
	res, err := f.svc.Ingest(ctx, changed)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 0, f.queue.Len(), "terminal items are not sent again")

	item, err := f.store.GetItem(ctx, "order-001", "order-001-item-0")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessed, item.ItemStatus)
}

func TestIngest_RetryAfterPartialEnqueueSendsRemainingItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := laptopOrder()
	req.OrderItems = append(req.OrderItems, validation.OrderItem{ItemDetail: "Mouse", Quantity: 1, Price: 20})

	f.sender.err = errors.New("queue unavailable")
	_, err := f.svc.Ingest(ctx, req)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrEnqueue))

	// The first item made it through another path and finished meanwhile.
	require.NoError(t, f.store.MarkProcessed(ctx, "order-001", "order-001-item-0"))

	f.sender.err = nil
	res, err := f.svc.Ingest(ctx, req)
	require.NoError(t, err)

	var body Response
	require.NoError(t, json.Unmarshal(res.Body, &body))
	assert.Equal(t, []string{"order-001-item-0", "order-001-item-1"}, body.ItemIDs)

	assert.Equal(t, []string{"order-001-item-1"}, drain(t, f.queue))
	item, err := f.store.GetItem(ctx, "order-001", "order-001-item-0")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessed, item.ItemStatus)
	item, err = f.store.GetItem(ctx, "order-001", "order-001-item-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, item.ItemStatus)
}

// drain receives and acks everything on q, returning the item ids in order.
func drain(t *testing.T, q *memqueue.Queue) []string {
	t.Helper()
	ctx := context.Background()
	var itemIDs []string
	for q.Len() > 0 {
		ds, err := q.Receive(ctx, 1)
		require.NoError(t, err)
		require.Len(t, ds, 1)
		msg, err := orders.DecodeMessage(ds[0].Body)
		require.NoError(t, err)
		itemIDs = append(itemIDs, msg.ItemID)
		require.NoError(t, q.Ack(ctx, ds[0]))
	}
	return itemIDs
}

func TestIngest_DedupIDsUniquePerMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := laptopOrder()
	req.OrderItems = append(req.OrderItems,
		validation.OrderItem{ItemDetail: "Mouse", Quantity: 2, Price: 10},
		validation.OrderItem{ItemDetail: "Dock", Quantity: 1, Price: 150},
	)
	_, err := f.svc.Ingest(ctx, req)
	require.NoError(t, err)

	seen := map[string]bool{}
	var itemIDs []string
	for f.queue.Len() > 0 {
		ds, err := f.queue.Receive(ctx, 1)
		require.NoError(t, err)
		require.Len(t, ds, 1)
		assert.False(t, seen[ds[0].DeduplicationID])
		seen[ds[0].DeduplicationID] = true
		msg, err := orders.DecodeMessage(ds[0].Body)
		require.NoError(t, err)
		itemIDs = append(itemIDs, msg.ItemID)
		require.NoError(t, f.queue.Ack(ctx, ds[0]))
	}
	assert.Equal(t, []string{"order-001-item-0", "order-001-item-1", "order-001-item-2"}, itemIDs, "send order preserved")
}

func TestBuildOrder(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	req := validation.CreateOrderRequest{
		OrderID: "o-7",
		UserID:  "u",
		OrderItems: []validation.OrderItem{
			{ItemDetail: "a", Quantity: 3, Price: 0.1},
			{ItemDetail: "b", Quantity: 1, Price: 0.2},
		},
	}

	order, items := BuildOrder(req, now)
	assert.Equal(t, 0.5, order.TotalValue)
	assert.Equal(t, 2, order.TotalItems)
	require.Len(t, items, 2)
	assert.Equal(t, "o-7-item-0", items[0].ItemID)
	assert.Equal(t, "o-7-item-1", items[1].ItemID)
	for _, it := range items {
		assert.Equal(t, orders.StatusPending, it.ItemStatus)
		assert.Equal(t, now, it.Timestamp)
		assert.Equal(t, "u", it.UserID)
	}
}
