package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/orderflow-pipeline/internal/aws/awstest"
)

const (
	ordersTable = "orders"
	itemsTable  = "items"
	statusIndex = "item_status-index"
)

func newTestStore(t *testing.T) (*Store, *awstest.FakeDynamoDB) {
	t.Helper()
	fake := awstest.NewFakeDynamoDB().
		CreateTable(ordersTable, "order_id", "").
		CreateTable(itemsTable, "order_id", "item_id").
		AddIndex(itemsTable, statusIndex, "item_status", "item_id")
	store := NewStore(fake, ordersTable, itemsTable, statusIndex)
	store.nowFunc = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return store, fake
}

func sampleOrder(orderID string, n int) (Order, []Item) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	order := Order{OrderID: orderID, UserID: "user-1", TotalItems: n, Timestamp: now}
	items := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, Item{
			OrderID:    orderID,
			ItemID:     ItemID(orderID, i),
			UserID:     "user-1",
			ItemDetail: "widget",
			Quantity:   1,
			Price:      10,
			ItemStatus: StatusPending,
			Timestamp:  now,
		})
		order.TotalValue += 10
	}
	return order, items
}

func mustCreate(t *testing.T, store *Store, order Order, items []Item) []Item {
	t.Helper()
	pending, err := store.CreateOrder(context.Background(), order, items)
	require.NoError(t, err)
	return pending
}

func TestCreateOrder_WritesOrderAndItems(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()
	order, items := sampleOrder("order-1", 3)

	mustCreate(t, store, order, items)
	assert.Equal(t, 1, fake.Calls("TransactWriteItems"))

	got, err := store.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.TotalItems)
	assert.InDelta(t, 30.0, got.TotalValue, 1e-9)

	listed, err := store.ListItems(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, it := range listed {
		assert.Equal(t, ItemID("order-1", i), it.ItemID)
		assert.Equal(t, StatusPending, it.ItemStatus)
	}
}

func TestCreateOrder_TransactionFailureWritesNothing(t *testing.T) {
	store, fake := newTestStore(t)
	fake.FailNext("TransactWriteItems", errors.New("throttled"))
	order, items := sampleOrder("order-2", 2)

	_, err := store.CreateOrder(context.Background(), order, items)
	require.Error(t, err)
	assert.Empty(t, fake.Items(ordersTable))
	assert.Empty(t, fake.Items(itemsTable))
}

func TestCreateOrder_SkipsTerminalItems(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()
	order, items := sampleOrder("order-3", 2)
	assert.Len(t, mustCreate(t, store, order, items), 2)

	// re-ingesting a PENDING order is allowed and idempotent
	assert.Len(t, mustCreate(t, store, order, items), 2)
	require.NoError(t, store.MarkProcessed(ctx, "order-3", ItemID("order-3", 1)))

	pending := mustCreate(t, store, order, items)
	require.Len(t, pending, 1)
	assert.Equal(t, ItemID("order-3", 0), pending[0].ItemID)

	it, err := store.GetItem(ctx, "order-3", ItemID("order-3", 1))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, it.ItemStatus)
	require.NotNil(t, it.ProcessedAt)
	assert.Len(t, fake.Items(itemsTable), 2)
}

func TestCreateOrder_AllItemsTerminal(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	order, items := sampleOrder("order-7", 1)
	mustCreate(t, store, order, items)
	require.NoError(t, store.MarkFailed(ctx, "order-7", ItemID("order-7", 0), "boom"))

	assert.Empty(t, mustCreate(t, store, order, items))

	it, err := store.GetItem(ctx, "order-7", ItemID("order-7", 0))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, it.ItemStatus)
}

func TestCreateOrder_TooManyItems(t *testing.T) {
	store, fake := newTestStore(t)
	order, items := sampleOrder("order-big", MaxItemsPerOrder+1)

	_, err := store.CreateOrder(context.Background(), order, items)
	require.ErrorIs(t, err, ErrTooManyItems)
	assert.Zero(t, fake.Calls("TransactWriteItems"))
}

func TestMarkProcessed_IsMonotonic(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	order, items := sampleOrder("order-4", 1)
	mustCreate(t, store, order, items)
	id := ItemID("order-4", 0)

	require.NoError(t, store.MarkProcessed(ctx, "order-4", id))

	it, err := store.GetItem(ctx, "order-4", id)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, it.ItemStatus)
	require.NotNil(t, it.ProcessedAt)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), *it.ProcessedAt)
	assert.Nil(t, it.FailedAt)

	assert.ErrorIs(t, store.MarkProcessed(ctx, "order-4", id), ErrStatusMismatch)
	assert.ErrorIs(t, store.MarkFailed(ctx, "order-4", id, "late"), ErrStatusMismatch)

	it, err = store.GetItem(ctx, "order-4", id)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, it.ItemStatus)
}

func TestMarkFailed(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	order, items := sampleOrder("order-5", 1)
	mustCreate(t, store, order, items)
	id := ItemID("order-5", 0)

	require.NoError(t, store.MarkFailed(ctx, "order-5", id, "retries exhausted"))

	it, err := store.GetItem(ctx, "order-5", id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, it.ItemStatus)
	assert.Equal(t, "retries exhausted", it.FailureReason)
	require.NotNil(t, it.FailedAt)
}

func TestMarkProcessed_MissingItem(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.MarkProcessed(context.Background(), "nope", "nope-item-0")
	assert.ErrorIs(t, err, ErrStatusMismatch)
}

func TestGetItem_NotFound(t *testing.T) {
	store, _ := newTestStore(t)
	it, err := store.GetItem(context.Background(), "nope", "nope-item-0")
	require.NoError(t, err)
	assert.Nil(t, it)

	o, err := store.GetOrder(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestListItemsByStatus(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	order, items := sampleOrder("order-6", 4)
	mustCreate(t, store, order, items)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.MarkFailed(ctx, "order-6", ItemID("order-6", i), "boom"))
	}

	all, err := store.ListItemsByStatus(ctx, StatusFailed, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := store.ListItemsByStatus(ctx, StatusFailed, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	pending, err := store.ListItemsByStatus(ctx, StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ItemID("order-6", 3), pending[0].ItemID)
}
