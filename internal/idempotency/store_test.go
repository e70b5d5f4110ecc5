package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/orderflow-pipeline/internal/aws/awstest"
)

const testTable = "idempotency"

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*Store, *awstest.FakeDynamoDB, *clock) {
	t.Helper()
	fake := awstest.NewFakeDynamoDB().CreateTable(testTable, "idempotency_key", "")
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewStore(fake, testTable, 48*time.Hour, time.Minute)
	store.nowFunc = clk.Now
	n := 0
	store.newToken = func() string {
		n++
		return "token-" + string(rune('a'+n-1))
	}
	return store, fake, clk
}

func TestAcquire_Get_MarkDone(t *testing.T) {
	store, _, clk := newTestStore(t)
	ctx := context.Background()
	key := "order-001#abc"

	token, ok, err := store.Acquire(ctx, key, "order-001")
	require.NoError(t, err)
	require.True(t, ok, "expected first acquire to succeed")
	assert.Equal(t, "token-a", token)

	_, ok, err = store.Acquire(ctx, key, "order-001")
	require.NoError(t, err)
	assert.False(t, ok, "expected second acquire to be rejected")

	rec, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Equal(t, "order-001", rec.OrderID)
	assert.Equal(t, clk.now.Add(time.Minute).UnixMilli(), rec.LockExpiresAt)
	assert.Equal(t, clk.now.Add(48*time.Hour).Unix(), rec.ExpiresAt)

	require.NoError(t, store.MarkDone(ctx, key, token, `{"ok":true}`, 200))

	rec, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, rec.Status)
	assert.Equal(t, `{"ok":true}`, rec.ResponseBody)
	assert.Equal(t, 200, rec.ResponseStatus)
}

func TestGet_NotFound(t *testing.T) {
	store, _, _ := newTestStore(t)

	rec, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAcquire_ReclaimsAbandonedLock(t *testing.T) {
	store, _, clk := newTestStore(t)
	ctx := context.Background()

	first, ok, err := store.Acquire(ctx, "k", "o")
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(59 * time.Second)
	_, ok, err = store.Acquire(ctx, "k", "o")
	require.NoError(t, err)
	assert.False(t, ok, "lock still live")

	clk.Advance(time.Second)
	second, ok, err := store.Acquire(ctx, "k", "o")
	require.NoError(t, err)
	require.True(t, ok, "lock expired, marker reclaimable")
	assert.NotEqual(t, first, second)

	// The original holder can no longer complete or release the record.
	assert.ErrorIs(t, store.MarkDone(ctx, "k", first, "{}", 200), ErrConditionFailed)
	assert.ErrorIs(t, store.Release(ctx, "k", first), ErrConditionFailed)
	require.NoError(t, store.MarkDone(ctx, "k", second, "{}", 200))
}

func TestAcquire_DoneRecordBlocksUntilTTL(t *testing.T) {
	store, _, clk := newTestStore(t)
	ctx := context.Background()

	token, ok, err := store.Acquire(ctx, "k", "o")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.MarkDone(ctx, "k", token, "{}", 200))

	clk.Advance(47 * time.Hour)
	_, ok, err = store.Acquire(ctx, "k", "o")
	require.NoError(t, err)
	assert.False(t, ok, "completed record is replayable within TTL")

	clk.Advance(time.Hour)
	_, ok, err = store.Acquire(ctx, "k", "o")
	require.NoError(t, err)
	assert.True(t, ok, "expired record no longer blocks")
}

func TestRelease(t *testing.T) {
	store, fake, _ := newTestStore(t)
	ctx := context.Background()

	token, ok, err := store.Acquire(ctx, "k", "o")
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, store.Release(ctx, "k", "someone-else"), ErrConditionFailed)
	require.NoError(t, store.Release(ctx, "k", token))
	assert.Empty(t, fake.Items(testTable))

	_, ok, err = store.Acquire(ctx, "k", "o")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseDoesNotDeleteDoneRecord(t *testing.T) {
	store, fake, _ := newTestStore(t)
	ctx := context.Background()

	token, _, err := store.Acquire(ctx, "k", "o")
	require.NoError(t, err)
	require.NoError(t, store.MarkDone(ctx, "k", token, "{}", 200))

	assert.ErrorIs(t, store.Release(ctx, "k", token), ErrConditionFailed)
	assert.Len(t, fake.Items(testTable), 1)
}

func TestGet_ExpiredRecordIsAbsent(t *testing.T) {
	store, fake, clk := newTestStore(t)
	ctx := context.Background()

	token, ok, err := store.Acquire(ctx, "k", "o")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.MarkDone(ctx, "k", token, "{}", 200))

	clk.Advance(48 * time.Hour)
	require.Len(t, fake.Items(testTable), 1, "the table has not swept the row yet")
	rec, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, ok, err = store.Acquire(ctx, "k", "o")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	assert.False(t, (&IdempotencyRecord{}).Expired(now))
	assert.False(t, (&IdempotencyRecord{ExpiresAt: 1001}).Expired(now))
	assert.True(t, (&IdempotencyRecord{ExpiresAt: 1000}).Expired(now))
}
