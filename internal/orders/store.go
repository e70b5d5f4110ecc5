package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/orderflow-pipeline/internal/aws"
	apperrors "github.com/imrishuroy/orderflow-pipeline/internal/errors"
)

// MaxItemsPerOrder keeps the order and all of its items inside a single
// TransactWriteItems call, which accepts at most 100 writes.
const MaxItemsPerOrder = 99

var (
	// ErrStatusMismatch is returned when a conditional status transition fails.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")

	// ErrItemTerminal is returned when items kept turning terminal while an
	// order was being written.
	ErrItemTerminal = errors.New("item already in terminal status")

	// ErrTooManyItems is returned when an order does not fit in one transaction.
	ErrTooManyItems = fmt.Errorf("order exceeds %d items", MaxItemsPerOrder)
)

// Store encapsulates operations on the orders and items tables.
type Store struct {
	client      aws.DynamoDBAPI
	ordersTable string
	itemsTable  string
	statusIndex string
	nowFunc     func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, ordersTable, itemsTable, statusIndex string) *Store {
	return &Store{
		client:      client,
		ordersTable: ordersTable,
		itemsTable:  itemsTable,
		statusIndex: statusIndex,
		nowFunc:     time.Now,
	}
}

// createAttempts bounds how often CreateOrder re-reads the items after an item
// turned terminal between the read and the transaction.
const createAttempts = 3

// CreateOrder atomically writes the order and its items with a single
// TransactWriteItems call: either every record exists afterwards or none was
// written. Items already PROCESSED or FAILED are left out of the write so a
// re-ingestion never regresses them; the returned slice holds the items that
// were written as PENDING and still need to be delivered.
func (s *Store) CreateOrder(ctx context.Context, order Order, items []Item) ([]Item, error) {
	if len(items) > MaxItemsPerOrder {
		return nil, ErrTooManyItems
	}

	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return nil, apperrors.Wrap(err, "marshal order")
	}

	for attempt := 1; ; attempt++ {
		pending, err := s.pendingItems(ctx, order.OrderID, items)
		if err != nil {
			return nil, err
		}
		err = s.writeOrder(ctx, orderMap, pending)
		if err == nil {
			return pending, nil
		}
		if !errors.Is(err, ErrItemTerminal) || attempt == createAttempts {
			return nil, apperrors.Wrapf(err, "create order %s", order.OrderID)
		}
	}
}

// pendingItems drops the items whose stored copy is already terminal.
func (s *Store) pendingItems(ctx context.Context, orderID string, items []Item) ([]Item, error) {
	existing, err := s.ListItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	terminal := make(map[string]bool, len(existing))
	for _, it := range existing {
		if it.Terminal() {
			terminal[it.ItemID] = true
		}
	}
	pending := make([]Item, 0, len(items))
	for _, it := range items {
		if !terminal[it.ItemID] {
			pending = append(pending, it)
		}
	}
	return pending, nil
}

func (s *Store) writeOrder(ctx context.Context, orderMap map[string]types.AttributeValue, items []Item) error {
	transactItems := make([]types.TransactWriteItem, 0, len(items)+1)
	transactItems = append(transactItems, types.TransactWriteItem{
		Put: &types.Put{
			TableName: &s.ordersTable,
			Item:      orderMap,
		},
	})
	for _, it := range items {
		itemMap, err := attributevalue.MarshalMap(it)
		if err != nil {
			return apperrors.Wrapf(err, "marshal item %s", it.ItemID)
		}
		// An item that turned terminal since pendingItems read it cancels the write.
		transactItems = append(transactItems, types.TransactWriteItem{
			Put: &types.Put{
				TableName:                &s.itemsTable,
				Item:                     itemMap,
				ConditionExpression:      awsString("attribute_not_exists(item_id) OR #st = :pending"),
				ExpressionAttributeNames: map[string]string{"#st": "item_status"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pending": &types.AttributeValueMemberS{Value: StatusPending},
				},
			},
		})
	}

	_, err := s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && conditionFailed(tce) {
			return ErrItemTerminal
		}
		return apperrors.Wrap(err, "transact write")
	}
	return nil
}

// GetOrder fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.ordersTable,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "get order")
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, apperrors.Wrap(err, "unmarshal order")
	}
	return &o, nil
}

// GetItem fetches an item by (order_id, item_id). Returns (nil, nil) if not found.
func (s *Store) GetItem(ctx context.Context, orderID, itemID string) (*Item, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.itemsTable,
		Key:            itemKey(orderID, itemID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "get item")
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var it Item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, apperrors.Wrap(err, "unmarshal item")
	}
	return &it, nil
}

// ListItems returns every item of an order in item_id order.
func (s *Store) ListItems(ctx context.Context, orderID string) ([]Item, error) {
	return s.query(ctx, &dyn.QueryInput{
		TableName:              &s.itemsTable,
		KeyConditionExpression: awsString("order_id = :oid"),
		ConsistentRead:         awsBool(true),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":oid": &types.AttributeValueMemberS{Value: orderID},
		},
	}, 0)
}

// ListItemsByStatus returns up to limit items with the given status through
// the status index. A non-positive limit returns every match.
func (s *Store) ListItemsByStatus(ctx context.Context, status string, limit int) ([]Item, error) {
	in := &dyn.QueryInput{
		TableName:                &s.itemsTable,
		IndexName:                &s.statusIndex,
		KeyConditionExpression:   awsString("#st = :st"),
		ExpressionAttributeNames: map[string]string{"#st": "item_status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: status},
		},
	}
	if limit > 0 {
		in.Limit = awsInt32(int32(limit))
	}
	return s.query(ctx, in, limit)
}

func (s *Store) query(ctx context.Context, in *dyn.QueryInput, limit int) ([]Item, error) {
	var items []Item
	for {
		out, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, apperrors.Wrap(err, "query items")
		}
		var page []Item
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, apperrors.Wrap(err, "unmarshal items")
		}
		items = append(items, page...)
		if len(out.LastEvaluatedKey) == 0 || (limit > 0 && len(items) >= limit) {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// MarkProcessed moves a PENDING item to PROCESSED and stamps processed_at.
// Returns ErrStatusMismatch if the item is missing or not PENDING.
func (s *Store) MarkProcessed(ctx context.Context, orderID, itemID string) error {
	return s.transition(ctx, orderID, itemID, StatusProcessed, "processed_at", "")
}

// MarkFailed moves a PENDING item to FAILED, stamps failed_at and records the reason.
// Returns ErrStatusMismatch if the item is missing or not PENDING.
func (s *Store) MarkFailed(ctx context.Context, orderID, itemID, reason string) error {
	return s.transition(ctx, orderID, itemID, StatusFailed, "failed_at", reason)
}

// transition conditionally updates item_status from PENDING to a terminal status.
func (s *Store) transition(ctx context.Context, orderID, itemID, newStatus, stampAttr, reason string) error {
	at, err := attributevalue.Marshal(s.nowFunc().UTC())
	if err != nil {
		return apperrors.Wrap(err, "marshal timestamp")
	}
	updateExpr := "SET #st = :new, " + stampAttr + " = :at"
	values := map[string]types.AttributeValue{
		":new":     &types.AttributeValueMemberS{Value: newStatus},
		":at":      at,
		":pending": &types.AttributeValueMemberS{Value: StatusPending},
	}
	if reason != "" {
		updateExpr += ", failure_reason = :reason"
		values[":reason"] = &types.AttributeValueMemberS{Value: reason}
	}

	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.itemsTable,
		Key:                       itemKey(orderID, itemID),
		UpdateExpression:          &updateExpr,
		ConditionExpression:       awsString("#st = :pending"),
		ExpressionAttributeNames:  map[string]string{"#st": "item_status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var sc *types.ConditionalCheckFailedException
		if errors.As(err, &sc) {
			return ErrStatusMismatch
		}
		return apperrors.Wrap(err, "update item")
	}
	return nil
}

func conditionFailed(tce *types.TransactionCanceledException) bool {
	for _, r := range tce.CancellationReasons {
		if r.Code != nil && *r.Code == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func itemKey(orderID, itemID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
		"item_id":  &types.AttributeValueMemberS{Value: itemID},
	}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
func awsInt32(i int32) *int32    { return &i }
