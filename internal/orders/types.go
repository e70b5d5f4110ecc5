package orders

import (
	"encoding/json"
	"fmt"
	"time"
)

// Item statuses. PENDING moves to exactly one terminal status and never back.
const (
	StatusPending   = "PENDING"
	StatusProcessed = "PROCESSED"
	StatusFailed    = "FAILED"

	// StatusPartiallyProcessed is only ever computed for an order, never stored.
	StatusPartiallyProcessed = "PARTIALLY_PROCESSED"
)

// Order represents the item stored in the Orders DynamoDB table.
type Order struct {
	OrderID     string    `dynamodbav:"order_id" json:"orderId"` // PK
	UserID      string    `dynamodbav:"user_id" json:"userId"`
	OrderStatus string    `dynamodbav:"order_status,omitempty" json:"orderStatus,omitempty"` // as submitted by the caller
	TotalItems  int       `dynamodbav:"total_items" json:"totalItems"`
	TotalValue  float64   `dynamodbav:"total_value" json:"totalValue"`
	Timestamp   time.Time `dynamodbav:"timestamp" json:"timestamp"`
}

// Item represents one line of an order in the Items DynamoDB table.
type Item struct {
	OrderID       string     `dynamodbav:"order_id" json:"orderId"` // PK
	ItemID        string     `dynamodbav:"item_id" json:"itemId"`   // SK
	UserID        string     `dynamodbav:"user_id" json:"userId"`
	ItemDetail    string     `dynamodbav:"item_detail" json:"itemDetail"`
	Quantity      int        `dynamodbav:"quantity" json:"quantity"`
	Price         float64    `dynamodbav:"price" json:"price"`
	ItemStatus    string     `dynamodbav:"item_status" json:"itemStatus"` // GSI partition key
	Timestamp     time.Time  `dynamodbav:"timestamp" json:"timestamp"`
	ProcessedAt   *time.Time `dynamodbav:"processed_at,omitempty" json:"processedAt,omitempty"`
	FailedAt      *time.Time `dynamodbav:"failed_at,omitempty" json:"failedAt,omitempty"`
	FailureReason string     `dynamodbav:"failure_reason,omitempty" json:"failureReason,omitempty"`
}

// Terminal reports whether the item reached PROCESSED or FAILED.
func (i Item) Terminal() bool {
	return i.ItemStatus == StatusProcessed || i.ItemStatus == StatusFailed
}

// ItemID derives the identity of the item at index in an order. Re-ingesting
// the same order yields the same identities.
func ItemID(orderID string, index int) string {
	return fmt.Sprintf("%s-item-%d", orderID, index)
}

// Message is the queue body carried from ingestion to the item processor and
// the dead-letter handler.
type Message struct {
	OrderID    string    `json:"orderId"`
	UserID     string    `json:"userId"`
	ItemID     string    `json:"itemId"`
	ItemDetail string    `json:"itemDetail"`
	Quantity   int       `json:"quantity"`
	Price      float64   `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

// Message copies the item payload into a queue body.
func (i Item) Message() Message {
	return Message{
		OrderID:    i.OrderID,
		UserID:     i.UserID,
		ItemID:     i.ItemID,
		ItemDetail: i.ItemDetail,
		Quantity:   i.Quantity,
		Price:      i.Price,
		Timestamp:  i.Timestamp,
	}
}

// DecodeMessage parses a queue body.
func DecodeMessage(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("decode item message: %w", err)
	}
	if m.OrderID == "" || m.ItemID == "" {
		return Message{}, fmt.Errorf("decode item message: missing orderId or itemId")
	}
	return m, nil
}
