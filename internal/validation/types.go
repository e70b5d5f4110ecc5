package validation

// OrderItem represents a single order line item.
type OrderItem struct {
	ItemDetail string  `json:"itemDetail" validate:"required,max=1024"` // free-form description
	Quantity   int     `json:"quantity" validate:"required,min=1"`      // must be >= 1
	Price      float64 `json:"price" validate:"gte=0"`                  // price per unit
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	OrderID     string      `json:"orderId" validate:"required,max=128,group_id"`     // caller-supplied, stable across retries
	UserID      string      `json:"userId" validate:"required"`                       // owner of the order
	OrderStatus string      `json:"orderStatus,omitempty"`                            // informational, stored as submitted
	OrderItems  []OrderItem `json:"orderItems" validate:"required,min=1,max=99,dive"` // at least one item, one transaction
}
