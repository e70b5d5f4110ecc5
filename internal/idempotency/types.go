package idempotency

import "time"

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
)

// IdempotencyRecord is the shape persisted in the idempotency DynamoDB table.
type IdempotencyRecord struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK, the request fingerprint
	Status         string    `dynamodbav:"status"`
	OrderID        string    `dynamodbav:"order_id,omitempty"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`   // small responses only
	ResponseStatus int       `dynamodbav:"response_status,omitempty"` // e.g., 200
	LockToken      string    `dynamodbav:"lock_token,omitempty"`      // identifies the in-flight holder
	LockExpiresAt  int64     `dynamodbav:"lock_expires_at,omitempty"` // epoch millis; an abandoned IN_PROGRESS is reclaimable after this
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
}

// Expired reports whether the record outlived its TTL. DynamoDB deletes
// expired items lazily, so readers check this themselves.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// Result is what a guarded body produces and what is replayed to duplicates.
type Result struct {
	StatusCode int
	Body       []byte
	// Replayed is true when the result came from a stored record rather than
	// a fresh execution.
	Replayed bool
}
