// Package queue defines the ordered work queue contract shared by the
// self-hosted and SQS-backed implementations.
package queue

import (
	"context"
	"errors"
)

var (
	// ErrStaleReceipt is returned by Ack when the receipt no longer identifies
	// an in-flight delivery, usually because its visibility window elapsed.
	ErrStaleReceipt = errors.New("queue: stale receipt handle")
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue: closed")
)

// Message is a unit of work as sent by a producer.
type Message struct {
	// PartitionKey orders delivery: messages sharing it are delivered in send
	// order and never concurrently in flight.
	PartitionKey string
	// DeduplicationID coalesces repeated sends of the same message within the
	// dedup window.
	DeduplicationID string
	Body            []byte
}

// Delivery is a received message awaiting acknowledgement.
type Delivery struct {
	Message
	MessageID     string
	ReceiptHandle string
	// ReceiveCount is 1 on first delivery and grows with each redelivery.
	ReceiveCount int
}

// Sender enqueues messages.
type Sender interface {
	Send(ctx context.Context, msgs ...Message) error
}

// Receiver pulls and acknowledges messages. A delivery that is not acked
// before its visibility window elapses becomes visible again.
type Receiver interface {
	Receive(ctx context.Context, maxMessages int) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
}

// Queue is both ends of a queue.
type Queue interface {
	Sender
	Receiver
}
