// Package sqsqueue adapts an SQS FIFO queue to queue.Queue. Redrive to the
// dead-letter queue is configured on the SQS queue itself.
package sqsqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/imrishuroy/orderflow-pipeline/internal/aws"
	apperrors "github.com/imrishuroy/orderflow-pipeline/internal/errors"
	"github.com/imrishuroy/orderflow-pipeline/internal/queue"
)

// maxBatch is the SQS limit for batch sends and receives.
const maxBatch = 10

// Queue wraps an SQS client and a queue URL.
type Queue struct {
	sqs      aws.SQSAPI
	queueURL string
	fifo     bool
	waitTime time.Duration
	logger   *slog.Logger
}

var _ queue.Queue = (*Queue)(nil)

// New returns a Queue bound to queueURL. Queues whose URL ends in ".fifo" get
// MessageGroupId and MessageDeduplicationId set on every send.
func New(sqsClient aws.SQSAPI, queueURL string, waitTime time.Duration, logger *slog.Logger) *Queue {
	return &Queue{
		sqs:      sqsClient,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		waitTime: waitTime,
		logger:   logger,
	}
}

// Send enqueues msgs, one SendMessage call for a single message and
// SendMessageBatch calls of up to ten otherwise. Any rejected entry fails the
// whole call with apperrors.ErrEnqueue; entries accepted before it stay queued.
func (q *Queue) Send(ctx context.Context, msgs ...queue.Message) error {
	if len(msgs) == 1 {
		return q.sendOne(ctx, msgs[0])
	}
	for start := 0; start < len(msgs); start += maxBatch {
		end := min(start+maxBatch, len(msgs))
		if err := q.sendBatch(ctx, msgs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) sendOne(ctx context.Context, m queue.Message) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    &q.queueURL,
		MessageBody: aws.String(string(m.Body)),
	}
	if q.fifo {
		input.MessageGroupId = aws.String(m.PartitionKey)
		input.MessageDeduplicationId = aws.String(m.DeduplicationID)
	}

	if _, err := q.sqs.SendMessage(ctx, input); err != nil {
		return apperrors.E(apperrors.ErrEnqueue, "sqs send", fmt.Errorf("send message: %w", err))
	}
	return nil
}

func (q *Queue) sendBatch(ctx context.Context, msgs []queue.Message) error {
	entries := make([]sqstypes.SendMessageBatchRequestEntry, 0, len(msgs))
	for i, m := range msgs {
		entry := sqstypes.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(i)),
			MessageBody: aws.String(string(m.Body)),
		}
		if q.fifo {
			entry.MessageGroupId = aws.String(m.PartitionKey)
			entry.MessageDeduplicationId = aws.String(m.DeduplicationID)
		}
		entries = append(entries, entry)
	}

	out, err := q.sqs.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: &q.queueURL,
		Entries:  entries,
	})
	if err != nil {
		return apperrors.E(apperrors.ErrEnqueue, "sqs send batch", fmt.Errorf("send message batch: %w", err))
	}
	if len(out.Failed) > 0 {
		errs := make([]error, 0, len(out.Failed))
		for _, f := range out.Failed {
			errs = append(errs, fmt.Errorf("entry %s: %s: %s", deref(f.Id), deref(f.Code), deref(f.Message)))
		}
		return apperrors.E(apperrors.ErrEnqueue, "sqs send batch", errors.Join(errs...))
	}
	return nil
}

// Receive long-polls for up to maxMessages messages.
func (q *Queue) Receive(ctx context.Context, maxMessages int) ([]queue.Delivery, error) {
	maxMessages = max(1, min(maxMessages, maxBatch))
	out, err := q.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &q.queueURL,
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     int32(q.waitTime / time.Second),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
			sqstypes.MessageSystemAttributeNameMessageGroupId,
			sqstypes.MessageSystemAttributeNameMessageDeduplicationId,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receive message: %w", err)
	}

	deliveries := make([]queue.Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		deliveries = append(deliveries, FromAttributes(deref(m.MessageId), deref(m.ReceiptHandle), deref(m.Body), m.Attributes))
	}
	return deliveries, nil
}

// Ack deletes the delivery from the queue.
func (q *Queue) Ack(ctx context.Context, d queue.Delivery) error {
	_, err := q.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &q.queueURL,
		ReceiptHandle: aws.String(d.ReceiptHandle),
	})
	if err != nil {
		var invalid *sqstypes.ReceiptHandleIsInvalid
		if errors.As(err, &invalid) {
			return queue.ErrStaleReceipt
		}
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// FromAttributes builds a Delivery from an SQS message and its system attributes.
func FromAttributes(messageID, receipt, body string, attrs map[string]string) queue.Delivery {
	count, err := strconv.Atoi(attrs[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		count = 1
	}
	return queue.Delivery{
		Message: queue.Message{
			PartitionKey:    attrs[string(sqstypes.MessageSystemAttributeNameMessageGroupId)],
			DeduplicationID: attrs[string(sqstypes.MessageSystemAttributeNameMessageDeduplicationId)],
			Body:            []byte(body),
		},
		MessageID:     messageID,
		ReceiptHandle: receipt,
		ReceiveCount:  count,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
