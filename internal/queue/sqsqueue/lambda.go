package sqsqueue

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/orderflow-pipeline/internal/queue"
)

// HandlerFunc processes one delivery.
type HandlerFunc func(ctx context.Context, d queue.Delivery) error

// FromRecord converts a Lambda SQS event record into a Delivery.
func FromRecord(rec events.SQSMessage) queue.Delivery {
	return FromAttributes(rec.MessageId, rec.ReceiptHandle, rec.Body, rec.Attributes)
}

// HandleEvent runs h over each record in order and reports failures as
// partial batch failures. Lambda deletes every record not reported.
//
// Once a record fails, every later record of the same message group is
// reported failed without being run so that FIFO group order is preserved
// on redelivery.
func HandleEvent(ctx context.Context, ev events.SQSEvent, h HandlerFunc, logger *slog.Logger) events.SQSEventResponse {
	var resp events.SQSEventResponse
	blocked := make(map[string]bool)

	for _, rec := range ev.Records {
		d := FromRecord(rec)
		if d.PartitionKey != "" && blocked[d.PartitionKey] {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
			continue
		}
		if err := h(ctx, d); err != nil {
			logger.Error("record failed, leaving for redelivery",
				slog.String("message_id", rec.MessageId),
				slog.String("partition_key", d.PartitionKey),
				slog.Int("receive_count", d.ReceiveCount),
				slog.Any("error", err),
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
			if d.PartitionKey != "" {
				blocked[d.PartitionKey] = true
			}
		}
	}
	return resp
}
