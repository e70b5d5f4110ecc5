// Package deadletter consumes the dead-letter queue and marks exhausted
// items FAILED for manual review. It is the terminal tier: nothing it does
// triggers a retry.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/imrishuroy/orderflow-pipeline/internal/errors"
	"github.com/imrishuroy/orderflow-pipeline/internal/metrics"
	"github.com/imrishuroy/orderflow-pipeline/internal/orders"
	"github.com/imrishuroy/orderflow-pipeline/internal/queue"
)

// FailureReason is recorded on items marked FAILED by the handler.
const FailureReason = "redelivery budget exhausted"

// ItemStore is the part of the Work Store the handler needs.
type ItemStore interface {
	MarkFailed(ctx context.Context, orderID, itemID, reason string) error
}

// Notifier tells operators about a failed item. Delivery is best effort.
type Notifier interface {
	NotifyFailed(ctx context.Context, msg orders.Message, cause error) error
}

// Handler handles dead-letter deliveries.
type Handler struct {
	items    ItemStore
	notifier Notifier
	metrics  metrics.PipelineMetrics
	logger   *slog.Logger
}

// NewHandler creates a Handler. A nil notifier logs notifications instead.
func NewHandler(items ItemStore, notifier Notifier, m metrics.PipelineMetrics, logger *slog.Logger) *Handler {
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Handler{
		items:    items,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
	}
}

// Handle marks the item FAILED and always returns nil so the delivery is
// acknowledged. Write failures are logged and counted.
func (h *Handler) Handle(ctx context.Context, d queue.Delivery) error {
	h.logger.Warn("dead-lettered message",
		slog.String("message_id", d.MessageID),
		slog.String("partition_key", d.PartitionKey),
		slog.String("payload", string(d.Body)),
	)

	msg, err := orders.DecodeMessage(d.Body)
	if err != nil {
		h.metrics.Count(ctx, metrics.DLQWriteErrors, 1)
		h.logger.Error("undecodable dead-letter payload, dropping", slog.Any("error", err))
		return nil
	}
	log := h.logger.With(
		slog.String("order_id", msg.OrderID),
		slog.String("item_id", msg.ItemID),
	)
	cause := apperrors.E(apperrors.ErrTerminal, "dead-letter", fmt.Errorf("item %s: %s", msg.ItemID, FailureReason))

	err = h.items.MarkFailed(ctx, msg.OrderID, msg.ItemID, FailureReason)
	switch {
	case err == nil:
		h.metrics.Count(ctx, metrics.ItemsFailed, 1)
		log.Warn("item marked FAILED")
	case errors.Is(err, orders.ErrStatusMismatch):
		// A late success already made it terminal.
		log.Info("item already terminal, leaving status unchanged")
		return nil
	default:
		h.metrics.Count(ctx, metrics.DLQWriteErrors, 1)
		log.Error("failed to mark item FAILED", slog.Any("error", err))
		cause = errors.Join(cause, apperrors.E(apperrors.ErrPersistence, "mark failed", err))
	}

	if nerr := h.notifier.NotifyFailed(ctx, msg, cause); nerr != nil {
		log.Warn("failed-item notification not delivered", slog.Any("error", nerr))
	}
	return nil
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a Notifier that logs at ERROR level.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyFailed implements Notifier.
func (n *LogNotifier) NotifyFailed(_ context.Context, msg orders.Message, cause error) error {
	n.logger.Error("item requires manual review",
		slog.String("order_id", msg.OrderID),
		slog.String("item_id", msg.ItemID),
		slog.String("user_id", msg.UserID),
		slog.String("item_detail", msg.ItemDetail),
		slog.Any("error", cause),
	)
	return nil
}
