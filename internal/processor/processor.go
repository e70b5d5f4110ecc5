// Package processor consumes the ordered work queue: one item per delivery,
// moving it from PENDING to PROCESSED once its unit of work succeeds.
package processor

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

// ItemStore is the part of the Work Store the processor needs.
type ItemStore interface {
	GetItem(ctx context.Context, orderID, itemID string) (*orders.Item, error)
	MarkProcessed(ctx context.Context, orderID, itemID string) error
}

// Processor handles deliveries from the work queue.
type Processor struct {
	items   ItemStore
	work    UnitOfWork
	metrics metrics.PipelineMetrics
	logger  *slog.Logger
}

// New creates a Processor.
func New(items ItemStore, work UnitOfWork, m metrics.PipelineMetrics, logger *slog.Logger) *Processor {
	return &Processor{
		items:   items,
		work:    work,
		metrics: m,
		logger:  logger,
	}
}

// Handle processes one delivery. A nil return means the delivery may be
// acknowledged; any error leaves it for redelivery once its visibility
// window elapses.
func (p *Processor) Handle(ctx context.Context, d queue.Delivery) error {
	msg, err := orders.DecodeMessage(d.Body)
	if err != nil {
		return apperrors.E(apperrors.ErrProcessing, "decode", err)
	}
	log := p.logger.With(
		slog.String("order_id", msg.OrderID),
		slog.String("item_id", msg.ItemID),
		slog.Int("receive_count", d.ReceiveCount),
	)
	if d.ReceiveCount > 1 {
		p.metrics.Count(ctx, metrics.ItemsRedelivered, 1)
	}

	// Step 1: duplicate deliveries of terminal items are acknowledged untouched.
	item, err := p.items.GetItem(ctx, msg.OrderID, msg.ItemID)
	if err != nil {
		return apperrors.E(apperrors.ErrPersistence, "get item", err)
	}
	if item == nil {
		// Ingestion writes items before enqueueing, so this should never happen.
		return apperrors.E(apperrors.ErrProcessing, "get item", fmt.Errorf("item %s not found", msg.ItemID))
	}
	if item.Terminal() {
		log.Info("item already terminal, acknowledging duplicate delivery", slog.String("item_status", item.ItemStatus))
		return nil
	}

	// Step 2: do the work.
	if err := p.work.Do(ctx, msg); err != nil {
		log.Warn("unit of work failed, leaving for redelivery", slog.Any("error", err))
		return apperrors.E(apperrors.ErrProcessing, "unit of work", err)
	}

	// Step 3: PENDING -> PROCESSED.
	err = p.items.MarkProcessed(ctx, msg.OrderID, msg.ItemID)
	if errors.Is(err, orders.ErrStatusMismatch) {
		// A concurrent duplicate or the dead-letter handler got there first.
		cur, gerr := p.items.GetItem(ctx, msg.OrderID, msg.ItemID)
		if gerr == nil && cur != nil && cur.Terminal() {
			log.Info("item reached terminal status concurrently", slog.String("item_status", cur.ItemStatus))
			return nil
		}
	}
	if err != nil {
		return apperrors.E(apperrors.ErrPersistence, "mark processed", err)
	}

	p.metrics.Count(ctx, metrics.ItemsProcessed, 1)
	log.Info("item processed")
	return nil
}
