// Package ingestion accepts orders: it persists the order and its items as
// PENDING in one transaction and fans the items out to the work queue, all
// under the idempotency guard.
package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/imrishuroy/orderflow-pipeline/internal/errors"
	"github.com/imrishuroy/orderflow-pipeline/internal/idempotency"
	"github.com/imrishuroy/orderflow-pipeline/internal/metrics"
	"github.com/imrishuroy/orderflow-pipeline/internal/orders"
	"github.com/imrishuroy/orderflow-pipeline/internal/queue"
	"github.com/imrishuroy/orderflow-pipeline/internal/validation"
)

// SuccessMessage is returned in the body of an accepted order.
const SuccessMessage = "Order received and items queued for processing"

// OrderStore is the part of the Work Store ingestion writes to.
type OrderStore interface {
	CreateOrder(ctx context.Context, order orders.Order, items []orders.Item) ([]orders.Item, error)
}

// Guard runs a body at most once per fingerprint.
type Guard interface {
	Execute(ctx context.Context, fingerprint, orderID string, fn idempotency.Func) (idempotency.Result, error)
}

// Response is the body of a successful ingestion.
type Response struct {
	Message string   `json:"message"`
	OrderID string   `json:"orderId"`
	ItemIDs []string `json:"itemIds"`
}

// Service ingests orders.
type Service struct {
	guard      Guard
	store      OrderStore
	queue      queue.Sender
	metrics    metrics.PipelineMetrics
	logger     *slog.Logger
	nowFunc    func() time.Time
	newDedupID func() string
}

// NewService creates a Service.
func NewService(guard Guard, store OrderStore, sender queue.Sender, m metrics.PipelineMetrics, logger *slog.Logger) *Service {
	return &Service{
		guard:      guard,
		store:      store,
		queue:      sender,
		metrics:    m,
		logger:     logger,
		nowFunc:    time.Now,
		newDedupID: uuid.NewString,
	}
}

// Ingest accepts req once per fingerprint; repeats get the first result back
// with Replayed set. Failures carry apperrors.ErrPersistence, ErrEnqueue or
// ErrInProgress.
func (s *Service) Ingest(ctx context.Context, req validation.CreateOrderRequest) (idempotency.Result, error) {
	fingerprint, err := idempotency.Fingerprint(req.OrderID, req)
	if err != nil {
		return idempotency.Result{}, apperrors.E(apperrors.ErrInvalidInput, "ingest", err)
	}

	res, err := s.guard.Execute(ctx, fingerprint, req.OrderID, func(ctx context.Context) (idempotency.Result, error) {
		return s.ingest(ctx, req)
	})
	if err != nil {
		s.metrics.Count(ctx, metrics.IngestErrors, 1)
		return idempotency.Result{}, err
	}
	if !res.Replayed {
		s.metrics.Count(ctx, metrics.OrdersIngested, 1)
	}
	return res, nil
}

func (s *Service) ingest(ctx context.Context, req validation.CreateOrderRequest) (idempotency.Result, error) {
	log := s.logger.With(slog.String("order_id", req.OrderID))
	order, items := BuildOrder(req, s.nowFunc().UTC())

	// Step 2: order and items, all or nothing. Items already terminal from an
	// earlier attempt are neither rewritten nor sent again.
	pending, err := s.store.CreateOrder(ctx, order, items)
	if err != nil {
		log.Error("failed to persist order", slog.Any("error", err))
		return idempotency.Result{}, apperrors.E(apperrors.ErrPersistence, "ingest", err)
	}

	// Step 3: one message per pending item, partitioned by order. Dedup ids are
	// per attempt; retried ingestions are absorbed by the guard.
	msgs := make([]queue.Message, 0, len(pending))
	for _, it := range pending {
		body, err := json.Marshal(it.Message())
		if err != nil {
			return idempotency.Result{}, apperrors.E(apperrors.ErrEnqueue, "ingest", fmt.Errorf("encode item %s: %w", it.ItemID, err))
		}
		msgs = append(msgs, queue.Message{
			PartitionKey:    order.OrderID,
			DeduplicationID: s.newDedupID(),
			Body:            body,
		})
	}
	if len(msgs) > 0 {
		if err := s.queue.Send(ctx, msgs...); err != nil {
			// Items stay PENDING for reconciliation; nothing is rolled back.
			log.Error("failed to enqueue items", slog.Int("items", len(msgs)), slog.Any("error", err))
			return idempotency.Result{}, apperrors.E(apperrors.ErrEnqueue, "ingest", err)
		}
	}

	itemIDs := make([]string, 0, len(items))
	for _, it := range items {
		itemIDs = append(itemIDs, it.ItemID)
	}
	body, err := json.Marshal(Response{Message: SuccessMessage, OrderID: order.OrderID, ItemIDs: itemIDs})
	if err != nil {
		return idempotency.Result{}, fmt.Errorf("encode response: %w", err)
	}
	log.Info("order ingested",
		slog.Int("total_items", order.TotalItems),
		slog.Float64("total_value", order.TotalValue),
	)
	return idempotency.Result{StatusCode: http.StatusOK, Body: body}, nil
}

// BuildOrder derives the Order and its PENDING Items from a request. Item ids
// depend only on the order id and position.
func BuildOrder(req validation.CreateOrderRequest, now time.Time) (orders.Order, []orders.Item) {
	items := make([]orders.Item, 0, len(req.OrderItems))
	var total float64
	for i, it := range req.OrderItems {
		total += float64(it.Quantity) * it.Price
		items = append(items, orders.Item{
			OrderID:    req.OrderID,
			ItemID:     orders.ItemID(req.OrderID, i),
			UserID:     req.UserID,
			ItemDetail: it.ItemDetail,
			Quantity:   it.Quantity,
			Price:      it.Price,
			ItemStatus: orders.StatusPending,
			Timestamp:  now,
		})
	}

	order := orders.Order{
		OrderID:     req.OrderID,
		UserID:      req.UserID,
		OrderStatus: req.OrderStatus,
		TotalItems:  len(items),
		TotalValue:  math.Round(total*100) / 100,
		Timestamp:   now,
	}
	return order, items
}
