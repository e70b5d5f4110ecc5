package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	apperrors "github.com/imrishuroy/orderflow-pipeline/internal/errors"
	"github.com/imrishuroy/orderflow-pipeline/internal/idempotency"
	"github.com/imrishuroy/orderflow-pipeline/internal/orders"
	"github.com/imrishuroy/orderflow-pipeline/internal/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Ingester accepts orders.
type Ingester interface {
	Ingest(ctx context.Context, req validation.CreateOrderRequest) (idempotency.Result, error)
}

// OrderReader reads orders and items back from the Work Store.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*orders.Order, error)
	ListItems(ctx context.Context, orderID string) ([]orders.Item, error)
	ListItemsByStatus(ctx context.Context, status string, limit int) ([]orders.Item, error)
}

// HandlerConfig groups dependencies for the orders handler.
type HandlerConfig struct {
	Ingester Ingester
	Orders   OrderReader
	Logger   *slog.Logger
	// RetryAfter is advertised to callers whose identical request is still in flight.
	RetryAfter time.Duration
}

// OrderView is the body of GET /orders/:orderId. Status is aggregated from
// the item statuses on every read.
type OrderView struct {
	orders.Order
	Status string        `json:"status"`
	Items  []orders.Item `json:"items"`
}

type ordersHandler struct {
	cfg       HandlerConfig
	validator *validatorv10.Validate
}

// RegisterOrdersRoutes registers routes for order API.
func RegisterOrdersRoutes(r *gin.Engine, cfg HandlerConfig) {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}
	h := &ordersHandler{cfg: cfg, validator: validation.New()}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/orders", h.createOrder)
	r.GET("/orders/:orderId", h.getOrder)
	r.GET("/items", h.listItems)
}

func (h *ordersHandler) createOrder(c *gin.Context) {
	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.validator); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	res, err := h.cfg.Ingester.Ingest(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.Replayed {
		c.Header("Idempotent-Replayed", "true")
	}
	c.Data(res.StatusCode, "application/json; charset=utf-8", res.Body)
}

func (h *ordersHandler) getOrder(c *gin.Context) {
	ctx := c.Request.Context()
	orderID := c.Param("orderId")

	order, err := h.cfg.Orders.GetOrder(ctx, orderID)
	if err != nil {
		h.writeError(c, apperrors.E(apperrors.ErrPersistence, "get order", err))
		return
	}
	if order == nil {
		h.writeError(c, apperrors.E(apperrors.ErrNotFound, "get order", fmt.Errorf("order %s", orderID)))
		return
	}
	items, err := h.cfg.Orders.ListItems(ctx, orderID)
	if err != nil {
		h.writeError(c, apperrors.E(apperrors.ErrPersistence, "list items", err))
		return
	}

	c.JSON(http.StatusOK, OrderView{Order: *order, Status: orders.AggregateStatus(items), Items: items})
}

func (h *ordersHandler) listItems(c *gin.Context) {
	status := c.Query("status")
	switch status {
	case orders.StatusPending, orders.StatusProcessed, orders.StatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "msg": "status must be PENDING, PROCESSED or FAILED"})
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "msg": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	items, err := h.cfg.Orders.ListItemsByStatus(c.Request.Context(), status, limit)
	if err != nil {
		h.writeError(c, apperrors.E(apperrors.ErrPersistence, "list items by status", err))
		return
	}
	if items == nil {
		items = []orders.Item{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// writeError maps the failure taxonomy onto HTTP responses.
func (h *ordersHandler) writeError(c *gin.Context, err error) {
	switch apperrors.KindOf(err) {
	case apperrors.ErrInvalidInput:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	case apperrors.ErrNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "detail": err.Error()})
	case apperrors.ErrInProgress:
		c.Header("Retry-After", strconv.Itoa(int(h.cfg.RetryAfter.Seconds())))
		c.JSON(http.StatusConflict, gin.H{"error": "request_in_progress", "detail": err.Error()})
	case apperrors.ErrPersistence:
		h.logError(c, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persistence_error", "detail": err.Error()})
	case apperrors.ErrEnqueue:
		h.logError(c, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_error", "detail": err.Error()})
	default:
		h.logError(c, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "detail": err.Error()})
	}
}

func (h *ordersHandler) logError(c *gin.Context, err error) {
	h.cfg.Logger.Error("request failed",
		slog.String("method", c.Request.Method),
		slog.String("path", c.FullPath()),
		slog.Any("error", err),
	)
}
