package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/imrishuroy/orderflow-pipeline/internal/errors"
)

// Func is the side-effecting body protected by a Guard.
type Func func(ctx context.Context) (Result, error)

// Guard runs a body at most once per fingerprint within the TTL window and
// replays the stored result to every later caller.
type Guard struct {
	store  *Store
	logger *slog.Logger
}

// NewGuard returns a Guard backed by store.
func NewGuard(store *Store, logger *slog.Logger) *Guard {
	return &Guard{store: store, logger: logger}
}

// Execute runs fn under fingerprint.
//
// The first caller executes fn and persists its result. Callers arriving while
// it is in flight fail with apperrors.ErrInProgress and are expected to retry.
// Callers arriving after completion get the stored result with Replayed set.
// If fn fails its in-flight marker is released and the error returned as-is.
func (g *Guard) Execute(ctx context.Context, fingerprint, orderID string, fn Func) (Result, error) {
	// A record can expire and be deleted between Acquire and Get; one retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		token, acquired, err := g.store.Acquire(ctx, fingerprint, orderID)
		if err != nil {
			return Result{}, apperrors.E(apperrors.ErrPersistence, "idempotency acquire", err)
		}
		if acquired {
			return g.run(ctx, fingerprint, token, fn)
		}

		rec, err := g.store.Get(ctx, fingerprint)
		if err != nil {
			return Result{}, apperrors.E(apperrors.ErrPersistence, "idempotency get", err)
		}
		if rec == nil {
			continue
		}
		if rec.Status == StatusDone {
			g.logger.Info("replaying idempotent result",
				slog.String("idempotency_key", fingerprint),
				slog.String("order_id", rec.OrderID),
			)
			return Result{StatusCode: rec.ResponseStatus, Body: []byte(rec.ResponseBody), Replayed: true}, nil
		}
		return Result{}, apperrors.E(apperrors.ErrInProgress, "idempotency",
			fmt.Errorf("request %s in flight until %s", fingerprint, time.UnixMilli(rec.LockExpiresAt).UTC().Format(time.RFC3339)))
	}
	return Result{}, apperrors.E(apperrors.ErrInProgress, "idempotency", errors.New("lost acquisition race"))
}

func (g *Guard) run(ctx context.Context, key, token string, fn Func) (Result, error) {
	res, err := fn(ctx)
	if err != nil {
		if rerr := g.store.Release(context.WithoutCancel(ctx), key, token); rerr != nil {
			g.logger.Warn("failed to release idempotency marker",
				slog.String("idempotency_key", key),
				slog.Any("error", rerr),
			)
		}
		return Result{}, err
	}

	// The body already ran; failing here would only push the caller into a
	// retry that re-executes it once the lock expires.
	if err := g.store.MarkDone(ctx, key, token, string(res.Body), res.StatusCode); err != nil {
		g.logger.Error("failed to persist idempotent result",
			slog.String("idempotency_key", key),
			slog.Any("error", err),
		)
	}
	return res, nil
}
