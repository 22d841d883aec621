package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"campus_pay_portal/internal/models"
)

// Sweeper polls orders that never received a decisive callback and activates
// paid orders whose activation never completed
type Sweeper struct {
	store      *Store
	reconciler *Reconciler
	staleAfter time.Duration
	batch      int
	logger     *zap.Logger
}

func NewSweeper(store *Store, reconciler *Reconciler, staleAfter time.Duration, batch int, logger *zap.Logger) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{store: store, reconciler: reconciler, staleAfter: staleAfter, batch: batch, logger: logger}
}

// Sweep polls one batch of stale created/pending orders, then retries activation
// for stale successful orders without a service request. It returns how many
// orders were handled.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	polled, err := s.poll(ctx)
	if err != nil {
		return polled, err
	}
	repaired, err := s.activate(ctx)
	return polled + repaired, err
}

func (s *Sweeper) poll(ctx context.Context) (int, error) {
	orders, err := s.store.ListStaleOrders(ctx, time.Now().Add(-s.staleAfter), s.batch,
		models.OrderStatusCreated, models.OrderStatusPending)
	if err != nil {
		return 0, err
	}

	polled := 0
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return polled, err
		}
		res, err := s.reconciler.Poll(ctx, order.OrderID)
		if err != nil {
			s.logger.Warn("sweep poll failed", zap.String("order_id", order.OrderID), zap.Error(err))
		} else {
			s.logger.Debug("sweep poll",
				zap.String("order_id", order.OrderID),
				zap.String("state", string(res.State)),
				zap.String("status", string(res.Status)))
		}
		polled++
		if err := s.store.Touch(ctx, order.OrderID); err != nil {
			s.logger.Warn("failed to touch order", zap.String("order_id", order.OrderID), zap.Error(err))
		}
	}
	return polled, nil
}

func (s *Sweeper) activate(ctx context.Context) (int, error) {
	orders, err := s.store.ListUnactivatedOrders(ctx, time.Now().Add(-s.staleAfter), s.batch)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		req, err := s.reconciler.EnsureActivated(ctx, order.OrderID)
		if err != nil {
			s.logger.Warn("sweep activation failed", zap.String("order_id", order.OrderID), zap.Error(err))
		} else if req != nil {
			s.logger.Info("sweep activated order",
				zap.String("order_id", order.OrderID),
				zap.String("request_id", req.RequestID))
		}
		handled++
		if err := s.store.Touch(ctx, order.OrderID); err != nil {
			s.logger.Warn("failed to touch order", zap.String("order_id", order.OrderID), zap.Error(err))
		}
	}
	return handled, nil
}
