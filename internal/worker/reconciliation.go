package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"ticketing-checkout/internal/models"
)

// OrderSweeper lists and updates orders left behind by interrupted checkouts
type OrderSweeper interface {
	ListStale(ctx context.Context, status models.OrderStatus, olderThan time.Time, limit int) ([]*models.Order, error)
	UpdateStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) error
}

// OrderVerifier reconciles one order with its payment provider
type OrderVerifier interface {
	VerifyOrder(ctx context.Context, order *models.Order) (*models.VerifyResult, error)
}

// Config controls how often the worker runs and which orders it touches
type Config struct {
	Interval        time.Duration
	VerifyAfter     time.Duration // awaiting orders younger than this are left to the buyer's own verify call
	PendingOrderTTL time.Duration
	BatchSize       int
}

// Stats counts what one pass did
type Stats struct {
	Verified  int
	Settled   int
	Cancelled int
	Failed    int
}

// ReconciliationWorker re-verifies unconfirmed payments and cancels orders
// that can no longer complete
type ReconciliationWorker struct {
	orders   OrderSweeper
	verifier OrderVerifier
	config   Config
	now      func() time.Time
}

// NewReconciliationWorker creates a new reconciliation worker
func NewReconciliationWorker(orders OrderSweeper, verifier OrderVerifier, config Config) *ReconciliationWorker {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.PendingOrderTTL <= 0 {
		config.PendingOrderTTL = 30 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &ReconciliationWorker{
		orders:   orders,
		verifier: verifier,
		config:   config,
		now:      time.Now,
	}
}

// Start runs a pass on every tick until ctx is cancelled
func (w *ReconciliationWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	logrus.WithField("interval", w.config.Interval.String()).Info("Reconciliation worker started")

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Reconciliation worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles awaiting orders and cancels orphaned pending orders
func (w *ReconciliationWorker) RunOnce(ctx context.Context) Stats {
	var stats Stats
	now := w.now()

	w.sweepAwaiting(ctx, now, &stats)
	w.sweepPending(ctx, now, &stats)

	if stats != (Stats{}) {
		logrus.WithFields(logrus.Fields{
			"verified":  stats.Verified,
			"settled":   stats.Settled,
			"cancelled": stats.Cancelled,
			"failed":    stats.Failed,
		}).Info("Reconciliation pass completed")
	}
	if stats.Failed > 0 {
		logrus.Warnf("%d orders failed to reconcile during this pass", stats.Failed)
	}
	return stats
}

func (w *ReconciliationWorker) sweepAwaiting(ctx context.Context, now time.Time, stats *Stats) {
	orders, err := w.orders.ListStale(ctx, models.OrderAwaitingPayment, now.Add(-w.config.VerifyAfter), w.config.BatchSize)
	if err != nil {
		logrus.WithError(err).Error("Failed to list awaiting orders")
		return
	}

	for _, order := range orders {
		if ctx.Err() != nil {
			logrus.Info("Reconciliation interrupted by context cancellation")
			return
		}

		logger := logrus.WithFields(logrus.Fields{
			"order_id":     order.ID,
			"order_number": order.OrderNumber,
			"payment_id":   order.PaymentID,
		})
		expired := now.Sub(order.UpdatedAt) > w.config.PendingOrderTTL

		result, err := w.verifier.VerifyOrder(ctx, order)
		stats.Verified++
		if err != nil {
			logger.WithError(err).Error("Background verification failed")
			stats.Failed++
			continue
		}

		switch result.Status {
		case models.OrderCompleted:
			if !result.AlreadyProcessed {
				stats.Settled++
			}
			continue
		case models.OrderCancelled:
			stats.Cancelled++
			continue
		}

		if result.Optimistic {
			// the provider never answered, the order may already be paid
			logger.Warn("Payment status unknown, leaving order for the next pass")
			stats.Failed++
			continue
		}
		if !expired {
			continue
		}

		// the provider still reports the payment as pending
		err = w.orders.UpdateStatus(ctx, order.ID, models.OrderAwaitingPayment, models.OrderCancelled)
		switch {
		case errors.Is(err, models.ErrInvalidStatusTransition):
			logger.Info("Order changed state before expiry, skipping")
		case err != nil:
			logger.WithError(err).Error("Failed to cancel expired order")
			stats.Failed++
		default:
			logger.Warn("Payment never confirmed, order cancelled")
			stats.Cancelled++
		}
	}
}

func (w *ReconciliationWorker) sweepPending(ctx context.Context, now time.Time, stats *Stats) {
	orders, err := w.orders.ListStale(ctx, models.OrderPending, now.Add(-w.config.PendingOrderTTL), w.config.BatchSize)
	if err != nil {
		logrus.WithError(err).Error("Failed to list pending orders")
		return
	}

	for _, order := range orders {
		if ctx.Err() != nil {
			return
		}

		logger := logrus.WithFields(logrus.Fields{
			"order_id":        order.ID,
			"order_number":    order.OrderNumber,
			"idempotency_key": order.IdempotencyKey,
			"flag":            "orphaned_pending_order",
		})

		err := w.orders.UpdateStatus(ctx, order.ID, models.OrderPending, models.OrderCancelled)
		switch {
		case errors.Is(err, models.ErrInvalidStatusTransition):
			logger.Debug("Pending order moved on before cleanup")
		case err != nil:
			logger.WithError(err).Error("Failed to cancel orphaned order")
			stats.Failed++
		default:
			logger.Warn("Orphaned pending order cancelled")
			stats.Cancelled++
		}
	}
}
