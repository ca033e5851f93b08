package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"farm-market/internal/broker"
	"farm-market/internal/models"
	"farm-market/internal/util"

	"go.uber.org/zap"
)

// Reconciler is the part of service.StockReconciler the worker drives
type Reconciler interface {
	Sweep(ctx context.Context, limit int) (int, error)
	HandleReconciliationFailed(ctx context.Context, event *models.StockReconciliationFailedEvent) error
}

// EventConsumer is satisfied by *broker.Consumer
type EventConsumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// ReconciliationWorker retries flagged orders in the background. It reacts
// to STOCK_RECONCILIATION_FAILED events when a consumer is configured and
// always runs a periodic sweep as a backstop.
type ReconciliationWorker struct {
	reconciler   Reconciler
	consumer     EventConsumer
	eventHandler *broker.EventHandler
	interval     time.Duration
	batchSize    int
	wg           sync.WaitGroup
	logger       *zap.Logger
}

// NewReconciliationWorker creates a new worker. consumer may be nil.
func NewReconciliationWorker(reconciler Reconciler, consumer EventConsumer, interval time.Duration, batchSize int) *ReconciliationWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnStockReconciliationFailed(reconciler.HandleReconciliationFailed)

	return &ReconciliationWorker{
		reconciler:   reconciler,
		consumer:     consumer,
		eventHandler: eventHandler,
		interval:     interval,
		batchSize:    batchSize,
		logger:       util.GetLogger(),
	}
}

// Start launches the background loops and returns immediately. They stop
// when ctx is cancelled.
func (w *ReconciliationWorker) Start(ctx context.Context) {
	w.logger.Info("Starting reconciliation worker",
		zap.Duration("interval", w.interval),
		zap.Int("batch_size", w.batchSize),
		zap.Bool("consumer", w.consumer != nil))

	if w.consumer != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			err := w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
			if err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("Reconciliation consumer stopped", zap.Error(err))
			}
		}()
	}

	if w.interval > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.sweepLoop(ctx)
		}()
	}
}

func (w *ReconciliationWorker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.reconciler.Sweep(ctx, w.batchSize); err != nil && ctx.Err() == nil {
				w.logger.Error("Reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// Stop waits for the loops to exit and closes the consumer. Cancel the
// context passed to Start first.
func (w *ReconciliationWorker) Stop() error {
	w.logger.Info("Stopping reconciliation worker")
	w.wg.Wait()
	if w.consumer != nil {
		return w.consumer.Close()
	}
	return nil
}
