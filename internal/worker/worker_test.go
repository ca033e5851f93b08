package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"farm-market/internal/broker"
	"farm-market/internal/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingReconciler struct {
	mu      sync.Mutex
	sweeps  int
	handled []uuid.UUID
}

func (r *countingReconciler) Sweep(ctx context.Context, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps++
	return 0, nil
}

func (r *countingReconciler) HandleReconciliationFailed(ctx context.Context, e *models.StockReconciliationFailedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, e.OrderID)
	return nil
}

func (r *countingReconciler) snapshot() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweeps, len(r.handled)
}

type channelConsumer struct {
	messages chan kafka.Message
	closed   bool
	closeErr error
}

func (c *channelConsumer) StartConsuming(ctx context.Context, handler broker.MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.messages:
			_ = handler(ctx, msg)
		}
	}
}

func (c *channelConsumer) Close() error {
	c.closed = true
	return c.closeErr
}

func TestWorkerSweepsAndConsumes(t *testing.T) {
	rec := &countingReconciler{}
	consumer := &channelConsumer{messages: make(chan kafka.Message, 1)}
	w := NewReconciliationWorker(rec, consumer, 10*time.Millisecond, 5)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	payload, err := json.Marshal(&models.StockReconciliationFailedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeStockReconciliationFailed),
		OrderID:   uuid.New(),
	})
	require.NoError(t, err)
	consumer.messages <- kafka.Message{Value: payload}

	require.Eventually(t, func() bool {
		sweeps, handled := rec.snapshot()
		return sweeps >= 2 && handled == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, w.Stop())
	assert.True(t, consumer.closed)
}

func TestWorkerWithoutConsumer(t *testing.T) {
	rec := &countingReconciler{}
	w := NewReconciliationWorker(rec, nil, 5*time.Millisecond, 5)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	require.Eventually(t, func() bool {
		sweeps, _ := rec.snapshot()
		return sweeps >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, w.Stop())
}

func TestWorkerStopReportsConsumerCloseError(t *testing.T) {
	closeErr := errors.New("leave group: broker unreachable")
	consumer := &channelConsumer{messages: make(chan kafka.Message), closeErr: closeErr}
	w := NewReconciliationWorker(&countingReconciler{}, consumer, time.Hour, 5)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	cancel()

	assert.ErrorIs(t, w.Stop(), closeErr)
	assert.True(t, consumer.closed)
}
