package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"farm-market/internal/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublishOrderPlaced(t *testing.T) {
	w := &fakeWriter{}
	ep := NewEventPublisher(NewProducerWithWriter(w))
	orderID := uuid.New()

	event := &models.OrderPlacedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderPlaced),
		OrderID:     orderID,
		TotalAmount: decimal.RequireFromString("30.00"),
		StockStatus: models.StockStatusApplied,
	}
	require.NoError(t, ep.PublishOrderPlaced(context.Background(), event))

	require.Len(t, w.messages, 1)
	assert.Equal(t, "order-"+orderID.String(), string(w.messages[0].Key))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &decoded))
	assert.Equal(t, models.EventTypeOrderPlaced, decoded["event_type"])
	assert.Equal(t, "30", decoded["total_amount"])
	assert.Equal(t, "applied", decoded["stock_status"])
}

func TestPublishWithoutProducerIsNoop(t *testing.T) {
	ep := NewEventPublisher(nil)
	err := ep.PublishStockReconciled(context.Background(), &models.StockReconciledEvent{OrderID: uuid.New()})
	assert.NoError(t, err)
}

func TestPublishSurfacesWriteErrors(t *testing.T) {
	ep := NewEventPublisher(NewProducerWithWriter(&fakeWriter{err: errors.New("broker down")}))
	err := ep.PublishOrderStatusChanged(context.Background(), &models.OrderStatusChangedEvent{OrderID: uuid.New()})
	assert.ErrorContains(t, err, "broker down")
}

func TestHandleMessageRoutesReconciliationEvents(t *testing.T) {
	eh := NewEventHandler()
	var got *models.StockReconciliationFailedEvent
	eh.OnStockReconciliationFailed(func(ctx context.Context, e *models.StockReconciliationFailedEvent) error {
		got = e
		return nil
	})

	orderID := uuid.New()
	payload, err := json.Marshal(&models.StockReconciliationFailedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeStockReconciliationFailed),
		OrderID:   orderID,
		Reason:    "insufficient stock",
	})
	require.NoError(t, err)

	require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: payload}))
	require.NotNil(t, got)
	assert.Equal(t, orderID, got.OrderID)

	placed, _ := json.Marshal(models.NewBaseEvent(models.EventTypeOrderPlaced))
	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: placed}))
	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: []byte("{not json")}))
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestStartConsumingCommitsOnlyHandledMessages(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{
		{Offset: 1, Value: []byte("ok")},
		{Offset: 2, Value: []byte("fail")},
		{Offset: 3, Value: []byte("ok")},
	}}
	c := NewConsumerWithReader(reader, "order-events")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
			if string(msg.Value) == "fail" {
				return errors.New("handler failed")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return len(reader.committed) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Equal(t, int64(1), reader.committed[0].Offset)
	assert.Equal(t, int64(3), reader.committed[1].Offset)
}
