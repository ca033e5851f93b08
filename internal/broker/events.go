package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"farm-market/internal/models"
	"farm-market/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes order domain events. With a nil producer every
// publish is a no-op, which is how the service runs without Kafka.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(id uuid.UUID) string {
	return "order-" + id.String()
}

func (ep *EventPublisher) publish(ctx context.Context, orderID uuid.UUID, event interface{}) error {
	if ep.producer == nil {
		return nil
	}
	return ep.producer.PublishEvent(ctx, orderKey(orderID), event)
}

// PublishOrderPlaced publishes ORDER_PLACED
func (ep *EventPublisher) PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	return ep.publish(ctx, event.OrderID, event)
}

// PublishStockReconciliationFailed publishes STOCK_RECONCILIATION_FAILED
func (ep *EventPublisher) PublishStockReconciliationFailed(ctx context.Context, event *models.StockReconciliationFailedEvent) error {
	return ep.publish(ctx, event.OrderID, event)
}

// PublishStockReconciled publishes STOCK_RECONCILED
func (ep *EventPublisher) PublishStockReconciled(ctx context.Context, event *models.StockReconciledEvent) error {
	return ep.publish(ctx, event.OrderID, event)
}

// PublishOrderStatusChanged publishes ORDER_STATUS_CHANGED
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.publish(ctx, event.OrderID, event)
}

// EventHandler routes incoming events to registered callbacks
type EventHandler struct {
	onReconciliationFailed func(context.Context, *models.StockReconciliationFailedEvent) error
	logger                 *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnStockReconciliationFailed registers a handler for STOCK_RECONCILIATION_FAILED
func (eh *EventHandler) OnStockReconciliationFailed(handler func(context.Context, *models.StockReconciliationFailedEvent) error) {
	eh.onReconciliationFailed = handler
}

// HandleMessage routes messages to appropriate handlers. Event types without
// a handler are acknowledged and skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		// poison message, nothing to retry
		eh.logger.Error("Dropping undecodable event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeStockReconciliationFailed:
		if eh.onReconciliationFailed != nil {
			var event models.StockReconciliationFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal StockReconciliationFailed event: %w", err)
			}
			return eh.onReconciliationFailed(ctx, &event)
		}
	}

	return nil
}
