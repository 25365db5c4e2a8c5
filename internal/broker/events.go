package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"inventory-service/internal/models"
	"inventory-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes reservation outcomes to Kafka
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishReservationResult publishes a reservation outcome keyed by order id
func (ep *EventPublisher) PublishReservationResult(ctx context.Context, event *models.ReservationResultEvent) error {
	ctx, span := util.StartSpan(ctx, "EventPublisher.PublishReservationResult")
	defer span.End()

	if err := ep.producer.PublishEvent(ctx, event.OrderID, event); err != nil {
		util.RecordError(span, err)
		return err
	}
	return nil
}

// OrderSubmitter accepts decoded orders for processing. ack is called once the
// order has been processed; it is not called when an error is returned.
type OrderSubmitter func(ctx context.Context, order *models.OrderCreatedEvent, ack Ack) error

// EventHandler decodes incoming order events
type EventHandler struct {
	onOrderCreated OrderSubmitter
	logger         *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Component("event-handler")}
}

// OnOrderCreated registers the handler for decoded OrderCreated events
func (eh *EventHandler) OnOrderCreated(handler OrderSubmitter) {
	eh.onOrderCreated = handler
}

// HandleMessage decodes an OrderCreated message and passes it on. Messages
// that cannot be decoded are logged and acknowledged so they are not
// redelivered forever.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message, ack Ack) error {
	ctx = ExtractTraceContext(ctx, msg)

	order, err := decodeOrderCreated(msg.Value)
	if err != nil {
		util.IntakeOrdersTotal.WithLabelValues("poison").Inc()
		eh.logger.Error("Dropping undecodable order message",
			zap.ByteString("key", msg.Key),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		ack()
		return nil
	}

	eh.logger.Debug("Received OrderCreated event",
		zap.String("order_id", order.OrderID),
		zap.Int("items", len(order.Items)))

	if eh.onOrderCreated == nil {
		eh.logger.Warn("No OrderCreated handler registered", zap.String("order_id", order.OrderID))
		ack()
		return nil
	}
	return eh.onOrderCreated(ctx, order, ack)
}

func decodeOrderCreated(value []byte) (*models.OrderCreatedEvent, error) {
	var order models.OrderCreatedEvent
	if err := json.Unmarshal(value, &order); err != nil {
		return nil, fmt.Errorf("failed to unmarshal OrderCreated event: %w", err)
	}
	if order.OrderID == "" {
		return nil, fmt.Errorf("%w: OrderCreated event has no orderId", models.ErrValidation)
	}
	if len(order.Items) == 0 {
		return nil, fmt.Errorf("%w: OrderCreated event %s has no items", models.ErrValidation, order.OrderID)
	}
	return &order, nil
}
