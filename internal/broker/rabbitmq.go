package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/util"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPChannel is the subset of *amqp.Channel used by RabbitPublisher
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher publishes reservation outcomes to a durable RabbitMQ queue
type RabbitPublisher struct {
	conn   *amqp.Connection
	queue  string
	logger *zap.Logger

	mu sync.Mutex
	ch AMQPChannel
}

// NewRabbitPublisher dials url and declares the results queue
func NewRabbitPublisher(url, queue string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	p, err := NewRabbitPublisherWithChannel(ch, queue)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewRabbitPublisherWithChannel publishes over an already open channel
func NewRabbitPublisherWithChannel(ch AMQPChannel, queue string) (*RabbitPublisher, error) {
	// durable, not auto-deleted, not exclusive
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	return &RabbitPublisher{
		queue:  queue,
		ch:     ch,
		logger: util.Component("rabbitmq-publisher").With(zap.String("queue", queue)),
	}, nil
}

// PublishReservationResult publishes a persistent JSON message to the
// results queue.
func (p *RabbitPublisher) PublishReservationResult(ctx context.Context, event *models.ReservationResultEvent) error {
	ctx, span := util.StartSpan(ctx, "RabbitPublisher.PublishReservationResult")
	defer span.End()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Type:         event.EventType,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{"orderId": event.OrderID},
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, pub); err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to publish to rabbitmq: %w", err)
	}

	p.logger.Debug("Published reservation result", zap.String("order_id", event.OrderID))
	return nil
}

// Close closes the channel and the connection
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
