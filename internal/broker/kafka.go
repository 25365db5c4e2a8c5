package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"inventory-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// MessageWriter is the subset of kafka.Writer used by Producer
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes JSON events to a single Kafka topic
type Producer struct {
	writer MessageWriter
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	return NewProducerWithWriter(writer)
}

// NewProducerWithWriter wraps an existing writer
func NewProducerWithWriter(writer MessageWriter) *Producer {
	return &Producer{writer: writer, logger: util.Component("kafka-producer")}
}

// PublishEvent publishes an event under key. The trace context of ctx is
// injected into the message headers.
func (p *Producer) PublishEvent(ctx context.Context, key string, event interface{}) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	msg := kafka.Message{
		Key:   []byte(key),
		Value: eventBytes,
		Time:  time.Now(),
	}
	for k, v := range carrier {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	p.logger.Debug("Published event", zap.String("key", key), zap.String("type", fmt.Sprintf("%T", event)))
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// MessageReader is the subset of kafka.Reader used by Consumer
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer represents a Kafka consumer
type Consumer struct {
	reader     MessageReader
	topic      string
	retryDelay time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	offsets *offsetTracker
}

// NewConsumer creates a new Kafka consumer group member
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})

	return NewConsumerWithReader(reader, topic)
}

// NewConsumerWithReader wraps an existing reader
func NewConsumerWithReader(reader MessageReader, topic string) *Consumer {
	return &Consumer{
		reader:     reader,
		topic:      topic,
		retryDelay: time.Second,
		logger:     util.Component("kafka-consumer").With(zap.String("topic", topic)),
		offsets:    newOffsetTracker(),
	}
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Ack marks a delivered message as processed. It may be called from any
// goroutine, also after the handler has returned; repeated calls are ignored.
type Ack func()

// MessageHandler is a function type for handling messages. The message is
// committed once ack has been called for it and for every earlier message of
// its partition. A handler returning an error must not call ack; the message
// is then left uncommitted for redelivery.
type MessageHandler func(ctx context.Context, msg kafka.Message, ack Ack) error

// StartConsuming fetches messages until ctx ends. Offsets are committed in
// order as messages are acknowledged; acknowledgements arriving after ctx
// ends are still committed until the consumer is closed.
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Starting Kafka consumer")
	commitCtx := context.WithoutCancel(ctx)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("Consumer context cancelled, stopping")
				return ctx.Err()
			}
			c.logger.Warn("Error fetching message", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
			continue
		}

		c.mu.Lock()
		c.offsets.track(msg)
		c.mu.Unlock()

		var once sync.Once
		ack := func() {
			once.Do(func() { c.ack(commitCtx, msg) })
		}

		if err := handler(ctx, msg, ack); err != nil {
			c.logger.Error("Error handling message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

func (c *Consumer) ack(ctx context.Context, msg kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, ok := c.offsets.complete(msg)
	if !ok {
		c.logger.Debug("Acknowledged message waits for earlier offsets",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("in_flight", c.offsets.inFlight()))
		return
	}

	if err := c.reader.CommitMessages(ctx, next); err != nil {
		c.logger.Error("Error committing message",
			zap.Int("partition", next.Partition),
			zap.Int64("offset", next.Offset),
			zap.Error(err))
	}
}

// ExtractTraceContext returns ctx carrying the trace context found in the
// message headers.
func ExtractTraceContext(ctx context.Context, msg kafka.Message) context.Context {
	carrier := propagation.MapCarrier{}
	for _, header := range msg.Headers {
		carrier[header.Key] = string(header.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
