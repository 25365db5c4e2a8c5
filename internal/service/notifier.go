package service

import (
	"context"
	"errors"
	"sync"

	"inventory-service/internal/models"
	"inventory-service/internal/util"

	"go.uber.org/zap"
)

// ErrNotifierClosed is returned by Notify after Close
var ErrNotifierClosed = errors.New("notifier closed")

// ResultPublisher delivers a reservation outcome event to a message bus
type ResultPublisher interface {
	PublishReservationResult(ctx context.Context, event *models.ReservationResultEvent) error
}

type notification struct {
	ctx   context.Context
	event *models.ReservationResultEvent
}

// QueueNotifier buffers outcomes in a bounded channel drained by a single
// goroutine, so the engine never waits on the bus itself.
type QueueNotifier struct {
	publisher ResultPublisher
	queue     chan notification
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewQueueNotifier creates a notifier and starts its drain goroutine
func NewQueueNotifier(publisher ResultPublisher, size int) *QueueNotifier {
	if size <= 0 {
		size = 1
	}
	n := &QueueNotifier{
		publisher: publisher,
		queue:     make(chan notification, size),
		logger:    util.Component("result-notifier"),
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify queues the outcome of res. It blocks until there is room in the
// queue or ctx ends.
func (n *QueueNotifier) Notify(ctx context.Context, res *models.Reservation) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return ErrNotifierClosed
	}

	item := notification{
		ctx:   context.WithoutCancel(ctx),
		event: models.NewReservationResultEvent(res),
	}

	select {
	case n.queue <- item:
		return nil
	case <-ctx.Done():
		util.NotificationsTotal.WithLabelValues("dropped").Inc()
		return ctx.Err()
	}
}

// Close stops accepting outcomes and waits for queued ones to be published
func (n *QueueNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	<-n.done
}

func (n *QueueNotifier) run() {
	defer close(n.done)

	for item := range n.queue {
		if err := n.publisher.PublishReservationResult(item.ctx, item.event); err != nil {
			util.NotificationsTotal.WithLabelValues("failed").Inc()
			n.logger.Error("Failed to publish reservation result",
				zap.String("order_id", item.event.OrderID),
				zap.Int64("reservation_id", item.event.ReservationID),
				zap.Error(err))
			continue
		}
		util.NotificationsTotal.WithLabelValues("published").Inc()
		n.logger.Info("Published reservation result",
			zap.String("order_id", item.event.OrderID),
			zap.Int64("reservation_id", item.event.ReservationID),
			zap.String("status", string(item.event.Status)))
	}
}
