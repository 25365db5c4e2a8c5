package worker

import (
	"context"
	"errors"
	"sync"

	"inventory-service/internal/broker"
	"inventory-service/internal/models"
	"inventory-service/internal/util"

	"go.uber.org/zap"
)

// ErrIntakeClosed is returned by Submit once the worker has stopped accepting
// orders.
var ErrIntakeClosed = errors.New("order intake closed")

// MessageSource delivers raw messages to a handler until ctx ends
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// Reserver turns an incoming order into a reservation
type Reserver interface {
	ReserveForOrder(ctx context.Context, order *models.OrderCreatedEvent) (*models.Reservation, error)
}

type intakeItem struct {
	ctx   context.Context
	order *models.OrderCreatedEvent
	ack   broker.Ack
}

// OrderIntakeWorker moves decoded orders from the message source through a
// bounded queue into a fixed pool of reservation goroutines. A message is
// acknowledged to the source only after its order has been processed.
type OrderIntakeWorker struct {
	source   MessageSource
	reserver Reserver
	handler  *broker.EventHandler
	workers  int
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan intakeItem
	wg     sync.WaitGroup
}

// NewOrderIntakeWorker creates a new intake worker
func NewOrderIntakeWorker(source MessageSource, reserver Reserver, queueSize, workers int) *OrderIntakeWorker {
	if queueSize <= 0 {
		queueSize = 1
	}
	if workers <= 0 {
		workers = 1
	}

	w := &OrderIntakeWorker{
		source:   source,
		reserver: reserver,
		handler:  broker.NewEventHandler(),
		workers:  workers,
		logger:   util.Component("order-intake"),
		queue:    make(chan intakeItem, queueSize),
	}
	w.handler.OnOrderCreated(w.Submit)
	return w
}

// Submit queues an order, blocking until there is room or ctx ends. ack, when
// set, is called after ReserveForOrder has returned for the order.
func (w *OrderIntakeWorker) Submit(ctx context.Context, order *models.OrderCreatedEvent, ack broker.Ack) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return ErrIntakeClosed
	}

	select {
	case w.queue <- intakeItem{ctx: context.WithoutCancel(ctx), order: order, ack: ack}:
		util.IntakeQueueDepth.Set(float64(len(w.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the worker pool and consumes until ctx ends. Orders already
// queued are processed before Start returns.
func (w *OrderIntakeWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting order intake", zap.Int("workers", w.workers), zap.Int("queue_size", cap(w.queue)))

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run()
	}

	err := w.source.StartConsuming(ctx, w.handler.HandleMessage)

	w.closeQueue()
	w.wg.Wait()
	w.logger.Info("Order intake drained")

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop stops the message source
func (w *OrderIntakeWorker) Stop() error {
	w.logger.Info("Stopping order intake")
	return w.source.Close()
}

func (w *OrderIntakeWorker) closeQueue() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.closed = true
		close(w.queue)
	}
}

func (w *OrderIntakeWorker) run() {
	defer w.wg.Done()

	for item := range w.queue {
		util.IntakeQueueDepth.Set(float64(len(w.queue)))
		w.process(item)
	}
}

// process reserves one order and acknowledges it once ReserveForOrder has
// returned, whatever the outcome.
func (w *OrderIntakeWorker) process(item intakeItem) {
	if item.ack != nil {
		defer item.ack()
	}

	res, err := w.reserver.ReserveForOrder(item.ctx, item.order)
	switch {
	case err == nil:
		util.IntakeOrdersTotal.WithLabelValues("processed").Inc()
		w.logger.Info("Order reserved",
			zap.String("order_id", item.order.OrderID),
			zap.Int64("reservation_id", res.ID),
			zap.String("status", string(res.Status)))
	case errors.Is(err, models.ErrDuplicateOrder):
		util.IntakeOrdersTotal.WithLabelValues("duplicate").Inc()
		w.logger.Info("Order already has a reservation", zap.String("order_id", item.order.OrderID))
	default:
		util.IntakeOrdersTotal.WithLabelValues("failed").Inc()
		w.logger.Error("Failed to reserve order", zap.String("order_id", item.order.OrderID), zap.Error(err))
	}
}
