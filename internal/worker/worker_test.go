package worker

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"inventory-service/internal/broker"
	"inventory-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticSource hands a fixed set of messages to the handler, then waits
type staticSource struct {
	msgs    [][]byte
	mu      sync.Mutex
	results []error
	acked   []int64
	closed  bool
}

func (s *staticSource) StartConsuming(ctx context.Context, handler broker.MessageHandler) error {
	for i, value := range s.msgs {
		offset := int64(i)
		err := handler(ctx, kafka.Message{Offset: offset, Value: value}, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.acked = append(s.acked, offset)
		})
		s.mu.Lock()
		s.results = append(s.results, err)
		s.mu.Unlock()
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *staticSource) ackedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]int64(nil), s.acked...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *staticSource) Close() error {
	s.closed = true
	return nil
}

type recordingReserver struct {
	mu     sync.Mutex
	orders []string
	delay  time.Duration
	err    error
}

func (r *recordingReserver) ReserveForOrder(ctx context.Context, order *models.OrderCreatedEvent) (*models.Reservation, error) {
	time.Sleep(r.delay)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, order.OrderID)
	if r.err != nil {
		return nil, r.err
	}
	return &models.Reservation{ID: int64(len(r.orders)), OrderID: order.OrderID, Status: models.ReservationStatusConfirmed}, nil
}

func (r *recordingReserver) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.orders...)
	sort.Strings(out)
	return out
}

func orderMessage(id string) []byte {
	return []byte(`{"orderId":"` + id + `","items":[{"itemKey":"A","quantity":1}]}`)
}

func TestOrderIntakeProcessesQueuedOrders(t *testing.T) {
	source := &staticSource{msgs: [][]byte{
		orderMessage("order-1"),
		[]byte(`{broken`),
		orderMessage("order-2"),
		orderMessage("order-3"),
	}}
	reserver := &recordingReserver{}
	w := NewOrderIntakeWorker(source, reserver, 2, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	assert.Eventually(t, func() bool { return len(reserver.seen()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"order-1", "order-2", "order-3"}, reserver.seen())

	// every message, including the undecodable one, is acknowledged
	assert.Equal(t, []int64{0, 1, 2, 3}, source.ackedOffsets())
	source.mu.Lock()
	defer source.mu.Unlock()
	require.Len(t, source.results, 4)
	for _, err := range source.results {
		assert.NoError(t, err)
	}
}

// blockingReserver holds every order until release is closed
type blockingReserver struct {
	recordingReserver
	release chan struct{}
}

func (r *blockingReserver) ReserveForOrder(ctx context.Context, order *models.OrderCreatedEvent) (*models.Reservation, error) {
	<-r.release
	return r.recordingReserver.ReserveForOrder(ctx, order)
}

func TestOrderIntakeAcknowledgesAfterProcessing(t *testing.T) {
	source := &staticSource{msgs: [][]byte{orderMessage("order-1"), orderMessage("order-2")}}
	reserver := &blockingReserver{release: make(chan struct{})}
	w := NewOrderIntakeWorker(source, reserver, 4, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	assert.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return len(source.results) == 2
	}, time.Second, time.Millisecond)
	assert.Empty(t, source.ackedOffsets())

	close(reserver.release)
	assert.Eventually(t, func() bool { return len(source.ackedOffsets()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"order-1", "order-2"}, reserver.seen())
}

func TestOrderIntakeDrainsOnShutdown(t *testing.T) {
	source := &staticSource{msgs: [][]byte{orderMessage("order-1"), orderMessage("order-2")}}
	reserver := &recordingReserver{delay: 20 * time.Millisecond}
	w := NewOrderIntakeWorker(source, reserver, 4, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	assert.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return len(source.results) == 2
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"order-1", "order-2"}, reserver.seen())
	assert.Equal(t, []int64{0, 1}, source.ackedOffsets())

	err := w.Submit(context.Background(), &models.OrderCreatedEvent{OrderID: "late"}, nil)
	assert.ErrorIs(t, err, ErrIntakeClosed)

	require.NoError(t, w.Stop())
	assert.True(t, source.closed)
}

func TestOrderIntakeSubmitRespectsContext(t *testing.T) {
	w := NewOrderIntakeWorker(&staticSource{}, &recordingReserver{}, 1, 1)

	require.NoError(t, w.Submit(context.Background(), &models.OrderCreatedEvent{OrderID: "order-1"}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Submit(ctx, &models.OrderCreatedEvent{OrderID: "order-2"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOrderIntakeSurvivesReserveErrors(t *testing.T) {
	source := &staticSource{msgs: [][]byte{orderMessage("order-1"), orderMessage("order-2")}}
	reserver := &recordingReserver{err: models.ErrDuplicateOrder}
	w := NewOrderIntakeWorker(source, reserver, 2, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	assert.Eventually(t, func() bool { return len(reserver.seen()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, []int64{0, 1}, source.ackedOffsets())
}
