package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypeOrderCreated      = "ORDER_CREATED"
	EventTypeReservationResult = "INVENTORY_RESERVATION_RESULT"
)

// BaseEvent contains common fields for all published events
type BaseEvent struct {
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent is received from the order service
type OrderCreatedEvent struct {
	OrderID string           `json:"orderId"`
	Items   []OrderItemEvent `json:"items"`
}

// OrderItemEvent is one requested item of an incoming order
type OrderItemEvent struct {
	ItemKey    string `json:"itemKey,omitempty"`
	SKU        string `json:"sku,omitempty"`
	LocationID string `json:"locationId,omitempty"`
	Quantity   int64  `json:"quantity"`
}

// Key returns the item key, falling back to the legacy sku field
func (i OrderItemEvent) Key() string {
	if i.ItemKey != "" {
		return i.ItemKey
	}
	return i.SKU
}

// Lines converts the order items into reservation line requests
func (e *OrderCreatedEvent) Lines() []LineRequest {
	lines := make([]LineRequest, 0, len(e.Items))
	for _, item := range e.Items {
		lines = append(lines, LineRequest{
			ItemKey:    item.Key(),
			LocationID: item.LocationID,
			Quantity:   item.Quantity,
		})
	}
	return lines
}

// ReservationResultEvent is published once a reservation attempt settles
type ReservationResultEvent struct {
	BaseEvent
	ReservationID int64             `json:"reservationId"`
	OrderID       string            `json:"orderId"`
	Status        ReservationStatus `json:"status"`
	Lines         []LineResult      `json:"lines"`
}

// LineResult is the published outcome of a single line
type LineResult struct {
	ItemKey           string     `json:"itemKey"`
	LocationID        string     `json:"locationId"`
	RequestedQuantity int64      `json:"requestedQuantity"`
	ReservedQuantity  int64      `json:"reservedQuantity"`
	Status            LineStatus `json:"status"`
	FailureReason     *string    `json:"failureReason,omitempty"`
}

// NewReservationResultEvent builds the outcome event for a reservation
func NewReservationResultEvent(res *Reservation) *ReservationResultEvent {
	lines := make([]LineResult, 0, len(res.Lines))
	for _, line := range res.Lines {
		lines = append(lines, LineResult{
			ItemKey:           line.ItemKey,
			LocationID:        line.LocationID,
			RequestedQuantity: line.RequestedQuantity,
			ReservedQuantity:  line.ReservedQuantity,
			Status:            line.Status,
			FailureReason:     line.FailureReason,
		})
	}

	return &ReservationResultEvent{
		BaseEvent: BaseEvent{
			EventID:   uuid.New().String(),
			EventType: EventTypeReservationResult,
			Timestamp: time.Now(),
		},
		ReservationID: res.ID,
		OrderID:       res.OrderID,
		Status:        res.Status,
		Lines:         lines,
	}
}
