package models

import (
	"strings"
	"time"
)

// InventoryRecord holds the stock quantities of one item at one location
type InventoryRecord struct {
	ID           int64     `db:"id" json:"id"`
	ItemKey      string    `db:"item_key" json:"itemKey"`
	LocationID   string    `db:"location_id" json:"locationId"`
	OnHand       int64     `db:"on_hand" json:"onHand"`
	Reserved     int64     `db:"reserved" json:"reserved"`
	Revision     int64     `db:"revision" json:"revision"`
	SafetyStock  *int64    `db:"safety_stock" json:"safetyStock,omitempty"`
	ReorderPoint *int64    `db:"reorder_point" json:"reorderPoint,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// Available returns the quantity eligible for new holds
func (r *InventoryRecord) Available() int64 {
	return r.OnHand - r.Reserved
}

// AdjustmentAudit is an append-only entry written for every stock adjustment
type AdjustmentAudit struct {
	ID          int64     `db:"id" json:"id"`
	RecordID    int64     `db:"inventory_record_id" json:"recordId"`
	ItemKey     string    `db:"item_key" json:"itemKey"`
	LocationID  string    `db:"location_id" json:"locationId"`
	Delta       int64     `db:"delta" json:"delta"`
	Reason      string    `db:"reason" json:"reason"`
	OnHandAfter int64     `db:"on_hand_after" json:"onHandAfter"`
	Revision    int64     `db:"revision" json:"revision"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// RecordWrite carries the side records persisted atomically with an
// InventoryRecord revision.
type RecordWrite struct {
	// Audit is appended when set.
	Audit *AdjustmentAudit
	// ApplyKey marks the write as applied once; a repeated key is rejected
	// with ErrAlreadyApplied.
	ApplyKey string
}

// ReservationStatus is the lifecycle state of a reservation
type ReservationStatus string

// Reservation statuses
const (
	ReservationStatusPending   ReservationStatus = "PENDING"
	ReservationStatusConfirmed ReservationStatus = "CONFIRMED"
	ReservationStatusPartial   ReservationStatus = "PARTIAL"
	ReservationStatusFailed    ReservationStatus = "FAILED"
	ReservationStatusCommitted ReservationStatus = "COMMITTED"
	ReservationStatusReleased  ReservationStatus = "RELEASED"
	ReservationStatusExpired   ReservationStatus = "EXPIRED"
)

// Holding reports whether reservations in this status still hold stock
func (s ReservationStatus) Holding() bool {
	return s == ReservationStatusConfirmed || s == ReservationStatusPartial
}

// Open reports whether the expiry transition may still be applied
func (s ReservationStatus) Open() bool {
	return s == ReservationStatusPending || s.Holding()
}

// LineStatus is the outcome of a single reservation line
type LineStatus string

// Line statuses
const (
	LineStatusReserved LineStatus = "RESERVED"
	LineStatusFailed   LineStatus = "FAILED"
)

// Reasons recorded on reservations and lines
const (
	ReasonInsufficientStock = "insufficient available stock"
	ReasonAllLinesFailed    = "all items failed reservation"
	ReasonExpired           = "reservation expired"
)

// Reservation is the aggregate of holds taken for one order
type Reservation struct {
	ID        int64             `db:"id" json:"reservationId"`
	OrderID   string            `db:"order_id" json:"orderId"`
	Status    ReservationStatus `db:"status" json:"status"`
	Reason    *string           `db:"reason" json:"reason"`
	CreatedAt time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time         `db:"updated_at" json:"updatedAt"`
	ExpiresAt *time.Time        `db:"expires_at" json:"expiresAt"`
	Lines     []ReservationLine `db:"-" json:"items"`
}

// ReservationLine is one item request within a reservation
type ReservationLine struct {
	ID                int64      `db:"id" json:"-"`
	ReservationID     int64      `db:"reservation_id" json:"-"`
	LineNo            int        `db:"line_no" json:"lineNo"`
	ItemKey           string     `db:"item_key" json:"itemKey"`
	LocationID        string     `db:"location_id" json:"locationId"`
	RequestedQuantity int64      `db:"requested_quantity" json:"requestedQuantity"`
	ReservedQuantity  int64      `db:"reserved_quantity" json:"reservedQuantity"`
	Status            LineStatus `db:"status" json:"status"`
	FailureReason     *string    `db:"failure_reason" json:"failureReason"`
}

// LineRequest asks for a quantity of one item at an optional location
type LineRequest struct {
	ItemKey    string `json:"itemKey" binding:"required"`
	LocationID string `json:"locationId,omitempty"`
	Quantity   int64  `json:"quantity" binding:"required,min=1"`
}

// Clone returns a deep copy of the reservation
func (r *Reservation) Clone() *Reservation {
	c := *r
	c.Lines = make([]ReservationLine, len(r.Lines))
	copy(c.Lines, r.Lines)
	return &c
}

// ResolveLocation replaces a blank location with the default location
func ResolveLocation(locationID, defaultLocation string) string {
	if strings.TrimSpace(locationID) == "" {
		return defaultLocation
	}
	return locationID
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
