package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"inventory-service/internal/models"
)

type recordKey struct {
	itemKey    string
	locationID string
}

// MemoryStore is a process-local store with the same revision and
// uniqueness semantics as the Postgres store.
type MemoryStore struct {
	mu sync.RWMutex

	records      map[recordKey]*models.InventoryRecord
	audits       map[recordKey][]models.AdjustmentAudit
	applied      map[string]int64
	reservations map[int64]*models.Reservation
	byOrder      map[string]int64

	nextRecordID      int64
	nextAuditID       int64
	nextReservationID int64
	nextLineID        int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:      make(map[recordKey]*models.InventoryRecord),
		audits:       make(map[recordKey][]models.AdjustmentAudit),
		applied:      make(map[string]int64),
		reservations: make(map[int64]*models.Reservation),
		byOrder:      make(map[string]int64),
	}
}

// GetRecord retrieves the record for an item at a location
func (m *MemoryStore) GetRecord(ctx context.Context, itemKey, locationID string) (*models.InventoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[recordKey{itemKey, locationID}]
	if !ok {
		return nil, fmt.Errorf("%w: inventory record %s/%s", models.ErrNotFound, itemKey, locationID)
	}
	c := *rec
	return &c, nil
}

// SaveRecord inserts or compare-and-swaps a record revision
func (m *MemoryStore) SaveRecord(ctx context.Context, rec *models.InventoryRecord, expectedRevision int64, w models.RecordWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{rec.ItemKey, rec.LocationID}
	current, exists := m.records[key]

	if expectedRevision == 0 {
		if exists {
			return fmt.Errorf("%w: record %s/%s already exists", models.ErrConcurrencyConflict, rec.ItemKey, rec.LocationID)
		}
		m.nextRecordID++
		rec.ID = m.nextRecordID
	} else {
		if !exists || current.Revision != expectedRevision {
			return fmt.Errorf("%w: record %s/%s revision changed", models.ErrConcurrencyConflict, rec.ItemKey, rec.LocationID)
		}
		rec.ID = current.ID
	}

	if w.ApplyKey != "" {
		if _, done := m.applied[w.ApplyKey]; done {
			return fmt.Errorf("%w: %s", models.ErrAlreadyApplied, w.ApplyKey)
		}
		m.applied[w.ApplyKey] = rec.ID
	}

	if w.Audit != nil {
		m.nextAuditID++
		audit := *w.Audit
		audit.ID = m.nextAuditID
		audit.RecordID = rec.ID
		m.audits[key] = append(m.audits[key], audit)
	}

	c := *rec
	m.records[key] = &c
	return nil
}

// IsApplied reports whether a ledger apply key has been recorded
func (m *MemoryStore) IsApplied(ctx context.Context, applyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.applied[applyKey]
	return ok, nil
}

// ListAudit returns the adjustment history of a record, oldest first
func (m *MemoryStore) ListAudit(ctx context.Context, itemKey, locationID string) ([]models.AdjustmentAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.audits[recordKey{itemKey, locationID}]
	out := make([]models.AdjustmentAudit, len(entries))
	copy(out, entries)
	return out, nil
}

// CreateReservation persists a reservation with its lines
func (m *MemoryStore) CreateReservation(ctx context.Context, res *models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byOrder[res.OrderID]; exists {
		return fmt.Errorf("%w: %s", models.ErrDuplicateOrder, res.OrderID)
	}

	m.nextReservationID++
	res.ID = m.nextReservationID
	for i := range res.Lines {
		m.nextLineID++
		res.Lines[i].ID = m.nextLineID
		res.Lines[i].ReservationID = res.ID
	}

	m.reservations[res.ID] = res.Clone()
	m.byOrder[res.OrderID] = res.ID
	return nil
}

// GetReservation retrieves a reservation by ID
func (m *MemoryStore) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%w: reservation %d", models.ErrNotFound, id)
	}
	return res.Clone(), nil
}

// GetReservationByOrderID retrieves the reservation created for an order
func (m *MemoryStore) GetReservationByOrderID(ctx context.Context, orderID string) (*models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: reservation for order %s", models.ErrNotFound, orderID)
	}
	return m.reservations[id].Clone(), nil
}

// UpdateReservationStatus moves a reservation from one status to another
func (m *MemoryStore) UpdateReservationStatus(
	ctx context.Context,
	id int64,
	from, to models.ReservationStatus,
	reason *string,
	at time.Time,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[id]
	if !ok {
		return fmt.Errorf("%w: reservation %d", models.ErrNotFound, id)
	}
	if res.Status != from {
		return fmt.Errorf("%w: reservation %d is %s, expected %s", models.ErrInvalidStateTransition, id, res.Status, from)
	}

	res.Status = to
	res.Reason = reason
	res.UpdatedAt = at
	return nil
}
