// Package ledger owns the per-(item, location) quantity records. Every
// operation touches exactly one record and is applied as an optimistic
// compare-and-swap on the record revision, retried on conflict.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DefaultMaxAttempts bounds the compare-and-swap retry loop. With the default
// backoff the last attempt starts roughly a second after the first.
const DefaultMaxAttempts = 25

// Ledger operation names, used for metrics and spans
const (
	OpAdjust     = "adjust"
	OpTryReserve = "try_reserve"
	OpRelease    = "release"
	OpCommit     = "commit"
)

// RecordStore persists inventory records.
//
// SaveRecord writes rec only if the stored revision still equals
// expectedRevision; an expectedRevision of 0 inserts a new record. A lost race
// is reported as models.ErrConcurrencyConflict and a repeated apply key as
// models.ErrAlreadyApplied. The record and the side records in w are written
// atomically.
type RecordStore interface {
	GetRecord(ctx context.Context, itemKey, locationID string) (*models.InventoryRecord, error)
	SaveRecord(ctx context.Context, rec *models.InventoryRecord, expectedRevision int64, w models.RecordWrite) error
	IsApplied(ctx context.Context, applyKey string) (bool, error)
	ListAudit(ctx context.Context, itemKey, locationID string) ([]models.AdjustmentAudit, error)
}

// SnapshotCache holds read-only copies of records. It is never consulted by
// mutations.
type SnapshotCache interface {
	PutSnapshot(ctx context.Context, rec *models.InventoryRecord) error
	GetSnapshot(ctx context.Context, itemKey, locationID string) (*models.InventoryRecord, error)
}

// Ledger applies atomic single-record stock operations
type Ledger struct {
	store       RecordStore
	cache       SnapshotCache
	maxAttempts int
	backOff     func() backoff.BackOff
	logger      *zap.Logger
	now         func() time.Time
}

// NewLedger creates a new ledger. cache may be nil.
func NewLedger(store RecordStore, cache SnapshotCache, maxAttempts int) *Ledger {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Ledger{
		store:       store,
		cache:       cache,
		maxAttempts: maxAttempts,
		backOff:     newRetryBackOff,
		logger:      util.Component("ledger"),
		now:         time.Now,
	}
}

// Get returns the record for (itemKey, locationID), preferring a cached
// snapshot when one is available.
func (l *Ledger) Get(ctx context.Context, itemKey, locationID string) (*models.InventoryRecord, error) {
	if err := validateKey(itemKey, locationID); err != nil {
		return nil, err
	}

	if l.cache != nil {
		rec, err := l.cache.GetSnapshot(ctx, itemKey, locationID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			l.logger.Warn("Snapshot cache read failed",
				zap.String("item_key", itemKey),
				zap.String("location_id", locationID),
				zap.Error(err))
		}
	}

	rec, err := l.store.GetRecord(ctx, itemKey, locationID)
	if err != nil {
		return nil, err
	}
	l.putSnapshot(ctx, rec)
	return rec, nil
}

// Audit returns the adjustment history of a record, oldest first
func (l *Ledger) Audit(ctx context.Context, itemKey, locationID string) ([]models.AdjustmentAudit, error) {
	if err := validateKey(itemKey, locationID); err != nil {
		return nil, err
	}
	if _, err := l.store.GetRecord(ctx, itemKey, locationID); err != nil {
		return nil, err
	}
	return l.store.ListAudit(ctx, itemKey, locationID)
}

// Adjust applies delta to the on-hand quantity, creating the record when it
// does not exist yet. An audit entry is appended with the new revision.
func (l *Ledger) Adjust(ctx context.Context, itemKey, locationID string, delta int64, reason string) (*models.InventoryRecord, error) {
	if err := validateKey(itemKey, locationID); err != nil {
		return nil, err
	}

	return l.mutate(ctx, OpAdjust, itemKey, locationID, true, "", func(rec *models.InventoryRecord) (*models.AdjustmentAudit, error) {
		onHand := rec.OnHand + delta
		if onHand < 0 {
			return nil, fmt.Errorf("%w: on hand %d, delta %d", models.ErrNegativeQuantity, rec.OnHand, delta)
		}
		if onHand < rec.Reserved {
			return nil, fmt.Errorf("%w: on hand %d, delta %d, reserved %d",
				models.ErrBelowReservedFloor, rec.OnHand, delta, rec.Reserved)
		}
		rec.OnHand = onHand

		return &models.AdjustmentAudit{
			ItemKey:     rec.ItemKey,
			LocationID:  rec.LocationID,
			Delta:       delta,
			Reason:      reason,
			OnHandAfter: onHand,
		}, nil
	})
}

// TryReserve places a hold of quantity on the record. It fails softly with
// models.ErrInsufficientStock when less than quantity is available, and with
// models.ErrNotFound when the record does not exist.
func (l *Ledger) TryReserve(ctx context.Context, itemKey, locationID string, quantity int64) (*models.InventoryRecord, error) {
	if err := validateQuantity(itemKey, locationID, quantity); err != nil {
		return nil, err
	}

	return l.mutate(ctx, OpTryReserve, itemKey, locationID, false, "", func(rec *models.InventoryRecord) (*models.AdjustmentAudit, error) {
		if rec.Available() < quantity {
			return nil, fmt.Errorf("%w: available %d, requested %d", models.ErrInsufficientStock, rec.Available(), quantity)
		}
		rec.Reserved += quantity
		return nil, nil
	})
}

// Release retires a hold of quantity without touching on-hand stock. A
// non-empty applyKey makes the call idempotent.
func (l *Ledger) Release(ctx context.Context, itemKey, locationID string, quantity int64, applyKey string) (*models.InventoryRecord, error) {
	if err := validateQuantity(itemKey, locationID, quantity); err != nil {
		return nil, err
	}

	return l.mutate(ctx, OpRelease, itemKey, locationID, false, applyKey, func(rec *models.InventoryRecord) (*models.AdjustmentAudit, error) {
		if rec.Reserved-quantity < 0 {
			return nil, fmt.Errorf("%w: release %d exceeds reserved %d", models.ErrInvariantViolation, quantity, rec.Reserved)
		}
		rec.Reserved -= quantity
		return nil, nil
	})
}

// Commit converts a hold of quantity into a permanent deduction of on-hand
// stock. A non-empty applyKey makes the call idempotent.
func (l *Ledger) Commit(ctx context.Context, itemKey, locationID string, quantity int64, applyKey string) (*models.InventoryRecord, error) {
	if err := validateQuantity(itemKey, locationID, quantity); err != nil {
		return nil, err
	}

	return l.mutate(ctx, OpCommit, itemKey, locationID, false, applyKey, func(rec *models.InventoryRecord) (*models.AdjustmentAudit, error) {
		if rec.OnHand-quantity < 0 {
			return nil, fmt.Errorf("%w: commit %d exceeds on hand %d", models.ErrInvariantViolation, quantity, rec.OnHand)
		}
		if rec.Reserved-quantity < 0 {
			return nil, fmt.Errorf("%w: commit %d exceeds reserved %d", models.ErrInvariantViolation, quantity, rec.Reserved)
		}
		rec.OnHand -= quantity
		rec.Reserved -= quantity
		return nil, nil
	})
}

// mutate runs the read-compute-write loop for a single record. apply works on
// a copy of the current state and returns the audit entry to append, if any.
func (l *Ledger) mutate(
	ctx context.Context,
	op, itemKey, locationID string,
	create bool,
	applyKey string,
	apply func(rec *models.InventoryRecord) (*models.AdjustmentAudit, error),
) (rec *models.InventoryRecord, err error) {
	ctx, span := util.StartSpan(ctx, "Ledger."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("inventory.item_key", itemKey),
		attribute.String("inventory.location_id", locationID),
	)

	start := time.Now()
	defer func() {
		util.LedgerOperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		util.LedgerOperationsTotal.WithLabelValues(op, outcome(err)).Inc()
		if err != nil && !errors.Is(err, models.ErrInsufficientStock) {
			util.RecordError(span, err)
		}
	}()

	retry := l.backOff()
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		current, err := l.store.GetRecord(ctx, itemKey, locationID)
		var expected int64
		switch {
		case err == nil:
			expected = current.Revision
		case errors.Is(err, models.ErrNotFound) && create:
			current = &models.InventoryRecord{
				ItemKey:    itemKey,
				LocationID: locationID,
				CreatedAt:  l.now(),
			}
		default:
			return nil, err
		}

		if applyKey != "" {
			applied, err := l.store.IsApplied(ctx, applyKey)
			if err != nil {
				return nil, err
			}
			if applied {
				l.logger.Debug("Ledger operation already applied",
					zap.String("op", op),
					zap.String("apply_key", applyKey))
				return current, nil
			}
		}

		next := *current
		audit, err := apply(&next)
		if err != nil {
			return nil, err
		}
		next.Revision = expected + 1
		next.UpdatedAt = l.now()
		if audit != nil {
			audit.RecordID = next.ID
			audit.Revision = next.Revision
			audit.CreatedAt = next.UpdatedAt
		}

		err = l.store.SaveRecord(ctx, &next, expected, models.RecordWrite{Audit: audit, ApplyKey: applyKey})
		switch {
		case err == nil:
			span.SetAttributes(attribute.Int64("inventory.revision", next.Revision), attribute.Int("ledger.attempts", attempt))
			l.putSnapshot(ctx, &next)
			return &next, nil
		case errors.Is(err, models.ErrConcurrencyConflict):
			util.LedgerConflictRetriesTotal.WithLabelValues(op).Inc()
			l.logger.Debug("Revision conflict, retrying",
				zap.String("op", op),
				zap.String("item_key", itemKey),
				zap.String("location_id", locationID),
				zap.Int64("revision", expected),
				zap.Int("attempt", attempt))
			if attempt < l.maxAttempts {
				if werr := wait(ctx, retry.NextBackOff()); werr != nil {
					return nil, werr
				}
			}
			continue
		case errors.Is(err, models.ErrAlreadyApplied):
			return l.store.GetRecord(ctx, itemKey, locationID)
		default:
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %s on %s/%s gave up after %d attempts",
		models.ErrConcurrencyConflict, op, itemKey, locationID, l.maxAttempts)
}

func (l *Ledger) putSnapshot(ctx context.Context, rec *models.InventoryRecord) {
	if l.cache == nil {
		return
	}
	if err := l.cache.PutSnapshot(ctx, rec); err != nil {
		l.logger.Warn("Failed to cache record snapshot",
			zap.String("item_key", rec.ItemKey),
			zap.String("location_id", rec.LocationID),
			zap.Error(err))
	}
}

// Applied reports whether a write carrying applyKey has been persisted
func (l *Ledger) Applied(ctx context.Context, applyKey string) (bool, error) {
	if strings.TrimSpace(applyKey) == "" {
		return false, fmt.Errorf("%w: apply key is required", models.ErrValidation)
	}
	return l.store.IsApplied(ctx, applyKey)
}

// ApplyKey identifies one settlement operation (OpCommit or OpRelease) on one
// reservation line.
func ApplyKey(reservationID int64, op string, lineNo int) string {
	return fmt.Sprintf("reservation/%d/%s/line/%d", reservationID, op, lineNo)
}

// newRetryBackOff returns the jittered delay schedule between compare-and-swap
// attempts on the same record.
func newRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func validateKey(itemKey, locationID string) error {
	if strings.TrimSpace(itemKey) == "" {
		return fmt.Errorf("%w: item key is required", models.ErrValidation)
	}
	if strings.TrimSpace(locationID) == "" {
		return fmt.Errorf("%w: location id is required", models.ErrValidation)
	}
	return nil
}

func validateQuantity(itemKey, locationID string, quantity int64) error {
	if err := validateKey(itemKey, locationID); err != nil {
		return err
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", models.ErrValidation, quantity)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrValidation):
		return "invalid"
	case errors.Is(err, models.ErrNegativeQuantity), errors.Is(err, models.ErrBelowReservedFloor):
		return "rejected"
	case errors.Is(err, models.ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, models.ErrConcurrencyConflict):
		return "conflict"
	default:
		return "error"
	}
}
