package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inventory-service/internal/ledger"
	"inventory-service/internal/models"
	"inventory-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DefaultLocationID is used when no default location is configured
const DefaultLocationID = "MAIN"

// StockLedger is the subset of the inventory ledger the engine drives
type StockLedger interface {
	TryReserve(ctx context.Context, itemKey, locationID string, quantity int64) (*models.InventoryRecord, error)
	Release(ctx context.Context, itemKey, locationID string, quantity int64, applyKey string) (*models.InventoryRecord, error)
	Commit(ctx context.Context, itemKey, locationID string, quantity int64, applyKey string) (*models.InventoryRecord, error)
	Applied(ctx context.Context, applyKey string) (bool, error)
}

// ReservationStore persists reservation aggregates. UpdateReservationStatus
// must only write while the stored status equals from, and report a lost
// race as models.ErrInvalidStateTransition.
type ReservationStore interface {
	CreateReservation(ctx context.Context, res *models.Reservation) error
	GetReservation(ctx context.Context, id int64) (*models.Reservation, error)
	GetReservationByOrderID(ctx context.Context, orderID string) (*models.Reservation, error)
	UpdateReservationStatus(ctx context.Context, id int64, from, to models.ReservationStatus, reason *string, at time.Time) error
}

// ResultNotifier receives reservation outcomes for external publication
type ResultNotifier interface {
	Notify(ctx context.Context, res *models.Reservation) error
}

// Locker serializes transitions of a single reservation across processes.
// ReleaseLock only removes a lock still held under the token AcquireLock
// returned.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// EngineConfig holds reservation engine settings
type EngineConfig struct {
	DefaultLocationID string
	// ReservationTTL sets expiresAt on new reservations; zero records none.
	ReservationTTL time.Duration
	LockTTL        time.Duration
}

// ReservationEngine owns the reservation state machine
type ReservationEngine struct {
	store    ReservationStore
	ledger   StockLedger
	notifier ResultNotifier
	locker   Locker
	cfg      EngineConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewReservationEngine creates a new reservation engine. notifier and locker
// may be nil.
func NewReservationEngine(
	store ReservationStore,
	ledger StockLedger,
	notifier ResultNotifier,
	locker Locker,
	cfg EngineConfig,
) *ReservationEngine {
	if cfg.DefaultLocationID == "" {
		cfg.DefaultLocationID = DefaultLocationID
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	return &ReservationEngine{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		locker:   locker,
		cfg:      cfg,
		logger:   util.Component("reservation-engine"),
		now:      time.Now,
	}
}

// DefaultLocationID returns the location used for lines without one
func (e *ReservationEngine) DefaultLocationID() string {
	return e.cfg.DefaultLocationID
}

// CreateReservation attempts every line independently and persists the
// aggregate outcome. Holds taken by earlier lines are kept when a later line
// falls short.
func (e *ReservationEngine) CreateReservation(ctx context.Context, orderID string, lines []models.LineRequest) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationEngine.CreateReservation")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.Int("reservation.lines", len(lines)))

	start := time.Now()
	defer func() {
		util.CreateReservationLatency.Observe(time.Since(start).Seconds())
	}()

	if err := validateRequest(orderID, lines); err != nil {
		return nil, err
	}

	_, err := e.store.GetReservationByOrderID(ctx, orderID)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrDuplicateOrder, orderID)
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing reservation: %w", err)
	}

	now := e.now()
	res := &models.Reservation{
		OrderID:   orderID,
		Status:    models.ReservationStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Lines:     make([]models.ReservationLine, 0, len(lines)),
	}
	if e.cfg.ReservationTTL > 0 {
		expiresAt := now.Add(e.cfg.ReservationTTL)
		res.ExpiresAt = &expiresAt
	}

	for i, req := range lines {
		line := models.ReservationLine{
			LineNo:            i + 1,
			ItemKey:           req.ItemKey,
			LocationID:        models.ResolveLocation(req.LocationID, e.cfg.DefaultLocationID),
			RequestedQuantity: req.Quantity,
		}

		_, err := e.ledger.TryReserve(ctx, line.ItemKey, line.LocationID, line.RequestedQuantity)
		switch {
		case err == nil:
			line.Status = models.LineStatusReserved
			line.ReservedQuantity = line.RequestedQuantity
		case errors.Is(err, models.ErrInsufficientStock), errors.Is(err, models.ErrNotFound):
			line.Status = models.LineStatusFailed
			line.FailureReason = models.StringPtr(models.ReasonInsufficientStock)
			util.ReservationLinesFailedTotal.Inc()
			e.logger.Info("Reservation line failed",
				zap.String("order_id", orderID),
				zap.String("item_key", line.ItemKey),
				zap.String("location_id", line.LocationID),
				zap.Int64("quantity", line.RequestedQuantity),
				zap.Error(err))
		default:
			if errors.Is(err, models.ErrInvariantViolation) {
				e.logger.Error("Invariant violation while reserving",
					zap.String("order_id", orderID),
					zap.String("item_key", line.ItemKey),
					zap.String("location_id", line.LocationID),
					zap.Error(err))
			}
			e.compensate(ctx, orderID, res.Lines)
			util.RecordError(span, err)
			return nil, fmt.Errorf("failed to reserve %s at %s: %w", line.ItemKey, line.LocationID, err)
		}

		res.Lines = append(res.Lines, line)
	}

	res.Status, res.Reason = aggregateStatus(res.Lines)

	if err := e.store.CreateReservation(ctx, res); err != nil {
		e.compensate(ctx, orderID, res.Lines)
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to persist reservation: %w", err)
	}

	util.ReservationsCreatedTotal.WithLabelValues(string(res.Status)).Inc()
	span.SetAttributes(attribute.Int64("reservation.id", res.ID), attribute.String("reservation.status", string(res.Status)))
	e.logger.Info("Reservation created",
		zap.String("order_id", orderID),
		zap.Int64("reservation_id", res.ID),
		zap.String("status", string(res.Status)))

	return res, nil
}

// CommitReservation converts every hold of a CONFIRMED or PARTIAL
// reservation into a permanent deduction.
func (e *ReservationEngine) CommitReservation(ctx context.Context, id int64, reason string) (*models.Reservation, error) {
	return e.settle(ctx, id, models.ReservationStatusCommitted, reason, models.ErrCommitFailed, requireHolding, ledger.OpCommit,
		func(ctx context.Context, line models.ReservationLine, applyKey string) error {
			_, err := e.ledger.Commit(ctx, line.ItemKey, line.LocationID, line.ReservedQuantity, applyKey)
			return err
		})
}

// ReleaseReservation retires every hold of a CONFIRMED or PARTIAL
// reservation without deducting stock.
func (e *ReservationEngine) ReleaseReservation(ctx context.Context, id int64, reason string) (*models.Reservation, error) {
	return e.settle(ctx, id, models.ReservationStatusReleased, reason, models.ErrReleaseFailed, requireHolding, ledger.OpRelease, e.releaseLine)
}

// ExpireReservation applies the expiry transition to an open reservation
// whose expiresAt is at or before now, releasing its holds.
func (e *ReservationEngine) ExpireReservation(ctx context.Context, id int64, now time.Time) (*models.Reservation, error) {
	check := func(res *models.Reservation) error {
		if !res.Status.Open() {
			return fmt.Errorf("%w: cannot expire reservation %d in status %s",
				models.ErrInvalidStateTransition, res.ID, res.Status)
		}
		if res.ExpiresAt == nil || res.ExpiresAt.After(now) {
			return fmt.Errorf("%w: reservation %d has not expired", models.ErrInvalidStateTransition, res.ID)
		}
		return nil
	}
	return e.settle(ctx, id, models.ReservationStatusExpired, models.ReasonExpired, models.ErrReleaseFailed, check, ledger.OpRelease, e.releaseLine)
}

func requireHolding(res *models.Reservation) error {
	if !res.Status.Holding() {
		return fmt.Errorf("%w: reservation %d is %s, expected CONFIRMED or PARTIAL",
			models.ErrInvalidStateTransition, res.ID, res.Status)
	}
	return nil
}

func (e *ReservationEngine) releaseLine(ctx context.Context, line models.ReservationLine, applyKey string) error {
	_, err := e.ledger.Release(ctx, line.ItemKey, line.LocationID, line.ReservedQuantity, applyKey)
	return err
}

// opposite returns the settlement that excludes kind on the same line
func opposite(kind string) string {
	if kind == ledger.OpCommit {
		return ledger.OpRelease
	}
	return ledger.OpCommit
}

// settle runs a terminal transition: once check accepts the reservation, op
// is applied under the kind's apply key to every line still holding stock and
// the status is moved to target. A reservation already partially settled by
// the opposite kind is rejected before any line is touched.
func (e *ReservationEngine) settle(
	ctx context.Context,
	id int64,
	target models.ReservationStatus,
	reason string,
	failure error,
	check func(res *models.Reservation) error,
	kind string,
	op func(ctx context.Context, line models.ReservationLine, applyKey string) error,
) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationEngine.Settle")
	defer span.End()
	span.SetAttributes(attribute.Int64("reservation.id", id), attribute.String("reservation.target", string(target)))

	unlock, err := e.lock(ctx, id)
	if err != nil {
		util.ReservationTransitionsFailed.WithLabelValues(string(target), "locked").Inc()
		return nil, err
	}
	defer unlock()

	res, err := e.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := check(res); err != nil {
		util.ReservationTransitionsFailed.WithLabelValues(string(target), "invalid_state").Inc()
		return nil, err
	}

	if err := e.checkNotSettledBy(ctx, res, opposite(kind)); err != nil {
		util.ReservationTransitionsFailed.WithLabelValues(string(target), "partially_settled").Inc()
		return nil, err
	}

	for _, line := range res.Lines {
		if line.ReservedQuantity <= 0 {
			continue
		}
		if err := op(ctx, line, ledger.ApplyKey(res.ID, kind, line.LineNo)); err != nil {
			if errors.Is(err, models.ErrInvariantViolation) {
				e.logger.Error("Invariant violation while settling reservation",
					zap.Int64("reservation_id", id),
					zap.String("target", string(target)),
					zap.String("item_key", line.ItemKey),
					zap.String("location_id", line.LocationID),
					zap.Int64("quantity", line.ReservedQuantity),
					zap.Error(err))
			}
			util.ReservationTransitionsFailed.WithLabelValues(string(target), "ledger").Inc()
			util.RecordError(span, err)
			return nil, fmt.Errorf("%w: reservation %d line %d (%s at %s): %w",
				failure, id, line.LineNo, line.ItemKey, line.LocationID, err)
		}
	}

	now := e.now()
	reasonPtr := models.StringPtr(reason)
	if err := e.store.UpdateReservationStatus(ctx, id, res.Status, target, reasonPtr, now); err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to move reservation %d to %s: %w", id, target, err)
	}

	util.ReservationTransitionsTotal.WithLabelValues(string(target)).Inc()
	e.logger.Info("Reservation settled",
		zap.Int64("reservation_id", id),
		zap.String("order_id", res.OrderID),
		zap.String("from", string(res.Status)),
		zap.String("status", string(target)))

	res.Status = target
	res.Reason = reasonPtr
	res.UpdatedAt = now
	return res, nil
}

// checkNotSettledBy fails with models.ErrInvalidStateTransition when any
// holding line of res already carries an apply key of kind.
func (e *ReservationEngine) checkNotSettledBy(ctx context.Context, res *models.Reservation, kind string) error {
	for _, line := range res.Lines {
		if line.ReservedQuantity <= 0 {
			continue
		}
		applied, err := e.ledger.Applied(ctx, ledger.ApplyKey(res.ID, kind, line.LineNo))
		if err != nil {
			return fmt.Errorf("failed to check settlement of reservation %d line %d: %w", res.ID, line.LineNo, err)
		}
		if applied {
			e.logger.Warn("Reservation partially settled by the other operation",
				zap.Int64("reservation_id", res.ID),
				zap.Int("line_no", line.LineNo),
				zap.String("applied", kind))
			return fmt.Errorf("%w: reservation %d line %d already has %s applied, retry the %s",
				models.ErrInvalidStateTransition, res.ID, line.LineNo, kind, kind)
		}
	}
	return nil
}

// GetReservation retrieves a reservation by ID
func (e *ReservationEngine) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	return e.store.GetReservation(ctx, id)
}

// GetReservationByOrderID retrieves the reservation created for an order
func (e *ReservationEngine) GetReservationByOrderID(ctx context.Context, orderID string) (*models.Reservation, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("%w: order id is required", models.ErrValidation)
	}
	return e.store.GetReservationByOrderID(ctx, orderID)
}

// ReserveForOrder creates a reservation for an incoming order and hands the
// outcome to the notifier. Notification is best-effort.
func (e *ReservationEngine) ReserveForOrder(ctx context.Context, order *models.OrderCreatedEvent) (*models.Reservation, error) {
	res, err := e.CreateReservation(ctx, order.OrderID, order.Lines())
	if err != nil {
		return nil, err
	}

	if e.notifier == nil {
		return res, nil
	}
	if err := e.notifier.Notify(ctx, res.Clone()); err != nil {
		e.logger.Error("Failed to deliver reservation outcome",
			zap.String("order_id", res.OrderID),
			zap.Int64("reservation_id", res.ID),
			zap.Error(err))
	}
	return res, nil
}

// compensate releases holds taken by a creation request that will not be
// persisted.
func (e *ReservationEngine) compensate(ctx context.Context, orderID string, lines []models.ReservationLine) {
	for _, line := range lines {
		if line.ReservedQuantity <= 0 {
			continue
		}
		if _, err := e.ledger.Release(ctx, line.ItemKey, line.LocationID, line.ReservedQuantity, ""); err != nil {
			e.logger.Error("Failed to compensate reservation line",
				zap.String("order_id", orderID),
				zap.String("item_key", line.ItemKey),
				zap.String("location_id", line.LocationID),
				zap.Int64("quantity", line.ReservedQuantity),
				zap.Error(err))
		}
	}
}

func (e *ReservationEngine) lock(ctx context.Context, id int64) (func(), error) {
	if e.locker == nil {
		return func() {}, nil
	}

	key := fmt.Sprintf("reservation:%d", id)
	token, ok, err := e.locker.AcquireLock(ctx, key, e.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to lock reservation %d: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: transition in progress for reservation %d", models.ErrInvalidStateTransition, id)
	}

	return func() {
		if err := e.locker.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
			e.logger.Warn("Failed to release reservation lock", zap.Int64("reservation_id", id), zap.Error(err))
		}
	}, nil
}

// aggregateStatus derives the reservation status from its line outcomes
func aggregateStatus(lines []models.ReservationLine) (models.ReservationStatus, *string) {
	var reserved, failed int
	for _, line := range lines {
		if line.Status == models.LineStatusReserved {
			reserved++
		} else {
			failed++
		}
	}

	switch {
	case failed == 0:
		return models.ReservationStatusConfirmed, nil
	case reserved == 0:
		return models.ReservationStatusFailed, models.StringPtr(models.ReasonAllLinesFailed)
	default:
		return models.ReservationStatusPartial, nil
	}
}

func validateRequest(orderID string, lines []models.LineRequest) error {
	if strings.TrimSpace(orderID) == "" {
		return fmt.Errorf("%w: order id is required", models.ErrValidation)
	}
	if len(lines) == 0 {
		return fmt.Errorf("%w: at least one item is required", models.ErrValidation)
	}
	for i, line := range lines {
		if strings.TrimSpace(line.ItemKey) == "" {
			return fmt.Errorf("%w: item %d has no item key", models.ErrValidation, i+1)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive, got %d", models.ErrValidation, i+1, line.Quantity)
		}
	}
	return nil
}
