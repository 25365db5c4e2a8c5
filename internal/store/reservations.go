package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/util"
)

// CreateReservation inserts a reservation and its lines in one transaction
func (s *Store) CreateReservation(ctx context.Context, res *models.Reservation) error {
	ctx, span := util.StartSpan(ctx, "Store.CreateReservation")
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, &res.ID, `
		INSERT INTO reservation (order_id, status, reason, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		res.OrderID, res.Status, res.Reason, res.CreatedAt, res.UpdatedAt, res.ExpiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", models.ErrDuplicateOrder, res.OrderID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}

	for i := range res.Lines {
		line := &res.Lines[i]
		line.ReservationID = res.ID
		err = tx.GetContext(ctx, &line.ID, `
			INSERT INTO reservation_line (reservation_id, line_no, item_key, location_id,
				requested_quantity, reserved_quantity, status, failure_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			line.ReservationID, line.LineNo, line.ItemKey, line.LocationID,
			line.RequestedQuantity, line.ReservedQuantity, line.Status, line.FailureReason)
		if err != nil {
			return fmt.Errorf("failed to insert reservation line %d: %w", line.LineNo, err)
		}
	}

	return tx.Commit()
}

// GetReservation retrieves a reservation and its lines by ID
func (s *Store) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	return s.getReservation(ctx, "id = $1", id)
}

// GetReservationByOrderID retrieves the reservation created for an order
func (s *Store) GetReservationByOrderID(ctx context.Context, orderID string) (*models.Reservation, error) {
	return s.getReservation(ctx, "order_id = $1", orderID)
}

func (s *Store) getReservation(ctx context.Context, where string, arg interface{}) (*models.Reservation, error) {
	var res models.Reservation
	err := s.db.GetContext(ctx, &res,
		"SELECT id, order_id, status, reason, created_at, updated_at, expires_at FROM reservation WHERE "+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: reservation %v", models.ErrNotFound, arg)
	}
	if err != nil {
		return nil, err
	}

	res.Lines = []models.ReservationLine{}
	err = s.db.SelectContext(ctx, &res.Lines, `
		SELECT id, reservation_id, line_no, item_key, location_id, requested_quantity,
			reserved_quantity, status, failure_reason
		FROM reservation_line
		WHERE reservation_id = $1
		ORDER BY line_no`, res.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation lines: %w", err)
	}

	return &res, nil
}

// UpdateReservationStatus moves a reservation from one status to another.
// The write only happens while the stored status still equals from.
func (s *Store) UpdateReservationStatus(
	ctx context.Context,
	id int64,
	from, to models.ReservationStatus,
	reason *string,
	at time.Time,
) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE reservation SET status = $1, reason = $2, updated_at = $3 WHERE id = $4 AND status = $5",
		to, reason, at, id, from)
	if err != nil {
		return fmt.Errorf("failed to update reservation status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM reservation WHERE id = $1)", id); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: reservation %d", models.ErrNotFound, id)
	}
	return fmt.Errorf("%w: reservation %d is no longer %s", models.ErrInvalidStateTransition, id, from)
}
