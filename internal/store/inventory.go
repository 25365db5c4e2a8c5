package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"inventory-service/internal/models"
	"inventory-service/internal/util"
)

const recordColumns = `id, item_key, location_id, on_hand, reserved, revision,
	safety_stock, reorder_point, created_at, updated_at`

// GetRecord retrieves the record for an item at a location
func (s *Store) GetRecord(ctx context.Context, itemKey, locationID string) (*models.InventoryRecord, error) {
	var rec models.InventoryRecord
	err := s.db.GetContext(ctx, &rec,
		"SELECT "+recordColumns+" FROM inventory_record WHERE item_key = $1 AND location_id = $2",
		itemKey, locationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: inventory record %s/%s", models.ErrNotFound, itemKey, locationID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveRecord inserts a record (expectedRevision 0) or updates it only if
// its revision is unchanged. Apply key and audit rows share the transaction.
func (s *Store) SaveRecord(ctx context.Context, rec *models.InventoryRecord, expectedRevision int64, w models.RecordWrite) error {
	ctx, span := util.StartSpan(ctx, "Store.SaveRecord")
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if expectedRevision == 0 {
		err = tx.GetContext(ctx, rec, `
			INSERT INTO inventory_record (item_key, location_id, on_hand, reserved, revision,
				safety_stock, reorder_point, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (item_key, location_id) DO NOTHING
			RETURNING `+recordColumns,
			rec.ItemKey, rec.LocationID, rec.OnHand, rec.Reserved, rec.Revision,
			rec.SafetyStock, rec.ReorderPoint, rec.CreatedAt, rec.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: record %s/%s already exists", models.ErrConcurrencyConflict, rec.ItemKey, rec.LocationID)
		}
		if err != nil {
			return fmt.Errorf("failed to insert inventory record: %w", err)
		}
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE inventory_record
			SET on_hand = $1, reserved = $2, revision = $3, updated_at = $4
			WHERE id = $5 AND revision = $6`,
			rec.OnHand, rec.Reserved, rec.Revision, rec.UpdatedAt, rec.ID, expectedRevision)
		if err != nil {
			return fmt.Errorf("failed to update inventory record: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: record %s/%s revision changed", models.ErrConcurrencyConflict, rec.ItemKey, rec.LocationID)
		}
	}

	if w.ApplyKey != "" {
		result, err := tx.ExecContext(ctx,
			"INSERT INTO ledger_application (apply_key, inventory_record_id) VALUES ($1, $2) ON CONFLICT (apply_key) DO NOTHING",
			w.ApplyKey, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to record apply key: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", models.ErrAlreadyApplied, w.ApplyKey)
		}
	}

	if w.Audit != nil {
		w.Audit.RecordID = rec.ID
		err = tx.GetContext(ctx, &w.Audit.ID, `
			INSERT INTO adjustment_audit (inventory_record_id, item_key, location_id, delta, reason,
				on_hand_after, revision, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			w.Audit.RecordID, w.Audit.ItemKey, w.Audit.LocationID, w.Audit.Delta, w.Audit.Reason,
			w.Audit.OnHandAfter, w.Audit.Revision, w.Audit.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to append adjustment audit: %w", err)
		}
	}

	return tx.Commit()
}

// IsApplied reports whether a ledger apply key has been recorded
func (s *Store) IsApplied(ctx context.Context, applyKey string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM ledger_application WHERE apply_key = $1)", applyKey)
	return exists, err
}

// ListAudit returns the adjustment history of a record, oldest first
func (s *Store) ListAudit(ctx context.Context, itemKey, locationID string) ([]models.AdjustmentAudit, error) {
	entries := []models.AdjustmentAudit{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, inventory_record_id, item_key, location_id, delta, reason, on_hand_after, revision, created_at
		FROM adjustment_audit
		WHERE item_key = $1 AND location_id = $2
		ORDER BY id`,
		itemKey, locationID)
	return entries, err
}
