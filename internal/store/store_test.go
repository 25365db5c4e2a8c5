package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"inventory-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreFromDB(sqlx.NewDb(db, "postgres")), mock
}

var recordCols = []string{"id", "item_key", "location_id", "on_hand", "reserved", "revision",
	"safety_stock", "reorder_point", "created_at", "updated_at"}

func TestMigrate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS inventory_record").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecord(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("FROM inventory_record WHERE item_key").
		WithArgs("SKU-1", "MAIN").
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow(1, "SKU-1", "MAIN", 10, 4, 3, nil, int64(2), now, now))

	rec, err := s.GetRecord(context.Background(), "SKU-1", "MAIN")
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.OnHand)
	assert.Equal(t, int64(4), rec.Reserved)
	assert.Equal(t, int64(3), rec.Revision)
	assert.Nil(t, rec.SafetyStock)
	require.NotNil(t, rec.ReorderPoint)
	assert.Equal(t, int64(2), *rec.ReorderPoint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecordNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM inventory_record WHERE item_key").WillReturnRows(sqlmock.NewRows(recordCols))

	_, err := s.GetRecord(context.Background(), "SKU-1", "MAIN")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSaveRecordInsertWithAudit(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rec := &models.InventoryRecord{ItemKey: "SKU-1", LocationID: "MAIN", OnHand: 10, Revision: 1, CreatedAt: now, UpdatedAt: now}
	audit := &models.AdjustmentAudit{ItemKey: "SKU-1", LocationID: "MAIN", Delta: 10, OnHandAfter: 10, Revision: 1, CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO inventory_record").
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow(5, "SKU-1", "MAIN", 10, 0, 1, nil, nil, now, now))
	mock.ExpectQuery("INSERT INTO adjustment_audit").
		WithArgs(int64(5), "SKU-1", "MAIN", int64(10), "", int64(10), int64(1), now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
	mock.ExpectCommit()

	err := s.SaveRecord(context.Background(), rec, 0, models.RecordWrite{Audit: audit})
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.ID)
	assert.Equal(t, int64(9), audit.ID)
	assert.Equal(t, int64(5), audit.RecordID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordInsertLosesRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO inventory_record").WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectRollback()

	err := s.SaveRecord(context.Background(), &models.InventoryRecord{ItemKey: "SKU-1", LocationID: "MAIN"}, 0, models.RecordWrite{})
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordRevisionConflict(t *testing.T) {
	s, mock := newMockStore(t)
	rec := &models.InventoryRecord{ID: 5, ItemKey: "SKU-1", LocationID: "MAIN", OnHand: 10, Reserved: 3, Revision: 4}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $5 AND revision = $6")).
		WithArgs(int64(10), int64(3), int64(4), sqlmock.AnyArg(), int64(5), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.SaveRecord(context.Background(), rec, 3, models.RecordWrite{})
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRecordRepeatedApplyKey(t *testing.T) {
	s, mock := newMockStore(t)
	rec := &models.InventoryRecord{ID: 5, ItemKey: "SKU-1", LocationID: "MAIN", OnHand: 5, Reserved: 0, Revision: 4}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE inventory_record").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_application").
		WithArgs("reservation/1/line/1", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.SaveRecord(context.Background(), rec, 3, models.RecordWrite{ApplyKey: "reservation/1/line/1"})
	assert.ErrorIs(t, err, models.ErrAlreadyApplied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateReservation(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	res := &models.Reservation{
		OrderID:   "order-1",
		Status:    models.ReservationStatusPartial,
		CreatedAt: now,
		UpdatedAt: now,
		Lines: []models.ReservationLine{
			{LineNo: 1, ItemKey: "A", LocationID: "MAIN", RequestedQuantity: 2, ReservedQuantity: 2, Status: models.LineStatusReserved},
			{LineNo: 2, ItemKey: "B", LocationID: "MAIN", RequestedQuantity: 5, Status: models.LineStatusFailed,
				FailureReason: models.StringPtr(models.ReasonInsufficientStock)},
		},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO reservation \(`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectQuery("INSERT INTO reservation_line").
		WithArgs(int64(11), 1, "A", "MAIN", int64(2), int64(2), models.LineStatusReserved, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))
	mock.ExpectQuery("INSERT INTO reservation_line").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(22))
	mock.ExpectCommit()

	require.NoError(t, s.CreateReservation(context.Background(), res))
	assert.Equal(t, int64(11), res.ID)
	assert.Equal(t, int64(21), res.Lines[0].ID)
	assert.Equal(t, int64(22), res.Lines[1].ID)
	assert.Equal(t, int64(11), res.Lines[1].ReservationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateReservationDuplicateOrder(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO reservation \(`).WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectRollback()

	err := s.CreateReservation(context.Background(), &models.Reservation{OrderID: "order-1"})
	assert.ErrorIs(t, err, models.ErrDuplicateOrder)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReservationByOrderID(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("FROM reservation WHERE order_id").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "status", "reason", "created_at", "updated_at", "expires_at"}).
			AddRow(11, "order-1", "CONFIRMED", nil, now, now, nil))
	mock.ExpectQuery("FROM reservation_line").
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "reservation_id", "line_no", "item_key", "location_id",
			"requested_quantity", "reserved_quantity", "status", "failure_reason"}).
			AddRow(21, 11, 1, "A", "MAIN", 2, 2, "RESERVED", nil))

	res, err := s.GetReservationByOrderID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusConfirmed, res.Status)
	assert.Nil(t, res.Reason)
	assert.Nil(t, res.ExpiresAt)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, models.LineStatusReserved, res.Lines[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReservationNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM reservation WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "status", "reason", "created_at", "updated_at", "expires_at"}))

	_, err := s.GetReservation(context.Background(), 99)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpdateReservationStatus(t *testing.T) {
	s, mock := newMockStore(t)
	reason := models.StringPtr("shipped")
	at := time.Now()

	mock.ExpectExec("UPDATE reservation SET status").
		WithArgs(models.ReservationStatusCommitted, reason, at, int64(11), models.ReservationStatusConfirmed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateReservationStatus(context.Background(), 11,
		models.ReservationStatusConfirmed, models.ReservationStatusCommitted, reason, at)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateReservationStatusLostRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE reservation SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(11)).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.UpdateReservationStatus(context.Background(), 11,
		models.ReservationStatusConfirmed, models.ReservationStatusReleased, nil, time.Now())
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

	mock.ExpectExec("UPDATE reservation SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(int64(12)).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err = s.UpdateReservationStatus(context.Background(), 12,
		models.ReservationStatusConfirmed, models.ReservationStatusReleased, nil, time.Now())
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
