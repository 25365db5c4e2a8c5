package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"inventory-service/internal/models"
	"inventory-service/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	item = "SKU-1"
	loc  = "MAIN"
)

func newTestLedger(t *testing.T, onHand int64) (*Ledger, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	l := NewLedger(st, nil, 0)
	if onHand > 0 {
		_, err := l.Adjust(context.Background(), item, loc, onHand, "initial stock")
		require.NoError(t, err)
	}
	return l, st
}

func assertInvariant(t *testing.T, rec *models.InventoryRecord) {
	t.Helper()
	assert.GreaterOrEqual(t, rec.Reserved, int64(0))
	assert.LessOrEqual(t, rec.Reserved, rec.OnHand)
}

func TestAdjustCreatesRecordAndAudits(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()

	rec, err := l.Adjust(ctx, item, loc, 10, "receiving")
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.OnHand)
	assert.Equal(t, int64(0), rec.Reserved)
	assert.Equal(t, int64(1), rec.Revision)
	assert.NotZero(t, rec.ID)

	rec, err = l.Adjust(ctx, item, loc, -3, "damaged")
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.OnHand)
	assert.Equal(t, int64(2), rec.Revision)

	audit, err := l.Audit(ctx, item, loc)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, int64(10), audit[0].Delta)
	assert.Equal(t, "receiving", audit[0].Reason)
	assert.Equal(t, int64(-3), audit[1].Delta)
	assert.Equal(t, int64(7), audit[1].OnHandAfter)
	assert.Equal(t, int64(2), audit[1].Revision)
	assert.Equal(t, rec.ID, audit[1].RecordID)
}

func TestAdjustNegativeQuantity(t *testing.T) {
	l, st := newTestLedger(t, 0)
	ctx := context.Background()

	_, err := l.Adjust(ctx, item, loc, -1, "shrink")
	assert.ErrorIs(t, err, models.ErrNegativeQuantity)

	_, err = st.GetRecord(ctx, item, loc)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAdjustBelowReservedFloor(t *testing.T) {
	l, st := newTestLedger(t, 10)
	ctx := context.Background()

	_, err := l.TryReserve(ctx, item, loc, 6)
	require.NoError(t, err)

	_, err = l.Adjust(ctx, item, loc, -5, "cycle count")
	assert.ErrorIs(t, err, models.ErrBelowReservedFloor)

	rec, err := st.GetRecord(ctx, item, loc)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.OnHand)
	assert.Equal(t, int64(6), rec.Reserved)
	assert.Equal(t, int64(2), rec.Revision)

	audit, err := l.Audit(ctx, item, loc)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestTryReserve(t *testing.T) {
	l, _ := newTestLedger(t, 10)
	ctx := context.Background()

	rec, err := l.TryReserve(ctx, item, loc, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Reserved)
	assert.Equal(t, int64(5), rec.Available())

	_, err = l.TryReserve(ctx, item, loc, 6)
	assert.ErrorIs(t, err, models.ErrInsufficientStock)

	rec, err = l.Get(ctx, item, loc)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Reserved)
}

func TestTryReserveMissingRecordIsNotCreated(t *testing.T) {
	l, st := newTestLedger(t, 0)
	ctx := context.Background()

	_, err := l.TryReserve(ctx, "UNKNOWN", loc, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = st.GetRecord(ctx, "UNKNOWN", loc)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	l, _ := newTestLedger(t, 10)
	ctx := context.Background()

	_, err := l.TryReserve(ctx, item, loc, 2)
	require.NoError(t, err)

	_, err = l.TryReserve(ctx, item, loc, 4)
	require.NoError(t, err)
	rec, err := l.Release(ctx, item, loc, 4, "")
	require.NoError(t, err)

	assert.Equal(t, int64(2), rec.Reserved)
	assert.Equal(t, int64(10), rec.OnHand)
	assertInvariant(t, rec)
}

func TestReserveCommitRoundTrip(t *testing.T) {
	l, _ := newTestLedger(t, 10)
	ctx := context.Background()

	_, err := l.TryReserve(ctx, item, loc, 4)
	require.NoError(t, err)
	rec, err := l.Commit(ctx, item, loc, 4, "")
	require.NoError(t, err)

	assert.Equal(t, int64(6), rec.OnHand)
	assert.Equal(t, int64(0), rec.Reserved)
	assertInvariant(t, rec)
}

func TestReleaseMoreThanHeld(t *testing.T) {
	l, _ := newTestLedger(t, 10)
	ctx := context.Background()

	_, err := l.TryReserve(ctx, item, loc, 2)
	require.NoError(t, err)

	_, err = l.Release(ctx, item, loc, 3, "")
	assert.ErrorIs(t, err, models.ErrInvariantViolation)

	_, err = l.Commit(ctx, item, loc, 3, "")
	assert.ErrorIs(t, err, models.ErrInvariantViolation)
}

func TestSettlementIsIdempotentPerApplyKey(t *testing.T) {
	l, _ := newTestLedger(t, 10)
	ctx := context.Background()
	key := ApplyKey(1, OpCommit, 1)

	_, err := l.TryReserve(ctx, item, loc, 5)
	require.NoError(t, err)

	rec, err := l.Commit(ctx, item, loc, 5, key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.OnHand)
	assert.Equal(t, int64(0), rec.Reserved)
	revision := rec.Revision

	rec, err = l.Commit(ctx, item, loc, 5, key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.OnHand)
	assert.Equal(t, revision, rec.Revision)

	applied, err := l.Applied(ctx, key)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = l.Applied(ctx, ApplyKey(1, OpRelease, 1))
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = l.Applied(ctx, "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestApplyKeyNamesOperation(t *testing.T) {
	assert.Equal(t, "reservation/7/commit/line/2", ApplyKey(7, OpCommit, 2))
	assert.NotEqual(t, ApplyKey(7, OpCommit, 2), ApplyKey(7, OpRelease, 2))
}

func TestValidation(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()

	_, err := l.TryReserve(ctx, item, loc, 0)
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = l.Release(ctx, item, loc, -1, "")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = l.Adjust(ctx, " ", loc, 1, "")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = l.Get(ctx, item, "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

// slowStore adds latency to every read and write, widening the window
// between a record read and its compare-and-swap
type slowStore struct {
	*store.MemoryStore
	delay time.Duration
}

func (s *slowStore) GetRecord(ctx context.Context, itemKey, locationID string) (*models.InventoryRecord, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.GetRecord(ctx, itemKey, locationID)
}

func (s *slowStore) SaveRecord(ctx context.Context, rec *models.InventoryRecord, expected int64, w models.RecordWrite) error {
	time.Sleep(s.delay)
	return s.MemoryStore.SaveRecord(ctx, rec, expected, w)
}

func TestConcurrentReservesSucceedExactlyAvailable(t *testing.T) {
	const (
		stock   = 20
		callers = 50
	)

	st := &slowStore{MemoryStore: store.NewMemoryStore(), delay: time.Millisecond}
	l := NewLedger(st, nil, 0)
	require.Equal(t, DefaultMaxAttempts, l.maxAttempts)
	ctx := context.Background()
	_, err := l.Adjust(ctx, item, loc, stock, "initial stock")
	require.NoError(t, err)

	var succeeded, short, failed int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.TryReserve(ctx, item, loc, 1)
			switch {
			case err == nil:
				atomic.AddInt64(&succeeded, 1)
			case errors.Is(err, models.ErrInsufficientStock):
				atomic.AddInt64(&short, 1)
			default:
				atomic.AddInt64(&failed, 1)
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(stock), succeeded)
	assert.Equal(t, int64(callers-stock), short)
	assert.Zero(t, failed)

	rec, err := st.GetRecord(ctx, item, loc)
	require.NoError(t, err)
	assert.Equal(t, int64(stock), rec.Reserved)
	assert.Equal(t, int64(0), rec.Available())
	assertInvariant(t, rec)
}

// conflictStore loses every compare-and-swap
type conflictStore struct {
	*store.MemoryStore
	saves int
}

func (s *conflictStore) SaveRecord(ctx context.Context, rec *models.InventoryRecord, expected int64, w models.RecordWrite) error {
	s.saves++
	return models.ErrConcurrencyConflict
}

func TestConflictRetriesAreBounded(t *testing.T) {
	st := &conflictStore{MemoryStore: store.NewMemoryStore()}
	l := NewLedger(st, nil, 3)
	l.backOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	_, err := l.Adjust(context.Background(), item, loc, 5, "")
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
	assert.Equal(t, 3, st.saves)
}

func TestConflictRetryStopsWithContext(t *testing.T) {
	st := &conflictStore{MemoryStore: store.NewMemoryStore()}
	l := NewLedger(st, nil, 0)
	l.backOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := l.Adjust(ctx, item, loc, 5, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, st.saves)
}

type mapCache struct {
	mu       sync.Mutex
	snapshot map[string]models.InventoryRecord
}

func (c *mapCache) PutSnapshot(ctx context.Context, rec *models.InventoryRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot[rec.ItemKey+"/"+rec.LocationID] = *rec
	return nil
}

func (c *mapCache) GetSnapshot(ctx context.Context, itemKey, locationID string) (*models.InventoryRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.snapshot[itemKey+"/"+locationID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &rec, nil
}

func TestGetPrefersSnapshotCache(t *testing.T) {
	st := store.NewMemoryStore()
	cache := &mapCache{snapshot: map[string]models.InventoryRecord{}}
	l := NewLedger(st, cache, 0)
	ctx := context.Background()

	_, err := l.Adjust(ctx, item, loc, 8, "")
	require.NoError(t, err)
	_, err = l.TryReserve(ctx, item, loc, 3)
	require.NoError(t, err)

	cached, err := cache.GetSnapshot(ctx, item, loc)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cached.Reserved)
	assert.Equal(t, int64(2), cached.Revision)

	cache.snapshot[item+"/"+loc] = models.InventoryRecord{ItemKey: item, LocationID: loc, OnHand: 99}
	rec, err := l.Get(ctx, item, loc)
	require.NoError(t, err)
	assert.Equal(t, int64(99), rec.OnHand)

	_, err = l.Get(ctx, "OTHER", loc)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
