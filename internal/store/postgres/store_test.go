package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"checkoutledger/internal/inventory"
	"checkoutledger/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore connects to a PostgreSQL database for testing.
// It skips the test if the connection cannot be established.
func setupTestStore(t testing.TB, opts ...Option) *Store {
	t.Helper()

	env := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		env("PGHOST", "localhost"), env("PGPORT", "5432"), env("PGUSER", "user"),
		env("PGPASSWORD", "password"), env("PGDATABASE", "testdb"))

	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("skipping postgres tests: could not connect to postgres: %v", err)
	}
	require.NoError(t, Migrate(db.DB))

	s := New(db, opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertItem(t testing.TB, s *Store, total int) *inventory.Item {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	item := &inventory.Item{
		ID:                uuid.New(),
		Name:              "Black blazer",
		Category:          "jackets",
		TotalQuantity:     total,
		AvailableQuantity: total,
		AttributeOptions:  inventory.AttributeOptions{Sizes: []string{"S", "M"}},
		Condition:         inventory.ConditionGood,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	ev := inventory.NewEvent(item, inventory.EventItemCreated, nil, total, "seed", "test", now)
	require.NoError(t, s.InsertItem(context.Background(), item, ev))
	return item
}

func reserveOne(s *Store, itemID uuid.UUID, holder string) error {
	return s.Update(context.Background(), itemID, func(tx store.Tx) error {
		item := tx.Item()
		if item.AvailableQuantity < 1 {
			return &inventory.InsufficientStockError{ItemID: itemID, Requested: 1, Remaining: item.AvailableQuantity}
		}
		now := time.Now().UTC()
		item.AvailableQuantity--
		item.Version++
		item.UpdatedAt = now
		rec := &inventory.CheckoutRecord{
			ID: uuid.New(), ItemID: itemID, HolderID: holder, Quantity: 1,
			IssuedAt: now, State: inventory.StateActive,
		}
		if err := tx.SaveItem(item); err != nil {
			return err
		}
		if err := tx.InsertRecord(rec); err != nil {
			return err
		}
		return tx.Append(inventory.NewEvent(item, inventory.EventCheckoutReserved, &rec.ID, 1, "", "", now))
	})
}

func TestRoundTripItemAndRecords(t *testing.T) {
	s := setupTestStore(t)
	item := insertItem(t, s, 2)
	ctx := context.Background()

	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.Name, got.Name)
	assert.Equal(t, []string{"S", "M"}, got.AttributeOptions.Sizes)

	require.NoError(t, reserveOne(s, item.ID, "holder-a"))

	recs, err := s.ListByHolder(ctx, "holder-a")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, inventory.StateActive, recs[0].State)

	events, err := s.Events(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[1].Version)
}

func TestConcurrentUpdatesNeverOversell(t *testing.T) {
	s := setupTestStore(t)
	item := insertItem(t, s, 1)

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- reserveOne(s, item.ID, fmt.Sprintf("holder-%d", i))
		}(i)
	}
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		assert.True(t, errors.Is(err, inventory.ErrInsufficientStock) || errors.Is(err, inventory.ErrContention), err)
	}
	assert.Equal(t, 1, success)

	got, err := s.GetItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AvailableQuantity)
}

func TestLockTimeoutIsContention(t *testing.T) {
	s := setupTestStore(t, WithLockTimeout(50*time.Millisecond))
	item := insertItem(t, s, 1)

	holding := make(chan struct{})
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = s.Update(context.Background(), item.ID, func(store.Tx) error {
			close(holding)
			<-done
			return nil
		})
	}()
	<-holding

	err := s.Update(context.Background(), item.ID, func(store.Tx) error { return nil })
	assert.ErrorIs(t, err, inventory.ErrContention)

	close(done)
	<-finished
}

func TestGetMissing(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetItem(context.Background(), uuid.New())
	assert.ErrorIs(t, err, inventory.ErrNotFound)
	_, err = s.GetRecord(context.Background(), uuid.New())
	assert.ErrorIs(t, err, inventory.ErrNotFound)
}

var (
	pqError55P03 = pq.Error{Code: codeLockNotAvailable}
	pqError40001 = pq.Error{Code: codeSerializationFailure}
	pqError08006 = pq.Error{Code: "08006"}
)

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify("x", &pqError55P03), inventory.ErrContention)
	assert.ErrorIs(t, classify("x", &pqError40001), errConflict)
	assert.ErrorIs(t, classify("x", &pqError08006), inventory.ErrStoreUnavailable)
	biz := &inventory.InsufficientStockError{Remaining: 0}
	assert.Same(t, error(biz), classify("x", biz))
}
