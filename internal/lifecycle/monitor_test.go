package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkoutledger/internal/catalog"
	"checkoutledger/internal/circulation"
	"checkoutledger/internal/inventory"
	"checkoutledger/internal/store/memory"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	st      *memory.Store
	catalog catalog.Service
	ledger  circulation.Service
	monitor Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	logger, _ := test.NewNullLogger()
	clock := func() time.Time { return t0 }
	ledger := circulation.NewService(st, circulation.WithClock(clock), circulation.WithLogger(logger))
	return &fixture{
		st:      st,
		catalog: catalog.NewService(st, catalog.WithClock(clock), catalog.WithLogger(logger)),
		ledger:  ledger,
		monitor: NewMonitor(st, ledger, WithClock(clock), WithLogger(logger)),
	}
}

func (f *fixture) reserve(t *testing.T, itemID uuid.UUID, due time.Duration) *inventory.CheckoutRecord {
	t.Helper()
	req := circulation.ReserveRequest{ItemID: itemID, HolderID: "holder", Quantity: 1}
	if due > 0 {
		d := t0.Add(due)
		req.DueAt = &d
	}
	rec, err := f.ledger.Reserve(context.Background(), req)
	require.NoError(t, err)
	return rec
}

func TestSweepOverdueIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item, err := f.catalog.CreateItem(ctx, catalog.NewItem{Name: "Cloak", TotalQuantity: 5})
	require.NoError(t, err)

	late := f.reserve(t, item.ID, 24*time.Hour)
	alsoLate := f.reserve(t, item.ID, 48*time.Hour)
	onTime := f.reserve(t, item.ID, 10*24*time.Hour)
	noDue := f.reserve(t, item.ID, 0)

	sweepAt := t0.Add(72 * time.Hour)
	n, err := f.monitor.SweepOverdue(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.monitor.SweepOverdue(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for id, want := range map[uuid.UUID]inventory.State{
		late.ID:     inventory.StateOverdue,
		alsoLate.ID: inventory.StateOverdue,
		onTime.ID:   inventory.StateActive,
		noDue.ID:    inventory.StateActive,
	} {
		rec, err := f.st.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, rec.State, id)
	}

	got, err := f.st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableQuantity)

	events, err := f.st.Events(ctx, item.ID)
	require.NoError(t, err)
	overdue := 0
	for _, ev := range events {
		if ev.Type == inventory.EventCheckoutOverdue {
			overdue++
			assert.Equal(t, monitorActor, ev.Actor)
		}
	}
	assert.Equal(t, 2, overdue)
	assert.Equal(t, got.Version, events[len(events)-1].Version)
}

func TestSweepLeavesTerminalRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item, err := f.catalog.CreateItem(ctx, catalog.NewItem{Name: "Boots", TotalQuantity: 2})
	require.NoError(t, err)

	rec := f.reserve(t, item.ID, time.Hour)
	_, err = f.ledger.Release(ctx, rec.ID, circulation.Resolution{})
	require.NoError(t, err)

	n, err := f.monitor.SweepOverdue(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := f.st.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StateReturned, got.State)
}

func TestResolveDelegatesToLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item, err := f.catalog.CreateItem(ctx, catalog.NewItem{Name: "Crown", TotalQuantity: 3})
	require.NoError(t, err)

	returned := f.reserve(t, item.ID, time.Hour)
	lost := f.reserve(t, item.ID, time.Hour)
	_, err = f.monitor.SweepOverdue(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)

	rec, err := f.monitor.Resolve(ctx, returned.ID, OutcomeReturned, circulation.Resolution{Actor: "desk"})
	require.NoError(t, err)
	assert.Equal(t, inventory.StateReturned, rec.State)

	rec, err = f.monitor.Resolve(ctx, lost.ID, OutcomeLost, circulation.Resolution{Actor: "desk"})
	require.NoError(t, err)
	assert.Equal(t, inventory.StateLost, rec.State)

	_, err = f.monitor.Resolve(ctx, lost.ID, OutcomeReturned, circulation.Resolution{})
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition)

	_, err = f.monitor.Resolve(ctx, lost.ID, Outcome("overdue"), circulation.Resolution{})
	assert.ErrorIs(t, err, inventory.ErrValidation)

	got, err := f.st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalQuantity)
	assert.Equal(t, 2, got.AvailableQuantity)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item, err := f.catalog.CreateItem(ctx, catalog.NewItem{Name: "Fan", TotalQuantity: 1})
	require.NoError(t, err)
	rec := f.reserve(t, item.ID, time.Hour)

	logger, _ := test.NewNullLogger()
	m := NewMonitor(f.st, f.ledger, WithLogger(logger), WithClock(func() time.Time { return t0.Add(2 * time.Hour) }))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx, 5*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		got, err := f.st.GetRecord(ctx, rec.ID)
		return err == nil && got.State == inventory.StateOverdue
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}

	assert.ErrorIs(t, m.Run(ctx, 0), inventory.ErrValidation)
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) ListActiveOrOverdue(context.Context) ([]*inventory.CheckoutRecord, error) {
	return nil, errors.New("connection refused")
}

func TestSweepReportsStoreFailureDistinctly(t *testing.T) {
	f := newFixture(t)
	m := NewMonitor(brokenStore{f.st}, f.ledger)

	_, err := m.SweepOverdue(context.Background(), t0)
	assert.ErrorIs(t, err, inventory.ErrStoreUnavailable)
	assert.True(t, inventory.Retryable(err))
	assert.NotErrorIs(t, err, inventory.ErrValidation)
}
