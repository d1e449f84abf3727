package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkoutledger/internal/catalog"
	"checkoutledger/internal/circulation"
	"checkoutledger/internal/inventory"
	"checkoutledger/internal/lifecycle"
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
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	logger, _ := test.NewNullLogger()
	clock := func() time.Time { return t0 }
	return &fixture{
		st:      st,
		catalog: catalog.NewService(st, catalog.WithClock(clock), catalog.WithLogger(logger)),
		ledger:  circulation.NewService(st, circulation.WithClock(clock), circulation.WithLogger(logger)),
	}
}

func (f *fixture) item(t *testing.T, name string, total, threshold int) *inventory.Item {
	t.Helper()
	item, err := f.catalog.CreateItem(context.Background(), catalog.NewItem{Name: name, TotalQuantity: total, LowStockThreshold: threshold})
	require.NoError(t, err)
	return item
}

func (f *fixture) reserve(t *testing.T, itemID uuid.UUID, holder string, qty int, due time.Duration) *inventory.CheckoutRecord {
	t.Helper()
	req := circulation.ReserveRequest{ItemID: itemID, HolderID: holder, Quantity: qty}
	if due > 0 {
		d := t0.Add(due)
		req.DueAt = &d
	}
	rec, err := f.ledger.Reserve(context.Background(), req)
	require.NoError(t, err)
	return rec
}

func TestLowStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dress := f.item(t, "Dress", 5, 1)
	gloves := f.item(t, "Gloves", 3, 1)
	f.item(t, "Empty rack", 0, 0)

	p := NewProjector(f.st)

	low, err := p.LowStock(ctx)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, "Empty rack", low[0].Name)

	f.reserve(t, gloves.ID, "a", 2, 0)
	rec := f.reserve(t, dress.ID, "a", 5, 0)

	low, err = p.LowStock(ctx)
	require.NoError(t, err)
	assert.Len(t, low, 3)

	_, err = f.ledger.Release(ctx, rec.ID, circulation.Resolution{})
	require.NoError(t, err)
	low, err = p.LowStock(ctx)
	require.NoError(t, err)
	assert.Len(t, low, 2)
}

type stubIdentities struct {
	holder *Holder
	err    error
}

func (s stubIdentities) ResolveHolder(context.Context, string) (*Holder, error) {
	return s.holder, s.err
}

func TestHolderStatusCountsDerivedOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "Mask", 10, 0)

	f.reserve(t, item.ID, "mia", 1, time.Hour)
	f.reserve(t, item.ID, "mia", 2, 10*24*time.Hour)
	closed := f.reserve(t, item.ID, "mia", 1, 0)
	_, err := f.ledger.Release(ctx, closed.ID, circulation.Resolution{})
	require.NoError(t, err)
	f.reserve(t, item.ID, "someone-else", 1, time.Hour)

	p := NewProjector(f.st, WithIdentities(stubIdentities{holder: &Holder{ID: "mia", DisplayName: "Mia W."}}))
	status, err := p.HolderStatus(ctx, "mia", t0.Add(2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 1, status.ActiveCount)
	assert.Equal(t, 1, status.OverdueCount)
	assert.Len(t, status.Records, 3)
	require.NotNil(t, status.Holder)
	assert.Equal(t, "Mia W.", status.Holder.DisplayName)

	logger, _ := test.NewNullLogger()
	p = NewProjector(f.st, WithLogger(logger), WithIdentities(stubIdentities{err: errors.New("idp down")}))
	status, err = p.HolderStatus(ctx, "mia", t0)
	require.NoError(t, err)
	assert.Nil(t, status.Holder)
	assert.Equal(t, 2, status.ActiveCount)

	_, err = p.HolderStatus(ctx, " ", t0)
	assert.ErrorIs(t, err, inventory.ErrValidation)
}

func TestOverdueReportDaysOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, "Tiara", 10, 0)

	threeDays := f.reserve(t, item.ID, "a", 1, time.Hour)
	justLate := f.reserve(t, item.ID, "b", 1, 3*24*time.Hour)
	f.reserve(t, item.ID, "c", 1, 30*24*time.Hour)
	f.reserve(t, item.ID, "d", 1, 0)

	now := t0.Add(3*24*time.Hour + 2*time.Hour)
	p := NewProjector(f.st)
	report, err := p.OverdueReport(ctx, now)
	require.NoError(t, err)
	require.Len(t, report, 2)

	assert.Equal(t, threeDays.ID, report[0].Record.ID)
	assert.Equal(t, 3, report[0].DaysOverdue)
	assert.Equal(t, "Tiara", report[0].ItemName)
	assert.Equal(t, justLate.ID, report[1].Record.ID)
	assert.Equal(t, 0, report[1].DaysOverdue)

	logger, _ := test.NewNullLogger()
	monitor := lifecycle.NewMonitor(f.st, f.ledger, lifecycle.WithLogger(logger))
	_, err = monitor.SweepOverdue(ctx, now)
	require.NoError(t, err)

	swept, err := p.OverdueReport(ctx, now)
	require.NoError(t, err)
	require.Len(t, swept, 2)
	for i := range swept {
		assert.Equal(t, report[i].Record.ID, swept[i].Record.ID)
		assert.Equal(t, report[i].DaysOverdue, swept[i].DaysOverdue)
		assert.Equal(t, inventory.StateOverdue, swept[i].Record.State)
	}
}

func TestInventoryAndMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wig := f.item(t, "Wig", 4, 1)
	cape := f.item(t, "Cape", 2, 0)

	lost := f.reserve(t, wig.ID, "a", 1, 0)
	late := f.reserve(t, cape.ID, "b", 1, time.Hour)
	f.reserve(t, wig.ID, "c", 2, 0)
	_, err := f.ledger.MarkLost(ctx, lost.ID, circulation.Resolution{})
	require.NoError(t, err)

	p := NewProjector(f.st)
	status, err := p.InventoryStatus(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)
	byName := map[string]ItemStatus{}
	for _, s := range status {
		byName[s.Name] = s
	}
	assert.Equal(t, ItemStatus{
		ItemID: wig.ID, Name: "Wig", TotalQuantity: 3, AvailableQuantity: 1,
		CheckedOut: 2, LowStockThreshold: 1, LowStock: true,
	}, byName["Wig"])
	assert.Equal(t, 1, byName["Cape"].CheckedOut)
	assert.False(t, byName["Cape"].LowStock)

	missing, err := p.MissingItems(ctx, t0.Add(49*time.Hour))
	require.NoError(t, err)
	require.Len(t, missing, 2)
	states := map[uuid.UUID]MissingEntry{}
	for _, m := range missing {
		states[m.Record.ID] = m
	}
	assert.Equal(t, inventory.StateLost, states[lost.ID].State)
	assert.Equal(t, 0, states[lost.ID].DaysOverdue)
	assert.Equal(t, inventory.StateOverdue, states[late.ID].State)
	assert.Equal(t, 2, states[late.ID].DaysOverdue)
	assert.Equal(t, "Cape", states[late.ID].ItemName)
}

type failingSource struct {
	*memory.Store
}

func (failingSource) ListItems(context.Context) ([]*inventory.Item, error) {
	return nil, errors.New("connection reset")
}

func TestReadFailuresAreStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	p := NewProjector(failingSource{f.st})
	ctx := context.Background()

	_, err := p.LowStock(ctx)
	assert.ErrorIs(t, err, inventory.ErrStoreUnavailable)
	_, err = p.InventoryStatus(ctx)
	assert.ErrorIs(t, err, inventory.ErrStoreUnavailable)
	_, err = p.MissingItems(ctx, t0)
	assert.ErrorIs(t, err, inventory.ErrStoreUnavailable)
	_, err = p.OverdueReport(ctx, t0)
	assert.ErrorIs(t, err, inventory.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, inventory.ErrInsufficientStock)
}
