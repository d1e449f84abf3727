// internal/chaos/faults.go
package chaos

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"checkoutledger/internal/inventory"
	"checkoutledger/internal/store"

	"github.com/google/uuid"
)

// FaultyStore decorates a store.Store with switchable latency and outages.
// With no fault injected it passes every call straight through.
type FaultyStore struct {
	store.Store
	latency atomic.Int64
	outage  atomic.Bool
}

var _ store.Store = (*FaultyStore)(nil)

func NewFaultyStore(inner store.Store) *FaultyStore {
	return &FaultyStore{Store: inner}
}

// InjectLatency delays every store call by d.
func (f *FaultyStore) InjectLatency(d time.Duration) { f.latency.Store(int64(d)) }

// InjectOutage makes every call fail with inventory.ErrStoreUnavailable.
func (f *FaultyStore) InjectOutage(down bool) { f.outage.Store(down) }

// Reset removes all injected faults.
func (f *FaultyStore) Reset() {
	f.latency.Store(0)
	f.outage.Store(false)
}

func (f *FaultyStore) fault(ctx context.Context, op string) error {
	if d := time.Duration(f.latency.Load()); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s: %w: %v", op, inventory.ErrStoreUnavailable, ctx.Err())
		case <-t.C:
		}
	}
	if f.outage.Load() {
		return fmt.Errorf("%s: %w: injected outage", op, inventory.ErrStoreUnavailable)
	}
	return nil
}

func (f *FaultyStore) GetItem(ctx context.Context, id uuid.UUID) (*inventory.Item, error) {
	if err := f.fault(ctx, "get item"); err != nil {
		return nil, err
	}
	return f.Store.GetItem(ctx, id)
}

func (f *FaultyStore) ListItems(ctx context.Context) ([]*inventory.Item, error) {
	if err := f.fault(ctx, "list items"); err != nil {
		return nil, err
	}
	return f.Store.ListItems(ctx)
}

func (f *FaultyStore) GetRecord(ctx context.Context, id uuid.UUID) (*inventory.CheckoutRecord, error) {
	if err := f.fault(ctx, "get record"); err != nil {
		return nil, err
	}
	return f.Store.GetRecord(ctx, id)
}

func (f *FaultyStore) ListByItem(ctx context.Context, itemID uuid.UUID) ([]*inventory.CheckoutRecord, error) {
	if err := f.fault(ctx, "list by item"); err != nil {
		return nil, err
	}
	return f.Store.ListByItem(ctx, itemID)
}

func (f *FaultyStore) ListByHolder(ctx context.Context, holderID string) ([]*inventory.CheckoutRecord, error) {
	if err := f.fault(ctx, "list by holder"); err != nil {
		return nil, err
	}
	return f.Store.ListByHolder(ctx, holderID)
}

func (f *FaultyStore) ListActiveOrOverdue(ctx context.Context) ([]*inventory.CheckoutRecord, error) {
	if err := f.fault(ctx, "list open records"); err != nil {
		return nil, err
	}
	return f.Store.ListActiveOrOverdue(ctx)
}

func (f *FaultyStore) Events(ctx context.Context, itemID uuid.UUID) ([]inventory.Event, error) {
	if err := f.fault(ctx, "events"); err != nil {
		return nil, err
	}
	return f.Store.Events(ctx, itemID)
}

func (f *FaultyStore) InsertItem(ctx context.Context, item *inventory.Item, ev inventory.Event) error {
	if err := f.fault(ctx, "insert item"); err != nil {
		return err
	}
	return f.Store.InsertItem(ctx, item, ev)
}

func (f *FaultyStore) Update(ctx context.Context, itemID uuid.UUID, fn func(tx store.Tx) error) error {
	if err := f.fault(ctx, "update"); err != nil {
		return err
	}
	return f.Store.Update(ctx, itemID, fn)
}

func (f *FaultyStore) Ping(ctx context.Context) error {
	if err := f.fault(ctx, "ping"); err != nil {
		return err
	}
	return f.Store.Ping(ctx)
}
