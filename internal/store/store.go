// internal/store/store.go
package store

import (
	"context"

	"checkoutledger/internal/inventory"

	"github.com/google/uuid"
)

// Catalog reads items.
type Catalog interface {
	GetItem(ctx context.Context, id uuid.UUID) (*inventory.Item, error)
	ListItems(ctx context.Context) ([]*inventory.Item, error)
}

// Records reads checkout records. Every read returns committed copies; once a
// transition commits, no later read observes the earlier state.
type Records interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*inventory.CheckoutRecord, error)
	ListByItem(ctx context.Context, itemID uuid.UUID) ([]*inventory.CheckoutRecord, error)
	ListByHolder(ctx context.Context, holderID string) ([]*inventory.CheckoutRecord, error)
	ListActiveOrOverdue(ctx context.Context) ([]*inventory.CheckoutRecord, error)
}

// Journal reads the per-item event history in version order.
type Journal interface {
	Events(ctx context.Context, itemID uuid.UUID) ([]inventory.Event, error)
}

// Tx is the unit of work handed to Update. It sees the locked item and its
// records; nothing it writes is visible until the callback returns nil.
type Tx interface {
	// Item returns a private copy of the locked item.
	Item() *inventory.Item
	SaveItem(item *inventory.Item) error
	Record(id uuid.UUID) (*inventory.CheckoutRecord, error)
	InsertRecord(rec *inventory.CheckoutRecord) error
	SaveRecord(rec *inventory.CheckoutRecord) error
	Append(ev inventory.Event) error
}

// Store is the persistence boundary for the ledger.
type Store interface {
	Catalog
	Records
	Journal

	// InsertItem stores a new item together with its creation event.
	InsertItem(ctx context.Context, item *inventory.Item, ev inventory.Event) error

	// Update runs fn inside the critical section for itemID. Calls for the
	// same item are serialized; calls for different items never wait on each
	// other. Waiting is bounded: when the lock cannot be taken in time the
	// error wraps inventory.ErrContention. If fn returns an error nothing is
	// written.
	Update(ctx context.Context, itemID uuid.UUID, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}
