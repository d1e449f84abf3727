// internal/reporting/service.go
package reporting

import (
	"context"
	"time"

	"checkoutledger/internal/inventory"
	"checkoutledger/internal/store"
)

// Source is the read side the projector works from.
type Source interface {
	store.Catalog
	store.Records
}

// Projector computes reports on demand from committed state. It never takes
// item locks and keeps no derived state between calls.
type Projector interface {
	LowStock(ctx context.Context) ([]*inventory.Item, error)
	HolderStatus(ctx context.Context, holderID string, now time.Time) (*HolderStatus, error)
	OverdueReport(ctx context.Context, now time.Time) ([]OverdueEntry, error)
	InventoryStatus(ctx context.Context) ([]ItemStatus, error)
	MissingItems(ctx context.Context, now time.Time) ([]MissingEntry, error)
}
