// internal/catalog/service.go
package catalog

import (
	"context"

	"checkoutledger/internal/inventory"

	"github.com/google/uuid"
)

// Service defines the interface for the item catalog.
type Service interface {
	CreateItem(ctx context.Context, req NewItem) (*inventory.Item, error)
	AdjustTotal(ctx context.Context, id uuid.UUID, delta int, reason, actor string) (*inventory.Item, error)
	Recount(ctx context.Context, id uuid.UUID, counted int, reason, actor string) (*inventory.Item, error)
	UpdateDetails(ctx context.Context, id uuid.UUID, details ItemDetails) (*inventory.Item, error)
	GetItem(ctx context.Context, id uuid.UUID) (*inventory.Item, error)
	ListItems(ctx context.Context, opts ListOptions) ([]*inventory.Item, error)
	History(ctx context.Context, id uuid.UUID) ([]inventory.Event, error)
}
