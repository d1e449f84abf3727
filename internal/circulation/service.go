// internal/circulation/service.go
package circulation

import (
	"context"

	"checkoutledger/internal/inventory"

	"github.com/google/uuid"
)

// Service is the ledger core: the only component that changes quantities.
type Service interface {
	Reserve(ctx context.Context, req ReserveRequest) (*inventory.CheckoutRecord, error)
	ReserveBatch(ctx context.Context, req BatchRequest) (*BatchResult, error)
	Release(ctx context.Context, recordID uuid.UUID, res Resolution) (*inventory.CheckoutRecord, error)
	MarkLost(ctx context.Context, recordID uuid.UUID, res Resolution) (*inventory.CheckoutRecord, error)
	GetRecord(ctx context.Context, recordID uuid.UUID) (*inventory.CheckoutRecord, error)
}
