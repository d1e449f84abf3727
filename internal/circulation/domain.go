// internal/circulation/domain.go
package circulation

import (
	"context"
	"time"

	"checkoutledger/internal/inventory"

	"github.com/google/uuid"
)

// ReserveRequest asks for quantity units of one item on behalf of a holder.
type ReserveRequest struct {
	ItemID     uuid.UUID            `json:"item_id"`
	HolderID   string               `json:"holder_id"`
	Quantity   int                  `json:"quantity"`
	Attributes inventory.Attributes `json:"attributes"`
	DueAt      *time.Time           `json:"due_at,omitempty"`
	IssuedBy   string               `json:"issued_by,omitempty"`
	Notes      string               `json:"notes,omitempty"`
}

// Resolution records who closed a checkout and why.
type Resolution struct {
	Actor string `json:"actor,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// BatchLine is one item within a multi-item checkout.
type BatchLine struct {
	ItemID     uuid.UUID            `json:"item_id"`
	Quantity   int                  `json:"quantity"`
	Attributes inventory.Attributes `json:"attributes"`
}

// BatchRequest checks out several items to one holder as a unit.
type BatchRequest struct {
	HolderID string      `json:"holder_id"`
	Lines    []BatchLine `json:"lines"`
	DueAt    *time.Time  `json:"due_at,omitempty"`
	IssuedBy string      `json:"issued_by,omitempty"`
	Notes    string      `json:"notes,omitempty"`
	// Contact is passed through to the notifier untouched.
	Contact string `json:"contact,omitempty"`
}

// BatchResult is the outcome of a successful ReserveBatch.
type BatchResult struct {
	BatchID uuid.UUID                   `json:"batch_id"`
	Records []*inventory.CheckoutRecord `json:"records"`
}

// Notice describes a completed checkout for the notification collaborator.
type Notice struct {
	HolderID string                      `json:"holder_id"`
	Contact  string                      `json:"contact,omitempty"`
	BatchID  *uuid.UUID                  `json:"batch_id,omitempty"`
	Records  []*inventory.CheckoutRecord `json:"records"`
	IssuedAt time.Time                   `json:"issued_at"`
}

// Notifier delivers checkout notices. Delivery failures never affect the
// checkout itself.
type Notifier interface {
	NotifyCheckout(ctx context.Context, notice Notice) error
}
