// internal/reporting/domain.go
package reporting

import (
	"context"

	"checkoutledger/internal/inventory"

	"github.com/google/uuid"
)

// Holder is the display identity behind an opaque holder id.
type Holder struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Contact     string `json:"contact,omitempty"`
}

// IdentityResolver looks up holder identities. Lookups are best effort.
type IdentityResolver interface {
	ResolveHolder(ctx context.Context, holderID string) (*Holder, error)
}

// RecordView is a checkout as a reader sees it at report time.
type RecordView struct {
	*inventory.CheckoutRecord
	EffectiveState inventory.State `json:"effective_state"`
}

type HolderStatus struct {
	HolderID     string       `json:"holder_id"`
	Holder       *Holder      `json:"holder,omitempty"`
	ActiveCount  int          `json:"active_count"`
	OverdueCount int          `json:"overdue_count"`
	Records      []RecordView `json:"records"`
}

type OverdueEntry struct {
	Record      *inventory.CheckoutRecord `json:"record"`
	ItemName    string                    `json:"item_name,omitempty"`
	DaysOverdue int                       `json:"days_overdue"`
}

type ItemStatus struct {
	ItemID            uuid.UUID `json:"item_id"`
	Name              string    `json:"name"`
	Category          string    `json:"category"`
	TotalQuantity     int       `json:"total_quantity"`
	AvailableQuantity int       `json:"available_quantity"`
	CheckedOut        int       `json:"checked_out"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	LowStock          bool      `json:"low_stock"`
}

// MissingEntry is an overdue or lost checkout.
type MissingEntry struct {
	Record      *inventory.CheckoutRecord `json:"record"`
	ItemName    string                    `json:"item_name"`
	State       inventory.State           `json:"state"`
	DaysOverdue int                       `json:"days_overdue"`
}
