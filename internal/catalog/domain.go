// internal/catalog/domain.go
package catalog

import (
	"checkoutledger/internal/inventory"
)

// NewItem is the input for seeding a catalog entry.
type NewItem struct {
	Name              string                     `json:"name"`
	Category          string                     `json:"category"`
	TotalQuantity     int                        `json:"total_quantity"`
	AttributeOptions  inventory.AttributeOptions `json:"attribute_options"`
	LowStockThreshold int                        `json:"low_stock_threshold"`
	Condition         inventory.Condition        `json:"condition,omitempty"`
	Notes             string                     `json:"notes,omitempty"`
	Actor             string                     `json:"actor,omitempty"`
}

// ItemDetails carries descriptive edits. Nil fields are left unchanged;
// quantities are never edited here.
type ItemDetails struct {
	Name              *string                     `json:"name,omitempty"`
	Category          *string                     `json:"category,omitempty"`
	AttributeOptions  *inventory.AttributeOptions `json:"attribute_options,omitempty"`
	LowStockThreshold *int                        `json:"low_stock_threshold,omitempty"`
	Condition         *inventory.Condition        `json:"condition,omitempty"`
	Notes             *string                     `json:"notes,omitempty"`
	Actor             string                      `json:"actor,omitempty"`
}

// ListOptions filters ListItems.
type ListOptions struct {
	Category      string
	AvailableOnly bool
}
