// internal/inventory/domain.go
package inventory

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Condition describes the physical state of an item category.
type Condition string

const (
	ConditionNew  Condition = "new"
	ConditionGood Condition = "good"
	ConditionFair Condition = "fair"
	ConditionPoor Condition = "poor"
)

// Valid reports whether c is one of the known conditions.
func (c Condition) Valid() bool {
	switch c {
	case ConditionNew, ConditionGood, ConditionFair, ConditionPoor:
		return true
	}
	return false
}

// AttributeOptions lists the sizes and colors an item is stocked in.
// They are informational and never partition the count.
type AttributeOptions struct {
	Sizes  []string `json:"sizes"`
	Colors []string `json:"colors"`
}

// Item is one category of physical stock sharing a single availability count.
type Item struct {
	ID                uuid.UUID        `json:"id"`
	Name              string           `json:"name"`
	Category          string           `json:"category"`
	TotalQuantity     int              `json:"total_quantity"`
	AvailableQuantity int              `json:"available_quantity"`
	AttributeOptions  AttributeOptions `json:"attribute_options"`
	LowStockThreshold int              `json:"low_stock_threshold"`
	Condition         Condition        `json:"condition"`
	Notes             string           `json:"notes,omitempty"`
	Version           int              `json:"version"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// OnLoan is the quantity currently held by open checkout records.
func (i *Item) OnLoan() int {
	return i.TotalQuantity - i.AvailableQuantity
}

// LowStock reports whether availability has reached the alert threshold.
func (i *Item) LowStock() bool {
	return i.AvailableQuantity <= i.LowStockThreshold
}

// Clone returns a deep copy so callers never share slices with a store.
func (i *Item) Clone() *Item {
	c := *i
	c.AttributeOptions.Sizes = slices.Clone(i.AttributeOptions.Sizes)
	c.AttributeOptions.Colors = slices.Clone(i.AttributeOptions.Colors)
	return &c
}

// Attributes are the size and color picked for a single loan.
type Attributes struct {
	Size  string `json:"size,omitempty"`
	Color string `json:"color,omitempty"`
}

// CheckoutRecord is a single loan against an Item.
type CheckoutRecord struct {
	ID         uuid.UUID  `json:"id"`
	ItemID     uuid.UUID  `json:"item_id"`
	HolderID   string     `json:"holder_id"`
	Quantity   int        `json:"quantity"`
	Attributes Attributes `json:"attributes"`
	IssuedAt   time.Time  `json:"issued_at"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	State      State      `json:"state"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	IssuedBy   string     `json:"issued_by,omitempty"`
	ClosedBy   string     `json:"closed_by,omitempty"`
	BatchID    *uuid.UUID `json:"batch_id,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// Clone returns a copy that does not alias the time pointers of r.
func (r *CheckoutRecord) Clone() *CheckoutRecord {
	c := *r
	if r.DueAt != nil {
		due := *r.DueAt
		c.DueAt = &due
	}
	if r.ClosedAt != nil {
		closed := *r.ClosedAt
		c.ClosedAt = &closed
	}
	if r.BatchID != nil {
		batch := *r.BatchID
		c.BatchID = &batch
	}
	return &c
}

// PastDue reports whether the record has a due date strictly before now.
func (r *CheckoutRecord) PastDue(now time.Time) bool {
	return r.DueAt != nil && r.DueAt.Before(now)
}

// EffectiveState is the state a reader should see at now: an Active record
// whose due date has passed reads as Overdue even before the sweep runs.
func (r *CheckoutRecord) EffectiveState(now time.Time) State {
	if r.State == StateActive && r.PastDue(now) {
		return StateOverdue
	}
	return r.State
}

// DaysOverdue is the number of whole days past due at now, never negative.
func (r *CheckoutRecord) DaysOverdue(now time.Time) int {
	if r.DueAt == nil {
		return 0
	}
	days := int(now.Sub(*r.DueAt) / (24 * time.Hour))
	if days < 0 {
		return 0
	}
	return days
}

// EventType names a ledger journal entry.
type EventType string

const (
	EventItemCreated      EventType = "item_created"
	EventItemUpdated      EventType = "item_updated"
	EventStockAdjusted    EventType = "stock_adjusted"
	EventCheckoutReserved EventType = "checkout_reserved"
	EventCheckoutReleased EventType = "checkout_released"
	EventCheckoutLost     EventType = "checkout_lost"
	EventCheckoutOverdue  EventType = "checkout_overdue"
)

// Event is an append-only journal entry written alongside every item mutation.
// Version equals the item version after the mutation and is unique per item.
type Event struct {
	ID             int64      `json:"id" db:"id"`
	ItemID         uuid.UUID  `json:"item_id" db:"item_id"`
	Version        int        `json:"version" db:"version"`
	Type           EventType  `json:"type" db:"event_type"`
	RecordID       *uuid.UUID `json:"record_id,omitempty" db:"record_id"`
	Quantity       int        `json:"quantity" db:"quantity"`
	TotalAfter     int        `json:"total_after" db:"total_after"`
	AvailableAfter int        `json:"available_after" db:"available_after"`
	Reason         string     `json:"reason,omitempty" db:"reason"`
	Actor          string     `json:"actor,omitempty" db:"actor"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// NewEvent builds a journal entry reflecting item's state after a mutation.
func NewEvent(item *Item, typ EventType, recordID *uuid.UUID, quantity int, reason, actor string, at time.Time) Event {
	return Event{
		ItemID:         item.ID,
		Version:        item.Version,
		Type:           typ,
		RecordID:       recordID,
		Quantity:       quantity,
		TotalAfter:     item.TotalQuantity,
		AvailableAfter: item.AvailableQuantity,
		Reason:         reason,
		Actor:          actor,
		CreatedAt:      at,
	}
}
