// internal/store/postgres/models.go
package postgres

import (
	"time"

	"checkoutledger/internal/inventory"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const itemColumns = `id, name, category, total_quantity, available_quantity, size_options, color_options,
	low_stock_threshold, condition, notes, version, created_at, updated_at`

const recordColumns = `id, item_id, holder_id, quantity, size, color, issued_at, due_at, state,
	closed_at, issued_by, closed_by, batch_id, notes`

const eventColumns = `id, item_id, version, event_type, record_id, quantity, total_after,
	available_after, reason, actor, created_at`

type itemRow struct {
	ID                uuid.UUID      `db:"id"`
	Name              string         `db:"name"`
	Category          string         `db:"category"`
	TotalQuantity     int            `db:"total_quantity"`
	AvailableQuantity int            `db:"available_quantity"`
	SizeOptions       pq.StringArray `db:"size_options"`
	ColorOptions      pq.StringArray `db:"color_options"`
	LowStockThreshold int            `db:"low_stock_threshold"`
	Condition         string         `db:"condition"`
	Notes             string         `db:"notes"`
	Version           int            `db:"version"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func toItemRow(item *inventory.Item) itemRow {
	return itemRow{
		ID:                item.ID,
		Name:              item.Name,
		Category:          item.Category,
		TotalQuantity:     item.TotalQuantity,
		AvailableQuantity: item.AvailableQuantity,
		SizeOptions:       pq.StringArray(nonNil(item.AttributeOptions.Sizes)),
		ColorOptions:      pq.StringArray(nonNil(item.AttributeOptions.Colors)),
		LowStockThreshold: item.LowStockThreshold,
		Condition:         string(item.Condition),
		Notes:             item.Notes,
		Version:           item.Version,
		CreatedAt:         item.CreatedAt,
		UpdatedAt:         item.UpdatedAt,
	}
}

func (r itemRow) toItem() *inventory.Item {
	return &inventory.Item{
		ID:                r.ID,
		Name:              r.Name,
		Category:          r.Category,
		TotalQuantity:     r.TotalQuantity,
		AvailableQuantity: r.AvailableQuantity,
		AttributeOptions: inventory.AttributeOptions{
			Sizes:  []string(r.SizeOptions),
			Colors: []string(r.ColorOptions),
		},
		LowStockThreshold: r.LowStockThreshold,
		Condition:         inventory.Condition(r.Condition),
		Notes:             r.Notes,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

type recordRow struct {
	ID       uuid.UUID  `db:"id"`
	ItemID   uuid.UUID  `db:"item_id"`
	HolderID string     `db:"holder_id"`
	Quantity int        `db:"quantity"`
	Size     string     `db:"size"`
	Color    string     `db:"color"`
	IssuedAt time.Time  `db:"issued_at"`
	DueAt    *time.Time `db:"due_at"`
	State    string     `db:"state"`
	ClosedAt *time.Time `db:"closed_at"`
	IssuedBy string     `db:"issued_by"`
	ClosedBy string     `db:"closed_by"`
	BatchID  *uuid.UUID `db:"batch_id"`
	Notes    string     `db:"notes"`
}

func toRecordRow(rec *inventory.CheckoutRecord) recordRow {
	return recordRow{
		ID:       rec.ID,
		ItemID:   rec.ItemID,
		HolderID: rec.HolderID,
		Quantity: rec.Quantity,
		Size:     rec.Attributes.Size,
		Color:    rec.Attributes.Color,
		IssuedAt: rec.IssuedAt,
		DueAt:    rec.DueAt,
		State:    string(rec.State),
		ClosedAt: rec.ClosedAt,
		IssuedBy: rec.IssuedBy,
		ClosedBy: rec.ClosedBy,
		BatchID:  rec.BatchID,
		Notes:    rec.Notes,
	}
}

func (r recordRow) toRecord() (*inventory.CheckoutRecord, error) {
	state, err := inventory.ParseState(r.State)
	if err != nil {
		return nil, err
	}
	return &inventory.CheckoutRecord{
		ID:         r.ID,
		ItemID:     r.ItemID,
		HolderID:   r.HolderID,
		Quantity:   r.Quantity,
		Attributes: inventory.Attributes{Size: r.Size, Color: r.Color},
		IssuedAt:   r.IssuedAt,
		DueAt:      r.DueAt,
		State:      state,
		ClosedAt:   r.ClosedAt,
		IssuedBy:   r.IssuedBy,
		ClosedBy:   r.ClosedBy,
		BatchID:    r.BatchID,
		Notes:      r.Notes,
	}, nil
}

func toRecords(rows []recordRow) ([]*inventory.CheckoutRecord, error) {
	out := make([]*inventory.CheckoutRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
