// internal/catalog/implementation.go
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"checkoutledger/internal/inventory"
	"checkoutledger/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// service implements the Service interface.
type service struct {
	store  store.Store
	now    func() time.Time
	logger logrus.FieldLogger
	tracer trace.Tracer
}

// Option configures the catalog service.
type Option func(*service)

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *service) { s.logger = l }
}

// NewService creates a new catalog service instance.
func NewService(st store.Store, opts ...Option) Service {
	s := &service{
		store:  st,
		now:    time.Now,
		logger: logrus.StandardLogger(),
		tracer: otel.Tracer("checkoutledger/catalog"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateItem seeds a new catalog entry with all stock available.
func (s *service) CreateItem(ctx context.Context, req NewItem) (*inventory.Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.create_item")
	defer span.End()

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, inventory.Invalid("name", "must not be empty")
	}
	if req.TotalQuantity < 0 {
		return nil, inventory.Invalid("total_quantity", "must not be negative, got %d", req.TotalQuantity)
	}
	if req.LowStockThreshold < 0 {
		return nil, inventory.Invalid("low_stock_threshold", "must not be negative, got %d", req.LowStockThreshold)
	}
	condition := req.Condition
	if condition == "" {
		condition = inventory.ConditionNew
	}
	if !condition.Valid() {
		return nil, inventory.Invalid("condition", "unknown condition %q", condition)
	}

	now := s.now().UTC()
	item := &inventory.Item{
		ID:                uuid.New(),
		Name:              name,
		Category:          strings.TrimSpace(req.Category),
		TotalQuantity:     req.TotalQuantity,
		AvailableQuantity: req.TotalQuantity,
		AttributeOptions:  normalizeOptions(req.AttributeOptions),
		LowStockThreshold: req.LowStockThreshold,
		Condition:         condition,
		Notes:             req.Notes,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	span.SetAttributes(attribute.String("item.id", item.ID.String()))

	ev := inventory.NewEvent(item, inventory.EventItemCreated, nil, item.TotalQuantity, "", req.Actor, now)
	if err := s.store.InsertItem(ctx, item, ev); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create item: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"item_id":  item.ID,
		"name":     item.Name,
		"quantity": item.TotalQuantity,
	}).Info("catalog item created")
	return item, nil
}

// AdjustTotal restocks (delta > 0) or writes off (delta < 0) inside the
// item's critical section.
func (s *service) AdjustTotal(ctx context.Context, id uuid.UUID, delta int, reason, actor string) (*inventory.Item, error) {
	if delta == 0 {
		return nil, inventory.Invalid("delta", "must not be zero")
	}
	return s.adjust(ctx, id, reason, actor, func(*inventory.Item) int { return delta })
}

// Recount replaces the total with a physical count. The delta is computed
// under the lock so a concurrent checkout cannot skew it.
func (s *service) Recount(ctx context.Context, id uuid.UUID, counted int, reason, actor string) (*inventory.Item, error) {
	if counted < 0 {
		return nil, inventory.Invalid("counted", "must not be negative, got %d", counted)
	}
	if reason == "" {
		reason = "recount"
	}
	return s.adjust(ctx, id, reason, actor, func(item *inventory.Item) int { return counted - item.TotalQuantity })
}

func (s *service) adjust(ctx context.Context, id uuid.UUID, reason, actor string, deltaFn func(*inventory.Item) int) (*inventory.Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.adjust_total",
		trace.WithAttributes(attribute.String("item.id", id.String())),
	)
	defer span.End()

	var result *inventory.Item
	var applied int
	err := s.store.Update(ctx, id, func(tx store.Tx) error {
		item := tx.Item()
		delta := deltaFn(item)
		if delta == 0 {
			result = item
			applied = 0
			return nil
		}
		if err := ApplyDelta(item, delta); err != nil {
			return err
		}

		now := s.now().UTC()
		item.Version++
		item.UpdatedAt = now
		if err := tx.SaveItem(item); err != nil {
			return err
		}
		if err := tx.Append(inventory.NewEvent(item, inventory.EventStockAdjusted, nil, delta, reason, actor, now)); err != nil {
			return err
		}
		result = item
		applied = delta
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to adjust item %s: %w", id, err)
	}

	span.SetAttributes(attribute.Int("delta", applied))
	if applied != 0 {
		s.logger.WithFields(logrus.Fields{
			"item_id":   id,
			"delta":     applied,
			"total":     result.TotalQuantity,
			"available": result.AvailableQuantity,
			"reason":    reason,
		}).Info("item stock adjusted")
	}
	return result, nil
}

// ApplyDelta changes item's total by delta. The total may never fall below
// the quantity on loan; availability moves by the same delta, floored at
// zero, so a write-off only ever consumes stock that is on the shelf.
func ApplyDelta(item *inventory.Item, delta int) error {
	onLoan := item.OnLoan()
	newTotal := item.TotalQuantity + delta
	if newTotal < onLoan {
		return &inventory.InvariantViolationError{ItemID: item.ID, OnLoan: onLoan, ResultingTotal: newTotal}
	}
	item.TotalQuantity = newTotal
	item.AvailableQuantity = max(item.AvailableQuantity+delta, 0)
	return nil
}

// UpdateDetails edits descriptive fields without touching quantities.
func (s *service) UpdateDetails(ctx context.Context, id uuid.UUID, details ItemDetails) (*inventory.Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.update_details",
		trace.WithAttributes(attribute.String("item.id", id.String())),
	)
	defer span.End()

	if details.Name != nil && strings.TrimSpace(*details.Name) == "" {
		return nil, inventory.Invalid("name", "must not be empty")
	}
	if details.LowStockThreshold != nil && *details.LowStockThreshold < 0 {
		return nil, inventory.Invalid("low_stock_threshold", "must not be negative, got %d", *details.LowStockThreshold)
	}
	if details.Condition != nil && !details.Condition.Valid() {
		return nil, inventory.Invalid("condition", "unknown condition %q", *details.Condition)
	}

	var result *inventory.Item
	err := s.store.Update(ctx, id, func(tx store.Tx) error {
		item := tx.Item()
		if details.Name != nil {
			item.Name = strings.TrimSpace(*details.Name)
		}
		if details.Category != nil {
			item.Category = strings.TrimSpace(*details.Category)
		}
		if details.AttributeOptions != nil {
			item.AttributeOptions = normalizeOptions(*details.AttributeOptions)
		}
		if details.LowStockThreshold != nil {
			item.LowStockThreshold = *details.LowStockThreshold
		}
		if details.Condition != nil {
			item.Condition = *details.Condition
		}
		if details.Notes != nil {
			item.Notes = *details.Notes
		}

		now := s.now().UTC()
		item.Version++
		item.UpdatedAt = now
		if err := tx.SaveItem(item); err != nil {
			return err
		}
		if err := tx.Append(inventory.NewEvent(item, inventory.EventItemUpdated, nil, 0, "", details.Actor, now)); err != nil {
			return err
		}
		result = item
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update item %s: %w", id, err)
	}
	return result, nil
}

// GetItem retrieves an item from the catalog by its ID.
func (s *service) GetItem(ctx context.Context, id uuid.UUID) (*inventory.Item, error) {
	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

func (s *service) ListItems(ctx context.Context, opts ListOptions) ([]*inventory.Item, error) {
	items, err := s.store.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	out := items[:0]
	for _, item := range items {
		if opts.Category != "" && !strings.EqualFold(item.Category, opts.Category) {
			continue
		}
		if opts.AvailableOnly && item.AvailableQuantity <= 0 {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// History returns the item's journal in version order.
func (s *service) History(ctx context.Context, id uuid.UUID) ([]inventory.Event, error) {
	events, err := s.store.Events(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return events, nil
}

func normalizeOptions(opts inventory.AttributeOptions) inventory.AttributeOptions {
	return inventory.AttributeOptions{
		Sizes:  dedupe(opts.Sizes),
		Colors: dedupe(opts.Colors),
	}
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
