// internal/reporting/implementation.go
package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"checkoutledger/internal/inventory"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type projector struct {
	source     Source
	identities IdentityResolver
	logger     logrus.FieldLogger
	tracer     trace.Tracer
}

// Option configures the projector.
type Option func(*projector)

func WithLogger(l logrus.FieldLogger) Option {
	return func(p *projector) { p.logger = l }
}

// WithIdentities enriches holder reports through r.
func WithIdentities(r IdentityResolver) Option {
	return func(p *projector) { p.identities = r }
}

func NewProjector(source Source, opts ...Option) Projector {
	p := &projector{
		source: source,
		logger: logrus.StandardLogger(),
		tracer: otel.Tracer("checkoutledger/reporting"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *projector) LowStock(ctx context.Context) ([]*inventory.Item, error) {
	ctx, span := p.tracer.Start(ctx, "reporting.low_stock")
	defer span.End()

	items, err := p.source.ListItems(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, readFailure("list items", err)
	}
	out := make([]*inventory.Item, 0)
	for _, item := range items {
		if item.LowStock() {
			out = append(out, item)
		}
	}
	return out, nil
}

func (p *projector) HolderStatus(ctx context.Context, holderID string, now time.Time) (*HolderStatus, error) {
	ctx, span := p.tracer.Start(ctx, "reporting.holder_status",
		trace.WithAttributes(attribute.String("holder.id", holderID)),
	)
	defer span.End()

	holderID = strings.TrimSpace(holderID)
	if holderID == "" {
		return nil, inventory.Invalid("holder_id", "is required")
	}
	recs, err := p.source.ListByHolder(ctx, holderID)
	if err != nil {
		span.RecordError(err)
		return nil, readFailure("list holder records", err)
	}

	status := &HolderStatus{HolderID: holderID, Records: make([]RecordView, 0, len(recs))}
	for _, rec := range recs {
		state := rec.EffectiveState(now)
		switch state {
		case inventory.StateActive:
			status.ActiveCount++
		case inventory.StateOverdue:
			status.OverdueCount++
		}
		status.Records = append(status.Records, RecordView{CheckoutRecord: rec, EffectiveState: state})
	}

	if p.identities != nil {
		holder, err := p.identities.ResolveHolder(ctx, holderID)
		if err != nil {
			p.logger.WithError(err).WithField("holder_id", holderID).Warn("holder identity lookup failed")
		} else {
			status.Holder = holder
		}
	}
	return status, nil
}

func (p *projector) OverdueReport(ctx context.Context, now time.Time) ([]OverdueEntry, error) {
	ctx, span := p.tracer.Start(ctx, "reporting.overdue")
	defer span.End()

	recs, err := p.source.ListActiveOrOverdue(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, readFailure("list open records", err)
	}
	names, err := p.itemNames(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := make([]OverdueEntry, 0)
	for _, rec := range recs {
		if rec.EffectiveState(now) != inventory.StateOverdue {
			continue
		}
		out = append(out, OverdueEntry{
			Record:      rec,
			ItemName:    names[rec.ItemID],
			DaysOverdue: rec.DaysOverdue(now),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DaysOverdue > out[j].DaysOverdue
	})
	span.SetAttributes(attribute.Int("overdue", len(out)))
	return out, nil
}

func (p *projector) InventoryStatus(ctx context.Context) ([]ItemStatus, error) {
	ctx, span := p.tracer.Start(ctx, "reporting.inventory_status")
	defer span.End()

	items, err := p.source.ListItems(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, readFailure("list items", err)
	}
	out := make([]ItemStatus, 0, len(items))
	for _, item := range items {
		out = append(out, ItemStatus{
			ItemID:            item.ID,
			Name:              item.Name,
			Category:          item.Category,
			TotalQuantity:     item.TotalQuantity,
			AvailableQuantity: item.AvailableQuantity,
			CheckedOut:        item.OnLoan(),
			LowStockThreshold: item.LowStockThreshold,
			LowStock:          item.LowStock(),
		})
	}
	return out, nil
}

// MissingItems lists every checkout that is overdue at now or was lost.
func (p *projector) MissingItems(ctx context.Context, now time.Time) ([]MissingEntry, error) {
	ctx, span := p.tracer.Start(ctx, "reporting.missing_items")
	defer span.End()

	items, err := p.source.ListItems(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, readFailure("list items", err)
	}

	out := make([]MissingEntry, 0)
	for _, item := range items {
		recs, err := p.source.ListByItem(ctx, item.ID)
		if err != nil {
			span.RecordError(err)
			return nil, readFailure("list item records", err)
		}
		for _, rec := range recs {
			state := rec.EffectiveState(now)
			if state != inventory.StateOverdue && state != inventory.StateLost {
				continue
			}
			// Lost records stop accruing days once closed.
			asOf := now
			if state == inventory.StateLost && rec.ClosedAt != nil {
				asOf = *rec.ClosedAt
			}
			out = append(out, MissingEntry{
				Record:      rec,
				ItemName:    item.Name,
				State:       state,
				DaysOverdue: rec.DaysOverdue(asOf),
			})
		}
	}
	return out, nil
}

func (p *projector) itemNames(ctx context.Context) (map[uuid.UUID]string, error) {
	items, err := p.source.ListItems(ctx)
	if err != nil {
		return nil, readFailure("list items", err)
	}
	names := make(map[uuid.UUID]string, len(items))
	for _, item := range items {
		names[item.ID] = item.Name
	}
	return names, nil
}

// readFailure marks err as a store failure unless it already carries a
// ledger error class.
func readFailure(op string, err error) error {
	if errors.Is(err, inventory.ErrStoreUnavailable) || errors.Is(err, inventory.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, inventory.ErrStoreUnavailable, err)
}
