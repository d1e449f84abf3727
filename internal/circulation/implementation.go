// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"checkoutledger/internal/inventory"
	"checkoutledger/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// service implements the Service interface.
type service struct {
	store    store.Store
	notifier Notifier
	now      func() time.Time
	logger   logrus.FieldLogger
	tracer   trace.Tracer
	ops      metric.Int64Counter
}

// Option configures the ledger core.
type Option func(*service)

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *service) { s.logger = l }
}

// WithNotifier hands completed checkouts to n.
func WithNotifier(n Notifier) Option {
	return func(s *service) { s.notifier = n }
}

// NewService creates a new ledger core on top of st.
func NewService(st store.Store, opts ...Option) Service {
	s := &service{
		store:  st,
		now:    time.Now,
		logger: logrus.StandardLogger(),
		tracer: otel.Tracer("checkoutledger/circulation"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ops, err := otel.Meter("checkoutledger/circulation").Int64Counter(
		"ledger.checkout.operations",
		metric.WithDescription("Ledger core operations by kind and outcome"),
	)
	if err != nil {
		s.logger.WithError(err).Warn("checkout metrics disabled")
		ops = noop.Int64Counter{}
	}
	s.ops = ops
	return s
}

// Reserve atomically takes req.Quantity units off the shelf and opens an
// Active record. Nothing is written when stock is short.
func (s *service) Reserve(ctx context.Context, req ReserveRequest) (*inventory.CheckoutRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.reserve",
		trace.WithAttributes(
			attribute.String("item.id", req.ItemID.String()),
			attribute.String("holder.id", req.HolderID),
			attribute.Int("quantity", req.Quantity),
		),
	)
	defer span.End()

	rec, err := s.reserve(ctx, req, nil)
	s.count(ctx, "reserve", err)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("reserve item %s: %w", req.ItemID, err)
	}
	span.SetAttributes(attribute.String("record.id", rec.ID.String()))

	s.logger.WithFields(logrus.Fields{
		"record_id": rec.ID,
		"item_id":   rec.ItemID,
		"holder_id": rec.HolderID,
		"quantity":  rec.Quantity,
	}).Info("checkout reserved")

	s.notify(ctx, Notice{
		HolderID: rec.HolderID,
		Records:  []*inventory.CheckoutRecord{rec},
		IssuedAt: rec.IssuedAt,
	})
	return rec, nil
}

func (s *service) reserve(ctx context.Context, req ReserveRequest, batchID *uuid.UUID) (*inventory.CheckoutRecord, error) {
	holder := strings.TrimSpace(req.HolderID)
	if req.ItemID == uuid.Nil {
		return nil, inventory.Invalid("item_id", "is required")
	}
	if holder == "" {
		return nil, inventory.Invalid("holder_id", "is required")
	}
	if req.Quantity <= 0 {
		return nil, inventory.Invalid("quantity", "must be positive, got %d", req.Quantity)
	}

	now := s.now().UTC()
	var due *time.Time
	if req.DueAt != nil {
		d := req.DueAt.UTC()
		if !d.After(now) {
			return nil, inventory.Invalid("due_at", "must be after the checkout time")
		}
		due = &d
	}

	rec := &inventory.CheckoutRecord{
		ID:         uuid.New(),
		ItemID:     req.ItemID,
		HolderID:   holder,
		Quantity:   req.Quantity,
		Attributes: req.Attributes,
		IssuedAt:   now,
		DueAt:      due,
		State:      inventory.StateActive,
		IssuedBy:   req.IssuedBy,
		BatchID:    batchID,
		Notes:      req.Notes,
	}

	err := s.store.Update(ctx, req.ItemID, func(tx store.Tx) error {
		item := tx.Item()
		if err := checkAttributes(item, req.Attributes); err != nil {
			return err
		}
		if item.AvailableQuantity < req.Quantity {
			return &inventory.InsufficientStockError{
				ItemID:    item.ID,
				Requested: req.Quantity,
				Remaining: item.AvailableQuantity,
			}
		}

		item.AvailableQuantity -= req.Quantity
		item.Version++
		item.UpdatedAt = now
		if err := tx.SaveItem(item); err != nil {
			return err
		}
		if err := tx.InsertRecord(rec); err != nil {
			return err
		}
		return tx.Append(inventory.NewEvent(item, inventory.EventCheckoutReserved, &rec.ID, rec.Quantity, "", req.IssuedBy, now))
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// checkAttributes accepts any size or color when the item declares none.
func checkAttributes(item *inventory.Item, attrs inventory.Attributes) error {
	opts := item.AttributeOptions
	if attrs.Size != "" && len(opts.Sizes) > 0 && !slices.Contains(opts.Sizes, attrs.Size) {
		return inventory.Invalid("attributes.size", "%q is not offered for %s", attrs.Size, item.Name)
	}
	if attrs.Color != "" && len(opts.Colors) > 0 && !slices.Contains(opts.Colors, attrs.Color) {
		return inventory.Invalid("attributes.color", "%q is not offered for %s", attrs.Color, item.Name)
	}
	return nil
}

// ReserveBatch reserves every line for one holder or none of them. Lines are
// taken in order; when one fails the lines already reserved are released.
func (s *service) ReserveBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.reserve_batch",
		trace.WithAttributes(
			attribute.String("holder.id", req.HolderID),
			attribute.Int("lines", len(req.Lines)),
		),
	)
	defer span.End()

	if len(req.Lines) == 0 {
		return nil, inventory.Invalid("lines", "must not be empty")
	}
	for i, line := range req.Lines {
		if line.ItemID == uuid.Nil {
			return nil, inventory.Invalid(fmt.Sprintf("lines[%d].item_id", i), "is required")
		}
		if line.Quantity <= 0 {
			return nil, inventory.Invalid(fmt.Sprintf("lines[%d].quantity", i), "must be positive, got %d", line.Quantity)
		}
	}

	batchID := uuid.New()
	span.SetAttributes(attribute.String("batch.id", batchID.String()))

	reserved := make([]*inventory.CheckoutRecord, 0, len(req.Lines))
	for i, line := range req.Lines {
		rec, err := s.reserve(ctx, ReserveRequest{
			ItemID:     line.ItemID,
			HolderID:   req.HolderID,
			Quantity:   line.Quantity,
			Attributes: line.Attributes,
			DueAt:      req.DueAt,
			IssuedBy:   req.IssuedBy,
			Notes:      req.Notes,
		}, &batchID)
		if err != nil {
			s.count(ctx, "reserve_batch", err)
			span.RecordError(err)
			s.compensate(ctx, batchID, reserved, req.IssuedBy)
			return nil, fmt.Errorf("batch line %d (item %s): %w", i, line.ItemID, err)
		}
		reserved = append(reserved, rec)
	}
	s.count(ctx, "reserve_batch", nil)

	s.logger.WithFields(logrus.Fields{
		"batch_id":  batchID,
		"holder_id": req.HolderID,
		"lines":     len(reserved),
	}).Info("batch checkout reserved")

	s.notify(ctx, Notice{
		HolderID: reserved[0].HolderID,
		Contact:  req.Contact,
		BatchID:  &batchID,
		Records:  reserved,
		IssuedAt: reserved[0].IssuedAt,
	})
	return &BatchResult{BatchID: batchID, Records: reserved}, nil
}

// compensate releases already reserved batch lines in reverse order. It runs
// even when ctx has been cancelled.
func (s *service) compensate(ctx context.Context, batchID uuid.UUID, reserved []*inventory.CheckoutRecord, actor string) {
	ctx = context.WithoutCancel(ctx)
	res := Resolution{Actor: actor, Notes: fmt.Sprintf("batch %s rolled back", batchID)}
	for i := len(reserved) - 1; i >= 0; i-- {
		rec := reserved[i]
		s.logger.WithFields(logrus.Fields{
			"batch_id":  batchID,
			"record_id": rec.ID,
			"item_id":   rec.ItemID,
		}).Warn("compensating failed batch checkout")
		if _, err := s.close(ctx, rec.ID, inventory.StateReturned, res); err != nil {
			s.logger.WithError(err).WithField("record_id", rec.ID).Error("failed to compensate batch line")
		}
	}
}

// Release returns a record's quantity to the shelf.
func (s *service) Release(ctx context.Context, recordID uuid.UUID, res Resolution) (*inventory.CheckoutRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.release",
		trace.WithAttributes(attribute.String("record.id", recordID.String())),
	)
	defer span.End()

	rec, err := s.close(ctx, recordID, inventory.StateReturned, res)
	s.count(ctx, "release", err)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("release checkout %s: %w", recordID, err)
	}
	s.logger.WithFields(logrus.Fields{
		"record_id": rec.ID,
		"item_id":   rec.ItemID,
		"quantity":  rec.Quantity,
	}).Info("checkout returned")
	return rec, nil
}

// MarkLost closes a record as lost. The lost units leave the catalog: total
// drops by the record's quantity and availability is unchanged.
func (s *service) MarkLost(ctx context.Context, recordID uuid.UUID, res Resolution) (*inventory.CheckoutRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.mark_lost",
		trace.WithAttributes(attribute.String("record.id", recordID.String())),
	)
	defer span.End()

	rec, err := s.close(ctx, recordID, inventory.StateLost, res)
	s.count(ctx, "mark_lost", err)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("mark checkout %s lost: %w", recordID, err)
	}
	s.logger.WithFields(logrus.Fields{
		"record_id": rec.ID,
		"item_id":   rec.ItemID,
		"quantity":  rec.Quantity,
	}).Warn("checkout marked lost")
	return rec, nil
}

// close moves an open record to a terminal state inside its item's critical
// section. The record is re-read under the lock so a concurrent close is
// seen as a terminal state.
func (s *service) close(ctx context.Context, recordID uuid.UUID, to inventory.State, res Resolution) (*inventory.CheckoutRecord, error) {
	current, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	var result *inventory.CheckoutRecord
	err = s.store.Update(ctx, current.ItemID, func(tx store.Tx) error {
		rec, err := tx.Record(recordID)
		if err != nil {
			return err
		}
		if !inventory.CanTransition(rec.State, to) {
			return &inventory.TransitionError{RecordID: rec.ID, From: rec.State, To: to}
		}

		item := tx.Item()
		var evType inventory.EventType
		switch to {
		case inventory.StateReturned:
			item.AvailableQuantity += rec.Quantity
			evType = inventory.EventCheckoutReleased
		case inventory.StateLost:
			item.TotalQuantity -= rec.Quantity
			evType = inventory.EventCheckoutLost
		default:
			return fmt.Errorf("close checkout as %s: %w", to, inventory.ErrInvalidTransition)
		}
		if item.AvailableQuantity > item.TotalQuantity || item.TotalQuantity < 0 {
			return &inventory.InvariantViolationError{
				ItemID:         item.ID,
				OnLoan:         item.OnLoan() + rec.Quantity,
				ResultingTotal: item.TotalQuantity,
			}
		}

		now := s.now().UTC()
		rec.State = to
		rec.ClosedAt = &now
		rec.ClosedBy = res.Actor
		if res.Notes != "" {
			if rec.Notes != "" {
				rec.Notes += "\n"
			}
			rec.Notes += res.Notes
		}
		item.Version++
		item.UpdatedAt = now

		if err := tx.SaveItem(item); err != nil {
			return err
		}
		if err := tx.SaveRecord(rec); err != nil {
			return err
		}
		if err := tx.Append(inventory.NewEvent(item, evType, &rec.ID, rec.Quantity, res.Notes, res.Actor, now)); err != nil {
			return err
		}
		result = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetRecord returns the committed state of one checkout.
func (s *service) GetRecord(ctx context.Context, recordID uuid.UUID) (*inventory.CheckoutRecord, error) {
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkout: %w", err)
	}
	return rec, nil
}

func (s *service) notify(ctx context.Context, notice Notice) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyCheckout(ctx, notice); err != nil {
		s.logger.WithError(err).WithField("holder_id", notice.HolderID).Warn("checkout notification not delivered")
	}
}

func (s *service) count(ctx context.Context, op string, err error) {
	s.ops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome(err)),
	))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, inventory.ErrValidation):
		return "validation"
	case errors.Is(err, inventory.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, inventory.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, inventory.ErrNotFound):
		return "not_found"
	case errors.Is(err, inventory.ErrContention):
		return "contention"
	default:
		return "error"
	}
}
