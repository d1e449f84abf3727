// internal/lifecycle/implementation.go
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkoutledger/internal/circulation"
	"checkoutledger/internal/inventory"
	"checkoutledger/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type monitor struct {
	store  store.Store
	ledger circulation.Service
	now    func() time.Time
	logger logrus.FieldLogger
	tracer trace.Tracer
}

// Option configures the monitor.
type Option func(*monitor)

func WithClock(now func() time.Time) Option {
	return func(m *monitor) { m.now = now }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *monitor) { m.logger = l }
}

// NewMonitor creates a monitor that reads st and resolves through ledger.
func NewMonitor(st store.Store, ledger circulation.Service, opts ...Option) Monitor {
	m := &monitor{
		store:  st,
		ledger: ledger,
		now:    time.Now,
		logger: logrus.StandardLogger(),
		tracer: otel.Tracer("checkoutledger/lifecycle"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *monitor) SweepOverdue(ctx context.Context, now time.Time) (int, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.sweep_overdue",
		trace.WithAttributes(attribute.String("now", now.UTC().Format(time.RFC3339))),
	)
	defer span.End()

	open, err := m.store.ListActiveOrOverdue(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, storeUnavailable("list open checkouts", err)
	}

	// Candidates are grouped per item so each item's lock is taken once.
	byItem := make(map[uuid.UUID][]uuid.UUID)
	var order []uuid.UUID
	for _, rec := range open {
		if rec.State != inventory.StateActive || !rec.PastDue(now) {
			continue
		}
		if _, ok := byItem[rec.ItemID]; !ok {
			order = append(order, rec.ItemID)
		}
		byItem[rec.ItemID] = append(byItem[rec.ItemID], rec.ID)
	}

	total := 0
	var errs []error
	for _, itemID := range order {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := m.sweepItem(ctx, itemID, byItem[itemID], now)
		if err != nil {
			m.logger.WithError(err).WithField("item_id", itemID).Warn("overdue sweep skipped item")
			errs = append(errs, fmt.Errorf("item %s: %w", itemID, err))
			continue
		}
		total += n
	}
	span.SetAttributes(attribute.Int("transitioned", total))

	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		return total, fmt.Errorf("sweep overdue: %w", err)
	}
	return total, nil
}

// sweepItem re-checks each candidate under the item lock; records closed or
// already swept since the listing are left alone.
func (m *monitor) sweepItem(ctx context.Context, itemID uuid.UUID, recordIDs []uuid.UUID, now time.Time) (int, error) {
	var moved int
	err := m.store.Update(ctx, itemID, func(tx store.Tx) error {
		moved = 0
		item := tx.Item()
		stamp := m.now().UTC()
		for _, id := range recordIDs {
			rec, err := tx.Record(id)
			if err != nil {
				return err
			}
			if rec.State != inventory.StateActive || !rec.PastDue(now) {
				continue
			}
			rec.State = inventory.StateOverdue
			if err := tx.SaveRecord(rec); err != nil {
				return err
			}
			item.Version++
			if err := tx.Append(inventory.NewEvent(item, inventory.EventCheckoutOverdue, &rec.ID, rec.Quantity, "", monitorActor, stamp)); err != nil {
				return err
			}
			moved++
		}
		if moved == 0 {
			return nil
		}
		item.UpdatedAt = stamp
		return tx.SaveItem(item)
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

func (m *monitor) Resolve(ctx context.Context, recordID uuid.UUID, outcome Outcome, res circulation.Resolution) (*inventory.CheckoutRecord, error) {
	switch outcome {
	case OutcomeReturned:
		return m.ledger.Release(ctx, recordID, res)
	case OutcomeLost:
		return m.ledger.MarkLost(ctx, recordID, res)
	default:
		return nil, inventory.Invalid("outcome", "must be %q or %q, got %q", OutcomeReturned, OutcomeLost, outcome)
	}
}

func (m *monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return inventory.Invalid("interval", "must be positive, got %s", interval)
	}
	log := m.logger.WithField("interval", interval)
	log.Info("overdue monitor started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.tick(ctx)
		select {
		case <-ctx.Done():
			log.Info("overdue monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (m *monitor) tick(ctx context.Context) {
	n, err := m.SweepOverdue(ctx, m.now())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.WithError(err).WithField("transitioned", n).Error("overdue sweep failed")
		return
	}
	if n > 0 {
		m.logger.WithField("transitioned", n).Info("checkouts marked overdue")
	}
}

func storeUnavailable(op string, err error) error {
	if errors.Is(err, inventory.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, inventory.ErrStoreUnavailable, err)
}
