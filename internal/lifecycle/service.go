// internal/lifecycle/service.go
package lifecycle

import (
	"context"
	"time"

	"checkoutledger/internal/circulation"
	"checkoutledger/internal/inventory"

	"github.com/google/uuid"
)

// Monitor owns the only automatic transition, Active to Overdue.
type Monitor interface {
	// SweepOverdue moves every Active record whose due date is before now to
	// Overdue and returns how many moved. Repeating it with the same or a
	// later now is safe.
	SweepOverdue(ctx context.Context, now time.Time) (int, error)
	Resolve(ctx context.Context, recordID uuid.UUID, outcome Outcome, res circulation.Resolution) (*inventory.CheckoutRecord, error)
	// Run sweeps every interval until ctx is done.
	Run(ctx context.Context, interval time.Duration) error
}
