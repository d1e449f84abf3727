// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"checkoutledger/internal/catalog"
	"checkoutledger/internal/circulation"
	"checkoutledger/internal/inventory"
	"checkoutledger/internal/store"

	"github.com/google/uuid"
)

const chaosActor = "chaos-engine"

// Target is the ledger an experiment runs against. Store must be the same
// FaultyStore the services were built on.
type Target struct {
	Store   *FaultyStore
	Catalog catalog.Service
	Ledger  circulation.Service
}

// Standard returns the built-in experiment suite.
func Standard(t Target, observe time.Duration) []Experiment {
	return []Experiment{
		ConcurrentReserve(t, 100, observe),
		StoreLatency(t, 250*time.Millisecond, observe),
		StoreOutage(t, observe),
	}
}

// ConcurrentReserve fires callers reserves at one item holding a quarter as
// much stock and checks that exactly the stock is handed out.
func ConcurrentReserve(t Target, callers int, observe time.Duration) Experiment {
	stock := max(callers/4, 1)
	return Experiment{
		Name:        "concurrent-reserve-race",
		Hypothesis:  "Concurrent reserves against one item never oversell it",
		SteadyState: []Probe{InvariantProbe(t.Store)},
		Method: []Action{{
			Name:   "reserve-storm",
			Target: "ledger",
			Execute: func(ctx context.Context) error {
				item, err := t.Catalog.CreateItem(ctx, catalog.NewItem{
					Name:          "chaos race item",
					Category:      "chaos",
					TotalQuantity: stock,
					Actor:         chaosActor,
				})
				if err != nil {
					return fmt.Errorf("create race item: %w", err)
				}

				var wg sync.WaitGroup
				var granted, refused, failed atomic.Int64
				for i := 0; i < callers; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, err := t.Ledger.Reserve(ctx, circulation.ReserveRequest{
							ItemID:   item.ID,
							HolderID: fmt.Sprintf("chaos-holder-%d", i),
							Quantity: 1,
							IssuedBy: chaosActor,
						})
						switch {
						case err == nil:
							granted.Add(1)
						case errors.Is(err, inventory.ErrInsufficientStock):
							refused.Add(1)
						default:
							failed.Add(1)
						}
					}(i)
				}
				wg.Wait()

				if got := granted.Load(); got != int64(stock) {
					return fmt.Errorf("granted %d reserves for %d units (%d refused, %d failed)", got, stock, refused.Load(), failed.Load())
				}
				return nil
			},
		}},
		Validation: []Assertion{{
			Probe:     "invariant_violations",
			Condition: func(v float64) bool { return v == 0 },
			Message:   "No item may break the stock invariants",
		}},
		Duration:    observe,
		SampleEvery: sampleEvery(observe),
	}
}

// StoreLatency slows every store call and checks that checkouts still
// complete and the books still balance.
func StoreLatency(t Target, latency time.Duration, observe time.Duration) Experiment {
	canary := &Canary{target: t}
	return Experiment{
		Name:        "store-latency-injection",
		Hypothesis:  "Checkouts slow down but still succeed when the store is slow",
		SteadyState: []Probe{InvariantProbe(t.Store), canary.Probe()},
		Method: []Action{{
			Name:   "inject-latency",
			Target: "store",
			Execute: func(context.Context) error {
				t.Store.InjectLatency(latency)
				return nil
			},
		}},
		Rollback: []Action{{
			Name:   "remove-latency",
			Target: "store",
			Execute: func(context.Context) error {
				t.Store.Reset()
				return nil
			},
		}},
		Validation: []Assertion{
			{
				Probe:     "canary_checkout",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "A canary checkout should succeed",
			},
			{
				Probe:     "invariant_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No item may break the stock invariants",
			},
		},
		Duration:    observe,
		SampleEvery: sampleEvery(observe),
	}
}

// StoreOutage takes the store away entirely. Writes must fail as retryable
// store errors without leaving partial state, and recover once it returns.
func StoreOutage(t Target, observe time.Duration) Experiment {
	canary := &Canary{target: t}
	return Experiment{
		Name:        "store-outage",
		Hypothesis:  "During a store outage checkouts fail retryably and leave no partial state",
		SteadyState: []Probe{InvariantProbe(t.Store), canary.Probe()},
		Method: []Action{{
			Name:   "take-store-down",
			Target: "store",
			Execute: func(ctx context.Context) error {
				t.Store.InjectOutage(true)
				err := canary.checkout(ctx)
				if err == nil {
					return errors.New("checkout succeeded during outage")
				}
				if !inventory.Retryable(err) {
					return fmt.Errorf("outage surfaced as a non-retryable error: %w", err)
				}
				return nil
			},
		}},
		Rollback: []Action{{
			Name:   "restore-store",
			Target: "store",
			Execute: func(context.Context) error {
				t.Store.Reset()
				return nil
			},
		}},
		Validation: []Assertion{
			{
				Probe:     "canary_checkout",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Checkouts should succeed again once the store is back",
			},
			{
				Probe:     "invariant_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No item may break the stock invariants",
			},
		},
		Duration:    observe,
		SampleEvery: sampleEvery(observe),
	}
}

func sampleEvery(observe time.Duration) time.Duration {
	if observe <= 0 {
		return time.Second
	}
	return min(observe/5+1, time.Second)
}

// InvariantProbe counts items whose stock or journal is inconsistent.
func InvariantProbe(st store.Store) Probe {
	return Probe{
		Name: "invariant_violations",
		Query: func(ctx context.Context) (float64, error) {
			n, err := CountViolations(ctx, st)
			return float64(n), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// CountViolations checks every item: 0 <= available <= total, total minus
// available equals the quantity held by open records, terminal records carry
// closed_at, and the journal versions run 1..item.Version without gaps.
func CountViolations(ctx context.Context, st store.Store) (int, error) {
	items, err := st.ListItems(ctx)
	if err != nil {
		return 0, fmt.Errorf("list items: %w", err)
	}
	violations := 0
	for _, item := range items {
		ok, err := itemConsistent(ctx, st, item)
		if err != nil {
			return 0, err
		}
		if !ok {
			violations++
		}
	}
	return violations, nil
}

func itemConsistent(ctx context.Context, st store.Store, item *inventory.Item) (bool, error) {
	if item.AvailableQuantity < 0 || item.AvailableQuantity > item.TotalQuantity {
		return false, nil
	}
	recs, err := st.ListByItem(ctx, item.ID)
	if err != nil {
		return false, fmt.Errorf("list records for %s: %w", item.ID, err)
	}
	onLoan := 0
	for _, rec := range recs {
		if rec.State.Open() {
			onLoan += rec.Quantity
		}
		if rec.State.Terminal() && rec.ClosedAt == nil {
			return false, nil
		}
	}
	if item.OnLoan() != onLoan {
		return false, nil
	}

	events, err := st.Events(ctx, item.ID)
	if err != nil {
		return false, fmt.Errorf("events for %s: %w", item.ID, err)
	}
	for i, ev := range events {
		if ev.Version != i+1 {
			return false, nil
		}
	}
	return len(events) == item.Version, nil
}

// Canary reserves and releases one unit of a dedicated item.
type Canary struct {
	target Target
	mu     sync.Mutex
	itemID uuid.UUID
}

// Probe reports 1 when a canary round trip succeeds and 0 when it fails.
func (c *Canary) Probe() Probe {
	return Probe{
		Name: "canary_checkout",
		Query: func(ctx context.Context) (float64, error) {
			if err := c.checkout(ctx); err != nil {
				return 0, nil
			}
			return 1, nil
		},
		Threshold: Threshold{Operator: "==", Value: 1},
	}
}

func (c *Canary) checkout(ctx context.Context) error {
	id, err := c.item(ctx)
	if err != nil {
		return err
	}
	rec, err := c.target.Ledger.Reserve(ctx, circulation.ReserveRequest{
		ItemID:   id,
		HolderID: "chaos-canary",
		Quantity: 1,
		IssuedBy: chaosActor,
	})
	if err != nil {
		return err
	}
	_, err = c.target.Ledger.Release(ctx, rec.ID, circulation.Resolution{Actor: chaosActor})
	return err
}

func (c *Canary) item(ctx context.Context) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.itemID != uuid.Nil {
		return c.itemID, nil
	}
	item, err := c.target.Catalog.CreateItem(ctx, catalog.NewItem{
		Name:          "chaos canary",
		Category:      "chaos",
		TotalQuantity: 1,
		Actor:         chaosActor,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("create canary item: %w", err)
	}
	c.itemID = item.ID
	return c.itemID, nil
}
