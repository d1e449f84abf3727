// internal/store/memory/store.go
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"checkoutledger/internal/inventory"
	"checkoutledger/internal/store"

	"github.com/google/uuid"
)

// DefaultLockTimeout bounds how long Update waits for an item lock.
const DefaultLockTimeout = 2 * time.Second

// Store keeps the ledger in process memory. Committed state sits behind mu;
// the per-item locks only serialize writers, so readers never wait on them.
type Store struct {
	mu       sync.RWMutex
	items    map[uuid.UUID]*inventory.Item
	records  map[uuid.UUID]*inventory.CheckoutRecord
	byItem   map[uuid.UUID][]uuid.UUID
	byHolder map[string][]uuid.UUID
	events   map[uuid.UUID][]inventory.Event
	eventSeq int64

	locksMu     sync.Mutex
	locks       map[uuid.UUID]chan struct{}
	lockTimeout time.Duration
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout sets the bounded wait for item locks.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		items:       make(map[uuid.UUID]*inventory.Item),
		records:     make(map[uuid.UUID]*inventory.CheckoutRecord),
		byItem:      make(map[uuid.UUID][]uuid.UUID),
		byHolder:    make(map[string][]uuid.UUID),
		events:      make(map[uuid.UUID][]inventory.Event),
		locks:       make(map[uuid.UUID]chan struct{}),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) InsertItem(_ context.Context, item *inventory.Item, ev inventory.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("item %s already exists", item.ID)
	}
	s.items[item.ID] = item.Clone()
	s.appendLocked(ev)
	return nil
}

func (s *Store) GetItem(_ context.Context, id uuid.UUID) (*inventory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, inventory.ErrNotFound)
	}
	return item.Clone(), nil
}

func (s *Store) ListItems(_ context.Context) ([]*inventory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]*inventory.Item, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item.Clone())
	}
	sort.Slice(items, func(i, j int) bool {
		if c := strings.Compare(items[i].Name, items[j].Name); c != 0 {
			return c < 0
		}
		return items[i].ID.String() < items[j].ID.String()
	})
	return items, nil
}

func (s *Store) GetRecord(_ context.Context, id uuid.UUID) (*inventory.CheckoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("checkout %s: %w", id, inventory.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) ListByItem(_ context.Context, itemID uuid.UUID) ([]*inventory.CheckoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byItem[itemID]), nil
}

func (s *Store) ListByHolder(_ context.Context, holderID string) ([]*inventory.CheckoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byHolder[holderID]), nil
}

func (s *Store) ListActiveOrOverdue(_ context.Context) ([]*inventory.CheckoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*inventory.CheckoutRecord, 0)
	for _, rec := range s.records {
		if rec.State.Open() {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *Store) Events(_ context.Context, itemID uuid.UUID) ([]inventory.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.items[itemID]; !ok {
		return nil, fmt.Errorf("item %s: %w", itemID, inventory.ErrNotFound)
	}
	return append([]inventory.Event(nil), s.events[itemID]...), nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Update takes the item lock, runs fn against a buffered transaction and
// publishes the buffered writes in one step under mu.
func (s *Store) Update(ctx context.Context, itemID uuid.UUID, fn func(tx store.Tx) error) error {
	release, err := s.acquire(ctx, itemID)
	if err != nil {
		return err
	}
	defer release()

	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return err
	}

	tx := &memTx{
		store:   s,
		item:    item,
		pending: make(map[uuid.UUID]*inventory.CheckoutRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *Store) acquire(ctx context.Context, itemID uuid.UUID) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("item %s: %w: %w", itemID, inventory.ErrContention, err)
	}

	// Locks are only created for stored items so unknown ids cannot grow
	// the lock table. Items are never removed, so the check stays valid.
	s.mu.RLock()
	_, exists := s.items[itemID]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("item %s: %w", itemID, inventory.ErrNotFound)
	}

	s.locksMu.Lock()
	lock, ok := s.locks[itemID]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[itemID] = lock
	}
	s.locksMu.Unlock()

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-timer.C:
		return nil, fmt.Errorf("item %s: lock wait exceeded %s: %w", itemID, s.lockTimeout, inventory.ErrContention)
	case <-ctx.Done():
		return nil, fmt.Errorf("item %s: %w: %w", itemID, inventory.ErrContention, ctx.Err())
	}
}

func (s *Store) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.itemDirty {
		s.items[tx.item.ID] = tx.item.Clone()
	}
	for _, id := range tx.inserted {
		rec := tx.pending[id]
		s.byItem[rec.ItemID] = append(s.byItem[rec.ItemID], rec.ID)
		s.byHolder[rec.HolderID] = append(s.byHolder[rec.HolderID], rec.ID)
	}
	for id, rec := range tx.pending {
		s.records[id] = rec.Clone()
	}
	for _, ev := range tx.events {
		s.appendLocked(ev)
	}
}

func (s *Store) appendLocked(ev inventory.Event) {
	s.eventSeq++
	ev.ID = s.eventSeq
	s.events[ev.ItemID] = append(s.events[ev.ItemID], ev)
}

func (s *Store) collectLocked(ids []uuid.UUID) []*inventory.CheckoutRecord {
	out := make([]*inventory.CheckoutRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.records[id].Clone())
	}
	sortRecords(out)
	return out
}

func sortRecords(recs []*inventory.CheckoutRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].IssuedAt.Equal(recs[j].IssuedAt) {
			return recs[i].IssuedAt.Before(recs[j].IssuedAt)
		}
		return recs[i].ID.String() < recs[j].ID.String()
	})
}

// memTx buffers writes until Update commits them.
type memTx struct {
	store     *Store
	item      *inventory.Item
	itemDirty bool
	pending   map[uuid.UUID]*inventory.CheckoutRecord
	inserted  []uuid.UUID
	events    []inventory.Event
}

func (tx *memTx) Item() *inventory.Item { return tx.item.Clone() }

func (tx *memTx) SaveItem(item *inventory.Item) error {
	if item.ID != tx.item.ID {
		return fmt.Errorf("transaction is scoped to item %s, got %s", tx.item.ID, item.ID)
	}
	tx.item = item.Clone()
	tx.itemDirty = true
	return nil
}

func (tx *memTx) Record(id uuid.UUID) (*inventory.CheckoutRecord, error) {
	if rec, ok := tx.pending[id]; ok {
		return rec.Clone(), nil
	}
	rec, err := tx.store.GetRecord(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if rec.ItemID != tx.item.ID {
		return nil, fmt.Errorf("checkout %s does not belong to item %s: %w", id, tx.item.ID, inventory.ErrNotFound)
	}
	return rec, nil
}

func (tx *memTx) InsertRecord(rec *inventory.CheckoutRecord) error {
	if rec.ItemID != tx.item.ID {
		return fmt.Errorf("transaction is scoped to item %s, got record for %s", tx.item.ID, rec.ItemID)
	}
	if _, ok := tx.pending[rec.ID]; ok {
		return fmt.Errorf("checkout %s already exists", rec.ID)
	}
	if _, err := tx.store.GetRecord(context.Background(), rec.ID); err == nil {
		return fmt.Errorf("checkout %s already exists", rec.ID)
	}
	tx.pending[rec.ID] = rec.Clone()
	tx.inserted = append(tx.inserted, rec.ID)
	return nil
}

func (tx *memTx) SaveRecord(rec *inventory.CheckoutRecord) error {
	if _, err := tx.Record(rec.ID); err != nil {
		return err
	}
	tx.pending[rec.ID] = rec.Clone()
	return nil
}

func (tx *memTx) Append(ev inventory.Event) error {
	if ev.ItemID != tx.item.ID {
		return fmt.Errorf("transaction is scoped to item %s, got event for %s", tx.item.ID, ev.ItemID)
	}
	tx.events = append(tx.events, ev)
	return nil
}
