// internal/store/postgres/store.go
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"checkoutledger/internal/inventory"
	"checkoutledger/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultLockTimeout = 2 * time.Second
	DefaultMaxRetries  = 5
)

// Postgres error codes the store reacts to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
)

// errConflict marks a lost race that is safe to replay from scratch.
var errConflict = errors.New("concurrency conflict: version mismatch")

// Store persists the ledger in PostgreSQL. Item mutations lock the item row
// with SELECT ... FOR UPDATE under a bounded lock_timeout.
type Store struct {
	db          *sqlx.DB
	tracer      trace.Tracer
	lockTimeout time.Duration
	maxRetries  int
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithMaxRetries caps replays after serialization failures, deadlocks and
// journal version conflicts.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// Open connects with lib/pq. The caller owns the returned store.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db, opts...), nil
}

func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		tracer:      otel.Tracer("checkoutledger/store/postgres"),
		lockTimeout: DefaultLockTimeout,
		maxRetries:  DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB { return s.db.DB }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w: %v", inventory.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) InsertItem(ctx context.Context, item *inventory.Item, ev inventory.Event) error {
	ctx, span := s.tracer.Start(ctx, "store.insert_item",
		trace.WithAttributes(attribute.String("item.id", item.ID.String())),
	)
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (:id, :name, :category, :total_quantity, :available_quantity, :size_options, :color_options,
			:low_stock_threshold, :condition, :notes, :version, :created_at, :updated_at)
	`, toItemRow(item)); err != nil {
		span.RecordError(err)
		return classify("insert item", err)
	}
	if err := appendEvent(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, id uuid.UUID) (*inventory.Item, error) {
	ctx, span := s.tracer.Start(ctx, "store.get_item",
		trace.WithAttributes(attribute.String("item.id", id.String())),
	)
	defer span.End()

	var row itemRow
	err := s.db.GetContext(ctx, &row, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", id, inventory.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get item", err)
	}
	return row.toItem(), nil
}

func (s *Store) ListItems(ctx context.Context) ([]*inventory.Item, error) {
	ctx, span := s.tracer.Start(ctx, "store.list_items")
	defer span.End()

	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+itemColumns+` FROM items ORDER BY name, id`); err != nil {
		return nil, classify("list items", err)
	}
	items := make([]*inventory.Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toItem())
	}
	span.SetAttributes(attribute.Int("items.loaded", len(items)))
	return items, nil
}

func (s *Store) GetRecord(ctx context.Context, id uuid.UUID) (*inventory.CheckoutRecord, error) {
	ctx, span := s.tracer.Start(ctx, "store.get_record",
		trace.WithAttributes(attribute.String("record.id", id.String())),
	)
	defer span.End()

	var row recordRow
	err := s.db.GetContext(ctx, &row, `SELECT `+recordColumns+` FROM checkouts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkout %s: %w", id, inventory.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get checkout", err)
	}
	return row.toRecord()
}

func (s *Store) ListByItem(ctx context.Context, itemID uuid.UUID) ([]*inventory.CheckoutRecord, error) {
	return s.listRecords(ctx, "store.list_by_item",
		`SELECT `+recordColumns+` FROM checkouts WHERE item_id = $1 ORDER BY issued_at, id`, itemID)
}

func (s *Store) ListByHolder(ctx context.Context, holderID string) ([]*inventory.CheckoutRecord, error) {
	return s.listRecords(ctx, "store.list_by_holder",
		`SELECT `+recordColumns+` FROM checkouts WHERE holder_id = $1 ORDER BY issued_at, id`, holderID)
}

func (s *Store) ListActiveOrOverdue(ctx context.Context) ([]*inventory.CheckoutRecord, error) {
	return s.listRecords(ctx, "store.list_open",
		`SELECT `+recordColumns+` FROM checkouts WHERE state IN ('active', 'overdue') ORDER BY issued_at, id`)
}

func (s *Store) listRecords(ctx context.Context, name, query string, args ...any) ([]*inventory.CheckoutRecord, error) {
	ctx, span := s.tracer.Start(ctx, name)
	defer span.End()

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify("list checkouts", err)
	}
	span.SetAttributes(attribute.Int("records.loaded", len(rows)))
	return toRecords(rows)
}

// Events loads the journal of one item in version order.
func (s *Store) Events(ctx context.Context, itemID uuid.UUID) ([]inventory.Event, error) {
	ctx, span := s.tracer.Start(ctx, "store.events",
		trace.WithAttributes(attribute.String("item.id", itemID.String())),
	)
	defer span.End()

	if _, err := s.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	var events []inventory.Event
	if err := s.db.SelectContext(ctx, &events,
		`SELECT `+eventColumns+` FROM ledger_events WHERE item_id = $1 ORDER BY version ASC`, itemID); err != nil {
		return nil, classify("load events", err)
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// Update runs fn with the item row locked. Serialization failures, deadlocks
// and journal conflicts are replayed up to maxRetries times; a lock wait past
// lockTimeout fails immediately with ErrContention.
func (s *Store) Update(ctx context.Context, itemID uuid.UUID, fn func(tx store.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "store.update",
		trace.WithAttributes(attribute.String("item.id", itemID.String())),
	)
	defer span.End()

	for attempt := 0; ; attempt++ {
		err := s.updateOnce(ctx, itemID, fn)
		if !errors.Is(err, errConflict) {
			if err != nil {
				span.RecordError(err)
			}
			return err
		}
		if attempt >= s.maxRetries {
			span.SetAttributes(attribute.Bool("conflict.exhausted", true))
			return fmt.Errorf("item %s: %d retries exhausted: %w", itemID, s.maxRetries, inventory.ErrContention)
		}
		span.AddEvent("store.retry", trace.WithAttributes(attribute.Int("attempt", attempt+1)))

		select {
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		case <-ctx.Done():
			return fmt.Errorf("item %s: %w: %w", itemID, inventory.ErrContention, ctx.Err())
		}
	}
}

func (s *Store) updateOnce(ctx context.Context, itemID uuid.UUID, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classifyCtx(ctx, "begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return classifyCtx(ctx, "set lock timeout", err)
	}

	var row itemRow
	err = tx.GetContext(ctx, &row, `SELECT `+itemColumns+` FROM items WHERE id = $1 FOR UPDATE`, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("item %s: %w", itemID, inventory.ErrNotFound)
	}
	if err != nil {
		return classifyCtx(ctx, "lock item", err)
	}

	ptx := &pgTx{ctx: ctx, tx: tx, item: row.toItem()}
	if err := fn(ptx); err != nil {
		return classifyCtx(ctx, "update item", err)
	}
	if err := tx.Commit(); err != nil {
		return classifyCtx(ctx, "commit transaction", err)
	}
	return nil
}

// pgTx writes straight into the open transaction; rollback discards it all.
type pgTx struct {
	ctx  context.Context
	tx   *sqlx.Tx
	item *inventory.Item
}

func (t *pgTx) Item() *inventory.Item { return t.item.Clone() }

func (t *pgTx) SaveItem(item *inventory.Item) error {
	if item.ID != t.item.ID {
		return fmt.Errorf("transaction is scoped to item %s, got %s", t.item.ID, item.ID)
	}
	_, err := t.tx.NamedExecContext(t.ctx, `
		UPDATE items
		SET name = :name, category = :category, total_quantity = :total_quantity,
			available_quantity = :available_quantity, size_options = :size_options,
			color_options = :color_options, low_stock_threshold = :low_stock_threshold,
			condition = :condition, notes = :notes, version = :version, updated_at = :updated_at
		WHERE id = :id
	`, toItemRow(item))
	if err != nil {
		return fmt.Errorf("save item: %w", err)
	}
	t.item = item.Clone()
	return nil
}

func (t *pgTx) Record(id uuid.UUID) (*inventory.CheckoutRecord, error) {
	var row recordRow
	err := t.tx.GetContext(t.ctx, &row,
		`SELECT `+recordColumns+` FROM checkouts WHERE id = $1 AND item_id = $2`, id, t.item.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkout %s on item %s: %w", id, t.item.ID, inventory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkout: %w", err)
	}
	return row.toRecord()
}

func (t *pgTx) InsertRecord(rec *inventory.CheckoutRecord) error {
	if rec.ItemID != t.item.ID {
		return fmt.Errorf("transaction is scoped to item %s, got record for %s", t.item.ID, rec.ItemID)
	}
	_, err := t.tx.NamedExecContext(t.ctx, `
		INSERT INTO checkouts (`+recordColumns+`)
		VALUES (:id, :item_id, :holder_id, :quantity, :size, :color, :issued_at, :due_at, :state,
			:closed_at, :issued_by, :closed_by, :batch_id, :notes)
	`, toRecordRow(rec))
	if err != nil {
		return fmt.Errorf("insert checkout: %w", err)
	}
	return nil
}

func (t *pgTx) SaveRecord(rec *inventory.CheckoutRecord) error {
	res, err := t.tx.NamedExecContext(t.ctx, `
		UPDATE checkouts
		SET state = :state, closed_at = :closed_at, closed_by = :closed_by, notes = :notes
		WHERE id = :id AND item_id = :item_id
	`, toRecordRow(rec))
	if err != nil {
		return fmt.Errorf("save checkout: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("checkout %s: %w", rec.ID, inventory.ErrNotFound)
	}
	return nil
}

func (t *pgTx) Append(ev inventory.Event) error {
	if ev.ItemID != t.item.ID {
		return fmt.Errorf("transaction is scoped to item %s, got event for %s", t.item.ID, ev.ItemID)
	}
	return appendEvent(t.ctx, t.tx, ev)
}

func appendEvent(ctx context.Context, tx *sqlx.Tx, ev inventory.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_events (item_id, version, event_type, record_id, quantity, total_after,
			available_after, reason, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ev.ItemID, ev.Version, string(ev.Type), ev.RecordID, ev.Quantity, ev.TotalAfter,
		ev.AvailableAfter, ev.Reason, ev.Actor, ev.CreatedAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation {
			return errConflict
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// classifyCtx is classify, except that a statement cancelled because the
// caller's context ended reads as contention rather than an outage.
func classifyCtx(ctx context.Context, op string, err error) error {
	var pqErr *pq.Error
	if ctx.Err() != nil && (errors.As(err, &pqErr) && pqErr.Code == codeQueryCanceled ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return fmt.Errorf("%s: %w: %w", op, inventory.ErrContention, ctx.Err())
	}
	return classify(op, err)
}

// classify maps driver failures onto the ledger's error classes. Errors that
// already carry a ledger class pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		errConflict,
		inventory.ErrValidation, inventory.ErrInsufficientStock, inventory.ErrInvalidTransition,
		inventory.ErrInvariantViolation, inventory.ErrContention, inventory.ErrNotFound,
		inventory.ErrStoreUnavailable,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == codeSerializationFailure, pqErr.Code == codeDeadlockDetected:
			return errConflict
		case pqErr.Code == codeLockNotAvailable:
			return fmt.Errorf("%s: %w", op, inventory.ErrContention)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "53", pqErr.Code.Class() == "57":
			return fmt.Errorf("%s: %w: %v", op, inventory.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", op, inventory.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
