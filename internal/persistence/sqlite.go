package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/maker-exec/internal/status"
	"github.com/tathienbao/maker-exec/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var _ Repository = (*SQLiteRepository)(nil)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (and migrates) the journal at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sell_intents (
			id TEXT PRIMARY KEY,
			instrument TEXT NOT NULL,
			side TEXT NOT NULL,
			requested_size TEXT NOT NULL,
			floor_price TEXT NOT NULL,
			status TEXT NOT NULL,
			filled_total TEXT NOT NULL DEFAULT '0',
			remaining TEXT NOT NULL DEFAULT '0',
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sell_intents_status ON sell_intents(status)`,

		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			intent_id TEXT NOT NULL,
			client_order_id TEXT NOT NULL DEFAULT '',
			instrument TEXT NOT NULL,
			price TEXT NOT NULL,
			size TEXT NOT NULL,
			filled TEXT NOT NULL DEFAULT '0',
			state TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_intent ON orders(intent_id)`,

		`CREATE TABLE IF NOT EXISTS status_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			intent_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			state TEXT NOT NULL,
			order_id TEXT NOT NULL DEFAULT '',
			price TEXT NOT NULL DEFAULT '0',
			filled_total TEXT NOT NULL DEFAULT '0',
			remaining TEXT NOT NULL DEFAULT '0',
			message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_status_events_intent ON status_events(intent_id, id)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// SaveIntent inserts or replaces an intent.
func (r *SQLiteRepository) SaveIntent(ctx context.Context, in IntentRecord) error {
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	if in.Status == "" {
		in.Status = StatusRunning
	}

	query := `INSERT OR REPLACE INTO sell_intents
		(id, instrument, side, requested_size, floor_price, status, filled_total, remaining, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		in.ID,
		in.Instrument,
		in.Side.String(),
		in.RequestedSize.String(),
		in.Floor.String(),
		in.Status,
		in.FilledTotal.String(),
		in.Remaining.String(),
		in.Error,
		in.CreatedAt.UTC(),
		now,
	)
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

// FinishIntent records the terminal outcome of an intent.
func (r *SQLiteRepository) FinishIntent(ctx context.Context, id string, res IntentResult) error {
	query := `UPDATE sell_intents SET status = ?, filled_total = ?, remaining = ?, error = ?, updated_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		res.Outcome,
		res.FilledTotal.String(),
		res.Remaining.String(),
		res.Error,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("finish intent: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish intent %s: %w", id, types.ErrIntentNotFound)
	}
	return nil
}

const intentColumns = `id, instrument, side, requested_size, floor_price, status, filled_total, remaining, error, created_at, updated_at`

// GetIntent returns one intent.
func (r *SQLiteRepository) GetIntent(ctx context.Context, id string) (*IntentRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM sell_intents WHERE id = ?`, id)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("intent %s: %w", id, types.ErrIntentNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// ListIntents returns the most recent intents first.
func (r *SQLiteRepository) ListIntents(ctx context.Context, limit int) ([]IntentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+intentColumns+` FROM sell_intents ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query intents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanIntents(rows)
}

// GetRunningIntents returns intents without a terminal outcome.
func (r *SQLiteRepository) GetRunningIntents(ctx context.Context) ([]IntentRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+intentColumns+` FROM sell_intents WHERE status = ? ORDER BY created_at`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("query running intents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanIntents(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(s scanner) (IntentRecord, error) {
	var in IntentRecord
	var side, size, floor, filled, remaining string

	if err := s.Scan(&in.ID, &in.Instrument, &side, &size, &floor, &in.Status, &filled, &remaining, &in.Error, &in.CreatedAt, &in.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return in, err
		}
		return in, fmt.Errorf("scan intent: %w", err)
	}

	in.Side = types.ParseSide(side)
	in.RequestedSize, _ = decimal.NewFromString(size)
	in.Floor, _ = decimal.NewFromString(floor)
	in.FilledTotal, _ = decimal.NewFromString(filled)
	in.Remaining, _ = decimal.NewFromString(remaining)
	return in, nil
}

func scanIntents(rows *sql.Rows) ([]IntentRecord, error) {
	var intents []IntentRecord
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// SaveOrder inserts or replaces an order.
func (r *SQLiteRepository) SaveOrder(ctx context.Context, o OrderRecord) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}

	query := `INSERT OR REPLACE INTO orders
		(order_id, intent_id, client_order_id, instrument, price, size, filled, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		o.OrderID,
		o.IntentID,
		o.ClientOrderID,
		o.Instrument,
		o.Price.String(),
		o.Size.String(),
		o.Filled.String(),
		o.State.String(),
		o.CreatedAt.UTC(),
		now,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrder records an order's latest state and cumulative fill.
func (r *SQLiteRepository) UpdateOrder(ctx context.Context, orderID string, state types.OrderState, filled decimal.Decimal) error {
	query := `UPDATE orders SET state = ?, filled = ?, updated_at = ? WHERE order_id = ?`

	if _, err := r.db.ExecContext(ctx, query, state.String(), filled.String(), time.Now().UTC(), orderID); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

const orderColumns = `order_id, intent_id, client_order_id, instrument, price, size, filled, state, created_at, updated_at`

// GetOrders returns an intent's orders in placement order.
func (r *SQLiteRepository) GetOrders(ctx context.Context, intentID string) ([]OrderRecord, error) {
	return r.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE intent_id = ? ORDER BY created_at, order_id`, intentID)
}

// GetOpenOrders returns an intent's orders last seen open.
func (r *SQLiteRepository) GetOpenOrders(ctx context.Context, intentID string) ([]OrderRecord, error) {
	return r.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE intent_id = ? AND state IN (?, ?, ?) ORDER BY created_at, order_id`,
		intentID,
		types.OrderStateLive.String(),
		types.OrderStatePartiallyFilled.String(),
		types.OrderStateUnknown.String(),
	)
}

func (r *SQLiteRepository) queryOrders(ctx context.Context, query string, args ...any) ([]OrderRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orders []OrderRecord
	for rows.Next() {
		var o OrderRecord
		var price, size, filled, state string

		if err := rows.Scan(&o.OrderID, &o.IntentID, &o.ClientOrderID, &o.Instrument, &price, &size, &filled, &state, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}

		o.Price, _ = decimal.NewFromString(price)
		o.Size, _ = decimal.NewFromString(size)
		o.Filled, _ = decimal.NewFromString(filled)
		o.State = status.ParseState(state)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// AppendEvent appends a status event.
func (r *SQLiteRepository) AppendEvent(ctx context.Context, e EventRecord) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	query := `INSERT INTO status_events
		(intent_id, timestamp, state, order_id, price, filled_total, remaining, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		e.IntentID,
		e.Timestamp.UTC(),
		e.State,
		e.OrderID,
		e.Price.String(),
		e.FilledTotal.String(),
		e.Remaining.String(),
		e.Message,
	)
	if err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}
	return nil
}

// GetEvents returns the latest limit events of an intent, oldest first.
func (r *SQLiteRepository) GetEvents(ctx context.Context, intentID string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, intent_id, timestamp, state, order_id, price, filled_total, remaining, message
		FROM status_events WHERE intent_id = ? ORDER BY id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, intentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query status events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		var price, filled, remaining string

		if err := rows.Scan(&e.ID, &e.IntentID, &e.Timestamp, &e.State, &e.OrderID, &price, &filled, &remaining, &e.Message); err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}

		e.Price, _ = decimal.NewFromString(price)
		e.FilledTotal, _ = decimal.NewFromString(filled)
		e.Remaining, _ = decimal.NewFromString(remaining)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(events)
	return events, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
