package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/stgeng/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository.
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
		`CREATE TABLE IF NOT EXISTS orders (
			order_id INTEGER PRIMARY KEY,
			client_order_id TEXT NOT NULL,
			exch_order_id TEXT NOT NULL DEFAULT '',
			stg_id INTEGER NOT NULL,
			stg_inst_id INTEGER NOT NULL,
			acct_id INTEGER NOT NULL,
			market_code INTEGER NOT NULL,
			symbol_type INTEGER NOT NULL,
			symbol_code TEXT NOT NULL,
			side INTEGER NOT NULL,
			pos_side INTEGER NOT NULL,
			price TEXT NOT NULL,
			size TEXT NOT NULL,
			status INTEGER NOT NULL,
			filled_size TEXT NOT NULL DEFAULT '0',
			avg_filled_price TEXT NOT NULL DEFAULT '0',
			fee TEXT NOT NULL DEFAULT '0',
			fee_currency TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			status_msg TEXT NOT NULL DEFAULT '',
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			is_open INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_open ON orders(stg_id, is_open)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_updated ON orders(updated_at)`,

		`CREATE TABLE IF NOT EXISTS pnl_records (
			id TEXT PRIMARY KEY,
			stg_id INTEGER NOT NULL,
			stg_inst_id INTEGER NOT NULL,
			currency TEXT NOT NULL,
			realized TEXT NOT NULL,
			unrealized TEXT NOT NULL,
			fee TEXT NOT NULL,
			total TEXT NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pnl_inst_time ON pnl_records(stg_inst_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS stg_private_data (
			stg_id INTEGER NOT NULL,
			stg_inst_id INTEGER NOT NULL,
			data BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (stg_id, stg_inst_id)
		)`,

		`CREATE TABLE IF NOT EXISTS his_md (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL,
			ts INTEGER NOT NULL,
			data BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_his_md_topic_ts ON his_md(topic, ts)`,
	}

	for _, m := range migrations {
		if _, err := r.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

const orderColumns = `order_id, client_order_id, exch_order_id, stg_id, stg_inst_id, acct_id, market_code, symbol_type,
	symbol_code, side, pos_side, price, size, status, filled_size, avg_filled_price, fee, fee_currency, status_code,
	status_msg, cancel_requested, created_at, updated_at`

// SaveOrders upserts a batch of orders in one transaction.
func (r *SQLiteRepository) SaveOrders(ctx context.Context, orders []types.OrderInfo) error {
	if len(orders) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO orders (`+orderColumns+`, is_open)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare order upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, o := range orders {
		_, err := stmt.ExecContext(ctx,
			o.OrderID,
			o.ClientOrderID,
			o.ExchOrderID,
			o.StgID,
			o.StgInstID,
			o.AcctID,
			o.MarketCode,
			o.SymbolType,
			o.SymbolCode,
			o.Side,
			o.PosSide,
			o.Price.String(),
			o.Size.String(),
			o.Status,
			o.FilledSize.String(),
			o.AvgFilledPrice.String(),
			o.Fee.String(),
			o.FeeCurrency,
			o.StatusCode,
			o.StatusMsg,
			o.CancelRequested,
			o.CreatedAt,
			o.UpdatedAt,
			!o.Status.IsFinal(),
		)
		if err != nil {
			return fmt.Errorf("upsert order %d: %w", o.OrderID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit orders: %w", err)
	}
	return nil
}

// GetOrder returns one order, or nil if it is not stored.
func (r *SQLiteRepository) GetOrder(ctx context.Context, id types.OrderID) (*types.OrderInfo, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// LoadOpenOrders returns the non-terminal orders of a strategy, oldest first.
func (r *SQLiteRepository) LoadOpenOrders(ctx context.Context, stg types.StgID) ([]types.OrderInfo, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE stg_id = ? AND is_open = 1 ORDER BY order_id`, stg)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orders []types.OrderInfo
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		orders = append(orders, o)
	}

	return orders, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (types.OrderInfo, error) {
	var o types.OrderInfo
	var price, size, filled, avg, fee string

	err := s.Scan(&o.OrderID, &o.ClientOrderID, &o.ExchOrderID, &o.StgID, &o.StgInstID, &o.AcctID,
		&o.MarketCode, &o.SymbolType, &o.SymbolCode, &o.Side, &o.PosSide, &price, &size, &o.Status,
		&filled, &avg, &fee, &o.FeeCurrency, &o.StatusCode, &o.StatusMsg, &o.CancelRequested,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return types.OrderInfo{}, err
	}

	o.Price, _ = decimal.NewFromString(price)
	o.Size, _ = decimal.NewFromString(size)
	o.FilledSize, _ = decimal.NewFromString(filled)
	o.AvgFilledPrice, _ = decimal.NewFromString(avg)
	o.Fee, _ = decimal.NewFromString(fee)
	return o, nil
}

// PurgeClosedOrdersBefore deletes terminal orders last updated before t.
func (r *SQLiteRepository) PurgeClosedOrdersBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE is_open = 0 AND updated_at < ?`, t)
	if err != nil {
		return 0, fmt.Errorf("purge orders: %w", err)
	}
	return res.RowsAffected()
}

// SavePnlRecord stores a PnL sample. An empty ID is filled with a new uuid.
func (r *SQLiteRepository) SavePnlRecord(ctx context.Context, rec PnlRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	query := `INSERT INTO pnl_records (id, stg_id, stg_inst_id, currency, realized, unrealized, fee, total, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.StgID,
		rec.StgInstID,
		rec.Currency,
		rec.Realized.String(),
		rec.Unrealized.String(),
		rec.Fee.String(),
		rec.Total.String(),
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert pnl record: %w", err)
	}

	return nil
}

// GetPnlHistory returns the PnL samples of an instance in a time range, oldest first.
func (r *SQLiteRepository) GetPnlHistory(ctx context.Context, inst types.StgInstID, from, to time.Time) ([]PnlRecord, error) {
	query := `SELECT id, stg_id, stg_inst_id, currency, realized, unrealized, fee, total, timestamp
		FROM pnl_records WHERE stg_inst_id = ? AND timestamp BETWEEN ? AND ? ORDER BY timestamp ASC`

	rows, err := r.db.QueryContext(ctx, query, inst, from, to)
	if err != nil {
		return nil, fmt.Errorf("query pnl records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []PnlRecord
	for rows.Next() {
		var rec PnlRecord
		var realized, unrealized, fee, total string

		if err := rows.Scan(&rec.ID, &rec.StgID, &rec.StgInstID, &rec.Currency,
			&realized, &unrealized, &fee, &total, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		rec.Realized, _ = decimal.NewFromString(realized)
		rec.Unrealized, _ = decimal.NewFromString(unrealized)
		rec.Fee, _ = decimal.NewFromString(fee)
		rec.Total, _ = decimal.NewFromString(total)

		records = append(records, rec)
	}

	return records, rows.Err()
}

// SavePrivateData replaces the private data blob of a strategy instance.
func (r *SQLiteRepository) SavePrivateData(ctx context.Context, stg types.StgID, inst types.StgInstID, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	query := `INSERT OR REPLACE INTO stg_private_data (stg_id, stg_inst_id, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)`

	if _, err := r.db.ExecContext(ctx, query, stg, inst, data); err != nil {
		return fmt.Errorf("%w: save %d/%d: %v", types.ErrPrivateDataFailed, stg, inst, err)
	}
	return nil
}

// LoadPrivateData returns the private data blob of a strategy instance.
func (r *SQLiteRepository) LoadPrivateData(ctx context.Context, stg types.StgID, inst types.StgInstID) ([]byte, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT data FROM stg_private_data WHERE stg_id = ? AND stg_inst_id = ?`, stg, inst).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d/%d", types.ErrPrivateDataNotFound, stg, inst)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %d/%d: %v", types.ErrPrivateDataFailed, stg, inst, err)
	}
	return data, nil
}

// SaveHisMD records one market data payload.
func (r *SQLiteRepository) SaveHisMD(ctx context.Context, rec types.HisMDRecord) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO his_md (topic, ts, data) VALUES (?, ?, ?)`,
		rec.Topic, rec.Timestamp.UnixNano(), rec.Data)
	if err != nil {
		return fmt.Errorf("insert his md: %w", err)
	}
	return nil
}

// QueryHisMDAfter returns up to num records of topic strictly after ts, oldest first.
func (r *SQLiteRepository) QueryHisMDAfter(ctx context.Context, topic string, ts time.Time, num int) ([]types.HisMDRecord, error) {
	return r.queryHisMD(ctx, `SELECT topic, ts, data FROM his_md WHERE topic = ? AND ts > ? ORDER BY ts ASC, id ASC LIMIT ?`,
		false, topic, ts.UnixNano(), num)
}

// QueryHisMDBefore returns up to num records of topic strictly before ts, oldest first.
func (r *SQLiteRepository) QueryHisMDBefore(ctx context.Context, topic string, ts time.Time, num int) ([]types.HisMDRecord, error) {
	return r.queryHisMD(ctx, `SELECT topic, ts, data FROM his_md WHERE topic = ? AND ts < ? ORDER BY ts DESC, id DESC LIMIT ?`,
		true, topic, ts.UnixNano(), num)
}

// QueryHisMDBetween returns up to limit records of topic in [begin, end], oldest first.
func (r *SQLiteRepository) QueryHisMDBetween(ctx context.Context, topic string, begin, end time.Time, limit int) ([]types.HisMDRecord, error) {
	return r.queryHisMD(ctx, `SELECT topic, ts, data FROM his_md WHERE topic = ? AND ts >= ? AND ts <= ? ORDER BY ts ASC, id ASC LIMIT ?`,
		false, topic, begin.UnixNano(), end.UnixNano(), limit)
}

func (r *SQLiteRepository) queryHisMD(ctx context.Context, query string, reverse bool, args ...any) ([]types.HisMDRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrHisMDQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var records []types.HisMDRecord
	for rows.Next() {
		var rec types.HisMDRecord
		var ts int64
		if err := rows.Scan(&rec.Topic, &ts, &rec.Data); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", types.ErrHisMDQueryFailed, err)
		}
		rec.Timestamp = time.Unix(0, ts)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrHisMDQueryFailed, err)
	}

	if reverse {
		slices.Reverse(records)
	}
	return records, nil
}

var _ Repository = (*SQLiteRepository)(nil)
