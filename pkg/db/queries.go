// Package db provides the shared relational store for the trading steps and
// the refill pipeline. Every step commits in row-level increments, so each
// mutation here is an independently valid unit of work.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleStatus is returned when a conditional status transition matched
	// no row, meaning another step already moved the order forward.
	ErrStaleStatus = errors.New("order not in expected status")
)

// Queries provides typed access to the store. All methods are safe to call
// repeatedly; writes that guard on status are no-ops once the row has moved on.
type Queries struct {
	db *sql.DB
}

// NewQueries wraps a raw handle; prefer Database.Queries().
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// DB exposes the raw handle for ad-hoc statements.
func (q *Queries) DB() *sql.DB {
	return q.db
}

// ----------------------------------------
// Order queries
// ----------------------------------------

const orderColumns = `id, exec_date, code, side, qty, planned_price, ord_dvsn, status,
       filled_qty, avg_fill_price, broker_order_id, broker_org_id, last_api_resp,
       created_at, updated_at`

func scanOrder(row interface{ Scan(dest ...any) error }) (Order, error) {
	var o Order
	var planned, avgFill string
	err := row.Scan(&o.ID, &o.ExecDate, &o.Code, &o.Side, &o.Qty, &planned, &o.OrdDvsn,
		&o.Status, &o.FilledQty, &avgFill, &o.BrokerOrderID, &o.BrokerOrgID,
		&o.LastAPIResp, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	if o.PlannedPrice, err = decimal.NewFromString(planned); err != nil {
		return Order{}, fmt.Errorf("parse planned_price %q: %w", planned, err)
	}
	if o.AvgFillPrice, err = decimal.NewFromString(avgFill); err != nil {
		return Order{}, fmt.Errorf("parse avg_fill_price %q: %w", avgFill, err)
	}
	return o, nil
}

// ReplacePendingOrders atomically swaps the PENDING set for exec_date with the
// given orders. Orders past PENDING are never touched, which makes the signal
// step re-runnable any number of times before dispatch.
func (q *Queries) ReplacePendingOrders(ctx context.Context, execDate string, orders []Order) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM orders WHERE exec_date = ? AND status = ?`, execDate, StatusPending); err != nil {
		return fmt.Errorf("delete pending orders: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO orders (id, exec_date, code, side, qty, planned_price, ord_dvsn, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range orders {
		if _, err := stmt.ExecContext(ctx, o.ID, execDate, o.Code, o.Side, o.Qty,
			o.PlannedPrice.String(), o.OrdDvsn, StatusPending); err != nil {
			return fmt.Errorf("insert pending order %s/%s: %w", o.Code, o.Side, err)
		}
	}

	return tx.Commit()
}

// ListOrders returns orders for exec_date in any of the given statuses,
// ordered by creation.
func (q *Queries) ListOrders(ctx context.Context, execDate string, statuses ...string) ([]Order, error) {
	if len(statuses) == 0 {
		return nil, errors.New("at least one status is required")
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(statuses)+1)
	args = append(args, execDate)
	for _, s := range statuses {
		args = append(args, s)
	}

	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM orders
		WHERE exec_date = ? AND status IN (%s)
		ORDER BY created_at, code
	`, orderColumns, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetOrder fetches one order by ID.
func (q *Queries) GetOrder(ctx context.Context, id string) (Order, error) {
	row := q.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM orders WHERE id = ?`, orderColumns), id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

// MarkOrderSent transitions PENDING -> SENT, storing the broker identifiers.
// Returns ErrStaleStatus when the row is no longer PENDING.
func (q *Queries) MarkOrderSent(ctx context.Context, id, brokerOrderID, brokerOrgID, apiResp string) error {
	return q.transition(ctx, `
		UPDATE orders SET status = ?, broker_order_id = ?, broker_org_id = ?,
		       last_api_resp = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, StatusSent, brokerOrderID, brokerOrgID, apiResp, id, StatusPending)
}

// ResizeOrder shrinks a PENDING order's quantity before dispatch, e.g. when
// available cash no longer covers the planned size.
func (q *Queries) ResizeOrder(ctx context.Context, id string, qty int64) error {
	return q.transition(ctx, `
		UPDATE orders SET qty = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, qty, id, StatusPending)
}

// MarkOrderError moves an order to the terminal ERROR status with the broker
// message. Allowed from any non-terminal status.
func (q *Queries) MarkOrderError(ctx context.Context, id, message string) error {
	return q.transition(ctx, `
		UPDATE orders SET status = ?, last_api_resp = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?, ?, ?)
	`, StatusError, message, id, StatusPending, StatusSent, StatusPartial, StatusNotFound)
}

// ApplyFill records fill progress reported by the broker and moves the order
// to DONE or PARTIAL. Guarded so terminal rows are never rewound.
func (q *Queries) ApplyFill(ctx context.Context, id, status string, filledQty int64, avgPrice decimal.Decimal, apiResp string) error {
	if status != StatusDone && status != StatusPartial {
		return fmt.Errorf("invalid fill status %q", status)
	}
	return q.transition(ctx, `
		UPDATE orders SET status = ?, filled_qty = ?, avg_fill_price = ?,
		       last_api_resp = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?, ?)
	`, status, filledQty, avgPrice.String(), apiResp, id, StatusSent, StatusPartial, StatusNotFound)
}

// MarkOrderNotFound flags a dispatched order the broker has no record of yet.
func (q *Queries) MarkOrderNotFound(ctx context.Context, id string) error {
	return q.transition(ctx, `
		UPDATE orders SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?)
	`, StatusNotFound, id, StatusSent, StatusPartial)
}

// MarkOrderCancelled transitions a non-terminal dispatched order to CANCELLED.
func (q *Queries) MarkOrderCancelled(ctx context.Context, id, apiResp string) error {
	return q.transition(ctx, `
		UPDATE orders SET status = ?, last_api_resp = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?, ?)
	`, StatusCancelled, apiResp, id, StatusSent, StatusPartial, StatusNotFound)
}

func (q *Queries) transition(ctx context.Context, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleStatus
	}
	return nil
}

// OrderStatusCounts returns how many orders sit in each status for exec_date.
// Backs the status command.
func (q *Queries) OrderStatusCounts(ctx context.Context, execDate string) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM orders WHERE exec_date = ? GROUP BY status
	`, execDate)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ----------------------------------------
// Position queries
// ----------------------------------------

// ListPositions returns all current holdings.
func (q *Queries) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT code, name, qty, avg_price, entry_date, updated_at
		FROM positions ORDER BY code
	`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		var avg string
		if err := rows.Scan(&p.Code, &p.Name, &p.Qty, &avg, &p.EntryDate, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if p.AvgPrice, err = decimal.NewFromString(avg); err != nil {
			return nil, fmt.Errorf("parse avg_price %q: %w", avg, err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ReplacePositions rebuilds the positions table from broker-reported holdings.
// Broker truth wins wholesale: rows for codes the broker no longer reports are
// removed, and drifted quantities are overwritten rather than patched. The
// entry_date of a code that survives the replacement is preserved.
func (q *Queries) ReplacePositions(ctx context.Context, holdings []Position, entryDate string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	existing := make(map[string]string)
	rows, err := tx.QueryContext(ctx, `SELECT code, entry_date FROM positions`)
	if err != nil {
		return fmt.Errorf("query existing positions: %w", err)
	}
	for rows.Next() {
		var code, entry string
		if err := rows.Scan(&code, &entry); err != nil {
			rows.Close()
			return err
		}
		existing[code] = entry
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return fmt.Errorf("clear positions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO positions (code, name, qty, avg_price, entry_date, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, h := range holdings {
		entry := entryDate
		if prev, ok := existing[h.Code]; ok && prev != "" {
			entry = prev
		}
		if _, err := stmt.ExecContext(ctx, h.Code, h.Name, h.Qty, h.AvgPrice.String(), entry); err != nil {
			return fmt.Errorf("insert position %s: %w", h.Code, err)
		}
	}

	return tx.Commit()
}

// ----------------------------------------
// Refill progress queries
// ----------------------------------------

// RefillCandidate pairs a universe code with its persisted coverage.
type RefillCandidate struct {
	Code           string
	CoveredThrough string
	Attempts       int
}

// ListRefillCandidates returns universe codes whose backfill is not DONE,
// with their resume point. Codes without a progress row are included.
func (q *Queries) ListRefillCandidates(ctx context.Context) ([]RefillCandidate, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT s.code, COALESCE(r.covered_through_date, ''), COALESCE(r.attempts, 0)
		FROM stock_info s
		LEFT JOIN refill_progress r ON r.code = s.code
		WHERE r.status IS NULL OR r.status != ?
		ORDER BY s.code
	`, RefillDone)
	if err != nil {
		return nil, fmt.Errorf("query refill candidates: %w", err)
	}
	defer rows.Close()

	var out []RefillCandidate
	for rows.Next() {
		var c RefillCandidate
		if err := rows.Scan(&c.Code, &c.CoveredThrough, &c.Attempts); err != nil {
			return nil, fmt.Errorf("scan refill candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetRefillProgress fetches progress for one code; ErrNotFound when absent.
func (q *Queries) GetRefillProgress(ctx context.Context, code string) (RefillProgress, error) {
	var p RefillProgress
	var covered sql.NullString
	err := q.db.QueryRowContext(ctx, `
		SELECT code, status, covered_through_date, attempts, last_error, updated_at
		FROM refill_progress WHERE code = ?
	`, code).Scan(&p.Code, &p.Status, &covered, &p.Attempts, &p.LastError, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RefillProgress{}, ErrNotFound
	}
	if err != nil {
		return RefillProgress{}, fmt.Errorf("query refill progress: %w", err)
	}
	p.CoveredThrough = covered.String
	return p, nil
}

// AdvanceRefillProgress moves covered_through_date forward to date for code.
// The coverage date is monotonic: a date earlier than the stored one is
// silently ignored, so a replayed chunk can never rewind progress. DONE rows
// are immutable here; completion is never demoted back to IN_PROGRESS.
func (q *Queries) AdvanceRefillProgress(ctx context.Context, code, date string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO refill_progress (code, status, covered_through_date, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(code) DO UPDATE SET
			status = CASE
				WHEN refill_progress.status = ? THEN refill_progress.status
				ELSE excluded.status
			END,
			covered_through_date = CASE
				WHEN refill_progress.status = ? THEN refill_progress.covered_through_date
				WHEN refill_progress.covered_through_date IS NULL
				  OR excluded.covered_through_date > refill_progress.covered_through_date
				THEN excluded.covered_through_date
				ELSE refill_progress.covered_through_date
			END,
			updated_at = CURRENT_TIMESTAMP
	`, code, RefillInProgress, date, RefillDone, RefillDone)
	if err != nil {
		return fmt.Errorf("advance refill progress %s: %w", code, err)
	}
	return nil
}

// MarkRefillDone marks a code's backfill complete. DONE rows are never
// iterated again by the coordinator.
func (q *Queries) MarkRefillDone(ctx context.Context, code string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO refill_progress (code, status, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(code) DO UPDATE SET
			status = excluded.status,
			last_error = '',
			updated_at = CURRENT_TIMESTAMP
	`, code, RefillDone)
	if err != nil {
		return fmt.Errorf("mark refill done %s: %w", code, err)
	}
	return nil
}

// RecordRefillError stores the failure and bumps the attempt counter without
// touching coverage, so the next run resumes from the same point.
func (q *Queries) RecordRefillError(ctx context.Context, code, message string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO refill_progress (code, status, attempts, last_error, updated_at)
		VALUES (?, ?, 1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(code) DO UPDATE SET
			attempts = refill_progress.attempts + 1,
			last_error = excluded.last_error,
			updated_at = CURRENT_TIMESTAMP
	`, code, RefillInProgress, message)
	if err != nil {
		return fmt.Errorf("record refill error %s: %w", code, err)
	}
	return nil
}

// ----------------------------------------
// Job run queries
// ----------------------------------------

// StartJobRun appends a RUNNING audit row.
func (q *Queries) StartJobRun(ctx context.Context, id, jobName string, startedAt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job_name, started_at, status) VALUES (?, ?, ?, ?)
	`, id, jobName, startedAt.UTC(), JobRunning)
	if err != nil {
		return fmt.Errorf("start job run: %w", err)
	}
	return nil
}

// FinishJobRun closes a RUNNING audit row with its outcome.
func (q *Queries) FinishJobRun(ctx context.Context, id, status, message string, finishedAt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE job_runs SET finished_at = ?, status = ?, message = ? WHERE id = ?
	`, finishedAt.UTC(), status, message, id)
	if err != nil {
		return fmt.Errorf("finish job run: %w", err)
	}
	return nil
}

// LatestJobRuns returns the most recent audit rows, newest first.
func (q *Queries) LatestJobRuns(ctx context.Context, limit int) ([]JobRun, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, job_name, started_at, finished_at, status, message
		FROM job_runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query job runs: %w", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var r JobRun
		if err := rows.Scan(&r.ID, &r.JobName, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Message); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ----------------------------------------
// Daily price queries
// ----------------------------------------

// UpsertDailyBars writes a batch of bars for one code, replacing rows that
// already exist for the same date.
func (q *Queries) UpsertDailyBars(ctx context.Context, code string, bars []DailyBar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_prices (code, date, open, high, low, close, volume, amount, ma25, disparity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code, date) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, amount = excluded.amount,
			ma25 = excluded.ma25, disparity = excluded.disparity
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, code, b.Date, b.Open, b.High, b.Low, b.Close,
			b.Volume, b.Amount, b.MA25, b.Disparity); err != nil {
			return fmt.Errorf("upsert bar %s/%s: %w", code, b.Date, err)
		}
	}

	return tx.Commit()
}

// ListBars returns bars for a code in ascending date order, optionally from a
// start date (inclusive). Pass "" to read the whole history.
func (q *Queries) ListBars(ctx context.Context, code, fromDate string) ([]DailyBar, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT code, date, open, high, low, close, volume, amount, ma25, disparity
		FROM daily_prices
		WHERE code = ? AND date >= ?
		ORDER BY date
	`, code, fromDate)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var bars []DailyBar
	for rows.Next() {
		var b DailyBar
		if err := rows.Scan(&b.Code, &b.Date, &b.Open, &b.High, &b.Low, &b.Close,
			&b.Volume, &b.Amount, &b.MA25, &b.Disparity); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// UpdateBarFeatures writes recomputed ma25/disparity values for existing rows.
func (q *Queries) UpdateBarFeatures(ctx context.Context, code string, bars []DailyBar) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE daily_prices SET ma25 = ?, disparity = ? WHERE code = ? AND date = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare update: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.MA25, b.Disparity, code, b.Date); err != nil {
			return fmt.Errorf("update features %s/%s: %w", code, b.Date, err)
		}
	}

	return tx.Commit()
}

// LatestBar is the most recent daily row per code joined with its universe
// metadata, the input of the signal scan.
type LatestBar struct {
	Code      string
	Name      string
	Market    string
	Date      string
	Close     float64
	Amount    float64
	Disparity sql.NullFloat64
}

// LatestBars returns the newest bar per universe code, highest turnover first.
func (q *Queries) LatestBars(ctx context.Context) ([]LatestBar, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT p.code, COALESCE(s.name, ''), COALESCE(s.market, 'KOSPI'),
		       p.date, p.close, p.amount, p.disparity
		FROM daily_prices p
		JOIN (SELECT code, MAX(date) AS max_date FROM daily_prices GROUP BY code) m
		  ON p.code = m.code AND p.date = m.max_date
		LEFT JOIN stock_info s ON s.code = p.code
		ORDER BY p.amount DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query latest bars: %w", err)
	}
	defer rows.Close()

	var bars []LatestBar
	for rows.Next() {
		var b LatestBar
		if err := rows.Scan(&b.Code, &b.Name, &b.Market, &b.Date, &b.Close, &b.Amount, &b.Disparity); err != nil {
			return nil, fmt.Errorf("scan latest bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// ----------------------------------------
// Universe queries
// ----------------------------------------

// UpsertStockInfo inserts or refreshes a universe member.
func (q *Queries) UpsertStockInfo(ctx context.Context, s StockInfo) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO stock_info (code, name, market, marcap) VALUES (?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name, market = excluded.market, marcap = excluded.marcap
	`, s.Code, s.Name, s.Market, s.Marcap)
	if err != nil {
		return fmt.Errorf("upsert stock info %s: %w", s.Code, err)
	}
	return nil
}

// GetStockInfo fetches one universe member; ErrNotFound when absent.
func (q *Queries) GetStockInfo(ctx context.Context, code string) (StockInfo, error) {
	var s StockInfo
	err := q.db.QueryRowContext(ctx, `
		SELECT code, name, market, marcap FROM stock_info WHERE code = ?
	`, code).Scan(&s.Code, &s.Name, &s.Market, &s.Marcap)
	if errors.Is(err, sql.ErrNoRows) {
		return StockInfo{}, ErrNotFound
	}
	if err != nil {
		return StockInfo{}, fmt.Errorf("query stock info: %w", err)
	}
	return s, nil
}
