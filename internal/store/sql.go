package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"autotrader/internal/domain"
)

// Compile-time interface check.
var _ Store = (*SQLStore)(nil)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name        string
	numbered    bool // $1-style placeholders
	isDuplicate func(error) bool
}

// SQLStore implements Store over database/sql. Queries are written with ?
// placeholders and rebound for the backend. Timestamps are stored as Unix
// milliseconds and JSON blobs as text.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
	onClose func()
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	if err := migrate(ctx, db, d.name); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) rebind(q string) string {
	if !s.dialect.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) exec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	res, err := q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil && s.dialect.isDuplicate(err) {
		return nil, ErrDuplicateKey
	}
	return res, err
}

func (s *SQLStore) insertID(ctx context.Context, q queryer, query string, args ...any) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id)
	if err != nil && s.dialect.isDuplicate(err) {
		return 0, ErrDuplicateKey
	}
	return id, err
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func affected(res sql.Result) (int64, error) {
	if res == nil {
		return 0, nil
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// StrategyStore implementation
// ---------------------------------------------------------------------------

const strategyColumns = `id, name, code, account, symbol, exchange, params, status, description, created_at, updated_at`

func scanStrategy(row interface{ Scan(...any) error }) (*domain.Strategy, error) {
	var (
		st                   domain.Strategy
		params               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&st.ID, &st.Name, &st.Code, &st.Account, &st.Symbol, &st.Exchange,
		&params, &st.Status, &st.Description, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	st.Params = json.RawMessage(params)
	st.CreatedAt = fromMillis(createdAt)
	st.UpdatedAt = fromMillis(updatedAt)
	return &st, nil
}

// CreateStrategy inserts a strategy.
func (s *SQLStore) CreateStrategy(ctx context.Context, st *domain.Strategy) error {
	if st == nil || st.Name == "" || !json.Valid(st.Params) {
		return ErrInvalidInput
	}
	now := s.now()
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO strategies (name, code, account, symbol, exchange, params, status, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.Name, st.Code, st.Account, st.Symbol, st.Exchange, string(st.Params), st.Status, st.Description,
		millis(now), millis(now))
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return err
		}
		return fmt.Errorf("insert strategy: %w", err)
	}
	st.ID = id
	st.CreatedAt = fromMillis(millis(now))
	st.UpdatedAt = st.CreatedAt
	return nil
}

// GetStrategy retrieves a strategy by ID.
func (s *SQLStore) GetStrategy(ctx context.Context, id int64) (*domain.Strategy, error) {
	st, err := scanStrategy(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+strategyColumns+` FROM strategies WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

// GetStrategyByName retrieves a strategy by name.
func (s *SQLStore) GetStrategyByName(ctx context.Context, name string) (*domain.Strategy, error) {
	st, err := scanStrategy(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+strategyColumns+` FROM strategies WHERE name = ?`), name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

// ListStrategies returns strategies filtered by status, ordered by ID.
func (s *SQLStore) ListStrategies(ctx context.Context, status domain.StrategyStatus) ([]domain.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var result []domain.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		result = append(result, *st)
	}
	return result, rows.Err()
}

// UpdateStrategy persists changes to an existing strategy.
func (s *SQLStore) UpdateStrategy(ctx context.Context, st *domain.Strategy) error {
	if st == nil || st.Name == "" || !json.Valid(st.Params) {
		return ErrInvalidInput
	}
	now := s.now()
	res, err := s.exec(ctx, s.db,
		`UPDATE strategies SET name = ?, code = ?, account = ?, symbol = ?, exchange = ?, params = ?,
		 status = ?, description = ?, updated_at = ? WHERE id = ?`,
		st.Name, st.Code, st.Account, st.Symbol, st.Exchange, string(st.Params),
		st.Status, st.Description, millis(now), st.ID)
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return err
		}
		return fmt.Errorf("update strategy: %w", err)
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	st.UpdatedAt = fromMillis(millis(now))
	return nil
}

// SetStrategyStatus changes the status of a strategy.
func (s *SQLStore) SetStrategyStatus(ctx context.Context, id int64, status domain.StrategyStatus) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE strategies SET status = ?, updated_at = ? WHERE id = ?`,
		status, millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("set strategy status: %w", err)
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteStrategy removes a strategy; snapshots and orders cascade.
func (s *SQLStore) DeleteStrategy(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete strategy: %w", err)
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// SnapshotStore implementation
// ---------------------------------------------------------------------------

const snapshotColumns = `id, strategy_id, cycle, status, progress, error, created_at, executed_at, updated_at`

func scanSnapshot(row interface{ Scan(...any) error }) (*domain.Snapshot, error) {
	var (
		snap                 domain.Snapshot
		progress             string
		createdAt, updatedAt int64
		executedAt           sql.NullInt64
	)
	err := row.Scan(&snap.ID, &snap.StrategyID, &snap.Cycle, &snap.Status, &progress,
		&snap.Error, &createdAt, &executedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	snap.Progress = json.RawMessage(progress)
	snap.CreatedAt = fromMillis(createdAt)
	snap.UpdatedAt = fromMillis(updatedAt)
	if executedAt.Valid {
		at := fromMillis(executedAt.Int64)
		snap.ExecutedAt = &at
	}
	return &snap, nil
}

func (s *SQLStore) querySnapshots(ctx context.Context, query string, args ...any) ([]domain.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var result []domain.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		result = append(result, *snap)
	}
	return result, rows.Err()
}

func (s *SQLStore) snapshotRow(ctx context.Context, query string, args ...any) (*domain.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return snap, err
}

// Latest returns the highest-cycle snapshot of a strategy.
func (s *SQLStore) Latest(ctx context.Context, strategyID int64) (*domain.Snapshot, error) {
	return s.snapshotRow(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE strategy_id = ? ORDER BY cycle DESC LIMIT 1`,
		strategyID)
}

// LatestResumable returns the highest-cycle snapshot that is neither MANUAL
// nor FAILED.
func (s *SQLStore) LatestResumable(ctx context.Context, strategyID int64) (*domain.Snapshot, error) {
	return s.snapshotRow(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE strategy_id = ? AND status NOT IN (?, ?)
		 ORDER BY cycle DESC LIMIT 1`,
		strategyID, domain.SnapshotStatusManual, domain.SnapshotStatusFailed)
}

// NextCycle returns max(cycle)+1 for the strategy.
func (s *SQLStore) NextCycle(ctx context.Context, strategyID int64) (int64, error) {
	return s.nextCycle(ctx, s.db, strategyID)
}

func (s *SQLStore) nextCycle(ctx context.Context, q queryer, strategyID int64) (int64, error) {
	var max sql.NullInt64
	err := q.QueryRowContext(ctx, s.rebind(`SELECT MAX(cycle) FROM snapshots WHERE strategy_id = ?`), strategyID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max cycle: %w", err)
	}
	return max.Int64 + 1, nil
}

// Append inserts a snapshot at cycle.
func (s *SQLStore) Append(ctx context.Context, strategyID int64, status domain.SnapshotStatus, progress json.RawMessage, cycle int64) (*domain.Snapshot, error) {
	if cycle <= 0 || !json.Valid(progress) {
		return nil, ErrInvalidInput
	}
	var snap *domain.Snapshot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		snap, err = s.appendTx(ctx, tx, strategyID, status, progress, cycle)
		return err
	})
	return snap, err
}

func (s *SQLStore) appendTx(ctx context.Context, tx *sql.Tx, strategyID int64, status domain.SnapshotStatus, progress json.RawMessage, cycle int64) (*domain.Snapshot, error) {
	var exists int
	err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM strategies WHERE id = ?`), strategyID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("check strategy: %w", err)
	}

	next, err := s.nextCycle(ctx, tx, strategyID)
	if err != nil {
		return nil, err
	}
	if cycle < next {
		var taken int
		err := tx.QueryRowContext(ctx,
			s.rebind(`SELECT 1 FROM snapshots WHERE strategy_id = ? AND cycle = ?`), strategyID, cycle).Scan(&taken)
		if err == nil {
			return nil, ErrDuplicateKey
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("check cycle: %w", err)
		}
		return nil, ErrInvalidInput
	}

	now := s.now()
	id, err := s.insertID(ctx, tx,
		`INSERT INTO snapshots (strategy_id, cycle, status, progress, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '', ?, ?)`,
		strategyID, cycle, status, string(progress), millis(now), millis(now))
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return nil, err
		}
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	at := fromMillis(millis(now))
	return &domain.Snapshot{
		ID:         id,
		StrategyID: strategyID,
		Cycle:      cycle,
		Status:     status,
		Progress:   copyRaw(progress),
		CreatedAt:  at,
		UpdatedAt:  at,
	}, nil
}

// GetSnapshot retrieves a snapshot by ID.
func (s *SQLStore) GetSnapshot(ctx context.Context, id int64) (*domain.Snapshot, error) {
	return s.snapshotRow(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
}

// transition updates a snapshot guarded by its current status. It tells
// ErrNotFound apart from a refused transition.
func (s *SQLStore) transition(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	if n, _ := affected(res); n > 0 {
		return nil
	}
	if _, err := s.GetSnapshot(ctx, id); err != nil {
		return err
	}
	return ErrInvalidInput
}

// MarkInProgress moves an INIT snapshot to IN_PROGRESS.
func (s *SQLStore) MarkInProgress(ctx context.Context, snapshotID int64, executedAt time.Time) error {
	return s.transition(ctx, snapshotID,
		`UPDATE snapshots SET status = ?, executed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		domain.SnapshotStatusInProgress, millis(executedAt), millis(s.now()), snapshotID, domain.SnapshotStatusInit)
}

// Finalize moves a non-terminal snapshot to a terminal status.
func (s *SQLStore) Finalize(ctx context.Context, snapshotID int64, status domain.SnapshotStatus, detail string) error {
	if !status.Terminal() || status == domain.SnapshotStatusManual {
		return ErrInvalidInput
	}
	return s.transition(ctx, snapshotID,
		`UPDATE snapshots SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		status, detail, millis(s.now()), snapshotID, domain.SnapshotStatusInit, domain.SnapshotStatusInProgress)
}

// RecordError stores detail on a snapshot.
func (s *SQLStore) RecordError(ctx context.Context, snapshotID int64, detail string) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE snapshots SET error = ?, updated_at = ? WHERE id = ?`,
		detail, millis(s.now()), snapshotID)
	if err != nil {
		return fmt.Errorf("record snapshot error: %w", err)
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSnapshots returns snapshots of a strategy newest first.
func (s *SQLStore) ListSnapshots(ctx context.Context, strategyID int64, limit int) ([]domain.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE strategy_id = ? ORDER BY cycle DESC`
	args := []any{strategyID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.querySnapshots(ctx, query, args...)
}

// ListSnapshotsByStatus returns every snapshot in status ordered by ID.
func (s *SQLStore) ListSnapshotsByStatus(ctx context.Context, status domain.SnapshotStatus) ([]domain.Snapshot, error) {
	return s.querySnapshots(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE status = ? ORDER BY id`, status)
}

// CreateManualSnapshot appends a MANUAL snapshot at the next cycle.
func (s *SQLStore) CreateManualSnapshot(ctx context.Context, strategyID int64, progress json.RawMessage) (*domain.Snapshot, error) {
	if !json.Valid(progress) {
		return nil, ErrInvalidInput
	}
	var snap *domain.Snapshot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		next, err := s.nextCycle(ctx, tx, strategyID)
		if err != nil {
			return err
		}
		snap, err = s.appendTx(ctx, tx, strategyID, domain.SnapshotStatusManual, progress, next)
		return err
	})
	return snap, err
}

// UpdateManualSnapshot replaces the progress of a MANUAL snapshot.
func (s *SQLStore) UpdateManualSnapshot(ctx context.Context, id int64, progress json.RawMessage) error {
	if !json.Valid(progress) {
		return ErrInvalidInput
	}
	return s.transition(ctx, id,
		`UPDATE snapshots SET progress = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(progress), millis(s.now()), id, domain.SnapshotStatusManual)
}

// DeleteSnapshot removes a MANUAL snapshot; its orders cascade.
func (s *SQLStore) DeleteSnapshot(ctx context.Context, id int64) error {
	return s.transition(ctx, id,
		`DELETE FROM snapshots WHERE id = ? AND status = ?`, id, domain.SnapshotStatusManual)
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

const orderColumns = `id, snapshot_id, symbol, side, type, qty, price, filled_qty, filled_price, status,
	broker_ref, client_order_id, tag, error, ordered_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	var (
		o                    domain.Order
		filledQty, filledPx  sql.NullFloat64
		orderedAt, updatedAt int64
	)
	err := row.Scan(&o.ID, &o.SnapshotID, &o.Symbol, &o.Side, &o.Type, &o.Qty, &o.Price,
		&filledQty, &filledPx, &o.Status, &o.BrokerRef, &o.ClientOrderID, &o.Tag, &o.Error,
		&orderedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if filledQty.Valid {
		q := filledQty.Float64
		o.FilledQty = &q
	}
	if filledPx.Valid {
		p := filledPx.Float64
		o.FilledPrice = &p
	}
	o.OrderedAt = fromMillis(orderedAt)
	o.UpdatedAt = fromMillis(updatedAt)
	return &o, nil
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func (s *SQLStore) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var result []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

// AttachOrders inserts orders for a snapshot in one transaction.
func (s *SQLStore) AttachOrders(ctx context.Context, snapshotID int64, orders []domain.Order) ([]domain.Order, error) {
	result := make([]domain.Order, 0, len(orders))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM snapshots WHERE id = ?`), snapshotID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check snapshot: %w", err)
		}

		now := s.now()
		for i := range orders {
			o := copyOrder(&orders[i])
			o.SnapshotID = snapshotID
			if o.OrderedAt.IsZero() {
				o.OrderedAt = now
			}
			o.OrderedAt = fromMillis(millis(o.OrderedAt))
			o.UpdatedAt = fromMillis(millis(now))

			id, err := s.insertID(ctx, tx,
				`INSERT INTO orders (snapshot_id, symbol, side, type, qty, price, filled_qty, filled_price, status,
				 broker_ref, client_order_id, tag, error, ordered_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				snapshotID, o.Symbol, o.Side, o.Type, o.Qty, o.Price,
				nullFloat(o.FilledQty), nullFloat(o.FilledPrice), o.Status,
				o.BrokerRef, o.ClientOrderID, o.Tag, o.Error, millis(o.OrderedAt), millis(now))
			if err != nil {
				return fmt.Errorf("insert order: %w", err)
			}
			o.ID = id
			result = append(result, *o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLStore) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+orderColumns+` FROM orders WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// ListOrders returns the orders of a snapshot ordered by ID.
func (s *SQLStore) ListOrders(ctx context.Context, snapshotID int64) ([]domain.Order, error) {
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE snapshot_id = ? ORDER BY id`, snapshotID)
}

// ListOrdersBetween returns orders placed in [from, to) ordered by ID.
func (s *SQLStore) ListOrdersBetween(ctx context.Context, from, to time.Time) ([]domain.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE ordered_at >= ? AND ordered_at < ? ORDER BY id`,
		millis(from), millis(to))
}

// UpdateOrderStatus records the broker's view of an order.
func (s *SQLStore) UpdateOrderStatus(ctx context.Context, orderID int64, fill domain.Fill) error {
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	applyFill(o, fill)
	res, err := s.exec(ctx, s.db,
		`UPDATE orders SET status = ?, broker_ref = ?, filled_qty = ?, filled_price = ?, updated_at = ? WHERE id = ?`,
		o.Status, o.BrokerRef, nullFloat(o.FilledQty), nullFloat(o.FilledPrice), millis(s.now()), orderID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateOrder persists an operator edit of an order.
func (s *SQLStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	if o == nil {
		return ErrInvalidInput
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE orders SET symbol = ?, side = ?, type = ?, qty = ?, price = ?, filled_qty = ?, filled_price = ?,
		 status = ?, broker_ref = ?, client_order_id = ?, tag = ?, error = ?, updated_at = ? WHERE id = ?`,
		o.Symbol, o.Side, o.Type, o.Qty, o.Price, nullFloat(o.FilledQty), nullFloat(o.FilledPrice),
		o.Status, o.BrokerRef, o.ClientOrderID, o.Tag, o.Error, millis(s.now()), o.ID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOrder removes an order.
func (s *SQLStore) DeleteOrder(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM orders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	if n, _ := affected(res); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Locker implementation
// ---------------------------------------------------------------------------

// Acquire takes the lease row for key unless another owner holds it
// unexpired. The conditional upsert makes acquisition atomic across
// processes sharing the database.
func (s *SQLStore) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	now := s.now()
	lease := &Lease{Key: key, Owner: uuid.NewString(), ExpiresAt: now.Add(ttl)}

	res, err := s.exec(ctx, s.db,
		`INSERT INTO run_locks (lock_key, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (lock_key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE run_locks.expires_at <= ?`,
		key, lease.Owner, millis(lease.ExpiresAt), millis(now))
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if n, _ := affected(res); n == 0 {
		return nil, domain.ErrAlreadyRunning
	}
	return lease, nil
}

// Release deletes the lease row if the caller still owns it.
func (s *SQLStore) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	if _, err := s.exec(ctx, s.db,
		`DELETE FROM run_locks WHERE lock_key = ? AND owner = ?`, lease.Key, lease.Owner); err != nil {
		return fmt.Errorf("release lease %s: %w", lease.Key, err)
	}
	return nil
}
