// Package store defines storage interfaces for strategies, the append-only
// snapshot history of each strategy, the orders attached to snapshots and the
// per-strategy run leases.
package store

import (
	"context"
	"encoding/json"
	"time"

	"autotrader/internal/domain"
)

// StrategyStore persists strategy definitions.
type StrategyStore interface {
	// CreateStrategy inserts s and sets its ID and timestamps. A taken name
	// yields ErrDuplicateKey.
	CreateStrategy(ctx context.Context, s *domain.Strategy) error

	// GetStrategy retrieves a strategy by ID.
	GetStrategy(ctx context.Context, id int64) (*domain.Strategy, error)

	// GetStrategyByName retrieves a strategy by its unique name.
	GetStrategyByName(ctx context.Context, name string) (*domain.Strategy, error)

	// ListStrategies returns strategies with the given status ordered by ID,
	// or all strategies when status is empty.
	ListStrategies(ctx context.Context, status domain.StrategyStatus) ([]domain.Strategy, error)

	// UpdateStrategy persists changes to name, account, symbol, exchange,
	// params, status and description.
	UpdateStrategy(ctx context.Context, s *domain.Strategy) error

	// SetStrategyStatus activates or deactivates a strategy.
	SetStrategyStatus(ctx context.Context, id int64, status domain.StrategyStatus) error

	// DeleteStrategy removes a strategy with its snapshots and orders.
	DeleteStrategy(ctx context.Context, id int64) error
}

// SnapshotStore persists the cycle history of each strategy.
type SnapshotStore interface {
	// Latest returns the snapshot with the highest cycle, or ErrNotFound.
	Latest(ctx context.Context, strategyID int64) (*domain.Snapshot, error)

	// LatestResumable returns the highest-cycle snapshot that is neither
	// MANUAL nor FAILED, or ErrNotFound.
	LatestResumable(ctx context.Context, strategyID int64) (*domain.Snapshot, error)

	// NextCycle returns max(cycle)+1 over every snapshot of the strategy.
	NextCycle(ctx context.Context, strategyID int64) (int64, error)

	// Append inserts a snapshot. cycle must exceed every existing cycle of
	// the strategy.
	Append(ctx context.Context, strategyID int64, status domain.SnapshotStatus, progress json.RawMessage, cycle int64) (*domain.Snapshot, error)

	// GetSnapshot retrieves a snapshot by ID.
	GetSnapshot(ctx context.Context, id int64) (*domain.Snapshot, error)

	// MarkInProgress moves an INIT snapshot to IN_PROGRESS and records when
	// the broker interaction completed.
	MarkInProgress(ctx context.Context, snapshotID int64, executedAt time.Time) error

	// Finalize moves a non-terminal snapshot to a terminal status with an
	// optional error detail.
	Finalize(ctx context.Context, snapshotID int64, status domain.SnapshotStatus, detail string) error

	// RecordError stores detail on a snapshot without changing its status.
	RecordError(ctx context.Context, snapshotID int64, detail string) error

	// ListSnapshots returns up to limit snapshots of a strategy, newest
	// first. A non-positive limit returns all.
	ListSnapshots(ctx context.Context, strategyID int64, limit int) ([]domain.Snapshot, error)

	// ListSnapshotsByStatus returns every snapshot in status ordered by ID.
	ListSnapshotsByStatus(ctx context.Context, status domain.SnapshotStatus) ([]domain.Snapshot, error)

	// CreateManualSnapshot appends a MANUAL snapshot at the next cycle.
	CreateManualSnapshot(ctx context.Context, strategyID int64, progress json.RawMessage) (*domain.Snapshot, error)

	// UpdateManualSnapshot replaces the progress of a MANUAL snapshot.
	UpdateManualSnapshot(ctx context.Context, id int64, progress json.RawMessage) error

	// DeleteSnapshot removes a MANUAL snapshot and its orders.
	DeleteSnapshot(ctx context.Context, id int64) error
}

// OrderStore persists orders attached to snapshots.
type OrderStore interface {
	// AttachOrders inserts orders for a snapshot and returns them with IDs.
	AttachOrders(ctx context.Context, snapshotID int64, orders []domain.Order) ([]domain.Order, error)

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id int64) (*domain.Order, error)

	// ListOrders returns the orders of a snapshot ordered by ID.
	ListOrders(ctx context.Context, snapshotID int64) ([]domain.Order, error)

	// ListOrdersBetween returns orders placed in [from, to).
	ListOrdersBetween(ctx context.Context, from, to time.Time) ([]domain.Order, error)

	// UpdateOrderStatus records the broker's view of an order.
	UpdateOrderStatus(ctx context.Context, orderID int64, fill domain.Fill) error

	// UpdateOrder persists an operator edit of an order.
	UpdateOrder(ctx context.Context, o *domain.Order) error

	// DeleteOrder removes an order.
	DeleteOrder(ctx context.Context, id int64) error
}

// Lease is a held run lock.
type Lease struct {
	Key       string
	Owner     string
	ExpiresAt time.Time
}

// Locker hands out exclusive, expiring leases. Acquire returns
// domain.ErrAlreadyRunning while another owner holds an unexpired lease.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
}

// Store bundles every persistence concern the engine needs.
type Store interface {
	StrategyStore
	SnapshotStore
	OrderStore
	Locker
	Close() error
}

// LockKey returns the run-lock key of a strategy.
func LockKey(strategyID int64) string {
	return "strategy:" + itoa(strategyID)
}
