package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"autotrader/internal/domain"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of Store. Leases are only
// exclusive within the process.
type MemoryStore struct {
	mu         sync.RWMutex
	strategies map[int64]*domain.Strategy
	snapshots  map[int64]*domain.Snapshot
	orders     map[int64]*domain.Order
	leases     map[string]*Lease
	nextID     int64
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strategies: make(map[int64]*domain.Strategy),
		snapshots:  make(map[int64]*domain.Snapshot),
		orders:     make(map[int64]*domain.Order),
		leases:     make(map[string]*Lease),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// ---------------------------------------------------------------------------
// StrategyStore implementation
// ---------------------------------------------------------------------------

// CreateStrategy inserts a strategy. Returns ErrDuplicateKey if the name is taken.
func (s *MemoryStore) CreateStrategy(_ context.Context, st *domain.Strategy) error {
	if st == nil || st.Name == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.strategies {
		if existing.Name == st.Name {
			return ErrDuplicateKey
		}
	}

	now := s.now()
	st.ID = s.id()
	st.CreatedAt, st.UpdatedAt = now, now
	s.strategies[st.ID] = copyStrategy(st)
	return nil
}

// GetStrategy retrieves a strategy by ID.
func (s *MemoryStore) GetStrategy(_ context.Context, id int64) (*domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.strategies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyStrategy(st), nil
}

// GetStrategyByName retrieves a strategy by name.
func (s *MemoryStore) GetStrategyByName(_ context.Context, name string) (*domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.strategies {
		if st.Name == name {
			return copyStrategy(st), nil
		}
	}
	return nil, ErrNotFound
}

// ListStrategies returns strategies filtered by status, ordered by ID.
func (s *MemoryStore) ListStrategies(_ context.Context, status domain.StrategyStatus) ([]domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Strategy
	for _, st := range s.strategies {
		if status == "" || st.Status == status {
			result = append(result, *copyStrategy(st))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpdateStrategy persists changes to an existing strategy.
func (s *MemoryStore) UpdateStrategy(_ context.Context, st *domain.Strategy) error {
	if st == nil || st.Name == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.strategies[st.ID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range s.strategies {
		if id != st.ID && other.Name == st.Name {
			return ErrDuplicateKey
		}
	}

	updated := copyStrategy(st)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.now()
	s.strategies[st.ID] = updated
	st.CreatedAt, st.UpdatedAt = updated.CreatedAt, updated.UpdatedAt
	return nil
}

// SetStrategyStatus changes the status of a strategy.
func (s *MemoryStore) SetStrategyStatus(_ context.Context, id int64, status domain.StrategyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.strategies[id]
	if !ok {
		return ErrNotFound
	}
	st.Status = status
	st.UpdatedAt = s.now()
	return nil
}

// DeleteStrategy removes a strategy and cascades to snapshots and orders.
func (s *MemoryStore) DeleteStrategy(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.strategies[id]; !ok {
		return ErrNotFound
	}
	delete(s.strategies, id)
	for snapID, snap := range s.snapshots {
		if snap.StrategyID == id {
			s.deleteSnapshotLocked(snapID)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// SnapshotStore implementation
// ---------------------------------------------------------------------------

// Latest returns the highest-cycle snapshot of a strategy.
func (s *MemoryStore) Latest(_ context.Context, strategyID int64) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestLocked(strategyID, func(*domain.Snapshot) bool { return true })
}

// LatestResumable returns the highest-cycle snapshot that is neither MANUAL
// nor FAILED.
func (s *MemoryStore) LatestResumable(_ context.Context, strategyID int64) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestLocked(strategyID, func(snap *domain.Snapshot) bool { return snap.Status.Resumable() })
}

func (s *MemoryStore) latestLocked(strategyID int64, keep func(*domain.Snapshot) bool) (*domain.Snapshot, error) {
	var best *domain.Snapshot
	for _, snap := range s.snapshots {
		if snap.StrategyID != strategyID || !keep(snap) {
			continue
		}
		if best == nil || snap.Cycle > best.Cycle {
			best = snap
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copySnapshot(best), nil
}

// NextCycle returns max(cycle)+1 for the strategy.
func (s *MemoryStore) NextCycle(_ context.Context, strategyID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxCycleLocked(strategyID) + 1, nil
}

func (s *MemoryStore) maxCycleLocked(strategyID int64) int64 {
	var max int64
	for _, snap := range s.snapshots {
		if snap.StrategyID == strategyID && snap.Cycle > max {
			max = snap.Cycle
		}
	}
	return max
}

// Append inserts a snapshot at cycle.
func (s *MemoryStore) Append(_ context.Context, strategyID int64, status domain.SnapshotStatus, progress json.RawMessage, cycle int64) (*domain.Snapshot, error) {
	if cycle <= 0 || !json.Valid(progress) {
		return nil, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(strategyID, status, progress, cycle)
}

func (s *MemoryStore) appendLocked(strategyID int64, status domain.SnapshotStatus, progress json.RawMessage, cycle int64) (*domain.Snapshot, error) {
	if _, ok := s.strategies[strategyID]; !ok {
		return nil, ErrNotFound
	}
	for _, snap := range s.snapshots {
		if snap.StrategyID == strategyID && snap.Cycle == cycle {
			return nil, ErrDuplicateKey
		}
	}
	if cycle <= s.maxCycleLocked(strategyID) {
		return nil, ErrInvalidInput
	}

	now := s.now()
	snap := &domain.Snapshot{
		ID:         s.id(),
		StrategyID: strategyID,
		Cycle:      cycle,
		Status:     status,
		Progress:   copyRaw(progress),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.snapshots[snap.ID] = snap
	return copySnapshot(snap), nil
}

// GetSnapshot retrieves a snapshot by ID.
func (s *MemoryStore) GetSnapshot(_ context.Context, id int64) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySnapshot(snap), nil
}

// MarkInProgress moves an INIT snapshot to IN_PROGRESS.
func (s *MemoryStore) MarkInProgress(_ context.Context, snapshotID int64, executedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[snapshotID]
	if !ok {
		return ErrNotFound
	}
	if snap.Status != domain.SnapshotStatusInit {
		return ErrInvalidInput
	}
	at := executedAt
	snap.Status = domain.SnapshotStatusInProgress
	snap.ExecutedAt = &at
	snap.UpdatedAt = s.now()
	return nil
}

// Finalize moves a non-terminal snapshot to a terminal status.
func (s *MemoryStore) Finalize(_ context.Context, snapshotID int64, status domain.SnapshotStatus, detail string) error {
	if !status.Terminal() || status == domain.SnapshotStatusManual {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[snapshotID]
	if !ok {
		return ErrNotFound
	}
	if snap.Status.Terminal() {
		return ErrInvalidInput
	}
	snap.Status = status
	snap.Error = detail
	snap.UpdatedAt = s.now()
	return nil
}

// RecordError stores detail on a snapshot.
func (s *MemoryStore) RecordError(_ context.Context, snapshotID int64, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[snapshotID]
	if !ok {
		return ErrNotFound
	}
	snap.Error = detail
	snap.UpdatedAt = s.now()
	return nil
}

// ListSnapshots returns snapshots of a strategy newest first.
func (s *MemoryStore) ListSnapshots(_ context.Context, strategyID int64, limit int) ([]domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Snapshot
	for _, snap := range s.snapshots {
		if snap.StrategyID == strategyID {
			result = append(result, *copySnapshot(snap))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Cycle > result[j].Cycle })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListSnapshotsByStatus returns every snapshot in status ordered by ID.
func (s *MemoryStore) ListSnapshotsByStatus(_ context.Context, status domain.SnapshotStatus) ([]domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Snapshot
	for _, snap := range s.snapshots {
		if snap.Status == status {
			result = append(result, *copySnapshot(snap))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// CreateManualSnapshot appends a MANUAL snapshot at the next cycle.
func (s *MemoryStore) CreateManualSnapshot(_ context.Context, strategyID int64, progress json.RawMessage) (*domain.Snapshot, error) {
	if !json.Valid(progress) {
		return nil, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(strategyID, domain.SnapshotStatusManual, progress, s.maxCycleLocked(strategyID)+1)
}

// UpdateManualSnapshot replaces the progress of a MANUAL snapshot.
func (s *MemoryStore) UpdateManualSnapshot(_ context.Context, id int64, progress json.RawMessage) error {
	if !json.Valid(progress) {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return ErrNotFound
	}
	if snap.Status != domain.SnapshotStatusManual {
		return ErrInvalidInput
	}
	snap.Progress = copyRaw(progress)
	snap.UpdatedAt = s.now()
	return nil
}

// DeleteSnapshot removes a MANUAL snapshot and its orders.
func (s *MemoryStore) DeleteSnapshot(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return ErrNotFound
	}
	if snap.Status != domain.SnapshotStatusManual {
		return ErrInvalidInput
	}
	s.deleteSnapshotLocked(id)
	return nil
}

func (s *MemoryStore) deleteSnapshotLocked(id int64) {
	delete(s.snapshots, id)
	for orderID, o := range s.orders {
		if o.SnapshotID == id {
			delete(s.orders, orderID)
		}
	}
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// AttachOrders inserts orders for a snapshot.
func (s *MemoryStore) AttachOrders(_ context.Context, snapshotID int64, orders []domain.Order) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[snapshotID]; !ok {
		return nil, ErrNotFound
	}

	now := s.now()
	result := make([]domain.Order, 0, len(orders))
	for i := range orders {
		o := copyOrder(&orders[i])
		o.ID = s.id()
		o.SnapshotID = snapshotID
		if o.OrderedAt.IsZero() {
			o.OrderedAt = now
		}
		o.UpdatedAt = now
		s.orders[o.ID] = o
		result = append(result, *copyOrder(o))
	}
	return result, nil
}

// GetOrder retrieves a single order by its ID.
func (s *MemoryStore) GetOrder(_ context.Context, id int64) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(o), nil
}

// ListOrders returns the orders of a snapshot ordered by ID.
func (s *MemoryStore) ListOrders(_ context.Context, snapshotID int64) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Order
	for _, o := range s.orders {
		if o.SnapshotID == snapshotID {
			result = append(result, *copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ListOrdersBetween returns orders placed in [from, to) ordered by ID.
func (s *MemoryStore) ListOrdersBetween(_ context.Context, from, to time.Time) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Order
	for _, o := range s.orders {
		if !o.OrderedAt.Before(from) && o.OrderedAt.Before(to) {
			result = append(result, *copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpdateOrderStatus records the broker's view of an order.
func (s *MemoryStore) UpdateOrderStatus(_ context.Context, orderID int64, fill domain.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	applyFill(o, fill)
	o.UpdatedAt = s.now()
	return nil
}

// UpdateOrder persists an operator edit of an order.
func (s *MemoryStore) UpdateOrder(_ context.Context, order *domain.Order) error {
	if order == nil {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.orders[order.ID]
	if !ok {
		return ErrNotFound
	}
	updated := copyOrder(order)
	updated.SnapshotID = existing.SnapshotID
	updated.OrderedAt = existing.OrderedAt
	updated.UpdatedAt = s.now()
	s.orders[order.ID] = updated
	return nil
}

// DeleteOrder removes an order.
func (s *MemoryStore) DeleteOrder(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[id]; !ok {
		return ErrNotFound
	}
	delete(s.orders, id)
	return nil
}

// ---------------------------------------------------------------------------
// Locker implementation
// ---------------------------------------------------------------------------

// Acquire takes the lease for key unless another owner holds it unexpired.
func (s *MemoryStore) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if held, ok := s.leases[key]; ok && now.Before(held.ExpiresAt) {
		return nil, domain.ErrAlreadyRunning
	}
	lease := &Lease{Key: key, Owner: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	s.leases[key] = lease
	leaseCopy := *lease
	return &leaseCopy, nil
}

// Release drops the lease if it is still owned by the caller.
func (s *MemoryStore) Release(_ context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.leases[lease.Key]; ok && held.Owner == lease.Owner {
		delete(s.leases, lease.Key)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Copy helpers
// ---------------------------------------------------------------------------

func copyRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return json.RawMessage(bytes.Clone(raw))
}

func copyStrategy(st *domain.Strategy) *domain.Strategy {
	c := *st
	c.Params = copyRaw(st.Params)
	return &c
}

func copySnapshot(snap *domain.Snapshot) *domain.Snapshot {
	c := *snap
	c.Progress = copyRaw(snap.Progress)
	if snap.ExecutedAt != nil {
		at := *snap.ExecutedAt
		c.ExecutedAt = &at
	}
	return &c
}

func copyOrder(o *domain.Order) *domain.Order {
	c := *o
	if o.FilledQty != nil {
		q := *o.FilledQty
		c.FilledQty = &q
	}
	if o.FilledPrice != nil {
		p := *o.FilledPrice
		c.FilledPrice = &p
	}
	return &c
}

// applyFill copies the broker's fill data onto o. A fill without quantity
// leaves the fill fields unset.
func applyFill(o *domain.Order, fill domain.Fill) {
	o.Status = fill.Status
	if fill.BrokerRef != "" {
		o.BrokerRef = fill.BrokerRef
	}
	if fill.FilledQty > 0 || fill.Status.Terminal() {
		q, p := fill.FilledQty, fill.FilledPrice
		o.FilledQty = &q
		o.FilledPrice = &p
	}
}
