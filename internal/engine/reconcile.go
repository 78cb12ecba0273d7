package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"autotrader/internal/broker"
	"autotrader/internal/domain"
	"autotrader/internal/store"
	"autotrader/internal/strategy"
)

const (
	// fillEpsilon absorbs float noise when comparing quantities.
	fillEpsilon = 1e-9

	// defaultStaleAfter is how long an order unknown to the broker stays
	// SUBMITTED before it is written off as UNFILLED.
	defaultStaleAfter = 24 * time.Hour
)

// Reconciler brings the orders of a snapshot in line with the broker and
// finalizes the snapshot once every order is terminal.
type Reconciler struct {
	store      store.Store
	brokers    *broker.Registry
	staleAfter time.Duration
	now        func() time.Time
	log        *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(st store.Store, brokers *broker.Registry) *Reconciler {
	return &Reconciler{
		store:      st,
		brokers:    brokers,
		staleAfter: defaultStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		log:        slog.Default().With("component", "reconciler"),
	}
}

// ReconcileSnapshot queries the broker for every SUBMITTED order of the
// snapshot and records the fills. It returns the snapshot's status
// afterwards. Fill data that contradicts the order is never written: the
// snapshot keeps IN_PROGRESS with the detail recorded and a
// *domain.ReconciliationMismatchError is returned.
func (r *Reconciler) ReconcileSnapshot(ctx context.Context, st *domain.Strategy, snapshotID int64, policy strategy.RejectPolicy) (domain.SnapshotStatus, error) {
	snap, err := r.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return "", fmt.Errorf("load snapshot %d: %w", snapshotID, err)
	}
	if snap.StrategyID != st.ID {
		return snap.Status, fmt.Errorf("snapshot %d does not belong to strategy %d: %w", snapshotID, st.ID, store.ErrInvalidInput)
	}
	switch {
	case snap.Status == domain.SnapshotStatusManual:
		return snap.Status, fmt.Errorf("manual snapshot %d is not reconciled: %w", snapshotID, store.ErrInvalidInput)
	case snap.Status.Terminal():
		return snap.Status, nil
	}

	orders, err := r.store.ListOrders(ctx, snap.ID)
	if err != nil {
		return snap.Status, fmt.Errorf("list orders of snapshot %d: %w", snap.ID, err)
	}

	// An INIT snapshot found here belongs to a run that stopped before its
	// orders were attached.
	if snap.Status == domain.SnapshotStatusInit {
		if len(orders) == 0 {
			if err := r.store.Finalize(ctx, snap.ID, domain.SnapshotStatusFailed, "interrupted before orders were recorded"); err != nil {
				return snap.Status, err
			}
			return domain.SnapshotStatusFailed, nil
		}
		if err := r.store.MarkInProgress(ctx, snap.ID, r.now()); err != nil {
			return snap.Status, err
		}
		snap.Status = domain.SnapshotStatusInProgress
	}

	b, err := r.brokers.Get(st.Account)
	if err != nil {
		return snap.Status, err
	}
	log := r.log.With("strategy", st.Name, "cycle", snap.Cycle, "snapshot_id", snap.ID)

	var (
		mismatches    []string
		firstMismatch int64
		pending       int
		rejected      int
	)
	for i := range orders {
		o := &orders[i]
		if o.Status.Terminal() {
			if o.Status == domain.OrderStatusRejected {
				rejected++
			}
			continue
		}

		fill, known, err := r.lookup(ctx, b, st.Account, o)
		if err != nil {
			return snap.Status, err
		}
		if !known {
			pending++
			continue
		}
		if reason := checkFill(o, fill); reason != "" {
			log.Warn("fill mismatch", "order_id", o.ID, "broker_ref", o.BrokerRef, "reason", reason)
			if firstMismatch == 0 {
				firstMismatch = o.ID
			}
			mismatches = append(mismatches, fmt.Sprintf("order %d: %s", o.ID, reason))
			continue
		}
		if err := r.store.UpdateOrderStatus(ctx, o.ID, fill); err != nil {
			return snap.Status, fmt.Errorf("update order %d: %w", o.ID, err)
		}
		o.Status = fill.Status
		switch {
		case o.Status == domain.OrderStatusRejected:
			rejected++
		case !o.Status.Terminal():
			pending++
		}
	}

	if len(mismatches) > 0 {
		detail := strings.Join(mismatches, "; ")
		if err := r.store.RecordError(ctx, snap.ID, detail); err != nil {
			return snap.Status, err
		}
		return snap.Status, &domain.ReconciliationMismatchError{OrderID: firstMismatch, Reason: detail}
	}
	if pending > 0 {
		log.Debug("orders still working", "pending", pending)
		return snap.Status, nil
	}

	final, detail := domain.SnapshotStatusCompleted, ""
	if rejected > 0 && policy == strategy.RejectFailCycle {
		final, detail = domain.SnapshotStatusFailed, fmt.Sprintf("%d order(s) rejected", rejected)
	}
	if err := r.store.Finalize(ctx, snap.ID, final, detail); err != nil {
		return snap.Status, fmt.Errorf("finalize snapshot %d: %w", snap.ID, err)
	}
	log.Info("snapshot reconciled", "status", final, "orders", len(orders), "rejected", rejected)
	return final, nil
}

// lookup fetches the broker's view of o. known is false when the broker has
// no information yet.
func (r *Reconciler) lookup(ctx context.Context, b broker.Broker, account string, o *domain.Order) (domain.Fill, bool, error) {
	if o.BrokerRef == "" {
		return r.lookupByClientID(ctx, b, o)
	}

	fill, err := b.GetOrderStatus(ctx, o.BrokerRef)
	if err == nil {
		return fill, true, nil
	}
	if !errors.Is(err, broker.ErrOrderNotFound) {
		return domain.Fill{}, false, fmt.Errorf("order status %s: %w", o.BrokerRef, err)
	}

	history, err := b.GetTransactionHistory(ctx, account, broker.DateRange{
		From: o.OrderedAt.Add(-time.Hour),
		To:   r.now().Add(time.Minute),
	})
	if err != nil {
		return domain.Fill{}, false, fmt.Errorf("transaction history: %w", err)
	}
	stale := r.now().Sub(o.OrderedAt) > r.staleAfter
	for _, h := range history {
		if h.BrokerRef != o.BrokerRef {
			continue
		}
		if h.Status == "" || !h.Status.Terminal() {
			switch {
			case h.FilledQty >= o.Qty-fillEpsilon:
				h.Status = domain.OrderStatusFilled
			case !stale:
				// Partly filled and possibly still working.
				return domain.Fill{}, false, nil
			default:
				h.Status = domain.OrderStatusPartiallyFilled
			}
		}
		return h, true, nil
	}
	if stale {
		return domain.Fill{BrokerRef: o.BrokerRef, Status: domain.OrderStatusUnfilled}, true, nil
	}
	return domain.Fill{}, false, nil
}

// lookupByClientID resolves an order whose placement was never acknowledged.
// The broker is authoritative: no order under the client order id means it
// was never placed.
func (r *Reconciler) lookupByClientID(ctx context.Context, b broker.Broker, o *domain.Order) (domain.Fill, bool, error) {
	if o.ClientOrderID == "" {
		return domain.Fill{Status: domain.OrderStatusUnfilled}, true, nil
	}
	fill, err := b.GetOrderByClientID(ctx, o.ClientOrderID)
	switch {
	case err == nil:
		return fill, true, nil
	case errors.Is(err, broker.ErrOrderNotFound):
		return domain.Fill{Status: domain.OrderStatusUnfilled}, true, nil
	default:
		return domain.Fill{}, false, fmt.Errorf("order by client id %s: %w", o.ClientOrderID, err)
	}
}

// checkFill returns a description of the first inconsistency between o and
// fill, or "".
func checkFill(o *domain.Order, fill domain.Fill) string {
	switch {
	case fill.Status == "":
		return "broker reported no status"
	case fill.FilledQty < 0:
		return fmt.Sprintf("negative filled quantity %v", fill.FilledQty)
	case fill.FilledQty > o.Qty+fillEpsilon:
		return fmt.Sprintf("filled quantity %v exceeds ordered %v", fill.FilledQty, o.Qty)
	case fill.FilledQty > 0 && fill.FilledPrice <= 0:
		return fmt.Sprintf("filled quantity %v without a price", fill.FilledQty)
	case fill.Status == domain.OrderStatusFilled && fill.FilledQty <= 0:
		return "reported filled with zero quantity"
	case fill.Symbol != "" && fill.Symbol != o.Symbol:
		return fmt.Sprintf("symbol %s does not match ordered %s", fill.Symbol, o.Symbol)
	case fill.Side != "" && fill.Side != o.Side:
		return fmt.Sprintf("side %s does not match ordered %s", fill.Side, o.Side)
	}
	return ""
}

// ---------------------------------------------------------------------------
// Polling
// ---------------------------------------------------------------------------

// ReconcileInProgress reconciles every IN_PROGRESS snapshot once, each under
// its strategy's run-lock. Snapshots whose strategy is running are skipped.
// It returns the number of snapshots finalized.
func (e *Engine) ReconcileInProgress(ctx context.Context) (int, error) {
	snaps, err := e.store.ListSnapshotsByStatus(ctx, domain.SnapshotStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("list in-progress snapshots: %w", err)
	}

	finalized := 0
	for _, snap := range snaps {
		if ctx.Err() != nil {
			return finalized, ctx.Err()
		}
		status, err := e.reconcileLocked(ctx, snap)
		switch {
		case errors.Is(err, domain.ErrAlreadyRunning):
			continue
		case err != nil:
			e.log.Warn("reconcile failed", "snapshot_id", snap.ID, "strategy_id", snap.StrategyID, "error", err)
			continue
		}
		if status.Terminal() {
			finalized++
		}
	}
	return finalized, nil
}

func (e *Engine) reconcileLocked(ctx context.Context, snap domain.Snapshot) (domain.SnapshotStatus, error) {
	lease, err := e.store.Acquire(ctx, store.LockKey(snap.StrategyID), e.cfg.LockTTL)
	if err != nil {
		return snap.Status, err
	}
	defer e.release(ctx, lease)

	st, err := e.store.GetStrategy(ctx, snap.StrategyID)
	if err != nil {
		return snap.Status, err
	}
	policy := strategy.RejectIsolate
	if params, err := strategy.DecodeParams(st.Code, st.Params); err == nil {
		policy = params.RejectPolicy()
	}
	return e.reconciler.ReconcileSnapshot(ctx, st, snap.ID, policy)
}

// ReconcileLoop runs ReconcileInProgress every interval until ctx is done.
func (e *Engine) ReconcileLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("reconcile interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := e.ReconcileInProgress(ctx)
			if err != nil && ctx.Err() == nil {
				e.log.Error("reconcile pass failed", "error", err)
			}
			if n > 0 {
				e.log.Info("reconcile pass", "finalized", n)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
