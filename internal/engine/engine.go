// Package engine coordinates one daily cycle of a strategy: locking, market
// checks, pricing, strategy computation, order submission, persistence and
// reconciliation of fills.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"autotrader/internal/broker"
	"autotrader/internal/domain"
	"autotrader/internal/store"
	"autotrader/internal/strategy"
	"autotrader/internal/util"
)

// Config tunes the coordinator.
type Config struct {
	// LockTTL bounds how long a crashed run can block its strategy.
	LockTTL time.Duration
	// BrokerAttempts and BrokerBaseDelay bound the retries of broker calls
	// that fail with *domain.BrokerUnavailableError.
	BrokerAttempts  int
	BrokerBaseDelay time.Duration
	// ClientOrderPrefix prefixes the client order IDs sent to the broker.
	ClientOrderPrefix string
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:           10 * time.Minute,
		BrokerAttempts:    3,
		BrokerBaseDelay:   500 * time.Millisecond,
		ClientOrderPrefix: "at",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.BrokerAttempts <= 0 {
		c.BrokerAttempts = d.BrokerAttempts
	}
	if c.BrokerBaseDelay <= 0 {
		c.BrokerBaseDelay = d.BrokerBaseDelay
	}
	if c.ClientOrderPrefix == "" {
		c.ClientOrderPrefix = d.ClientOrderPrefix
	}
	return c
}

// Engine orchestrates the trading lifecycle by delegating to a broker for
// execution, the store for persistence, a strategy engine for decisions and
// a risk manager for pre-trade checks.
type Engine struct {
	store      store.Store
	brokers    *broker.Registry
	engines    *strategy.Registry
	risk       *RiskManager
	reconciler *Reconciler
	cfg        Config
	now        func() time.Time
	log        *slog.Logger
}

// NewEngine creates a new Engine wired with the given dependencies. risk may
// be nil.
func NewEngine(
	st store.Store,
	brokers *broker.Registry,
	engines *strategy.Registry,
	risk *RiskManager,
	cfg Config,
) *Engine {
	return &Engine{
		store:      st,
		brokers:    brokers,
		engines:    engines,
		risk:       risk,
		reconciler: NewReconciler(st, brokers),
		cfg:        cfg.withDefaults(),
		now:        func() time.Time { return time.Now().UTC() },
		log:        slog.Default().With("component", "engine"),
	}
}

// Reconciler returns the engine's reconciler.
func (e *Engine) Reconciler() *Reconciler { return e.reconciler }

// run carries the state of one RunDailyRoutine call.
type run struct {
	res    domain.RunResult
	st     *domain.Strategy
	params strategy.Params
	eng    strategy.Engine
	b      broker.Broker
	log    *slog.Logger
}

// RunDailyRoutine executes one cycle of a strategy and reports what
// happened. It never returns an error: every outcome, including failures, is
// described by the RunResult.
func (e *Engine) RunDailyRoutine(ctx context.Context, strategyID int64) domain.RunResult {
	r := &run{
		res: domain.RunResult{StrategyID: strategyID, StartedAt: e.now()},
		log: e.log.With("strategy_id", strategyID),
	}
	e.execute(ctx, r)
	r.res.FinishedAt = e.now()

	r.log.Info("run finished", "status", r.res.Status, "skip_reason", r.res.SkipReason,
		"cycle", r.res.Cycle, "submitted", r.res.OrdersSubmitted, "failed", r.res.OrdersFailed,
		"error", r.res.Error, "elapsed", r.res.FinishedAt.Sub(r.res.StartedAt))
	return r.res
}

func (r *run) skip(reason string, err error) {
	r.res.Status = domain.RunStatusSkipped
	r.res.SkipReason = reason
	if err != nil {
		r.res.Error = err.Error()
	}
}

func (r *run) fail(err error) {
	r.res.Status = domain.RunStatusFailed
	r.res.Error = err.Error()
}

func (e *Engine) execute(ctx context.Context, r *run) {
	lease, err := e.store.Acquire(ctx, store.LockKey(r.res.StrategyID), e.cfg.LockTTL)
	if errors.Is(err, domain.ErrAlreadyRunning) {
		r.skip(domain.SkipAlreadyRunning, nil)
		return
	}
	if err != nil {
		r.fail(fmt.Errorf("acquire run lock: %w", err))
		return
	}
	defer e.release(ctx, lease)

	if err := e.load(ctx, r); err != nil {
		r.fail(err)
		return
	}
	if r.st.Status != domain.StrategyStatusActive {
		r.skip(domain.SkipInactive, nil)
		return
	}

	var open bool
	err = e.retry(ctx, func() error {
		var err error
		open, err = r.b.IsMarketOpen(ctx, r.st.Exchange, e.now())
		return err
	})
	if err != nil {
		r.fail(fmt.Errorf("market hours: %w", err))
		return
	}
	if !open {
		r.skip(domain.SkipMarketClosed, nil)
		return
	}

	base, ok := e.resume(ctx, r)
	if !ok {
		return
	}
	e.cycle(ctx, r, base)
}

// load resolves the strategy, its parameters, engine and broker.
func (e *Engine) load(ctx context.Context, r *run) error {
	st, err := e.store.GetStrategy(ctx, r.res.StrategyID)
	if err != nil {
		return fmt.Errorf("load strategy: %w", err)
	}
	r.st = st
	r.res.StrategyName = st.Name
	r.log = e.log.With("strategy", st.Name, "strategy_id", st.ID)

	if r.params, err = strategy.DecodeParams(st.Code, st.Params); err != nil {
		return err
	}
	if r.eng, err = e.engines.MustGet(st.Code); err != nil {
		return err
	}
	if r.b, err = e.brokers.Get(st.Account); err != nil {
		return err
	}
	return nil
}

// resume finds the snapshot the new cycle builds on, reconciling it first
// when its orders were still working. ok is false when the run must stop.
func (e *Engine) resume(ctx context.Context, r *run) (*domain.Snapshot, bool) {
	for {
		base, err := e.store.LatestResumable(ctx, r.st.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, true
		}
		if err != nil {
			r.fail(fmt.Errorf("load latest snapshot: %w", err))
			return nil, false
		}
		if base.Status == domain.SnapshotStatusCompleted {
			return base, true
		}

		status, err := e.reconciler.ReconcileSnapshot(ctx, r.st, base.ID, r.params.RejectPolicy())
		var mismatch *domain.ReconciliationMismatchError
		switch {
		case errors.As(err, &mismatch):
			r.res.Cycle, r.res.SnapshotID = base.Cycle, base.ID
			r.skip(domain.SkipMismatch, err)
			return nil, false
		case err != nil:
			r.fail(fmt.Errorf("reconcile cycle %d: %w", base.Cycle, err))
			return nil, false
		case !status.Terminal():
			r.res.Cycle, r.res.SnapshotID = base.Cycle, base.ID
			r.skip(domain.SkipAwaitingFills, nil)
			return nil, false
		case status == domain.SnapshotStatusCompleted:
			base.Status = status
			return base, true
		}
		// The snapshot failed; look for an earlier one.
	}
}

// cycle computes and executes one new cycle on top of base.
func (e *Engine) cycle(ctx context.Context, r *run, base *domain.Snapshot) {
	progress, err := e.baseProgress(ctx, r, base)
	if err != nil && !isEngineError(err) {
		r.fail(err)
		return
	}

	cycle, cerr := e.store.NextCycle(ctx, r.st.ID)
	if cerr != nil {
		r.fail(fmt.Errorf("next cycle: %w", cerr))
		return
	}
	r.res.Cycle = cycle
	r.log = r.log.With("cycle", cycle)

	if err != nil {
		e.recordFailedCycle(ctx, r, base, progress, err)
		return
	}

	var price domain.Price
	err = e.retry(ctx, func() error {
		var err error
		price, err = r.b.GetPrice(ctx, r.st.Symbol)
		return err
	})
	if err != nil {
		r.fail(fmt.Errorf("get price %s: %w", r.st.Symbol, err))
		return
	}

	out, err := r.eng.Compute(strategy.Input{
		Price:    price.Value,
		AsOf:     e.now(),
		Progress: progress,
		Params:   r.params,
	})
	if err != nil {
		e.recordFailedCycle(ctx, r, base, progress, err)
		return
	}

	snap, err := e.store.Append(ctx, r.st.ID, domain.SnapshotStatusInit, out.Progress, cycle)
	if err != nil {
		r.fail(fmt.Errorf("append snapshot: %w", err))
		return
	}
	r.res.SnapshotID = snap.ID

	if len(out.Actions) == 0 {
		if err := e.store.Finalize(ctx, snap.ID, domain.SnapshotStatusCompleted, ""); err != nil {
			r.fail(fmt.Errorf("finalize snapshot: %w", err))
			return
		}
		r.res.Status = domain.RunStatusSuccess
		return
	}

	e.submit(ctx, r, snap, out.Actions)
}

// baseProgress returns the progress the engine computes from: the initial
// progress for a new strategy, else base's progress corrected by its fills.
// On an engine error the uncorrected progress is returned with the error.
func (e *Engine) baseProgress(ctx context.Context, r *run, base *domain.Snapshot) (json.RawMessage, error) {
	if base == nil {
		progress, err := r.eng.InitialProgress(r.params)
		if err != nil {
			return nil, fmt.Errorf("initial progress: %w", err)
		}
		return progress, nil
	}
	orders, err := e.store.ListOrders(ctx, base.ID)
	if err != nil {
		return nil, fmt.Errorf("list orders of cycle %d: %w", base.Cycle, err)
	}
	progress, err := r.eng.ApplyFills(base.Progress, r.params, orders)
	if err != nil {
		return base.Progress, err
	}
	return progress, nil
}

// recordFailedCycle appends a FAILED snapshot carrying the engine error.
func (e *Engine) recordFailedCycle(ctx context.Context, r *run, base *domain.Snapshot, progress json.RawMessage, cause error) {
	r.log.Error("strategy computation failed", "error", cause)
	if len(progress) == 0 && base != nil {
		progress = base.Progress
	}
	if len(progress) == 0 {
		progress = json.RawMessage(`{}`)
	}

	persist := context.WithoutCancel(ctx)
	snap, err := e.store.Append(persist, r.st.ID, domain.SnapshotStatusFailed, progress, r.res.Cycle)
	if err != nil {
		r.fail(fmt.Errorf("%v (recording failed cycle: %w)", cause, err))
		return
	}
	r.res.SnapshotID = snap.ID
	if err := e.store.RecordError(persist, snap.ID, cause.Error()); err != nil {
		r.log.Warn("record cycle error", "snapshot_id", snap.ID, "error", err)
	}
	r.fail(cause)
}

// submit places every action, persists the orders, marks the snapshot
// IN_PROGRESS and reconciles once.
func (e *Engine) submit(ctx context.Context, r *run, snap *domain.Snapshot, actions []domain.Action) {
	persist := context.WithoutCancel(ctx)
	orders := make([]domain.Order, 0, len(actions))
	var (
		accepted bool
		notional float64
	)

	for i, a := range actions {
		o := domain.Order{
			Symbol:        r.st.Symbol,
			Side:          a.Side,
			Type:          a.Type,
			Qty:           a.Qty,
			Price:         a.Price,
			Tag:           a.Tag,
			ClientOrderID: fmt.Sprintf("%s-%d-%d-%d", e.cfg.ClientOrderPrefix, r.st.ID, snap.Cycle, i+1),
			OrderedAt:     e.now(),
		}

		if ctx.Err() != nil {
			o.Status, o.Error = domain.OrderStatusCancelled, "not submitted: "+ctx.Err().Error()
			orders = append(orders, o)
			continue
		}
		if err := e.risk.CheckAction(a, notional); err != nil {
			o.Status, o.Error = domain.OrderStatusRejected, err.Error()
			orders = append(orders, o)
			continue
		}

		ref, err := e.placeOrder(ctx, persist, r.b, broker.OrderRequest{
			Account:       r.st.Account,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Type:          o.Type,
			Qty:           o.Qty,
			LimitPrice:    o.Price,
			ClientOrderID: o.ClientOrderID,
		})

		if errors.Is(err, errPlacementUnconfirmed) {
			// Possibly live at the broker: keep it open so reconciliation
			// resolves it by client order id.
			r.log.Warn("order placement unconfirmed", "client_order_id", o.ClientOrderID, "error", err)
			accepted = true
			notional += a.Notional()
			o.Status, o.Error = domain.OrderStatusSubmitted, err.Error()
			orders = append(orders, o)
			continue
		}

		var rejected *domain.BrokerRejectedError
		if errors.As(err, &rejected) && rejected.MarketClosed && !accepted {
			// Holiday not known to the calendar: nothing was placed.
			r.log.Info("broker reports market closed", "reason", rejected.Reason)
			if err := e.store.Finalize(persist, snap.ID, domain.SnapshotStatusFailed, "market closed: "+rejected.Reason); err != nil {
				r.log.Warn("finalize market-closed snapshot", "error", err)
			}
			r.skip(domain.SkipMarketClosed, nil)
			return
		}
		if err != nil {
			r.log.Warn("order not placed", "side", o.Side, "qty", o.Qty, "price", o.Price, "error", err)
			o.Status, o.Error = domain.OrderStatusRejected, err.Error()
			orders = append(orders, o)
			continue
		}

		accepted = true
		notional += a.Notional()
		o.BrokerRef = ref.ID
		o.Status = domain.OrderStatusSubmitted
		if ref.Status == domain.OrderStatusRejected {
			o.Status = domain.OrderStatusRejected
		}
		orders = append(orders, o)
	}

	attached, err := e.store.AttachOrders(persist, snap.ID, orders)
	if err != nil {
		r.fail(fmt.Errorf("attach orders: %w", err))
		return
	}
	for _, o := range attached {
		out := domain.OrderOutcome{
			OrderID: o.ID, Side: o.Side, Qty: o.Qty, Price: o.Price, Tag: o.Tag,
			Status: o.Status, BrokerRef: o.BrokerRef, Error: o.Error,
		}
		if o.Status == domain.OrderStatusSubmitted {
			r.res.OrdersSubmitted++
		} else {
			r.res.OrdersFailed++
		}
		r.res.Orders = append(r.res.Orders, out)
	}

	if err := e.store.MarkInProgress(persist, snap.ID, e.now()); err != nil {
		r.fail(fmt.Errorf("mark snapshot in progress: %w", err))
		return
	}

	r.res.Status = domain.RunStatusSuccess
	if r.res.OrdersFailed > 0 {
		r.res.Status = domain.RunStatusPartial
		if r.params.RejectPolicy() == strategy.RejectFailCycle {
			r.res.Status = domain.RunStatusFailed
			r.res.Error = fmt.Sprintf("%d order(s) rejected", r.res.OrdersFailed)
		}
	}

	if _, err := e.reconciler.ReconcileSnapshot(persist, r.st, snap.ID, r.params.RejectPolicy()); err != nil {
		r.log.Warn("reconcile after submission", "error", err)
		if r.res.Error == "" {
			r.res.Error = err.Error()
		}
	}
	e.refreshOutcomes(persist, r, snap.ID)
}

// refreshOutcomes copies the reconciled order statuses into the result.
func (e *Engine) refreshOutcomes(ctx context.Context, r *run, snapshotID int64) {
	orders, err := e.store.ListOrders(ctx, snapshotID)
	if err != nil {
		return
	}
	byID := make(map[int64]domain.Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}
	for i := range r.res.Orders {
		if o, ok := byID[r.res.Orders[i].OrderID]; ok {
			r.res.Orders[i].Status = o.Status
			r.res.Orders[i].BrokerRef = o.BrokerRef
		}
	}
}

// errPlacementUnconfirmed marks an order the broker may or may not hold.
var errPlacementUnconfirmed = errors.New("order placement unconfirmed")

// placeOrder submits req, retrying while the broker is unreachable. A
// transport failure can hide an accepted order, and its retry then fails as
// a duplicate client order id. In both cases the order is looked up by
// client order id on lookupCtx, so an order live at the broker is never
// recorded as rejected. errPlacementUnconfirmed is returned when the lookup
// cannot settle it.
func (e *Engine) placeOrder(ctx, lookupCtx context.Context, b broker.Broker, req broker.OrderRequest) (broker.OrderRef, error) {
	var (
		ref       broker.OrderRef
		ambiguous bool
	)
	err := e.retry(ctx, func() error {
		var err error
		ref, err = b.PlaceOrder(ctx, req)
		if domain.IsBrokerUnavailable(err) {
			ambiguous = true
		}
		return err
	})
	if err == nil || req.ClientOrderID == "" {
		return ref, err
	}

	var rejected *domain.BrokerRejectedError
	isRejected := errors.As(err, &rejected)
	duplicate := isRejected && rejected.DuplicateClientOrder
	if !duplicate && (!ambiguous || isRejected) {
		return ref, err
	}

	var fill domain.Fill
	lookupErr := e.retry(lookupCtx, func() error {
		var err error
		fill, err = b.GetOrderByClientID(lookupCtx, req.ClientOrderID)
		return err
	})
	switch {
	case lookupErr == nil:
		status := domain.OrderStatusSubmitted
		if fill.Status == domain.OrderStatusRejected {
			status = fill.Status
		}
		e.log.Info("recovered order placement", "client_order_id", req.ClientOrderID, "broker_ref", fill.BrokerRef)
		return broker.OrderRef{ID: fill.BrokerRef, ClientOrderID: req.ClientOrderID, Status: status}, nil
	case errors.Is(lookupErr, broker.ErrOrderNotFound) && !duplicate:
		// The broker never received it.
		return ref, err
	default:
		return broker.OrderRef{}, fmt.Errorf("%w: %v (lookup: %v)", errPlacementUnconfirmed, err, lookupErr)
	}
}

// retry runs fn with bounded backoff while it fails with
// *domain.BrokerUnavailableError.
func (e *Engine) retry(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, e.cfg.BrokerAttempts, e.cfg.BrokerBaseDelay, func() error {
		err := fn()
		if err != nil && !domain.IsBrokerUnavailable(err) {
			return util.Permanent(err)
		}
		return err
	})
}

// release drops the lease on a context that survives cancellation of the
// run.
func (e *Engine) release(ctx context.Context, lease *store.Lease) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.Release(relCtx, lease); err != nil {
		e.log.Warn("release run lock", "key", lease.Key, "error", err)
	}
}

func isEngineError(err error) bool {
	var engErr *domain.EngineComputationError
	return errors.As(err, &engErr)
}
