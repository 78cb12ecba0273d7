package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"autotrader/internal/domain"
	"autotrader/internal/strategy"
)

// ---------------------------------------------------------------------------
// Strategies
// ---------------------------------------------------------------------------

// StrategyRequest is the body of create and update calls. On update, empty
// fields keep their stored value.
type StrategyRequest struct {
	Name        string                `json:"name"`
	Code        domain.StrategyCode   `json:"code"`
	Account     string                `json:"account"`
	Symbol      string                `json:"symbol"`
	Exchange    domain.Exchange       `json:"exchange"`
	Params      json.RawMessage       `json:"params"`
	Status      domain.StrategyStatus `json:"status"`
	Description string                `json:"description"`
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	status := domain.StrategyStatus(strings.ToUpper(r.URL.Query().Get("status")))
	if status != "" && status != domain.StrategyStatusActive && status != domain.StrategyStatusInactive {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	list, err := s.store.ListStrategies(r.Context(), status)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if list == nil {
		list = []domain.Strategy{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req StrategyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeStoreError(w, err)
		return
	}
	st := &domain.Strategy{
		Name:        req.Name,
		Code:        req.Code,
		Account:     req.Account,
		Symbol:      req.Symbol,
		Exchange:    req.Exchange,
		Params:      req.Params,
		Status:      req.Status,
		Description: req.Description,
	}
	if st.Exchange == "" {
		st.Exchange = domain.ExchangeNYSE
	}
	if st.Status == "" {
		st.Status = domain.StrategyStatusActive
	}
	if err := s.validateStrategy(st); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.CreateStrategy(r.Context(), st); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("strategy created", "strategy", st.Name, "id", st.ID, "code", st.Code)
	s.bus.PublishStrategy(*st)
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	st, err := s.store.GetStrategy(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	var req StrategyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeStoreError(w, err)
		return
	}
	st, err := s.store.GetStrategy(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if req.Code != "" && req.Code != st.Code {
		writeError(w, http.StatusBadRequest, "strategy code cannot be changed")
		return
	}
	if req.Name != "" {
		st.Name = req.Name
	}
	if req.Account != "" {
		st.Account = req.Account
	}
	if req.Symbol != "" {
		st.Symbol = req.Symbol
	}
	if req.Exchange != "" {
		st.Exchange = req.Exchange
	}
	if len(req.Params) > 0 {
		st.Params = req.Params
	}
	if req.Status != "" {
		st.Status = req.Status
	}
	if req.Description != "" {
		st.Description = req.Description
	}
	if err := s.validateStrategy(st); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.UpdateStrategy(r.Context(), st); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("strategy updated", "strategy", st.Name, "id", st.ID)
	s.bus.PublishStrategy(*st)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.DeleteStrategy(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("strategy deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetStatus(status domain.StrategyStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		if err := s.store.SetStrategyStatus(r.Context(), id, status); err != nil {
			s.writeStoreError(w, err)
			return
		}
		st, err := s.store.GetStrategy(r.Context(), id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		s.log.Info("strategy status changed", "strategy", st.Name, "status", status)
		s.bus.PublishStrategy(*st)
		writeJSON(w, http.StatusOK, st)
	}
}

// validateStrategy normalizes st and rejects anything the engine could not
// run. Parameter errors surface here rather than at run time.
func (s *Server) validateStrategy(st *domain.Strategy) error {
	st.Name = strings.TrimSpace(st.Name)
	st.Symbol = strings.ToUpper(strings.TrimSpace(st.Symbol))
	if st.Name == "" {
		return &domain.ConfigurationError{Field: "name", Reason: "required"}
	}
	if st.Symbol == "" {
		return &domain.ConfigurationError{Field: "symbol", Reason: "required"}
	}
	switch st.Exchange {
	case domain.ExchangeNYSE, domain.ExchangeNASDAQ, domain.ExchangeAMEX, domain.ExchangeKRX:
	default:
		return &domain.ConfigurationError{Field: "exchange", Reason: fmt.Sprintf("unknown exchange %q", st.Exchange)}
	}
	switch st.Status {
	case domain.StrategyStatusActive, domain.StrategyStatusInactive:
	default:
		return &domain.ConfigurationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", st.Status)}
	}
	if !s.accounts.Has(st.Account) {
		return &domain.ConfigurationError{Field: "account", Reason: fmt.Sprintf("unknown account %q", st.Account)}
	}
	if _, err := strategy.DecodeParams(st.Code, st.Params); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if _, err := s.store.GetStrategy(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	// A client hanging up must not abort order submission half way.
	res := s.runner.RunDailyRoutine(context.WithoutCancel(r.Context()), id)
	s.bus.PublishResult(res)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunAll(w http.ResponseWriter, r *http.Request) {
	report, err := s.fanout.RunAllActive(context.WithoutCancel(r.Context()))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// SnapshotView is a snapshot with its orders.
type SnapshotView struct {
	domain.Snapshot
	Orders []domain.Order `json:"orders"`
}

// SnapshotRequest is the body of manual snapshot create and edit calls.
type SnapshotRequest struct {
	Progress json.RawMessage `json:"progress"`
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}
	if _, err := s.store.GetStrategy(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	snaps, err := s.store.ListSnapshots(r.Context(), id, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if snaps == nil {
		snaps = []domain.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	var req SnapshotRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if _, err := s.store.GetStrategy(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	snap, err := s.store.CreateManualSnapshot(r.Context(), id, req.Progress)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("manual snapshot created", "strategy_id", id, "cycle", snap.Cycle)
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	snap, err := s.store.GetSnapshot(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	orders, err := s.store.ListOrders(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, SnapshotView{Snapshot: *snap, Orders: orders})
}

func (s *Server) handleUpdateSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	var req SnapshotRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.UpdateManualSnapshot(r.Context(), id, req.Progress); err != nil {
		s.writeStoreError(w, err)
		return
	}
	snap, err := s.store.GetSnapshot(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.DeleteSnapshot(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderUpdate is the body of an operator order edit. Nil fields are left
// unchanged.
type OrderUpdate struct {
	Status      *domain.OrderStatus `json:"status"`
	Qty         *float64            `json:"qty"`
	Price       *float64            `json:"price"`
	FilledQty   *float64            `json:"filled_qty"`
	FilledPrice *float64            `json:"filled_price"`
	BrokerRef   *string             `json:"broker_ref"`
	Tag         *string             `json:"tag"`
	Error       *string             `json:"error"`
}

// handleListOrders lists the orders of ?snapshot_id=N or of the UTC day
// ?date=YYYY-MM-DD.
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		orders []domain.Order
		err    error
	)
	switch {
	case q.Get("snapshot_id") != "":
		id, perr := strconv.ParseInt(q.Get("snapshot_id"), 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "snapshot_id must be an integer")
			return
		}
		orders, err = s.store.ListOrders(r.Context(), id)
	case q.Get("date") != "":
		day, perr := time.Parse("2006-01-02", q.Get("date"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		orders, err = s.store.ListOrdersBetween(r.Context(), day, day.AddDate(0, 0, 1))
	default:
		writeError(w, http.StatusBadRequest, "snapshot_id or date is required")
		return
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	var req OrderUpdate
	if err := decodeBody(r, &req); err != nil {
		s.writeStoreError(w, err)
		return
	}
	o, err := s.store.GetOrder(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := applyOrderUpdate(o, req); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.UpdateOrder(r.Context(), o); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("order edited", "order_id", id, "status", o.Status)
	o, err = s.store.GetOrder(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func applyOrderUpdate(o *domain.Order, u OrderUpdate) error {
	if u.Status != nil {
		switch *u.Status {
		case domain.OrderStatusSubmitted, domain.OrderStatusFilled, domain.OrderStatusPartiallyFilled,
			domain.OrderStatusUnfilled, domain.OrderStatusCancelled, domain.OrderStatusRejected:
			o.Status = *u.Status
		default:
			return &domain.ConfigurationError{Field: "status", Reason: fmt.Sprintf("unknown order status %q", *u.Status)}
		}
	}
	for name, v := range map[string]*float64{"qty": u.Qty, "price": u.Price, "filled_qty": u.FilledQty, "filled_price": u.FilledPrice} {
		if v != nil && *v < 0 {
			return &domain.ConfigurationError{Field: name, Reason: "must not be negative"}
		}
	}
	if u.Qty != nil {
		o.Qty = *u.Qty
	}
	if u.Price != nil {
		o.Price = *u.Price
	}
	if u.FilledQty != nil {
		o.FilledQty = u.FilledQty
	}
	if u.FilledPrice != nil {
		o.FilledPrice = u.FilledPrice
	}
	if u.BrokerRef != nil {
		o.BrokerRef = *u.BrokerRef
	}
	if u.Tag != nil {
		o.Tag = *u.Tag
	}
	if u.Error != nil {
		o.Error = *u.Error
	}
	return nil
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.DeleteOrder(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("order deleted", "order_id", id)
	w.WriteHeader(http.StatusNoContent)
}
