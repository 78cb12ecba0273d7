// Package domain defines the core types shared across the autotrader
// packages: strategies, snapshots, orders and the values exchanged with the
// broker gateway.
package domain

import (
	"encoding/json"
	"time"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// StrategyCode identifies the decision algorithm a strategy runs.
type StrategyCode string

const (
	StrategyCodeVR     StrategyCode = "VR"
	StrategyCodeInfBuy StrategyCode = "InfBuy"
)

// StrategyStatus is the lifecycle status of a strategy.
type StrategyStatus string

const (
	StrategyStatusActive   StrategyStatus = "ACTIVE"
	StrategyStatusInactive StrategyStatus = "INACTIVE"
)

// SnapshotStatus is the state of one executed cycle.
type SnapshotStatus string

const (
	SnapshotStatusInit       SnapshotStatus = "INIT"
	SnapshotStatusInProgress SnapshotStatus = "IN_PROGRESS"
	SnapshotStatusCompleted  SnapshotStatus = "COMPLETED"
	SnapshotStatusFailed     SnapshotStatus = "FAILED"
	SnapshotStatusManual     SnapshotStatus = "MANUAL"
)

// Terminal reports whether no further transition is allowed from s.
func (s SnapshotStatus) Terminal() bool {
	return s == SnapshotStatusCompleted || s == SnapshotStatusFailed || s == SnapshotStatusManual
}

// Resumable reports whether the engine may resume from a snapshot in s.
func (s SnapshotStatus) Resumable() bool {
	return s != SnapshotStatusManual && s != SnapshotStatusFailed
}

// OrderSide is BUY or SELL.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the execution style requested from the broker.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeLOC    OrderType = "LOC" // limit on close
	OrderTypeMOC    OrderType = "MOC" // market on close
)

// OrderStatus tracks an order from submission to its terminal fill state.
type OrderStatus string

const (
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusUnfilled        OrderStatus = "UNFILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the broker will not change the order any more.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusPartiallyFilled, OrderStatusUnfilled,
		OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Exchange names a market calendar.
type Exchange string

const (
	ExchangeNYSE   Exchange = "NYSE"
	ExchangeNASDAQ Exchange = "NASDAQ"
	ExchangeAMEX   Exchange = "AMEX"
	ExchangeKRX    Exchange = "KRX"
)

// ---------------------------------------------------------------------------
// Persistent records
// ---------------------------------------------------------------------------

// Strategy is a registered, parametrized strategy bound to an account.
type Strategy struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Code        StrategyCode    `json:"code"`
	Account     string          `json:"account"`
	Symbol      string          `json:"symbol"`
	Exchange    Exchange        `json:"exchange"`
	Params      json.RawMessage `json:"params"`
	Status      StrategyStatus  `json:"status"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Snapshot is the durable record of one cycle of a strategy.
type Snapshot struct {
	ID         int64           `json:"id"`
	StrategyID int64           `json:"strategy_id"`
	Cycle      int64           `json:"cycle"`
	Status     SnapshotStatus  `json:"status"`
	Progress   json.RawMessage `json:"progress"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExecutedAt *time.Time      `json:"executed_at,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Order is one broker order submitted on behalf of a snapshot.
type Order struct {
	ID            int64       `json:"id"`
	SnapshotID    int64       `json:"snapshot_id"`
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Qty           float64     `json:"qty"`
	Price         float64     `json:"price"`
	FilledQty     *float64    `json:"filled_qty,omitempty"`
	FilledPrice   *float64    `json:"filled_price,omitempty"`
	Status        OrderStatus `json:"status"`
	BrokerRef     string      `json:"broker_ref,omitempty"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	Tag           string      `json:"tag,omitempty"`
	Error         string      `json:"error,omitempty"`
	OrderedAt     time.Time   `json:"ordered_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Filled returns the observed fill quantity and price, zero when unknown.
func (o *Order) Filled() (qty, price float64) {
	if o.FilledQty != nil {
		qty = *o.FilledQty
	}
	if o.FilledPrice != nil {
		price = *o.FilledPrice
	}
	return qty, price
}

// ---------------------------------------------------------------------------
// Values exchanged with the broker gateway and engines
// ---------------------------------------------------------------------------

// Price is a quote returned by the broker.
type Price struct {
	Symbol string    `json:"symbol"`
	Value  float64   `json:"value"`
	AsOf   time.Time `json:"as_of"`
}

// Fill is the broker's authoritative view of an order.
type Fill struct {
	BrokerRef   string      `json:"broker_ref"`
	Symbol      string      `json:"symbol,omitempty"`
	Side        OrderSide   `json:"side,omitempty"`
	Status      OrderStatus `json:"status"`
	FilledQty   float64     `json:"filled_qty"`
	FilledPrice float64     `json:"filled_price"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Action is an order a strategy engine intends to place.
type Action struct {
	Side  OrderSide `json:"side"`
	Type  OrderType `json:"type"`
	Qty   float64   `json:"qty"`
	Price float64   `json:"price"`
	Tag   string    `json:"tag"`
}

// Notional returns qty * price.
func (a Action) Notional() float64 {
	return a.Qty * a.Price
}
