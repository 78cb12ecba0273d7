// Package broker defines the Broker interface and provides implementations
// for pricing, order placement and fill lookup across brokerage accounts.
package broker

import (
	"context"
	"errors"
	"time"

	"autotrader/internal/domain"
)

// ErrOrderNotFound is returned by GetOrderStatus when the broker no longer
// knows an order reference. Callers fall back to the transaction history.
var ErrOrderNotFound = errors.New("broker: order not found")

// OrderRequest is an order to submit on behalf of an account.
type OrderRequest struct {
	Account       string
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Qty           float64
	LimitPrice    float64 // ignored for MARKET and MOC
	ClientOrderID string
}

// OrderRef is the broker's acknowledgement of a placed order.
type OrderRef struct {
	ID            string
	ClientOrderID string
	Status        domain.OrderStatus
}

// DateRange is a half-open interval [From, To).
type DateRange struct {
	From time.Time
	To   time.Time
}

// Broker abstracts the brokerage operations the execution engine needs.
// Transport failures are returned as *domain.BrokerUnavailableError and order
// refusals as *domain.BrokerRejectedError.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// GetPrice returns the latest traded price of symbol.
	GetPrice(ctx context.Context, symbol string) (domain.Price, error)

	// PlaceOrder submits an order for execution.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error)

	// GetOrderStatus returns the broker's current view of an order.
	GetOrderStatus(ctx context.Context, ref string) (domain.Fill, error)

	// GetOrderByClientID looks an order up by the client order id it was
	// placed with. It returns ErrOrderNotFound when no such order exists.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.Fill, error)

	// GetTransactionHistory returns the fills of account within r, one entry
	// per order.
	GetTransactionHistory(ctx context.Context, account string, r DateRange) ([]domain.Fill, error)

	// IsMarketOpen reports whether at falls on a trading day of exchange
	// whose session has not yet closed. It does not mean the session is open
	// now: a pre-market instant of a trading day counts, so close orders can
	// be queued ahead of the open.
	IsMarketOpen(ctx context.Context, exchange domain.Exchange, at time.Time) (bool, error)
}

// ValidateRequest checks an order request before it is sent.
func ValidateRequest(req OrderRequest) error {
	switch {
	case req.Symbol == "":
		return &domain.BrokerRejectedError{Code: "invalid_request", Reason: "symbol is required"}
	case req.Qty <= 0:
		return &domain.BrokerRejectedError{Code: "invalid_request", Reason: "quantity must be positive"}
	case req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell:
		return &domain.BrokerRejectedError{Code: "invalid_request", Reason: "unknown side " + string(req.Side)}
	}
	switch req.Type {
	case domain.OrderTypeMarket, domain.OrderTypeMOC:
	case domain.OrderTypeLimit, domain.OrderTypeLOC:
		if req.LimitPrice <= 0 {
			return &domain.BrokerRejectedError{Code: "invalid_request", Reason: "limit price must be positive"}
		}
	default:
		return &domain.BrokerRejectedError{Code: "invalid_request", Reason: "unknown order type " + string(req.Type)}
	}
	return nil
}
