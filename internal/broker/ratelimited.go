package broker

import (
	"context"
	"time"

	"autotrader/internal/domain"
	"autotrader/internal/util"
)

// Compile-time interface check.
var _ Broker = (*RateLimited)(nil)

// RateLimited wraps a Broker so that every call first takes a token from a
// shared limiter. Several accounts at the same brokerage can share one
// limiter to stay under a global request budget.
type RateLimited struct {
	next    Broker
	limiter *util.RateLimiter
}

// NewRateLimited wraps next with limiter. A nil limiter disables limiting.
func NewRateLimited(next Broker, limiter *util.RateLimiter) *RateLimited {
	return &RateLimited{next: next, limiter: limiter}
}

// Unwrap returns the wrapped broker.
func (r *RateLimited) Unwrap() Broker { return r.next }

func (r *RateLimited) Name() string { return r.next.Name() }

func (r *RateLimited) GetPrice(ctx context.Context, symbol string) (domain.Price, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return domain.Price{}, err
	}
	return r.next.GetPrice(ctx, symbol)
}

func (r *RateLimited) PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return OrderRef{}, err
	}
	return r.next.PlaceOrder(ctx, req)
}

func (r *RateLimited) GetOrderStatus(ctx context.Context, ref string) (domain.Fill, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return domain.Fill{}, err
	}
	return r.next.GetOrderStatus(ctx, ref)
}

func (r *RateLimited) GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.Fill, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return domain.Fill{}, err
	}
	return r.next.GetOrderByClientID(ctx, clientOrderID)
}

func (r *RateLimited) GetTransactionHistory(ctx context.Context, account string, dr DateRange) ([]domain.Fill, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.GetTransactionHistory(ctx, account, dr)
}

func (r *RateLimited) IsMarketOpen(ctx context.Context, exchange domain.Exchange, at time.Time) (bool, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return r.next.IsMarketOpen(ctx, exchange, at)
}
