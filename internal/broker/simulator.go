package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"autotrader/internal/domain"
	"autotrader/internal/util"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// FillPolicy controls how the simulator settles placed orders.
type FillPolicy string

const (
	// FillImmediately fills every accepted order in full at its limit price
	// (or the current price for MARKET and MOC orders).
	FillImmediately FillPolicy = "immediate"
	// FillManually leaves orders SUBMITTED until SetFill is called.
	FillManually FillPolicy = "manual"
)

type simOrder struct {
	req    OrderRequest
	fill   domain.Fill
	placed time.Time
	forgot bool
}

// SimulatorBroker implements the Broker interface for paper trading and
// tests. It tracks prices and orders in memory without making external API
// calls.
type SimulatorBroker struct {
	mu        sync.Mutex
	prices    map[string]float64
	priceErr  error
	orders    map[string]*simOrder
	byClient  map[string]string // client order id -> ref
	seq       int
	policy    FillPolicy
	calendars map[domain.Exchange]*util.TradingCalendar
	open      *bool
	onPlace   func(OrderRequest) error
	now       func() time.Time
}

// NewSimulatorBroker creates a SimulatorBroker that fills orders immediately
// and follows the weekday calendar of each exchange.
func NewSimulatorBroker() *SimulatorBroker {
	return &SimulatorBroker{
		prices:    make(map[string]float64),
		orders:    make(map[string]*simOrder),
		byClient:  make(map[string]string),
		policy:    FillImmediately,
		calendars: make(map[domain.Exchange]*util.TradingCalendar),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SetPrice sets the quote returned for symbol.
func (b *SimulatorBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// SetPriceError makes GetPrice fail with err until cleared with nil.
func (b *SimulatorBroker) SetPriceError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.priceErr = err
}

// SetFillPolicy changes how subsequently placed orders settle.
func (b *SimulatorBroker) SetFillPolicy(p FillPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy = p
}

// SetCalendar installs the trading calendar used for an exchange.
func (b *SimulatorBroker) SetCalendar(cal *util.TradingCalendar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calendars[cal.Exchange()] = cal
}

// SetMarketOpen forces IsMarketOpen to return open for every exchange.
func (b *SimulatorBroker) SetMarketOpen(open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = &open
}

// OnPlace installs a hook run before an order is accepted. A non-nil error
// is returned from PlaceOrder as is.
func (b *SimulatorBroker) OnPlace(fn func(OrderRequest) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPlace = fn
}

// SetFill overwrites the broker's view of an order.
func (b *SimulatorBroker) SetFill(ref string, fill domain.Fill) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, ref)
	}
	fill.BrokerRef = ref
	if fill.Symbol == "" {
		fill.Symbol = o.req.Symbol
	}
	if fill.Side == "" {
		fill.Side = o.req.Side
	}
	if fill.UpdatedAt.IsZero() {
		fill.UpdatedAt = b.now()
	}
	o.fill = fill
	return nil
}

// Forget makes GetOrderStatus report ErrOrderNotFound for ref while the
// transaction history still lists it.
func (b *SimulatorBroker) Forget(ref string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orders[ref]; ok {
		o.forgot = true
	}
}

// Placed returns the accepted order requests keyed by broker reference.
func (b *SimulatorBroker) Placed() map[string]OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]OrderRequest, len(b.orders))
	for ref, o := range b.orders {
		out[ref] = o.req
	}
	return out
}

// GetPrice returns the configured quote for symbol.
func (b *SimulatorBroker) GetPrice(ctx context.Context, symbol string) (domain.Price, error) {
	if err := ctx.Err(); err != nil {
		return domain.Price{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.priceErr != nil {
		return domain.Price{}, b.priceErr
	}
	p, ok := b.prices[symbol]
	if !ok {
		return domain.Price{}, &domain.BrokerUnavailableError{Op: "get price", Err: fmt.Errorf("no quote for %s", symbol)}
	}
	if p <= 0 {
		return domain.Price{}, &domain.InvalidPriceError{Price: p}
	}
	return domain.Price{Symbol: symbol, Value: p, AsOf: b.now()}, nil
}

// PlaceOrder records the order in memory and settles it per the fill policy.
func (b *SimulatorBroker) PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return OrderRef{}, err
	}
	if err := ValidateRequest(req); err != nil {
		return OrderRef{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.byClient[req.ClientOrderID]; dup && req.ClientOrderID != "" {
		return OrderRef{}, &domain.BrokerRejectedError{
			Code:                 "duplicate_client_order_id",
			Reason:               "client_order_id must be unique",
			DuplicateClientOrder: true,
		}
	}
	if b.onPlace != nil {
		if err := b.onPlace(req); err != nil {
			return OrderRef{}, err
		}
	}

	b.seq++
	ref := fmt.Sprintf("sim-%d", b.seq)
	now := b.now()
	o := &simOrder{
		req:    req,
		placed: now,
		fill: domain.Fill{
			BrokerRef: ref,
			Symbol:    req.Symbol,
			Side:      req.Side,
			Status:    domain.OrderStatusSubmitted,
			UpdatedAt: now,
		},
	}
	if b.policy == FillImmediately {
		price := req.LimitPrice
		if req.Type == domain.OrderTypeMarket || req.Type == domain.OrderTypeMOC || price <= 0 {
			price = b.prices[req.Symbol]
		}
		o.fill.Status = domain.OrderStatusFilled
		o.fill.FilledQty = req.Qty
		o.fill.FilledPrice = price
	}
	b.orders[ref] = o
	if req.ClientOrderID != "" {
		b.byClient[req.ClientOrderID] = ref
	}

	return OrderRef{ID: ref, ClientOrderID: req.ClientOrderID, Status: o.fill.Status}, nil
}

// GetOrderStatus returns the simulated state of an order.
func (b *SimulatorBroker) GetOrderStatus(ctx context.Context, ref string) (domain.Fill, error) {
	if err := ctx.Err(); err != nil {
		return domain.Fill{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[ref]
	if !ok || o.forgot {
		return domain.Fill{}, fmt.Errorf("%w: %s", ErrOrderNotFound, ref)
	}
	return o.fill, nil
}

// GetOrderByClientID returns the simulated state of the order placed with
// clientOrderID.
func (b *SimulatorBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.Fill, error) {
	if err := ctx.Err(); err != nil {
		return domain.Fill{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ref, ok := b.byClient[clientOrderID]
	if !ok || b.orders[ref].forgot {
		return domain.Fill{}, fmt.Errorf("%w: client order id %s", ErrOrderNotFound, clientOrderID)
	}
	return b.orders[ref].fill, nil
}

// GetTransactionHistory lists orders with a positive fill placed within r.
func (b *SimulatorBroker) GetTransactionHistory(ctx context.Context, account string, r DateRange) ([]domain.Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var fills []domain.Fill
	for _, o := range b.orders {
		if account != "" && o.req.Account != "" && o.req.Account != account {
			continue
		}
		if o.placed.Before(r.From) || !o.placed.Before(r.To) || o.fill.FilledQty <= 0 {
			continue
		}
		fills = append(fills, o.fill)
	}
	sort.Slice(fills, func(i, j int) bool { return fills[i].BrokerRef < fills[j].BrokerRef })
	return fills, nil
}

// IsMarketOpen uses the forced state when set, else the exchange calendar.
func (b *SimulatorBroker) IsMarketOpen(ctx context.Context, exchange domain.Exchange, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open != nil {
		return *b.open, nil
	}
	cal, ok := b.calendars[exchange]
	if !ok {
		var err error
		cal, err = util.NewTradingCalendar(exchange)
		if err != nil {
			return false, &domain.ConfigurationError{Field: "exchange", Reason: err.Error()}
		}
		b.calendars[exchange] = cal
	}
	return cal.AcceptsOrders(at), nil
}
