package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"autotrader/internal/domain"
	"autotrader/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// tradingAPI is the part of the Alpaca trading client the broker uses.
type tradingAPI interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error)
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
	GetAccountActivities(req alpaca.GetAccountActivitiesRequest) ([]alpaca.AccountActivity, error)
}

// quoteAPI is the part of the Alpaca market data client the broker uses.
type quoteAPI interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
// One AlpacaBroker serves one account.
type AlpacaBroker struct {
	account string
	trading tradingAPI
	quotes  quoteAPI
	log     *slog.Logger
}

// AlpacaOptions configures an AlpacaBroker.
type AlpacaOptions struct {
	Account   string
	APIKey    string
	APISecret string
	BaseURL   string // trading API, e.g. https://paper-api.alpaca.markets
	DataURL   string // market data API; empty uses the SDK default
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoints.
func NewAlpacaBroker(opts AlpacaOptions) *AlpacaBroker {
	dataOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		dataOpts.BaseURL = opts.DataURL
	}
	return newAlpacaBroker(opts.Account,
		alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		marketdata.NewClient(dataOpts))
}

func newAlpacaBroker(account string, trading tradingAPI, quotes quoteAPI) *AlpacaBroker {
	return &AlpacaBroker{
		account: account,
		trading: trading,
		quotes:  quotes,
		log:     slog.Default().With("broker", "alpaca", "account", account),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// GetPrice returns the latest trade price of symbol.
func (b *AlpacaBroker) GetPrice(ctx context.Context, symbol string) (domain.Price, error) {
	if err := ctx.Err(); err != nil {
		return domain.Price{}, err
	}
	trade, err := b.quotes.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return domain.Price{}, classifyError("get price", err)
	}
	if trade == nil || trade.Price <= 0 {
		var p float64
		if trade != nil {
			p = trade.Price
		}
		return domain.Price{}, &domain.InvalidPriceError{Price: p}
	}
	return domain.Price{Symbol: symbol, Value: trade.Price, AsOf: trade.Timestamp}, nil
}

// PlaceOrder sends an order to the Alpaca API for execution.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return OrderRef{}, err
	}
	orderReq, err := placeOrderRequest(req)
	if err != nil {
		return OrderRef{}, err
	}

	order, err := b.trading.PlaceOrder(orderReq)
	if err != nil {
		b.log.Error("place order failed", "side", req.Side, "symbol", req.Symbol, "qty", req.Qty, "type", req.Type, "error", err)
		return OrderRef{}, classifyError("place order", err)
	}

	b.log.Info("place order success", "order_id", order.ID, "side", req.Side, "symbol", req.Symbol,
		"qty", req.Qty, "type", req.Type, "status", order.Status)
	return OrderRef{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Status:        mapOrderStatus(string(order.Status), order.FilledQty),
	}, nil
}

// GetOrderStatus fetches an order by its Alpaca ID.
func (b *AlpacaBroker) GetOrderStatus(ctx context.Context, ref string) (domain.Fill, error) {
	if err := ctx.Err(); err != nil {
		return domain.Fill{}, err
	}
	order, err := b.trading.GetOrder(ref)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return domain.Fill{}, fmt.Errorf("%w: %s", ErrOrderNotFound, ref)
		}
		return domain.Fill{}, classifyError("get order", err)
	}
	return fillFromOrder(order), nil
}

// GetOrderByClientID fetches an order by the client order id it was placed
// with.
func (b *AlpacaBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.Fill, error) {
	if err := ctx.Err(); err != nil {
		return domain.Fill{}, err
	}
	order, err := b.trading.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return domain.Fill{}, fmt.Errorf("%w: client order id %s", ErrOrderNotFound, clientOrderID)
		}
		return domain.Fill{}, classifyError("get order by client id", err)
	}
	return fillFromOrder(order), nil
}

// GetTransactionHistory aggregates FILL account activities per order.
func (b *AlpacaBroker) GetTransactionHistory(ctx context.Context, account string, r DateRange) ([]domain.Fill, error) {
	if account != "" && account != b.account {
		return nil, fmt.Errorf("alpaca broker for account %q cannot read account %q", b.account, account)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	activities, err := b.trading.GetAccountActivities(alpaca.GetAccountActivitiesRequest{
		ActivityTypes: []string{"FILL"},
		After:         r.From,
		Until:         r.To,
	})
	if err != nil {
		return nil, classifyError("get account activities", err)
	}
	return aggregateActivities(activities), nil
}

// IsMarketOpen consults the Alpaca trading calendar, which carries exchange
// holidays and early closes for US equities. It reports whether at is on a
// trading day whose session has not closed yet, so a pre-market instant of a
// trading day is open for queuing close orders.
func (b *AlpacaBroker) IsMarketOpen(ctx context.Context, exchange domain.Exchange, at time.Time) (bool, error) {
	cal, err := util.NewTradingCalendar(exchange)
	if err != nil {
		return false, &domain.ConfigurationError{Field: "exchange", Reason: err.Error()}
	}
	if exchange == domain.ExchangeKRX {
		return false, &domain.ConfigurationError{Field: "exchange", Reason: "alpaca does not route orders to KRX"}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	local := at.In(cal.Location())
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, cal.Location())
	days, err := b.trading.GetCalendar(alpaca.GetCalendarRequest{Start: day, End: day})
	if err != nil {
		return false, classifyError("get calendar", err)
	}
	today := local.Format("2006-01-02")
	for _, d := range days {
		if d.Date != today {
			continue
		}
		close, err := time.ParseInLocation("2006-01-02 15:04", d.Date+" "+d.Close, cal.Location())
		if err != nil {
			return false, fmt.Errorf("parse calendar close %q: %w", d.Close, err)
		}
		return local.Before(close), nil
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// placeOrderRequest converts an OrderRequest into Alpaca's request. LOC and
// MOC map to limit/market orders with time in force "cls".
func placeOrderRequest(req OrderRequest) (alpaca.PlaceOrderRequest, error) {
	if err := ValidateRequest(req); err != nil {
		return alpaca.PlaceOrderRequest{}, err
	}

	qty := decimal.NewFromFloat(req.Qty)
	out := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Side == domain.OrderSideSell {
		out.Side = alpaca.Sell
	}

	switch req.Type {
	case domain.OrderTypeMarket:
		out.Type, out.TimeInForce = alpaca.Market, alpaca.Day
	case domain.OrderTypeMOC:
		out.Type, out.TimeInForce = alpaca.Market, alpaca.CLS
	case domain.OrderTypeLimit:
		out.Type, out.TimeInForce = alpaca.Limit, alpaca.Day
	case domain.OrderTypeLOC:
		out.Type, out.TimeInForce = alpaca.Limit, alpaca.CLS
	}
	if out.Type == alpaca.Limit {
		limit := decimal.NewFromFloat(req.LimitPrice).Round(2)
		out.LimitPrice = &limit
	}
	return out, nil
}

// mapOrderStatus translates an Alpaca order status. Orders that ended with
// some quantity filled are PARTIALLY_FILLED.
func mapOrderStatus(status string, filledQty decimal.Decimal) domain.OrderStatus {
	switch status {
	case "filled":
		return domain.OrderStatusFilled
	case "rejected":
		return domain.OrderStatusRejected
	case "canceled", "expired", "done_for_day", "stopped", "suspended":
		if filledQty.IsPositive() {
			return domain.OrderStatusPartiallyFilled
		}
		if status == "canceled" {
			return domain.OrderStatusCancelled
		}
		return domain.OrderStatusUnfilled
	default:
		// new, accepted, pending_new, partially_filled, held, ...
		return domain.OrderStatusSubmitted
	}
}

func fillFromOrder(o *alpaca.Order) domain.Fill {
	fill := domain.Fill{
		BrokerRef: o.ID,
		Symbol:    o.Symbol,
		Side:      domain.OrderSideBuy,
		Status:    mapOrderStatus(string(o.Status), o.FilledQty),
		FilledQty: o.FilledQty.InexactFloat64(),
		UpdatedAt: o.UpdatedAt,
	}
	if o.Side == alpaca.Sell {
		fill.Side = domain.OrderSideSell
	}
	if o.FilledAvgPrice != nil {
		fill.FilledPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return fill
}

// aggregateActivities folds partial FILL activities into one Fill per order
// with a quantity-weighted average price. Orders without a closing "filled"
// activity stay SUBMITTED.
func aggregateActivities(activities []alpaca.AccountActivity) []domain.Fill {
	type agg struct {
		fill     domain.Fill
		qty      decimal.Decimal
		notional decimal.Decimal
	}
	byOrder := make(map[string]*agg)
	var order []string
	for _, a := range activities {
		if a.OrderID == "" {
			continue
		}
		g, ok := byOrder[a.OrderID]
		if !ok {
			g = &agg{fill: domain.Fill{BrokerRef: a.OrderID, Symbol: a.Symbol, Side: domain.OrderSideBuy}}
			if side := string(a.Side); strings.EqualFold(side, "sell") || strings.EqualFold(side, "sell_short") {
				g.fill.Side = domain.OrderSideSell
			}
			byOrder[a.OrderID] = g
			order = append(order, a.OrderID)
		}
		g.qty = g.qty.Add(a.Qty)
		g.notional = g.notional.Add(a.Qty.Mul(a.Price))
		if a.TransactionTime.After(g.fill.UpdatedAt) {
			g.fill.UpdatedAt = a.TransactionTime
		}
		if string(a.OrderStatus) == "filled" {
			g.fill.Status = domain.OrderStatusFilled
		}
	}

	fills := make([]domain.Fill, 0, len(order))
	for _, id := range order {
		g := byOrder[id]
		g.fill.FilledQty = g.qty.InexactFloat64()
		if g.qty.IsPositive() {
			g.fill.FilledPrice = g.notional.Div(g.qty).Round(4).InexactFloat64()
		}
		if g.fill.Status == "" {
			// No closing fill seen: the order may still be working.
			g.fill.Status = domain.OrderStatusSubmitted
		}
		fills = append(fills, g.fill)
	}
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].UpdatedAt.Before(fills[j].UpdatedAt) })
	return fills
}

// classifyError maps an Alpaca error onto the broker error taxonomy. Client
// errors other than rate limiting are rejections; everything else is treated
// as the broker being unavailable.
func classifyError(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return &domain.BrokerRejectedError{
				Code:                 strconv.Itoa(apiErr.Code),
				Reason:               apiErr.Message,
				MarketClosed:         isMarketClosedMessage(apiErr.Message),
				DuplicateClientOrder: isDuplicateClientOrderMessage(apiErr.Message),
			}
		}
	}
	return &domain.BrokerUnavailableError{Op: op, Err: err}
}

func isDuplicateClientOrderMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "client_order_id must be unique") ||
		strings.Contains(msg, "client order id must be unique")
}

func isMarketClosedMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "market is closed") ||
		strings.Contains(msg, "market closed") ||
		strings.Contains(msg, "holiday")
}
