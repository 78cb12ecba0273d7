package builtins

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"autotrader/internal/domain"
	"autotrader/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Engine = (*InfBuy)(nil)

// Order tags written by the InfBuy engine.
const (
	TagInitialBuy = "initial buy"
	TagLadderBuy  = "ladder buy"
	TagProfitTake = "profit-take"
)

// Liquidation remembers the position a profit-take sold so an incomplete
// fill can be undone.
type Liquidation struct {
	CurrentT       int     `json:"current_t"`
	Investment     float64 `json:"investment"`
	Quantity       float64 `json:"quantity"`
	AvgPrice       float64 `json:"avg_price"`
	BaseInvestment float64 `json:"base_investment"`
	RealizedProfit float64 `json:"realized_profit"`
}

// InfBuyProgress is the persisted state of an InfBuy strategy.
type InfBuyProgress struct {
	CurrentT       int          `json:"current_t"`
	Investment     float64      `json:"investment"`
	Quantity       float64      `json:"quantity"`
	AvgPrice       float64      `json:"avg_price"`
	Equity         float64      `json:"equity"`
	BaseInvestment float64      `json:"base_investment"`
	RealizedProfit float64      `json:"realized_profit"`
	LastPrice      float64      `json:"last_price,omitempty"`
	Liquidation    *Liquidation `json:"liquidation,omitempty"`
}

// InfBuy implements a laddered averaging-down strategy: capital is split
// into Division units, one unit is bought per drawdown rung, and the whole
// position is sold once the price clears the average cost by SellGain.
type InfBuy struct {
	schedule strategy.ThresholdSchedule
}

// NewInfBuy creates an InfBuy engine. A nil schedule follows each strategy's
// threshold_spacing parameter.
func NewInfBuy(schedule strategy.ThresholdSchedule) *InfBuy {
	return &InfBuy{schedule: schedule}
}

// Code returns domain.StrategyCodeInfBuy.
func (e *InfBuy) Code() domain.StrategyCode { return domain.StrategyCodeInfBuy }

// InitialProgress returns an empty ladder funded with the initial investment.
func (e *InfBuy) InitialProgress(p strategy.Params) (json.RawMessage, error) {
	if p.InfBuy == nil {
		return nil, &domain.ConfigurationError{Reason: "missing InfBuy parameters"}
	}
	return json.Marshal(InfBuyProgress{BaseInvestment: p.InfBuy.InitialInvestment})
}

// Compute decodes progress and delegates to ComputeInfBuy.
func (e *InfBuy) Compute(in strategy.Input) (strategy.Result, error) {
	if in.Params.InfBuy == nil {
		return strategy.Result{}, &domain.ConfigurationError{Reason: "missing InfBuy parameters"}
	}
	var prog InfBuyProgress
	if err := json.Unmarshal(in.Progress, &prog); err != nil {
		return strategy.Result{}, &domain.EngineComputationError{Code: domain.StrategyCodeInfBuy, Reason: fmt.Sprintf("decoding progress: %v", err)}
	}

	schedule := e.schedule
	if schedule == nil {
		schedule = strategy.ScheduleFor(in.Params.InfBuy.ThresholdSpacing)
	}

	actions, next, err := ComputeInfBuy(in.Price, in.AsOf, prog, *in.Params.InfBuy, schedule)
	if err != nil {
		return strategy.Result{}, err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return strategy.Result{}, fmt.Errorf("encoding InfBuy progress: %w", err)
	}
	return strategy.Result{Actions: actions, Progress: raw}, nil
}

// ApplyFills corrects the ladder for partially filled or unfilled orders.
func (e *InfBuy) ApplyFills(progress json.RawMessage, p strategy.Params, orders []domain.Order) (json.RawMessage, error) {
	if p.InfBuy == nil {
		return nil, &domain.ConfigurationError{Reason: "missing InfBuy parameters"}
	}
	var prog InfBuyProgress
	if err := json.Unmarshal(progress, &prog); err != nil {
		return nil, &domain.EngineComputationError{Code: domain.StrategyCodeInfBuy, Reason: fmt.Sprintf("decoding progress: %v", err)}
	}
	prog, err := ApplyInfBuyFills(prog, *p.InfBuy, orders)
	if err != nil {
		return nil, err
	}
	return json.Marshal(prog)
}

// ComputeInfBuy runs one InfBuy cycle at price. A profit-take suppresses any
// buy in the same cycle.
func ComputeInfBuy(price float64, _ time.Time, prog InfBuyProgress, p strategy.InfBuyParams, schedule strategy.ThresholdSchedule) ([]domain.Action, InfBuyProgress, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return nil, prog, &domain.InvalidPriceError{Price: price}
	}
	if prog.Quantity < 0 || prog.Investment < 0 || prog.CurrentT < 0 {
		return nil, prog, &domain.EngineComputationError{Code: domain.StrategyCodeInfBuy, Reason: "negative position in progress"}
	}
	if schedule == nil {
		schedule = strategy.ScheduleFor(p.ThresholdSpacing)
	}

	next := prog
	next.Liquidation = nil
	next.LastPrice = price
	if next.BaseInvestment <= 0 {
		next.BaseInvestment = p.InitialInvestment
	}
	unit := next.BaseInvestment / float64(p.Division)

	var actions []domain.Action

	switch {
	case next.CurrentT == 0 && next.Quantity == 0:
		qty := strategy.FloorLot(unit/price, p.LotSize)
		if qty <= 0 {
			return nil, prog, &domain.EngineComputationError{
				Code:   domain.StrategyCodeInfBuy,
				Reason: fmt.Sprintf("unit %.2f buys less than one lot at %.2f", unit, price),
			}
		}
		next.CurrentT = 1
		next.Investment = qty * price
		next.Quantity = qty
		next.AvgPrice = price
		actions = append(actions, buyAction(qty, price, TagInitialBuy))

	case next.Quantity > 0 && price >= next.AvgPrice*(1+p.SellGain/100):
		qty := next.Quantity
		next.Liquidation = &Liquidation{
			CurrentT:       next.CurrentT,
			Investment:     next.Investment,
			Quantity:       next.Quantity,
			AvgPrice:       next.AvgPrice,
			BaseInvestment: next.BaseInvestment,
			RealizedProfit: next.RealizedProfit,
		}
		profit := qty*price - next.Investment
		next.RealizedProfit += profit
		next.BaseInvestment += profit * p.ReinvestmentRate / 100
		next.CurrentT = 0
		next.Investment = 0
		next.Quantity = 0
		next.AvgPrice = 0
		actions = append(actions, domain.Action{
			Side:  domain.OrderSideSell,
			Type:  domain.OrderTypeLOC,
			Qty:   qty,
			Price: price,
			Tag:   TagProfitTake,
		})

	case next.CurrentT < p.Division && next.AvgPrice > 0:
		drawdown := (next.AvgPrice - price) / next.AvgPrice
		if drawdown > schedule.Threshold(next.CurrentT+1, p.DrawdownStep/100) {
			qty := strategy.FloorLot(unit/price, p.LotSize)
			if qty > 0 {
				next.CurrentT++
				next.Investment += qty * price
				next.Quantity += qty
				next.AvgPrice = next.Investment / next.Quantity
				actions = append(actions, buyAction(qty, price, TagLadderBuy))
			}
		}
	}

	next.Equity = next.Quantity * price
	return actions, next, nil
}

func buyAction(qty, price float64, tag string) domain.Action {
	return domain.Action{
		Side:  domain.OrderSideBuy,
		Type:  domain.OrderTypeLOC,
		Qty:   qty,
		Price: price,
		Tag:   tag,
	}
}

// ApplyInfBuyFills corrects prog for the terminal orders of the cycle that
// produced it. An unfilled buy rolls back its rung; a liquidation that did
// not fill completely restores the unsold part of the position.
func ApplyInfBuyFills(prog InfBuyProgress, p strategy.InfBuyParams, orders []domain.Order) (InfBuyProgress, error) {
	for i := range orders {
		o := &orders[i]
		if !o.Status.Terminal() {
			continue
		}
		filled, fillPrice := effectiveFill(o)
		if filled > o.Qty {
			return prog, &domain.EngineComputationError{
				Code:   domain.StrategyCodeInfBuy,
				Reason: fmt.Sprintf("order %d filled %.4f of %.4f", o.ID, filled, o.Qty),
			}
		}

		switch o.Side {
		case domain.OrderSideBuy:
			prog.Investment += filled*fillPrice - o.Qty*o.Price
			prog.Quantity += filled - o.Qty
			if filled == 0 && prog.CurrentT > 0 {
				prog.CurrentT--
			}

		case domain.OrderSideSell:
			liq := prog.Liquidation
			if liq == nil {
				continue
			}
			if filled >= liq.Quantity {
				profit := filled*fillPrice - liq.Investment
				prog.RealizedProfit = liq.RealizedProfit + profit
				prog.BaseInvestment = liq.BaseInvestment + profit*p.ReinvestmentRate/100
				continue
			}
			soldCost := 0.0
			if liq.Quantity > 0 {
				soldCost = liq.Investment * filled / liq.Quantity
			}
			prog.RealizedProfit = liq.RealizedProfit + filled*fillPrice - soldCost
			prog.BaseInvestment = liq.BaseInvestment
			prog.CurrentT = liq.CurrentT
			prog.Investment = liq.Investment - soldCost
			prog.Quantity = liq.Quantity - filled
			prog.AvgPrice = liq.AvgPrice
		}
	}
	prog.Liquidation = nil

	if prog.Quantity < -1e-9 {
		return prog, &domain.EngineComputationError{Code: domain.StrategyCodeInfBuy, Reason: "negative quantity after fills"}
	}
	if prog.Quantity <= 1e-9 {
		prog.CurrentT = 0
		prog.Investment = 0
		prog.Quantity = 0
		prog.AvgPrice = 0
	} else {
		prog.AvgPrice = prog.Investment / prog.Quantity
	}
	if prog.LastPrice > 0 {
		prog.Equity = prog.Quantity * prog.LastPrice
	}
	return prog, nil
}
