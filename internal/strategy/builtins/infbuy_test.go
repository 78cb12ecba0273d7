package builtins

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"testing"

	"autotrader/internal/domain"
	"autotrader/internal/strategy"
)

func infParams() strategy.InfBuyParams {
	return strategy.InfBuyParams{
		InitialInvestment: 1000,
		Division:          10,
		SellGain:          10,
		ReinvestmentRate:  50,
		DrawdownStep:      2.5,
		ThresholdSpacing:  strategy.SpacingLinear,
		LotSize:           1,
		RejectPolicy:      strategy.RejectIsolate,
	}
}

func TestInfBuyInitialBuyRegardlessOfPrice(t *testing.T) {
	for _, price := range []float64{7, 33, 99.5} {
		actions, next, err := ComputeInfBuy(price, asOf, InfBuyProgress{BaseInvestment: 1000}, infParams(), nil)
		if err != nil {
			t.Fatalf("price %v: ComputeInfBuy returned error: %v", price, err)
		}
		if len(actions) != 1 {
			t.Fatalf("price %v: got %d actions, want 1", price, len(actions))
		}
		a := actions[0]
		wantQty := math.Floor(100 / price)
		if a.Side != domain.OrderSideBuy || a.Qty != wantQty || a.Tag != TagInitialBuy {
			t.Errorf("price %v: action = %+v, want BUY %v initial buy", price, a, wantQty)
		}
		if next.CurrentT != 1 || next.Quantity != wantQty || next.AvgPrice != price {
			t.Errorf("price %v: next = %+v", price, next)
		}
	}
}

func TestInfBuyInitialBuyBelowOneLot(t *testing.T) {
	_, _, err := ComputeInfBuy(150, asOf, InfBuyProgress{BaseInvestment: 1000}, infParams(), nil)
	var ece *domain.EngineComputationError
	if !errors.As(err, &ece) {
		t.Fatalf("error = %v, want EngineComputationError", err)
	}

	p := infParams()
	p.LotSize = 0.001
	actions, _, err := ComputeInfBuy(150, asOf, InfBuyProgress{BaseInvestment: 1000}, p, nil)
	if err != nil {
		t.Fatalf("fractional lots: %v", err)
	}
	if len(actions) != 1 || math.Abs(actions[0].Qty-0.666) > 1e-9 {
		t.Errorf("actions = %+v, want BUY 0.666", actions)
	}
}

func ladderProgress() InfBuyProgress {
	return InfBuyProgress{
		CurrentT:       1,
		Investment:     100,
		Quantity:       10,
		AvgPrice:       10,
		BaseInvestment: 1000,
	}
}

func TestInfBuyLadderBuy(t *testing.T) {
	// drawdown 3% exceeds the 2.5% threshold of rung 2
	actions, next, err := ComputeInfBuy(9.7, asOf, ladderProgress(), infParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].Tag != TagLadderBuy || actions[0].Qty != 10 {
		t.Fatalf("actions = %+v, want one ladder buy of 10", actions)
	}
	if next.CurrentT != 2 || next.Quantity != 20 {
		t.Errorf("next = %+v, want current_t 2 quantity 20", next)
	}
	if math.Abs(next.Investment-197) > 1e-9 || math.Abs(next.AvgPrice-9.85) > 1e-9 {
		t.Errorf("investment/avg = (%v, %v), want (197, 9.85)", next.Investment, next.AvgPrice)
	}

	// drawdown 2% stays above the rung
	actions, next, err = ComputeInfBuy(9.8, asOf, ladderProgress(), infParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 0 || next.CurrentT != 1 {
		t.Errorf("actions = %+v current_t = %d, want no action", actions, next.CurrentT)
	}
}

func TestInfBuyLadderStopsAtDivision(t *testing.T) {
	prog := ladderProgress()
	prog.CurrentT = 10
	actions, _, err := ComputeInfBuy(5, asOf, prog, infParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 0 {
		t.Errorf("actions = %+v, want none once every division is spent", actions)
	}
}

func TestInfBuyProfitTakeResetsLadder(t *testing.T) {
	prog := InfBuyProgress{CurrentT: 3, Investment: 300, Quantity: 30, AvgPrice: 10, BaseInvestment: 1000}
	actions, next, err := ComputeInfBuy(11.5, asOf, prog, infParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want exactly one SELL", len(actions))
	}
	if a := actions[0]; a.Side != domain.OrderSideSell || a.Qty != 30 || a.Tag != TagProfitTake {
		t.Errorf("action = %+v, want SELL 30 profit-take", a)
	}
	if next.CurrentT != 0 || next.Quantity != 0 || next.Investment != 0 || next.AvgPrice != 0 {
		t.Errorf("next = %+v, want reset ladder", next)
	}
	// profit 45, half reinvested
	if math.Abs(next.BaseInvestment-1022.5) > 1e-9 || math.Abs(next.RealizedProfit-45) > 1e-9 {
		t.Errorf("base/realized = (%v, %v), want (1022.5, 45)", next.BaseInvestment, next.RealizedProfit)
	}
	if next.Liquidation == nil || next.Liquidation.Quantity != 30 {
		t.Errorf("Liquidation = %+v, want the sold position", next.Liquidation)
	}

	// The next cycle restarts from rung 1 with the larger unit.
	actions, after, err := ComputeInfBuy(10, asOf, next, infParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].Tag != TagInitialBuy || actions[0].Qty != 10 {
		t.Errorf("actions = %+v, want initial buy of 10", actions)
	}
	if after.Liquidation != nil {
		t.Error("Liquidation should be cleared by the next cycle")
	}
}

func TestInfBuyGeometricSchedule(t *testing.T) {
	p := infParams()
	p.ThresholdSpacing = strategy.SpacingGeometric
	p.DrawdownStep = 10

	prog := ladderProgress()
	prog.CurrentT = 2
	prog.Investment, prog.Quantity = 200, 20

	// rung 3: linear 20%, geometric 19%
	actions, _, err := ComputeInfBuy(8.05, asOf, prog, p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 {
		t.Errorf("geometric: actions = %+v, want a ladder buy at 19.5%% drawdown", actions)
	}

	p.ThresholdSpacing = strategy.SpacingLinear
	actions, _, err = ComputeInfBuy(8.05, asOf, prog, p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 0 {
		t.Errorf("linear: actions = %+v, want none at 19.5%% drawdown", actions)
	}
}

func TestInfBuyApplyFillsUnfilledInitialBuy(t *testing.T) {
	_, prog, err := ComputeInfBuy(10, asOf, InfBuyProgress{BaseInvestment: 1000}, infParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	orders := []domain.Order{{Side: domain.OrderSideBuy, Qty: 10, Price: 10, Status: domain.OrderStatusUnfilled}}

	got, err := ApplyInfBuyFills(prog, infParams(), orders)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentT != 0 || got.Quantity != 0 || got.Investment != 0 {
		t.Errorf("got = %+v, want empty ladder", got)
	}
}

func TestInfBuyApplyFillsPartialLadder(t *testing.T) {
	_, prog, err := ComputeInfBuy(9.7, asOf, ladderProgress(), infParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	fq, fp := 4.0, 9.6
	orders := []domain.Order{{
		Side: domain.OrderSideBuy, Qty: 10, Price: 9.7,
		Status: domain.OrderStatusPartiallyFilled, FilledQty: &fq, FilledPrice: &fp,
	}}

	got, err := ApplyInfBuyFills(prog, infParams(), orders)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentT != 2 || got.Quantity != 14 {
		t.Errorf("got = %+v, want current_t 2 quantity 14", got)
	}
	if want := 100 + 4*9.6; math.Abs(got.Investment-want) > 1e-9 {
		t.Errorf("Investment = %v, want %v", got.Investment, want)
	}
	if want := (100 + 4*9.6) / 14; math.Abs(got.AvgPrice-want) > 1e-9 {
		t.Errorf("AvgPrice = %v, want %v", got.AvgPrice, want)
	}
}

func TestInfBuyApplyFillsPartialLiquidation(t *testing.T) {
	prog := InfBuyProgress{CurrentT: 3, Investment: 300, Quantity: 30, AvgPrice: 10, BaseInvestment: 1000}
	_, next, err := ComputeInfBuy(11.5, asOf, prog, infParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	fq, fp := 10.0, 11.5
	orders := []domain.Order{{
		Side: domain.OrderSideSell, Qty: 30, Price: 11.5,
		Status: domain.OrderStatusPartiallyFilled, FilledQty: &fq, FilledPrice: &fp,
	}}

	got, err := ApplyInfBuyFills(next, infParams(), orders)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentT != 3 || got.Quantity != 20 || math.Abs(got.Investment-200) > 1e-9 {
		t.Errorf("got = %+v, want 20 shares costing 200 on rung 3", got)
	}
	if got.BaseInvestment != 1000 {
		t.Errorf("BaseInvestment = %v, want 1000 without a full liquidation", got.BaseInvestment)
	}
	if math.Abs(got.RealizedProfit-15) > 1e-9 {
		t.Errorf("RealizedProfit = %v, want 15", got.RealizedProfit)
	}
	if got.Liquidation != nil {
		t.Error("Liquidation should be cleared")
	}
}

func TestInfBuyApplyFillsFullLiquidationAtBetterPrice(t *testing.T) {
	prog := InfBuyProgress{CurrentT: 3, Investment: 300, Quantity: 30, AvgPrice: 10, BaseInvestment: 1000}
	_, next, err := ComputeInfBuy(11.5, asOf, prog, infParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	fq, fp := 30.0, 12.0
	got, err := ApplyInfBuyFills(next, infParams(), []domain.Order{{
		Side: domain.OrderSideSell, Qty: 30, Price: 11.5,
		Status: domain.OrderStatusFilled, FilledQty: &fq, FilledPrice: &fp,
	}})
	if err != nil {
		t.Fatal(err)
	}
	if got.Quantity != 0 || got.CurrentT != 0 {
		t.Errorf("got = %+v, want reset ladder", got)
	}
	if math.Abs(got.RealizedProfit-60) > 1e-9 || math.Abs(got.BaseInvestment-1030) > 1e-9 {
		t.Errorf("realized/base = (%v, %v), want (60, 1030)", got.RealizedProfit, got.BaseInvestment)
	}
}

func TestInfBuyEngineRoundTrip(t *testing.T) {
	eng := NewInfBuy(nil)
	params := strategy.Params{Code: domain.StrategyCodeInfBuy, InfBuy: ptr(infParams())}

	raw, err := eng.InitialProgress(params)
	if err != nil {
		t.Fatal(err)
	}
	inline := InfBuyProgress{BaseInvestment: 1000}

	for i, price := range []float64{10, 9.6, 9.3, 9.0, 10.4, 11.2, 10} {
		res, err := eng.Compute(strategy.Input{Price: price, AsOf: asOf, Progress: raw, Params: params})
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		want, next, err := ComputeInfBuy(price, asOf, inline, infParams(), strategy.LinearThresholds{})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(res.Actions, want) {
			t.Errorf("cycle %d: actions = %+v, want %+v", i, res.Actions, want)
		}
		var reloaded InfBuyProgress
		if err := json.Unmarshal(res.Progress, &reloaded); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(reloaded, next) {
			t.Errorf("cycle %d: reloaded = %+v, want %+v", i, reloaded, next)
		}
		raw, inline = res.Progress, next
	}
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	for _, code := range []domain.StrategyCode{domain.StrategyCodeVR, domain.StrategyCodeInfBuy} {
		if _, ok := r.Get(code); !ok {
			t.Errorf("engine %q not registered", code)
		}
	}
}
