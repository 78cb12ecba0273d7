package builtins

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"autotrader/internal/domain"
	"autotrader/internal/strategy"
)

var asOf = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

func vrParams() strategy.VRParams {
	return strategy.VRParams{
		InitialInvestment:      1000,
		PeriodicInvestment:     400,
		GFactor:                10,
		UBand:                  15,
		LBand:                  15,
		InvestmentIntervalDays: 14,
		SellLimitRate:          100,
		BuyLimitRate:           100,
		VolatilityMultiplier:   1,
		LotSize:                1,
		RejectPolicy:           strategy.RejectIsolate,
	}
}

func vrProgress(qty, pool float64) VRProgress {
	return VRProgress{
		CurrentV:           1000,
		CurrentPool:        pool,
		Quantity:           qty,
		LastContributionAt: asOf.AddDate(0, 0, -1),
	}
}

func TestVRSellAboveUpperBand(t *testing.T) {
	// equity 120*10 = 1200 > upper 1150
	actions, next, err := ComputeVR(10, asOf, vrProgress(120, 0), vrParams(), nil)
	if err != nil {
		t.Fatalf("ComputeVR returned error: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	a := actions[0]
	if a.Side != domain.OrderSideSell || a.Qty != 5 || a.Tag != TagRebalanceSell {
		t.Errorf("action = %+v, want SELL 5", a)
	}
	if equity := next.Quantity * 10; equity > 1150 {
		t.Errorf("equity after sell = %v, want <= 1150", equity)
	}
	if next.CurrentPool != 50 {
		t.Errorf("CurrentPool = %v, want 50", next.CurrentPool)
	}
}

func TestVRSellCappedBySellLimitRate(t *testing.T) {
	p := vrParams()
	p.SellLimitRate = 2 // at most 2.4 -> 2 shares
	actions, next, err := ComputeVR(10, asOf, vrProgress(120, 0), p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].Qty != 2 {
		t.Fatalf("actions = %+v, want one SELL of 2", actions)
	}
	if next.Quantity != 118 {
		t.Errorf("Quantity = %v, want 118", next.Quantity)
	}
}

func TestVRBreachSmallerThanLot(t *testing.T) {
	// equity 12*100 = 1200, breach 50 is less than one share at 100
	actions, _, err := ComputeVR(100, asOf, vrProgress(12, 0), vrParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 0 {
		t.Errorf("actions = %+v, want none", actions)
	}
}

func TestVRBuyBelowLowerBand(t *testing.T) {
	// equity 80*10 = 800 < lower 850, pool 500
	actions, next, err := ComputeVR(10, asOf, vrProgress(80, 500), vrParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	a := actions[0]
	if a.Side != domain.OrderSideBuy || a.Qty != 5 || a.Tag != TagRebalanceBuy {
		t.Errorf("action = %+v, want BUY 5", a)
	}
	if next.CurrentPool != 450 {
		t.Errorf("CurrentPool = %v, want 450", next.CurrentPool)
	}
	if equity := next.Quantity * 10; equity > 850 {
		t.Errorf("equity after buy = %v, want <= 850", equity)
	}
}

func TestVRBuyCappedByPoolAndRate(t *testing.T) {
	p := vrParams()
	p.BuyLimitRate = 4 // 4% of 500 = 20 -> 2 shares
	actions, _, err := ComputeVR(10, asOf, vrProgress(80, 500), p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].Qty != 2 {
		t.Errorf("actions = %+v, want BUY 2", actions)
	}

	actions, next, err := ComputeVR(10, asOf, vrProgress(80, 30), vrParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].Qty != 3 {
		t.Errorf("actions = %+v, want BUY 3", actions)
	}
	if next.CurrentPool < 0 {
		t.Errorf("CurrentPool = %v, want >= 0", next.CurrentPool)
	}

	actions, _, err = ComputeVR(10, asOf, vrProgress(80, 5), vrParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 0 {
		t.Errorf("actions = %+v, want none when pool buys less than a lot", actions)
	}
}

func TestVRInsideBandOnlyPeriodicUpdate(t *testing.T) {
	prog := vrProgress(100, 0)
	prog.LastContributionAt = asOf.AddDate(0, 0, -14)

	actions, next, err := ComputeVR(10, asOf, prog, vrParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 0 {
		t.Errorf("actions = %+v, want none", actions)
	}
	if math.Abs(next.CurrentV-1100) > 1e-9 {
		t.Errorf("CurrentV = %v, want 1100", next.CurrentV)
	}
	if next.CurrentPool != 400 {
		t.Errorf("CurrentPool = %v, want 400", next.CurrentPool)
	}
	if !next.LastContributionAt.Equal(asOf) || next.DaysSinceContribution != 0 {
		t.Errorf("contribution clock = (%v, %d), want (%v, 0)", next.LastContributionAt, next.DaysSinceContribution, asOf)
	}
}

func TestVRDayCountAccumulates(t *testing.T) {
	prog := vrProgress(100, 0)
	prog.LastContributionAt = asOf.AddDate(0, 0, -6)
	_, next, err := ComputeVR(10, asOf, prog, vrParams(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if next.DaysSinceContribution != 6 || next.CurrentV != 1000 {
		t.Errorf("next = %+v, want 6 days and unchanged V", next)
	}
}

func TestVRInvalidPrice(t *testing.T) {
	for _, price := range []float64{0, -3, math.NaN()} {
		_, _, err := ComputeVR(price, asOf, vrProgress(1, 1), vrParams(), nil)
		var ipe *domain.InvalidPriceError
		if !errors.As(err, &ipe) {
			t.Errorf("ComputeVR(%v) error = %v, want InvalidPriceError", price, err)
		}
	}
}

func TestVRAdvancedWidensBands(t *testing.T) {
	p := vrParams()
	p.IsAdvanced = true
	p.VolatilityMultiplier = 100

	prog := vrProgress(120, 0)
	prog.LastPrice = 9
	prog.Volatility = 0.05

	// With plain bands this sells; the widened upper band absorbs the breach.
	actions, next, err := ComputeVR(10, asOf, prog, p, strategy.VolatilityBands{})
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 0 {
		t.Errorf("actions = %+v, want none under widened bands", actions)
	}
	if next.Volatility <= prog.Volatility {
		t.Errorf("Volatility = %v, want it to rise after a 11%% move", next.Volatility)
	}
}

func TestVREngineRoundTrip(t *testing.T) {
	eng := NewVR(nil)
	params := strategy.Params{Code: domain.StrategyCodeVR, VR: ptr(vrParams())}

	raw, err := eng.InitialProgress(params)
	if err != nil {
		t.Fatal(err)
	}

	prices := []float64{10, 9.2, 11.8, 12.5, 8.1}
	inline := VRProgress{CurrentV: 1000, CurrentPool: 1000}
	for i, price := range prices {
		at := asOf.AddDate(0, 0, i*7)

		res, err := eng.Compute(strategy.Input{Price: price, AsOf: at, Progress: raw, Params: params})
		if err != nil {
			t.Fatalf("cycle %d: Compute returned error: %v", i, err)
		}
		wantActions, next, err := ComputeVR(price, at, inline, *params.VR, strategy.FixedBands{})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(res.Actions, wantActions) {
			t.Errorf("cycle %d: actions = %+v, want %+v", i, res.Actions, wantActions)
		}

		// Store boundary: the reloaded blob must decode to the inline state.
		var reloaded VRProgress
		if err := json.Unmarshal(res.Progress, &reloaded); err != nil {
			t.Fatal(err)
		}
		if !reloaded.LastContributionAt.Equal(next.LastContributionAt) {
			t.Errorf("cycle %d: LastContributionAt = %v, want %v", i, reloaded.LastContributionAt, next.LastContributionAt)
		}
		reloaded.LastContributionAt = next.LastContributionAt
		if reloaded != next {
			t.Errorf("cycle %d: reloaded progress = %+v, want %+v", i, reloaded, next)
		}
		raw, inline = res.Progress, next
	}
}

func TestVRApplyFills(t *testing.T) {
	prog := VRProgress{CurrentV: 1000, CurrentPool: 450, Quantity: 85}
	fq, fp := 3.0, 9.9
	orders := []domain.Order{{
		Side: domain.OrderSideBuy, Qty: 5, Price: 10,
		Status: domain.OrderStatusPartiallyFilled, FilledQty: &fq, FilledPrice: &fp,
	}}

	got := ApplyVRFills(prog, orders)
	if got.Quantity != 83 {
		t.Errorf("Quantity = %v, want 83", got.Quantity)
	}
	if want := 450 + 50 - 3*9.9; math.Abs(got.CurrentPool-want) > 1e-9 {
		t.Errorf("CurrentPool = %v, want %v", got.CurrentPool, want)
	}

	// A rejected sell puts the shares and the proceeds back.
	prog = VRProgress{CurrentV: 1000, CurrentPool: 50, Quantity: 115}
	got = ApplyVRFills(prog, []domain.Order{{Side: domain.OrderSideSell, Qty: 5, Price: 10, Status: domain.OrderStatusRejected}})
	if got.Quantity != 120 || got.CurrentPool != 0 {
		t.Errorf("after rejected sell = %+v, want quantity 120 pool 0", got)
	}

	// Live orders are left alone.
	got = ApplyVRFills(prog, []domain.Order{{Side: domain.OrderSideSell, Qty: 5, Price: 10, Status: domain.OrderStatusSubmitted}})
	if got != prog {
		t.Errorf("submitted order changed progress: %+v", got)
	}
}

func ptr[T any](v T) *T { return &v }
