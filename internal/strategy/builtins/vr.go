// Package builtins provides the strategy engines that ship with autotrader.
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
var _ strategy.Engine = (*VR)(nil)

// Order tags written by the VR engine.
const (
	TagRebalanceBuy  = "rebalance buy"
	TagRebalanceSell = "rebalance sell"
)

// ewmaDecay is the RiskMetrics daily decay factor.
const ewmaDecay = 0.94

// VRProgress is the persisted state of a VR strategy.
type VRProgress struct {
	CurrentV              float64   `json:"current_v"`
	CurrentPool           float64   `json:"current_pool"`
	Quantity              float64   `json:"quantity"`
	DaysSinceContribution int       `json:"days_since_contribution"`
	LastContributionAt    time.Time `json:"last_contribution_at"`
	LastPrice             float64   `json:"last_price,omitempty"`
	Volatility            float64   `json:"volatility,omitempty"`
}

// VR implements value rebalancing: it keeps the position's market value
// inside a band around a growing target value, buying from a cash pool below
// the band and selling into it above.
type VR struct {
	bands strategy.BandPolicy
}

// NewVR creates a VR engine. A nil policy uses strategy.VolatilityBands for
// advanced strategies; plain strategies always use fixed bands.
func NewVR(bands strategy.BandPolicy) *VR {
	if bands == nil {
		bands = strategy.VolatilityBands{}
	}
	return &VR{bands: bands}
}

// Code returns domain.StrategyCodeVR.
func (v *VR) Code() domain.StrategyCode { return domain.StrategyCodeVR }

// InitialProgress starts with the whole initial investment as both the target
// value and the cash pool.
func (v *VR) InitialProgress(p strategy.Params) (json.RawMessage, error) {
	if p.VR == nil {
		return nil, &domain.ConfigurationError{Reason: "missing VR parameters"}
	}
	return json.Marshal(VRProgress{
		CurrentV:    p.VR.InitialInvestment,
		CurrentPool: p.VR.InitialInvestment,
	})
}

// Compute decodes progress and delegates to ComputeVR.
func (v *VR) Compute(in strategy.Input) (strategy.Result, error) {
	if in.Params.VR == nil {
		return strategy.Result{}, &domain.ConfigurationError{Reason: "missing VR parameters"}
	}
	var prog VRProgress
	if err := json.Unmarshal(in.Progress, &prog); err != nil {
		return strategy.Result{}, &domain.EngineComputationError{Code: domain.StrategyCodeVR, Reason: fmt.Sprintf("decoding progress: %v", err)}
	}

	bands := strategy.BandPolicy(strategy.FixedBands{})
	if in.Params.VR.IsAdvanced {
		bands = v.bands
	}

	actions, next, err := ComputeVR(in.Price, in.AsOf, prog, *in.Params.VR, bands)
	if err != nil {
		return strategy.Result{}, err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return strategy.Result{}, fmt.Errorf("encoding VR progress: %w", err)
	}
	return strategy.Result{Actions: actions, Progress: raw}, nil
}

// ApplyFills moves the difference between requested and filled amounts back
// into quantity and pool.
func (v *VR) ApplyFills(progress json.RawMessage, _ strategy.Params, orders []domain.Order) (json.RawMessage, error) {
	var prog VRProgress
	if err := json.Unmarshal(progress, &prog); err != nil {
		return nil, &domain.EngineComputationError{Code: domain.StrategyCodeVR, Reason: fmt.Sprintf("decoding progress: %v", err)}
	}
	prog = ApplyVRFills(prog, orders)
	if prog.Quantity < 0 {
		return nil, &domain.EngineComputationError{Code: domain.StrategyCodeVR, Reason: "negative quantity after fills"}
	}
	return json.Marshal(prog)
}

// ComputeVR runs one VR cycle at price.
func ComputeVR(price float64, asOf time.Time, prog VRProgress, p strategy.VRParams, bands strategy.BandPolicy) ([]domain.Action, VRProgress, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return nil, prog, &domain.InvalidPriceError{Price: price}
	}
	if prog.Quantity < 0 || prog.CurrentPool < 0 {
		return nil, prog, &domain.EngineComputationError{Code: domain.StrategyCodeVR, Reason: "negative quantity or pool in progress"}
	}

	next := prog

	// Periodic contribution.
	if next.LastContributionAt.IsZero() {
		next.LastContributionAt = asOf
		next.DaysSinceContribution = 0
	} else {
		days := int(asOf.Sub(next.LastContributionAt).Hours() / 24)
		if days < 0 {
			days = 0
		}
		if days >= p.InvestmentIntervalDays {
			next.CurrentV += next.CurrentV * p.GFactor / 100
			next.CurrentPool += p.PeriodicInvestment
			next.LastContributionAt = asOf
			next.DaysSinceContribution = 0
		} else {
			next.DaysSinceContribution = days
		}
	}

	if p.IsAdvanced && next.LastPrice > 0 {
		ret := math.Abs(price/next.LastPrice - 1)
		next.Volatility = ewmaDecay*next.Volatility + (1-ewmaDecay)*ret
	}
	next.LastPrice = price

	if bands == nil {
		bands = strategy.FixedBands{}
	}
	uBand, lBand := bands.Bands(strategy.BandInput{
		UBand:      p.UBand,
		LBand:      p.LBand,
		Volatility: next.Volatility,
		Multiplier: p.VolatilityMultiplier,
	})

	equity := next.Quantity * price
	upper := next.CurrentV * (1 + uBand/100)
	lower := next.CurrentV * (1 - lBand/100)
	lot := p.LotSize

	switch {
	case equity > upper:
		breach := equity - upper
		if breach < lot*price {
			return nil, next, nil
		}
		qty := strategy.CeilLot(breach/price, lot)
		limit := strategy.FloorLot(next.Quantity*p.SellLimitRate/100, lot)
		qty = math.Min(qty, limit)
		if qty <= 0 {
			return nil, next, nil
		}
		next.Quantity -= qty
		next.CurrentPool += qty * price
		return []domain.Action{{
			Side:  domain.OrderSideSell,
			Type:  domain.OrderTypeLOC,
			Qty:   qty,
			Price: price,
			Tag:   TagRebalanceSell,
		}}, next, nil

	case equity < lower && next.CurrentPool > 0:
		budget := math.Min(lower-equity, next.CurrentPool*p.BuyLimitRate/100)
		budget = math.Min(budget, next.CurrentPool)
		qty := strategy.FloorLot(budget/price, lot)
		if qty <= 0 {
			return nil, next, nil
		}
		next.Quantity += qty
		next.CurrentPool -= qty * price
		if next.CurrentPool < 0 {
			next.CurrentPool = 0
		}
		return []domain.Action{{
			Side:  domain.OrderSideBuy,
			Type:  domain.OrderTypeLOC,
			Qty:   qty,
			Price: price,
			Tag:   TagRebalanceBuy,
		}}, next, nil
	}

	return nil, next, nil
}

// ApplyVRFills corrects prog for orders whose fills differ from the request.
// Only terminal orders are applied.
func ApplyVRFills(prog VRProgress, orders []domain.Order) VRProgress {
	for i := range orders {
		o := &orders[i]
		if !o.Status.Terminal() {
			continue
		}
		filled, fillPrice := effectiveFill(o)
		switch o.Side {
		case domain.OrderSideBuy:
			prog.Quantity += filled - o.Qty
			prog.CurrentPool += o.Qty*o.Price - filled*fillPrice
		case domain.OrderSideSell:
			prog.Quantity += o.Qty - filled
			prog.CurrentPool += filled*fillPrice - o.Qty*o.Price
		}
	}
	if prog.CurrentPool < 0 {
		prog.CurrentPool = 0
	}
	return prog
}
