package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"autotrader/internal/domain"
)

// RejectPolicy decides what a REJECTED order means for its cycle.
type RejectPolicy string

const (
	// RejectIsolate records the rejected order and completes the cycle.
	RejectIsolate RejectPolicy = "isolate"
	// RejectFailCycle finalizes the snapshot FAILED when any order is rejected.
	RejectFailCycle RejectPolicy = "fail_cycle"
)

// ThresholdSpacing selects the InfBuy drawdown schedule.
type ThresholdSpacing string

const (
	SpacingLinear    ThresholdSpacing = "linear"
	SpacingGeometric ThresholdSpacing = "geometric"
)

// Defaults applied by DecodeParams when a field is omitted.
const (
	DefaultInvestmentIntervalDays = 14
	DefaultLimitRate              = 100.0
	DefaultVolatilityMultiplier   = 1.0
	DefaultLotSize                = 1.0
	DefaultDrawdownStep           = 2.5
)

// VRParams configures the value rebalancing engine. Percentages are given in
// percent, not fractions.
type VRParams struct {
	InitialInvestment      float64      `json:"initial_investment"`
	PeriodicInvestment     float64      `json:"periodic_investment"`
	GFactor                float64      `json:"g_factor"`
	UBand                  float64      `json:"u_band"`
	LBand                  float64      `json:"l_band"`
	InvestmentIntervalDays int          `json:"investment_interval_days"`
	SellLimitRate          float64      `json:"sell_limit_rate"`
	BuyLimitRate           float64      `json:"buy_limit_rate"`
	IsAdvanced             bool         `json:"is_advanced"`
	VolatilityMultiplier   float64      `json:"volatility_multiplier"`
	LotSize                float64      `json:"lot_size"`
	RejectPolicy           RejectPolicy `json:"reject_policy"`
}

// InfBuyParams configures the infinite buy engine.
type InfBuyParams struct {
	InitialInvestment float64          `json:"initial_investment"`
	Division          int              `json:"division"`
	SellGain          float64          `json:"sell_gain"`
	ReinvestmentRate  float64          `json:"reinvestment_rate"`
	DrawdownStep      float64          `json:"drawdown_step"`
	ThresholdSpacing  ThresholdSpacing `json:"threshold_spacing"`
	LotSize           float64          `json:"lot_size"`
	RejectPolicy      RejectPolicy     `json:"reject_policy"`
}

// Params is a tagged union of the per-code parameter structs. Exactly one of
// VR and InfBuy is set, matching Code.
type Params struct {
	Code   domain.StrategyCode
	VR     *VRParams
	InfBuy *InfBuyParams
}

// LotSize returns the tradable unit of the strategy.
func (p Params) LotSize() float64 {
	switch {
	case p.VR != nil:
		return p.VR.LotSize
	case p.InfBuy != nil:
		return p.InfBuy.LotSize
	}
	return DefaultLotSize
}

// RejectPolicy returns how rejected orders affect the cycle.
func (p Params) RejectPolicy() RejectPolicy {
	switch {
	case p.VR != nil:
		return p.VR.RejectPolicy
	case p.InfBuy != nil:
		return p.InfBuy.RejectPolicy
	}
	return RejectIsolate
}

// Encode returns the canonical JSON form of the active variant.
func (p Params) Encode() (json.RawMessage, error) {
	switch p.Code {
	case domain.StrategyCodeVR:
		if p.VR == nil {
			return nil, &domain.ConfigurationError{Reason: "missing VR parameters"}
		}
		return json.Marshal(p.VR)
	case domain.StrategyCodeInfBuy:
		if p.InfBuy == nil {
			return nil, &domain.ConfigurationError{Reason: "missing InfBuy parameters"}
		}
		return json.Marshal(p.InfBuy)
	}
	return nil, &domain.ConfigurationError{Field: "code", Reason: fmt.Sprintf("unknown strategy code %q", p.Code)}
}

// DecodeParams parses and validates raw parameters for code. Unknown fields,
// missing required fields and out-of-range values yield a
// *domain.ConfigurationError.
func DecodeParams(code domain.StrategyCode, raw json.RawMessage) (Params, error) {
	switch code {
	case domain.StrategyCodeVR:
		var v VRParams
		if err := decodeStrict(raw, &v, "initial_investment", "g_factor", "u_band", "l_band"); err != nil {
			return Params{}, err
		}
		v.applyDefaults()
		if err := v.Validate(); err != nil {
			return Params{}, err
		}
		return Params{Code: code, VR: &v}, nil

	case domain.StrategyCodeInfBuy:
		var v InfBuyParams
		if err := decodeStrict(raw, &v, "initial_investment", "division", "sell_gain"); err != nil {
			return Params{}, err
		}
		v.applyDefaults()
		if err := v.Validate(); err != nil {
			return Params{}, err
		}
		return Params{Code: code, InfBuy: &v}, nil
	}
	return Params{}, &domain.ConfigurationError{Field: "code", Reason: fmt.Sprintf("unknown strategy code %q", code)}
}

func decodeStrict(raw json.RawMessage, dst any, required ...string) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &domain.ConfigurationError{Field: "params", Reason: "empty"}
	}

	var present map[string]json.RawMessage
	if err := json.Unmarshal(raw, &present); err != nil {
		return &domain.ConfigurationError{Field: "params", Reason: err.Error()}
	}
	for _, f := range required {
		if _, ok := present[f]; !ok {
			return &domain.ConfigurationError{Field: f, Reason: "required"}
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &domain.ConfigurationError{Field: "params", Reason: err.Error()}
	}
	return nil
}

func (v *VRParams) applyDefaults() {
	if v.InvestmentIntervalDays == 0 {
		v.InvestmentIntervalDays = DefaultInvestmentIntervalDays
	}
	if v.SellLimitRate == 0 {
		v.SellLimitRate = DefaultLimitRate
	}
	if v.BuyLimitRate == 0 {
		v.BuyLimitRate = DefaultLimitRate
	}
	if v.VolatilityMultiplier == 0 {
		v.VolatilityMultiplier = DefaultVolatilityMultiplier
	}
	if v.LotSize == 0 {
		v.LotSize = DefaultLotSize
	}
	if v.RejectPolicy == "" {
		v.RejectPolicy = RejectIsolate
	}
}

// Validate checks VR parameter ranges.
func (v *VRParams) Validate() error {
	switch {
	case v.InitialInvestment <= 0:
		return &domain.ConfigurationError{Field: "initial_investment", Reason: "must be positive"}
	case v.PeriodicInvestment < 0:
		return &domain.ConfigurationError{Field: "periodic_investment", Reason: "must not be negative"}
	case v.GFactor < 0:
		return &domain.ConfigurationError{Field: "g_factor", Reason: "must not be negative"}
	case v.UBand <= 0:
		return &domain.ConfigurationError{Field: "u_band", Reason: "must be positive"}
	case v.LBand <= 0 || v.LBand >= 100:
		return &domain.ConfigurationError{Field: "l_band", Reason: "must be in (0, 100)"}
	case v.InvestmentIntervalDays < 0:
		return &domain.ConfigurationError{Field: "investment_interval_days", Reason: "must not be negative"}
	case v.SellLimitRate <= 0 || v.SellLimitRate > 100:
		return &domain.ConfigurationError{Field: "sell_limit_rate", Reason: "must be in (0, 100]"}
	case v.BuyLimitRate <= 0 || v.BuyLimitRate > 100:
		return &domain.ConfigurationError{Field: "buy_limit_rate", Reason: "must be in (0, 100]"}
	case v.VolatilityMultiplier < 0:
		return &domain.ConfigurationError{Field: "volatility_multiplier", Reason: "must not be negative"}
	case v.LotSize <= 0:
		return &domain.ConfigurationError{Field: "lot_size", Reason: "must be positive"}
	}
	return validateRejectPolicy(v.RejectPolicy)
}

func (v *InfBuyParams) applyDefaults() {
	if v.DrawdownStep == 0 {
		v.DrawdownStep = DefaultDrawdownStep
	}
	if v.ThresholdSpacing == "" {
		v.ThresholdSpacing = SpacingLinear
	}
	if v.LotSize == 0 {
		v.LotSize = DefaultLotSize
	}
	if v.RejectPolicy == "" {
		v.RejectPolicy = RejectIsolate
	}
}

// Validate checks InfBuy parameter ranges.
func (v *InfBuyParams) Validate() error {
	switch {
	case v.InitialInvestment <= 0:
		return &domain.ConfigurationError{Field: "initial_investment", Reason: "must be positive"}
	case v.Division <= 0:
		return &domain.ConfigurationError{Field: "division", Reason: "must be positive"}
	case v.SellGain <= 0:
		return &domain.ConfigurationError{Field: "sell_gain", Reason: "must be positive"}
	case v.ReinvestmentRate < 0 || v.ReinvestmentRate > 100:
		return &domain.ConfigurationError{Field: "reinvestment_rate", Reason: "must be in [0, 100]"}
	case v.DrawdownStep <= 0 || v.DrawdownStep >= 100:
		return &domain.ConfigurationError{Field: "drawdown_step", Reason: "must be in (0, 100)"}
	case v.LotSize <= 0:
		return &domain.ConfigurationError{Field: "lot_size", Reason: "must be positive"}
	}
	switch v.ThresholdSpacing {
	case SpacingLinear, SpacingGeometric:
	default:
		return &domain.ConfigurationError{Field: "threshold_spacing", Reason: fmt.Sprintf("unknown spacing %q", v.ThresholdSpacing)}
	}
	return validateRejectPolicy(v.RejectPolicy)
}

func validateRejectPolicy(p RejectPolicy) error {
	switch p {
	case RejectIsolate, RejectFailCycle:
		return nil
	}
	return &domain.ConfigurationError{Field: "reject_policy", Reason: fmt.Sprintf("unknown policy %q", p)}
}
