package strategy

import "math"

// BandInput carries what a BandPolicy may use to place the VR bands.
type BandInput struct {
	UBand      float64 // percent
	LBand      float64 // percent
	Volatility float64 // EWMA of absolute daily returns, as a fraction
	Multiplier float64
}

// BandPolicy returns the effective upper and lower band widths in percent.
type BandPolicy interface {
	Bands(in BandInput) (upper, lower float64)
}

// FixedBands uses the configured bands unchanged.
type FixedBands struct{}

func (FixedBands) Bands(in BandInput) (float64, float64) {
	return in.UBand, in.LBand
}

// VolatilityBands widens both bands by Multiplier*Volatility*100 percentage
// points. The lower band stays below 100 so the lower threshold is positive.
type VolatilityBands struct{}

func (VolatilityBands) Bands(in BandInput) (float64, float64) {
	widen := in.Multiplier * in.Volatility * 100
	if widen < 0 || math.IsNaN(widen) {
		widen = 0
	}
	return in.UBand + widen, math.Min(in.LBand+widen, 99)
}

// ThresholdSchedule returns the drawdown, as a fraction, that must be exceeded
// before rung k (1-based) of the InfBuy ladder is bought. Implementations
// must be non-decreasing in k.
type ThresholdSchedule interface {
	Threshold(k int, step float64) float64
}

// LinearThresholds spaces rungs evenly: step*(k-1).
type LinearThresholds struct{}

func (LinearThresholds) Threshold(k int, step float64) float64 {
	if k <= 1 {
		return 0
	}
	return step * float64(k-1)
}

// GeometricThresholds compounds the step: 1-(1-step)^(k-1).
type GeometricThresholds struct{}

func (GeometricThresholds) Threshold(k int, step float64) float64 {
	if k <= 1 {
		return 0
	}
	return 1 - math.Pow(1-step, float64(k-1))
}

// ScheduleFor returns the schedule for a configured spacing.
func ScheduleFor(s ThresholdSpacing) ThresholdSchedule {
	if s == SpacingGeometric {
		return GeometricThresholds{}
	}
	return LinearThresholds{}
}

const lotEpsilon = 1e-9

// FloorLot rounds x down to a whole number of lots. Negative input yields 0.
func FloorLot(x, lot float64) float64 {
	if lot <= 0 {
		lot = DefaultLotSize
	}
	if x <= 0 {
		return 0
	}
	return math.Floor(x/lot+lotEpsilon) * lot
}

// CeilLot rounds x up to a whole number of lots. Negative input yields 0.
func CeilLot(x, lot float64) float64 {
	if lot <= 0 {
		lot = DefaultLotSize
	}
	if x <= 0 {
		return 0
	}
	return math.Ceil(x/lot-lotEpsilon) * lot
}
