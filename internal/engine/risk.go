package engine

import (
	"fmt"

	"autotrader/internal/domain"
)

// RiskLimitError is returned when an action would exceed a configured
// notional limit. The order is recorded as REJECTED and never sent.
type RiskLimitError struct {
	Limit    string
	Notional float64
	Max      float64
}

func (e *RiskLimitError) Error() string {
	return fmt.Sprintf("risk limit %s exceeded: notional %.2f > %.2f", e.Limit, e.Notional, e.Max)
}

// RiskManager enforces pre-trade limits on the notional value of single
// orders and of all orders placed in one cycle. A zero limit is disabled.
type RiskManager struct {
	maxOrderNotional float64
	maxCycleNotional float64
}

// NewRiskManager creates a RiskManager with the specified limits.
//
//   - maxOrderNotional: largest qty*price allowed for one order.
//   - maxCycleNotional: largest sum of qty*price over the orders of one cycle.
func NewRiskManager(maxOrderNotional, maxCycleNotional float64) *RiskManager {
	return &RiskManager{
		maxOrderNotional: maxOrderNotional,
		maxCycleNotional: maxCycleNotional,
	}
}

// CheckAction evaluates whether a proposed action complies with the limits
// given the notional already accepted in the current cycle.
func (rm *RiskManager) CheckAction(a domain.Action, cycleNotional float64) error {
	if rm == nil {
		return nil
	}
	n := a.Notional()
	if rm.maxOrderNotional > 0 && n > rm.maxOrderNotional {
		return &RiskLimitError{Limit: "max_order_notional", Notional: n, Max: rm.maxOrderNotional}
	}
	if rm.maxCycleNotional > 0 && cycleNotional+n > rm.maxCycleNotional {
		return &RiskLimitError{Limit: "max_cycle_notional", Notional: cycleNotional + n, Max: rm.maxCycleNotional}
	}
	return nil
}
