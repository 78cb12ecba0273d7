package domain

import "time"

// RunStatus summarizes the outcome of one daily routine.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusPartial RunStatus = "PARTIAL"
	RunStatusFailed  RunStatus = "FAILED"
	RunStatusSkipped RunStatus = "SKIPPED"
)

// Skip reasons reported in RunResult.SkipReason.
const (
	SkipInactive       = "inactive"
	SkipMarketClosed   = "market_closed"
	SkipAlreadyRunning = "already_running"
	SkipAwaitingFills  = "awaiting_fills"
	SkipMismatch       = "reconciliation_mismatch"
)

// OrderOutcome describes what happened to one action of a cycle.
type OrderOutcome struct {
	OrderID   int64       `json:"order_id,omitempty"`
	Side      OrderSide   `json:"side"`
	Qty       float64     `json:"qty"`
	Price     float64     `json:"price"`
	Tag       string      `json:"tag,omitempty"`
	Status    OrderStatus `json:"status"`
	BrokerRef string      `json:"broker_ref,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// RunResult is the structured record of one RunDailyRoutine call.
type RunResult struct {
	StrategyID      int64          `json:"strategy_id"`
	StrategyName    string         `json:"strategy_name"`
	Cycle           int64          `json:"cycle,omitempty"`
	SnapshotID      int64          `json:"snapshot_id,omitempty"`
	Status          RunStatus      `json:"status"`
	SkipReason      string         `json:"skip_reason,omitempty"`
	OrdersSubmitted int            `json:"orders_submitted"`
	OrdersFailed    int            `json:"orders_failed"`
	Orders          []OrderOutcome `json:"orders,omitempty"`
	Error           string         `json:"error,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}

// AggregateReport summarizes one scheduler fan-out.
type AggregateReport struct {
	Started   time.Time   `json:"started"`
	Finished  time.Time   `json:"finished"`
	Total     int         `json:"total"`
	Succeeded int         `json:"succeeded"`
	Partial   int         `json:"partial"`
	Skipped   int         `json:"skipped"`
	Failed    int         `json:"failed"`
	Results   []RunResult `json:"results"`
}

// Add counts r into the report.
func (a *AggregateReport) Add(r RunResult) {
	a.Total++
	switch r.Status {
	case RunStatusSuccess:
		a.Succeeded++
	case RunStatusPartial:
		a.Partial++
	case RunStatusSkipped:
		a.Skipped++
	default:
		a.Failed++
	}
	a.Results = append(a.Results, r)
}
