package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMarketClosed marks a run skipped because the exchange is closed.
	ErrMarketClosed = errors.New("market closed")

	// ErrAlreadyRunning is returned when a strategy's run-lock is held.
	ErrAlreadyRunning = errors.New("strategy run already in progress")
)

// ConfigurationError reports invalid strategy parameters. It is raised when a
// strategy is created or updated, never while it runs.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// BrokerRejectedError is an order-level rejection carrying the broker's
// reason code.
type BrokerRejectedError struct {
	Code         string
	Reason       string
	MarketClosed bool
	// DuplicateClientOrder means the client order id was already used: an
	// earlier attempt of the same placement reached the broker.
	DuplicateClientOrder bool
}

func (e *BrokerRejectedError) Error() string {
	return fmt.Sprintf("broker rejected order: %s - %s", e.Code, e.Reason)
}

// BrokerUnavailableError wraps an I/O failure while reaching the broker.
type BrokerUnavailableError struct {
	Op  string
	Err error
}

func (e *BrokerUnavailableError) Error() string {
	return fmt.Sprintf("broker unavailable during %s: %v", e.Op, e.Err)
}

func (e *BrokerUnavailableError) Unwrap() error { return e.Err }

// EngineComputationError is an invariant violation inside a strategy engine.
// It aborts the cycle.
type EngineComputationError struct {
	Code   StrategyCode
	Reason string
}

func (e *EngineComputationError) Error() string {
	return fmt.Sprintf("%s engine: %s", e.Code, e.Reason)
}

// InvalidPriceError is returned for a zero or negative price input.
type InvalidPriceError struct {
	Price float64
}

func (e *InvalidPriceError) Error() string {
	return fmt.Sprintf("invalid price %v", e.Price)
}

// ReconciliationMismatchError reports fill data inconsistent with the
// submitted order. The snapshot is left for manual inspection.
type ReconciliationMismatchError struct {
	OrderID int64
	Reason  string
}

func (e *ReconciliationMismatchError) Error() string {
	return fmt.Sprintf("reconciliation mismatch on order %d: %s", e.OrderID, e.Reason)
}

// IsBrokerUnavailable reports whether err is (or wraps) a
// BrokerUnavailableError.
func IsBrokerUnavailable(err error) bool {
	var target *BrokerUnavailableError
	return errors.As(err, &target)
}
