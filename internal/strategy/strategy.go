// Package strategy defines the Engine interface for strategy decision
// algorithms and provides a Registry keyed by strategy code.
package strategy

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"autotrader/internal/domain"
)

// Input is everything an engine needs for one cycle.
type Input struct {
	Price    float64
	AsOf     time.Time
	Progress json.RawMessage
	Params   Params
}

// Result is the outcome of one Compute call. Progress is the intended state
// assuming every action fills as requested.
type Result struct {
	Actions  []domain.Action
	Progress json.RawMessage
}

// Engine is the interface that all strategy decision algorithms must
// implement. Engines are pure: they never touch the broker or the store.
type Engine interface {
	// Code returns the strategy code this engine serves.
	Code() domain.StrategyCode

	// InitialProgress returns the progress of a strategy that has never run.
	InitialProgress(p Params) (json.RawMessage, error)

	// Compute decides the actions for one cycle and returns the new progress.
	Compute(in Input) (Result, error)

	// ApplyFills corrects progress written by a previous Compute using the
	// quantities and prices the broker actually filled.
	ApplyFills(progress json.RawMessage, p Params, orders []domain.Order) (json.RawMessage, error)
}

// Registry holds the engines available to the coordinator.
type Registry struct {
	engines map[domain.StrategyCode]Engine
}

// NewRegistry creates an empty engine Registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[domain.StrategyCode]Engine),
	}
}

// Register adds an engine to the registry, keyed by its Code().
func (r *Registry) Register(e Engine) {
	r.engines[e.Code()] = e
}

// Get retrieves an engine by code. The second return value indicates whether
// the engine was found.
func (r *Registry) Get(code domain.StrategyCode) (Engine, bool) {
	e, ok := r.engines[code]
	return e, ok
}

// MustGet is Get returning an error for unknown codes.
func (r *Registry) MustGet(code domain.StrategyCode) (Engine, error) {
	e, ok := r.engines[code]
	if !ok {
		return nil, fmt.Errorf("no engine registered for strategy code %q", code)
	}
	return e, nil
}

// List returns a sorted slice of all registered strategy codes.
func (r *Registry) List() []domain.StrategyCode {
	codes := make([]domain.StrategyCode, 0, len(r.engines))
	for code := range r.engines {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}
