package builtins

import "autotrader/internal/strategy"

// NewRegistry returns a registry holding the VR and InfBuy engines with
// their default policies.
func NewRegistry() *strategy.Registry {
	r := strategy.NewRegistry()
	r.Register(NewVR(nil))
	r.Register(NewInfBuy(nil))
	return r
}
