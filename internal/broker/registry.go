package broker

import (
	"fmt"
	"sort"
	"sync"

	"autotrader/internal/domain"
)

// Registry maps account names to the Broker serving each account.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]Broker
}

// NewRegistry creates an empty account registry.
func NewRegistry() *Registry {
	return &Registry{accounts: make(map[string]Broker)}
}

// Register binds account to b. Registering the same account twice is an
// error.
func (r *Registry) Register(account string, b Broker) error {
	if account == "" {
		return &domain.ConfigurationError{Field: "account", Reason: "name is required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[account]; exists {
		return &domain.ConfigurationError{Field: "account", Reason: fmt.Sprintf("%q registered twice", account)}
	}
	r.accounts[account] = b
	return nil
}

// Get returns the broker for account.
func (r *Registry) Get(account string) (Broker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.accounts[account]
	if !ok {
		return nil, &domain.ConfigurationError{Field: "account", Reason: fmt.Sprintf("unknown account %q", account)}
	}
	return b, nil
}

// Has reports whether account is registered.
func (r *Registry) Has(account string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.accounts[account]
	return ok
}

// Accounts returns the registered account names in sorted order.
func (r *Registry) Accounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.accounts))
	for name := range r.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
