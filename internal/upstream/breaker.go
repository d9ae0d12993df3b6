package upstream

import (
	"sync"
)

// modelBreakers holds circuit breakers per provider model.
var modelBreakers = struct {
	sync.RWMutex
	breakers map[string]*CircuitBreaker
}{
	breakers: make(map[string]*CircuitBreaker),
}

// GetModelBreaker returns or creates a circuit breaker for the given model.
func GetModelBreaker(model string) *CircuitBreaker {
	modelBreakers.RLock()
	if cb, ok := modelBreakers.breakers[model]; ok {
		modelBreakers.RUnlock()
		return cb
	}
	modelBreakers.RUnlock()

	modelBreakers.Lock()
	defer modelBreakers.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := modelBreakers.breakers[model]; ok {
		return cb
	}

	cfg := DefaultCircuitConfig("provider-" + model)
	cb := NewCircuitBreaker(cfg)
	modelBreakers.breakers[model] = cb
	return cb
}
