package executor

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerRegistry holds one circuit breaker per (provider, api_class)
// pair, opening when an adapter's upstream collaborator starts failing
// repeatedly so the worker pool stops hammering it while it recovers.
// Grounded on the teacher's use of sony/gobreaker for its own upstream
// resilience layer.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	window   time.Duration
}

// NewBreakerRegistry constructs a registry; window is the rolling
// interval gobreaker uses to count failures toward its trip threshold.
func NewBreakerRegistry(window time.Duration) *BreakerRegistry {
	if window <= 0 {
		window = time.Minute
	}
	return &BreakerRegistry{breakers: make(map[string]*gobreaker.CircuitBreaker), window: window}
}

func (r *BreakerRegistry) get(key string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		Interval:    r.window,
		Timeout:     r.window,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	r.breakers[key] = cb
	return cb
}

// Execute runs fn through the (provider, apiClass) breaker, short-
// circuiting with gobreaker.ErrOpenState when it has tripped.
func (r *BreakerRegistry) Execute(providerName, apiClass string, fn func() (any, error)) (any, error) {
	return r.get(providerName + ":" + apiClass).Execute(fn)
}
