// Package breaker builds the circuit breakers guarding outbound calls to
// field equipment and keeps the breaker-state gauge current.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/metrics"
)

// Settings configures New.
type Settings struct {
	// Failures is the consecutive-failure count that opens the breaker.
	Failures uint32
	// OpenFor is how long the breaker stays open before a trial request.
	OpenFor time.Duration
}

// New creates a breaker named name. A call abandoned through context
// cancellation is not held against the equipment.
func New[T any](name string, s Settings) *gobreaker.CircuitBreaker[T] {
	if s.Failures == 0 {
		s.Failures = 3
	}
	metrics.BreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.OpenFor,
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Set lazily creates one breaker per key, e.g. per gate address.
type Set[T any] struct {
	prefix   string
	settings Settings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[T]
}

// NewSet creates an empty set; breaker names are prefix + ":" + key.
func NewSet[T any](prefix string, s Settings) *Set[T] {
	return &Set[T]{prefix: prefix, settings: s, breakers: make(map[string]*gobreaker.CircuitBreaker[T])}
}

// Get returns the breaker for key, creating it on first use.
func (s *Set[T]) Get(key string) *gobreaker.CircuitBreaker[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[key]
	if !ok {
		cb = New[T](s.prefix+":"+key, s.settings)
		s.breakers[key] = cb
	}
	return cb
}

// States reports every breaker's state by key.
func (s *Set[T]) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for k, cb := range s.breakers {
		out[k] = cb.State().String()
	}
	return out
}
