// Package circuitbreaker guards calls to flaky upstream services.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/auto-earn/internal/errors"
	"github.com/auto-earn/internal/logging"
	"github.com/sony/gobreaker/v2"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the service has recovered
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when too many requests are made in half-open state
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name             string
	MaxFailures      uint32        // consecutive failures before opening
	FailureThreshold float64       // failure ratio (0.0-1.0) before opening, once MinRequests is reached
	MinRequests      uint32        // sample size for FailureThreshold
	Interval         time.Duration // closed-state counting window
	Timeout          time.Duration // time to wait before attempting half-open
	HalfOpenMaxCalls uint32
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      10,
		FailureThreshold: 0.5,
		MinRequests:      20,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Stats is a snapshot of breaker counters
type Stats struct {
	Name                 string `json:"name"`
	State                State  `json:"state"`
	Requests             uint32 `json:"requests"`
	TotalFailures        uint32 `json:"totalFailures"`
	ConsecutiveFailures  uint32 `json:"consecutiveFailures"`
	ConsecutiveSuccesses uint32 `json:"consecutiveSuccesses"`
}

// CircuitBreaker wraps a gobreaker breaker. Only upstream-health failures count
// towards tripping; validation errors and caller cancellation do not.
type CircuitBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.HalfOpenMaxCalls,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if config.MaxFailures > 0 && c.ConsecutiveFailures >= config.MaxFailures {
				return true
			}
			if config.FailureThreshold > 0 && c.Requests >= config.MinRequests && c.Requests > 0 {
				return float64(c.TotalFailures)/float64(c.Requests) >= config.FailureThreshold
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.GetGlobalLogger().WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
		IsSuccessful: isSuccessful,
	}

	return &CircuitBreaker{
		name: config.Name,
		cb:   gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch apperrors.Categorize(err).Category {
	case apperrors.CategoryValidation, apperrors.CategoryNotFound, apperrors.CategoryData:
		return true
	default:
		return false
	}
}

// Execute runs fn if the circuit allows it
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := cb.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return ErrCircuitOpen
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrTooManyRequests
	}
	return err
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	switch cb.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// GetStats returns the breaker counters for the current window
func (cb *CircuitBreaker) GetStats() *Stats {
	c := cb.cb.Counts()
	return &Stats{
		Name:                 cb.name,
		State:                cb.GetState(),
		Requests:             c.Requests,
		TotalFailures:        c.TotalFailures,
		ConsecutiveFailures:  c.ConsecutiveFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
	}
}
