package circuitbreaker

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
)

// GuardConfig configures a Guard
type GuardConfig struct {
	// MaxFailures is the consecutive failure count that opens the guard
	MaxFailures int
	// Timeout is how long the guard stays open before letting trial calls through
	Timeout time.Duration
	// MaxConcurrentRequests is the number of trial calls allowed while half-open
	MaxConcurrentRequests int
}

// DefaultGuardConfig suits a low-latency in-process dependency
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxFailures:           5,
		Timeout:               10 * time.Second,
		MaxConcurrentRequests: 1,
	}
}

// ErrGuardOpen is returned when the guard rejects a call without running it
var ErrGuardOpen = stderrors.New("guard is open")

// Guard wraps sony/gobreaker around a single dependency.
type Guard struct {
	name    string
	breaker *gobreaker.CircuitBreaker
}

// NewGuard creates a Guard. Non-positive config values fall back to defaults.
func NewGuard(name string, config GuardConfig, logger logging.Logger) *Guard {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	def := DefaultGuardConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = def.MaxFailures
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = def.MaxConcurrentRequests
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(config.MaxConcurrentRequests),
		Interval:    time.Minute,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.MaxFailures)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Guard state changed",
				logging.String("guard", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Validation problems and callers that gave up say nothing about the dependency's health.
			if err == nil || errors.IsType(err, errors.ErrTypeValidation) {
				return true
			}
			return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
		},
	}

	return &Guard{name: name, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn unless the guard is open. ctx is checked before the call.
func (g *Guard) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrGuardOpen, g.name, err)
	}
	return err
}

// State returns the guard state in this package's terms
func (g *Guard) State() State {
	switch g.breaker.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Counts returns gobreaker's rolling counters
func (g *Guard) Counts() gobreaker.Counts {
	return g.breaker.Counts()
}
