// Package circuitbreaker tracks route health transitions and guards calls to
// unreliable collaborators.
//
// RouteBreaker runs the per-route Closed/Open/HalfOpen state machine that
// activates and deactivates routes. Guard wraps sony/gobreaker for protecting
// a single downstream dependency such as the route scorer.
package circuitbreaker

// State represents the current state of a circuit breaker
type State int

const (
	// StateClosed means traffic flows normally
	StateClosed State = iota
	// StateOpen means traffic is rejected until the cooldown elapses
	StateOpen
	// StateHalfOpen means a single probe is allowed to test recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
