package admission

import "errors"

var (
	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNegativeCapacity is returned when bucket capacity is not positive.
	ErrNegativeCapacity = errors.New("bucket capacity must be positive")

	// ErrNegativeRefillRate is returned when refill rate is negative.
	ErrNegativeRefillRate = errors.New("refill rate must not be negative")

	// ErrCircuitOpen is returned by the breaker while the remote store is
	// considered down and calls fail fast.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrProbeInFlight is returned in half-open state when another caller
	// already holds the single probe slot.
	ErrProbeInFlight = errors.New("circuit breaker probe already in flight")

	// ErrRemoteUnavailable is returned by Reset when no remote store is
	// configured.
	ErrRemoteUnavailable = errors.New("remote store not configured")
)
