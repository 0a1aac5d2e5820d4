package admission

import (
	"sync"
	"time"
)

// CircuitState is the breaker's position.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// BreakerSettings configures the circuit breaker thresholds.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures within
	// FailureWindow that trips the breaker open.
	FailureThreshold int

	// FailureWindow bounds how long failures accumulate before the counter
	// starts over.
	FailureWindow time.Duration

	// OpenTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	OpenTimeout time.Duration

	// ProbeSuccesses is the number of consecutive successful probes needed
	// to reclose.
	ProbeSuccesses int

	// LatencyThreshold trips the breaker when the average call latency over
	// the sample window exceeds it. Zero disables the latency tripwire.
	LatencyThreshold time.Duration

	// LatencySamples is the sliding window size for the latency average.
	LatencySamples int
}

// CircuitBreaker guards calls to the remote store. One breaker serves the
// whole store cluster, shared by every bucket key; its state machine is
// mutex-guarded because many concurrent requests read and update it.
type CircuitBreaker struct {
	mu       sync.Mutex
	settings BreakerSettings

	state     CircuitState
	changedAt time.Time

	failures    int
	windowStart time.Time

	probing        bool
	probeSuccesses int

	latencies []time.Duration
	latIdx    int
	latFull   bool

	now func() time.Time

	// onStateChange, when set, is invoked synchronously on every
	// transition. It must not call back into the breaker.
	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a breaker in the closed state, filling in
// defaults for unset settings.
func NewCircuitBreaker(s BreakerSettings) *CircuitBreaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.FailureWindow <= 0 {
		s.FailureWindow = 30 * time.Second
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 10 * time.Second
	}
	if s.ProbeSuccesses <= 0 {
		s.ProbeSuccesses = 2
	}
	if s.LatencySamples <= 0 {
		s.LatencySamples = 20
	}
	cb := &CircuitBreaker{
		settings:  s,
		state:     StateClosed,
		latencies: make([]time.Duration, s.LatencySamples),
		now:       time.Now,
	}
	cb.changedAt = cb.now()
	return cb
}

// Execute runs op under the breaker's supervision. While open it fails fast
// with ErrCircuitOpen without invoking op; in half-open state only one probe
// runs at a time, other callers get ErrProbeInFlight. Op errors are returned
// as-is after being counted.
func (cb *CircuitBreaker) Execute(op func() error) error {
	if err := cb.before(); err != nil {
		return err
	}

	start := cb.now()
	err := op()
	cb.after(err, cb.now().Sub(start))
	return err
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

// TimeInState returns how long the breaker has held its current state.
func (cb *CircuitBreaker) TimeInState() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.now().Sub(cb.changedAt)
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpenLocked()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		return ErrCircuitOpen
	default: // StateHalfOpen
		if cb.probing {
			return ErrProbeInFlight
		}
		cb.probing = true
		return nil
	}
}

func (cb *CircuitBreaker) after(err error, latency time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.probing = false
		if err != nil {
			// Probe failed: back to open, timeout clock restarts.
			cb.transitionLocked(StateOpen)
			return
		}
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.settings.ProbeSuccesses {
			cb.transitionLocked(StateClosed)
		}

	case StateClosed:
		if err != nil {
			cb.recordFailureLocked()
			return
		}
		cb.failures = 0
		cb.recordLatencyLocked(latency)

	case StateOpen:
		// A straggler that started before the trip; its result is stale.
	}
}

// maybeHalfOpenLocked moves an expired open state to half-open. Must be
// called with cb.mu held.
func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == StateOpen && cb.now().Sub(cb.changedAt) >= cb.settings.OpenTimeout {
		cb.transitionLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) recordFailureLocked() {
	now := cb.now()
	if cb.windowStart.IsZero() || now.Sub(cb.windowStart) > cb.settings.FailureWindow {
		cb.windowStart = now
		cb.failures = 0
	}
	cb.failures++
	if cb.failures >= cb.settings.FailureThreshold {
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) recordLatencyLocked(latency time.Duration) {
	if cb.settings.LatencyThreshold <= 0 {
		return
	}
	cb.latencies[cb.latIdx] = latency
	cb.latIdx = (cb.latIdx + 1) % len(cb.latencies)
	if cb.latIdx == 0 {
		cb.latFull = true
	}
	if !cb.latFull {
		return
	}
	var sum time.Duration
	for _, l := range cb.latencies {
		sum += l
	}
	if sum/time.Duration(len(cb.latencies)) > cb.settings.LatencyThreshold {
		cb.transitionLocked(StateOpen)
	}
}

// transitionLocked moves to the target state and resets the counters that
// belong to it. Must be called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.changedAt = cb.now()

	switch to {
	case StateOpen:
		cb.probing = false
		cb.probeSuccesses = 0
		cb.latIdx = 0
		cb.latFull = false
	case StateHalfOpen:
		cb.probing = false
		cb.probeSuccesses = 0
	case StateClosed:
		cb.failures = 0
		cb.windowStart = time.Time{}
		cb.latIdx = 0
		cb.latFull = false
	}

	if cb.onStateChange != nil && from != to {
		cb.onStateChange(from, to)
	}
}
