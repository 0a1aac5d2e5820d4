package admission

import (
	"context"
	"time"
)

// AttemptResult is the outcome of recording one authentication attempt.
type AttemptResult struct {
	// Allowed is false while the identity is locked out.
	Allowed bool

	// RemainingAttempts is how many failed attempts are left before
	// lockout.
	RemainingAttempts int

	// LockedUntil is the zero time unless the identity is locked out.
	LockedUntil time.Time
}

// BruteForceGuard protects authentication with a fixed-parameter bucket:
// capacity is the attempt budget, the refill rate is zero so attempts only
// come back on success or lockout expiry, and a single exhausted attempt
// triggers the lockout. It rides the same remote/local/breaker composition
// as message throttling, so login protection also survives store outages.
type BruteForceGuard struct {
	ctrl *Controller
}

// NewBruteForceGuard wraps ctrl. The login policy comes from the
// controller's configuration under the "login" kind.
func NewBruteForceGuard(ctrl *Controller) *BruteForceGuard {
	return &BruteForceGuard{ctrl: ctrl}
}

// RecordAttempt records one authentication attempt for identity. A
// successful attempt clears the lockout and restores the full attempt
// budget immediately; a failed attempt consumes one and may trip the
// lockout.
func (g *BruteForceGuard) RecordAttempt(ctx context.Context, identity string, success bool) AttemptResult {
	policy := g.ctrl.config.Policy(KindLogin)

	if success {
		// Best-effort remote reset; the local shadow is cleared regardless.
		// A store outage here only delays the reset until the TTL expires.
		_ = g.ctrl.Reset(ctx, identity, KindLogin)
		return AttemptResult{
			Allowed:           true,
			RemainingAttempts: int(policy.Capacity),
		}
	}

	d := g.ctrl.Check(ctx, identity, KindLogin, 1)

	res := AttemptResult{
		Allowed:           d.Allowed,
		RemainingAttempts: int(d.Remaining),
	}
	if !d.Allowed && d.RetryAfter > 0 {
		res.LockedUntil = g.ctrl.now().Add(d.RetryAfter)
	}
	return res
}

// Locked reports whether identity is currently locked out, without
// consuming an attempt.
func (g *BruteForceGuard) Locked(ctx context.Context, identity string) bool {
	return !g.ctrl.Check(ctx, identity, KindLogin, 0).Allowed
}
