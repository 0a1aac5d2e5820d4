package admission

import (
	"time"
)

// tokenEpsilon absorbs float drift from repeated refill math so a bucket
// that should hold exactly `cost` tokens is not denied.
const tokenEpsilon = 1e-9

// Kind identifies the traffic class a bucket throttles.
type Kind string

const (
	KindMessage  Kind = "message"
	KindCallback Kind = "callback"
	KindLogin    Kind = "login"
)

// BucketKey addresses a single bucket: one subject within one traffic class.
// It is immutable once constructed.
type BucketKey struct {
	Subject string
	Kind    Kind
}

// String returns the canonical storage key, e.g. "message:42".
func (k BucketKey) String() string {
	return string(k.Kind) + ":" + k.Subject
}

// Policy holds the token bucket parameters for one traffic kind.
type Policy struct {
	// Capacity is the maximum number of tokens (burst size).
	Capacity float64

	// RefillRate is the number of tokens added per second. Zero means the
	// bucket never refills on its own (used for login attempts).
	RefillRate float64

	// ViolationThreshold is the number of consecutive denials before the
	// subject is blocked outright. Zero disables blocking.
	ViolationThreshold int

	// BlockDuration is the base duration of a block.
	BlockDuration time.Duration

	// BackoffFactor multiplies the block duration for each consecutive
	// block without an intervening successful request. 1 disables escalation.
	BackoffFactor float64

	// MaxBlockDuration caps the escalated block duration. Zero means no cap.
	MaxBlockDuration time.Duration
}

// Record is the mutable state of one bucket. It carries no behavior of its
// own; TryConsume computes the next state and the caller persists it.
type Record struct {
	Tokens       float64
	LastRefillAt time.Time

	// Violations counts consecutive denials since the last successful
	// consume. Reset to zero on any allow and on block expiry.
	Violations int

	// BlockedUntil is the zero time when the subject is not blocked. Once
	// set it only moves forward until it expires naturally or an explicit
	// reset clears the record.
	BlockedUntil time.Time

	// BlockStreak counts consecutive blocks, driving the escalating backoff.
	BlockStreak int
}

// NewRecord returns a fresh record for the policy: a full bucket with no
// violations.
func NewRecord(p Policy, now time.Time) Record {
	return Record{
		Tokens:       p.Capacity,
		LastRefillAt: now,
	}
}

// Outcome is the result of a single TryConsume call.
type Outcome struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  float64
	Violations int

	// Escalated is true only on the call whose denial crossed the
	// violation threshold and set the block. Later calls against the same
	// block report Escalated false.
	Escalated bool
}

// TryConsume applies the token bucket algorithm to rec and returns the
// updated record along with the decision. It is a pure function: no I/O, no
// clock reads, no mutation of the input. The caller supplies now and
// persists the returned record.
//
// A cost of zero is a dry run: it reports the refilled token level without
// changing tokens or the violation counter.
func TryConsume(rec Record, p Policy, cost float64, now time.Time) (Record, Outcome) {
	// An active block short-circuits everything, including token math.
	if !rec.BlockedUntil.IsZero() {
		if now.Before(rec.BlockedUntil) {
			return rec, Outcome{
				Allowed:    false,
				RetryAfter: rec.BlockedUntil.Sub(now),
				Remaining:  rec.Tokens,
				Violations: rec.Violations,
			}
		}
		// Block expired: start over with a full bucket. Without this a
		// zero-refill bucket would re-block on its next denial and never
		// recover on its own.
		rec.BlockedUntil = time.Time{}
		rec.Violations = 0
		rec.Tokens = p.Capacity
		rec.LastRefillAt = now
	}

	if cost == 0 {
		return rec, Outcome{
			Allowed:    true,
			Remaining:  refilled(rec, p, now),
			Violations: rec.Violations,
		}
	}

	rec.Tokens = refilled(rec, p, now)
	rec.LastRefillAt = now

	if rec.Tokens+tokenEpsilon >= cost {
		rec.Tokens -= cost
		rec.Violations = 0
		rec.BlockStreak = 0
		return rec, Outcome{Allowed: true, Remaining: rec.Tokens}
	}

	rec.Violations++
	out := Outcome{
		Allowed:    false,
		Remaining:  rec.Tokens,
		Violations: rec.Violations,
	}

	if p.RefillRate > 0 {
		out.RetryAfter = time.Duration((cost - rec.Tokens) / p.RefillRate * float64(time.Second))
	} else {
		out.RetryAfter = p.BlockDuration
	}

	if p.ViolationThreshold > 0 && rec.Violations >= p.ViolationThreshold {
		dur := blockDurationFor(p, rec.BlockStreak)
		rec.BlockedUntil = now.Add(dur)
		rec.BlockStreak++
		out.RetryAfter = dur
		out.Escalated = true
	}

	return rec, out
}

// refilled returns the token level after lazy refill, capped at capacity.
func refilled(rec Record, p Policy, now time.Time) float64 {
	elapsed := now.Sub(rec.LastRefillAt).Seconds()
	if elapsed <= 0 {
		return rec.Tokens
	}
	tokens := rec.Tokens + elapsed*p.RefillRate
	if tokens > p.Capacity {
		tokens = p.Capacity
	}
	return tokens
}

// blockDurationFor computes the escalated block duration for the given
// streak of consecutive blocks, capped at MaxBlockDuration.
func blockDurationFor(p Policy, streak int) time.Duration {
	dur := p.BlockDuration
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	for i := 0; i < streak; i++ {
		dur = time.Duration(float64(dur) * factor)
		if p.MaxBlockDuration > 0 && dur >= p.MaxBlockDuration {
			return p.MaxBlockDuration
		}
	}
	if p.MaxBlockDuration > 0 && dur > p.MaxBlockDuration {
		dur = p.MaxBlockDuration
	}
	return dur
}
