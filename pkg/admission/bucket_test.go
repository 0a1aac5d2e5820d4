package admission

import (
	"testing"
	"time"
)

func testPolicy() Policy {
	return Policy{
		Capacity:           5,
		RefillRate:         1.0,
		ViolationThreshold: 3,
		BlockDuration:      time.Minute,
		BackoffFactor:      2,
		MaxBlockDuration:   4 * time.Minute,
	}
}

func TestNewRecord_StartsFull(t *testing.T) {
	now := time.Now()
	p := testPolicy()
	rec := NewRecord(p, now)

	if rec.Tokens != p.Capacity {
		t.Errorf("Tokens = %.1f, want %.1f (full)", rec.Tokens, p.Capacity)
	}
	if rec.Violations != 0 {
		t.Errorf("Violations = %d, want 0", rec.Violations)
	}
	if !rec.BlockedUntil.IsZero() {
		t.Error("fresh record should not be blocked")
	}
}

func TestTryConsume_BurstThenRefill(t *testing.T) {
	// capacity=5, refill=1/s: 5 immediate calls allow, the 6th denies with
	// retryAfter ~1s, and one second later a call allows again.
	p := testPolicy()
	now := time.Unix(1000, 0)
	rec := NewRecord(p, now)

	for i := 0; i < 5; i++ {
		var out Outcome
		rec, out = TryConsume(rec, p, 1, now)
		if !out.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}

	rec, out := TryConsume(rec, p, 1, now)
	if out.Allowed {
		t.Fatal("6th call in the same second should be denied")
	}
	if out.RetryAfter < 900*time.Millisecond || out.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want ~1s", out.RetryAfter)
	}

	now = now.Add(time.Second)
	rec, out = TryConsume(rec, p, 1, now)
	if !out.Allowed {
		t.Error("call after 1s refill should be allowed")
	}
	_ = rec
}

func TestTryConsume_NoOverdraft(t *testing.T) {
	// Cumulative consumed tokens never exceed capacity + elapsed*refillRate.
	p := Policy{Capacity: 10, RefillRate: 2.0}
	start := time.Unix(2000, 0)
	rec := NewRecord(p, start)

	consumed := 0.0
	now := start
	steps := []time.Duration{0, 0, 100 * time.Millisecond, 0, 250 * time.Millisecond,
		0, 0, 0, 3 * time.Second, 0, 50 * time.Millisecond, 0, 0, 10 * time.Second, 0, 0, 0}

	for _, step := range steps {
		now = now.Add(step)
		var out Outcome
		rec, out = TryConsume(rec, p, 3, now)
		if out.Allowed {
			consumed += 3
		}
		budget := p.Capacity + now.Sub(start).Seconds()*p.RefillRate
		if consumed > budget+tokenEpsilon {
			t.Fatalf("consumed %.1f tokens, budget was %.1f", consumed, budget)
		}
		if rec.Tokens < 0 {
			t.Fatalf("tokens went negative: %.3f", rec.Tokens)
		}
	}
}

func TestTryConsume_ViolationThresholdBlocks(t *testing.T) {
	p := Policy{
		Capacity:           1,
		RefillRate:         0.1,
		ViolationThreshold: 3,
		BlockDuration:      time.Minute,
		BackoffFactor:      1,
	}
	now := time.Unix(3000, 0)
	rec := NewRecord(p, now)

	rec, out := TryConsume(rec, p, 1, now)
	if !out.Allowed {
		t.Fatal("first call should drain the bucket")
	}

	for i := 1; i <= 2; i++ {
		rec, out = TryConsume(rec, p, 1, now)
		if out.Allowed {
			t.Fatalf("call with empty bucket should be denied")
		}
		if out.Violations != i {
			t.Errorf("Violations = %d, want %d", out.Violations, i)
		}
		if out.Escalated {
			t.Error("should not escalate before the threshold")
		}
	}

	rec, out = TryConsume(rec, p, 1, now)
	if !out.Escalated {
		t.Fatal("third consecutive denial should set the block")
	}
	if out.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want %v", out.RetryAfter, time.Minute)
	}
	if rec.BlockedUntil != now.Add(time.Minute) {
		t.Errorf("BlockedUntil = %v, want %v", rec.BlockedUntil, now.Add(time.Minute))
	}
}

func TestTryConsume_BlockedDeniesDespiteTokens(t *testing.T) {
	p := testPolicy()
	now := time.Unix(4000, 0)
	rec := Record{
		Tokens:       p.Capacity,
		LastRefillAt: now,
		Violations:   3,
		BlockedUntil: now.Add(30 * time.Second),
	}

	rec, out := TryConsume(rec, p, 1, now)
	if out.Allowed {
		t.Fatal("blocked subject must be denied regardless of tokens")
	}
	if out.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", out.RetryAfter)
	}
	if rec.Tokens != p.Capacity {
		t.Error("blocked call must not touch token math")
	}
	if out.Escalated {
		t.Error("calls against an existing block must not re-escalate")
	}
}

func TestTryConsume_BlockExpiryResetsViolations(t *testing.T) {
	p := testPolicy()
	now := time.Unix(5000, 0)
	rec := Record{
		Tokens:       0,
		LastRefillAt: now.Add(-10 * time.Second),
		Violations:   3,
		BlockedUntil: now.Add(-time.Second),
	}

	rec, out := TryConsume(rec, p, 1, now)
	if !out.Allowed {
		t.Fatal("call after block expiry with refilled tokens should be allowed")
	}
	if rec.Violations != 0 {
		t.Errorf("Violations = %d, want 0 after expiry", rec.Violations)
	}
	if !rec.BlockedUntil.IsZero() {
		t.Error("expired block should be cleared")
	}
}

func TestTryConsume_BlockExpiryRestoresBudget(t *testing.T) {
	// Login-style policy: no refill, a single exhausted attempt trips the
	// block. After expiry the full budget must be back, otherwise the empty
	// bucket re-blocks on the next attempt and never recovers.
	p := Policy{
		Capacity:           3,
		RefillRate:         0,
		ViolationThreshold: 1,
		BlockDuration:      5 * time.Minute,
		BackoffFactor:      1,
	}
	now := time.Unix(9000, 0)
	rec := NewRecord(p, now)

	var out Outcome
	for i := 0; i < 3; i++ {
		rec, out = TryConsume(rec, p, 1, now)
		if !out.Allowed {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	rec, out = TryConsume(rec, p, 1, now)
	if !out.Escalated {
		t.Fatal("exhausting the budget should trip the block")
	}

	now = rec.BlockedUntil.Add(time.Second)
	rec, out = TryConsume(rec, p, 1, now)
	if !out.Allowed {
		t.Fatalf("first attempt after expiry should be allowed, got %+v", out)
	}
	if out.Remaining != p.Capacity-1 {
		t.Errorf("Remaining = %.1f, want %.1f (budget restored)", out.Remaining, p.Capacity-1)
	}
	if !rec.BlockedUntil.IsZero() {
		t.Error("expired block should be cleared")
	}
}

func TestTryConsume_AllowResetsViolations(t *testing.T) {
	p := testPolicy()
	now := time.Unix(6000, 0)
	rec := Record{Tokens: 1, LastRefillAt: now, Violations: 2}

	rec, out := TryConsume(rec, p, 1, now)
	if !out.Allowed {
		t.Fatal("call with a token available should be allowed")
	}
	if rec.Violations != 0 {
		t.Errorf("Violations = %d, want 0 after allow", rec.Violations)
	}
}

func TestTryConsume_ZeroCostIsDryRun(t *testing.T) {
	p := testPolicy()
	now := time.Unix(7000, 0)
	rec := Record{Tokens: 2, LastRefillAt: now, Violations: 1}

	for i := 0; i < 3; i++ {
		updated, out := TryConsume(rec, p, 0, now)
		if !out.Allowed {
			t.Error("dry run on an unblocked bucket should report allowed")
		}
		if updated.Tokens != rec.Tokens {
			t.Errorf("dry run changed tokens: %.1f -> %.1f", rec.Tokens, updated.Tokens)
		}
		if updated.Violations != rec.Violations {
			t.Errorf("dry run changed violations: %d -> %d", rec.Violations, updated.Violations)
		}
	}
}

func TestTryConsume_EscalatingBackoff(t *testing.T) {
	// Each consecutive block doubles, capped at MaxBlockDuration. cost=2
	// against capacity 1 guarantees denials without an intervening allow.
	p := Policy{
		Capacity:           1,
		RefillRate:         0.1,
		ViolationThreshold: 2,
		BlockDuration:      time.Minute,
		BackoffFactor:      2,
		MaxBlockDuration:   4 * time.Minute,
	}
	now := time.Unix(8000, 0)
	rec := NewRecord(p, now)

	wantBlocks := []time.Duration{
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		4 * time.Minute, // capped
	}

	for blockNo, want := range wantBlocks {
		var out Outcome
		for !out.Escalated {
			rec, out = TryConsume(rec, p, 2, now)
			if out.Allowed {
				t.Fatalf("cost above capacity should never be allowed")
			}
		}
		if out.RetryAfter != want {
			t.Errorf("block %d duration = %v, want %v", blockNo+1, out.RetryAfter, want)
		}
		now = rec.BlockedUntil.Add(time.Second)
	}
}

func TestBlockDurationFor(t *testing.T) {
	p := Policy{BlockDuration: 10 * time.Second, BackoffFactor: 2, MaxBlockDuration: time.Minute}

	tests := []struct {
		streak int
		want   time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, time.Minute},
		{10, time.Minute},
	}
	for _, tt := range tests {
		if got := blockDurationFor(p, tt.streak); got != tt.want {
			t.Errorf("blockDurationFor(streak=%d) = %v, want %v", tt.streak, got, tt.want)
		}
	}
}
