package admission

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// failoverHook short-circuits command processing so failover behavior can be
// exercised without a live server: it returns the scripted errors in order,
// then serves a fixed allow reply.
type failoverHook struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (h *failoverHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("no dialing expected")
	}
}

func (h *failoverHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h *failoverHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.mu.Lock()
		i := h.calls
		h.calls++
		h.mu.Unlock()

		if i < len(h.errs) && h.errs[i] != nil {
			cmd.SetErr(h.errs[i])
			return h.errs[i]
		}
		if c, ok := cmd.(*redis.Cmd); ok {
			c.SetVal([]interface{}{int64(1), int64(0), "4", int64(0), int64(0)})
		}
		return nil
	}
}

// redisServerError mimics a server error reply like "READONLY ..." so
// redis.HasErrorPrefix recognizes it.
type redisServerError string

func (e redisServerError) Error() string { return string(e) }
func (e redisServerError) RedisError()   {}

func newHookedRemote(t *testing.T, h *failoverHook) *RemoteLimiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	client.AddHook(h)
	t.Cleanup(func() { client.Close() })
	return NewRemoteLimiter(client, time.Second)
}

func TestRemoteLimiter_RetriesOnceDuringFailover(t *testing.T) {
	hook := &failoverHook{errs: []error{
		redisServerError("READONLY You can't write against a read only replica."),
	}}
	r := newHookedRemote(t, hook)

	key := BucketKey{Subject: "42", Kind: KindMessage}
	out, err := r.TryConsume(context.Background(), key, testPolicy(), 1, time.Now())
	if err != nil {
		t.Fatalf("TryConsume() = %v, want the retry against the new leader to succeed", err)
	}
	if !out.Allowed {
		t.Error("retried call should carry the script's verdict")
	}
	if hook.calls != 2 {
		t.Errorf("store calls = %d, want 2 (original plus one retry)", hook.calls)
	}
}

func TestRemoteLimiter_DoesNotRetryGenericErrors(t *testing.T) {
	hook := &failoverHook{errs: []error{errors.New("i/o timeout")}}
	r := newHookedRemote(t, hook)

	key := BucketKey{Subject: "42", Kind: KindMessage}
	_, err := r.TryConsume(context.Background(), key, testPolicy(), 1, time.Now())
	if err == nil {
		t.Fatal("generic failures must surface for the breaker to count")
	}
	if hook.calls != 1 {
		t.Errorf("store calls = %d, want 1 (timeouts are not retried)", hook.calls)
	}
}

// These tests need a Redis instance on localhost:6379.
// Skip with: go test -short
func newTestRemote(t *testing.T) *RemoteLimiter {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping Redis integration test")
	}

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // separate DB for tests
	})
	t.Cleanup(func() { client.Close() })

	r := NewRemoteLimiter(client, time.Second)
	if err := r.Ping(context.Background()); err != nil {
		t.Skip("Redis not available:", err)
	}
	return r
}

func uniqueKey(t *testing.T, kind Kind) BucketKey {
	return BucketKey{Subject: fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano()), Kind: kind}
}

func TestRemoteLimiter_BurstThenRefill(t *testing.T) {
	r := newTestRemote(t)
	ctx := context.Background()
	key := uniqueKey(t, KindMessage)
	p := Policy{Capacity: 5, RefillRate: 1.0}

	now := time.Now()
	for i := 0; i < 5; i++ {
		out, err := r.TryConsume(ctx, key, p, 1, now)
		if err != nil {
			t.Fatalf("TryConsume() failed: %v", err)
		}
		if !out.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}

	out, err := r.TryConsume(ctx, key, p, 1, now)
	if err != nil {
		t.Fatalf("TryConsume() failed: %v", err)
	}
	if out.Allowed {
		t.Fatal("6th call in the same instant should be denied")
	}
	if out.RetryAfter < 900*time.Millisecond || out.RetryAfter > 1100*time.Millisecond {
		t.Errorf("RetryAfter = %v, want ~1s", out.RetryAfter)
	}

	out, err = r.TryConsume(ctx, key, p, 1, now.Add(time.Second))
	if err != nil {
		t.Fatalf("TryConsume() failed: %v", err)
	}
	if !out.Allowed {
		t.Error("call after 1s refill should be allowed")
	}
}

func TestRemoteLimiter_ViolationBlockIsShared(t *testing.T) {
	r := newTestRemote(t)
	ctx := context.Background()
	key := uniqueKey(t, KindMessage)
	p := Policy{
		Capacity:           1,
		RefillRate:         0.001,
		ViolationThreshold: 2,
		BlockDuration:      time.Minute,
		BackoffFactor:      1,
	}

	now := time.Now()
	r.TryConsume(ctx, key, p, 1, now) // drains
	r.TryConsume(ctx, key, p, 1, now) // violation 1

	out, err := r.TryConsume(ctx, key, p, 1, now)
	if err != nil {
		t.Fatalf("TryConsume() failed: %v", err)
	}
	if !out.Escalated {
		t.Fatal("second denial should set the block")
	}

	// A "different instance" (same store) sees the block immediately.
	out, err = r.TryConsume(ctx, key, p, 1, now.Add(time.Second))
	if err != nil {
		t.Fatalf("TryConsume() failed: %v", err)
	}
	if out.Allowed {
		t.Error("blocked key must be denied store-wide")
	}
	if out.Escalated {
		t.Error("an existing block must not re-escalate")
	}
}

func TestRemoteLimiter_BlockExpiryRestoresBudget(t *testing.T) {
	r := newTestRemote(t)
	ctx := context.Background()
	key := uniqueKey(t, KindLogin)
	p := Policy{
		Capacity:           3,
		RefillRate:         0,
		ViolationThreshold: 1,
		BlockDuration:      5 * time.Minute,
		BackoffFactor:      1,
	}

	now := time.Now()
	for i := 0; i < 3; i++ {
		out, err := r.TryConsume(ctx, key, p, 1, now)
		if err != nil {
			t.Fatalf("TryConsume() failed: %v", err)
		}
		if !out.Allowed {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	out, err := r.TryConsume(ctx, key, p, 1, now)
	if err != nil {
		t.Fatalf("TryConsume() failed: %v", err)
	}
	if !out.Escalated {
		t.Fatal("exhausting the budget should trip the block")
	}

	out, err = r.TryConsume(ctx, key, p, 1, now.Add(5*time.Minute+time.Second))
	if err != nil {
		t.Fatalf("TryConsume() failed: %v", err)
	}
	if !out.Allowed {
		t.Fatal("first attempt after expiry should be allowed (budget restored)")
	}
	if out.Remaining < 1.9 || out.Remaining > 2.1 {
		t.Errorf("Remaining = %.2f, want ~2 after the restored budget", out.Remaining)
	}
}

func TestRemoteLimiter_ZeroCostDryRun(t *testing.T) {
	r := newTestRemote(t)
	ctx := context.Background()
	key := uniqueKey(t, KindMessage)
	p := Policy{Capacity: 3, RefillRate: 0.001}

	now := time.Now()
	r.TryConsume(ctx, key, p, 1, now)

	for i := 0; i < 3; i++ {
		out, err := r.TryConsume(ctx, key, p, 0, now)
		if err != nil {
			t.Fatalf("TryConsume() failed: %v", err)
		}
		if !out.Allowed {
			t.Error("dry run should report allowed")
		}
		if out.Remaining < 1.9 || out.Remaining > 2.1 {
			t.Errorf("Remaining = %.2f, want ~2 (dry run must not consume)", out.Remaining)
		}
	}
}

func TestRemoteLimiter_Reset(t *testing.T) {
	r := newTestRemote(t)
	ctx := context.Background()
	key := uniqueKey(t, KindLogin)
	p := Policy{
		Capacity:           1,
		RefillRate:         0,
		ViolationThreshold: 1,
		BlockDuration:      time.Hour,
	}

	now := time.Now()
	r.TryConsume(ctx, key, p, 1, now)
	out, _ := r.TryConsume(ctx, key, p, 1, now)
	if out.Allowed {
		t.Fatal("bucket should be exhausted and blocked")
	}

	if err := r.Reset(ctx, key); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	out, err := r.TryConsume(ctx, key, p, 1, now.Add(time.Second))
	if err != nil {
		t.Fatalf("TryConsume() failed: %v", err)
	}
	if !out.Allowed {
		t.Error("reset should restore a full bucket")
	}
}
