package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "admission:"

// tryConsumeScript mirrors TryConsume server-side so the read-modify-write
// for one bucket happens in a single atomic step shared by every bot
// instance. One hash per bucket; PEXPIRE lets abandoned buckets self-expire.
//
// ARGV: capacity, refill/sec, cost, now(ms), violation threshold,
// block(ms), backoff factor, max block(ms), ttl(ms).
// Returns {allowed, retry_after_ms, tokens (string), violations, escalated}.
const tryConsumeScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local threshold = tonumber(ARGV[5])
local block = tonumber(ARGV[6])
local backoff = tonumber(ARGV[7])
local max_block = tonumber(ARGV[8])
local ttl = tonumber(ARGV[9])

local v = redis.call("HMGET", key, "tokens", "last", "viol", "blocked", "streak")
local tokens = tonumber(v[1]) or capacity
local last = tonumber(v[2]) or now
local viol = tonumber(v[3]) or 0
local blocked = tonumber(v[4]) or 0
local streak = tonumber(v[5]) or 0

if blocked > now then
  return {0, blocked - now, tostring(tokens), viol, 0}
end
if blocked > 0 then
  blocked = 0
  viol = 0
  tokens = capacity
  last = now
end

local elapsed = math.max(0, now - last) / 1000
tokens = math.min(capacity, tokens + elapsed * refill)

if cost == 0 then
  return {1, 0, tostring(tokens), viol, 0}
end

local allowed = 0
local retry = 0
local escalated = 0
if tokens + 1e-9 >= cost then
  tokens = tokens - cost
  viol = 0
  streak = 0
  allowed = 1
else
  viol = viol + 1
  if refill > 0 then
    retry = (cost - tokens) / refill * 1000
  else
    retry = block
  end
  if threshold > 0 and viol >= threshold then
    local dur = block
    if backoff < 1 then backoff = 1 end
    for _ = 1, streak do
      dur = dur * backoff
      if max_block > 0 and dur > max_block then break end
    end
    if max_block > 0 and dur > max_block then dur = max_block end
    blocked = now + dur
    streak = streak + 1
    retry = dur
    escalated = 1
  end
end

redis.call("HSET", key, "tokens", tokens, "last", now, "viol", viol, "blocked", blocked, "streak", streak)
redis.call("PEXPIRE", key, ttl)
return {allowed, math.ceil(retry), tostring(tokens), viol, escalated}
`

// RemoteLimiter executes the token bucket decision inside the replicated
// store. It works against a plain client or a sentinel failover client; the
// store's topology is opaque here.
type RemoteLimiter struct {
	client      redis.UniversalClient
	script      *redis.Script
	callTimeout time.Duration
}

// NewRemoteLimiter wraps client. callTimeout caps every call; a slow store
// counts as a failure for the circuit breaker, it is never awaited past the
// budget.
func NewRemoteLimiter(client redis.UniversalClient, callTimeout time.Duration) *RemoteLimiter {
	if callTimeout <= 0 {
		callTimeout = 50 * time.Millisecond
	}
	return &RemoteLimiter{
		client:      client,
		script:      redis.NewScript(tryConsumeScript),
		callTimeout: callTimeout,
	}
}

// TryConsume runs the atomic consume for key under the policy. On an error
// that indicates a leader failover in progress it retries exactly once
// against the newly discovered leader; any other failure (including timeout)
// surfaces immediately for the circuit breaker to count.
func (r *RemoteLimiter) TryConsume(ctx context.Context, key BucketKey, p Policy, cost float64, now time.Time) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	out, err := r.tryConsumeOnce(ctx, key, p, cost, now)
	if err != nil && isFailoverInProgress(err) {
		out, err = r.tryConsumeOnce(ctx, key, p, cost, now)
	}
	return out, err
}

func (r *RemoteLimiter) tryConsumeOnce(ctx context.Context, key BucketKey, p Policy, cost float64, now time.Time) (Outcome, error) {
	res, err := r.script.Run(ctx, r.client, []string{keyPrefix + key.String()},
		p.Capacity,
		p.RefillRate,
		cost,
		now.UnixMilli(),
		p.ViolationThreshold,
		p.BlockDuration.Milliseconds(),
		p.BackoffFactor,
		p.MaxBlockDuration.Milliseconds(),
		bucketTTL(p).Milliseconds(),
	).Result()
	if err != nil {
		return Outcome{}, err
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 5 {
		return Outcome{}, fmt.Errorf("unexpected script reply: %v", res)
	}

	allowed, _ := values[0].(int64)
	return Outcome{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(toInt64(values[1])) * time.Millisecond,
		Remaining:  toFloat64(values[2]),
		Violations: int(toInt64(values[3])),
		Escalated:  toInt64(values[4]) == 1,
	}, nil
}

// Reset deletes the bucket for key, restoring a full bucket on next access.
// Used for explicit admin resets and successful login attempts.
func (r *RemoteLimiter) Reset(ctx context.Context, key BucketKey) error {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	err := r.client.Del(ctx, keyPrefix+key.String()).Err()
	if err != nil && isFailoverInProgress(err) {
		err = r.client.Del(ctx, keyPrefix+key.String()).Err()
	}
	return err
}

// Ping reports whether the store is reachable. Used at startup only.
func (r *RemoteLimiter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// bucketTTL returns the key TTL: a few multiples of the full-refill time so
// abandoned buckets self-expire, never shorter than the longest block the
// policy can impose.
func bucketTTL(p Policy) time.Duration {
	ttl := time.Minute
	if p.RefillRate > 0 {
		refillTime := time.Duration(p.Capacity / p.RefillRate * float64(time.Second))
		if 4*refillTime > ttl {
			ttl = 4 * refillTime
		}
	}
	maxBlock := p.MaxBlockDuration
	if maxBlock == 0 {
		maxBlock = p.BlockDuration
	}
	if 2*maxBlock > ttl {
		ttl = 2 * maxBlock
	}
	return ttl
}

// isFailoverInProgress reports whether err indicates the sentinel cluster is
// mid-failover: the old leader answering read-only, or the new one still
// loading its dataset. Only these merit the single in-flight retry; generic
// timeouts do not.
func isFailoverInProgress(err error) bool {
	return redis.HasErrorPrefix(err, "READONLY") ||
		redis.HasErrorPrefix(err, "LOADING") ||
		redis.HasErrorPrefix(err, "MASTERDOWN")
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}
