package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// remoteConsumer is the slice of RemoteLimiter the controller needs; tests
// substitute failing or scripted implementations.
type remoteConsumer interface {
	TryConsume(ctx context.Context, key BucketKey, p Policy, cost float64, now time.Time) (Outcome, error)
	Reset(ctx context.Context, key BucketKey) error
}

// MetricsRecorder receives admission statistics. The Prometheus
// implementation lives in the metrics package; a nil recorder disables it.
type MetricsRecorder interface {
	RecordCheck(kind Kind, allowed, degraded bool)
	RecordRemoteLatency(d time.Duration)
	RecordBreakerState(s CircuitState)
	RecordLockout(kind Kind)
}

// Decision is the admission verdict handed back to the request pipeline.
// The pipeline translates it into a user-facing message; this subsystem
// never talks to the end user.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  float64
	Violations int

	// Degraded is true when the decision came from the local fallback
	// because the remote store was unreachable. Fallback decisions may be
	// more permissive than the nominal limit: local state is not shared
	// across instances.
	Degraded bool
}

// Controller is the admission middleware: the single stage the request
// pipeline consults before invoking business handlers. It composes the
// remote limiter, the circuit breaker, and the local fallback.
type Controller struct {
	config      *Config
	redisClient redis.UniversalClient
	remote      remoteConsumer
	local       *LocalLimiter
	breaker     *CircuitBreaker
	notifier    Notifier
	metrics     MetricsRecorder
	log         *logrus.Logger

	stopSweep func()
	now       func() time.Time
}

// New builds a Controller from options. Without WithRedis the controller
// runs on the local limiter alone and every decision reports Degraded.
func New(opts ...Option) (*Controller, error) {
	c := &Controller{
		config: NewConfig(),
		log:    logrus.StandardLogger(),
		now:    time.Now,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := c.config.Validate(); err != nil {
		return nil, err
	}

	if c.notifier == nil {
		c.notifier = &LogNotifier{Log: c.log}
	}
	if c.remote == nil && c.redisClient != nil {
		c.remote = NewRemoteLimiter(c.redisClient, time.Duration(c.config.Breaker.CallTimeout))
	}

	c.breaker = NewCircuitBreaker(c.config.Breaker.toSettings())
	c.breaker.onStateChange = func(from, to CircuitState) {
		c.log.WithFields(logrus.Fields{
			"from": from.String(),
			"to":   to.String(),
		}).Warn("circuit breaker state change")
		if c.metrics != nil {
			c.metrics.RecordBreakerState(to)
		}
	}

	c.local = NewLocalLimiter(
		c.config.Local.Shards,
		time.Duration(c.config.Local.IdleAge),
		c.config.Local.MaxEntries,
	)
	c.stopSweep = c.local.StartBackgroundSweep(time.Duration(c.config.Local.SweepInterval))

	return c, nil
}

// Check decides whether one unit of work for subject/kind may proceed.
// It never returns an error: any remote-store failure is absorbed by the
// breaker and resolved through the local fallback. A cost of zero is a
// dry run that changes no state.
func (c *Controller) Check(ctx context.Context, subject string, kind Kind, cost float64) Decision {
	key := BucketKey{Subject: subject, Kind: kind}
	policy := c.config.Policy(kind)
	now := c.now()

	var out Outcome
	degraded := true

	if c.remote != nil {
		err := c.breaker.Execute(func() error {
			start := c.now()
			o, err := c.remote.TryConsume(ctx, key, policy, cost, now)
			if c.metrics != nil {
				c.metrics.RecordRemoteLatency(c.now().Sub(start))
			}
			if err != nil {
				return err
			}
			out = o
			return nil
		})
		if err == nil {
			degraded = false
		} else {
			c.log.WithFields(logrus.Fields{
				"subject": subject,
				"kind":    kind,
				"state":   c.breaker.State().String(),
			}).WithError(err).Debug("remote limiter unavailable, using local fallback")
		}
	}

	if degraded {
		out = c.local.TryConsume(key, policy, cost, now)
	}

	d := Decision{
		Allowed:    out.Allowed,
		RetryAfter: out.RetryAfter,
		Remaining:  out.Remaining,
		Violations: out.Violations,
		Degraded:   degraded,
	}

	if out.Escalated {
		ev := ViolationEvent{
			Subject:    subject,
			Kind:       kind,
			Violations: out.Violations,
			BlockedFor: out.RetryAfter,
			Degraded:   degraded,
		}
		// Side channel only; the decision path never waits on it.
		go c.notifier.NotifyViolation(ev)
		if c.metrics != nil {
			c.metrics.RecordLockout(kind)
		}
	}

	if c.metrics != nil {
		c.metrics.RecordCheck(kind, d.Allowed, d.Degraded)
	}
	return d
}

// Reset clears the bucket for subject/kind in both stores, the one
// permitted manual override of a pending block. Returns the remote error,
// if any; the local record is dropped regardless.
func (c *Controller) Reset(ctx context.Context, subject string, kind Kind) error {
	key := BucketKey{Subject: subject, Kind: kind}
	c.local.Reset(key)

	if c.remote == nil {
		return ErrRemoteUnavailable
	}
	return c.breaker.Execute(func() error {
		return c.remote.Reset(ctx, key)
	})
}

// BreakerState exposes the breaker position for health checks.
func (c *Controller) BreakerState() CircuitState {
	return c.breaker.State()
}

// BreakerTimeInState exposes how long the breaker has held its state.
func (c *Controller) BreakerTimeInState() time.Duration {
	return c.breaker.TimeInState()
}

// Close stops the background sweep.
func (c *Controller) Close() {
	if c.stopSweep != nil {
		c.stopSweep()
		c.stopSweep = nil
	}
}
