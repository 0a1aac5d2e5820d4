// Package admission implements distributed admission control for the bot:
// a per-subject token bucket limiter backed by a replicated Redis store,
// wrapped in a circuit breaker that degrades to an in-process fallback when
// the store is unavailable.
//
// # Quick start
//
// Local-only (every decision reports Degraded):
//
//	ctrl, err := admission.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctrl.Close()
//
//	d := ctrl.Check(ctx, "42", admission.KindMessage, 1)
//	if !d.Allowed {
//	    fmt.Printf("throttled, retry after %v\n", d.RetryAfter)
//	}
//
// Distributed, against a sentinel-monitored cluster:
//
//	client := redis.NewFailoverClient(&redis.FailoverOptions{
//	    MasterName:    "mymaster",
//	    SentinelAddrs: []string{"sentinel-1:26379", "sentinel-2:26379"},
//	})
//	ctrl, err := admission.New(
//	    admission.WithConfigFile("admission.yaml"),
//	    admission.WithRedis(client),
//	)
//
// # Decision paths
//
// While the circuit breaker is closed, every decision executes atomically
// inside the store via a Lua script, so concurrent bot instances never race
// past each other on the same bucket. When the store fails or the breaker
// opens, decisions come from the sharded in-process limiter instead and are
// marked Degraded. Fallback decisions can be more permissive than the
// nominal limit because local state is not shared across instances; remote
// state is authoritative again once the breaker recloses.
//
// # Brute force protection
//
// BruteForceGuard applies the same machinery to authentication attempts:
//
//	guard := admission.NewBruteForceGuard(ctrl)
//	res := guard.RecordAttempt(ctx, adminID, passwordOK)
//	if !res.Allowed {
//	    fmt.Printf("locked out until %v\n", res.LockedUntil)
//	}
package admission
