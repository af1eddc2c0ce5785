// Package retry implements the pure (policy, attempt) -> delay
// computation. It has no I/O and no package-level mutable state;
// callers supply the random source so jittered delays are reproducible
// in tests.
package retry

import (
	"math"
	"math/rand"

	"github.com/konduit-run/konduit/internal/domain"
)

// Compute returns the delay in milliseconds for the given 1-based
// attempt under policy. rnd may be nil when policy.Jitter is false;
// a nil rnd with Jitter=true panics, since the caller has violated the
// documented contract (a seedable random source must be supplied
// whenever jitter is requested).
func Compute(policy domain.RetryPolicy, attempt int, rnd *rand.Rand) int64 {
	if attempt < 1 {
		panic("retry.Compute: attempt must be >= 1")
	}

	var delay float64
	switch policy.Strategy {
	case domain.BackoffFixed:
		delay = float64(policy.BaseMs)
	case domain.BackoffLinear:
		delay = float64(policy.BaseMs) * float64(attempt)
	case domain.BackoffExponential:
		delay = float64(policy.BaseMs) * math.Pow(2, float64(attempt-1))
	default:
		delay = float64(policy.BaseMs)
	}

	if policy.Jitter && policy.Strategy == domain.BackoffExponential {
		if rnd == nil {
			panic("retry.Compute: jitter requested but no random source supplied")
		}
		delay = rnd.Float64() * delay // uniform in [0, delay)
	}

	if delay > float64(policy.MaxMs) {
		delay = float64(policy.MaxMs)
	}
	if delay < 0 {
		delay = 0
	}
	return int64(delay)
}

// ShouldRetry reports whether another attempt is permitted: the
// current (just-failed) attempt number must be less than MaxAttempts.
func ShouldRetry(policy domain.RetryPolicy, currentAttempt int) bool {
	return currentAttempt < policy.MaxAttempts
}
