package projection

import (
	"math/rand"
	"time"
)

// RetryPolicy governs how EmittedStream and CheckpointManager retry a
// store call that failed with a transient timeout result
// (PrepareTimeout/ForwardTimeout/CommitTimeout). Unlike a node-level
// retry policy, there is no attempt cap: per spec, timeouts retry the
// same batch indefinitely until the store accepts it or the projection
// is torn down.
type RetryPolicy struct {
	// BaseDelay is the base delay for exponential backoff between retries.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy mirrors common event-store client defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: 200 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// computeBackoff calculates the delay before the next retry of a failed
// store call, using exponential backoff with jitter.
//
// delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = DefaultRetryPolicy().BaseDelay
	}
	exponentialDelay := base * time.Duration(1<<uint(minInt(attempt, 20)))
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}

	return exponentialDelay + jitter
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
