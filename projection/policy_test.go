package projection

import (
	"math/rand"
	"testing"
	"time"
)

func TestComputeBackoffGrowsExponentially(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := 100 * time.Millisecond
	max := 10 * time.Second

	d0 := computeBackoff(0, base, max, rng)
	d3 := computeBackoff(3, base, max, rng)

	if d0 < base {
		t.Fatalf("expected attempt 0 delay >= base, got %v", d0)
	}
	if d3 <= d0 {
		t.Fatalf("expected delay to grow with attempt count: d0=%v d3=%v", d0, d3)
	}
}

func TestComputeBackoffCapsAtMaxDelay(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := 100 * time.Millisecond
	max := 500 * time.Millisecond

	d := computeBackoff(20, base, max, rng)
	if d > max+base {
		t.Fatalf("expected delay capped near max+jitter, got %v", d)
	}
}

func TestComputeBackoffFallsBackToDefaultBase(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := computeBackoff(0, 0, 0, rng)
	if d <= 0 {
		t.Fatalf("expected a positive delay when base is unset, got %v", d)
	}
}

func TestDefaultRetryPolicyIsPositive(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.BaseDelay <= 0 || p.MaxDelay <= 0 {
		t.Fatalf("expected positive default retry policy, got %+v", p)
	}
}
