package jobs

import (
	"testing"
	"time"
)

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Initial: time.Second, Max: 8 * time.Second}

	b1 := p.Backoff(1)
	if b1 < time.Second/2 || b1 > 8*time.Second {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := p.Backoff(3)
	if b3 < time.Second || b3 > 8*time.Second {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	// The cap holds for absurd attempt counts.
	if b := p.Backoff(50); b > 8*time.Second {
		t.Fatalf("backoff exceeded max: %s", b)
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	var p RetryPolicy
	if b := p.Backoff(0); b != 2*time.Second {
		t.Fatalf("zero-attempt default backoff = %s", b)
	}
}
