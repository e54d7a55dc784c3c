package feed_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/gregtusar/papertrade/pkg/feed"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := feed.Backoff{Initial: time.Second, Max: 30 * time.Second}

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := b.Delay(i); got != w*time.Second {
			t.Errorf("attempt %d: got %v, want %v", i, got, w*time.Second)
		}
	}

	if got := b.Delay(500); got != 30*time.Second {
		t.Errorf("large attempt: got %v, want cap", got)
	}
}

func TestBackoffMonotonic(t *testing.T) {
	b := feed.Backoff{Initial: 3 * time.Millisecond, Max: time.Minute}
	prev := time.Duration(0)
	for i := 0; i < 64; i++ {
		d := b.Delay(i)
		if d < prev {
			t.Fatalf("attempt %d: %v < previous %v", i, d, prev)
		}
		prev = d
	}
}

func TestBackoffUncappedDoesNotOverflow(t *testing.T) {
	b := feed.Backoff{Initial: time.Second}
	if d := b.Delay(100); d <= 0 {
		t.Errorf("uncapped delay overflowed: %v", d)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := feed.Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Jitter: 50 * time.Millisecond}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := b.DelayWithJitter(0, rng)
		if d < 100*time.Millisecond || d >= 150*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := feed.Backoff{MaxAttempts: 3}
	if b.Exhausted(2) || !b.Exhausted(3) {
		t.Error("MaxAttempts=3 should exhaust at attempt 3")
	}
	if (feed.Backoff{}).Exhausted(1 << 20) {
		t.Error("MaxAttempts=0 should never exhaust")
	}
}
