package backoff

import (
	"testing"
	"time"
)

func TestPolicy_DelayDoublesUpToCap(t *testing.T) {
	p := Policy{Base: time.Second, Max: 8 * time.Second, MaxAttempts: 10}

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
		8 * time.Second,
	}
	for i, want := range expected {
		if got := p.Delay(i); got != want {
			t.Errorf("Delay(%d) = %v, want %v", i, got, want)
		}
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, MaxAttempts: 3}

	if p.Exhausted(2) {
		t.Error("attempt 2 should not be exhausted with MaxAttempts=3")
	}
	if !p.Exhausted(3) {
		t.Error("attempt 3 should be exhausted with MaxAttempts=3")
	}

	unbounded := Policy{Base: time.Second, Max: time.Minute}
	if unbounded.Exhausted(1000) {
		t.Error("MaxAttempts=0 should never exhaust")
	}
}

func TestPolicy_NegativeAttempt(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute}
	if got := p.Delay(-1); got != time.Second {
		t.Errorf("Delay(-1) = %v, want base", got)
	}
}
