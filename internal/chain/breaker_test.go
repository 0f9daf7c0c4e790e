package chain

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerCoolOff(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{MaxFailures: 3, CoolOff: 10 * time.Second})
	b.nowFunc = func() time.Time { return now }

	fail := errors.New("dial tcp: connection refused")
	b.Record(fail)
	b.Record(fail)
	if err := b.Allow(); err != nil {
		t.Fatalf("breaker open after 2 failures: %v", err)
	}

	b.Record(fail)
	if !errors.Is(b.Allow(), ErrBreakerOpen) {
		t.Fatal("breaker should be open after 3 failures")
	}

	now = now.Add(9 * time.Second)
	if !b.Open() {
		t.Fatal("breaker closed before cool-off elapsed")
	}

	now = now.Add(time.Second)
	if b.Open() {
		t.Fatal("trial send should be allowed after cool-off")
	}

	// failed trial re-opens for a full cool-off
	b.Record(fail)
	if !b.Open() {
		t.Fatal("failed trial should re-open the breaker")
	}

	now = now.Add(10 * time.Second)
	b.Record(nil)
	if b.Open() {
		t.Fatal("success should close the breaker")
	}
}

func TestBreakerManualHalt(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())

	b.ManualHalt()
	if !errors.Is(b.Allow(), ErrBreakerOpen) {
		t.Fatal("halted breaker allowed a send")
	}
	b.Record(nil)
	if !b.Open() {
		t.Fatal("success must not clear a manual halt")
	}

	b.Resume()
	if b.Open() {
		t.Fatal("breaker still open after resume")
	}
}
