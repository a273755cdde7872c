package guard

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/devplan/autopilot-executor/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestGuard(cfg GuardConfig) (*Guard, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	g := NewGuard(cfg)
	g.SetClock(clock.now)
	return g, clock
}

func TestFingerprint(t *testing.T) {
	if got := Fingerprint("phase-1", "T1.1", "CONNECTION_ERROR"); got != "phase-1|T1.1|CONNECTION_ERROR" {
		t.Errorf("Fingerprint = %q", got)
	}
}

func TestFirstTime_DedupPerScope(t *testing.T) {
	g, _ := newTestGuard(GuardConfig{})

	if !g.FirstTime(ScopeDeadLetter, "fp") {
		t.Fatal("first call should be new")
	}
	if g.FirstTime(ScopeDeadLetter, "fp") {
		t.Error("second call should be a duplicate")
	}
	if !g.FirstTime(ScopeMemory, "fp") {
		t.Error("same fingerprint in another scope should be new")
	}
	if !g.FirstTime(ScopeMemory, "") || !g.FirstTime(ScopeMemory, "") {
		t.Error("empty fingerprint should always be new")
	}
}

func TestFirstTime_EvictsOldest(t *testing.T) {
	g, _ := newTestGuard(GuardConfig{MaxRemembered: 3})

	for i := 0; i < 4; i++ {
		g.FirstTime(ScopeStartupResume, fmt.Sprintf("fp-%d", i))
	}

	if !g.FirstTime(ScopeStartupResume, "fp-0") {
		t.Error("fp-0 should have been evicted")
	}
	if g.FirstTime(ScopeStartupResume, "fp-3") {
		t.Error("fp-3 should still be remembered")
	}
}

func TestForget(t *testing.T) {
	g, _ := newTestGuard(GuardConfig{})

	g.FirstTime(ScopeMemory, "fp")
	g.Forget(ScopeMemory, "fp")
	g.Forget(ScopeMemory, "unknown")
	g.Forget("no-scope", "fp")

	if !g.FirstTime(ScopeMemory, "fp") {
		t.Error("forgotten fingerprint should be new again")
	}
}

func TestAllow_Interval(t *testing.T) {
	g, clock := newTestGuard(GuardConfig{})

	if !g.Allow("heartbeat", 20*time.Second) {
		t.Fatal("first call should be allowed")
	}
	clock.t = clock.t.Add(19 * time.Second)
	if g.Allow("heartbeat", 20*time.Second) {
		t.Error("call within interval should be throttled")
	}
	clock.t = clock.t.Add(time.Second)
	if !g.Allow("heartbeat", 20*time.Second) {
		t.Error("call at interval should be allowed")
	}
	if !g.Allow("other", 20*time.Second) {
		t.Error("keys are independent")
	}
}

func TestCheckRateLimit(t *testing.T) {
	g, clock := newTestGuard(GuardConfig{ActionsPerMinute: 3})

	for i := 0; i < 3; i++ {
		if err := g.CheckRateLimit("send_continue"); err != nil {
			t.Fatalf("call %d: unexpected error %v", i+1, err)
		}
	}
	if err := g.CheckRateLimit("send_continue"); !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Errorf("expected ErrRateLimitExceeded, got %v", err)
	}
	if err := g.CheckRateLimit("send_task"); err != nil {
		t.Errorf("other key should be unaffected: %v", err)
	}

	clock.t = clock.t.Add(61 * time.Second)
	if err := g.CheckRateLimit("send_continue"); err != nil {
		t.Errorf("window should have reset: %v", err)
	}
}

func TestCheckRateLimit_Disabled(t *testing.T) {
	g, _ := newTestGuard(GuardConfig{})
	for i := 0; i < 100; i++ {
		if err := g.CheckRateLimit("k"); err != nil {
			t.Fatalf("disabled limiter returned %v", err)
		}
	}
}
