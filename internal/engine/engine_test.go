package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devplan/autopilot-executor/internal/config"
	"github.com/devplan/autopilot-executor/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() Config {
	return Config{
		StatusTriggerThreshold:  3,
		MinSendInterval:         5 * time.Second,
		MaxContinueRetries:      5,
		AutoStartNextPhase:      true,
		FallbackNoChangeTimeout: 90 * time.Second,
		RateLimitWait:           60,
		ContextOverflowWait:     3,
		StallEscalateThreshold:  3,
		Backoff:                 BackoffPolicy{Base: 5 * time.Second, Max: 120 * time.Second, JitterRatio: 0.25},
		Breaker:                 BreakerPolicy{FailureThreshold: 4, OpenFor: 90 * time.Second},
		RecoveryWindow:          900 * time.Second,
		RecoveryCooldown:        300,
	}
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *fakeClock) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := New(cfg, WithClock(clock.Now), WithRand(func() float64 { return 0.5 }))
	return e, clock
}

func waitSignal(label domain.UILabel) domain.SignalSnapshot {
	return domain.SignalSnapshot{
		OrchestrationAction: domain.OrchWait,
		SubtaskID:           "T1.2",
		SubtaskTitle:        "wire the loop",
		PhaseID:             "phase-1",
		PhaseTitle:          "bootstrap",
		UILabel:             label,
	}
}

func sendTaskSignal(label domain.UILabel) domain.SignalSnapshot {
	s := waitSignal(label)
	s.OrchestrationAction = domain.OrchSendTask
	s.SubtaskID = "T1.1"
	s.SubtaskTitle = "create schema"
	s.SubtaskDescription = "tables for events"
	return s
}

func TestNewConfig_FromDefaults(t *testing.T) {
	cfg := NewConfig(config.Default())

	assert.Equal(t, 3, cfg.StatusTriggerThreshold)
	assert.Equal(t, 5*time.Second, cfg.MinSendInterval)
	assert.Equal(t, 90*time.Second, cfg.FallbackNoChangeTimeout)
	assert.Equal(t, 4, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 120*time.Second, cfg.Backoff.Max)
	assert.True(t, cfg.AutoStartNextPhase)
}

func TestDecide_ScenarioA_SendTask(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	d := e.Decide(sendTaskSignal(domain.LabelIdle))

	assert.Equal(t, domain.ActionSendTask, d.Action)
	assert.Contains(t, d.TaskContent, "T1.1")
	assert.Contains(t, d.TaskContent, "tables for events")
	assert.Equal(t, "T1.1", d.TaskID)
}

func TestDecide_ScenarioB_DebouncedContinue(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	s := waitSignal(domain.LabelIdle)

	d1 := e.Decide(s)
	d2 := e.Decide(s)
	d3 := e.Decide(s)

	assert.Equal(t, domain.ActionWait, d1.Action)
	assert.Contains(t, d1.Message, "1/3")
	assert.Equal(t, domain.ActionWait, d2.Action)
	assert.Contains(t, d2.Message, "2/3")
	assert.Equal(t, domain.ActionSendContinue, d3.Action)
	assert.Equal(t, 1, e.Tracker.ContinueRetries)
}

func TestDecide_DebounceBoundaryIsExact(t *testing.T) {
	labels := []domain.UILabel{domain.LabelIdle, domain.LabelAPITimeout, domain.LabelResponseInterrupted}
	for _, threshold := range []int{1, 2, 4, 6} {
		for _, label := range labels {
			e, _ := newTestEngine(t, func(c *Config) { c.StatusTriggerThreshold = threshold })

			first := 0
			for i := 1; i <= threshold+2; i++ {
				if d := e.Decide(waitSignal(label)); d.Action != domain.ActionWait {
					first = i
					break
				}
			}
			assert.Equal(t, threshold, first, "threshold=%d label=%s", threshold, label)
		}
	}
}

func TestDecide_PriorityActionsIgnoreDebounce(t *testing.T) {
	tests := []struct {
		name   string
		signal domain.SignalSnapshot
		want   domain.ActionKind
	}{
		{
			name:   "all done",
			signal: domain.SignalSnapshot{OrchestrationAction: domain.OrchAllDone, UILabel: domain.LabelConnectionError},
			want:   domain.ActionAllDone,
		},
		{
			name:   "start phase",
			signal: domain.SignalSnapshot{OrchestrationAction: domain.OrchStartPhase, PhaseID: "phase-2", UILabel: domain.LabelGenerating},
			want:   domain.ActionStartPhase,
		},
		{
			name:   "context overflow",
			signal: waitSignal(domain.LabelContextOverflow),
			want:   domain.ActionNewConversation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, func(c *Config) { c.StatusTriggerThreshold = 10 })
			d := e.Decide(tt.signal)
			assert.Equal(t, tt.want, d.Action)
		})
	}
}

func TestDecide_AllDoneUsesOrchestrationMessage(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	d := e.Decide(domain.SignalSnapshot{OrchestrationAction: domain.OrchAllDone, OrchestrationMessage: "12/12 done"})

	assert.Equal(t, domain.ActionAllDone, d.Action)
	assert.Equal(t, "12/12 done", d.Message)
}

func TestDecide_StartPhaseDisabledOrMissingID(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.AutoStartNextPhase = false })
	d := e.Decide(domain.SignalSnapshot{OrchestrationAction: domain.OrchStartPhase, PhaseID: "phase-2"})
	assert.Equal(t, domain.ActionWait, d.Action)
	assert.Contains(t, d.Message, "auto-start is disabled")

	e, _ = newTestEngine(t, nil)
	d = e.Decide(domain.SignalSnapshot{OrchestrationAction: domain.OrchStartPhase})
	assert.Equal(t, domain.ActionWait, d.Action)
}

func TestDecide_StartPhaseKeepsRetryBudget(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.Decide(waitSignal(domain.LabelIdle))
	e.Tracker.ContinueRetries = 2

	d := e.Decide(domain.SignalSnapshot{OrchestrationAction: domain.OrchStartPhase, PhaseID: "phase-3", PhaseTitle: "polish"})

	assert.Equal(t, domain.ActionStartPhase, d.Action)
	assert.Equal(t, "phase-3", d.PhaseID)
	assert.Zero(t, e.Tracker.Count(continueTrigger))
	assert.Equal(t, 2, e.Tracker.ContinueRetries)
}

func TestDecide_ScenarioC_ContextOverflow(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.Decide(waitSignal(domain.LabelIdle))
	e.Decide(waitSignal(domain.LabelIdle))
	require.Equal(t, 2, e.Tracker.Count(continueTrigger))
	e.Tracker.ContinueRetries = 3

	s := waitSignal(domain.LabelContextOverflow)
	s.SubtaskDescription = "implement the poller"
	d := e.Decide(s)

	assert.Equal(t, domain.ActionNewConversation, d.Action)
	assert.Equal(t, 3, d.CooldownSeconds)
	assert.Equal(t, "T1.2", d.TaskID)
	assert.Contains(t, d.TaskContent, "phase-1")
	assert.Contains(t, d.TaskContent, "T1.2")
	assert.Contains(t, d.TaskContent, "implement the poller")
	assert.Zero(t, e.Tracker.Count(continueTrigger))
	assert.Equal(t, 3, e.Tracker.ContinueRetries)
}

func TestDecide_SendTaskKeepsRetryBudget(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.StatusTriggerThreshold = 1
		c.MinSendInterval = 0
		c.MaxContinueRetries = 2
	})
	idle := waitSignal(domain.LabelIdle)

	require.Equal(t, domain.ActionSendContinue, e.Decide(idle).Action)
	require.Equal(t, domain.ActionSendContinue, e.Decide(idle).Action)
	require.Equal(t, 2, e.Tracker.ContinueRetries)

	assert.Equal(t, domain.ActionSendTask, e.Decide(sendTaskSignal(domain.LabelIdle)).Action)
	assert.Equal(t, 2, e.Tracker.ContinueRetries)

	d := e.Decide(idle)
	assert.Equal(t, domain.ActionWait, d.Action)
	assert.Contains(t, d.Message, "retry limit")

	require.True(t, e.ResetContinueRetries())
	assert.Equal(t, domain.ActionSendContinue, e.Decide(idle).Action)
}

func TestDecide_RetryLimit(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.StatusTriggerThreshold = 1
		c.MinSendInterval = 0
		c.MaxContinueRetries = 2
	})
	s := waitSignal(domain.LabelIdle)

	assert.Equal(t, domain.ActionSendContinue, e.Decide(s).Action)
	assert.Equal(t, domain.ActionSendContinue, e.Decide(s).Action)

	d := e.Decide(s)
	assert.Equal(t, domain.ActionWait, d.Action)
	assert.Contains(t, d.Message, "retry limit")
}

func TestDecide_MinSendIntervalCooling(t *testing.T) {
	e, clock := newTestEngine(t, func(c *Config) { c.StatusTriggerThreshold = 1 })
	s := waitSignal(domain.LabelAPITimeout)

	assert.Equal(t, domain.ActionSendContinue, e.Decide(s).Action)

	d := e.Decide(s)
	assert.Equal(t, domain.ActionWait, d.Action)
	assert.Contains(t, d.Message, "cooling")

	clock.Advance(5 * time.Second)
	assert.Equal(t, domain.ActionSendContinue, e.Decide(s).Action)
}

func TestDecide_WaitingLabels(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	d := e.Decide(sendTaskSignal(domain.LabelGenerating))
	assert.Equal(t, domain.ActionWait, d.Action)

	s := sendTaskSignal(domain.LabelIdle)
	s.RegionChanged = true
	d = e.Decide(s)
	assert.Equal(t, domain.ActionWait, d.Action)
	assert.Contains(t, d.Message, "changing")

	d = e.Decide(waitSignal(domain.LabelRateLimit))
	assert.Equal(t, domain.ActionWaitCooldown, d.Action)
	assert.Equal(t, 60, d.CooldownSeconds)
}

func TestDecide_StallEscalation(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.StatusTriggerThreshold = 1
		c.MinSendInterval = 0
	})
	s := waitSignal(domain.LabelResponseStall)

	d1 := e.Decide(s)
	d2 := e.Decide(s)
	d3 := e.Decide(s)

	assert.Equal(t, domain.ActionSendContinue, d1.Action)
	assert.Contains(t, d1.Message, "STALL 1/3")
	assert.Equal(t, domain.ActionSendContinue, d2.Action)
	assert.Contains(t, d2.Message, "STALL 2/3")
	assert.Equal(t, domain.ActionNewConversation, d3.Action)
	assert.Zero(t, e.Tracker.StallEscalationCount)
}

func TestDecide_StallEscalationWinsOverFallback(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.StallEscalateThreshold = 2 })
	s := waitSignal(domain.LabelResponseStall)
	s.SecondsSinceRegionChanged = 300

	// First stall tick: the debounced continue waits (1/3), so the static
	// region fallback is allowed to fire.
	d1 := e.Decide(s)
	assert.Equal(t, domain.ActionSendContinue, d1.Action)
	assert.Contains(t, d1.Message, "fallback")

	// Second stall tick reaches the escalation threshold. The fallback would
	// also qualify, but escalation is not a WAIT and takes precedence.
	d2 := e.Decide(s)
	assert.Equal(t, domain.ActionNewConversation, d2.Action)
}

func TestDecide_Fallback(t *testing.T) {
	e, clock := newTestEngine(t, nil)
	s := waitSignal(domain.LabelIdle)
	s.SecondsSinceRegionChanged = 120

	d := e.Decide(s)
	assert.Equal(t, domain.ActionSendContinue, d.Action)
	assert.Contains(t, d.Message, "fallback")

	d = e.Decide(s)
	assert.Equal(t, domain.ActionWait, d.Action)
	assert.Contains(t, d.Message, "cooling")

	clock.Advance(6 * time.Second)
	assert.Equal(t, domain.ActionSendContinue, e.Decide(s).Action)

	s.SecondsSinceRegionChanged = 30
	assert.Equal(t, domain.ActionWait, e.Decide(s).Action)
}

func TestDecide_FallbackNeverOverridesAllDoneOrNonWait(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	d := e.Decide(domain.SignalSnapshot{OrchestrationAction: domain.OrchAllDone, SecondsSinceRegionChanged: 500})
	assert.Equal(t, domain.ActionAllDone, d.Action)

	s := waitSignal(domain.LabelRateLimit)
	s.SecondsSinceRegionChanged = 500
	assert.Equal(t, domain.ActionWaitCooldown, e.Decide(s).Action)
}

func TestDecide_UnknownOrchestrationAction(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	d := e.Decide(domain.SignalSnapshot{OrchestrationAction: "paused", UILabel: domain.LabelIdle})
	assert.Equal(t, domain.ActionWait, d.Action)
	assert.Contains(t, d.Message, "unknown orchestration action")

	d = e.Decide(domain.SignalSnapshot{OrchestrationAction: "paused", UILabel: domain.LabelIdle, SecondsSinceRegionChanged: 95})
	assert.Equal(t, domain.ActionSendContinue, d.Action)
}

func TestResetContinueRetries(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	assert.False(t, e.ResetContinueRetries())

	e.Tracker.ContinueRetries = 4
	e.Tracker.StallEscalationCount = 2

	assert.True(t, e.ResetContinueRetries())
	assert.Zero(t, e.Tracker.ContinueRetries)
	assert.Zero(t, e.Tracker.StallEscalationCount)
}

func TestTracker_CountersAreMutuallyExclusive(t *testing.T) {
	tr := NewStateTracker()
	tr.Increment("A")
	tr.Increment("A")
	tr.Increment("B")

	assert.Zero(t, tr.Count("A"))
	assert.Equal(t, 1, tr.Count("B"))
	assert.Equal(t, 2, tr.Increment("B"))
}

func TestFormatTaskContent(t *testing.T) {
	assert.Equal(t, "Start T2.1: parse config", FormatTaskContent("T2.1", "parse config", ""))
	got := FormatTaskContent("T2.1", "parse config", "yaml and env")
	assert.True(t, strings.HasSuffix(got, "Details: yaml and env"))
}
