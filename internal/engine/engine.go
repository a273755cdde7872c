// Package engine fuses the orchestration, UI and activity signals of one tick
// into a single Decision, keeping debounce, retry and resilience state in a
// StateTracker between ticks.
package engine

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devplan/autopilot-executor/internal/config"
	"github.com/devplan/autopilot-executor/internal/domain"
)

// Config holds the decision thresholds. Zero values are not defaulted here;
// build it from a loaded config.Config with NewConfig.
type Config struct {
	StatusTriggerThreshold  int
	MinSendInterval         time.Duration
	MaxContinueRetries      int
	AutoStartNextPhase      bool
	FallbackNoChangeTimeout time.Duration
	RateLimitWait           int
	ContextOverflowWait     int
	StallEscalateThreshold  int

	Backoff          BackoffPolicy
	Breaker          BreakerPolicy
	RecoveryWindow   time.Duration
	RecoveryCooldown int
}

// NewConfig maps executor configuration onto decision thresholds.
func NewConfig(c *config.Config) Config {
	return Config{
		StatusTriggerThreshold:  c.StatusTriggerThreshold,
		MinSendInterval:         time.Duration(c.MinSendInterval * float64(time.Second)),
		MaxContinueRetries:      c.MaxContinueRetries,
		AutoStartNextPhase:      c.AutoStart(),
		FallbackNoChangeTimeout: time.Duration(c.FallbackNoChangeTimeout) * time.Second,
		RateLimitWait:           c.RateLimitWait,
		ContextOverflowWait:     c.ContextOverflowWait,
		StallEscalateThreshold:  c.StallEscalateThreshold,
		Backoff: BackoffPolicy{
			Base:        time.Duration(c.NetworkBackoffBase) * time.Second,
			Max:         time.Duration(c.NetworkBackoffMax) * time.Second,
			JitterRatio: c.NetworkBackoffJitterRatio,
		},
		Breaker: BreakerPolicy{
			FailureThreshold: c.CircuitBreakerFailureThreshold,
			OpenFor:          time.Duration(c.CircuitBreakerOpenSeconds) * time.Second,
		},
		RecoveryWindow:   time.Duration(c.NetworkRecoveryWindowSeconds) * time.Second,
		RecoveryCooldown: c.NetworkRecoveryWindowCooldown,
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRand replaces the jitter source. It must return values in [0, 1).
func WithRand(r func() float64) Option {
	return func(e *Engine) { e.rand = r }
}

// WithLogger attaches a logger for escalation events.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine is the decision engine. Decide must only be called from one
// goroutine at a time.
type Engine struct {
	Tracker *StateTracker

	cfg    Config
	now    func() time.Time
	rand   func() float64
	logger *zap.Logger
}

// New creates an Engine with a fresh StateTracker.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		Tracker: NewStateTracker(),
		cfg:     cfg,
		now:     time.Now,
		rand:    rand.Float64,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the thresholds the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// Decide returns exactly one Decision for the tick. It mutates the tracker,
// so identical snapshots on consecutive ticks may yield different decisions.
func (e *Engine) Decide(s domain.SignalSnapshot) domain.Decision {
	switch s.OrchestrationAction {
	case domain.OrchAllDone:
		msg := s.OrchestrationMessage
		if msg == "" {
			msg = "all tasks completed"
		}
		return domain.Decision{Action: domain.ActionAllDone, Message: msg}

	case domain.OrchStartPhase:
		if e.cfg.AutoStartNextPhase && s.PhaseID != "" {
			e.Tracker.ResetAll()
			return domain.Decision{
				Action:  domain.ActionStartPhase,
				Message: fmt.Sprintf("starting phase %s: %s", s.PhaseID, s.PhaseTitle),
				PhaseID: s.PhaseID,
			}
		}
		return domain.Decision{
			Action:  domain.ActionWait,
			Message: fmt.Sprintf("phase %s is ready to start but auto-start is disabled", s.PhaseID),
		}

	case domain.OrchSendTask, domain.OrchWait:
		d := e.decideByLabel(s)
		if d.Action == domain.ActionWait {
			if fb, ok := e.fallback(s); ok {
				return fb
			}
		}
		return d
	}

	if fb, ok := e.fallback(s); ok {
		return fb
	}
	return domain.Decision{
		Action:  domain.ActionWait,
		Message: fmt.Sprintf("%s: %q", domain.ErrUnknownAction.Message, s.OrchestrationAction),
	}
}

// decideByLabel applies the UI-driven rules for pending or in-progress work.
func (e *Engine) decideByLabel(s domain.SignalSnapshot) domain.Decision {
	subject := describe(s)

	// An open breaker only closes through a half-open probe.
	if !s.UILabel.IsNetworkClass() && e.Tracker.Circuit(e.now()) != domain.CircuitOpen {
		e.Tracker.recordNetworkSuccess()
	}

	switch s.UILabel {
	case domain.LabelGenerating:
		return domain.Decision{
			Action:  domain.ActionWait,
			Message: subject + ", agent is generating; waiting",
			TaskID:  s.SubtaskID,
		}

	case domain.LabelConnectionError, domain.LabelProviderError:
		return e.handleNetworkFailure(s, subject)

	case domain.LabelContextOverflow:
		return e.contextOverflow(s, "context overflow")

	case domain.LabelRateLimit:
		return domain.Decision{
			Action:          domain.ActionWaitCooldown,
			Message:         fmt.Sprintf("%s, rate limited; cooling down %ds", subject, e.cfg.RateLimitWait),
			TaskID:          s.SubtaskID,
			CooldownSeconds: e.cfg.RateLimitWait,
		}

	case domain.LabelAPITimeout:
		return e.maybeSendContinue(s, subject+", API timeout; retrying")

	case domain.LabelResponseInterrupted:
		return e.maybeSendContinue(s, subject+", response interrupted; sending continue")

	case domain.LabelResponseStall:
		return e.handleStall(s, subject)
	}

	if s.RegionChanged {
		return domain.Decision{
			Action:  domain.ActionWait,
			Message: subject + ", region is changing (agent presumed busy); waiting",
			TaskID:  s.SubtaskID,
		}
	}

	if s.OrchestrationAction == domain.OrchSendTask {
		e.Tracker.ResetAll()
		return domain.Decision{
			Action:      domain.ActionSendTask,
			Message:     fmt.Sprintf("sending subtask %s: %s", s.SubtaskID, s.SubtaskTitle),
			TaskContent: FormatTaskContent(s.SubtaskID, s.SubtaskTitle, s.SubtaskDescription),
			TaskID:      s.SubtaskID,
		}
	}

	return e.maybeSendContinue(s, subject+", region static and UI idle; waking agent")
}

// maybeSendContinue is the debounced continue trigger shared by every
// recoverable path.
func (e *Engine) maybeSendContinue(s domain.SignalSnapshot, msg string) domain.Decision {
	t := e.Tracker
	count := t.Increment(continueTrigger)

	if count < e.cfg.StatusTriggerThreshold {
		return domain.Decision{
			Action:  domain.ActionWait,
			Message: fmt.Sprintf("%s (%d/%d, awaiting confirmation)", msg, count, e.cfg.StatusTriggerThreshold),
			TaskID:  s.SubtaskID,
		}
	}

	if t.ContinueRetries >= e.cfg.MaxContinueRetries {
		return domain.Decision{
			Action:  domain.ActionWait,
			Message: fmt.Sprintf("retry limit (%d) reached; holding continue", e.cfg.MaxContinueRetries),
			TaskID:  s.SubtaskID,
		}
	}

	now := e.now()
	if !t.CanSend(now, e.cfg.MinSendInterval) {
		return domain.Decision{
			Action:  domain.ActionWait,
			Message: msg + " (send cooling down)",
			TaskID:  s.SubtaskID,
		}
	}

	t.ContinueRetries++
	t.RecordSend(now)
	return domain.Decision{
		Action:  domain.ActionSendContinue,
		Message: msg,
		TaskID:  s.SubtaskID,
	}
}

func (e *Engine) handleStall(s domain.SignalSnapshot, subject string) domain.Decision {
	t := e.Tracker
	t.StallEscalationCount++

	if t.StallEscalationCount >= e.cfg.StallEscalateThreshold {
		e.logger.Warn("response stall escalated to new conversation",
			zap.Int("stall_count", t.StallEscalationCount),
			zap.Int("threshold", e.cfg.StallEscalateThreshold),
		)
		t.StallEscalationCount = 0
		return e.contextOverflow(s, "stall escalation")
	}

	return e.maybeSendContinue(s, fmt.Sprintf("%s, response stalled (STALL %d/%d); waking agent",
		subject, t.StallEscalationCount, e.cfg.StallEscalateThreshold))
}

// contextOverflow clears the debounce counters and asks for a fresh conversation
// seeded with a restore prompt.
func (e *Engine) contextOverflow(s domain.SignalSnapshot, cause string) domain.Decision {
	e.logger.Warn("context overflow, opening new conversation",
		zap.String("cause", cause),
		zap.String("task_id", s.SubtaskID),
	)

	var b strings.Builder
	fmt.Fprintf(&b, "Continue the development work of %s.", s.PhaseID)
	if s.SubtaskID != "" {
		fmt.Fprintf(&b, "\nCurrent subtask: %s: %s", s.SubtaskID, s.SubtaskTitle)
	}
	if s.SubtaskDescription != "" {
		fmt.Fprintf(&b, "\nTask description: %s", s.SubtaskDescription)
	}
	b.WriteString("\n\nThe previous conversation was interrupted because its context grew too long. " +
		"Query the task status with the devplan tools, then continue.")

	e.Tracker.ResetAll()
	return domain.Decision{
		Action:          domain.ActionNewConversation,
		Message:         fmt.Sprintf("%s, opening new conversation to resume %s", cause, s.SubtaskID),
		TaskContent:     b.String(),
		TaskID:          s.SubtaskID,
		PhaseID:         s.PhaseID,
		CooldownSeconds: e.cfg.ContextOverflowWait,
	}
}

// fallback forces one continue per send window when the watched region has
// been static too long and work is still pending.
func (e *Engine) fallback(s domain.SignalSnapshot) (domain.Decision, bool) {
	timeout := e.cfg.FallbackNoChangeTimeout
	if timeout <= 0 || s.OrchestrationAction == domain.OrchAllDone {
		return domain.Decision{}, false
	}
	if s.SecondsSinceRegionChanged < timeout.Seconds() {
		return domain.Decision{}, false
	}

	e.logger.Warn("static-region fallback triggered",
		zap.Float64("static_seconds", s.SecondsSinceRegionChanged),
		zap.Duration("timeout", timeout),
	)

	now := e.now()
	if !e.Tracker.CanSend(now, e.cfg.MinSendInterval) {
		return domain.Decision{
			Action:  domain.ActionWait,
			Message: fmt.Sprintf("fallback triggered (%.0fs without change) but send is cooling down", s.SecondsSinceRegionChanged),
			TaskID:  s.SubtaskID,
		}, true
	}

	e.Tracker.RecordSend(now)
	return domain.Decision{
		Action:  domain.ActionSendContinue,
		Message: fmt.Sprintf("fallback: region static for %.0fs, sending continue", s.SecondsSinceRegionChanged),
		TaskID:  s.SubtaskID,
	}, true
}

// ResetContinueRetries is called when activity resumes after stillness. It
// clears the continue retry budget and the stall escalation count and
// reports whether anything was cleared.
func (e *Engine) ResetContinueRetries() bool {
	t := e.Tracker
	if t.ContinueRetries == 0 && t.StallEscalationCount == 0 {
		return false
	}
	e.logger.Info("activity resumed, resetting retry counters",
		zap.Int("continue_retries", t.ContinueRetries),
		zap.Int("stall_count", t.StallEscalationCount),
	)
	t.ContinueRetries = 0
	t.StallEscalationCount = 0
	return true
}

// Snapshot copies the tracker state for readers on other goroutines.
func (e *Engine) Snapshot() TrackerSnapshot {
	return e.Tracker.Snapshot(e.now())
}

// FormatTaskContent renders the text sent to the agent for a new subtask.
func FormatTaskContent(taskID, title, description string) string {
	content := fmt.Sprintf("Start %s: %s", taskID, title)
	if description != "" {
		content += "\n\nDetails: " + description
	}
	return content
}

func describe(s domain.SignalSnapshot) string {
	if s.OrchestrationAction == domain.OrchSendTask {
		return "pending task " + s.SubtaskID
	}
	return s.SubtaskID + " in progress"
}
