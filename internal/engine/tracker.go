package engine

import (
	"time"

	"github.com/devplan/autopilot-executor/internal/domain"
)

// continueTrigger is the shared counter key every debounced continue path
// increments.
const continueTrigger = "CONTINUE_TRIGGER"

// StateTracker carries all decision memory between ticks. It is owned by a
// single Engine and is not safe for concurrent use; readers on other
// goroutines must use Snapshot copies handed out by the tick loop.
type StateTracker struct {
	counts map[string]int

	LastSendTime         time.Time
	ContinueRetries      int
	StallEscalationCount int

	BackoffAttempts  int
	NextEligibleTime time.Time

	ConsecutiveFailures int
	// tripped is set when the breaker opens and cleared on the first
	// non-failing tick after it.
	tripped   bool
	OpenUntil time.Time

	RecoveryWindowStart time.Time
}

// NewStateTracker returns an empty tracker.
func NewStateTracker() *StateTracker {
	return &StateTracker{counts: make(map[string]int)}
}

// Increment bumps the consecutive count for key and zeroes every other key.
// It returns the new count.
func (t *StateTracker) Increment(key string) int {
	for k := range t.counts {
		if k != key {
			t.counts[k] = 0
		}
	}
	t.counts[key]++
	return t.counts[key]
}

// Count returns the consecutive count for key.
func (t *StateTracker) Count(key string) int {
	return t.counts[key]
}

// ResetAll clears every debounce counter. The continue retry budget is left
// alone; only Engine.ResetContinueRetries refills it.
func (t *StateTracker) ResetAll() {
	clear(t.counts)
}

// CanSend reports whether at least interval has passed since the last send.
func (t *StateTracker) CanSend(now time.Time, interval time.Duration) bool {
	return now.Sub(t.LastSendTime) >= interval
}

// RecordSend stamps the last send time.
func (t *StateTracker) RecordSend(now time.Time) {
	t.LastSendTime = now
}

// Circuit derives the breaker state at now. Open always implies OpenUntil is
// in the future; once it passes, the breaker reports half-open until the next
// tick either re-opens or closes it.
func (t *StateTracker) Circuit(now time.Time) domain.CircuitState {
	switch {
	case !t.tripped:
		return domain.CircuitClosed
	case now.Before(t.OpenUntil):
		return domain.CircuitOpen
	default:
		return domain.CircuitHalfOpen
	}
}

func (t *StateTracker) openCircuit(until time.Time) {
	t.tripped = true
	t.OpenUntil = until
}

// ForceCircuitOpen trips the breaker until the given time. It exists for
// operators and tests that need to simulate an elapsed or active open window.
func (t *StateTracker) ForceCircuitOpen(until time.Time) {
	t.openCircuit(until)
}

// recordNetworkSuccess clears all network failure bookkeeping. A half-open
// breaker closes here.
func (t *StateTracker) recordNetworkSuccess() {
	t.ConsecutiveFailures = 0
	t.BackoffAttempts = 0
	t.NextEligibleTime = time.Time{}
	t.RecoveryWindowStart = time.Time{}
	t.tripped = false
	t.OpenUntil = time.Time{}
}

// BackoffRemaining returns how long until the next network retry is allowed.
func (t *StateTracker) BackoffRemaining(now time.Time) time.Duration {
	if now.Before(t.NextEligibleTime) {
		return t.NextEligibleTime.Sub(now)
	}
	return 0
}

// TrackerSnapshot is a copy of tracker state safe to hand to other goroutines.
type TrackerSnapshot struct {
	Counts               map[string]int      `json:"counts"`
	ContinueRetries      int                 `json:"continueRetries"`
	StallEscalationCount int                 `json:"stallEscalationCount"`
	BackoffAttempts      int                 `json:"backoffAttempts"`
	BackoffRemainingSec  float64             `json:"backoffRemainingSec"`
	ConsecutiveFailures  int                 `json:"consecutiveFailures"`
	Circuit              domain.CircuitState `json:"circuit"`
	OpenUntil            time.Time           `json:"openUntil,omitempty"`
	RecoveryWindowStart  time.Time           `json:"recoveryWindowStart,omitempty"`
	LastSendTime         time.Time           `json:"lastSendTime,omitempty"`
}

// Snapshot copies the tracker state as of now.
func (t *StateTracker) Snapshot(now time.Time) TrackerSnapshot {
	counts := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		counts[k] = v
	}
	return TrackerSnapshot{
		Counts:               counts,
		ContinueRetries:      t.ContinueRetries,
		StallEscalationCount: t.StallEscalationCount,
		BackoffAttempts:      t.BackoffAttempts,
		BackoffRemainingSec:  t.BackoffRemaining(now).Seconds(),
		ConsecutiveFailures:  t.ConsecutiveFailures,
		Circuit:              t.Circuit(now),
		OpenUntil:            t.OpenUntil,
		RecoveryWindowStart:  t.RecoveryWindowStart,
		LastSendTime:         t.LastSendTime,
	}
}
