package engine

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/devplan/autopilot-executor/internal/domain"
)

// BackoffPolicy computes exponential waits between network retries.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	JitterRatio float64
}

// Nominal returns min(Base * 2^(attempt-1), Max) for attempt >= 1.
func (p BackoffPolicy) Nominal(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if wait > float64(p.Max) || math.IsInf(wait, 1) {
		return p.Max
	}
	return time.Duration(wait)
}

// Jittered scales the nominal wait by a factor in [1-JitterRatio, 1+JitterRatio].
// u must be uniform in [0, 1).
func (p BackoffPolicy) Jittered(attempt int, u float64) time.Duration {
	factor := 1 + p.JitterRatio*(2*u-1)
	return time.Duration(float64(p.Nominal(attempt)) * factor)
}

// BreakerPolicy configures the circuit breaker.
type BreakerPolicy struct {
	FailureThreshold int
	OpenFor          time.Duration
}

// handleNetworkFailure runs the resilience bookkeeping for a network-class
// label. The recovery-window check runs first and bypasses everything else.
func (e *Engine) handleNetworkFailure(s domain.SignalSnapshot, subject string) domain.Decision {
	now := e.now()
	t := e.Tracker

	if !t.RecoveryWindowStart.IsZero() {
		elapsed := now.Sub(t.RecoveryWindowStart)
		if elapsed > e.cfg.RecoveryWindow {
			e.logger.Error("network recovery window exceeded",
				zap.String("label", string(s.UILabel)),
				zap.Duration("elapsed", elapsed),
				zap.Duration("window", e.cfg.RecoveryWindow),
			)
			return domain.Decision{
				Action: domain.ActionErrorRecovery,
				Message: fmt.Sprintf("network recovery window exceeded (%s failing for %.0fs > %.0fs); entering protective wait",
					s.UILabel, elapsed.Seconds(), e.cfg.RecoveryWindow.Seconds()),
				TaskID:          s.SubtaskID,
				PhaseID:         s.PhaseID,
				CooldownSeconds: e.cfg.RecoveryCooldown,
			}
		}
	} else {
		t.RecoveryWindowStart = now
	}

	state := t.Circuit(now)
	probing := state == domain.CircuitHalfOpen
	t.ConsecutiveFailures++
	if state != domain.CircuitOpen && t.ConsecutiveFailures >= e.cfg.Breaker.FailureThreshold {
		t.openCircuit(now.Add(e.cfg.Breaker.OpenFor))
		e.logger.Warn("circuit breaker opened",
			zap.Int("consecutive_failures", t.ConsecutiveFailures),
			zap.Bool("failed_probe", probing),
			zap.Time("open_until", t.OpenUntil),
		)
	}

	if t.Circuit(now) == domain.CircuitOpen {
		remaining := t.OpenUntil.Sub(now)
		return domain.Decision{
			Action: domain.ActionWaitCooldown,
			Message: fmt.Sprintf("%s, %s: circuit breaker=open after %d consecutive failures, probing in %.0fs",
				subject, s.UILabel, t.ConsecutiveFailures, remaining.Seconds()),
			TaskID:          s.SubtaskID,
			CooldownSeconds: ceilSeconds(remaining),
		}
	}

	if remaining := t.BackoffRemaining(now); remaining > 0 {
		return domain.Decision{
			Action: domain.ActionWaitCooldown,
			Message: fmt.Sprintf("%s, %s: backoff cooldown, %.1fs remaining (attempt %d)",
				subject, s.UILabel, remaining.Seconds(), t.BackoffAttempts),
			TaskID:          s.SubtaskID,
			CooldownSeconds: ceilSeconds(remaining),
		}
	}

	t.BackoffAttempts++
	wait := e.cfg.Backoff.Jittered(t.BackoffAttempts, e.rand())
	t.NextEligibleTime = now.Add(wait)

	return e.maybeSendContinue(s, fmt.Sprintf("%s, %s detected, recovering (next backoff %.1fs)",
		subject, s.UILabel, wait.Seconds()))
}

func ceilSeconds(d time.Duration) int {
	n := int(math.Ceil(d.Seconds()))
	if n < 1 {
		return 1
	}
	return n
}
