package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/devplan/autopilot-executor/internal/checkpoint"
	"github.com/devplan/autopilot-executor/internal/domain"
	"github.com/devplan/autopilot-executor/internal/guard"
)

const (
	defaultCooldownWait  = 60
	defaultRecoveryWait  = 120
	defaultNewConvSettle = 3
	startupSettle        = 2
	recallLimit          = 5
	memorySummaryWidth   = 1200
	deadLetterMessageKey = 120
	summaryImportance    = 0.78
	insightImportance    = 0.82
	deadLetterSource     = "executor"
	recoveryQueryTerm    = "recovery"
)

// execute performs the decision and reports whether the loop should stop.
func (r *Runner) execute(ctx context.Context, d domain.Decision) bool {
	if actuates(d.Action) {
		if err := r.guard.CheckRateLimit(string(d.Action)); err != nil {
			r.logger.Warn("actuation rate limit reached, skipping", zap.String("action", string(d.Action)))
			r.addLog("WARNING", fmt.Sprintf("rate limit reached for %s", d.Action))
			return false
		}
	}

	switch d.Action {
	case domain.ActionSendTask:
		if d.TaskContent == "" {
			r.logger.Warn("send task without content, skipping", zap.String("task_id", d.TaskID))
			return false
		}
		if err := r.act.SendText(ctx, d.TaskContent); err != nil {
			r.logger.Error("send task", zap.String("task_id", d.TaskID), zap.Error(err))
			r.addLog("ERROR", fmt.Sprintf("send task %s failed", d.TaskID))
			return false
		}
		r.logger.Info("task sent", zap.String("task_id", d.TaskID))
		r.postSendCheck(ctx, "task:"+d.TaskID)

	case domain.ActionSendContinue:
		if err := r.act.SendContinue(ctx); err != nil {
			r.logger.Error("send continue", zap.Error(err))
			return false
		}
		r.logger.Info("continue sent")
		r.postSendCheck(ctx, "continue")

	case domain.ActionStartPhase:
		if d.PhaseID == "" {
			return false
		}
		cctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
		if err := r.orch.StartPhase(cctx, d.PhaseID); err != nil {
			r.logger.Error("start phase", zap.String("phase_id", d.PhaseID), zap.Error(err))
			return false
		}
		r.logger.Info("phase started", zap.String("phase_id", d.PhaseID))

	case domain.ActionAllDone:
		if r.cfg.KeepAliveOnAllDone {
			if !r.allDoneLogged {
				r.logger.Warn("project reports all done; keep-alive is on, continuing")
				r.allDoneLogged = true
			}
			r.updateStatus(func(s *Status) {
				s.Decision.Action = domain.ActionWait
				s.Decision.Message = "all done (keep-alive): " + d.Message
			})
			return false
		}
		r.logger.Info("project complete", zap.String("message", d.Message))
		r.addLog("INFO", d.Message)
		return true

	case domain.ActionWait:
		r.logger.Debug("waiting", zap.String("message", d.Message))

	case domain.ActionNewConversation:
		r.recoverInNewConversation(ctx, d)

	case domain.ActionWaitCooldown:
		wait := d.CooldownSeconds
		if wait <= 0 {
			wait = defaultCooldownWait
		}
		r.logger.Warn("cooling down", zap.Int("seconds", wait))
		r.addLog("WARNING", fmt.Sprintf("cooldown %ds: %s", wait, clip(d.Message, 60)))
		r.wait(ctx, time.Duration(wait)*time.Second)

	case domain.ActionErrorRecovery:
		r.errorRecovery(ctx, d)
	}
	return false
}

func actuates(a domain.ActionKind) bool {
	switch a {
	case domain.ActionSendTask, domain.ActionSendContinue, domain.ActionNewConversation:
		return true
	}
	return false
}

// postSendCheck presses Enter once when the classifier sees the just-sent
// input waiting in the queue.
func (r *Runner) postSendCheck(ctx context.Context, source string) {
	if !r.VisionEnabled() {
		return
	}
	if !r.wait(ctx, r.cfg.QueuedCheckDelay) {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	queued, err := r.vision.SendQueued(cctx)
	if err != nil {
		r.logger.Warn("post-send check", zap.String("source", source), zap.Error(err))
		return
	}
	r.logger.Info("post-send check", zap.String("source", source), zap.Bool("queued", queued))
	if !queued {
		return
	}
	if err := r.act.PressKey(ctx, "enter"); err != nil {
		r.logger.Warn("input queued but pressing enter failed", zap.String("source", source), zap.Error(err))
		return
	}
	r.logger.Warn("input queued, pressed enter", zap.String("source", source))
}

// recoveryTarget is the phase and task a recovery refers to.
type recoveryTarget struct {
	phaseID    string
	phaseTitle string
	taskID     string
	taskTitle  string
	taskDesc   string
	reason     string
}

func (r *Runner) currentTarget(d domain.Decision, defaultReason string) recoveryTarget {
	t := recoveryTarget{taskID: d.TaskID, phaseID: d.PhaseID, reason: defaultReason}
	if r.lastNext != nil {
		if p := r.lastNext.Phase; p != nil {
			t.phaseID, t.phaseTitle = p.TaskID, p.Title
		}
		if st := r.lastNext.SubTask; st != nil {
			t.taskID, t.taskTitle, t.taskDesc = st.TaskID, st.Title, st.Description
		}
	}
	if r.lastLabel != "" {
		t.reason = string(r.lastLabel)
	}
	return t
}

// recoverInNewConversation checkpoints the interrupted task, records it in
// long-term memory and resumes it in a fresh conversation.
func (r *Runner) recoverInNewConversation(ctx context.Context, d domain.Decision) {
	r.logger.Warn("starting new-conversation recovery", zap.String("message", d.Message))
	t := r.currentTarget(d, string(domain.LabelContextOverflow))

	recalled := r.recallRecoveryMemories(ctx, t.phaseID, t.taskID, t.reason, recallLimit)
	cp := r.cps.Build(checkpoint.Request{
		PhaseID:    t.phaseID,
		PhaseTitle: t.phaseTitle,
		TaskID:     t.taskID,
		TaskTitle:  t.taskTitle,
		TaskDesc:   t.taskDesc,
		Reason:     t.reason,
		Memories:   recalled,
	})
	_ = r.bestEffort(ctx, "persist checkpoint", func(context.Context) error {
		return r.cps.Save(cp)
	})
	r.saveRecoveryMemories(ctx, cp, t)

	latest := cp
	if loaded, err := r.cps.LoadCheckpoint(); err == nil && loaded != nil {
		latest = *loaded
	}
	recalled = r.recallRecoveryMemories(ctx, t.phaseID, t.taskID, t.reason, recallLimit)
	base := r.cps.LoadLatestCheckpointPrompt()
	if base == "" {
		base = latest.CheckpointPrompt
	}
	prompt := checkpoint.BuildFinalRecoveryPrompt(latest, recalled, base)

	settle := d.CooldownSeconds
	if settle <= 0 {
		settle = defaultNewConvSettle
	}
	r.injectRecoveryPrompt(ctx, prompt, settle, "new_conversation", true)
	r.addLog("WARNING", "new conversation recovery: "+clip(d.Message, 60))
}

// recallRecoveryMemories returns recalled memory lines for the interrupted
// task. limit is clamped to [2, 5]. Failures yield no memories.
func (r *Runner) recallRecoveryMemories(ctx context.Context, phaseID, taskID, reason string, limit int) []string {
	var parts []string
	for _, p := range []string{phaseID, taskID, reason, recoveryQueryTerm} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	limit = min(max(limit, 2), 5)

	cctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	mems, err := r.orch.RecallMemories(cctx, domain.RecallQuery{
		Query: strings.Join(parts, " "),
		Limit: limit,
		Depth: "L1",
	})
	if err != nil {
		r.logger.Warn("recall memories", zap.Error(err))
		return nil
	}

	var lines []string
	for _, m := range mems {
		if len(lines) == limit {
			break
		}
		if c := strings.TrimSpace(m.Content); c != "" {
			lines = append(lines, clip(c, 200))
		}
	}
	return lines
}

// saveRecoveryMemories writes the summary and insight memories for a
// checkpoint once per phase, task, reason and checkpoint time.
func (r *Runner) saveRecoveryMemories(ctx context.Context, cp domain.Checkpoint, t recoveryTarget) {
	summary := strings.TrimSpace(cp.Summary)
	if summary == "" {
		return
	}
	fp := guard.Fingerprint(t.phaseID, t.taskID, t.reason, cp.Timestamp)
	if !r.guard.FirstTime(guard.ScopeMemory, fp) {
		r.logger.Debug("recovery memories already saved", zap.String("fingerprint", fp))
		return
	}

	version := cp.TemplateVersion
	if version == "" {
		version = "v1"
	}
	memories := []domain.Memory{
		{
			Content:       fmt.Sprintf("[%s] %s", t.reason, clip(summary, memorySummaryWidth)),
			MemoryType:    "summary",
			RelatedTaskID: t.phaseID,
			Tags:          []string{"autopilot", "recovery", "last_n_turns", "template-" + version},
			Importance:    summaryImportance,
		},
		{
			Content: fmt.Sprintf("Recovery checkpoint: phase=%s task=%s reason=%s, checkpoint_prompt(%s) generated for resume.",
				t.phaseID, t.taskID, t.reason, version),
			MemoryType:    "insight",
			RelatedTaskID: t.phaseID,
			Tags:          []string{"autopilot", "checkpoint", "context-overflow", "template-" + version},
			Importance:    insightImportance,
		},
	}

	var failed int
	for _, m := range memories {
		if err := r.bestEffort(ctx, "save memory", func(ctx context.Context) error {
			return r.orch.SaveMemory(ctx, m)
		}); err != nil {
			failed++
		}
	}
	if failed > 0 {
		r.logger.Warn("some recovery memories were not saved", zap.Int("failed", failed))
	}
}

// injectRecoveryPrompt opens a new conversation, lets it settle and sends
// prompt. When opening fails and fallbackToContinue is set, a continue is
// sent instead.
func (r *Runner) injectRecoveryPrompt(ctx context.Context, prompt string, settleSeconds int, source string, fallbackToContinue bool) bool {
	if strings.TrimSpace(prompt) == "" {
		r.logger.Warn("recovery prompt empty, skipping injection", zap.String("source", source))
		return false
	}

	if err := r.act.NewConversation(ctx); err != nil {
		r.logger.Error("open new conversation", zap.String("source", source), zap.Error(err))
		if fallbackToContinue {
			if err := r.act.SendContinue(ctx); err != nil {
				r.logger.Error("fallback continue", zap.Error(err))
			}
		}
		return false
	}

	if !r.wait(ctx, time.Duration(max(1, settleSeconds))*time.Second) {
		return false
	}

	if err := r.act.SendText(ctx, prompt); err != nil {
		r.logger.Error("send recovery prompt", zap.String("source", source), zap.Error(err))
		return false
	}
	r.logger.Info("recovery prompt injected", zap.String("source", source))
	r.postSendCheck(ctx, source+":recovery-prompt")
	return true
}

// errorRecovery records a dead letter for the failure, then cools down
// without actuating.
func (r *Runner) errorRecovery(ctx context.Context, d domain.Decision) {
	wait := d.CooldownSeconds
	if wait <= 0 {
		wait = defaultRecoveryWait
	}
	r.logger.Error("error recovery protection", zap.String("message", d.Message), zap.Int("wait_seconds", wait))
	r.addLog("ERROR", fmt.Sprintf("error recovery, waiting %ds: %s", wait, clip(d.Message, 80)))

	t := r.currentTarget(d, string(domain.ActionErrorRecovery))
	fp := guard.Fingerprint(t.phaseID, t.taskID, t.reason, clip(d.Message, deadLetterMessageKey))
	if r.guard.FirstTime(guard.ScopeDeadLetter, fp) {
		r.submitDeadLetter(ctx, domain.DeadLetter{
			ID:                uuid.NewString(),
			Source:            deadLetterSource,
			Reason:            t.reason,
			Message:           d.Message,
			PhaseID:           t.phaseID,
			TaskID:            t.taskID,
			RetryAfterSeconds: wait,
			Metadata: map[string]string{
				"decisionAction": string(d.Action),
				"executorId":     r.cfg.ExecutorID,
			},
			Fingerprint: fp,
			CreatedAt:   r.now().Unix(),
		})
	}

	r.wait(ctx, time.Duration(wait)*time.Second)
}

// submitDeadLetter records dl locally first so a failed submit is not lost,
// then sends it to the task graph.
func (r *Runner) submitDeadLetter(ctx context.Context, dl domain.DeadLetter) {
	if r.db != nil {
		err := r.deadLetter.Record(ctx, r.db, dl)
		if errors.Is(err, domain.ErrDuplicateRecord) {
			r.logger.Debug("dead letter already recorded", zap.String("fingerprint", dl.Fingerprint))
			return
		}
		if err != nil {
			r.logger.Warn("record dead letter locally", zap.Error(err))
		}
	}

	if err := r.bestEffort(ctx, "submit dead letter", func(ctx context.Context) error {
		return r.orch.SaveDeadLetter(ctx, dl)
	}); err != nil {
		return
	}
	if r.db != nil {
		if err := r.deadLetter.MarkSubmitted(ctx, r.db, dl.ID); err != nil {
			r.logger.Warn("mark dead letter submitted", zap.Error(err))
		}
	}
}

// attemptStartupRecovery resumes the last checkpointed task once when the
// executor restarts while a phase is still active.
func (r *Runner) attemptStartupRecovery(ctx context.Context) {
	cp, err := r.cps.LoadCheckpoint()
	if err != nil {
		r.logger.Warn("load checkpoint", zap.Error(err))
		return
	}
	if cp == nil {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	phase, err := r.orch.CurrentPhase(cctx)
	cancel()
	if err != nil || phase == nil || !phase.HasActivePhase {
		r.logger.Info("skipping startup recovery: no phase in progress")
		return
	}

	fp := guard.Fingerprint(cp.Timestamp, cp.PhaseID, cp.TaskID, cp.InterruptReason)
	if !r.guard.FirstTime(guard.ScopeStartupResume, fp) {
		r.logger.Debug("startup recovery already attempted", zap.String("fingerprint", fp))
		return
	}

	recalled := r.recallRecoveryMemories(ctx, cp.PhaseID, cp.TaskID, cp.InterruptReason, recallLimit)
	base := r.cps.LoadLatestCheckpointPrompt()
	if base == "" {
		base = cp.CheckpointPrompt
	}
	prompt := checkpoint.BuildFinalRecoveryPrompt(*cp, recalled, base)

	if r.injectRecoveryPrompt(ctx, prompt, startupSettle, "startup", false) {
		r.logger.Info("startup recovery injected", zap.String("task_id", cp.TaskID))
		r.addLog("WARNING", fmt.Sprintf("startup recovery injected: %s/%s", cp.PhaseID, cp.TaskID))
	}
}

// bestEffort runs fn with one retry and logs the final failure.
func (r *Runner) bestEffort(ctx context.Context, op string, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(1, retry.NewConstant(r.cfg.RetryDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
		if err := fn(cctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		r.logger.Warn(op+" failed", zap.Error(err))
	}
	return err
}
