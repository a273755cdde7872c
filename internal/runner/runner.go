// Package runner drives the executor's tick loop: sense, decide, act and
// report, one tick at a time.
package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devplan/autopilot-executor/internal/checkpoint"
	"github.com/devplan/autopilot-executor/internal/config"
	"github.com/devplan/autopilot-executor/internal/domain"
	"github.com/devplan/autopilot-executor/internal/engine"
	"github.com/devplan/autopilot-executor/internal/guard"
	"github.com/devplan/autopilot-executor/internal/sensor"
	"github.com/devplan/autopilot-executor/internal/store"
)

// Orchestrator is the remote task graph.
type Orchestrator interface {
	NextAction(ctx context.Context) (*domain.NextAction, error)
	CurrentPhase(ctx context.Context) (*domain.CurrentPhase, error)
	Progress(ctx context.Context) (*domain.Progress, error)
	StartPhase(ctx context.Context, phaseID string) error
	Heartbeat(ctx context.Context, hb domain.Heartbeat) error
	SaveDeadLetter(ctx context.Context, dl domain.DeadLetter) error
	ListDeadLetters(ctx context.Context, f domain.DeadLetterFilter) ([]domain.DeadLetter, error)
	SaveMemory(ctx context.Context, m domain.Memory) error
	RecallMemories(ctx context.Context, q domain.RecallQuery) ([]domain.Memory, error)
}

// Classifier labels the watched UI region.
type Classifier interface {
	Classify(ctx context.Context) (domain.Observation, error)
	SendQueued(ctx context.Context) (bool, error)
}

// ActivitySensor reports agent activity seen outside the UI.
type ActivitySensor interface {
	Poll() domain.Activity
}

// Actuator performs UI primitives.
type Actuator interface {
	SendText(ctx context.Context, text string) error
	SendContinue(ctx context.Context) error
	NewConversation(ctx context.Context) error
	PressKey(ctx context.Context, key string) error
}

// CheckpointStore buffers tick events and persists recovery checkpoints.
type CheckpointStore interface {
	RecordEvent(text string)
	Build(req checkpoint.Request) domain.Checkpoint
	Save(cp domain.Checkpoint) error
	LoadCheckpoint() (*domain.Checkpoint, error)
	LoadLatestCheckpointPrompt() string
}

// Heartbeat statuses.
const (
	HeartbeatActive         = "active"
	HeartbeatStopped        = "stopped"
	HeartbeatAPIUnreachable = "API_UNREACHABLE"
)

const (
	cleanupEveryTicks    = 50
	countdownGranularity = 250 * time.Millisecond
	defaultRetention     = 7 * 24 * time.Hour
	eventMessageWidth    = 120
)

// Config holds loop parameters.
type Config struct {
	ExecutorID         string
	ProjectName        string
	PollInterval       time.Duration
	RequestTimeout     time.Duration
	KeepAliveOnAllDone bool
	VisionEnabled      bool
	// QueuedCheckDelay is how long to wait after a send before asking the
	// classifier whether the input is stuck in the queue.
	QueuedCheckDelay time.Duration
	RetryDelay       time.Duration
	Retention        time.Duration
}

// ConfigFrom maps executor configuration onto loop parameters.
func ConfigFrom(c *config.Config) Config {
	return Config{
		ExecutorID:         c.ExecutorID,
		ProjectName:        c.ProjectName,
		PollInterval:       c.PollEvery(),
		RequestTimeout:     c.RequestTimeout(),
		KeepAliveOnAllDone: c.KeepAliveOnAllDone,
		VisionEnabled:      !c.DisableVision,
		QueuedCheckDelay:   time.Second,
		RetryDelay:         200 * time.Millisecond,
		Retention:          defaultRetention,
	}
}

// Deps are the runner's collaborators. Activity may be nil.
type Deps struct {
	Orchestrator Orchestrator
	Classifier   Classifier
	Activity     ActivitySensor
	Actuator     Actuator
	Engine       *engine.Engine
	Regions      *sensor.RegionTracker
	Checkpoints  CheckpointStore
	Guard        *guard.Guard
	DB           *sql.DB
	Logger       *zap.Logger
}

// WaitFunc blocks for d or until the runner stops. It reports whether the
// full duration elapsed.
type WaitFunc func(ctx context.Context, d time.Duration) bool

// Option customizes a Runner.
type Option func(*Runner)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithWait replaces the countdown used for cooldowns and settle delays.
func WithWait(w WaitFunc) Option {
	return func(r *Runner) { r.wait = w }
}

// Runner owns the tick loop. Only Status, Logs, SetVisionEnabled and Stop
// may be called from other goroutines.
type Runner struct {
	cfg Config

	orch     Orchestrator
	vision   Classifier
	activity ActivitySensor
	act      Actuator
	eng      *engine.Engine
	regions  *sensor.RegionTracker
	cps      CheckpointStore
	guard    *guard.Guard
	db       *sql.DB
	logger   *zap.Logger

	decisions  store.DecisionRepo
	deadLetter store.DeadLetterRepo
	heartbeats store.HeartbeatRepo

	now  func() time.Time
	wait WaitFunc

	stopCh   chan struct{}
	stopOnce sync.Once

	// loop-goroutine state
	tick          int64
	lastNext      *domain.NextAction
	lastLabel     domain.UILabel
	prevLabel     domain.UILabel
	allDoneLogged bool

	mu     sync.RWMutex
	status Status
	logs   []domain.LogEntry
}

// New creates a Runner.
func New(cfg Config, deps Deps, opts ...Option) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := deps.Guard
	if g == nil {
		g = guard.NewGuard(guard.GuardConfig{})
	}

	r := &Runner{
		cfg:      cfg,
		orch:     deps.Orchestrator,
		vision:   deps.Classifier,
		activity: deps.Activity,
		act:      deps.Actuator,
		eng:      deps.Engine,
		regions:  deps.Regions,
		cps:      deps.Checkpoints,
		guard:    g,
		db:       deps.DB,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	r.wait = r.countdown
	for _, opt := range opts {
		opt(r)
	}
	if r.regions == nil {
		r.regions = sensor.NewRegionTracker(4, logger)
	}
	r.status = Status{
		ExecutorID:    cfg.ExecutorID,
		ProjectName:   cfg.ProjectName,
		PollInterval:  cfg.PollInterval.Seconds(),
		VisionEnabled: cfg.VisionEnabled,
	}
	return r
}

// Stop asks the loop to exit after the current step. Safe to call more than
// once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Runner) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// Run checks the task graph is reachable, attempts startup recovery, then
// ticks until ctx is cancelled, Stop is called or the project is done.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.logInitialStatus(ctx); err != nil {
		return err
	}

	r.updateStatus(func(s *Status) {
		s.Running = true
		s.StartedAt = r.now()
	})
	r.addLog("INFO", "executor started")

	r.attemptStartupRecovery(ctx)

	for !r.stopped() && ctx.Err() == nil {
		if r.Tick(ctx) {
			break
		}
		r.wait(ctx, r.cfg.PollInterval)
	}

	r.shutdown()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Runner) logInitialStatus(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	progress, err := r.orch.Progress(cctx)
	if err != nil {
		r.logger.Error("task graph unreachable", zap.Error(err))
		return fmt.Errorf("runner start: %w", err)
	}
	r.logger.Info("project status",
		zap.String("project", progress.ProjectName),
		zap.Float64("overall_percent", progress.OverallPercent),
		zap.Int("main_tasks", progress.MainTaskCount),
		zap.Int("completed_subtasks", progress.CompletedSubTasks),
		zap.Int("subtasks", progress.SubTaskCount),
	)
	r.updateStatus(func(s *Status) { s.OverallPercent = progress.OverallPercent })
	r.addLog("INFO", fmt.Sprintf("overall progress: %.0f%%", progress.OverallPercent))

	phase, err := r.orch.CurrentPhase(cctx)
	if err != nil || phase == nil || !phase.HasActivePhase || phase.ActivePhase == nil {
		r.addLog("INFO", "no phase in progress")
		return nil
	}
	ap := phase.ActivePhase
	r.updateStatus(func(s *Status) {
		s.PhaseID = ap.TaskID
		s.PhaseTitle = ap.Title
		s.PhaseProgress = formatProgress(ap.CompletedSubtasks, ap.TotalSubtasks)
	})
	r.addLog("INFO", fmt.Sprintf("current phase: %s - %s (%d/%d)", ap.TaskID, ap.Title, ap.CompletedSubtasks, ap.TotalSubtasks))
	return nil
}

func (r *Runner) shutdown() {
	r.logger.Info("executor stopping")
	r.updateStatus(func(s *Status) {
		s.Running = false
		s.Countdown = 0
	})
	r.addLog("INFO", "executor stopping")

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
	defer cancel()
	hb := domain.Heartbeat{ExecutorID: r.cfg.ExecutorID, Status: HeartbeatStopped}
	err := r.orch.Heartbeat(ctx, hb)
	r.journalHeartbeat(ctx, hb, err == nil)
}

// Tick runs one sense-decide-act-report cycle and reports whether the loop
// should stop.
func (r *Runner) Tick(ctx context.Context) bool {
	r.tick++
	if r.tick%cleanupEveryTicks == 0 {
		r.periodicCleanup(ctx)
	}

	next := r.fetchNextAction(ctx)
	if next == nil {
		r.logger.Warn("task graph did not answer, skipping tick")
		r.addLog("WARNING", "task graph did not answer")
		r.sendHeartbeat(ctx, HeartbeatAPIUnreachable)
		r.updateStatus(func(s *Status) { s.OrchestratorReachable = false })
		return false
	}
	if next.Action != domain.OrchAllDone {
		r.allDoneLogged = false
	}
	r.lastNext = next
	r.cps.RecordEvent(fmt.Sprintf("%s action=%s message=%s",
		checkpoint.MarkOrchestration, next.Action, clip(next.Message, eventMessageWidth)))
	r.logger.Info("orchestration", zap.String("action", string(next.Action)), zap.String("message", clip(next.Message, 80)))

	act := r.pollActivity()
	label, changed, static, raw, fresh := r.observe(ctx, next, act)

	r.lastLabel = label
	r.cps.RecordEvent(fmt.Sprintf("%s status=%s changing=%t", checkpoint.MarkUI, label, changed))
	r.logger.Info("ui", zap.String("label", string(label)), zap.Bool("changing", changed),
		zap.Float64("static_seconds", static), zap.String("raw", clip(raw, 60)))

	if fresh {
		if (r.prevLabel == domain.LabelIdle || r.prevLabel == domain.LabelUnknown) && changed {
			r.eng.ResetContinueRetries()
		}
		r.prevLabel = label
	}

	snap := domain.SnapshotFrom(next, label, changed, static)
	d := r.eng.Decide(snap)
	r.cps.RecordEvent(fmt.Sprintf("%s action=%s message=%s",
		checkpoint.MarkDecision, d.Action, clip(d.Message, eventMessageWidth)))
	r.logger.Info("decision", zap.String("action", string(d.Action)), zap.String("message", clip(d.Message, 80)))

	r.journalDecision(ctx, next, label, d)
	r.publishTick(next, act, label, changed, static, raw, d)
	r.addLog("INFO", fmt.Sprintf("[%s|%s] -> %s: %s", next.Action, label, d.Action, clip(d.Message, 60)))

	stop := r.execute(ctx, d)

	r.sendHeartbeat(ctx, string(label))
	return stop
}

func (r *Runner) fetchNextAction(ctx context.Context) *domain.NextAction {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	next, err := r.orch.NextAction(cctx)
	if err != nil {
		r.logger.Warn("next action", zap.Error(err))
		return nil
	}
	return next
}

func (r *Runner) pollActivity() domain.Activity {
	if r.activity == nil {
		return domain.Activity{}
	}
	act := r.activity.Poll()
	if act.Found && act.RecentErrors > 0 {
		r.logger.Warn("assistant log shows recent network errors", zap.Int("count", act.RecentErrors))
	}
	return act
}

// observe produces the tick's UI signal. Log-confirmed activity during a
// wait skips classification. fresh is false when the classifier failed: the
// tick then carries no new signal and the region tracker is left untouched.
func (r *Runner) observe(ctx context.Context, next *domain.NextAction, act domain.Activity) (label domain.UILabel, changed bool, static float64, raw string, fresh bool) {
	now := r.now()
	if act.ExternallyActive && next.Action == domain.OrchWait {
		r.regions.MarkActive(now)
		return domain.LabelGenerating, true, 0, "log monitor reports activity; classification skipped", true
	}
	if !r.VisionEnabled() {
		return domain.LabelUnknown, false, 0, "vision disabled", true
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	obs, err := r.vision.Classify(cctx)
	if err != nil {
		r.logger.Warn("classify", zap.Error(err))
		return domain.LabelUnknown, false, r.regions.StaticSeconds(now), "classifier unavailable", false
	}
	st := r.regions.Observe(obs, now)
	if st.StaticSeconds > 60 {
		r.logger.Info("region static",
			zap.Float64("seconds", st.StaticSeconds),
			zap.Duration("fallback_timeout", r.eng.Config().FallbackNoChangeTimeout))
	}
	return st.Label, st.Changed, st.StaticSeconds, obs.Raw, true
}

func (r *Runner) journalDecision(ctx context.Context, next *domain.NextAction, label domain.UILabel, d domain.Decision) {
	if r.db == nil {
		return
	}
	ev := domain.DecisionEvent{
		Tick:                r.tick,
		OrchestrationAction: string(next.Action),
		UILabel:             string(label),
		Action:              d.Action,
		Message:             d.Message,
		TaskID:              d.TaskID,
		PhaseID:             d.PhaseID,
		CreatedAt:           r.now().Unix(),
	}
	if _, err := r.decisions.Append(ctx, r.db, ev); err != nil {
		r.logger.Warn("journal decision", zap.Error(err))
	}
}

// sendHeartbeat reports liveness at most once per two poll intervals.
func (r *Runner) sendHeartbeat(ctx context.Context, screenState string) {
	if !r.guard.Allow("heartbeat", 2*r.cfg.PollInterval) {
		return
	}
	hb := domain.Heartbeat{ExecutorID: r.cfg.ExecutorID, Status: HeartbeatActive, LastScreenState: screenState}
	err := r.bestEffort(ctx, "heartbeat", func(ctx context.Context) error {
		return r.orch.Heartbeat(ctx, hb)
	})
	r.journalHeartbeat(ctx, hb, err == nil)
}

func (r *Runner) journalHeartbeat(ctx context.Context, hb domain.Heartbeat, delivered bool) {
	if r.db == nil {
		return
	}
	if err := r.heartbeats.Record(ctx, r.db, hb, delivered, r.now().Unix()); err != nil {
		r.logger.Debug("journal heartbeat", zap.Error(err))
	}
}

func (r *Runner) periodicCleanup(ctx context.Context) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var pruned int64
	if r.db != nil {
		cutoff := r.now().Add(-r.cfg.Retention).Unix()
		n, err := store.PruneBefore(ctx, r.db, cutoff)
		if err != nil {
			r.logger.Warn("prune journal", zap.Error(err))
		}
		pruned = n
	}
	r.logger.Info("cleanup",
		zap.Int64("tick", r.tick),
		zap.Uint64("heap_alloc_mb", ms.HeapAlloc>>20),
		zap.Uint32("gc_cycles", ms.NumGC),
		zap.Int64("pruned_rows", pruned),
	)
}

// countdown waits d in small steps so Stop and ctx cancellation take effect
// promptly. The remaining seconds are published to Status.
func (r *Runner) countdown(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(countdownGranularity)
	defer ticker.Stop()
	defer r.updateStatus(func(s *Status) { s.Countdown = 0 })

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		secs := int(remaining.Round(time.Second) / time.Second)
		r.updateStatus(func(s *Status) { s.Countdown = secs })
		select {
		case <-r.stopCh:
			return false
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
