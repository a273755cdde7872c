package runner

import (
	"fmt"
	"time"

	"github.com/devplan/autopilot-executor/internal/domain"
	"github.com/devplan/autopilot-executor/internal/engine"
)

// maxLogEntries bounds the operator-facing activity log.
const maxLogEntries = 100

// Status is the runner state shown on the dashboard. Readers get a copy.
type Status struct {
	Running       bool      `json:"running"`
	ExecutorID    string    `json:"executorId"`
	ProjectName   string    `json:"projectName"`
	PollInterval  float64   `json:"pollInterval"`
	StartedAt     time.Time `json:"startedAt"`
	LastTickAt    time.Time `json:"lastTickAt"`
	Tick          int64     `json:"tick"`
	VisionEnabled bool      `json:"visionEnabled"`
	// Countdown is the number of seconds left in the current wait.
	Countdown int `json:"countdown"`

	OrchestratorReachable bool                       `json:"orchestratorReachable"`
	OrchestrationAction   domain.OrchestrationAction `json:"orchestrationAction"`
	OrchestrationMessage  string                     `json:"orchestrationMessage"`
	OverallPercent        float64                    `json:"overallPercent"`
	PhaseID               string                     `json:"phaseId"`
	PhaseTitle            string                     `json:"phaseTitle"`
	PhaseProgress         string                     `json:"phaseProgress"`
	TaskID                string                     `json:"taskId"`
	TaskTitle             string                     `json:"taskTitle"`

	UILabel       domain.UILabel  `json:"uiLabel"`
	RegionChanged bool            `json:"regionChanged"`
	StaticSeconds float64         `json:"staticSeconds"`
	Raw           string          `json:"raw"`
	Activity      domain.Activity `json:"activity"`

	Decision domain.Decision        `json:"decision"`
	Tracker  engine.TrackerSnapshot `json:"tracker"`
}

// Status returns a copy of the current state.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.status
	if s.Tracker.Counts != nil {
		counts := make(map[string]int, len(s.Tracker.Counts))
		for k, v := range s.Tracker.Counts {
			counts[k] = v
		}
		s.Tracker.Counts = counts
	}
	return s
}

// Logs returns the activity log, oldest first.
func (r *Runner) Logs() []domain.LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.LogEntry, len(r.logs))
	copy(out, r.logs)
	return out
}

// VisionEnabled reports whether the tick classifies the UI.
func (r *Runner) VisionEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status.VisionEnabled
}

// SetVisionEnabled switches classification on or off at runtime and
// returns an operator-facing message.
func (r *Runner) SetVisionEnabled(enabled bool) string {
	r.updateStatus(func(s *Status) { s.VisionEnabled = enabled })
	if enabled {
		r.addLog("INFO", "vision classification enabled")
		return "vision classification enabled"
	}
	r.addLog("INFO", "vision classification disabled; using task graph and log signals only")
	return "vision classification disabled; using task graph and log signals only"
}

func (r *Runner) updateStatus(fn func(*Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.status)
}

func (r *Runner) addLog(level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, domain.LogEntry{Time: r.now(), Level: level, Message: msg})
	if over := len(r.logs) - maxLogEntries; over > 0 {
		r.logs = append(r.logs[:0:0], r.logs[over:]...)
	}
}

// publishTick copies the tick's signals and decision into Status. The
// tracker snapshot is taken here because the engine is owned by the loop.
func (r *Runner) publishTick(next *domain.NextAction, act domain.Activity, label domain.UILabel,
	changed bool, static float64, raw string, d domain.Decision) {
	tracker := r.eng.Snapshot()
	now := r.now()

	r.updateStatus(func(s *Status) {
		s.Tick = r.tick
		s.LastTickAt = now
		s.OrchestratorReachable = true
		s.OrchestrationAction = next.Action
		s.OrchestrationMessage = next.Message
		if next.SubTask != nil {
			s.TaskID = next.SubTask.TaskID
			s.TaskTitle = next.SubTask.Title
		} else {
			s.TaskID, s.TaskTitle = "", ""
		}
		if p := next.Phase; p != nil {
			s.PhaseID = p.TaskID
			s.PhaseTitle = p.Title
			s.PhaseProgress = formatProgress(p.CompletedSubtasks, p.TotalSubtasks)
		}
		s.UILabel = label
		s.RegionChanged = changed
		s.StaticSeconds = static
		s.Raw = raw
		s.Activity = act
		s.Decision = d
		s.Tracker = tracker
	})
}

func formatProgress(completed, total int) string {
	return fmt.Sprintf("%d/%d", completed, total)
}
