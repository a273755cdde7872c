// Package domain defines the core types shared by the executor's decision
// loop, its collaborators and its persistence layer.
package domain

import "time"

// ActionKind is the single corrective action chosen for one tick.
type ActionKind string

const (
	ActionSendTask        ActionKind = "send_task"
	ActionSendContinue    ActionKind = "send_continue"
	ActionStartPhase      ActionKind = "start_phase"
	ActionWait            ActionKind = "wait"
	ActionAllDone         ActionKind = "all_done"
	ActionNewConversation ActionKind = "new_conversation"
	ActionWaitCooldown    ActionKind = "wait_cooldown"
	ActionErrorRecovery   ActionKind = "error_recovery"
)

// Valid reports whether a is one of the known actions.
func (a ActionKind) Valid() bool {
	switch a {
	case ActionSendTask, ActionSendContinue, ActionStartPhase, ActionWait,
		ActionAllDone, ActionNewConversation, ActionWaitCooldown, ActionErrorRecovery:
		return true
	}
	return false
}

// UILabel is the closed set of states the vision classifier can report.
type UILabel string

const (
	LabelConnectionError     UILabel = "CONNECTION_ERROR"
	LabelProviderError       UILabel = "PROVIDER_ERROR"
	LabelContextOverflow     UILabel = "CONTEXT_OVERFLOW"
	LabelRateLimit           UILabel = "RATE_LIMIT"
	LabelAPITimeout          UILabel = "API_TIMEOUT"
	LabelResponseInterrupted UILabel = "RESPONSE_INTERRUPTED"
	LabelGenerating          UILabel = "AI_GENERATING"
	LabelResponseStall       UILabel = "RESPONSE_STALL"
	LabelIdle                UILabel = "IDLE"
	LabelUnknown             UILabel = "UNKNOWN"
)

// AllLabels lists every UILabel in declaration order.
var AllLabels = []UILabel{
	LabelConnectionError, LabelProviderError, LabelContextOverflow, LabelRateLimit,
	LabelAPITimeout, LabelResponseInterrupted, LabelGenerating, LabelResponseStall,
	LabelIdle, LabelUnknown,
}

// Valid reports whether l is one of the known labels.
func (l UILabel) Valid() bool {
	for _, known := range AllLabels {
		if l == known {
			return true
		}
	}
	return false
}

// IsNetworkClass reports whether the label counts as a network-class failure
// for backoff, circuit breaker and recovery-window bookkeeping.
func (l UILabel) IsNetworkClass() bool {
	return l == LabelConnectionError || l == LabelProviderError
}

// ParseUILabel maps a wire string to a UILabel. Unrecognized values map to
// LabelUnknown.
func ParseUILabel(s string) UILabel {
	l := UILabel(s)
	if l.Valid() {
		return l
	}
	return LabelUnknown
}

// OrchestrationAction is what the remote task graph recommends next.
type OrchestrationAction string

const (
	OrchSendTask   OrchestrationAction = "send_task"
	OrchWait       OrchestrationAction = "wait"
	OrchStartPhase OrchestrationAction = "start_phase"
	OrchAllDone    OrchestrationAction = "all_done"
)

// SubTask is the unit of work the remote task graph wants sent.
type SubTask struct {
	TaskID      string `json:"taskId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

// PhaseInfo describes the phase a subtask belongs to.
type PhaseInfo struct {
	TaskID            string `json:"taskId"`
	Title             string `json:"title"`
	CompletedSubtasks int    `json:"completedSubtasks"`
	TotalSubtasks     int    `json:"totalSubtasks"`
}

// NextAction is the orchestration signal returned by the task graph.
type NextAction struct {
	Action  OrchestrationAction `json:"action"`
	SubTask *SubTask            `json:"subTask,omitempty"`
	Phase   *PhaseInfo          `json:"phase,omitempty"`
	Message string              `json:"message"`
}

// CurrentPhase reports whether the remote task graph has an active phase.
type CurrentPhase struct {
	HasActivePhase bool       `json:"hasActivePhase"`
	ActivePhase    *PhaseInfo `json:"activePhase,omitempty"`
}

// Progress is the project-level overview returned by the task graph.
type Progress struct {
	ProjectName       string  `json:"projectName"`
	OverallPercent    float64 `json:"overallPercent"`
	MainTaskCount     int     `json:"mainTaskCount"`
	SubTaskCount      int     `json:"subTaskCount"`
	CompletedSubTasks int     `json:"completedSubTasks"`
}

// Activity is what the log-tail sensor reports for one poll.
type Activity struct {
	Found            bool    `json:"found"`
	ExternallyActive bool    `json:"externallyActive"`
	IdleSeconds      float64 `json:"idleSeconds"`
	PendingCalls     int     `json:"pendingCalls"`
	RecentErrors     int     `json:"recentErrors"`
}

// Observation is one classification of the watched screen region.
type Observation struct {
	Label UILabel
	// RegionHash fingerprints the watched region so successive observations
	// can be compared for change.
	RegionHash string
	Raw        string
}

// SignalSnapshot is the fused input to one decision. It lives for one tick.
type SignalSnapshot struct {
	OrchestrationAction       OrchestrationAction
	OrchestrationMessage      string
	SubtaskID                 string
	SubtaskTitle              string
	SubtaskDescription        string
	PhaseID                   string
	PhaseTitle                string
	UILabel                   UILabel
	RegionChanged             bool
	SecondsSinceRegionChanged float64
}

// SnapshotFrom builds a SignalSnapshot from the orchestration signal and the
// UI signal.
func SnapshotFrom(next *NextAction, label UILabel, changed bool, staticSeconds float64) SignalSnapshot {
	s := SignalSnapshot{
		UILabel:                   label,
		RegionChanged:             changed,
		SecondsSinceRegionChanged: staticSeconds,
	}
	if next == nil {
		return s
	}
	s.OrchestrationAction = next.Action
	s.OrchestrationMessage = next.Message
	if next.SubTask != nil {
		s.SubtaskID = next.SubTask.TaskID
		s.SubtaskTitle = next.SubTask.Title
		s.SubtaskDescription = next.SubTask.Description
	}
	if next.Phase != nil {
		s.PhaseID = next.Phase.TaskID
		s.PhaseTitle = next.Phase.Title
	}
	return s
}

// Decision is the single outcome of one tick.
type Decision struct {
	Action          ActionKind `json:"action"`
	Message         string     `json:"message"`
	TaskContent     string     `json:"taskContent,omitempty"`
	TaskID          string     `json:"taskId,omitempty"`
	PhaseID         string     `json:"phaseId,omitempty"`
	CooldownSeconds int        `json:"cooldownSeconds"`
}

// CircuitState is the breaker state derived from the tracker and the clock.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Checkpoint captures enough context to resume an interrupted task.
type Checkpoint struct {
	Timestamp         string `json:"timestamp"`
	ProjectName       string `json:"projectName"`
	PhaseID           string `json:"phaseId"`
	PhaseTitle        string `json:"phaseTitle"`
	TaskID            string `json:"taskId"`
	TaskTitle         string `json:"taskTitle"`
	TaskDesc          string `json:"taskDesc"`
	InterruptReason   string `json:"interruptReason"`
	Summary           string `json:"summary"`
	CheckpointPrompt  string `json:"checkpointPrompt"`
	TemplateVersion   string `json:"templateVersion"`
	CompletedSnapshot string `json:"completedSnapshot"`
	PendingSnapshot   string `json:"pendingSnapshot"`
}

// DeadLetter is a durably recorded failure for which autonomous recovery
// was abandoned.
type DeadLetter struct {
	ID                string            `json:"id"`
	Source            string            `json:"source"`
	Reason            string            `json:"reason"`
	Message           string            `json:"message"`
	PhaseID           string            `json:"phaseId,omitempty"`
	TaskID            string            `json:"taskId,omitempty"`
	RetryAfterSeconds int               `json:"retryAfterSeconds,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Fingerprint       string            `json:"fingerprint"`
	Submitted         bool              `json:"submitted"`
	CreatedAt         int64             `json:"createdAt"`
}

// DeadLetterFilter narrows a dead-letter listing.
type DeadLetterFilter struct {
	Limit   int
	Reason  string
	PhaseID string
	TaskID  string
}

// Memory is one long-term memory entry written to the task graph.
type Memory struct {
	Content       string   `json:"content"`
	MemoryType    string   `json:"memoryType"`
	RelatedTaskID string   `json:"relatedTaskId,omitempty"`
	Tags          []string `json:"tags"`
	Importance    float64  `json:"importance"`
}

// RecallQuery asks the task graph for relevant memories.
type RecallQuery struct {
	Query    string
	Limit    int
	Depth    string
	MinScore float64
}

// Heartbeat reports executor liveness to the task graph.
type Heartbeat struct {
	ExecutorID      string `json:"executorId"`
	Status          string `json:"status"`
	LastScreenState string `json:"lastScreenState,omitempty"`
}

// DecisionEvent is one journaled tick outcome.
type DecisionEvent struct {
	ID                  int64      `json:"id"`
	Tick                int64      `json:"tick"`
	OrchestrationAction string     `json:"orchestrationAction"`
	UILabel             string     `json:"uiLabel"`
	Action              ActionKind `json:"action"`
	Message             string     `json:"message"`
	TaskID              string     `json:"taskId,omitempty"`
	PhaseID             string     `json:"phaseId,omitempty"`
	CreatedAt           int64      `json:"createdAt"`
}

// LogEntry is one line of the operator-facing activity log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}
