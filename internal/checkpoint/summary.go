// Package checkpoint records recent loop events, summarizes them and persists
// resumable checkpoints with the prompts used to restore an interrupted task.
package checkpoint

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Event markers written by the runner. The timeline paragraph keys off them.
const (
	MarkOrchestration = "orchestration:"
	MarkUI            = "ui:"
	MarkDecision      = "decision:"
)

const (
	defaultSummaryTurns = 8
	timelineWidth       = 96
	snapshotWidth       = 120
	snapshotWindow      = 12

	noSummary      = "Too few recent events; no summary available."
	noCompletion   = "no explicit completion record"
	pendingUnknown = "to be confirmed (use the task graph query as the source of truth)"
	missingMarkers = "several runtime events were recorded but none carry orchestration/ui/decision markers"
	unknownPhase   = "unknown phase"
	unknownTask    = "unknown subtask"
	unknownReason  = "unspecified"
)

var (
	phasePattern  = regexp.MustCompile(`\bphase-[0-9]+[A-Za-z]?\b`)
	taskPattern   = regexp.MustCompile(`\bT[0-9]+(?:\.[0-9]+)+\b`)
	reasonPattern = regexp.MustCompile(`\b(CONNECTION_ERROR|PROVIDER_ERROR|API_TIMEOUT|RATE_LIMIT|CONTEXT_OVERFLOW|RESPONSE_STALL|RESPONSE_INTERRUPTED)\b`)
)

// Summarize renders the last n events as exactly three paragraphs: context,
// timeline and recommendation. With no events it returns a single fallback
// line.
func Summarize(events []string, n int) string {
	if n < 1 {
		n = 1
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	if len(events) == 0 {
		return noSummary
	}

	joined := strings.Join(events, "\n")
	phase := orDefault(lastMatch(phasePattern, joined), unknownPhase)
	task := orDefault(lastMatch(taskPattern, joined), unknownTask)
	reason := orDefault(lastMatch(reasonPattern, joined), unknownReason)

	return strings.Join([]string{
		"Task context: focused on " + phase + " / " + task + "; the latest interrupt signal is " + reason + ".",
		"Recent activity: " + timeline(events),
		"Recovery advice: " + recommend(joined),
	}, "\n\n")
}

func lastMatch(re *regexp.Regexp, text string) string {
	all := re.FindAllString(text, -1)
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func timeline(events []string) string {
	var chunks []string
	if body, ok := latestBody(events, MarkOrchestration); ok {
		chunks = append(chunks, `orchestration last reported "`+body+`"`)
	}
	if body, ok := latestBody(events, MarkUI); ok {
		chunks = append(chunks, `the UI last signaled "`+body+`"`)
	}
	if body, ok := latestBody(events, MarkDecision); ok {
		chunks = append(chunks, `the decision landed on "`+body+`"`)
	}
	if len(chunks) == 0 {
		chunks = append(chunks, missingMarkers)
	}
	return strings.Join(chunks, "; ") + "."
}

// latestBody returns the compacted text after marker in the newest event
// that contains it.
func latestBody(events []string, marker string) (string, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if _, after, ok := strings.Cut(events[i], marker); ok {
			return compact(strings.TrimSpace(after), timelineWidth), true
		}
	}
	return "", false
}

func recommend(joined string) string {
	switch {
	case strings.Contains(joined, "CONTEXT_OVERFLOW"):
		return "open a new conversation from the checkpoint prompt, merge in recalled task and error memories, then continue."
	case containsAny(joined, "CONNECTION_ERROR", "PROVIDER_ERROR", "API_TIMEOUT", "RATE_LIMIT"):
		return "respect the backoff and circuit breaker cooldown, then resume the current subtask; hand over to an operator if the window is exceeded again."
	case strings.Contains(joined, "RESPONSE_STALL"):
		return "send continue to wake the agent first; if that keeps failing, switch to a new conversation and write a checkpoint."
	default:
		return "verify the current subtask status, then follow the checkpoint prompt steps and report task status back."
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// compact collapses whitespace and truncates to width runes, ending with an
// ellipsis when cut.
func compact(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	r := []rune(s)
	return string(r[:width-1]) + "…"
}

// progressSnapshot extracts weakly structured completed/pending notes from
// the newest events.
func progressSnapshot(events []string) (completed, pending string) {
	if len(events) > snapshotWindow {
		events = events[len(events)-snapshotWindow:]
	}

	var done, open []string
	for _, e := range events {
		lower := strings.ToLower(e)
		if strings.Contains(lower, "completed") {
			done = append(done, compact(e, snapshotWidth))
		}
		if containsAny(lower, "pending", "send_task", "wait", "in_progress") {
			open = append(open, compact(e, snapshotWidth))
		}
	}

	completed, pending = noCompletion, pendingUnknown
	if len(done) > 0 {
		completed = strings.Join(lastN(done, 2), "; ")
	}
	if len(open) > 0 {
		pending = strings.Join(lastN(open, 2), "; ")
	}
	return completed, pending
}

func lastN(s []string, n int) []string {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
