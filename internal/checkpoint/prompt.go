package checkpoint

import (
	"fmt"
	"strings"

	"github.com/devplan/autopilot-executor/internal/domain"
)

// TemplateVersion tags checkpoints written by this package.
const TemplateVersion = "v2"

const (
	maxPromptMemories = 5
	memoryWidth       = 200
)

// Request describes the interrupted work a checkpoint is taken for.
type Request struct {
	PhaseID    string
	PhaseTitle string
	TaskID     string
	TaskTitle  string
	TaskDesc   string
	Reason     string
	Memories   []string
}

// PromptInput is everything BuildCheckpointPrompt renders.
type PromptInput struct {
	Request
	ProjectName string
	Summary     string
	Completed   string
	Pending     string
}

// BuildCheckpointPrompt renders the persisted checkpoint prompt.
func BuildCheckpointPrompt(in PromptInput) string {
	desc := in.TaskDesc
	if desc == "" {
		desc = "(none)"
	}

	var b strings.Builder
	b.WriteString("[CHECKPOINT_PROMPT_V2]\n")
	b.WriteString("[CONTEXT]\n")
	fmt.Fprintf(&b, "Project: %s\n", in.ProjectName)
	fmt.Fprintf(&b, "Current phase: %s - %s\n", in.PhaseID, in.PhaseTitle)
	fmt.Fprintf(&b, "Current subtask: %s - %s\n", in.TaskID, in.TaskTitle)
	fmt.Fprintf(&b, "Task description: %s\n", desc)
	fmt.Fprintf(&b, "Latest interrupt reason: %s\n\n", in.Reason)
	writeProgress(&b, in.Completed, in.Pending)
	writeSection(&b, "LAST_N_TURNS_SUMMARY", in.Summary)
	writeSection(&b, "RECALLED_MEMORIES", memoryLines(in.Memories, "- no recalled memories"))
	b.WriteString("[RESUME_STEPS]\n")
	b.WriteString("1) Use the task graph tools to confirm the current subtask status (it may be partially done);\n")
	b.WriteString("2) Fill in only the unfinished parts and verify them minimally;\n")
	b.WriteString("3) When done, sync the task status and move on to the next subtask.")
	return b.String()
}

// BuildFinalRecoveryPrompt merges a checkpoint with freshly recalled
// memories. base overrides the checkpoint's own prompt when non-empty. An
// empty recall still yields a complete prompt.
func BuildFinalRecoveryPrompt(cp domain.Checkpoint, memories []string, base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = strings.TrimSpace(cp.CheckpointPrompt)
	}

	var b strings.Builder
	b.WriteString("[FINAL_RECOVERY_PROMPT_V1]\n")
	b.WriteString("[CONTEXT]\n")
	fmt.Fprintf(&b, "Project: %s\n", cp.ProjectName)
	fmt.Fprintf(&b, "Current phase: %s - %s\n", cp.PhaseID, cp.PhaseTitle)
	fmt.Fprintf(&b, "Current subtask: %s - %s\n", cp.TaskID, cp.TaskTitle)
	fmt.Fprintf(&b, "Latest interrupt reason: %s\n\n", cp.InterruptReason)
	writeProgress(&b, cp.CompletedSnapshot, cp.PendingSnapshot)
	writeSection(&b, "LAST_N_TURNS_SUMMARY", cp.Summary)
	writeSection(&b, "RECALLED_MEMORIES", memoryLines(memories, "- no new key memories"))
	writeSection(&b, "CHECKPOINT_PROMPT_BASE", base)
	b.WriteString("[RESUME_STEPS]\n")
	b.WriteString("1) Confirm the current subtask status first;\n")
	b.WriteString("2) Fill in only the unfinished parts and verify them;\n")
	b.WriteString("3) When done, sync the task status and continue.")
	return b.String()
}

func writeProgress(b *strings.Builder, completed, pending string) {
	b.WriteString("[PROGRESS_SNAPSHOT]\n")
	fmt.Fprintf(b, "Completed: %s\n", completed)
	fmt.Fprintf(b, "Pending: %s\n\n", pending)
}

func writeSection(b *strings.Builder, name, body string) {
	fmt.Fprintf(b, "[%s]\n%s\n\n", name, body)
}

// DedupMemories trims, drops blanks and duplicates, caps each entry at 200
// runes and keeps at most five.
func DedupMemories(memories []string) []string {
	seen := make(map[string]struct{}, len(memories))
	var out []string
	for _, m := range memories {
		k := strings.TrimSpace(m)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, truncateRunes(k, memoryWidth))
		if len(out) >= maxPromptMemories {
			break
		}
	}
	return out
}

func memoryLines(memories []string, empty string) string {
	kept := DedupMemories(memories)
	if len(kept) == 0 {
		return empty
	}
	lines := make([]string, len(kept))
	for i, m := range kept {
		lines[i] = "- " + m
	}
	return strings.Join(lines, "\n")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
