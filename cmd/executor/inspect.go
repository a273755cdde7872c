package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devplan/autopilot-executor/internal/checkpoint"
	"github.com/devplan/autopilot-executor/internal/config"
	"github.com/devplan/autopilot-executor/internal/devplan"
	"github.com/devplan/autopilot-executor/internal/domain"
	"github.com/devplan/autopilot-executor/internal/store"
)

var (
	historyLimit  int
	dlLimit       int
	dlRemote      bool
	dlReason      string
	dlPhase       string
	decisionLimit int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task graph progress, the latest checkpoint and recent decisions",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect recovery checkpoints",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the latest checkpoint and its recovery prompt",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointShow,
}

var checkpointHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent checkpoints, newest last",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointHistory,
}

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List dead letters from the local journal or the task graph",
	Args:  cobra.NoArgs,
	RunE:  runDeadLetters,
}

func init() {
	statusCmd.Flags().IntVar(&decisionLimit, "decisions", 5, "number of recent decisions to show")
	checkpointHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of checkpoints to show")
	checkpointCmd.AddCommand(checkpointShowCmd, checkpointHistoryCmd)

	deadLettersCmd.Flags().IntVarP(&dlLimit, "limit", "n", 20, "maximum entries")
	deadLettersCmd.Flags().BoolVar(&dlRemote, "remote", false, "query the task graph instead of the local journal")
	deadLettersCmd.Flags().StringVar(&dlReason, "reason", "", "filter by reason")
	deadLettersCmd.Flags().StringVar(&dlPhase, "phase", "", "filter by phase id")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout())
	defer cancel()

	client := devplan.NewClient(cfg.DevplanBaseURL(), cfg.ProjectName, cfg.RequestTimeout())
	progress, err := client.Progress(ctx)
	if err != nil {
		fmt.Fprintf(out, "task graph %s: unreachable (%v)\n", cfg.DevplanBaseURL(), err)
	} else {
		fmt.Fprintf(out, "project %s: %.0f%% (%d/%d subtasks, %d main tasks)\n",
			progress.ProjectName, progress.OverallPercent,
			progress.CompletedSubTasks, progress.SubTaskCount, progress.MainTaskCount)
		if phase, err := client.CurrentPhase(ctx); err == nil && phase.HasActivePhase && phase.ActivePhase != nil {
			ap := phase.ActivePhase
			fmt.Fprintf(out, "current phase: %s - %s (%d/%d)\n", ap.TaskID, ap.Title, ap.CompletedSubtasks, ap.TotalSubtasks)
		} else {
			fmt.Fprintln(out, "current phase: none")
		}
	}

	db, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if cps, err := checkpoint.New(cfg.LogDir, cfg.ProjectName, checkpoint.WithLogger(zap.NewNop())); err == nil {
		if cp, err := cps.LoadCheckpoint(); err == nil && cp != nil {
			fmt.Fprintf(out, "latest checkpoint: %s %s/%s (%s)\n", cp.Timestamp, cp.PhaseID, cp.TaskID, cp.InterruptReason)
		}
	}

	var hbRepo store.HeartbeatRepo
	if hb, err := hbRepo.Latest(ctx, db, cfg.ExecutorID); err == nil && hb != nil {
		fmt.Fprintf(out, "last heartbeat: %s (%s, delivered=%t) at %s\n",
			hb.Status, hb.LastScreenState, hb.Delivered, formatUnix(hb.CreatedAt))
	}

	var decRepo store.DecisionRepo
	events, err := decRepo.ListRecent(ctx, db, decisionLimit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "no decisions recorded")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TICK\tTIME\tSIGNAL\tLABEL\tDECISION\tMESSAGE")
	for _, ev := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", ev.Tick, formatUnix(ev.CreatedAt),
			ev.OrchestrationAction, ev.UILabel, ev.Action, truncate(ev.Message, 70))
	}
	return tw.Flush()
}

func runCheckpointShow(cmd *cobra.Command, _ []string) error {
	cps, err := openCheckpoints()
	if err != nil {
		return err
	}
	cp, err := cps.LoadCheckpoint()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if cp == nil {
		fmt.Fprintln(out, "no checkpoint recorded")
		return nil
	}
	if err := writeIndented(out, cp); err != nil {
		return err
	}
	if prompt := cps.LoadLatestCheckpointPrompt(); prompt != "" {
		fmt.Fprintf(out, "\n--- recovery prompt ---\n%s\n", prompt)
	}
	return nil
}

func runCheckpointHistory(cmd *cobra.Command, _ []string) error {
	cps, err := openCheckpoints()
	if err != nil {
		return err
	}
	history, err := cps.History(historyLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(history) == 0 {
		fmt.Fprintln(out, "no checkpoint history")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tPHASE\tTASK\tREASON\tTEMPLATE")
	for _, cp := range history {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", cp.Timestamp, cp.PhaseID, cp.TaskID, cp.InterruptReason, cp.TemplateVersion)
	}
	return tw.Flush()
}

func runDeadLetters(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	filter := domain.DeadLetterFilter{Limit: dlLimit, Reason: dlReason, PhaseID: dlPhase}

	var items []domain.DeadLetter
	if dlRemote {
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout())
		defer cancel()
		client := devplan.NewClient(cfg.DevplanBaseURL(), cfg.ProjectName, cfg.RequestTimeout())
		items, err = client.ListDeadLetters(ctx, filter)
	} else {
		var db *sql.DB
		db, err = openJournal(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		var repo store.DeadLetterRepo
		items, err = repo.List(cmd.Context(), db, filter)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "no dead letters")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tREASON\tPHASE\tTASK\tSUBMITTED\tMESSAGE")
	for _, dl := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", formatUnix(dl.CreatedAt), dl.Reason,
			dl.PhaseID, dl.TaskID, dl.Submitted, truncate(dl.Message, 70))
	}
	return tw.Flush()
}

func openJournal(cfg *config.Config) (*sql.DB, error) {
	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func openCheckpoints() (*checkpoint.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return checkpoint.New(cfg.LogDir, cfg.ProjectName,
		checkpoint.WithMaxHistoryLines(cfg.MaxHistoryLines),
		checkpoint.WithLogger(zap.NewNop()),
	)
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).Format(time.RFC3339)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
