package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devplan/autopilot-executor/internal/domain"
)

// File names under the log directory.
const (
	RecordFile  = "checkpoint_prompt.json"
	PromptFile  = "checkpoint_prompt.txt"
	HistoryFile = "checkpoint_history.jsonl"
)

const (
	DefaultMaxEvents       = 20
	DefaultMaxHistoryLines = 200
)

// Option customizes a Store.
type Option func(*Store)

// WithMaxEvents sets the event ring buffer capacity.
func WithMaxEvents(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEvents = n
		}
	}
}

// WithMaxHistoryLines caps checkpoint_history.jsonl.
func WithMaxHistoryLines(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// WithClock replaces the wall clock used for checkpoint timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store keeps the recent event ring buffer and the checkpoint files.
type Store struct {
	dir         string
	projectName string
	maxEvents   int
	maxHistory  int
	now         func() time.Time
	logger      *zap.Logger
	write       func(path string, data []byte) error

	mu     sync.Mutex
	events []string
}

// New creates the log directory if needed and returns a Store rooted there.
func New(dir, projectName string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "create checkpoint dir", err)
	}
	s := &Store{
		dir:         dir,
		projectName: projectName,
		maxEvents:   DefaultMaxEvents,
		maxHistory:  DefaultMaxHistoryLines,
		now:         time.Now,
		logger:      zap.NewNop(),
		write:       writeAtomic,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory holding the checkpoint files.
func (s *Store) Dir() string { return s.dir }

// RecordEvent appends text to the ring buffer. Blank events are dropped.
func (s *Store) RecordEvent(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, text)
	if over := len(s.events) - s.maxEvents; over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
	}
}

// Events returns a copy of the buffered events, oldest first.
func (s *Store) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// SummarizeLastTurns summarizes the newest n buffered events.
func (s *Store) SummarizeLastTurns(n int) string {
	return Summarize(s.Events(), n)
}

// CreateAndPersistCheckpoint builds a checkpoint, writes it and returns it.
// The returned checkpoint is valid even when persisting fails.
func (s *Store) CreateAndPersistCheckpoint(req Request) (domain.Checkpoint, error) {
	cp := s.Build(req)
	return cp, s.Save(cp)
}

// Build snapshots the buffered events into a checkpoint without writing it.
func (s *Store) Build(req Request) domain.Checkpoint {
	events := s.Events()
	summary := Summarize(events, defaultSummaryTurns)
	completed, pending := progressSnapshot(events)

	prompt := BuildCheckpointPrompt(PromptInput{
		Request:     req,
		ProjectName: s.projectName,
		Summary:     summary,
		Completed:   completed,
		Pending:     pending,
	})

	return domain.Checkpoint{
		Timestamp:         s.now().Format(time.RFC3339),
		ProjectName:       s.projectName,
		PhaseID:           req.PhaseID,
		PhaseTitle:        req.PhaseTitle,
		TaskID:            req.TaskID,
		TaskTitle:         req.TaskTitle,
		TaskDesc:          req.TaskDesc,
		InterruptReason:   req.Reason,
		Summary:           summary,
		CheckpointPrompt:  prompt,
		TemplateVersion:   TemplateVersion,
		CompletedSnapshot: completed,
		PendingSnapshot:   pending,
	}
}

// Save writes the record, then the prompt mirror, then appends to the
// history log and rotates it. When the mirror cannot be written the old
// mirror is removed so loaders fall back to the new record.
func (s *Store) Save(cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "marshal checkpoint", err)
	}
	if err := s.write(s.path(RecordFile), record); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "write checkpoint record", err)
	}
	if err := s.write(s.path(PromptFile), []byte(cp.CheckpointPrompt+"\n")); err != nil {
		if rmErr := os.Remove(s.path(PromptFile)); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Error("stale checkpoint prompt mirror left behind", zap.Error(rmErr))
		}
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "write checkpoint prompt", err)
	}

	line, err := json.Marshal(cp)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "marshal history line", err)
	}
	if err := appendLine(s.path(HistoryFile), line); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "append checkpoint history", err)
	}
	if err := s.rotateHistory(); err != nil {
		s.logger.Error("checkpoint history rotation failed", zap.Error(err))
	}

	s.logger.Info("checkpoint saved",
		zap.String("phase_id", cp.PhaseID),
		zap.String("task_id", cp.TaskID),
		zap.String("reason", cp.InterruptReason),
	)
	return nil
}

// rotateHistory keeps the newest ceil(max/2) lines once the log grows past
// max. Callers hold s.mu.
func (s *Store) rotateHistory() error {
	lines, err := readLines(s.path(HistoryFile))
	if err != nil {
		return err
	}
	if len(lines) <= s.maxHistory {
		return nil
	}
	keep := lines[len(lines)-(s.maxHistory+1)/2:]
	if err := writeAtomic(s.path(HistoryFile), []byte(strings.Join(keep, "\n")+"\n")); err != nil {
		return err
	}
	s.logger.Info("checkpoint history rotated", zap.Int("from", len(lines)), zap.Int("to", len(keep)))
	return nil
}

// LoadCheckpoint returns the persisted checkpoint, or nil when none exists.
func (s *Store) LoadCheckpoint() (*domain.Checkpoint, error) {
	data, err := os.ReadFile(s.path(RecordFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrCheckpointCorrupt.Code, "read checkpoint", err)
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, domain.WrapEngineError(domain.ErrCheckpointCorrupt.Code, "decode checkpoint", err)
	}
	return &cp, nil
}

// LoadLatestCheckpointPrompt returns the prompt ready for injection. It
// prefers the text mirror, falls back to the record's prompt field and
// returns "" when neither is available.
func (s *Store) LoadLatestCheckpointPrompt() string {
	data, err := os.ReadFile(s.path(PromptFile))
	switch {
	case err == nil:
		if text := strings.TrimSpace(string(data)); text != "" {
			return text
		}
	case !errors.Is(err, fs.ErrNotExist):
		s.logger.Warn("read checkpoint prompt mirror failed, falling back to record", zap.Error(err))
	}

	cp, err := s.LoadCheckpoint()
	if err != nil {
		s.logger.Warn("load checkpoint failed", zap.Error(err))
		return ""
	}
	if cp == nil {
		return ""
	}
	return strings.TrimSpace(cp.CheckpointPrompt)
}

// History returns up to limit checkpoints from the history log, newest
// last. limit <= 0 returns every entry. Undecodable lines are skipped.
func (s *Store) History(limit int) ([]domain.Checkpoint, error) {
	s.mu.Lock()
	lines, err := readLines(s.path(HistoryFile))
	s.mu.Unlock()
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "read checkpoint history", err)
	}

	out := make([]domain.Checkpoint, 0, len(lines))
	for _, line := range lines {
		var cp domain.Checkpoint
		if err := json.Unmarshal([]byte(line), &cp); err != nil {
			s.logger.Warn("skipping corrupt history line", zap.Error(err))
			continue
		}
		out = append(out, cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func writeAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(name, target); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readLines returns the non-empty lines of path. A missing file has none.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}
