package sensor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/devplan/autopilot-executor/internal/domain"
)

var (
	reToolCallStart  = regexp.MustCompile(`Tracked tool call start - (\S+)\s+\(([^)]+)\)`)
	reToolCallEnd    = regexp.MustCompile(`Tracked tool call end - (\S+)`)
	reToolCallFailed = regexp.MustCompile(`Failed to send tool call`)
	reNetworkError   = regexp.MustCompile(`(?i)\[error\].*(?:ECONNRESET|socket hang up|TLS connection|ETIMEDOUT|ENOTFOUND)`)
)

const (
	errorWindow     = 60 * time.Second
	pendingCallTTL  = 5 * time.Minute
	maxReadPerPoll  = 4 << 20
	rendererLogName = "renderer.log"
)

type logEventKind int

const (
	eventToolStart logEventKind = iota + 1
	eventToolEnd
	eventToolFailed
	eventNetworkError
)

// LogMonitorOption configures a LogMonitor.
type LogMonitorOption func(*LogMonitor)

// WithMonitorClock replaces the wall clock.
func WithMonitorClock(now func() time.Time) LogMonitorOption {
	return func(m *LogMonitor) { m.now = now }
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *zap.Logger) LogMonitorOption {
	return func(m *LogMonitor) { m.logger = l }
}

// LogMonitor tails the assistant's renderer log and reports tool-call
// activity and recent network errors. Reads happen both on fsnotify write
// events and on every Poll, so a missed event only delays a line until the
// next tick.
type LogMonitor struct {
	path          string
	discover      bool
	idleThreshold time.Duration
	now           func() time.Time
	logger        *zap.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu            sync.Mutex
	started       bool
	offset        int64
	partial       string
	startedAt     time.Time
	lastEventAt   time.Time
	pending       map[string]time.Time
	recentErrors  []time.Time
	totalCalls    int
	totalFailures int
}

// NewLogMonitor creates a monitor for path. An empty path means the newest
// session log under the user config directory is discovered on Start.
func NewLogMonitor(path string, idleThreshold time.Duration, opts ...LogMonitorOption) *LogMonitor {
	m := &LogMonitor{
		path:          path,
		discover:      path == "",
		idleThreshold: idleThreshold,
		now:           time.Now,
		logger:        zap.NewNop(),
		pending:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the file being tailed, empty until Start succeeds.
func (m *LogMonitor) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// Start locates the log, skips to its end and begins watching its
// directory. It returns ErrSensorUnavailable when no log can be found.
func (m *LogMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	if m.discover {
		m.path = DiscoverRendererLog(defaultLogsRoot())
	}
	if m.path == "" {
		return domain.NewEngineError(domain.ErrSensorUnavailable.Code, "renderer log not found")
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return domain.WrapEngineError(domain.ErrSensorUnavailable.Code, "stat renderer log", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return domain.WrapEngineError(domain.ErrSensorUnavailable.Code, "create watcher", err)
	}
	// Watch the directory so truncation and recreation are both visible.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return domain.WrapEngineError(domain.ErrSensorUnavailable.Code, "watch log directory", err)
	}

	m.watcher = watcher
	m.offset = info.Size()
	m.startedAt = m.now()
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.started = true
	go m.watchLoop(watcher, m.stopCh, m.doneCh)

	m.logger.Info("log monitor started", zap.String("path", m.path), zap.Int64("offset", m.offset))
	return nil
}

// Stop ends the watch goroutine. It is safe to call more than once.
func (m *LogMonitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	done := m.doneCh
	watcher := m.watcher
	m.mu.Unlock()

	_ = watcher.Close()
	<-done
}

func (m *LogMonitor) watchLoop(watcher *fsnotify.Watcher, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.Path()) {
				continue
			}
			m.mu.Lock()
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				m.resetLocked("log recreated")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && m.started {
				m.readLocked()
			}
			m.mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Debug("log watcher error", zap.Error(err))
		}
	}
}

// Poll reads any new lines and returns the current activity.
func (m *LogMonitor) Poll() domain.Activity {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return domain.Activity{}
	}
	m.readLocked()

	now := m.now()
	m.expireLocked(now)

	var idle float64
	if m.lastEventAt.IsZero() {
		idle = now.Sub(m.startedAt).Seconds()
	} else {
		idle = now.Sub(m.lastEventAt).Seconds()
	}
	sawEvent := !m.lastEventAt.IsZero()
	active := len(m.pending) > 0 || (sawEvent && now.Sub(m.lastEventAt) < m.idleThreshold)

	return domain.Activity{
		Found:            true,
		ExternallyActive: active,
		IdleSeconds:      idle,
		PendingCalls:     len(m.pending),
		RecentErrors:     len(m.recentErrors),
	}
}

// readLocked consumes bytes appended since the last read. A file smaller
// than the read offset was truncated and is re-read from the start.
func (m *LogMonitor) readLocked() {
	f, err := os.Open(m.path)
	if err != nil {
		m.rediscoverLocked()
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < m.offset {
		m.resetLocked("log truncated")
	}
	if info.Size() == m.offset {
		return
	}

	if _, err := f.Seek(m.offset, io.SeekStart); err != nil {
		return
	}
	buf, err := io.ReadAll(io.LimitReader(f, maxReadPerPoll))
	if err != nil {
		m.logger.Debug("read renderer log", zap.Error(err))
		return
	}
	m.offset += int64(len(buf))

	data := m.partial + string(buf)
	lines := strings.Split(data, "\n")
	m.partial = lines[len(lines)-1]
	now := m.now()
	for _, line := range lines[:len(lines)-1] {
		m.handleLineLocked(strings.TrimRight(line, "\r"), now)
	}
}

func (m *LogMonitor) resetLocked(reason string) {
	if m.offset == 0 && m.partial == "" {
		return
	}
	m.logger.Info("resetting log read position", zap.String("reason", reason))
	m.offset = 0
	m.partial = ""
}

func (m *LogMonitor) rediscoverLocked() {
	if !m.discover {
		return
	}
	next := DiscoverRendererLog(defaultLogsRoot())
	if next == "" || next == m.path {
		return
	}
	m.logger.Info("switching to newer renderer log", zap.String("path", next))
	if m.watcher != nil {
		_ = m.watcher.Remove(filepath.Dir(m.path))
		_ = m.watcher.Add(filepath.Dir(next))
	}
	m.path = next
	m.offset = 0
	m.partial = ""
}

func (m *LogMonitor) handleLineLocked(line string, now time.Time) {
	kind, callID := parseLogLine(line)
	if kind == 0 {
		return
	}
	m.lastEventAt = now

	switch kind {
	case eventToolStart:
		m.pending[callID] = now
		m.totalCalls++
	case eventToolEnd:
		delete(m.pending, callID)
	case eventToolFailed, eventNetworkError:
		m.totalFailures++
		m.recentErrors = append(m.recentErrors, now)
		m.logger.Warn("assistant log reported a failure", zap.String("line", truncateLine(line)))
	}
}

func (m *LogMonitor) expireLocked(now time.Time) {
	cutoff := now.Add(-errorWindow)
	keep := m.recentErrors[:0]
	for _, at := range m.recentErrors {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	m.recentErrors = keep

	stale := now.Add(-pendingCallTTL)
	for id, at := range m.pending {
		if at.Before(stale) {
			delete(m.pending, id)
		}
	}
}

func parseLogLine(line string) (logEventKind, string) {
	if mt := reToolCallStart.FindStringSubmatch(line); mt != nil {
		return eventToolStart, mt[1]
	}
	if mt := reToolCallEnd.FindStringSubmatch(line); mt != nil {
		return eventToolEnd, mt[1]
	}
	if reToolCallFailed.MatchString(line) {
		return eventToolFailed, ""
	}
	if reNetworkError.MatchString(line) {
		return eventNetworkError, ""
	}
	return 0, ""
}

func truncateLine(s string) string {
	if len(s) <= 160 {
		return s
	}
	return s[:160]
}

func defaultLogsRoot() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "Cursor", "logs")
}

// DiscoverRendererLog returns window1/renderer.log from the newest session
// directory under root. Session directories sort by name. It returns ""
// when none exists.
func DiscoverRendererLog(root string) string {
	if root == "" {
		return ""
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	var sessions []string
	for _, e := range entries {
		if e.IsDir() {
			sessions = append(sessions, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(sessions)))
	for _, s := range sessions {
		candidate := filepath.Join(root, s, "window1", rendererLogName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// String describes the monitor for logs.
func (m *LogMonitor) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("LogMonitor(%s, calls=%d, failures=%d)", m.path, m.totalCalls, m.totalFailures)
}
