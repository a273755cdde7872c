package sensor

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/devplan/autopilot-executor/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock { return &testClock{t: time.Unix(1_700_000_000, 0)} }

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func obs(label domain.UILabel, hash string) domain.Observation {
	return domain.Observation{Label: label, RegionHash: hash}
}

func TestRegionTracker_ChangeAndStaticSeconds(t *testing.T) {
	tr := NewRegionTracker(4, nil)
	clock := newTestClock()

	first := tr.Observe(obs(domain.LabelGenerating, "a"), clock.now())
	assert.True(t, first.Changed, "first observation has no baseline")
	assert.Zero(t, first.StaticSeconds)

	clock.advance(10 * time.Second)
	same := tr.Observe(obs(domain.LabelGenerating, "a"), clock.now())
	assert.False(t, same.Changed)
	assert.Equal(t, 10.0, same.StaticSeconds)

	clock.advance(5 * time.Second)
	moved := tr.Observe(obs(domain.LabelGenerating, "b"), clock.now())
	assert.True(t, moved.Changed)
	assert.Zero(t, moved.StaticSeconds)
}

func TestRegionTracker_StallAfterThreshold(t *testing.T) {
	tr := NewRegionTracker(3, nil)
	clock := newTestClock()

	tr.Observe(obs(domain.LabelIdle, "x"), clock.now())
	var labels []domain.UILabel
	for i := 0; i < 4; i++ {
		clock.advance(10 * time.Second)
		labels = append(labels, tr.Observe(obs(domain.LabelIdle, "x"), clock.now()).Label)
	}
	assert.Equal(t, []domain.UILabel{
		domain.LabelIdle, domain.LabelIdle, domain.LabelResponseStall, domain.LabelResponseStall,
	}, labels)

	// Any change resets the count.
	clock.advance(time.Second)
	assert.Equal(t, domain.LabelIdle, tr.Observe(obs(domain.LabelIdle, "y"), clock.now()).Label)
	clock.advance(time.Second)
	st := tr.Observe(obs(domain.LabelIdle, "y"), clock.now())
	assert.Equal(t, domain.LabelIdle, st.Label)
	assert.Equal(t, 1, st.StaticCount)
}

func TestRegionTracker_NonIdleResetsAndMarkActive(t *testing.T) {
	tr := NewRegionTracker(2, nil)
	clock := newTestClock()

	tr.Observe(obs(domain.LabelIdle, "x"), clock.now())
	tr.Observe(obs(domain.LabelIdle, "x"), clock.now())
	st := tr.Observe(obs(domain.LabelUnknown, "x"), clock.now())
	assert.Zero(t, st.StaticCount)
	assert.Equal(t, domain.LabelUnknown, st.Label)

	tr.Observe(obs(domain.LabelIdle, "x"), clock.now())
	clock.advance(30 * time.Second)
	tr.MarkActive(clock.now())
	st = tr.Observe(obs(domain.LabelIdle, "x"), clock.now())
	assert.Equal(t, domain.LabelIdle, st.Label, "MarkActive resets the stall count")
	assert.Zero(t, st.StaticSeconds)
}

func TestRegionTracker_StaticSecondsIsReadOnly(t *testing.T) {
	tr := NewRegionTracker(2, nil)
	clock := newTestClock()
	assert.Zero(t, tr.StaticSeconds(clock.now()))

	tr.Observe(obs(domain.LabelIdle, "x"), clock.now())
	clock.advance(40 * time.Second)
	assert.Equal(t, 40.0, tr.StaticSeconds(clock.now()))
	assert.Equal(t, 40.0, tr.StaticSeconds(clock.now()))

	clock.advance(5 * time.Second)
	st := tr.Observe(obs(domain.LabelIdle, "x"), clock.now())
	assert.False(t, st.Changed)
	assert.Equal(t, 45.0, st.StaticSeconds)
	assert.Equal(t, 1, st.StaticCount)
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func startMonitor(t *testing.T, idle time.Duration) (*LogMonitor, string, *testClock) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "renderer.log")
	writeLines(t, path, "2026-01-01 [info] Tracked tool call start - old-1 (read_file)")

	clock := newTestClock()
	m := NewLogMonitor(path, idle, WithMonitorClock(clock.now))
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m, path, clock
}

func TestParseLogLine(t *testing.T) {
	cases := []struct {
		line string
		kind logEventKind
		id   string
	}{
		{"[info] ToolCallEventService: Tracked tool call start - tc_1 (edit_file)", eventToolStart, "tc_1"},
		{"[info] ToolCallEventService: Tracked tool call end - tc_1", eventToolEnd, "tc_1"},
		{"[warn] ToolCallEventService: Failed to send tool call event", eventToolFailed, ""},
		{"[error] [aborted] read ECONNRESET", eventNetworkError, ""},
		{"[ERROR] socket hang up", eventNetworkError, ""},
		{"[info] ECONNRESET mentioned without error tag", 0, ""},
		{"plain line", 0, ""},
	}
	for _, tc := range cases {
		kind, id := parseLogLine(tc.line)
		assert.Equal(t, tc.kind, kind, tc.line)
		assert.Equal(t, tc.id, id, tc.line)
	}
}

func TestLogMonitor_SkipsExistingContent(t *testing.T) {
	m, _, _ := startMonitor(t, 30*time.Second)

	act := m.Poll()
	assert.True(t, act.Found)
	assert.False(t, act.ExternallyActive)
	assert.Zero(t, act.PendingCalls)
}

func TestLogMonitor_ToolCallLifecycle(t *testing.T) {
	m, path, clock := startMonitor(t, 30*time.Second)

	writeLines(t, path,
		"[info] Tracked tool call start - tc_1 (edit_file)",
		"[info] Tracked tool call start - tc_2 (grep)",
		"[info] Tracked tool call end - tc_1",
	)
	act := m.Poll()
	assert.True(t, act.ExternallyActive)
	assert.Equal(t, 1, act.PendingCalls)

	writeLines(t, path, "[info] Tracked tool call end - tc_2")
	m.Poll()
	clock.advance(31 * time.Second)
	act = m.Poll()
	assert.False(t, act.ExternallyActive)
	assert.Zero(t, act.PendingCalls)
	assert.InDelta(t, 31.0, act.IdleSeconds, 0.001)
}

func TestLogMonitor_ErrorWindow(t *testing.T) {
	m, path, clock := startMonitor(t, 30*time.Second)

	writeLines(t, path,
		"[error] [aborted] read ECONNRESET",
		"[warn] Failed to send tool call event",
	)
	assert.Equal(t, 2, m.Poll().RecentErrors)

	clock.advance(61 * time.Second)
	assert.Zero(t, m.Poll().RecentErrors)
}

func TestLogMonitor_Truncation(t *testing.T) {
	m, path, _ := startMonitor(t, 30*time.Second)

	require.NoError(t, os.WriteFile(path, []byte("[info] Tracked tool call start - tc_9 (run)\n"), 0o644))
	act := m.Poll()
	assert.Equal(t, 1, act.PendingCalls, "truncated log is re-read from the start")
}

func TestLogMonitor_PartialLine(t *testing.T) {
	m, path, _ := startMonitor(t, 30*time.Second)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("[info] Tracked tool call start - tc_")
	require.NoError(t, err)
	assert.Zero(t, m.Poll().PendingCalls)

	_, err = f.WriteString("5 (edit)\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, 1, m.Poll().PendingCalls)
}

func TestLogMonitor_MissingFile(t *testing.T) {
	m := NewLogMonitor(filepath.Join(t.TempDir(), "nope.log"), time.Second)
	err := m.Start()
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSensorUnavailable))
	assert.False(t, m.Poll().Found)
	m.Stop()
}

func TestDiscoverRendererLog(t *testing.T) {
	root := t.TempDir()
	assert.Empty(t, DiscoverRendererLog(root))
	assert.Empty(t, DiscoverRendererLog(""))

	for _, session := range []string{"20260101T100000", "20260102T090000", "20260103T080000"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, session, "window1"), 0o755))
	}
	older := filepath.Join(root, "20260102T090000", "window1", "renderer.log")
	require.NoError(t, os.WriteFile(older, nil, 0o644))
	assert.Equal(t, older, DiscoverRendererLog(root), "newest session without a log is skipped")

	newest := filepath.Join(root, "20260103T080000", "window1", "renderer.log")
	require.NoError(t, os.WriteFile(newest, nil, 0o644))
	assert.Equal(t, newest, DiscoverRendererLog(root))
}
