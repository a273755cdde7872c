// Package sensor turns raw UI and log observations into the signals the
// decision engine consumes.
package sensor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devplan/autopilot-executor/internal/domain"
)

// RegionState is the fused view of one observation.
type RegionState struct {
	Label         domain.UILabel `json:"label"`
	Changed       bool           `json:"changed"`
	StaticSeconds float64        `json:"staticSeconds"`
	// StaticCount counts consecutive idle observations with no change.
	StaticCount int `json:"staticCount"`
}

// RegionTracker compares successive region fingerprints. Consecutive idle
// observations with no change accumulate until stallThreshold is reached,
// at which point the label is promoted to RESPONSE_STALL.
type RegionTracker struct {
	stallThreshold int
	logger         *zap.Logger

	mu           sync.Mutex
	seen         bool
	lastHash     string
	lastChangeAt time.Time
	staticCount  int
}

// NewRegionTracker creates a tracker. A threshold below 1 is treated as 1.
func NewRegionTracker(stallThreshold int, logger *zap.Logger) *RegionTracker {
	if stallThreshold < 1 {
		stallThreshold = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegionTracker{stallThreshold: stallThreshold, logger: logger}
}

// Observe folds obs into the tracker. The first observation has no baseline
// and counts as a change.
func (t *RegionTracker) Observe(obs domain.Observation, now time.Time) RegionState {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := !t.seen || obs.RegionHash != t.lastHash
	t.seen = true
	t.lastHash = obs.RegionHash
	if changed {
		t.lastChangeAt = now
	}

	label := obs.Label
	if label == domain.LabelIdle && !changed {
		t.staticCount++
		if t.staticCount >= t.stallThreshold {
			t.logger.Warn("region static while idle, reporting stall",
				zap.Int("static_count", t.staticCount))
			label = domain.LabelResponseStall
		}
	} else {
		if t.staticCount > 0 {
			t.logger.Debug("region activity resumed", zap.Int("previous_static_count", t.staticCount))
		}
		t.staticCount = 0
	}

	return RegionState{
		Label:         label,
		Changed:       changed,
		StaticSeconds: now.Sub(t.lastChangeAt).Seconds(),
		StaticCount:   t.staticCount,
	}
}

// MarkActive records activity seen through another channel without a
// region fingerprint. It resets the stall count and the change clock.
func (t *RegionTracker) MarkActive(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastChangeAt = now
	t.staticCount = 0
}

// StaticSeconds reports how long the region has been unchanged as of now
// without recording an observation. Before any observation it is zero.
func (t *RegionTracker) StaticSeconds(now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.seen {
		return 0
	}
	return now.Sub(t.lastChangeAt).Seconds()
}
