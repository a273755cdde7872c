// Package guard holds the executor's in-memory gates: fingerprint dedup for
// records that must be written once, interval throttles and a per-key
// actuation rate limit.
package guard

import (
	"strings"
	"sync"
	"time"

	"github.com/devplan/autopilot-executor/internal/domain"
)

// Dedup scopes.
const (
	ScopeDeadLetter    = "dead_letter"
	ScopeMemory        = "memory"
	ScopeStartupResume = "startup_resume"
)

// defaultMaxRemembered bounds each dedup scope.
const defaultMaxRemembered = 256

// GuardConfig holds rate limits.
type GuardConfig struct {
	// ActionsPerMinute caps actuations per key in a 60s window. Zero disables
	// the limit.
	ActionsPerMinute int
	MaxRemembered    int
}

// Guard is safe for concurrent use.
type Guard struct {
	Config GuardConfig

	now func() time.Time

	mu         sync.Mutex
	seen       map[string]*fingerprintSet
	lastRun    map[string]time.Time
	rateCounts map[string]*rateBucket
}

type rateBucket struct {
	count       int
	windowStart int64
}

// fingerprintSet remembers fingerprints in insertion order and evicts the
// oldest once full.
type fingerprintSet struct {
	keys  map[string]struct{}
	order []string
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.MaxRemembered <= 0 {
		cfg.MaxRemembered = defaultMaxRemembered
	}
	return &Guard{
		Config:     cfg,
		now:        time.Now,
		seen:       make(map[string]*fingerprintSet),
		lastRun:    make(map[string]time.Time),
		rateCounts: make(map[string]*rateBucket),
	}
}

// SetClock replaces the wall clock. Intended for tests.
func (g *Guard) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Fingerprint joins parts with "|".
func Fingerprint(parts ...string) string {
	return strings.Join(parts, "|")
}

// FirstTime records fingerprint under scope and reports whether it was new.
// Empty fingerprints are always new and never recorded.
func (g *Guard) FirstTime(scope, fingerprint string) bool {
	if fingerprint == "" {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	set, ok := g.seen[scope]
	if !ok {
		set = &fingerprintSet{keys: make(map[string]struct{})}
		g.seen[scope] = set
	}
	if _, dup := set.keys[fingerprint]; dup {
		return false
	}
	set.keys[fingerprint] = struct{}{}
	set.order = append(set.order, fingerprint)
	if len(set.order) > g.Config.MaxRemembered {
		delete(set.keys, set.order[0])
		set.order = set.order[1:]
	}
	return true
}

// Forget drops a fingerprint so a failed write can be retried later.
func (g *Guard) Forget(scope, fingerprint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.seen[scope]
	if !ok {
		return
	}
	if _, present := set.keys[fingerprint]; !present {
		return
	}
	delete(set.keys, fingerprint)
	for i, k := range set.order {
		if k == fingerprint {
			set.order = append(set.order[:i], set.order[i+1:]...)
			break
		}
	}
}

// Allow reports whether at least interval has passed since key was last
// allowed, and stamps it when so.
func (g *Guard) Allow(key string, interval time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if last, ok := g.lastRun[key]; ok && now.Sub(last) < interval {
		return false
	}
	g.lastRun[key] = now
	return true
}

// CheckRateLimit enforces a per-key sliding window rate limit.
// The window is 60 seconds. If the count exceeds the configured limit,
// ErrRateLimitExceeded is returned.
func (g *Guard) CheckRateLimit(key string) error {
	if g.Config.ActionsPerMinute <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().Unix()
	bucket, ok := g.rateCounts[key]
	if !ok {
		g.rateCounts[key] = &rateBucket{count: 1, windowStart: now}
		return nil
	}

	if now-bucket.windowStart > 60 {
		bucket.count = 1
		bucket.windowStart = now
		return nil
	}

	if bucket.count >= g.Config.ActionsPerMinute {
		return domain.ErrRateLimitExceeded
	}

	bucket.count++
	return nil
}
