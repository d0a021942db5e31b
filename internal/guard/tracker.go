// Package guard contains the admission machinery in front of the dispatch
// pipeline: an abuse tracker deciding who gets hard-blocked, and a per-user
// scheduler bounding rate and concurrency for everyone else.
package guard

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TrackerConfig carries the empirically chosen abuse thresholds. The warn
// tier gives operational visibility before the block tier enforces.
type TrackerConfig struct {
	OriginWarnThreshold  int
	OriginBlockThreshold int
	UserBlockThreshold   int
	OriginRecordMaxAge   time.Duration
	UserRecordMaxAge     time.Duration
	CleanupInterval      time.Duration
}

type usageRecord struct {
	count        int
	requestTypes map[string]int
	firstSeen    time.Time
	lastActivity time.Time
}

// TrackerStats is a point-in-time snapshot for health reporting.
type TrackerStats struct {
	Origins int `json:"origins"`
	Users   int `json:"users"`
}

// Tracker accumulates per-origin and per-user usage and decides admission.
type Tracker struct {
	mu      sync.Mutex
	origins map[string]*usageRecord
	users   map[string]*usageRecord
	cfg     TrackerConfig
	logger  zerolog.Logger
	now     func() time.Time
	stop    chan struct{}
	done    chan struct{}
}

// NewTracker creates a Tracker and starts its periodic cleanup when
// cfg.CleanupInterval is positive.
func NewTracker(cfg TrackerConfig, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		origins: make(map[string]*usageRecord),
		users:   make(map[string]*usageRecord),
		cfg:     cfg,
		logger:  logger.With().Str("component", "guard").Logger(),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go t.cleanupLoop()
	} else {
		close(t.done)
	}
	return t
}

// Track records one request for the given user and origin. originID may be
// empty when the transport does not know the network origin.
func (t *Tracker) Track(userID, originID, requestType string) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if originID != "" {
		rec := t.touchLocked(t.origins, originID, now, t.cfg.OriginRecordMaxAge)
		rec.count++
		rec.requestTypes[requestType]++
		if rec.count == t.cfg.OriginWarnThreshold+1 {
			t.logger.Warn().
				Str("origin", originID).
				Int("count", rec.count).
				Msg("origin crossed warn threshold")
		}
	}

	rec := t.touchLocked(t.users, userID, now, t.cfg.UserRecordMaxAge)
	rec.count++
	rec.requestTypes[requestType]++
}

// ShouldBlock reports whether the user or origin has exceeded its block
// threshold inside the current window. A record whose window has rolled over
// is reset here, so blocking always self-heals with time.
func (t *Tracker) ShouldBlock(userID, originID string) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if originID != "" {
		if rec, ok := t.origins[originID]; ok {
			if t.resetIfStaleLocked(rec, now, t.cfg.OriginRecordMaxAge); rec.count > t.cfg.OriginBlockThreshold {
				t.logger.Warn().Str("origin", originID).Int("count", rec.count).Msg("blocking origin")
				return true
			}
		}
	}

	if rec, ok := t.users[userID]; ok {
		if t.resetIfStaleLocked(rec, now, t.cfg.UserRecordMaxAge); rec.count > t.cfg.UserBlockThreshold {
			t.logger.Warn().Str("user", userID).Int("count", rec.count).Msg("blocking user")
			return true
		}
	}
	return false
}

// Cleanup evicts origin and user records idle past their max age and returns
// how many were removed. It also runs hourly in the background; the blocking
// decision does not depend on it.
func (t *Tracker) Cleanup() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, rec := range t.origins {
		if now.Sub(rec.lastActivity) > t.cfg.OriginRecordMaxAge {
			delete(t.origins, id)
			removed++
		}
	}
	for id, rec := range t.users {
		if now.Sub(rec.lastActivity) > t.cfg.UserRecordMaxAge {
			delete(t.users, id)
			removed++
		}
	}
	return removed
}

// Stats reports current record counts.
func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerStats{Origins: len(t.origins), Users: len(t.users)}
}

// Close stops the background cleanup.
func (t *Tracker) Close() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	<-t.done
}

// SetClock replaces the tracker's time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

func (t *Tracker) touchLocked(records map[string]*usageRecord, id string, now time.Time, maxAge time.Duration) *usageRecord {
	rec, ok := records[id]
	if !ok {
		rec = &usageRecord{
			requestTypes: make(map[string]int),
			firstSeen:    now,
		}
		records[id] = rec
	}
	t.resetIfStaleLocked(rec, now, maxAge)
	rec.lastActivity = now
	return rec
}

// resetIfStaleLocked zeroes the counters of a record whose window has rolled
// over. Counters never go negative; they only reset to zero.
func (t *Tracker) resetIfStaleLocked(rec *usageRecord, now time.Time, maxAge time.Duration) {
	if !rec.lastActivity.IsZero() && now.Sub(rec.lastActivity) > maxAge {
		rec.count = 0
		rec.requestTypes = make(map[string]int)
		rec.firstSeen = now
	}
}

func (t *Tracker) cleanupLoop() {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if removed := t.Cleanup(); removed > 0 {
				t.logger.Debug().Int("removed", removed).Msg("evicted stale abuse records")
			}
		}
	}
}
