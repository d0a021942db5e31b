package guard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrRateLimited is returned when a request cannot be admitted within the
// bounded wait. Callers get a fast "try again later", never an open-ended
// queue position.
var ErrRateLimited = errors.New("rate limited")

// SchedulerConfig tunes the per-user admission scheduler.
type SchedulerConfig struct {
	MinRequestSpacing time.Duration
	MaxConcurrency    int64
	ReservoirSize     int           // burst budget
	ReservoirRefill   int           // tokens regenerated per RefillInterval
	RefillInterval    time.Duration
	AdmissionWait     time.Duration // hard cap on time spent waiting for a slot
	IdleStateTTL      time.Duration // idle user state is dropped after this
}

type userState struct {
	mu         sync.Mutex
	sem        *semaphore.Weighted
	tokens     int
	lastRefill time.Time
	lastStart  time.Time
	active     int
	waiters    int
	lastTouch  time.Time
}

// SchedulerStats is a point-in-time snapshot for health reporting.
type SchedulerStats struct {
	TrackedUsers int `json:"tracked_users"`
}

// Scheduler enforces minimum spacing, a concurrency cap and a refillable
// reservoir per user. State for users with no outstanding or queued work is
// garbage-collected after IdleStateTTL.
type Scheduler struct {
	mu     sync.Mutex
	users  map[string]*userState
	cfg    SchedulerConfig
	logger zerolog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// NewScheduler creates a Scheduler and starts its idle-state garbage
// collector when cfg.IdleStateTTL is positive.
func NewScheduler(cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	s := &Scheduler{
		users:  make(map[string]*userState),
		cfg:    cfg,
		logger: logger.With().Str("component", "scheduler").Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.IdleStateTTL > 0 {
		go s.gcLoop()
	} else {
		close(s.done)
	}
	return s
}

// Acquire admits one request for userID, waiting at most AdmissionWait for a
// token, the spacing gap and a concurrency slot combined. On success the
// returned release function must be called when the request finishes. On
// failure it returns ErrRateLimited.
func (s *Scheduler) Acquire(ctx context.Context, userID string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AdmissionWait)
	defer cancel()

	st := s.state(userID)
	st.mu.Lock()
	st.waiters++
	st.mu.Unlock()

	admitted := false
	defer func() {
		st.mu.Lock()
		st.waiters--
		st.lastTouch = time.Now()
		if admitted {
			st.active++
		}
		st.mu.Unlock()
	}()

	for {
		now := time.Now()
		st.mu.Lock()
		st.refillLocked(now, s.cfg)

		if st.tokens > 0 {
			gap := s.cfg.MinRequestSpacing - now.Sub(st.lastStart)
			if gap <= 0 {
				st.tokens--
				st.lastStart = now
				st.mu.Unlock()
				break
			}
			st.mu.Unlock()
			if err := sleepCtx(ctx, gap); err != nil {
				return nil, ErrRateLimited
			}
			continue
		}

		// Reservoir empty: wait for the next refill tick.
		wait := st.lastRefill.Add(s.cfg.RefillInterval).Sub(now)
		st.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, ErrRateLimited
		}
	}

	if err := st.sem.Acquire(ctx, 1); err != nil {
		return nil, ErrRateLimited
	}
	admitted = true

	release := func() {
		st.sem.Release(1)
		st.mu.Lock()
		st.active--
		st.lastTouch = time.Now()
		st.mu.Unlock()
	}
	return release, nil
}

// GC drops state for users with no outstanding or queued work that have been
// idle past IdleStateTTL. Returns how many states were removed.
func (s *Scheduler) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, st := range s.users {
		st.mu.Lock()
		idle := st.active == 0 && st.waiters == 0 && time.Since(st.lastTouch) > s.cfg.IdleStateTTL
		st.mu.Unlock()
		if idle {
			delete(s.users, id)
			removed++
		}
	}
	return removed
}

// Stats reports how many users currently hold scheduler state.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{TrackedUsers: len(s.users)}
}

// Close stops the garbage collector.
func (s *Scheduler) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *Scheduler) state(userID string) *userState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.users[userID]
	if !ok {
		st = &userState{
			sem:        semaphore.NewWeighted(s.cfg.MaxConcurrency),
			tokens:     s.cfg.ReservoirSize,
			lastRefill: time.Now(),
			lastTouch:  time.Now(),
		}
		s.users[userID] = st
	}
	return st
}

func (st *userState) refillLocked(now time.Time, cfg SchedulerConfig) {
	for now.Sub(st.lastRefill) >= cfg.RefillInterval {
		st.lastRefill = st.lastRefill.Add(cfg.RefillInterval)
		st.tokens += cfg.ReservoirRefill
		if st.tokens > cfg.ReservoirSize {
			st.tokens = cfg.ReservoirSize
		}
	}
}

func (s *Scheduler) gcLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.IdleStateTTL)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if removed := s.GC(); removed > 0 {
				s.logger.Debug().Int("removed", removed).Msg("dropped idle scheduler state")
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
