package guard

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MinRequestSpacing: 0,
		MaxConcurrency:    3,
		ReservoirSize:     20,
		ReservoirRefill:   20,
		RefillInterval:    time.Minute,
		AdmissionWait:     100 * time.Millisecond,
		IdleStateTTL:      0, // no background GC in tests
	}
}

func TestAcquireRelease(t *testing.T) {
	s := NewScheduler(testSchedulerConfig(), zerolog.Nop())
	defer s.Close()

	release, err := s.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	release()
}

func TestReservoirExhaustionFailsFast(t *testing.T) {
	s := NewScheduler(testSchedulerConfig(), zerolog.Nop())
	defer s.Close()

	for i := 0; i < 20; i++ {
		release, err := s.Acquire(context.Background(), "alice")
		require.NoError(t, err, "request %d should be admitted from the burst budget", i+1)
		release()
	}

	start := time.Now()
	_, err := s.Acquire(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Less(t, time.Since(start), time.Second, "rejection must be fast, not an open-ended queue")
}

func TestReservoirRefills(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.ReservoirSize = 2
	cfg.ReservoirRefill = 2
	cfg.RefillInterval = 50 * time.Millisecond
	cfg.AdmissionWait = time.Second
	s := NewScheduler(cfg, zerolog.Nop())
	defer s.Close()

	for i := 0; i < 2; i++ {
		release, err := s.Acquire(context.Background(), "alice")
		require.NoError(t, err)
		release()
	}

	// Empty reservoir: admission waits for the next refill tick instead of
	// rejecting, since it fits inside AdmissionWait.
	release, err := s.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	release()
}

func TestMinSpacingEnforced(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.MinRequestSpacing = 40 * time.Millisecond
	cfg.AdmissionWait = time.Second
	s := NewScheduler(cfg, zerolog.Nop())
	defer s.Close()

	release, err := s.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	release()

	start := time.Now()
	release, err = s.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	release()
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "second admission should wait out the spacing gap")
}

func TestConcurrencyCap(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.MaxConcurrency = 1
	s := NewScheduler(cfg, zerolog.Nop())
	defer s.Close()

	release, err := s.Acquire(context.Background(), "alice")
	require.NoError(t, err)

	// Slot held: the second admission cannot get the semaphore in time.
	_, err = s.Acquire(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrRateLimited)

	release()
	release, err = s.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	release()
}

func TestUsersIndependent(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.ReservoirSize = 1
	cfg.ReservoirRefill = 1
	s := NewScheduler(cfg, zerolog.Nop())
	defer s.Close()

	release, err := s.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	release()

	// Alice's empty reservoir does not affect Bob.
	release, err = s.Acquire(context.Background(), "bob")
	require.NoError(t, err)
	release()
}

func TestIdleStateGC(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.IdleStateTTL = 0
	s := NewScheduler(cfg, zerolog.Nop())
	defer s.Close()

	release, err := s.Acquire(context.Background(), "alice")
	require.NoError(t, err)

	// Outstanding work: state survives GC.
	s.cfg.IdleStateTTL = time.Nanosecond
	time.Sleep(time.Millisecond)
	assert.Equal(t, 0, s.GC())
	assert.Equal(t, 1, s.Stats().TrackedUsers)

	release()
	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, s.GC())
	assert.Equal(t, 0, s.Stats().TrackedUsers)
}
