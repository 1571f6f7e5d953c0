// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package rotator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/ghostpass/config"
)

// countingRotator counts Rotate calls and returns a canned error.
type countingRotator struct {
	sync.Mutex
	calls int
	err   error
}

func (r *countingRotator) Rotate(ctx context.Context) error {
	r.Lock()
	defer r.Unlock()
	r.calls++
	return r.err
}

func (r *countingRotator) count() int {
	r.Lock()
	defer r.Unlock()
	return r.calls
}

// fixedSampler reports a fixed connection score.
type fixedSampler struct {
	sync.Mutex
	score float64
}

func (s *fixedSampler) Sample(ctx context.Context) (float64, error) {
	s.Lock()
	defer s.Unlock()
	return s.score, nil
}

func (s *fixedSampler) set(score float64) {
	s.Lock()
	defer s.Unlock()
	s.score = score
}

func testScheduler(t *testing.T, r Rotator, sampler Sampler) *Scheduler {
	cfg, err := config.Load([]byte(""))
	require.NoError(t, err)
	s := NewScheduler(cfg, testLogBackend(t), r, sampler)
	s.scheduleCheck = 10 * time.Millisecond
	return s
}

func TestSchedulerManual(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := &countingRotator{}
	s := testScheduler(t, r, nil)
	defer s.Stop()

	// Manual mode rotates once, synchronously, and leaves no loop
	// behind.
	require.NoError(s.SetPolicy(&Policy{Mode: ModeManual}))
	require.Equal(1, r.count())
	time.Sleep(50 * time.Millisecond)
	require.Equal(1, r.count())

	// A manual rotation failure surfaces to the caller.
	r.err = ErrNotConnected
	require.ErrorIs(s.SetPolicy(&Policy{Mode: ModeManual}), ErrNotConnected)
}

func TestSchedulerInterval(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := &countingRotator{}
	s := testScheduler(t, r, nil)

	require.NoError(s.SetPolicy(&Policy{Mode: ModeInterval, Interval: 25 * time.Millisecond}))
	time.Sleep(150 * time.Millisecond)
	s.Stop()
	require.Nil(s.Policy())

	fired := r.count()
	require.GreaterOrEqual(fired, 2)

	// The halted loop fires no more.
	time.Sleep(100 * time.Millisecond)
	require.Equal(fired, r.count())
}

func TestSchedulerIntervalSkipsInFlight(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// A rotation already in progress is skipped, not treated as fatal;
	// the loop keeps running.
	r := &countingRotator{err: ErrRotationInProgress}
	s := testScheduler(t, r, nil)
	defer s.Stop()

	require.NoError(s.SetPolicy(&Policy{Mode: ModeInterval, Interval: 20 * time.Millisecond}))
	time.Sleep(120 * time.Millisecond)
	require.GreaterOrEqual(r.count(), 2)
}

func TestSchedulerPolicySwitch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := &countingRotator{}
	s := testScheduler(t, r, nil)
	defer s.Stop()

	require.NoError(s.SetPolicy(&Policy{Mode: ModeInterval, Interval: 20 * time.Millisecond}))
	time.Sleep(70 * time.Millisecond)

	// Switching to a far interval halts the old loop first.
	require.NoError(s.SetPolicy(&Policy{Mode: ModeInterval, Interval: time.Hour}))
	fired := r.count()
	time.Sleep(100 * time.Millisecond)
	require.Equal(fired, r.count())
	require.Equal(ModeInterval, s.Policy().Mode)
}

func TestSchedulerPolicyValidation(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := &countingRotator{}
	s := testScheduler(t, r, nil)
	defer s.Stop()

	require.Error(s.SetPolicy(&Policy{Mode: ModeInterval}))
	require.Error(s.SetPolicy(&Policy{Mode: ModeTimed}))
	require.Error(s.SetPolicy(&Policy{Mode: Mode("hourly")}))
	require.Error(s.SetPolicy(&Policy{Mode: ModePerformance, PerformanceThreshold: 1.5, CheckInterval: time.Second}))

	// Performance mode without a sampler is rejected.
	require.Error(s.SetPolicy(&Policy{Mode: ModePerformance, PerformanceThreshold: 0.5, CheckInterval: time.Second}))
	require.Equal(0, r.count())
}

func TestSchedulerTimedDedupe(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := &countingRotator{}
	s := testScheduler(t, r, nil)
	defer s.Stop()

	// Freeze the clock inside a scheduled minute: repeated polls within
	// the same minute fire exactly once.
	frozen := time.Date(2026, 8, 30, 3, 0, 10, 0, time.UTC)
	var mu sync.Mutex
	now := frozen
	s.nowFn = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	require.NoError(s.SetPolicy(&Policy{Mode: ModeTimed, Schedule: []string{"03:00", "15:30"}}))
	time.Sleep(100 * time.Millisecond)
	require.Equal(1, r.count())

	// The next day's matching minute fires again.
	mu.Lock()
	now = frozen.Add(24 * time.Hour)
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	require.Equal(2, r.count())

	// A minute not on the schedule never fires.
	mu.Lock()
	now = frozen.Add(24*time.Hour + 7*time.Minute)
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	require.Equal(2, r.count())
}

func TestSchedulerPerformance(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := &countingRotator{}
	sampler := &fixedSampler{score: 1.0}
	s := testScheduler(t, r, sampler)
	defer s.Stop()

	require.NoError(s.SetPolicy(&Policy{
		Mode:                 ModePerformance,
		PerformanceThreshold: 0.5,
		CheckInterval:        15 * time.Millisecond,
		Cooldown:             time.Hour,
	}))

	// A healthy score never triggers.
	time.Sleep(80 * time.Millisecond)
	require.Equal(0, r.count())

	// A degraded score triggers once; the cooldown suppresses repeats
	// even though the score stays below the threshold.
	sampler.set(0.2)
	time.Sleep(150 * time.Millisecond)
	require.Equal(1, r.count())
}
