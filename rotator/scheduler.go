// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package rotator

import (
	"context"
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenpost/core/log"
	"github.com/katzenpost/katzenpost/core/worker"

	"github.com/katzenpost/ghostpass/config"
)

// Rotator is the subset of the lifecycle controller the scheduler drives.
type Rotator interface {
	Rotate(ctx context.Context) error
}

// Sampler is the performance measurement the performance policy consumes.
type Sampler interface {
	Sample(ctx context.Context) (float64, error)
}

// policyLoop is one running policy's background goroutine; each policy
// switch gets a fresh loop so cancellation is per loop.
type policyLoop struct {
	worker.Worker
}

// Scheduler runs exactly one rotation policy at a time as a cancellable
// background loop.
type Scheduler struct {
	log     *logging.Logger
	rotator Rotator
	sampler Sampler

	// scheduleCheck is the wall clock poll period of the timed policy.
	scheduleCheck time.Duration

	// nowFn exists so tests can steer the timed policy's clock.
	nowFn func() time.Time

	sync.Mutex
	loop   *policyLoop
	policy *Policy
}

// NewScheduler constructs a Scheduler driving the given rotator.  sampler
// may be nil unless a performance policy is set.
func NewScheduler(cfg *config.Config, logBackend *log.Backend, r Rotator, sampler Sampler) *Scheduler {
	return &Scheduler{
		log:           logBackend.GetLogger("ghostpass/scheduler"),
		rotator:       r,
		sampler:       sampler,
		scheduleCheck: time.Duration(cfg.Debug.ScheduleCheckIntervalSeconds) * time.Second,
		nowFn:         time.Now,
	}
}

// Policy returns the active policy, or nil when the scheduler is idle.
func (s *Scheduler) Policy() *Policy {
	s.Lock()
	defer s.Unlock()
	return s.policy
}

// SetPolicy replaces the active rotation policy.  The running loop, if any,
// is cancelled at its next wait boundary and waited for before the new
// policy starts; an in-flight rotation always completes first.  ModeManual
// performs a single rotation synchronously and leaves the scheduler idle.
func (s *Scheduler) SetPolicy(p *Policy) error {
	if err := p.validate(); err != nil {
		return err
	}
	if p.Mode == ModePerformance && s.sampler == nil {
		return errors.New("rotator: performance policy requires a sampler")
	}

	s.Lock()
	defer s.Unlock()
	s.stopLocked()

	s.log.Noticef("Rotation policy set to %s.", p.Mode)
	if p.Mode == ModeManual {
		s.policy = p
		return s.rotator.Rotate(context.Background())
	}

	loop := new(policyLoop)
	switch p.Mode {
	case ModeInterval:
		loop.Go(func() { s.intervalWorker(loop, p) })
	case ModeTimed:
		loop.Go(func() { s.timedWorker(loop, p) })
	case ModePerformance:
		loop.Go(func() { s.performanceWorker(loop, p) })
	}
	s.loop = loop
	s.policy = p
	return nil
}

// Stop cancels the running policy loop, if any, and waits for it to exit.
// Stopping an idle scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.Lock()
	defer s.Unlock()
	s.stopLocked()
	s.policy = nil
}

func (s *Scheduler) stopLocked() {
	if s.loop == nil {
		return
	}
	s.loop.Halt()
	s.loop = nil
	s.log.Debugf("Policy loop halted.")
}

// rotate fires one rotation on behalf of a policy loop, mapping the
// outcome onto the loop's log.  Loops never terminate on a failed attempt.
func (s *Scheduler) rotate(trigger string) {
	err := s.rotator.Rotate(context.Background())
	switch {
	case err == nil:
		s.log.Noticef("Rotation fired (%s).", trigger)
	case errors.Is(err, ErrRotationInProgress):
		s.log.Noticef("Rotation skipped (%s): already in progress.", trigger)
	default:
		s.log.Warningf("Rotation failed (%s): %v", trigger, err)
	}
}

func (s *Scheduler) intervalWorker(loop *policyLoop, p *Policy) {
	timer := time.NewTimer(p.Interval)
	defer timer.Stop()
	for {
		select {
		case <-loop.HaltCh():
			s.log.Debugf("Interval policy terminating gracefully.")
			return
		case <-timer.C:
			s.rotate("interval")
			timer.Reset(p.Interval)
		}
	}
}

// timedWorker checks the wall clock once a minute against the schedule.
// Each slot fires at most once per matching minute: the last fired minute
// is remembered per slot so repeated polls inside the same minute dedupe.
func (s *Scheduler) timedWorker(loop *policyLoop, p *Policy) {
	const minuteKey = "2006-01-02 15:04"

	timer := time.NewTimer(s.scheduleCheck)
	defer timer.Stop()
	lastFired := make(map[string]string, len(p.Schedule))
	for {
		select {
		case <-loop.HaltCh():
			s.log.Debugf("Timed policy terminating gracefully.")
			return
		case <-timer.C:
			now := s.nowFn()
			hhmm := now.Format("15:04")
			minute := now.Format(minuteKey)
			for _, slot := range p.Schedule {
				if slot == hhmm && lastFired[slot] != minute {
					lastFired[slot] = minute
					s.rotate("timed " + slot)
				}
			}
			timer.Reset(s.scheduleCheck)
		}
	}
}

func (s *Scheduler) performanceWorker(loop *policyLoop, p *Policy) {
	timer := time.NewTimer(p.CheckInterval)
	defer timer.Stop()
	var lastTrigger time.Time
	for {
		select {
		case <-loop.HaltCh():
			s.log.Debugf("Performance policy terminating gracefully.")
			return
		case <-timer.C:
			score, err := s.sampler.Sample(context.Background())
			if err != nil {
				s.log.Warningf("Performance sample failed: %v", err)
				timer.Reset(p.CheckInterval)
				continue
			}
			now := s.nowFn()
			if score < p.PerformanceThreshold {
				if lastTrigger.IsZero() || now.Sub(lastTrigger) >= p.Cooldown {
					s.log.Noticef("Score %.2f below threshold %.2f.", score, p.PerformanceThreshold)
					lastTrigger = now
					s.rotate("performance")
				} else {
					s.log.Debugf("Score %.2f below threshold, in cooldown.", score)
				}
			}
			timer.Reset(p.CheckInterval)
		}
	}
}
