// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package rotator

import (
	"fmt"
	"time"

	"github.com/katzenpost/ghostpass/config"
)

// Mode selects a rotation policy.
type Mode string

const (
	// ModeManual fires a single rotation with no background loop.
	ModeManual Mode = "manual"

	// ModeInterval rotates on a fixed period.
	ModeInterval Mode = "interval"

	// ModeTimed rotates at configured wall clock times.
	ModeTimed Mode = "timed"

	// ModePerformance rotates when the sampled connection score drops
	// below a threshold.
	ModePerformance Mode = "performance"
)

// Policy is the runtime rotation policy.  Exactly one policy loop is active
// at a time; switching policies cancels the running loop at its next wait
// boundary.
type Policy struct {
	// Mode selects the policy variant.
	Mode Mode

	// Interval is the fixed rotation period of ModeInterval.
	Interval time.Duration

	// Schedule is the set of "HH:MM" wall clock times of ModeTimed.
	Schedule []string

	// PerformanceThreshold is the score below which ModePerformance
	// triggers, in (0, 1].
	PerformanceThreshold float64

	// Cooldown is the minimum spacing between performance triggered
	// rotations.
	Cooldown time.Duration

	// CheckInterval is the sampling period of ModePerformance.
	CheckInterval time.Duration
}

func (p *Policy) validate() error {
	switch p.Mode {
	case ModeManual:
	case ModeInterval:
		if p.Interval <= 0 {
			return fmt.Errorf("rotator: interval policy requires a positive Interval")
		}
	case ModeTimed:
		if len(p.Schedule) == 0 {
			return fmt.Errorf("rotator: timed policy requires a Schedule")
		}
	case ModePerformance:
		if p.PerformanceThreshold <= 0 || p.PerformanceThreshold > 1 {
			return fmt.Errorf("rotator: performance policy threshold %v is not in (0, 1]", p.PerformanceThreshold)
		}
		if p.CheckInterval <= 0 {
			return fmt.Errorf("rotator: performance policy requires a positive CheckInterval")
		}
	default:
		return fmt.Errorf("rotator: unknown policy mode '%v'", p.Mode)
	}
	return nil
}

// PolicyFromConfig maps the validated Rotation config section onto a
// runtime Policy.
func PolicyFromConfig(rCfg *config.Rotation) *Policy {
	return &Policy{
		Mode:                 Mode(rCfg.Mode),
		Interval:             time.Duration(rCfg.IntervalSeconds) * time.Second,
		Schedule:             rCfg.Schedule,
		PerformanceThreshold: rCfg.PerformanceThreshold,
		Cooldown:             time.Duration(rCfg.CooldownSeconds) * time.Second,
		CheckInterval:        time.Duration(rCfg.CheckIntervalSeconds) * time.Second,
	}
}
