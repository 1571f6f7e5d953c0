// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package monitor samples connection quality under the active identity and
// maintains per identity rolling statistics for the performance rotation
// policy.
package monitor

import (
	"context"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenpost/core/log"
)

// Probe is the external measurement capability: it reports the round trip
// latency to a lightweight target under the active identity.
type Probe interface {
	RTT(ctx context.Context) (time.Duration, error)
}

// Stats are rolling per identity score statistics.
type Stats struct {
	Min   float64
	Max   float64
	Mean  float64
	Count int
}

// Score maps a round trip latency onto [0, 1]: a one second baseline with a
// five second normalization window, lower latency scoring higher.
func Score(rtt time.Duration) float64 {
	s := 1 - (rtt.Seconds()-1)/5
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Monitor records probe scores keyed by identity epoch.
type Monitor struct {
	sync.RWMutex

	log   *logging.Logger
	probe Probe

	current uint64
	stats   map[uint64]*rolling
}

type rolling struct {
	min, max, sum float64
	count         int
}

// New constructs a Monitor over the given probe.
func New(logBackend *log.Backend, probe Probe) *Monitor {
	return &Monitor{
		log:   logBackend.GetLogger("ghostpass/monitor"),
		probe: probe,
		stats: make(map[uint64]*rolling),
	}
}

// SetIdentity switches the identity epoch that subsequent samples are
// recorded under.  It is wired as a rotation observer.
func (m *Monitor) SetIdentity(epoch uint64) {
	m.Lock()
	m.current = epoch
	m.Unlock()
}

// Sample probes the connection once and records the score under the current
// identity.  A probe failure records a zero score, matching the degraded
// connection it indicates.
func (m *Monitor) Sample(ctx context.Context) (float64, error) {
	rtt, err := m.probe.RTT(ctx)
	score := 0.0
	if err != nil {
		m.log.Warningf("Probe failed: %v", err)
	} else {
		score = Score(rtt)
	}

	m.Lock()
	r, ok := m.stats[m.current]
	if !ok {
		r = &rolling{min: score, max: score}
		m.stats[m.current] = r
	}
	if score < r.min {
		r.min = score
	}
	if score > r.max {
		r.max = score
	}
	r.sum += score
	r.count++
	m.Unlock()

	return score, err
}

// Stats returns the rolling statistics for the given identity epoch.
func (m *Monitor) Stats(epoch uint64) (Stats, bool) {
	m.RLock()
	defer m.RUnlock()
	r, ok := m.stats[epoch]
	if !ok {
		return Stats{}, false
	}
	return r.snapshot(), true
}

// AllStats returns a snapshot of the statistics of every identity sampled
// so far.
func (m *Monitor) AllStats() map[uint64]Stats {
	m.RLock()
	defer m.RUnlock()
	out := make(map[uint64]Stats, len(m.stats))
	for epoch, r := range m.stats {
		out[epoch] = r.snapshot()
	}
	return out
}

func (r *rolling) snapshot() Stats {
	s := Stats{Min: r.min, Max: r.max, Count: r.count}
	if r.count > 0 {
		s.Mean = r.sum / float64(r.count)
	}
	return s
}
