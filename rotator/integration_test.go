// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package rotator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/ghostpass/monitor"
)

// slowProbe reports a configurable round trip latency.
type slowProbe struct {
	sync.Mutex
	rtt time.Duration
}

func (p *slowProbe) RTT(ctx context.Context) (time.Duration, error) {
	p.Lock()
	defer p.Unlock()
	return p.rtt, nil
}

func (p *slowProbe) set(rtt time.Duration) {
	p.Lock()
	p.rtt = rtt
	p.Unlock()
}

// The performance policy drives a real Client through a real Monitor: a
// degraded connection triggers a rotation, and the monitor follows the new
// identity through its rotation subscription.
func TestPerformancePolicyDrivesClient(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	p := &fakeProvider{}
	c := testClient(t, p)
	defer c.Shutdown()

	probe := &slowProbe{rtt: 500 * time.Millisecond}
	m := monitor.New(testLogBackend(t), probe)
	c.SubscribeRotation(func(ev *RotationEvent) {
		m.SetIdentity(ev.Identity.ID)
	})

	require.NoError(c.Connect(context.Background()))

	s := testScheduler(t, c, m)
	defer s.Stop()
	require.NoError(s.SetPolicy(&Policy{
		Mode:                 ModePerformance,
		PerformanceThreshold: 0.5,
		CheckInterval:        15 * time.Millisecond,
		Cooldown:             time.Hour,
	}))

	// A fast connection is left alone.
	time.Sleep(80 * time.Millisecond)
	require.Equal(uint64(1), c.Status().Identity.ID)

	// Degrade it past the threshold and the policy rotates once.
	probe.set(10 * time.Second)
	require.Eventually(func() bool {
		return c.Status().Identity.ID == 2
	}, 3*time.Second, 10*time.Millisecond)

	// The monitor followed the rotation: post-rotation samples landed
	// under the new epoch.
	require.Eventually(func() bool {
		_, ok := m.Stats(2)
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	stats, ok := m.Stats(1)
	require.True(ok)
	require.Greater(stats.Count, 0)
}
