// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package directory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/katzenpost/core/log"
)

func testLogBackend(t *testing.T) *log.Backend {
	b, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	return b
}

func testFeed() []*ExitDescriptor {
	return []*ExitDescriptor{
		{Fingerprint: "A", Nickname: "alpha", Country: "de", Address: "192.0.2.1", Bandwidth: 1000},
		{Fingerprint: "B", Nickname: "bravo", Country: "us", Address: "192.0.2.2", Bandwidth: 9000},
		{Fingerprint: "C", Nickname: "charlie", Country: "nl", Address: "192.0.2.3", Bandwidth: 5000},
	}
}

func TestRegistrySafePool(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// B is rejected, A and C pass.
	pred := func(d *ExitDescriptor) bool { return d.Fingerprint != "B" }
	r := New(testLogBackend(t), pred)
	r.Ingest(testFeed())

	require.Equal(3, r.Len())
	require.Equal(2, r.SafeLen())
	pool := r.SafeNodes()
	fps := []string{pool[0].Fingerprint, pool[1].Fingerprint}
	require.ElementsMatch([]string{"A", "C"}, fps)
	for _, d := range pool {
		require.True(d.Safe)
		require.False(d.LastChecked.IsZero())
	}
}

func TestRegistrySelectHighestBandwidth(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := New(testLogBackend(t), nil)
	r.Ingest(testFeed())

	d, err := r.Select()
	require.NoError(err)
	require.Equal("B", d.Fingerprint)
}

func TestRegistrySelectEmptyPool(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Only an unsafe node ingested.
	r := New(testLogBackend(t), func(d *ExitDescriptor) bool { return false })
	r.Ingest([]*ExitDescriptor{
		{Fingerprint: "B", Bandwidth: 9000},
	})

	_, err := r.Select()
	require.ErrorIs(err, ErrNoSafeNodes)

	// Empty registry behaves the same.
	r2 := New(testLogBackend(t), nil)
	_, err = r2.Select()
	require.ErrorIs(err, ErrNoSafeNodes)
}

func TestRegistryCountryExcluder(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := New(testLogBackend(t), CountryExcluder("us", "gb"))
	r.Ingest(testFeed())

	require.Equal(2, r.SafeLen())
	d, err := r.Select()
	require.NoError(err)
	require.Equal("C", d.Fingerprint)
}

func TestRegistryPredicateComposition(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	minBandwidth := func(d *ExitDescriptor) bool { return d.Bandwidth >= 5000 }
	r := New(testLogBackend(t), And(CountryExcluder("us"), minBandwidth))
	r.Ingest(testFeed())

	// A fails bandwidth, B fails country, only C survives.
	require.Equal(1, r.SafeLen())
	d, err := r.Select()
	require.NoError(err)
	require.Equal("C", d.Fingerprint)
}

func TestRegistryIngestReplaces(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := New(testLogBackend(t), nil)
	r.Ingest(testFeed())
	require.Equal(3, r.SafeLen())

	r.Ingest([]*ExitDescriptor{
		{Fingerprint: "D", Bandwidth: 100},
	})
	require.Equal(1, r.SafeLen())
	d, err := r.Select()
	require.NoError(err)
	require.Equal("D", d.Fingerprint)
}
