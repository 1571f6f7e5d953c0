// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package rotator

import (
	"errors"
	"sync"
	"time"
)

// DefaultHistorySize is the number of identity snapshots retained when no
// capacity is configured.
const DefaultHistorySize = 10

// ErrStaleSnapshot is the error returned when a snapshot arrives out of
// epoch order.
var ErrStaleSnapshot = errors.New("rotator: snapshot epoch is not newer than history tail")

// IPSnapshot records the outward facing address and geolocation of an
// identity at the moment it was established.  Snapshots are immutable once
// appended, except for the performance score which the monitor callback may
// enrich later.
type IPSnapshot struct {
	IdentityID       uint64
	Address          string
	Country          string
	City             string
	Region           string
	ISP              string
	Latitude         float64
	Longitude        float64
	Timestamp        time.Time
	PerformanceScore float64
}

// HistoryStore is a bounded, epoch ordered log of past identity snapshots.
type HistoryStore struct {
	sync.Mutex

	capacity int
	entries  []*IPSnapshot
}

// NewHistoryStore constructs a HistoryStore holding the last capacity
// snapshots; capacity <= 0 selects DefaultHistorySize.
func NewHistoryStore(capacity int) *HistoryStore {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &HistoryStore{capacity: capacity}
}

// Append records a snapshot.  Epoch order is strict: a snapshot whose
// identity id is not greater than the current tail is rejected, which keeps
// the log ordered regardless of arrival races between rotation completion
// and asynchronous enrichment.
func (h *HistoryStore) Append(s *IPSnapshot) error {
	h.Lock()
	defer h.Unlock()

	if n := len(h.entries); n > 0 && s.IdentityID <= h.entries[n-1].IdentityID {
		return ErrStaleSnapshot
	}
	h.entries = append(h.entries, s)
	if len(h.entries) > h.capacity {
		h.entries = h.entries[len(h.entries)-h.capacity:]
	}
	return nil
}

// UpdateScore sets the performance score of the snapshot for the given
// identity epoch, if it is still retained.
func (h *HistoryStore) UpdateScore(epoch uint64, score float64) bool {
	h.Lock()
	defer h.Unlock()
	for _, s := range h.entries {
		if s.IdentityID == epoch {
			s.PerformanceScore = score
			return true
		}
	}
	return false
}

// Snapshots returns the retained snapshots in epoch order.
func (h *HistoryStore) Snapshots() []*IPSnapshot {
	h.Lock()
	defer h.Unlock()
	out := make([]*IPSnapshot, len(h.entries))
	copy(out, h.entries)
	return out
}

// Latest returns the most recent snapshot, or nil.
func (h *HistoryStore) Latest() *IPSnapshot {
	h.Lock()
	defer h.Unlock()
	if len(h.entries) == 0 {
		return nil
	}
	return h.entries[len(h.entries)-1]
}

// Len returns the number of retained snapshots.
func (h *HistoryStore) Len() int {
	h.Lock()
	defer h.Unlock()
	return len(h.entries)
}
