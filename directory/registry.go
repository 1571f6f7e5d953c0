// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package directory maintains the pool of candidate exit endpoints used to
// terminate anonymized identities.  The registry performs no network I/O of
// its own; descriptor feeds are ingested by an external collaborator.
package directory

import (
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenpost/core/log"
)

// ErrNoSafeNodes is the error returned when the safe pool is empty.
var ErrNoSafeNodes = errors.New("directory: no safe exit nodes available")

// ExitDescriptor describes a candidate exit endpoint.
type ExitDescriptor struct {
	// Fingerprint uniquely identifies the node.
	Fingerprint string

	// Nickname is the node operator's chosen display name.
	Nickname string

	// Country is the ISO 3166-1 alpha-2 code the node's address maps to.
	Country string

	// Address is the node's publicly routable address.
	Address string

	// Bandwidth is the node's advertised bandwidth in bytes per second.
	Bandwidth uint64

	// Safe records the verdict of the registry's safety predicate.  It is
	// set during ingestion and never by the feed.
	Safe bool

	// LastChecked is when the safety predicate last evaluated this node.
	LastChecked time.Time
}

// SafetyPredicate decides whether an exit descriptor is acceptable for use.
type SafetyPredicate func(*ExitDescriptor) bool

// AcceptAll is the default safety predicate.
func AcceptAll(*ExitDescriptor) bool {
	return true
}

// CountryExcluder returns a predicate rejecting nodes in any of the given
// country codes.
func CountryExcluder(codes ...string) SafetyPredicate {
	excluded := make(map[string]bool, len(codes))
	for _, c := range codes {
		excluded[c] = true
	}
	return func(d *ExitDescriptor) bool {
		return !excluded[d.Country]
	}
}

// And composes predicates; a node is safe only if every predicate accepts it.
func And(preds ...SafetyPredicate) SafetyPredicate {
	return func(d *ExitDescriptor) bool {
		for _, p := range preds {
			if !p(d) {
				return false
			}
		}
		return true
	}
}

// Registry holds the current pool of exit descriptors and the subset that
// passed the safety predicate.
type Registry struct {
	sync.RWMutex

	log  *logging.Logger
	pred SafetyPredicate

	nodes []*ExitDescriptor
	safe  []*ExitDescriptor
}

// New constructs a Registry with the given safety predicate.  A nil
// predicate accepts every node.
func New(logBackend *log.Backend, pred SafetyPredicate) *Registry {
	if pred == nil {
		pred = AcceptAll
	}
	return &Registry{
		log:  logBackend.GetLogger("ghostpass/directory"),
		pred: pred,
	}
}

// Ingest replaces the registry's pool with the given feed snapshot, applying
// the safety predicate to each descriptor.
func (r *Registry) Ingest(feed []*ExitDescriptor) {
	now := time.Now()
	safe := make([]*ExitDescriptor, 0, len(feed))
	for _, d := range feed {
		d.Safe = r.pred(d)
		d.LastChecked = now
		if d.Safe {
			safe = append(safe, d)
		}
	}

	r.Lock()
	r.nodes = feed
	r.safe = safe
	r.Unlock()

	r.log.Noticef("Ingested %d exit descriptors, %d safe.", len(feed), len(safe))
}

// Select returns the highest bandwidth descriptor from the safe pool.
func (r *Registry) Select() (*ExitDescriptor, error) {
	r.RLock()
	defer r.RUnlock()

	if len(r.safe) == 0 {
		return nil, ErrNoSafeNodes
	}
	best := r.safe[0]
	for _, d := range r.safe[1:] {
		if d.Bandwidth > best.Bandwidth {
			best = d
		}
	}
	return best, nil
}

// SafeNodes returns a copy of the safe pool.
func (r *Registry) SafeNodes() []*ExitDescriptor {
	r.RLock()
	defer r.RUnlock()
	out := make([]*ExitDescriptor, len(r.safe))
	copy(out, r.safe)
	return out
}

// Len returns the total number of ingested descriptors.
func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.nodes)
}

// SafeLen returns the size of the safe pool.
func (r *Registry) SafeLen() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.safe)
}
