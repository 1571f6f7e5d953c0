// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package rotator

import (
	"context"

	"github.com/katzenpost/ghostpass/directory"
)

// Handle is an opaque reference to a built identity, owned by the network
// identity provider.
type Handle interface{}

// BuildResult describes a successfully built identity circuit.
type BuildResult struct {
	// Handle is the provider's reference to the new circuit.
	Handle Handle

	// Path is the ordered sequence of relay identifiers the circuit
	// traverses.
	Path []string
}

// Provider is the external network identity provider: it builds and tears
// down the anonymizing circuits that realize an identity.  Implementations
// must honor context cancellation on Build.
type Provider interface {
	// Build constructs a new circuit terminating at the given exit.
	Build(ctx context.Context, exit *directory.ExitDescriptor) (*BuildResult, error)

	// Teardown destroys a previously built circuit.
	Teardown(h Handle) error

	// CurrentAddress returns the outward facing address of the circuit.
	CurrentAddress(h Handle) (string, error)
}

// GeoInfo is the geolocation of an outward facing address.
type GeoInfo struct {
	Country   string
	City      string
	Region    string
	ISP       string
	Latitude  float64
	Longitude float64
}

// Geolocator resolves an address to geolocation fields.  It is consumed
// best effort for snapshot enrichment; a nil Geolocator is permitted.
type Geolocator interface {
	Lookup(ctx context.Context, address string) (*GeoInfo, error)
}
