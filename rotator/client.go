// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package rotator implements the identity lifecycle: circuit establishment,
// rotation under the configured policy, and the bounded history of past
// identities.
package rotator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenpost/core/log"
	"github.com/katzenpost/katzenpost/core/worker"

	"github.com/katzenpost/ghostpass/config"
	"github.com/katzenpost/ghostpass/crypto"
	"github.com/katzenpost/ghostpass/directory"
)

// State is the identity lifecycle state.
type State int

const (
	// StateDisconnected means no identity is active.
	StateDisconnected State = iota

	// StateConnecting means the initial identity build is in progress.
	StateConnecting

	// StateConnected means an identity is active.
	StateConnected

	// StateRotating means a rotation is replacing the active identity.
	StateRotating
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateRotating:
		return "Rotating"
	default:
		return "Unknown"
	}
}

// Identity is one generation of the outward facing network identity.
// Exactly one Identity is active at a time; a successful rotation
// supersedes it with the next epoch.
type Identity struct {
	// ID is the monotonically increasing epoch number.
	ID uint64

	// Endpoint is the exit descriptor the identity terminates at.
	Endpoint *directory.ExitDescriptor

	// Path is the ordered sequence of relay identifiers.
	Path []string

	// Address is the outward facing address.
	Address string

	// Established is set once the provider reports the circuit built.
	Established bool

	// BuildDuration is how long the circuit build took.
	BuildDuration time.Duration

	// CreatedAt is when the identity became active.
	CreatedAt time.Time
}

// Status is the externally visible controller state.
type Status struct {
	State            State
	Identity         *Identity
	RotationFailures uint64
	LastRotation     time.Time

	// Degraded is set when the most recent rotation exhausted every
	// attempt; the prior identity remains active.
	Degraded bool

	SafeNodes int
	EpochKeys int
}

// ClientConfig bundles the collaborators a Client is constructed from.
type ClientConfig struct {
	// Config is the ghostpass configuration.
	Config *config.Config

	// LogBackend is the logging backend.
	LogBackend *log.Backend

	// Provider is the external network identity provider.
	Provider Provider

	// Registry is the exit node registry.
	Registry *directory.Registry

	// Geolocator enriches snapshots with geolocation, may be nil.
	Geolocator Geolocator

	// Keys is the key hierarchy whose epochs follow rotations, may be
	// nil when envelope encryption is unused.
	Keys *crypto.KeyHierarchy
}

func (cfg *ClientConfig) validate() error {
	if cfg.Config == nil {
		return errors.New("rotator: no configuration provided")
	}
	if cfg.LogBackend == nil {
		return errors.New("rotator: no log backend provided")
	}
	if cfg.Provider == nil {
		return errors.New("rotator: no provider provided")
	}
	if cfg.Registry == nil {
		return errors.New("rotator: no registry provided")
	}
	return nil
}

// Client owns the identity lifecycle state machine.
type Client struct {
	worker.Worker

	cfg      *config.Config
	log      *logging.Logger
	provider Provider
	geo      Geolocator
	registry *directory.Registry
	keys     *crypto.KeyHierarchy
	history  *HistoryStore

	haltOnce sync.Once

	// rotating is the reject-fast mutual exclusion guard: at most one
	// rotation is in flight, losers observe ErrRotationInProgress.
	rotating uint32

	stateLock        sync.RWMutex
	state            State
	identity         *Identity
	handle           Handle
	epoch            uint64
	rotationFailures uint64
	lastRotation     time.Time
	degraded         bool

	obsLock        sync.Mutex
	observers      map[uint64]Observer
	nextObserverID uint64
}

// NewClient constructs a Client from the given collaborators.
func NewClient(cCfg *ClientConfig) (*Client, error) {
	if err := cCfg.validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:       cCfg.Config,
		log:       cCfg.LogBackend.GetLogger("ghostpass/rotator"),
		provider:  cCfg.Provider,
		geo:       cCfg.Geolocator,
		registry:  cCfg.Registry,
		keys:      cCfg.Keys,
		history:   NewHistoryStore(cCfg.Config.Circuit.HistorySize),
		state:     StateDisconnected,
		observers: make(map[uint64]Observer),
	}
	return c, nil
}

// History returns the identity snapshot log.
func (c *Client) History() *HistoryStore {
	return c.history
}

// Status returns the externally visible controller state.
func (c *Client) Status() *Status {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	st := &Status{
		State:            c.state,
		Identity:         c.identity,
		RotationFailures: c.rotationFailures,
		LastRotation:     c.lastRotation,
		Degraded:         c.degraded,
		SafeNodes:        c.registry.SafeLen(),
	}
	if c.keys != nil {
		st.EpochKeys = c.keys.EpochKeys()
	}
	return st
}

func (c *Client) buildTimeout() time.Duration {
	return time.Duration(c.cfg.Circuit.BuildTimeoutSeconds) * time.Second
}

func (c *Client) cooldown() time.Duration {
	return time.Duration(c.cfg.Rotation.CooldownSeconds) * time.Second
}

// buildIdentity selects an exit from the safe pool and asks the provider to
// build a circuit for it, bounded by the configured build timeout.
func (c *Client) buildIdentity(ctx context.Context, epoch uint64) (*Identity, Handle, error) {
	exit, err := c.registry.Select()
	if err != nil {
		return nil, nil, err
	}

	buildCtx, cancel := context.WithTimeout(ctx, c.buildTimeout())
	defer cancel()

	start := time.Now()
	result, err := c.provider.Build(buildCtx, exit)
	if err != nil {
		if buildCtx.Err() == context.DeadlineExceeded {
			return nil, nil, ErrBuildTimeout
		}
		return nil, nil, err
	}
	elapsed := time.Since(start)

	addr, err := c.provider.CurrentAddress(result.Handle)
	if err != nil {
		c.log.Warningf("Failed to resolve outward address: %v", err)
		if terr := c.provider.Teardown(result.Handle); terr != nil {
			c.log.Warningf("Teardown of unusable circuit failed: %v", terr)
		}
		return nil, nil, err
	}

	id := &Identity{
		ID:            epoch,
		Endpoint:      exit,
		Path:          result.Path,
		Address:       addr,
		Established:   true,
		BuildDuration: elapsed,
		CreatedAt:     time.Now(),
	}
	return id, result.Handle, nil
}

// Connect establishes the initial identity.
func (c *Client) Connect(ctx context.Context) error {
	c.stateLock.Lock()
	if c.state != StateDisconnected {
		c.stateLock.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	epoch := c.epoch + 1
	c.stateLock.Unlock()

	id, handle, err := c.buildIdentity(ctx, epoch)
	if err != nil {
		c.log.Errorf("Connect failed: %v", err)
		c.stateLock.Lock()
		c.state = StateDisconnected
		c.stateLock.Unlock()
		return &ConnectError{Err: err}
	}

	c.stateLock.Lock()
	c.epoch = epoch
	c.identity = id
	c.handle = handle
	c.state = StateConnected
	c.degraded = false
	c.stateLock.Unlock()

	c.deriveEpochKey(epoch)
	snap := c.recordSnapshot(ctx, id)
	c.log.Noticef("Connected: epoch %d via %s (%s).", id.ID, id.Endpoint.Nickname, id.Address)
	c.notifyObservers(&RotationEvent{Identity: id, Snapshot: snap})
	return nil
}

// Rotate replaces the active identity with a new one.  Exactly one rotation
// may be in flight; concurrent callers receive ErrRotationInProgress
// immediately.  On failure the previous identity remains active.
func (c *Client) Rotate(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&c.rotating, 0, 1) {
		return ErrRotationInProgress
	}
	defer atomic.StoreUint32(&c.rotating, 0)

	c.stateLock.Lock()
	if c.state != StateConnected {
		c.stateLock.Unlock()
		return ErrNotConnected
	}
	c.state = StateRotating
	epoch := c.epoch + 1
	prev := c.identity
	c.stateLock.Unlock()

	maxAttempts := c.cfg.Rotation.MaxAttempts
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			// Cooldown backoff between attempts, abandoned only on
			// client halt.
			select {
			case <-time.After(c.cooldown()):
			case <-c.HaltCh():
				c.stateLock.Lock()
				c.state = StateConnected
				c.stateLock.Unlock()
				return ErrShutdown
			}
		}

		id, handle, err := c.buildIdentity(ctx, epoch)
		if err != nil {
			lastErr = err
			c.log.Warningf("Rotation attempt %d/%d failed: %v", attempt, maxAttempts, err)
			c.stateLock.Lock()
			c.rotationFailures++
			c.stateLock.Unlock()
			continue
		}

		c.stateLock.Lock()
		oldHandle := c.handle
		c.epoch = epoch
		c.identity = id
		c.handle = handle
		c.state = StateConnected
		c.lastRotation = time.Now()
		c.degraded = false
		c.stateLock.Unlock()

		if oldHandle != nil {
			if terr := c.provider.Teardown(oldHandle); terr != nil {
				c.log.Warningf("Teardown of superseded circuit failed: %v", terr)
			}
		}

		c.deriveEpochKey(epoch)
		snap := c.recordSnapshot(ctx, id)
		c.log.Noticef("Rotated: epoch %d supersedes %d, exit %s (%s).", id.ID, prev.ID, id.Endpoint.Nickname, id.Address)
		c.notifyObservers(&RotationEvent{Identity: id, Snapshot: snap})
		return nil
	}

	// Every attempt failed: the previous identity stays active.
	c.stateLock.Lock()
	c.state = StateConnected
	c.degraded = true
	c.stateLock.Unlock()
	c.log.Errorf("Rotation abandoned after %d attempts, epoch %d retained: %v", maxAttempts, prev.ID, lastErr)
	return &RotationError{Attempts: maxAttempts, Err: lastErr}
}

// Disconnect tears down the active identity and clears the key hierarchy.
// It is idempotent, and rejected while a rotation is in flight so that an
// in-flight rotation always completes.
func (c *Client) Disconnect() error {
	if !atomic.CompareAndSwapUint32(&c.rotating, 0, 1) {
		return ErrRotationInProgress
	}
	defer atomic.StoreUint32(&c.rotating, 0)

	c.stateLock.Lock()
	if c.state == StateDisconnected {
		c.stateLock.Unlock()
		return nil
	}
	handle := c.handle
	c.handle = nil
	c.identity = nil
	c.state = StateDisconnected
	c.degraded = false
	c.stateLock.Unlock()

	if handle != nil {
		if err := c.provider.Teardown(handle); err != nil {
			c.log.Warningf("Teardown failed: %v", err)
		}
	}
	if c.keys != nil {
		c.keys.Clear()
	}
	c.log.Noticef("Disconnected.")
	return nil
}

// Shutdown halts the client's background goroutines after disconnecting.
func (c *Client) Shutdown() {
	c.haltOnce.Do(func() {
		if err := c.Disconnect(); err != nil {
			c.log.Warningf("Disconnect on shutdown: %v", err)
		}
		c.Halt()
	})
}

// deriveEpochKey inserts the session key for a freshly established epoch,
// when a master key has been configured.
func (c *Client) deriveEpochKey(epoch uint64) {
	if c.keys == nil || !c.keys.HasMasterKey() {
		return
	}
	if err := c.keys.DeriveEpochKey(epoch); err != nil {
		c.log.Errorf("Epoch key derivation for %d failed: %v", epoch, err)
	}
}

// recordSnapshot appends a history snapshot for the identity, enriched with
// best effort geolocation.
func (c *Client) recordSnapshot(ctx context.Context, id *Identity) *IPSnapshot {
	snap := &IPSnapshot{
		IdentityID: id.ID,
		Address:    id.Address,
		Timestamp:  id.CreatedAt,
	}
	if c.geo != nil {
		if info, err := c.geo.Lookup(ctx, id.Address); err != nil {
			c.log.Debugf("Geolocation lookup failed: %v", err)
		} else {
			snap.Country = info.Country
			snap.City = info.City
			snap.Region = info.Region
			snap.ISP = info.ISP
			snap.Latitude = info.Latitude
			snap.Longitude = info.Longitude
		}
	}
	if err := c.history.Append(snap); err != nil {
		c.log.Warningf("History append for epoch %d: %v", id.ID, err)
	}
	return snap
}
