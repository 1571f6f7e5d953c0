// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto implements the ghostpass key hierarchy: a passphrase
// derived master key, per epoch session keys bound to identity rotations,
// and the two layer envelope encryption built on top of them.
package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/katzenpost/core/utils"
)

const (
	// KeySize is the size of all derived keys in bytes.
	KeySize = 32

	// DefaultKDFIterations is the PBKDF2 iteration count used when no
	// override is supplied.
	DefaultKDFIterations = 100000

	// DefaultSaltSize is the size of generated master key salts in bytes.
	DefaultSaltSize = 16

	epochKeyInfo = "ghostpass-epoch-key"
)

var (
	// ErrMasterKeyUnset is the error returned when an operation requires
	// a master key and none has been derived.
	ErrMasterKeyUnset = errors.New("crypto: master key is not set")

	// ErrEpochNotFound is the error returned when no session key exists
	// for the requested epoch.
	ErrEpochNotFound = errors.New("crypto: no key derived for epoch")

	hashFunc = sha256.New
)

// KeyHierarchy holds the master key and the epoch indexed session keys
// derived from it.  Epoch key insertion is single writer (the rotation
// path); encrypt and decrypt are concurrent readers.
type KeyHierarchy struct {
	sync.RWMutex

	iterations int
	saltSize   int

	masterKey []byte
	epochKeys map[uint64][]byte
}

// NewKeyHierarchy constructs an empty KeyHierarchy.  iterations below
// DefaultKDFIterations (or zero) are raised to the default; saltSize zero
// selects DefaultSaltSize.
func NewKeyHierarchy(iterations, saltSize int) *KeyHierarchy {
	if iterations < DefaultKDFIterations {
		iterations = DefaultKDFIterations
	}
	if saltSize == 0 {
		saltSize = DefaultSaltSize
	}
	return &KeyHierarchy{
		iterations: iterations,
		saltSize:   saltSize,
		epochKeys:  make(map[uint64][]byte),
	}
}

// SetMasterKey derives the 256 bit master key from the passphrase with
// PBKDF2-SHA256.  A salt is generated when nil is passed; the salt actually
// used is returned so an external collaborator may persist it.
func (k *KeyHierarchy) SetMasterKey(passphrase string, salt []byte) ([]byte, error) {
	if salt == nil {
		salt = make([]byte, k.saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, err
		}
	}
	key := pbkdf2.Key([]byte(passphrase), salt, k.iterations, KeySize, hashFunc)

	k.Lock()
	if k.masterKey != nil {
		utils.ExplicitBzero(k.masterKey)
	}
	k.masterKey = key
	k.Unlock()
	return salt, nil
}

// DeriveEpochKey derives and stores the session key for the given epoch via
// HKDF-SHA256 over masterKey ‖ epoch with a domain separation label.
// Deriving an epoch that already has a key is a no-op.
func (k *KeyHierarchy) DeriveEpochKey(epoch uint64) error {
	k.Lock()
	defer k.Unlock()

	if k.masterKey == nil {
		return ErrMasterKeyUnset
	}
	if _, ok := k.epochKeys[epoch]; ok {
		return nil
	}

	var rawEpoch [8]byte
	binary.BigEndian.PutUint64(rawEpoch[:], epoch)

	secret := make([]byte, 0, len(k.masterKey)+8)
	secret = append(secret, k.masterKey...)
	secret = append(secret, rawEpoch[:]...)
	defer utils.ExplicitBzero(secret)

	info := append([]byte(epochKeyInfo), rawEpoch[:]...)
	prk := hkdf.Extract(hashFunc, secret, nil)
	defer utils.ExplicitBzero(prk)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.Expand(hashFunc, prk, info), key); err != nil {
		return err
	}
	k.epochKeys[epoch] = key
	return nil
}

// epochKey returns the session key for epoch, or ErrEpochNotFound.
func (k *KeyHierarchy) epochKey(epoch uint64) ([]byte, error) {
	k.RLock()
	defer k.RUnlock()
	key, ok := k.epochKeys[epoch]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrEpochNotFound, epoch)
	}
	// Callers get their own copy so Clear() cannot race their use.
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

// layerKey expands a per layer subkey from the epoch key under the given
// label.  The label is what the envelope records, so decryption never has
// to assume which derivation was used.
func layerKey(epochKey []byte, label string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.Expand(hashFunc, epochKey, []byte(label)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// HasEpoch reports whether a session key exists for the given epoch.
func (k *KeyHierarchy) HasEpoch(epoch uint64) bool {
	k.RLock()
	defer k.RUnlock()
	_, ok := k.epochKeys[epoch]
	return ok
}

// EpochKeys returns the number of epoch keys currently held.
func (k *KeyHierarchy) EpochKeys() int {
	k.RLock()
	defer k.RUnlock()
	return len(k.epochKeys)
}

// HasMasterKey reports whether a master key has been derived.
func (k *KeyHierarchy) HasMasterKey() bool {
	k.RLock()
	defer k.RUnlock()
	return k.masterKey != nil
}

// Clear zeroes and discards the master key and every epoch key.
func (k *KeyHierarchy) Clear() {
	k.Lock()
	defer k.Unlock()

	if k.masterKey != nil {
		utils.ExplicitBzero(k.masterKey)
		k.masterKey = nil
	}
	for epoch, key := range k.epochKeys {
		utils.ExplicitBzero(key)
		delete(k.epochKeys, epoch)
	}
}
