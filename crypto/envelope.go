// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/chacha20"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/katzenpost/core/utils"
)

const (
	// NonceSize is the per layer nonce size in bytes (96 bits).
	NonceSize = 12

	// TagSize is the layer 1 authentication tag size in bytes (128 bits).
	TagSize = 16

	// Layer1Label is the derivation label of the inner AEAD layer.
	Layer1Label = "layer1"

	// Layer2Label is the derivation label of the outer stream layer.
	Layer2Label = "layer2"
)

// ErrMalformedEnvelope is the error returned when an envelope fails to
// deserialize or is missing required layer parameters.
var ErrMalformedEnvelope = errors.New("crypto: malformed envelope")

// AuthError is the error returned when envelope authentication fails,
// identifying which layer rejected the ciphertext.
type AuthError struct {
	// Layer is the layer that failed authentication.
	Layer int
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("crypto: envelope authentication failed at layer %d", e.Layer)
}

// Envelope is a two layer ciphertext bound to the key epoch that produced
// it.  It records the epoch and every per layer parameter so that
// decryption never has to assume which keys or labels were used.
type Envelope struct {
	// Epoch is the key epoch the envelope was sealed under.
	Epoch uint64

	// Layer1Label is the derivation label of the inner layer key.
	Layer1Label string

	// Layer1Nonce is the inner AEAD nonce.
	Layer1Nonce []byte

	// Layer1Tag is the inner AEAD authentication tag.
	Layer1Tag []byte

	// Layer2Label is the derivation label of the outer layer key.
	Layer2Label string

	// Layer2Nonce is the outer stream cipher nonce.
	Layer2Nonce []byte

	// Ciphertext is the layer 2 output.
	Ciphertext []byte
}

// ToBytes serializes the envelope.
func (e *Envelope) ToBytes() ([]byte, error) {
	return cbor.Marshal(e)
}

// EnvelopeFromBytes deserializes an envelope.
func EnvelopeFromBytes(b []byte) (*Envelope, error) {
	e := new(Envelope)
	if err := cbor.Unmarshal(b, e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Envelope) validate() error {
	if len(e.Layer1Nonce) != NonceSize || len(e.Layer2Nonce) != NonceSize {
		return ErrMalformedEnvelope
	}
	if len(e.Layer1Tag) != TagSize {
		return ErrMalformedEnvelope
	}
	if e.Layer1Label == "" || e.Layer2Label == "" {
		return ErrMalformedEnvelope
	}
	return nil
}

// Encrypt seals plaintext under the session key of the given epoch.  Layer 1
// is AES-256-GCM under the epoch's "layer1" subkey; layer 2 is a ChaCha20
// keystream under the separately derived "layer2" subkey, applied over the
// layer 1 output.
func (k *KeyHierarchy) Encrypt(plaintext []byte, epoch uint64) (*Envelope, error) {
	epochKey, err := k.epochKey(epoch)
	if err != nil {
		return nil, err
	}
	defer utils.ExplicitBzero(epochKey)

	// Layer 1: AEAD.
	key1, err := layerKey(epochKey, Layer1Label)
	if err != nil {
		return nil, err
	}
	defer utils.ExplicitBzero(key1)
	aead, err := newGCM(key1)
	if err != nil {
		return nil, err
	}
	nonce1 := make([]byte, NonceSize)
	if _, err = io.ReadFull(rand.Reader, nonce1); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce1, plaintext, nil)
	inner, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	// Layer 2: stream cipher over the layer 1 ciphertext.
	key2, err := layerKey(epochKey, Layer2Label)
	if err != nil {
		return nil, err
	}
	defer utils.ExplicitBzero(key2)
	nonce2 := make([]byte, NonceSize)
	if _, err = io.ReadFull(rand.Reader, nonce2); err != nil {
		return nil, err
	}
	outer := make([]byte, len(inner))
	s, err := chacha20.New(key2, nonce2)
	if err != nil {
		return nil, err
	}
	s.XORKeyStream(outer, inner)

	return &Envelope{
		Epoch:       epoch,
		Layer1Label: Layer1Label,
		Layer1Nonce: nonce1,
		Layer1Tag:   tag,
		Layer2Label: Layer2Label,
		Layer2Nonce: nonce2,
		Ciphertext:  outer,
	}, nil
}

// Decrypt opens an envelope, undoing layer 2 then layer 1, using the per
// layer labels and nonces the envelope records.  The plaintext is returned
// only if layer 1 authenticates.
func (k *KeyHierarchy) Decrypt(e *Envelope) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	epochKey, err := k.epochKey(e.Epoch)
	if err != nil {
		return nil, err
	}
	defer utils.ExplicitBzero(epochKey)

	// Layer 2 first.
	key2, err := layerKey(epochKey, e.Layer2Label)
	if err != nil {
		return nil, err
	}
	defer utils.ExplicitBzero(key2)
	inner := make([]byte, len(e.Ciphertext))
	s, err := chacha20.New(key2, e.Layer2Nonce)
	if err != nil {
		return nil, err
	}
	s.XORKeyStream(inner, e.Ciphertext)

	// Then layer 1.
	key1, err := layerKey(epochKey, e.Layer1Label)
	if err != nil {
		return nil, err
	}
	defer utils.ExplicitBzero(key1)
	aead, err := newGCM(key1)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(inner)+TagSize)
	sealed = append(sealed, inner...)
	sealed = append(sealed, e.Layer1Tag...)
	plaintext, err := aead.Open(nil, e.Layer1Nonce, sealed, nil)
	if err != nil {
		return nil, &AuthError{Layer: 1}
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(blk)
}
