// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package rotator

import (
	"errors"
	"fmt"
)

var (
	// ErrRotationInProgress is the error returned to callers that lose
	// the race for the single in-flight rotation.
	ErrRotationInProgress = errors.New("rotator: rotation already in progress")

	// ErrNotConnected is the error returned when an operation requires
	// an established identity and there is none.
	ErrNotConnected = errors.New("rotator: not connected")

	// ErrAlreadyConnected is the error returned by Connect when an
	// identity is already established.
	ErrAlreadyConnected = errors.New("rotator: already connected")

	// ErrBuildTimeout is the error recorded when an identity build
	// attempt exceeds the configured build timeout.
	ErrBuildTimeout = errors.New("rotator: identity build timed out")

	// ErrShutdown is the error returned when an operation is abandoned
	// because the client is halting.
	ErrShutdown = errors.New("rotator: shutdown requested")
)

// ConnectError is the error used to indicate that an initial identity build
// has failed outright.
type ConnectError struct {
	// Err is the original error that caused the connect to fail.
	Err error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("rotator: connect error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// RotationError is the error used to indicate that a rotation exhausted
// every build attempt.  The previous identity remains active.
type RotationError struct {
	// Attempts is the number of build attempts made.
	Attempts int

	// Err is the error of the final attempt.
	Err error
}

// Error implements the error interface.
func (e *RotationError) Error() string {
	return fmt.Sprintf("rotator: rotation failed after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *RotationError) Unwrap() error {
	return e.Err
}
