// go-mcb
// Copyright (c) 2025 The go-mcb Authors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-mcb.
//
// go-mcb is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-mcb is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-mcb; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package mcb

import (
	"errors"
	"fmt"
)

// Protocol errors
var (
	// ErrPacketLoss indicates the transport dropped more frames than the
	// retry budget allows.
	ErrPacketLoss = errors.New("too much packet loss")

	// ErrTimeout indicates a polling budget expired before the device
	// reached the expected state.
	ErrTimeout = errors.New("operation timeout")

	// ErrChecksum indicates a mailbox payload failed its checksum fold.
	ErrChecksum = errors.New("mailbox checksum error")

	// ErrWorkingCounter indicates an inconsistent or unexpected working
	// counter: multiple responders, mismatched counters on a split
	// transfer, or a refusal that cannot be explained by packet loss.
	ErrWorkingCounter = errors.New("working counter inconsistency")

	// ErrDeviceState indicates the device is not in an operational
	// fieldbus state for mailbox use.
	ErrDeviceState = errors.New("device not in operational state")

	// ErrLockContention indicates the mailbox lock could not be acquired.
	ErrLockContention = errors.New("mailbox lock contention")

	// ErrEepromBusy indicates the SPI EEPROM state machine or the EEPROM
	// itself stayed busy past its poll budget.
	ErrEepromBusy = errors.New("eeprom busy")

	// ErrEepromReadback indicates the SPI command register read back a
	// different operation than was written.
	ErrEepromReadback = errors.New("eeprom command readback mismatch")

	// ErrNotProgrammed indicates the actuator info record failed its CRC
	// or version check.
	ErrNotProgrammed = errors.New("device is not programmed")
)

// ErrorType classifies protocol failures for retry decisions and
// diagnostics attribution.
type ErrorType string

const (
	// ErrorTypeTransient marks failures that may clear on a later attempt
	// (transport loss).
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypeTimeout marks expired polling budgets.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeProtocol marks inconsistencies that retrying cannot fix
	// (bad checksums, working counter mismatches, readback mismatches).
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeState marks refusals due to device or driver state.
	ErrorTypeState ErrorType = "state"
)

// ProtocolError wraps a failure of a mailbox or EEPROM operation with
// the operation name and a failure classification.
type ProtocolError struct {
	Err       error
	Op        string
	Type      ErrorType
	Retryable bool
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a classified protocol error.
func NewProtocolError(op string, err error, typ ErrorType) *ProtocolError {
	return &ProtocolError{
		Op:        op,
		Err:       err,
		Type:      typ,
		Retryable: typ == ErrorTypeTransient,
	}
}

// NewTimeoutError creates a timeout error for op.
func NewTimeoutError(op string) *ProtocolError {
	return &ProtocolError{Op: op, Err: ErrTimeout, Type: ErrorTypeTimeout}
}

// GetErrorType returns the classification of err, defaulting to
// ErrorTypeProtocol for unclassified errors.
func GetErrorType(err error) ErrorType {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Type
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return ErrorTypeTimeout
	case errors.Is(err, ErrPacketLoss):
		return ErrorTypeTransient
	case errors.Is(err, ErrDeviceState), errors.Is(err, ErrLockContention):
		return ErrorTypeState
	default:
		return ErrorTypeProtocol
	}
}

// IsRetryable reports whether a failed operation may succeed if the
// whole transaction is attempted again.
func IsRetryable(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, ErrPacketLoss)
}
