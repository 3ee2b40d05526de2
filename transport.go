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

import "sync"

// TelegramOp identifies the bus operation a telegram performs.
type TelegramOp uint8

const (
	// OpNop performs no device operation.
	OpNop TelegramOp = iota
	// OpPositionalRead reads device memory using position addressing.
	OpPositionalRead
	// OpPositionalWrite writes device memory using position addressing.
	OpPositionalWrite
	// OpFixedRead reads device memory using the configured station address.
	OpFixedRead
	// OpFixedWrite writes device memory using the configured station address.
	OpFixedWrite
)

// Telegram is a single addressed datagram within a bus frame. The
// working counter is written by responding devices; the host seeds it
// with the expected base value and inspects it after the exchange to
// learn whether zero, one, or multiple devices acted on the operation.
type Telegram struct {
	Data   []byte
	Op     TelegramOp
	Idx    uint8
	Addr   uint16
	Offset uint16
	WKC    uint16
}

// Frame is an on-the-wire bundle of telegrams exchanged in one
// transaction with the bus.
type Frame struct {
	Telegrams []*Telegram
}

// NewFrame bundles telegrams into a frame.
func NewFrame(telegrams ...*Telegram) *Frame {
	return &Frame{Telegrams: telegrams}
}

// Transport carries frames to the device and back.
//
// CycleOnce transmits the frame exactly once and reports whether it came
// back. A true result does not imply the device accepted any operation;
// callers must inspect each telegram's working counter. Implementations
// must fill in the returned telegram data and working counters before
// returning true.
type Transport interface {
	CycleOnce(f *Frame) bool
	Close() error
}

// Logic issues the monotonically incrementing transaction indexes and
// base working counter values consumed when building telegrams. A
// single Logic is shared by all devices on one transport.
type Logic struct {
	mu  sync.Mutex
	idx uint8
}

// NewLogic creates a telegram index generator.
func NewLogic() *Logic {
	return &Logic{}
}

// NextIndex returns the next transaction index.
func (l *Logic) NextIndex() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.idx++
	return l.idx
}

// InitWKC returns the working counter value telegrams are seeded with
// before transmission.
func (*Logic) InitWKC() uint16 {
	return 0
}

// DeviceState is the fieldbus application-layer state of the device.
// The protocol core does not run the state machine; it only checks the
// state before mailbox transactions.
type DeviceState uint8

const (
	// StateInit is the fieldbus INIT state.
	StateInit DeviceState = 0x01
	// StatePreOp is the fieldbus PREOP state.
	StatePreOp DeviceState = 0x02
	// StateSafeOp is the fieldbus SAFEOP state.
	StateSafeOp DeviceState = 0x04
	// StateOp is the fieldbus OP state.
	StateOp DeviceState = 0x08
)

// Operational reports whether mailbox transactions are permitted in
// this state.
func (s DeviceState) Operational() bool {
	return s == StateSafeOp || s == StateOp
}

// StateQuerier reports the current fieldbus state of a device. It is an
// external collaborator; establishing the state is out of scope for
// this package.
type StateQuerier interface {
	State() DeviceState
}

// refresh reseeds a telegram with a fresh transaction index and the
// base working counter before a resend.
func (t *Telegram) refresh(logic *Logic) {
	t.Idx = logic.NextIndex()
	t.WKC = logic.InitWKC()
}
