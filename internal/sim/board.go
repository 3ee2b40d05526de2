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

// Package sim provides a virtual motor controller board behind the
// Transport interface, emulating the mailbox windows, sync manager
// handshake and SPI EEPROM state machine for tests. Packet loss is
// scripted per cycle, separately for the send and return legs, so
// recovery paths can be exercised deterministically.
package sim

import (
	"sync"

	mcb "github.com/openrobots/go-mcb"
	"github.com/openrobots/go-mcb/internal/frame"
)

// Physical memory geometry of the emulated board.
const (
	physSize     = 0x2600
	localBusSize = 0x2000

	cmdMbxStart = frame.MbxCommandAddr
	cmdMbxEnd   = frame.MbxCommandAddr + frame.MbxCommandSize // exclusive
	stsMbxStart = frame.MbxStatusAddr
	stsMbxEnd   = frame.MbxStatusAddr + frame.MbxStatusSize // exclusive

	sm3Base     = 0x0800 + 8*frame.MbxStatusSyncManNum
	sm3Status   = sm3Base + 5
	sm3Activate = sm3Base + 6
	sm3PDI      = sm3Base + 7

	mailboxFull   = 1 << 3
	repeatRequest = 1 << 1
	repeatAck     = 1 << 1
)

// Local bus layout of the emulated board.
const (
	spiCommandAddr = 0x0230
	spiBufferAddr  = 0x1000

	spiOpMask      = 0x0F
	spiOpReadPage  = 0
	spiOpWritePage = 1
	spiOpArbitrary = 3
	spiStart       = 1 << 4

	eepromStatusOpcode = 0xD7
	eepromStatusReady  = 1 << 7
)

// Board is a virtual motor controller board. It implements
// mcb.Transport; all exported knobs and counters are safe to touch
// between cycles only.
type Board struct {
	mu sync.Mutex

	// Station and Position select which telegrams the board answers.
	Station  uint16
	Position uint16

	// DropSends discards that many upcoming frames before they reach
	// the board; DropReturns processes the frame but loses the return
	// leg, which is how a served-but-unconfirmed read happens.
	DropSends   int
	DropReturns int

	// DropStatusReads loses the return leg of frames that consumed the
	// status mailbox, for exercising repeat-request recovery without
	// touching the surrounding traffic.
	DropStatusReads int

	// RefuseWrites makes the command mailbox refuse that many write
	// telegrams with a working counter of 0.
	RefuseWrites int

	// CorruptSpiReadback makes the SPI command register read back a
	// wrong operation code once.
	CorruptSpiReadback bool
	// EepromStuckBusy keeps the EEPROM status register's ready bit
	// clear, as if a page program never finishes.
	EepromStuckBusy bool

	// Commands counts executed local bus commands; RepeatRequests
	// counts completed repeat-request handshakes.
	Commands       int
	RepeatRequests int

	phys     [physSize]byte
	localBus [localBusSize]byte
	eeprom   map[uint16][]byte

	cmdMbx     [frame.MbxCommandSize]byte
	stsMbx     [frame.MbxStatusSize]byte
	stsFull    bool
	lastStsLen int
	consumed   bool
}

// NewBoard creates an idle virtual board answering station 1,
// position 0.
func NewBoard() *Board {
	return &Board{
		Station: 1,
		eeprom:  make(map[uint16][]byte),
	}
}

// SetLocalBus seeds a local bus region, e.g. the config info block.
func (b *Board) SetLocalBus(addr uint, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.localBus[addr:], data)
}

// LocalBus returns a copy of a local bus region.
func (b *Board) LocalBus(addr, length uint) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, length)
	copy(out, b.localBus[addr:addr+length])
	return out
}

// SetEepromPage seeds one EEPROM page.
func (b *Board) SetEepromPage(page uint16, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := make([]byte, mcb.EepromPageSize)
	for i := range p {
		p[i] = 0xFF
	}
	copy(p, data)
	b.eeprom[page] = p
}

// EepromPage returns a copy of one EEPROM page, nil if never written.
func (b *Board) EepromPage(page uint16) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.eeprom[page]
	if !ok {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

// CycleOnce implements mcb.Transport.
func (b *Board) CycleOnce(f *mcb.Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.DropSends > 0 {
		b.DropSends--
		return false
	}

	b.consumed = false
	for _, tg := range f.Telegrams {
		b.process(tg)
	}

	if b.consumed && b.DropStatusReads > 0 {
		b.DropStatusReads--
		return false
	}
	if b.DropReturns > 0 {
		b.DropReturns--
		return false
	}
	return true
}

// ArmStatusMailbox presents data as an unread response, as if a
// previous conversation was abandoned with the mailbox still full.
func (b *Board) ArmStatusMailbox(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.stsMbx[:], data)
	b.lastStsLen = len(data)
	b.setStatusFull(true)
}

// Close implements mcb.Transport.
func (b *Board) Close() error { return nil }

func (b *Board) process(tg *mcb.Telegram) {
	switch tg.Op {
	case mcb.OpPositionalRead:
		if tg.Addr == b.Position {
			b.read(tg)
		}
	case mcb.OpPositionalWrite:
		if tg.Addr == b.Position {
			b.write(tg)
		}
	case mcb.OpFixedRead:
		if tg.Addr == b.Station {
			b.read(tg)
		}
	case mcb.OpFixedWrite:
		if tg.Addr == b.Station {
			b.write(tg)
		}
	}
}

func (b *Board) read(tg *mcb.Telegram) {
	start := int(tg.Offset)
	end := start + len(tg.Data)

	// Status mailbox window: data only while full; a read touching the
	// window's last byte consumes the mailbox.
	if start >= stsMbxStart && end <= stsMbxEnd {
		if !b.stsFull {
			return // wkc stays 0: refusal
		}
		copy(tg.Data, b.stsMbx[start-stsMbxStart:])
		tg.WKC++
		if end == stsMbxEnd {
			b.setStatusFull(false)
			b.consumed = true
		}
		return
	}

	if end > physSize {
		return
	}
	copy(tg.Data, b.phys[start:end])
	tg.WKC++
}

func (b *Board) write(tg *mcb.Telegram) {
	start := int(tg.Offset)
	end := start + len(tg.Data)

	// Command mailbox window: a write touching the window's last byte
	// completes the command and executes it.
	if start >= cmdMbxStart && end <= cmdMbxEnd {
		if b.RefuseWrites > 0 {
			b.RefuseWrites--
			return
		}
		copy(b.cmdMbx[start-cmdMbxStart:], tg.Data)
		tg.WKC++
		if end == cmdMbxEnd {
			b.execute()
		}
		return
	}

	if end > physSize {
		return
	}
	prevActivate := b.phys[sm3Activate]
	copy(b.phys[start:end], tg.Data)
	tg.WKC++

	// Repeat request handshake: when the host toggles the request bit,
	// re-present the last response and toggle the ack to match.
	if start <= sm3Activate && end > sm3Activate {
		if (b.phys[sm3Activate]^prevActivate)&repeatRequest != 0 {
			if b.lastStsLen > 0 {
				b.setStatusFull(true)
			}
			b.phys[sm3PDI] ^= repeatAck
			b.RepeatRequests++
		}
	}
}

func (b *Board) setStatusFull(full bool) {
	b.stsFull = full
	if full {
		b.phys[sm3Status] |= mailboxFull
	} else {
		b.phys[sm3Status] &^= mailboxFull
	}
}

// execute runs one mailbox command from the command window.
func (b *Board) execute() {
	var hdr frame.Header
	copy(hdr[:], b.cmdMbx[:frame.HdrSize])
	if !hdr.Valid() {
		return
	}
	addr := hdr.Address()
	length := hdr.Length()
	if addr+length > localBusSize {
		return
	}
	b.Commands++

	if hdr.IsWrite() {
		payload := b.cmdMbx[frame.HdrSize : frame.HdrSize+int(length)+1]
		if !frame.Verify(payload) {
			return
		}
		copy(b.localBus[addr:], payload[:length])
		if addr <= spiCommandAddr && addr+length >= spiCommandAddr+3 {
			b.runSpi()
		}
		return
	}

	copy(b.stsMbx[:length], b.localBus[addr:addr+length])
	b.stsMbx[length] = frame.Trailer(b.stsMbx[:length])
	b.lastStsLen = int(length) + 1
	b.setStatusFull(true)
}

// runSpi executes the SPI command register the host just wrote.
func (b *Board) runSpi() {
	page := uint16(b.localBus[spiCommandAddr]) | uint16(b.localBus[spiCommandAddr+1])<<8
	op := b.localBus[spiCommandAddr+2]
	if op&spiStart == 0 {
		return
	}

	switch op & spiOpMask {
	case spiOpReadPage:
		p, ok := b.eeprom[page]
		if !ok {
			p = make([]byte, mcb.EepromPageSize)
			for i := range p {
				p[i] = 0xFF
			}
		}
		copy(b.localBus[spiBufferAddr:], p)
	case spiOpWritePage:
		p := make([]byte, mcb.EepromPageSize)
		copy(p, b.localBus[spiBufferAddr:spiBufferAddr+mcb.EepromPageSize])
		b.eeprom[page] = p
	case spiOpArbitrary:
		if page >= 2 && b.localBus[spiBufferAddr] == eepromStatusOpcode {
			status := byte(eepromStatusReady)
			if b.EepromStuckBusy {
				status = 0
			}
			b.localBus[spiBufferAddr+1] = status
		}
	}

	// Transfer done: clear the start bit so the busy poll sees idle.
	next := op &^ spiStart
	if b.CorruptSpiReadback {
		b.CorruptSpiReadback = false
		next = (next &^ spiOpMask) | ((next + 1) & spiOpMask)
	}
	b.localBus[spiCommandAddr+2] = next
}

// AlwaysOp is a StateQuerier that always reports the OP fieldbus state.
type AlwaysOp struct{}

// State implements mcb.StateQuerier.
func (AlwaysOp) State() mcb.DeviceState { return mcb.StateOp }

// FixedState is a StateQuerier pinned to one fieldbus state.
type FixedState mcb.DeviceState

// State implements mcb.StateQuerier.
func (s FixedState) State() mcb.DeviceState { return mcb.DeviceState(s) }
