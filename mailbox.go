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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/openrobots/go-mcb/internal/frame"
	"github.com/openrobots/go-mcb/internal/logging"
	"github.com/openrobots/go-mcb/internal/poll"
)

// Retry budgets for mailbox transactions.
const (
	clearReadRetries = 15
	writeRetries     = 10
	readRetries      = 10
	readDropBudget   = 10

	// telegramOverhead is the per-telegram wire cost used to decide
	// whether splitting a transfer into data + terminal byte saves
	// bandwidth over one full-width transfer.
	telegramOverhead = 50
)

// Sync manager register block. Each sync manager owns 8 bytes starting
// at syncManBase; the status, activate and PDI control bytes carry the
// mailbox full bit and the repeat request/ack handshake.
const (
	syncManBase           = 0x0800
	syncManStatusOffset   = 5
	syncManActivateOffset = 6
	syncManPDIOffset      = 7

	syncManMailboxFull   = 1 << 3 // status: mailbox has unread data
	syncManRepeatRequest = 1 << 1 // activate: host repeat request
	syncManRepeatAck     = 1 << 1 // PDI control: device repeat ack
)

func syncManAddr(num uint16) uint16 {
	return syncManBase + 8*num
}

// mbxCounters are the lifetime mailbox failure counters. They are
// atomics so the diagnostics path can snapshot them without taking the
// mailbox lock.
type mbxCounters struct {
	writeErrors atomic.Uint32
	readErrors  atomic.Uint32
	lockErrors  atomic.Uint32
	retries     atomic.Uint32
	retryErrors atomic.Uint32
}

// MailboxDiagnostics is a snapshot of the lifetime mailbox failure
// counters.
type MailboxDiagnostics struct {
	WriteErrors uint32
	ReadErrors  uint32
	LockErrors  uint32
	Retries     uint32
	RetryErrors uint32
}

// MailboxDiagnostics returns a snapshot of the mailbox failure counters.
func (d *Device) MailboxDiagnostics() MailboxDiagnostics {
	return MailboxDiagnostics{
		WriteErrors: d.mbx.writeErrors.Load(),
		ReadErrors:  d.mbx.readErrors.Load(),
		LockErrors:  d.mbx.lockErrors.Load(),
		Retries:     d.mbx.retries.Load(),
		RetryErrors: d.mbx.retryErrors.Load(),
	}
}

// lockMailbox acquires the transaction lock, waiting at most the
// mailbox budget. A failed acquisition is counted and fails the
// operation before any protocol state is touched.
func (d *Device) lockMailbox() bool {
	locked, _, _ := poll.Deadline(d.config.MailboxWait, d.config.PollInterval, func() (bool, error) {
		return d.mbxMu.TryLock(), nil
	})
	if !locked {
		d.mbx.lockErrors.Add(1)
	}
	return locked
}

// nextSeq returns the next 3-bit mailbox sequence number. The mailbox
// lock must be held.
func (d *Device) nextSeq() uint8 {
	d.mbxSeq = (d.mbxSeq + 1) & frame.SeqMask
	return d.mbxSeq
}

// ReadMailbox reads length bytes from the device local bus at address
// through the mailbox protocol. The transaction is serialized against
// all other mailbox use of this device.
func (d *Device) ReadMailbox(address uint, data []byte) error {
	if !d.lockMailbox() {
		return NewProtocolError("ReadMailbox", ErrLockContention, ErrorTypeState)
	}
	defer d.mbxMu.Unlock()

	err := d.readMailboxLocked(address, data)
	if err != nil {
		d.mbx.readErrors.Add(1)
	}
	return err
}

// WriteMailbox writes data to the device local bus at address through
// the mailbox protocol.
func (d *Device) WriteMailbox(address uint, data []byte) error {
	if !d.lockMailbox() {
		return NewProtocolError("WriteMailbox", ErrLockContention, ErrorTypeState)
	}
	defer d.mbxMu.Unlock()

	err := d.writeMailboxLocked(address, data)
	if err != nil {
		d.mbx.writeErrors.Add(1)
	}
	return err
}

// readMailboxLocked performs a local bus read: flush the status
// mailbox, post a read command, wait for the device to fill the status
// mailbox, then read the payload plus its checksum back out.
func (d *Device) readMailboxLocked(address uint, data []byte) error {
	if err := d.verifyDeviceState(); err != nil {
		return err
	}

	if err := d.clearReadMailbox(); err != nil {
		return fmt.Errorf("clearing read mailbox: %w", err)
	}

	hdr, err := frame.BuildHeader(address, uint(len(data)), frame.LocalBusRead, d.nextSeq())
	if err != nil {
		return fmt.Errorf("building mailbox header: %w", err)
	}
	if err := d.writeMailboxWindow(hdr[:]); err != nil {
		return fmt.Errorf("posting read command: %w", err)
	}

	if err := d.waitForReadMailboxFull(); err != nil {
		return fmt.Errorf("waiting for read mailbox: %w", err)
	}

	// Read payload plus the trailing checksum byte.
	buf := make([]byte, len(data)+1)
	if err := d.readMailboxWindow(buf); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if !frame.Verify(buf) {
		d.diag.tryWith(func(dd *DeviceDiagnostics) {
			dd.ChecksumErrors++
		})
		return NewProtocolError("readMailbox",
			fmt.Errorf("%w: length %d", ErrChecksum, len(data)), ErrorTypeProtocol)
	}
	copy(data, buf[:len(data)])
	return nil
}

// writeMailboxLocked performs a local bus write: post a full write
// command and wait for the device to drain the command mailbox.
func (d *Device) writeMailboxLocked(address uint, data []byte) error {
	if err := d.verifyDeviceState(); err != nil {
		return err
	}

	cmd, err := frame.BuildCommand(address, uint(len(data)), frame.LocalBusWrite, d.nextSeq(), data)
	if err != nil {
		return fmt.Errorf("building mailbox command: %w", err)
	}
	if err := d.writeMailboxWindow(cmd); err != nil {
		return fmt.Errorf("posting write command: %w", err)
	}

	// The device gives no direct confirmation that the local bus write
	// executed; draining of the command mailbox has to suffice. A slow
	// drain is logged but not treated as a failed write.
	if err := d.waitForWriteMailboxEmpty(); err != nil {
		logging.L().Warn("write mailbox slow to empty", "error", err)
	}
	return nil
}

// clearReadMailbox flushes stale response data by reading the first and
// last byte of the status mailbox. The flush is best effort: a working
// counter of 1 means stale data was present and discarded, which is a
// warning, not an error. This is deliberately weaker than the response
// read, where the working counter rules are strict.
func (d *Device) clearReadMailbox() error {
	if err := d.verifyDeviceState(); err != nil {
		return err
	}

	var first, last [1]byte
	readStart := d.positionalRead(frame.MbxStatusAddr, first[:])
	readEnd := d.positionalRead(frame.MbxStatusAddr+frame.MbxStatusSize-1, last[:])
	f := NewFrame(readStart, readEnd)

	success := false
	for tries := 0; tries < clearReadRetries; tries++ {
		if d.transport.CycleOnce(f) {
			success = true
			break
		}
		readStart.refresh(d.logic)
		readEnd.refresh(d.logic)
	}
	if !success {
		time.Sleep(100 * time.Microsecond)
		return NewProtocolError("clearReadMailbox", ErrPacketLoss, ErrorTypeTransient)
	}

	if readStart.WKC != readEnd.WKC {
		return NewProtocolError("clearReadMailbox",
			fmt.Errorf("%w: flush counters %d, %d", ErrWorkingCounter, readStart.WKC, readEnd.WKC),
			ErrorTypeProtocol)
	}
	if readStart.WKC > 1 {
		return NewProtocolError("clearReadMailbox",
			fmt.Errorf("%w: %d devices responded", ErrWorkingCounter, readStart.WKC),
			ErrorTypeProtocol)
	}
	if readStart.WKC == 1 {
		logging.L().Debug("read mailbox contained stale data")
	}
	return nil
}

// writeMailboxWindow writes data into the command mailbox window. When
// the transfer is small enough for the split to save bandwidth, the
// data is written to the start of the window and the write is completed
// by writing the window's terminal byte; otherwise the full window
// width is written.
func (d *Device) writeMailboxWindow(data []byte) error {
	if len(data) > frame.MbxCommandSize {
		return fmt.Errorf("mailbox write of %d bytes exceeds window %d", len(data), frame.MbxCommandSize)
	}
	if err := d.verifyDeviceState(); err != nil {
		return err
	}

	splitWrite := len(data)+telegramOverhead < frame.MbxCommandSize

	writeData := data
	if !splitWrite {
		// Write the full window width; the tail beyond the command is
		// don't-care for the device.
		writeData = make([]byte, frame.MbxCommandSize)
		copy(writeData, data)
	}

	var terminal [1]byte
	writeStart := d.positionalWrite(frame.MbxCommandAddr, writeData)
	writeEnd := d.positionalWrite(frame.MbxCommandAddr+frame.MbxCommandSize-1, terminal[:])

	f := NewFrame(writeStart)
	if splitWrite {
		f = NewFrame(writeStart, writeEnd)
	}

	sends := 0
	success := false
	for tries := 0; tries < writeRetries && !success; tries++ {
		success = d.transport.CycleOnce(f)
		if !success {
			writeStart.refresh(d.logic)
			writeEnd.refresh(d.logic)
		}
		// The transport does not split tx from rx; assume the tx leg of
		// a failed exchange still reached the device.
		sends++
	}
	if !success {
		time.Sleep(100 * time.Microsecond)
		return NewProtocolError("writeMailboxWindow", ErrPacketLoss, ErrorTypeTransient)
	}

	if splitWrite && writeStart.WKC != writeEnd.WKC {
		return NewProtocolError("writeMailboxWindow",
			fmt.Errorf("%w: split write counters %d, %d", ErrWorkingCounter, writeStart.WKC, writeEnd.WKC),
			ErrorTypeProtocol)
	}
	if writeStart.WKC > 1 {
		return NewProtocolError("writeMailboxWindow",
			fmt.Errorf("%w: %d devices responded", ErrWorkingCounter, writeStart.WKC),
			ErrorTypeProtocol)
	}
	if writeStart.WKC != 1 {
		if sends <= 1 {
			// Only one send attempt, so the refusal cannot be explained
			// by a lost response.
			time.Sleep(100 * time.Microsecond)
			return NewProtocolError("writeMailboxWindow",
				fmt.Errorf("%w: initial mailbox write refused", ErrWorkingCounter),
				ErrorTypeProtocol)
		}
		// The command may have been accepted on an earlier send whose
		// response was lost; a refusal of the repeat is benign.
		logging.L().Warn("repeated mailbox write refused", "sends", sends)
	}
	return nil
}

// readMailboxWindow reads len(data) bytes out of the status mailbox
// window, preferring a split read when it saves bandwidth. A working
// counter of 0 after at least one dropped packet means the device
// already served the read and the response was lost; recovery is a
// repeat request. A refusal with no drops is a protocol inconsistency.
func (d *Device) readMailboxWindow(data []byte) error {
	if len(data) > frame.MbxStatusSize {
		return fmt.Errorf("mailbox read of %d bytes exceeds window %d", len(data), frame.MbxStatusSize)
	}
	if err := d.verifyDeviceState(); err != nil {
		return err
	}

	splitRead := len(data)+telegramOverhead < frame.MbxStatusSize

	readData := data
	if !splitRead {
		readData = make([]byte, frame.MbxStatusSize)
	}

	var terminal [1]byte
	readStart := d.positionalRead(frame.MbxStatusAddr, readData)
	readEnd := d.positionalRead(frame.MbxStatusAddr+frame.MbxStatusSize-1, terminal[:])

	f := NewFrame(readStart)
	if splitRead {
		f = NewFrame(readStart, readEnd)
	}

	totalDropped := 0
	for tries := 0; tries < readRetries; tries++ {
		dropped := 0
		for ; dropped < readDropBudget; dropped++ {
			if d.transport.CycleOnce(f) {
				break
			}
			totalDropped++
			readStart.refresh(d.logic)
			readEnd.refresh(d.logic)
		}
		if dropped >= readDropBudget {
			logging.L().Warn("too many dropped packets reading mailbox", "dropped", dropped)
		}

		if splitRead && readStart.WKC != readEnd.WKC {
			return NewProtocolError("readMailboxWindow",
				fmt.Errorf("%w: split read counters %d, %d", ErrWorkingCounter, readStart.WKC, readEnd.WKC),
				ErrorTypeProtocol)
		}

		switch {
		case readStart.WKC == 0:
			if dropped == 0 {
				return NewProtocolError("readMailboxWindow",
					fmt.Errorf("%w: refusal with no dropped packets (%d total drops)", ErrWorkingCounter, totalDropped),
					ErrorTypeProtocol)
			}
			// The device served the read but the response was lost in
			// transit. Ask it to re-present the data and try again.
			logging.L().Warn("asking for read repeat", "dropped", dropped)
			if err := d.repeatRequest(); err != nil {
				return err
			}
			continue
		case readStart.WKC == 1:
			if !splitRead {
				copy(data, readData[:len(data)])
			}
			return nil
		default:
			return NewProtocolError("readMailboxWindow",
				fmt.Errorf("%w: %d devices responded", ErrWorkingCounter, readStart.WKC),
				ErrorTypeProtocol)
		}
	}

	return NewProtocolError("readMailboxWindow",
		fmt.Errorf("%w: no response after %d retries, %d dropped packets", ErrPacketLoss, readRetries, totalDropped),
		ErrorTypeTransient)
}

// repeatRequest runs the repeat-request handshake and accounts for it
// in the retry counters.
func (d *Device) repeatRequest() error {
	err := d.repeatRequestOnce()
	d.mbx.retries.Add(1)
	if err != nil {
		d.mbx.retryErrors.Add(1)
	}
	return err
}

// repeatRequestOnce toggles the repeat request bit of the status
// mailbox sync manager and waits for the device to toggle the matching
// acknowledgment, making the mailbox readable again.
func (d *Device) repeatRequestOnce() error {
	var sm [8]byte
	if err := d.readRegister(syncManAddr(frame.MbxStatusSyncManNum), sm[:]); err != nil {
		return fmt.Errorf("reading status mailbox sync manager: %w", err)
	}

	request := sm[syncManActivateOffset] & syncManRepeatRequest
	ack := sm[syncManPDIOffset] & syncManRepeatAck
	if (request != 0) != (ack != 0) {
		return NewProtocolError("repeatRequest",
			fmt.Errorf("%w: repeat request and ack out of sync", ErrWorkingCounter),
			ErrorTypeProtocol)
	}

	origRequest := request
	activate := sm[syncManActivateOffset] ^ syncManRepeatRequest
	if err := d.writeRegister(syncManAddr(frame.MbxStatusSyncManNum)+syncManActivateOffset, []byte{activate}); err != nil {
		return fmt.Errorf("writing sync manager repeat request: %w", err)
	}

	done, elapsed, err := poll.Deadline(d.config.MailboxWait, d.config.PollInterval, func() (bool, error) {
		if err := d.readRegister(syncManAddr(frame.MbxStatusSyncManNum), sm[:]); err != nil {
			// A single lost poll is not fatal; keep polling.
			return false, nil
		}
		request := sm[syncManActivateOffset] & syncManRepeatRequest
		ack := sm[syncManPDIOffset] & syncManRepeatAck
		if (request != 0) == (ack != 0) {
			if sm[syncManStatusOffset]&syncManMailboxFull == 0 {
				return false, NewProtocolError("repeatRequest",
					fmt.Errorf("repeat acknowledged but read mailbox still empty"), ErrorTypeProtocol)
			}
			return true, nil
		}
		if request == origRequest {
			return false, NewProtocolError("repeatRequest",
				fmt.Errorf("repeat request changed while waiting for ack"), ErrorTypeProtocol)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !done {
		return NewProtocolError("repeatRequest",
			fmt.Errorf("%w: no ack after %v", ErrTimeout, elapsed), ErrorTypeTimeout)
	}
	return nil
}

// waitForReadMailboxFull polls the status mailbox sync manager until
// the mailbox full bit is set.
func (d *Device) waitForReadMailboxFull() error {
	return d.waitForMailbox(frame.MbxStatusSyncManNum, true)
}

// waitForWriteMailboxEmpty polls the command mailbox sync manager until
// the mailbox full bit clears.
func (d *Device) waitForWriteMailboxEmpty() error {
	return d.waitForMailbox(frame.MbxCommandSyncManNum, false)
}

func (d *Device) waitForMailbox(syncMan uint16, wantFull bool) error {
	goodResults := 0
	done, elapsed, _ := poll.Deadline(d.config.MailboxWait, d.config.PollInterval, func() (bool, error) {
		var status [1]byte
		if err := d.readRegister(syncManAddr(syncMan)+syncManStatusOffset, status[:]); err != nil {
			return false, nil
		}
		goodResults++
		full := status[0]&syncManMailboxFull != 0
		return full == wantFull, nil
	})
	if done {
		return nil
	}
	if goodResults == 0 {
		return NewProtocolError("waitForMailbox",
			fmt.Errorf("%w: no response from device", ErrPacketLoss), ErrorTypeTransient)
	}
	return NewProtocolError("waitForMailbox",
		fmt.Errorf("%w: mailbox state unchanged after %v", ErrTimeout, elapsed), ErrorTypeTimeout)
}

// readRegister reads a device register block with a single fixed
// addressed telegram exchange.
func (d *Device) readRegister(offset uint16, data []byte) error {
	tg := d.fixedRead(offset, data)
	if !d.transport.CycleOnce(NewFrame(tg)) {
		return NewProtocolError("readRegister", ErrPacketLoss, ErrorTypeTransient)
	}
	if tg.WKC != 1 {
		return NewProtocolError("readRegister",
			fmt.Errorf("%w: wkc %d", ErrWorkingCounter, tg.WKC), ErrorTypeProtocol)
	}
	return nil
}

// writeRegister writes a device register block with a single fixed
// addressed telegram exchange.
func (d *Device) writeRegister(offset uint16, data []byte) error {
	tg := d.fixedWrite(offset, data)
	if !d.transport.CycleOnce(NewFrame(tg)) {
		return NewProtocolError("writeRegister", ErrPacketLoss, ErrorTypeTransient)
	}
	if tg.WKC != 1 {
		return NewProtocolError("writeRegister",
			fmt.Errorf("%w: wkc %d", ErrWorkingCounter, tg.WKC), ErrorTypeProtocol)
	}
	return nil
}

func (d *Device) positionalRead(offset uint16, data []byte) *Telegram {
	return &Telegram{
		Op:     OpPositionalRead,
		Idx:    d.logic.NextIndex(),
		Addr:   d.position,
		Offset: offset,
		Data:   data,
		WKC:    d.logic.InitWKC(),
	}
}

func (d *Device) positionalWrite(offset uint16, data []byte) *Telegram {
	return &Telegram{
		Op:     OpPositionalWrite,
		Idx:    d.logic.NextIndex(),
		Addr:   d.position,
		Offset: offset,
		Data:   data,
		WKC:    d.logic.InitWKC(),
	}
}

func (d *Device) fixedRead(offset uint16, data []byte) *Telegram {
	return &Telegram{
		Op:     OpFixedRead,
		Idx:    d.logic.NextIndex(),
		Addr:   d.station,
		Offset: offset,
		Data:   data,
		WKC:    d.logic.InitWKC(),
	}
}

func (d *Device) fixedWrite(offset uint16, data []byte) *Telegram {
	return &Telegram{
		Op:     OpFixedWrite,
		Idx:    d.logic.NextIndex(),
		Addr:   d.station,
		Offset: offset,
		Data:   data,
		WKC:    d.logic.InitWKC(),
	}
}
