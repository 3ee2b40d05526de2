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
	"encoding/binary"
	"fmt"

	"github.com/openrobots/go-mcb/internal/poll"
)

// The actuator EEPROM hangs off a SPI controller on the board, driven
// through two local bus windows: a 3-byte command register and a page
// buffer. Every EEPROM access is therefore a mailbox conversation.
const (
	spiCommandAddr = 0x0230
	spiBufferAddr  = 0x1000

	// EepromPageSize is the size of one EEPROM page in bytes.
	EepromPageSize = 264
	// EepromPageCount is the number of pages in the actuator EEPROM.
	EepromPageCount = 4096

	// actuatorInfoPage holds the persistent actuator record.
	actuatorInfoPage = EepromPageCount - 1
)

// SPI command register layout: a 16-bit page number (doubles as the
// transfer length for arbitrary operations) and an operation byte.
const (
	spiCmdSize = 3

	spiOpReadPage  = 0
	spiOpWritePage = 1
	spiOpArbitrary = 3

	spiOpMask  = 0x0F
	spiStart   = 1 << 4
	spiBusy    = 1 << 5
	spiReadies = 10
)

// EEPROM status register, read with an arbitrary 2-byte SPI transfer of
// the status opcode. The ready bit clears while a page program is in
// flight inside the EEPROM itself.
const (
	eepromStatusOpcode = 0xD7
	eepromStatusReady  = 1 << 7
	eepromReadies      = 20
)

type spiCmd struct {
	page      uint16
	operation uint8
}

func spiReadCmd(page uint16) spiCmd {
	return spiCmd{page: page, operation: spiOpReadPage | spiStart}
}

func spiWriteCmd(page uint16) spiCmd {
	return spiCmd{page: page, operation: spiOpWritePage | spiStart}
}

// spiArbitraryCmd builds a raw transfer of length bytes from the page
// buffer; the page field carries the length.
func spiArbitraryCmd(length uint16) spiCmd {
	return spiCmd{page: length, operation: spiOpArbitrary | spiStart}
}

func (c spiCmd) pack() []byte {
	buf := make([]byte, spiCmdSize)
	binary.LittleEndian.PutUint16(buf[0:2], c.page)
	buf[2] = c.operation
	return buf
}

func unpackSpiCmd(buf []byte) spiCmd {
	_ = buf[spiCmdSize-1]
	return spiCmd{
		page:      binary.LittleEndian.Uint16(buf[0:2]),
		operation: buf[2],
	}
}

func (c spiCmd) busy() bool {
	return c.operation&(spiBusy|spiStart) != 0
}

func (c spiCmd) op() uint8 {
	return c.operation & spiOpMask
}

// waitForSpiReady polls the SPI command register until the controller
// is idle, returning the final register value.
func (d *Device) waitForSpiReady() (spiCmd, error) {
	var cmd spiCmd
	buf := make([]byte, spiCmdSize)
	done, attempts, err := poll.Until(spiReadies, d.config.PollInterval, func() (bool, error) {
		if err := d.ReadMailbox(spiCommandAddr, buf); err != nil {
			return false, fmt.Errorf("reading SPI command register: %w", err)
		}
		cmd = unpackSpiCmd(buf)
		return !cmd.busy(), nil
	})
	if err != nil {
		return cmd, err
	}
	if !done {
		return cmd, NewProtocolError("waitForSpiReady",
			fmt.Errorf("%w: SPI controller busy after %d polls", ErrEepromBusy, attempts),
			ErrorTypeTimeout)
	}
	return cmd, nil
}

// sendSpiCommand issues one SPI operation and verifies by read-back
// that the controller latched the expected operation code.
func (d *Device) sendSpiCommand(cmd spiCmd) error {
	if _, err := d.waitForSpiReady(); err != nil {
		return err
	}
	if err := d.WriteMailbox(spiCommandAddr, cmd.pack()); err != nil {
		return fmt.Errorf("writing SPI command register: %w", err)
	}
	got, err := d.waitForSpiReady()
	if err != nil {
		return err
	}
	if got.op() != cmd.op() {
		return NewProtocolError("sendSpiCommand",
			fmt.Errorf("%w: sent operation %#x, register reads %#x", ErrEepromReadback, cmd.op(), got.op()),
			ErrorTypeProtocol)
	}
	return nil
}

// ReadEepromPage reads one EEPROM page into data. The page buffer is
// zeroed first so a silently failed transfer cannot present stale data
// as a fresh read. data receives at most EepromPageSize bytes.
func (d *Device) ReadEepromPage(page uint16, data []byte) error {
	if page >= EepromPageCount {
		return fmt.Errorf("EEPROM page %d out of range", page)
	}
	if len(data) > EepromPageSize {
		return fmt.Errorf("EEPROM read of %d bytes exceeds page size %d", len(data), EepromPageSize)
	}

	scratch := make([]byte, EepromPageSize)
	if err := d.WriteMailbox(spiBufferAddr, scratch); err != nil {
		return fmt.Errorf("zeroing page buffer: %w", err)
	}
	if err := d.sendSpiCommand(spiReadCmd(page)); err != nil {
		return fmt.Errorf("reading EEPROM page %d: %w", page, err)
	}
	if err := d.ReadMailbox(spiBufferAddr, data); err != nil {
		return fmt.Errorf("reading page buffer: %w", err)
	}
	return nil
}

// WriteEepromPage writes data to one EEPROM page, padding a short
// payload with 0xFF (the erased state of flash) up to the page size,
// then waits for the EEPROM's own program cycle to complete.
func (d *Device) WriteEepromPage(page uint16, data []byte) error {
	if page >= EepromPageCount {
		return fmt.Errorf("EEPROM page %d out of range", page)
	}
	if len(data) > EepromPageSize {
		return fmt.Errorf("EEPROM write of %d bytes exceeds page size %d", len(data), EepromPageSize)
	}

	padded := data
	if len(data) < EepromPageSize {
		padded = make([]byte, EepromPageSize)
		copy(padded, data)
		for i := len(data); i < EepromPageSize; i++ {
			padded[i] = 0xFF
		}
	}

	if err := d.WriteMailbox(spiBufferAddr, padded); err != nil {
		return fmt.Errorf("filling page buffer: %w", err)
	}
	if err := d.sendSpiCommand(spiWriteCmd(page)); err != nil {
		return fmt.Errorf("writing EEPROM page %d: %w", page, err)
	}
	return d.waitForEepromReady()
}

// waitForEepromReady polls the EEPROM status register until the ready
// bit sets. Page programming happens inside the EEPROM after the SPI
// transfer finishes, so this wait is separate from the SPI busy poll.
func (d *Device) waitForEepromReady() error {
	done, attempts, err := poll.Until(eepromReadies, d.config.PollInterval, func() (bool, error) {
		status, err := d.readEepromStatus()
		if err != nil {
			return false, err
		}
		return status&eepromStatusReady != 0, nil
	})
	if err != nil {
		return err
	}
	if !done {
		return NewProtocolError("waitForEepromReady",
			fmt.Errorf("%w: EEPROM still programming after %d polls", ErrEepromBusy, attempts),
			ErrorTypeTimeout)
	}
	return nil
}

// readEepromStatus performs a raw 2-byte transfer of the status opcode;
// the EEPROM clocks its status register out in the second byte.
func (d *Device) readEepromStatus() (uint8, error) {
	buf := []byte{eepromStatusOpcode, 0x00}
	if err := d.WriteMailbox(spiBufferAddr, buf); err != nil {
		return 0, fmt.Errorf("writing status opcode: %w", err)
	}
	if err := d.sendSpiCommand(spiArbitraryCmd(uint16(len(buf)))); err != nil {
		return 0, fmt.Errorf("issuing status transfer: %w", err)
	}
	if err := d.ReadMailbox(spiBufferAddr, buf); err != nil {
		return 0, fmt.Errorf("reading status response: %w", err)
	}
	return buf[1], nil
}

// ReadActuatorInfo reads and parses the persistent actuator record. The
// record's CRCs are not checked here; see (*ActuatorInfo).Validate.
func (d *Device) ReadActuatorInfo() (*ActuatorInfo, error) {
	buf := make([]byte, EepromPageSize)
	if err := d.ReadEepromPage(actuatorInfoPage, buf); err != nil {
		return nil, err
	}
	return unmarshalActuatorInfo(buf), nil
}

// Program writes an actuator record to its EEPROM page, regenerating
// both CRCs first.
func (d *Device) Program(info *ActuatorInfo) error {
	if info == nil {
		return fmt.Errorf("nil actuator info")
	}
	buf := info.marshal()
	return d.WriteEepromPage(actuatorInfoPage, buf)
}
