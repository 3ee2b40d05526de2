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

// Package benchprog programs the actuator EEPROM directly over a host
// SPI adapter, for bench setups where the board's EEPROM is wired to a
// programming header. It speaks the EEPROM's native command set and
// bypasses the board firmware entirely; use the device mailbox path
// for in-system access.
package benchprog

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	mcb "github.com/openrobots/go-mcb"
)

// EEPROM command set (264-byte page dataflash).
const (
	opPageRead     = 0xD2 // main memory page read
	opBufferWrite  = 0x84 // buffer 1 write
	opBufferToPage = 0x83 // buffer 1 to main memory, with built-in erase
	opStatus       = 0xD7

	statusReady = 1 << 7

	// pageShift positions the page number in the 24-bit address for
	// 264-byte pages.
	pageShift = 9

	// pageReadOverhead is opcode + 3 address bytes + 4 dummy bytes.
	pageReadOverhead = 8

	programTimeout = 50 * time.Millisecond
	programPoll    = 500 * time.Microsecond

	maxClockFreq = 10 * physic.MegaHertz
)

// Programmer drives the actuator EEPROM over a host SPI port.
type Programmer struct {
	port spi.PortCloser
	conn spi.Conn
	name string
}

// Open connects to the EEPROM on the named SPI port (e.g.
// "SPI0.0" or "/dev/spidev0.0").
func Open(portName string) (*Programmer, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	port, err := spireg.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %s: %w", portName, err)
	}
	conn, err := port.Connect(maxClockFreq, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to connect on %s: %w", portName, err)
	}
	return &Programmer{port: port, conn: conn, name: portName}, nil
}

// Status reads the EEPROM status register.
func (p *Programmer) Status() (byte, error) {
	w := []byte{opStatus, 0x00}
	r := make([]byte, len(w))
	if err := p.conn.Tx(w, r); err != nil {
		return 0, fmt.Errorf("status read: %w", err)
	}
	return r[1], nil
}

func (p *Programmer) waitReady() error {
	deadline := time.Now().Add(programTimeout)
	for {
		status, err := p.Status()
		if err != nil {
			return err
		}
		if status&statusReady != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("EEPROM busy past %v", programTimeout)
		}
		time.Sleep(programPoll)
	}
}

func pageAddr(page uint16) [3]byte {
	addr := uint32(page) << pageShift
	return [3]byte{byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

// ReadPage reads one EEPROM page into data (at most one page).
func (p *Programmer) ReadPage(page uint16, data []byte) error {
	if page >= mcb.EepromPageCount {
		return fmt.Errorf("EEPROM page %d out of range", page)
	}
	if len(data) > mcb.EepromPageSize {
		return fmt.Errorf("read of %d bytes exceeds page size %d", len(data), mcb.EepromPageSize)
	}
	if err := p.waitReady(); err != nil {
		return err
	}

	addr := pageAddr(page)
	w := make([]byte, pageReadOverhead+len(data))
	w[0] = opPageRead
	copy(w[1:4], addr[:])
	r := make([]byte, len(w))
	if err := p.conn.Tx(w, r); err != nil {
		return fmt.Errorf("page %d read: %w", page, err)
	}
	copy(data, r[pageReadOverhead:])
	return nil
}

// WritePage writes one EEPROM page: fill buffer 1, then program it to
// the page and wait for the internal erase/program cycle.
func (p *Programmer) WritePage(page uint16, data []byte) error {
	if page >= mcb.EepromPageCount {
		return fmt.Errorf("EEPROM page %d out of range", page)
	}
	if len(data) > mcb.EepromPageSize {
		return fmt.Errorf("write of %d bytes exceeds page size %d", len(data), mcb.EepromPageSize)
	}
	if err := p.waitReady(); err != nil {
		return err
	}

	fill := make([]byte, 4+mcb.EepromPageSize)
	fill[0] = opBufferWrite
	for i := range fill[4:] {
		fill[4+i] = 0xFF
	}
	copy(fill[4:], data)
	if err := p.conn.Tx(fill, make([]byte, len(fill))); err != nil {
		return fmt.Errorf("buffer fill: %w", err)
	}

	addr := pageAddr(page)
	program := []byte{opBufferToPage, addr[0], addr[1], addr[2]}
	if err := p.conn.Tx(program, make([]byte, len(program))); err != nil {
		return fmt.Errorf("page %d program: %w", page, err)
	}
	return p.waitReady()
}

// ReadActuatorInfo reads and parses the actuator record page.
func (p *Programmer) ReadActuatorInfo() (*mcb.ActuatorInfo, error) {
	buf := make([]byte, mcb.EepromPageSize)
	if err := p.ReadPage(mcb.EepromPageCount-1, buf); err != nil {
		return nil, err
	}
	info := &mcb.ActuatorInfo{}
	if err := info.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return info, nil
}

// Program writes an actuator record, CRCs regenerated, to its page.
func (p *Programmer) Program(info *mcb.ActuatorInfo) error {
	if info == nil {
		return fmt.Errorf("nil actuator info")
	}
	buf, err := info.MarshalBinary()
	if err != nil {
		return err
	}
	return p.WritePage(mcb.EepromPageCount-1, buf)
}

// Close releases the SPI port.
func (p *Programmer) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	if err != nil {
		return fmt.Errorf("closing SPI port %s: %w", p.name, err)
	}
	return nil
}
