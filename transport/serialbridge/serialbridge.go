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

// Package serialbridge tunnels telegram frames through a serial bench
// adapter, for working on a board without a dedicated network segment.
// Each frame travels in a small envelope: a magic byte, a 16-bit
// length, the encoded frame and a checksum byte; the adapter answers
// with the mirrored frame in the same envelope.
package serialbridge

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	mcb "github.com/openrobots/go-mcb"
	"github.com/openrobots/go-mcb/internal/frame"
	"github.com/openrobots/go-mcb/internal/logging"
	"github.com/openrobots/go-mcb/internal/wire"
)

const (
	frameMagic = 0xE7
	envHdrSize = 3 // magic + length

	defaultBaudRate = 3_000_000
	readTimeout     = 50 * time.Millisecond

	// resyncLimit bounds the garbage skipped while hunting for the
	// magic byte after a framing slip.
	resyncLimit = 4096
)

// Transport implements mcb.Transport over a serial bench adapter.
type Transport struct {
	mu   sync.Mutex
	port serial.Port
	name string
}

// Open opens the named serial port at the bridge's fixed framing.
func Open(portName string) (*Transport, error) {
	return OpenWithBaudRate(portName, defaultBaudRate)
}

// OpenWithBaudRate opens the named serial port at a specific baud rate.
func OpenWithBaudRate(portName string, baudRate int) (*Transport, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("setting read timeout: %w", err)
	}
	return &Transport{port: port, name: portName}, nil
}

// CycleOnce implements mcb.Transport.
func (t *Transport) CycleOnce(f *mcb.Frame) bool {
	payload, err := wire.Encode(f)
	if err != nil {
		logging.L().Error("unencodable frame", "error", err)
		return false
	}
	if len(payload) > 0xFFFF {
		logging.L().Error("frame too large for bridge envelope", "size", len(payload))
		return false
	}

	env := make([]byte, envHdrSize+len(payload)+1)
	env[0] = frameMagic
	binary.LittleEndian.PutUint16(env[1:3], uint16(len(payload)))
	copy(env[envHdrSize:], payload)
	env[len(env)-1] = frame.Trailer(payload)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.port.Write(env); err != nil {
		logging.L().Warn("bridge write failed", "port", t.name, "error", err)
		return false
	}

	resp, err := t.readEnvelope()
	if err != nil {
		logging.L().Debug("bridge read failed", "port", t.name, "error", err)
		return false
	}
	if err := wire.Decode(resp, f); err != nil {
		logging.L().Debug("discarding unmatched bridge frame", "error", err)
		return false
	}
	return true
}

// readEnvelope reads one framed response, resynchronizing on the magic
// byte after a slip.
func (t *Transport) readEnvelope() ([]byte, error) {
	var b [1]byte
	for skipped := 0; ; skipped++ {
		if skipped >= resyncLimit {
			return nil, fmt.Errorf("no frame delimiter within %d bytes", resyncLimit)
		}
		if err := t.readFull(b[:]); err != nil {
			return nil, err
		}
		if b[0] == frameMagic {
			break
		}
	}

	var lenBuf [2]byte
	if err := t.readFull(lenBuf[:]); err != nil {
		return nil, err
	}
	length := int(binary.LittleEndian.Uint16(lenBuf[:]))

	body := make([]byte, length+1)
	if err := t.readFull(body); err != nil {
		return nil, err
	}
	payload := body[:length]
	if frame.Trailer(payload) != body[length] {
		return nil, fmt.Errorf("bridge envelope checksum mismatch")
	}
	return payload, nil
}

// readFull fills buf or fails on the port's read timeout.
func (t *Transport) readFull(buf []byte) error {
	at := 0
	for at < len(buf) {
		n, err := t.port.Read(buf[at:])
		if err != nil {
			return fmt.Errorf("serial read: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("serial read timeout after %d of %d bytes", at, len(buf))
		}
		at += n
	}
	return nil
}

// Close releases the serial port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	if err != nil {
		return fmt.Errorf("closing serial port %s: %w", t.name, err)
	}
	return nil
}
