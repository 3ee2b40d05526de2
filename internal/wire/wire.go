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

// Package wire packs telegram frames into their on-the-wire form and
// parses the mirrored responses, for use by the raw-socket and serial
// bridge transports.
package wire

import (
	"encoding/binary"
	"fmt"

	mcb "github.com/openrobots/go-mcb"
)

// EtherType is the fieldbus frame ethertype.
const EtherType = 0x88A4

// Frame layout: a 2-byte frame header (11-bit payload length, frame
// type in the top nibble) followed by back-to-back datagrams. Each
// datagram carries a 10-byte header, its data, and the 2-byte working
// counter mirrored back by devices.
const (
	frameHdrSize  = 2
	frameLenMask  = 0x07FF
	frameTypeData = 1 << 12

	dgHdrSize  = 10
	dgTailSize = 2
	dgMoreBit  = 1 << 15
)

// Datagram command codes.
const (
	cmdNop  = 0x00
	cmdAPRD = 0x01
	cmdAPWR = 0x02
	cmdFPRD = 0x04
	cmdFPWR = 0x05
)

func opToCmd(op mcb.TelegramOp) (uint8, error) {
	switch op {
	case mcb.OpNop:
		return cmdNop, nil
	case mcb.OpPositionalRead:
		return cmdAPRD, nil
	case mcb.OpPositionalWrite:
		return cmdAPWR, nil
	case mcb.OpFixedRead:
		return cmdFPRD, nil
	case mcb.OpFixedWrite:
		return cmdFPWR, nil
	default:
		return 0, fmt.Errorf("unknown telegram op %d", op)
	}
}

// EncodedSize returns the wire size of a frame.
func EncodedSize(f *mcb.Frame) int {
	n := frameHdrSize
	for _, tg := range f.Telegrams {
		n += dgHdrSize + len(tg.Data) + dgTailSize
	}
	return n
}

// Encode packs a frame for transmission.
func Encode(f *mcb.Frame) ([]byte, error) {
	if len(f.Telegrams) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	buf := make([]byte, EncodedSize(f))
	payloadLen := len(buf) - frameHdrSize
	if payloadLen > frameLenMask {
		return nil, fmt.Errorf("frame payload %d bytes exceeds %d", payloadLen, frameLenMask)
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(payloadLen)|frameTypeData)

	at := frameHdrSize
	for i, tg := range f.Telegrams {
		cmd, err := opToCmd(tg.Op)
		if err != nil {
			return nil, err
		}
		if len(tg.Data) > frameLenMask {
			return nil, fmt.Errorf("telegram %d data %d bytes exceeds %d", i, len(tg.Data), frameLenMask)
		}

		buf[at] = cmd
		buf[at+1] = tg.Idx
		binary.LittleEndian.PutUint16(buf[at+2:at+4], tg.Addr)
		binary.LittleEndian.PutUint16(buf[at+4:at+6], tg.Offset)
		length := uint16(len(tg.Data))
		if i < len(f.Telegrams)-1 {
			length |= dgMoreBit
		}
		binary.LittleEndian.PutUint16(buf[at+6:at+8], length)
		// irq field stays zero
		at += dgHdrSize

		switch tg.Op {
		case mcb.OpPositionalWrite, mcb.OpFixedWrite:
			copy(buf[at:], tg.Data)
		}
		at += len(tg.Data)

		binary.LittleEndian.PutUint16(buf[at:at+2], tg.WKC)
		at += dgTailSize
	}
	return buf, nil
}

// Decode parses a response frame into the telegrams it answers: read
// data and working counters are copied back. The response must mirror
// the request's datagram order, indexes and lengths.
func Decode(buf []byte, f *mcb.Frame) error {
	if len(buf) < frameHdrSize {
		return fmt.Errorf("response frame truncated at %d bytes", len(buf))
	}
	payloadLen := int(binary.LittleEndian.Uint16(buf[0:2]) & frameLenMask)
	if frameHdrSize+payloadLen > len(buf) {
		return fmt.Errorf("response payload %d bytes exceeds frame %d", payloadLen, len(buf))
	}

	at := frameHdrSize
	for i, tg := range f.Telegrams {
		if at+dgHdrSize > len(buf) {
			return fmt.Errorf("response truncated at telegram %d", i)
		}
		cmd, err := opToCmd(tg.Op)
		if err != nil {
			return err
		}
		if buf[at] != cmd || buf[at+1] != tg.Idx {
			return fmt.Errorf("telegram %d mismatch: got cmd %#x idx %d, want cmd %#x idx %d",
				i, buf[at], buf[at+1], cmd, tg.Idx)
		}
		length := int(binary.LittleEndian.Uint16(buf[at+6:at+8]) & frameLenMask)
		if length != len(tg.Data) {
			return fmt.Errorf("telegram %d length mismatch: got %d, want %d", i, length, len(tg.Data))
		}
		at += dgHdrSize

		if at+length+dgTailSize > len(buf) {
			return fmt.Errorf("response truncated in telegram %d data", i)
		}
		switch tg.Op {
		case mcb.OpPositionalRead, mcb.OpFixedRead:
			copy(tg.Data, buf[at:at+length])
		}
		at += length

		tg.WKC = binary.LittleEndian.Uint16(buf[at : at+2])
		at += dgTailSize
	}
	return nil
}
