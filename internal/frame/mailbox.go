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

package frame

import (
	"encoding/binary"
	"fmt"
)

// CmdType selects the direction of a mailbox command.
type CmdType uint8

const (
	// LocalBusRead requests a read of the device local bus.
	LocalBusRead CmdType = iota
	// LocalBusWrite requests a write to the device local bus.
	LocalBusWrite
)

// Header is a packed mailbox command header. The first four bytes are a
// little-endian word holding the 13-bit local bus address, a 10-bit
// length-1 field, the 3-bit sequence number and the write/!read flag.
// The fifth byte is the checksum trailer over the first four.
//
// The length field stores length-1 so that the 10-bit field can express
// transfers of 1..1024 bytes.
type Header [HdrSize]byte

const (
	hdrLengthShift = 13
	hdrSeqShift    = 23
	hdrWriteBit    = 1 << 26
)

// BuildHeader packs a mailbox command header for a local bus transfer of
// length bytes at address. Length limits are direction specific: writes
// are bounded by the command mailbox payload capacity, reads by the
// status mailbox size minus the checksum byte.
func BuildHeader(address, length uint, typ CmdType, seqnum uint8) (Header, error) {
	var hdr Header
	switch typ {
	case LocalBusWrite:
		if length > MbxDataSize {
			return hdr, fmt.Errorf("write length %d exceeds mailbox capacity %d", length, MbxDataSize)
		}
	case LocalBusRead:
		if length > MbxReadMax {
			return hdr, fmt.Errorf("read length %d exceeds mailbox capacity %d", length, MbxReadMax)
		}
	default:
		return hdr, fmt.Errorf("invalid mailbox command type %d", typ)
	}
	if length == 0 {
		return hdr, fmt.Errorf("zero length mailbox transfer")
	}
	if address > AddrMax {
		return hdr, fmt.Errorf("local bus address %#x exceeds %#x", address, AddrMax)
	}

	word := uint32(address) | uint32(length-1)<<hdrLengthShift | uint32(seqnum&SeqMask)<<hdrSeqShift
	if typ == LocalBusWrite {
		word |= hdrWriteBit
	}
	binary.LittleEndian.PutUint32(hdr[:4], word)
	hdr[4] = Trailer(hdr[:4])
	return hdr, nil
}

// Address returns the local bus address encoded in the header.
func (h Header) Address() uint {
	return uint(binary.LittleEndian.Uint32(h[:4]) & AddrMax)
}

// Length returns the transfer length encoded in the header.
func (h Header) Length() uint {
	return uint(binary.LittleEndian.Uint32(h[:4])>>hdrLengthShift&0x3FF) + 1
}

// Seqnum returns the 3-bit sequence number encoded in the header.
func (h Header) Seqnum() uint8 {
	return uint8(binary.LittleEndian.Uint32(h[:4]) >> hdrSeqShift & SeqMask)
}

// IsWrite reports whether the header describes a local bus write.
func (h Header) IsWrite() bool {
	return binary.LittleEndian.Uint32(h[:4])&hdrWriteBit != 0
}

// Valid reports whether the header checksum folds to zero.
func (h Header) Valid() bool {
	return Verify(h[:])
}

// BuildCommand packs a full mailbox command: header, payload and the
// payload checksum trailer. For reads data may be nil, in which case the
// payload region is zero filled. The returned slice is exactly
// HdrSize+length+1 bytes.
func BuildCommand(address, length uint, typ CmdType, seqnum uint8, data []byte) ([]byte, error) {
	hdr, err := BuildHeader(address, length, typ, seqnum)
	if err != nil {
		return nil, err
	}
	if data != nil && uint(len(data)) < length {
		return nil, fmt.Errorf("mailbox payload is %d bytes, need %d", len(data), length)
	}

	cmd := make([]byte, HdrSize+length+1)
	copy(cmd, hdr[:])
	if data != nil {
		copy(cmd[HdrSize:], data[:length])
	}
	cmd[HdrSize+length] = Trailer(cmd[HdrSize : HdrSize+length])
	return cmd, nil
}
