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

// Package frame provides the packed mailbox frame formats and the
// rotate-XOR checksum used by the motor controller board protocol.
package frame

// Mailbox window geometry. The command and status mailboxes are
// fixed-size byte windows at known physical addresses on the device.
const (
	// MbxCommandAddr is the physical address of the command (write) mailbox.
	MbxCommandAddr = 0x1400
	// MbxCommandSize is the size of the command mailbox window.
	MbxCommandSize = 512

	// MbxStatusAddr is the physical address of the status (read) mailbox.
	MbxStatusAddr = 0x2400
	// MbxStatusSize is the size of the status mailbox window.
	MbxStatusSize = 512

	// MbxCommandSyncManNum is the sync manager controlling the command mailbox.
	MbxCommandSyncManNum = 2
	// MbxStatusSyncManNum is the sync manager controlling the status mailbox.
	MbxStatusSyncManNum = 3
)

// Mailbox header geometry.
const (
	// HdrSize is the size of a packed mailbox command header (including
	// its trailing checksum byte).
	HdrSize = 5

	// MbxDataSize is the maximum payload of a local bus write: the
	// command mailbox window minus the header and the payload checksum.
	MbxDataSize = MbxCommandSize - HdrSize - 1

	// MbxReadMax is the maximum payload of a local bus read. One byte of
	// the status mailbox is reserved for the payload checksum.
	MbxReadMax = MbxStatusSize - 1

	// AddrMax is the largest addressable local bus location (13-bit field).
	AddrMax = 1<<13 - 1

	// SeqMask masks the 3-bit mailbox sequence number.
	SeqMask = 0x07
)
