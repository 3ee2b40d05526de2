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

import "testing"

func TestBuildHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		address uint
		length  uint
		typ     CmdType
		seqnum  uint8
	}{
		{name: "read one byte at zero", address: 0, length: 1, typ: LocalBusRead, seqnum: 0},
		{name: "write config block", address: 0x0080, length: 24, typ: LocalBusWrite, seqnum: 3},
		{name: "read max address", address: AddrMax, length: 16, typ: LocalBusRead, seqnum: 7},
		{name: "write max payload", address: 0x1000, length: MbxDataSize, typ: LocalBusWrite, seqnum: 5},
		{name: "read max payload", address: 0x0230, length: MbxReadMax, typ: LocalBusRead, seqnum: 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			hdr, err := BuildHeader(tt.address, tt.length, tt.typ, tt.seqnum)
			if err != nil {
				t.Fatalf("BuildHeader() error = %v", err)
			}
			if !hdr.Valid() {
				t.Error("header checksum does not fold to zero")
			}
			if got := hdr.Address(); got != tt.address {
				t.Errorf("Address() = %#x, want %#x", got, tt.address)
			}
			if got := hdr.Length(); got != tt.length {
				t.Errorf("Length() = %d, want %d", got, tt.length)
			}
			if got := hdr.Seqnum(); got != tt.seqnum {
				t.Errorf("Seqnum() = %d, want %d", got, tt.seqnum)
			}
			if got := hdr.IsWrite(); got != (tt.typ == LocalBusWrite) {
				t.Errorf("IsWrite() = %v, want %v", got, tt.typ == LocalBusWrite)
			}
		})
	}
}

func TestBuildHeaderLimits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		address uint
		length  uint
		typ     CmdType
	}{
		{name: "zero length", address: 0, length: 0, typ: LocalBusRead},
		{name: "address too large", address: AddrMax + 1, length: 1, typ: LocalBusRead},
		{name: "write too long", address: 0, length: MbxDataSize + 1, typ: LocalBusWrite},
		{name: "read too long", address: 0, length: MbxReadMax + 1, typ: LocalBusRead},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := BuildHeader(tt.address, tt.length, tt.typ, 0); err == nil {
				t.Error("BuildHeader() accepted out-of-range arguments")
			}
		})
	}
}

func TestBuildHeaderDirectionalLimitsDiffer(t *testing.T) {
	t.Parallel()
	// A transfer longer than the write capacity but within the read
	// capacity must be accepted as a read and rejected as a write.
	length := uint(MbxDataSize + 1)
	if _, err := BuildHeader(0, length, LocalBusRead, 0); err != nil {
		t.Errorf("read of %d bytes rejected: %v", length, err)
	}
	if _, err := BuildHeader(0, length, LocalBusWrite, 0); err == nil {
		t.Errorf("write of %d bytes accepted", length)
	}
}

func TestBuildCommand(t *testing.T) {
	t.Parallel()
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	cmd, err := BuildCommand(0x0100, uint(len(data)), LocalBusWrite, 2, data)
	if err != nil {
		t.Fatalf("BuildCommand() error = %v", err)
	}
	if len(cmd) != HdrSize+len(data)+1 {
		t.Fatalf("command length = %d, want %d", len(cmd), HdrSize+len(data)+1)
	}
	if !Verify(cmd[:HdrSize]) {
		t.Error("header region does not fold to zero")
	}
	if !Verify(cmd[HdrSize:]) {
		t.Error("payload region does not fold to zero")
	}
}

func TestBuildCommandZeroFill(t *testing.T) {
	t.Parallel()
	cmd, err := BuildCommand(0x0040, 8, LocalBusRead, 0, nil)
	if err != nil {
		t.Fatalf("BuildCommand() error = %v", err)
	}
	for i := HdrSize; i < HdrSize+8; i++ {
		if cmd[i] != 0 {
			t.Errorf("payload byte %d = %#x, want 0", i, cmd[i])
		}
	}
	if !Verify(cmd[HdrSize:]) {
		t.Error("zero payload region does not fold to zero")
	}
}
