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

func TestRotateRight8(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   uint8
		want uint8
	}{
		{name: "zero", in: 0x00, want: 0x00},
		{name: "one rotates to top bit", in: 0x01, want: 0x80},
		{name: "top bit rotates to bottom", in: 0x80, want: 0x40},
		{name: "all ones", in: 0xFF, want: 0xFF},
		{name: "pattern", in: 0xA5, want: 0xD2},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := RotateRight8(tt.in); got != tt.want {
				t.Errorf("RotateRight8(%#x) = %#x, want %#x", tt.in, got, tt.want)
			}
		})
	}
}

func TestChecksumSeed(t *testing.T) {
	t.Parallel()
	// An empty buffer folds to the bare seed.
	if got := Checksum(nil); got != 0x42 {
		t.Errorf("Checksum(nil) = %#x, want 0x42", got)
	}
}

func TestTrailerMakesFoldZero(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
	}{
		{name: "single byte", data: []byte{0x00}},
		{name: "header sized", data: []byte{0x80, 0x00, 0x00, 0x04}},
		{name: "all ones", data: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
		{name: "counting", data: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			buf := append(append([]byte{}, tt.data...), Trailer(tt.data))
			if !Verify(buf) {
				t.Errorf("Verify(%#v) = false after appending trailer", buf)
			}
		})
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	t.Parallel()
	data := []byte{0x10, 0x20, 0x30, 0x40, 0x50}
	buf := append(append([]byte{}, data...), Trailer(data))

	for i := range buf {
		corrupted := append([]byte{}, buf...)
		corrupted[i] ^= 0x01
		if Verify(corrupted) {
			t.Errorf("Verify accepted a single-bit flip at byte %d", i)
		}
	}
}
