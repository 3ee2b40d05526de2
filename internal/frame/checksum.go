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

// checksumSeed is the accumulator seed for the rotate-XOR checksum.
const checksumSeed = 0x42

// RotateRight8 rotates an 8-bit value right by one bit.
func RotateRight8(in byte) byte {
	return (in >> 1) | (in << 7)
}

// Checksum computes the rotate-XOR checksum over data: the accumulator is
// seeded with 0x42 and, for each byte, rotated right one bit and XORed
// with the byte. It is not a linear checksum; the fold-to-zero property
// below only holds for trailers produced by Trailer.
func Checksum(data []byte) byte {
	checksum := byte(checksumSeed)
	for _, b := range data {
		checksum = RotateRight8(checksum) ^ b
	}
	return checksum
}

// Trailer returns the checksum byte to append to data so that
// Checksum(data || trailer) == 0.
func Trailer(data []byte) byte {
	return RotateRight8(Checksum(data))
}

// Verify reports whether buf, including its trailing checksum byte,
// folds to zero.
func Verify(buf []byte) bool {
	return Checksum(buf) == 0
}
