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

//go:build !linux

// Package ethernet provides the raw-socket transport. It is only
// available on Linux; on other platforms Open fails and the serial
// bridge transport is the alternative.
package ethernet

import (
	"errors"

	mcb "github.com/openrobots/go-mcb"
)

// ErrUnsupported is returned by Open on platforms without raw packet
// sockets.
var ErrUnsupported = errors.New("ethernet transport requires Linux")

// Transport is a placeholder on non-Linux platforms.
type Transport struct{}

// Open always fails on non-Linux platforms.
func Open(string) (*Transport, error) {
	return nil, ErrUnsupported
}

// CycleOnce implements mcb.Transport.
func (*Transport) CycleOnce(*mcb.Frame) bool { return false }

// Close implements mcb.Transport.
func (*Transport) Close() error { return nil }
