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

// Package mcb implements the host-side protocol core for fieldbus motor
// controller boards: the checksummed mailbox conversation used for
// configuration and diagnostics, the SPI EEPROM access that runs over
// it, the per-tick command/status process data codec with its safety
// verification gate, and the wrap-aware diagnostics aggregation.
//
// The package does not talk to the network itself. A Transport
// implementation (see transport/ethernet for the raw-socket one)
// carries telegram frames to the bus and back; everything above that
// boundary lives here.
//
// Basic usage:
//
//	tr, err := ethernet.Open("eth0")
//	if err != nil {
//		log.Fatal(err)
//	}
//	dev, err := mcb.New(tr, mcb.NewLogic(), states,
//		mcb.WithStation(1), mcb.WithPosition(0))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := dev.Init(registrar); err != nil {
//		log.Fatal(err)
//	}
//
// After Init, the realtime control loop calls PackCommand, UnpackStatus
// and VerifyStatus once per tick; a slower goroutine periodically calls
// CollectDiagnostics. The two sides coordinate through internal
// try-locked state, so the realtime calls never block.
package mcb
