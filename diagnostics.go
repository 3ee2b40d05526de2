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

package mcb

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/openrobots/go-mcb/internal/logging"
)

// Safety disable cause bits, as reported in the status and hold bytes.
const (
	safetyDisabled       = 1 << 0
	safetyUndervoltage   = 1 << 1
	safetyOverCurrent    = 1 << 2
	safetyBoardOverTemp  = 1 << 3
	safetyBridgeOverTemp = 1 << 4
	safetyOperational    = 1 << 5
	safetyWatchdog       = 1 << 6
)

// SafetyDisableStatus is the live safety block read from the device:
// the current cause bits, the sticky hold bits accumulated since the
// last read, and an 8-bit count of disable events.
type SafetyDisableStatus struct {
	Status uint8
	Hold   uint8
	Count  uint8
}

const safetyDisableSize = 3

func unpackSafetyDisableStatus(buf []byte) SafetyDisableStatus {
	_ = buf[safetyDisableSize-1]
	return SafetyDisableStatus{Status: buf[0], Hold: buf[1], Count: buf[2]}
}

// DiagnosticsInfo is the richer diagnostics block: calibration offsets,
// supply currents and the board's trip counters and limits.
type DiagnosticsInfo struct {
	ConfigOffsetCurrentA int16
	ConfigOffsetCurrentB int16
	SupplyCurrentIn      uint16
	SupplyCurrentOut     uint16
	BoardOverTempCount   uint16
	BridgeOverTempCount  uint16
	OverCurrentCount     uint16
	BoardOverTempLimit   uint16
	BridgeOverTempLimit  uint16
	LowerVoltageLimit    uint16
	UpperVoltageLimit    uint16
}

const diagnosticsInfoSize = 24

func unpackDiagnosticsInfo(buf []byte) DiagnosticsInfo {
	_ = buf[diagnosticsInfoSize-1]
	return DiagnosticsInfo{
		ConfigOffsetCurrentA: int16(binary.LittleEndian.Uint16(buf[0:2])),
		ConfigOffsetCurrentB: int16(binary.LittleEndian.Uint16(buf[2:4])),
		SupplyCurrentIn:      binary.LittleEndian.Uint16(buf[4:6]),
		SupplyCurrentOut:     binary.LittleEndian.Uint16(buf[6:8]),
		BoardOverTempCount:   binary.LittleEndian.Uint16(buf[8:10]),
		BridgeOverTempCount:  binary.LittleEndian.Uint16(buf[10:12]),
		OverCurrentCount:     binary.LittleEndian.Uint16(buf[12:14]),
		BoardOverTempLimit:   binary.LittleEndian.Uint16(buf[14:16]),
		BridgeOverTempLimit:  binary.LittleEndian.Uint16(buf[16:18]),
		LowerVoltageLimit:    binary.LittleEndian.Uint16(buf[18:20]),
		UpperVoltageLimit:    binary.LittleEndian.Uint16(buf[20:22]),
	}
}

// DeviceDiagnostics is the record shared between the realtime tick and
// the diagnostic collection pass. Lifetime totals are 32-bit sums of
// the device's 8-bit wrap counters.
type DeviceDiagnostics struct {
	// Valid is false until the first successful collection, and after
	// any failed one: the snapshot below is then stale.
	Valid bool
	// First is true until the first successful collection has seeded
	// the delta baseline.
	First bool

	SafetyDisable SafetyDisableStatus
	Info          DiagnosticsInfo

	SafetyDisableTotal  uint32
	UndervoltageTotal   uint32
	OverCurrentTotal    uint32
	BoardOverTempTotal  uint32
	BridgeOverTempTotal uint32
	OperationalTotal    uint32
	WatchdogTotal       uint32

	ChecksumErrors uint32

	// Calibration hand-off from the realtime side, persisted by the
	// next collection pass.
	ZeroOffsetPending bool
	PendingZeroOffset float64
}

// diagCell guards the shared diagnostics record. The collection side
// uses the blocking accessor; the realtime side is restricted to the
// non-blocking one and must tolerate losing the race.
type diagCell struct {
	mu  sync.Mutex
	rec DeviceDiagnostics
}

func (c *diagCell) with(fn func(*DeviceDiagnostics)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.rec)
}

// tryWith runs fn under the lock if it can be taken without blocking,
// reporting whether it ran.
func (c *diagCell) tryWith(fn func(*DeviceDiagnostics)) bool {
	if !c.mu.TryLock() {
		return false
	}
	defer c.mu.Unlock()
	fn(&c.rec)
	return true
}

// counterDelta returns how far an 8-bit wrap counter advanced. Correct
// as long as the counter cannot wrap more than once between reads.
func counterDelta(new, old uint8) uint32 {
	return uint32((new - old) & 0xFF)
}

// CollectDiagnostics is the periodic slow-path pass: check the device
// is still present, read the safety and diagnostics blocks, persist any
// pending calibration hand-off, and fold the 8-bit counters into the
// lifetime totals. On any failure the shared record is marked stale.
func (d *Device) CollectDiagnostics() error {
	err := d.collectDiagnostics()
	if err != nil {
		d.diag.with(func(dd *DeviceDiagnostics) {
			dd.Valid = false
		})
	}
	return err
}

func (d *Device) collectDiagnostics() error {
	// Presence check with a cheap register read, so an absent device
	// costs one lost telegram instead of a full mailbox timeout.
	var probe [1]byte
	if err := d.readRegister(0, probe[:]); err != nil {
		return fmt.Errorf("device %d not responding: %w", d.station, err)
	}

	sdBuf := make([]byte, safetyDisableSize)
	if err := d.ReadMailbox(safetyDisableAddr, sdBuf); err != nil {
		return fmt.Errorf("reading safety disable status: %w", err)
	}
	sd := unpackSafetyDisableStatus(sdBuf)

	infoBuf := make([]byte, diagnosticsInfoSize)
	if err := d.ReadMailbox(diagnosticsInfoAddr, infoBuf); err != nil {
		return fmt.Errorf("reading diagnostics info: %w", err)
	}
	info := unpackDiagnosticsInfo(infoBuf)

	d.persistPendingCalibration()

	// A held "operational" cause together with a realtime-observed
	// timestamp jump means the board reset itself behind our back.
	if sd.Hold&safetyOperational != 0 && d.timestampJumpDetected.Load() {
		if !d.internalResetDetected.Load() {
			logging.L().Error("device internal reset detected", "station", d.station)
		}
		d.internalResetDetected.Store(true)
	}

	d.diag.with(func(dd *DeviceDiagnostics) {
		if !dd.First {
			prev := dd.SafetyDisable
			delta := counterDelta(sd.Count, prev.Count)
			dd.SafetyDisableTotal += delta
			if sd.Hold&safetyUndervoltage != 0 {
				dd.UndervoltageTotal += delta
			}
			if sd.Hold&safetyOverCurrent != 0 {
				dd.OverCurrentTotal += delta
			}
			if sd.Hold&safetyBoardOverTemp != 0 {
				dd.BoardOverTempTotal += delta
			}
			if sd.Hold&safetyBridgeOverTemp != 0 {
				dd.BridgeOverTempTotal += delta
			}
			if sd.Hold&safetyOperational != 0 {
				dd.OperationalTotal += delta
			}
			if sd.Hold&safetyWatchdog != 0 {
				dd.WatchdogTotal += delta
			}
		}
		// Always replace the raw snapshot, so the next delta is
		// relative to the last values actually read.
		dd.SafetyDisable = sd
		dd.Info = info
		dd.First = false
		dd.Valid = true
	})
	return nil
}

// persistPendingCalibration writes a zero offset handed off by the
// realtime side. The mailbox write happens outside the cell lock; on
// failure the hand-off stays pending for the next pass.
func (d *Device) persistPendingCalibration() {
	var offset float64
	pending := false
	d.diag.with(func(dd *DeviceDiagnostics) {
		pending = dd.ZeroOffsetPending
		offset = dd.PendingZeroOffset
	})
	if !pending {
		return
	}
	if err := d.writeUserConfig(offset); err != nil {
		logging.L().Warn("unable to persist calibration", "offset", offset, "error", err)
		return
	}
	logging.L().Info("saved calibration", "offset", offset)
	d.diag.with(func(dd *DeviceDiagnostics) {
		if dd.PendingZeroOffset == offset {
			dd.ZeroOffsetPending = false
		}
	})
}

// DiagnosticsSnapshot is a point-in-time report of all device health
// counters for human-readable or exported diagnostics.
type DiagnosticsSnapshot struct {
	Mailbox MailboxDiagnostics
	Device  DeviceDiagnostics

	// Realtime tick counters. Read without synchronizing with the
	// tick; the values are advisory.
	Drops               uint32
	ConsecutiveDrops    uint32
	MaxConsecutiveDrops uint32
	MaxBoardTemp        float64
	MaxBridgeTemp       float64

	Faulted       bool
	TooManyDrops  bool
	TimestampJump bool
	InternalReset bool
	InLockout     bool
}

// Diagnostics returns a snapshot of the device health counters. Safe to
// call from any goroutine except the realtime tick.
func (d *Device) Diagnostics() DiagnosticsSnapshot {
	s := DiagnosticsSnapshot{
		Mailbox:             d.MailboxDiagnostics(),
		Drops:               d.drops,
		ConsecutiveDrops:    d.consecutiveDrops,
		MaxConsecutiveDrops: d.maxConsecutiveDrops,
		MaxBoardTemp:        float64(d.maxBoardTemp) * tempScale,
		MaxBridgeTemp:       float64(d.maxBridgeTemp) * tempScale,
		Faulted:             d.latch.isFaulted(),
		TooManyDrops:        d.tooManyDrops,
		TimestampJump:       d.timestampJumpDetected.Load(),
		InternalReset:       d.internalResetDetected.Load(),
		InLockout:           d.inLockout,
	}
	d.diag.with(func(dd *DeviceDiagnostics) {
		s.Device = *dd
	})
	return s
}

// SafetyDisableString decodes safety disable cause bits into a
// human-readable list.
func SafetyDisableString(bits uint8) string {
	if bits&safetyDisabled == 0 {
		return "ENABLED"
	}
	causes := []string{}
	if bits&safetyUndervoltage != 0 {
		causes = append(causes, "UNDERVOLTAGE")
	}
	if bits&safetyOverCurrent != 0 {
		causes = append(causes, "OVER_CURRENT")
	}
	if bits&safetyBoardOverTemp != 0 {
		causes = append(causes, "BOARD_OVER_TEMP")
	}
	if bits&safetyBridgeOverTemp != 0 {
		causes = append(causes, "HBRIDGE_OVER_TEMP")
	}
	if bits&safetyOperational != 0 {
		causes = append(causes, "OPERATIONAL")
	}
	if bits&safetyWatchdog != 0 {
		causes = append(causes, "WATCHDOG")
	}
	if len(causes) == 0 {
		return "DISABLED"
	}
	return "DISABLED: " + strings.Join(causes, ", ")
}

// ModeString decodes a mode byte into a human-readable list.
func ModeString(mode uint8) string {
	if mode == modeOff {
		return "OFF"
	}
	parts := []string{}
	if mode&modeEnable != 0 {
		parts = append(parts, "ENABLE")
	}
	if mode&modeCurrent != 0 {
		parts = append(parts, "CURRENT")
	}
	if mode&modeSafetyReset != 0 {
		parts = append(parts, "SAFETY_RESET")
	}
	if mode&modeSafetyLockout != 0 {
		parts = append(parts, "SAFETY_LOCKOUT")
	}
	if mode&modeUndervoltage != 0 {
		parts = append(parts, "UNDERVOLTAGE")
	}
	if mode&modeReset != 0 {
		parts = append(parts, "RESET")
	}
	return strings.Join(parts, ", ")
}
