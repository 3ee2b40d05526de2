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
	"math"
	"time"

	"github.com/openrobots/go-mcb/internal/frame"
	"github.com/openrobots/go-mcb/internal/logging"
)

// Process data image sizes for one device.
const (
	// CommandSize is the packed size of one command frame.
	CommandSize = 8
	// StatusSize is the packed size of one status frame.
	StatusSize = 44
)

// Mode bits shared by the command frame's request byte and the status
// frame's report byte.
const (
	modeOff           = 0
	modeEnable        = 1 << 0
	modeCurrent       = 1 << 1
	modeSafetyReset   = 1 << 4
	modeSafetyLockout = 1 << 5
	modeUndervoltage  = 1 << 6
	modeReset         = 1 << 7
)

const (
	// pwmMax is full-scale for the reported PWM duty field.
	pwmMax = 0x4000
	// tempScale converts the raw temperature fields to degrees Celsius.
	tempScale = 0.0078125

	// maxTimestampJump is the largest credible inter-frame timestamp
	// delta in microseconds. Anything larger means the device clock
	// restarted or the frame is nonsense.
	maxTimestampJump = 10_000_000

	// dropStreakLimit is the longest tolerated run of duplicate status
	// frames before the device is declared lost.
	dropStreakLimit = 10

	// traceDelay is the post-trigger sample count the motor model keeps
	// recording before publishing a trace.
	traceDelay = 100
)

// ActuatorCommand is the per-tick request from the controller.
type ActuatorCommand struct {
	// Effort is the requested motor effort in Nm.
	Effort float64
	// Enable drives the motor when true; false coasts.
	Enable bool
	// Reset requests the device clear its safety lockout, and clears
	// the host-side error latch.
	Reset bool
	// DigitalOut is copied to the board's digital output pin.
	DigitalOut uint8
	// ZeroOffset is the caller's current calibration offset in rad.
	// Changes are handed off to the diagnostic pass for persistence.
	ZeroOffset float64
}

// CycleSample is the per-tick telemetry record derived from two
// consecutive status frames. It is consumed immediately by the
// verification gate and, when attached, the motor model; it is never
// persisted.
type CycleSample struct {
	Timestamp time.Duration // accumulated device time, monotonic
	Position  float64       // rad, zero offset applied
	Velocity  float64       // rad/s

	Enabled bool
	Halted  bool

	ExecutedCurrent float64 // A, what the board programmed
	MeasuredCurrent float64 // A, what the sense resistor saw
	ExecutedEffort  float64 // Nm
	MeasuredEffort  float64 // Nm
	ProgrammedPWM   float64 // duty ratio

	SupplyVoltage float64 // V
	MotorVoltage  float64 // V
	BoardTemp     float64 // degC
	BridgeTemp    float64 // degC

	EncoderCount   int32
	EncoderErrors  uint16
	EncoderStatus  uint8
	PacketCount    uint16
	DigitalOut     uint8

	CalibrationReading bool
	CalRisingEdge      float64 // rad
	CalFallingEdge     float64 // rad

	SafetyLockout bool
	Undervoltage  bool
}

// statusFrame is the raw decoded status process data.
type statusFrame struct {
	mode               uint8
	digitalOut         uint8
	programmedPWM      int16
	programmedCurrent  int16
	measuredCurrent    int16
	timestamp          uint32
	encoderCount       int32
	encoderIndexPos    int32
	numEncoderErrors   uint16
	encoderStatus      uint8
	calibrationReading uint8
	lastCalRisingEdge  int32
	lastCalFallingEdge int32
	boardTemp          int16
	bridgeTemp         int16
	supplyVoltage      uint16
	motorVoltage       int16
	packetCount        uint16
}

func unpackStatusFrame(buf []byte) statusFrame {
	_ = buf[StatusSize-1]
	return statusFrame{
		mode:               buf[0],
		digitalOut:         buf[1],
		programmedPWM:      int16(binary.LittleEndian.Uint16(buf[2:4])),
		programmedCurrent:  int16(binary.LittleEndian.Uint16(buf[4:6])),
		measuredCurrent:    int16(binary.LittleEndian.Uint16(buf[6:8])),
		timestamp:          binary.LittleEndian.Uint32(buf[8:12]),
		encoderCount:       int32(binary.LittleEndian.Uint32(buf[12:16])),
		encoderIndexPos:    int32(binary.LittleEndian.Uint32(buf[16:20])),
		numEncoderErrors:   binary.LittleEndian.Uint16(buf[20:22]),
		encoderStatus:      buf[22],
		calibrationReading: buf[23],
		lastCalRisingEdge:  int32(binary.LittleEndian.Uint32(buf[24:28])),
		lastCalFallingEdge: int32(binary.LittleEndian.Uint32(buf[28:32])),
		boardTemp:          int16(binary.LittleEndian.Uint16(buf[32:34])),
		bridgeTemp:         int16(binary.LittleEndian.Uint16(buf[34:36])),
		supplyVoltage:      binary.LittleEndian.Uint16(buf[36:38]),
		motorVoltage:       int16(binary.LittleEndian.Uint16(buf[38:40])),
		packetCount:        binary.LittleEndian.Uint16(buf[40:42]),
	}
}

// timestampDiff returns the signed microsecond delta between two 32-bit
// device timestamps. Unsigned subtraction makes the result correct
// across a 0xFFFFFFFF to 0 rollover.
func timestampDiff(new, old uint32) int32 {
	return int32(new - old)
}

// positionDiff returns the signed count delta between two 32-bit
// encoder counts, wrap-safe like timestampDiff.
func positionDiff(new, old int32) int32 {
	return int32(uint32(new) - uint32(old))
}

// PackCommand packs one command frame into buf. Runs on the realtime
// tick and never blocks: the calibration hand-off to the diagnostic
// side is try-lock only and silently retried next tick on contention.
func (d *Device) PackCommand(cmd *ActuatorCommand, buf []byte) error {
	if len(buf) < CommandSize {
		return fmt.Errorf("command buffer %d bytes, need %d", len(buf), CommandSize)
	}

	if cmd.ZeroOffset != d.cachedZeroOffset {
		handed := d.diag.tryWith(func(dd *DeviceDiagnostics) {
			dd.PendingZeroOffset = cmd.ZeroOffset
			dd.ZeroOffsetPending = true
		})
		if handed {
			d.cachedZeroOffset = cmd.ZeroOffset
		}
	}
	d.zeroOffset = cmd.ZeroOffset

	if cmd.Reset {
		d.clearErrorFlags()
	}
	d.resetting = cmd.Reset

	current := 0.0
	if d.actuator != nil {
		if denom := d.actuator.EncoderReduction * d.actuator.MotorTorqueConstant; denom != 0 {
			current = cmd.Effort / denom
		}
	}
	current = math.Max(-d.maxCurrent, math.Min(d.maxCurrent, current))

	var programmed int16
	if scale := d.configInfo.NominalCurrentScale; scale > 0 {
		programmed = int16(current / scale)
	}

	mode := uint8(modeOff)
	if cmd.Enable && !d.latch.isFaulted() {
		mode = modeEnable | modeCurrent
	}
	if cmd.Reset {
		mode |= modeSafetyReset
	}

	binary.LittleEndian.PutUint16(buf[0:2], uint16(programmed))
	buf[2] = mode
	buf[3] = cmd.DigitalOut
	buf[4] = 0
	buf[5] = 0
	buf[6] = 0
	buf[7] = frame.Trailer(buf[:CommandSize-1])
	return nil
}

// UnpackStatus derives one telemetry sample from the current and
// previous raw status frames. A checksum failure is counted and faults
// the device; no sample is produced from a corrupt frame.
func (d *Device) UnpackStatus(status, prevStatus []byte) (*CycleSample, error) {
	if len(status) < StatusSize || len(prevStatus) < StatusSize {
		return nil, fmt.Errorf("status buffers %d/%d bytes, need %d", len(status), len(prevStatus), StatusSize)
	}
	if !frame.Verify(status[:StatusSize]) {
		d.diag.tryWith(func(dd *DeviceDiagnostics) {
			dd.ChecksumErrors++
		})
		d.latch.fault()
		return nil, NewProtocolError("UnpackStatus", ErrChecksum, ErrorTypeProtocol)
	}

	st := unpackStatusFrame(status)
	pr := unpackStatusFrame(prevStatus)

	tdiff := timestampDiff(st.timestamp, pr.timestamp)
	if tdiff > 0 {
		d.sampleTime += time.Duration(tdiff) * time.Microsecond
	}

	s := &CycleSample{
		Timestamp:     d.sampleTime,
		Enabled:       st.mode&modeEnable != 0,
		Halted:        d.latch.isFaulted() || st.mode == modeOff,
		ProgrammedPWM: float64(st.programmedPWM) / pwmMax,
		SupplyVoltage: float64(st.supplyVoltage) * d.configInfo.NominalVoltageScale,
		MotorVoltage:  float64(st.motorVoltage) * d.configInfo.NominalVoltageScale,
		BoardTemp:     float64(st.boardTemp) * tempScale,
		BridgeTemp:    float64(st.bridgeTemp) * tempScale,
		EncoderCount:  st.encoderCount,
		EncoderErrors: st.numEncoderErrors,
		EncoderStatus: st.encoderStatus,
		PacketCount:   st.packetCount,
		DigitalOut:    st.digitalOut,

		CalibrationReading: st.calibrationReading != 0,

		SafetyLockout: st.mode&modeSafetyLockout != 0,
		Undervoltage:  st.mode&modeUndervoltage != 0,
	}

	if scale := d.configInfo.NominalCurrentScale; scale > 0 {
		s.ExecutedCurrent = float64(st.programmedCurrent) * scale
		s.MeasuredCurrent = float64(st.measuredCurrent) * scale
	}
	if d.actuator != nil {
		torquePerAmp := d.actuator.EncoderReduction * d.actuator.MotorTorqueConstant
		s.ExecutedEffort = s.ExecutedCurrent * torquePerAmp
		s.MeasuredEffort = s.MeasuredCurrent * torquePerAmp

		if ppr := d.actuator.PulsesPerRevolution; ppr > 0 {
			s.Position = float64(st.encoderCount)/ppr*2*math.Pi - d.zeroOffset
			s.CalRisingEdge = float64(st.lastCalRisingEdge)/ppr*2*math.Pi - d.zeroOffset
			s.CalFallingEdge = float64(st.lastCalFallingEdge)/ppr*2*math.Pi - d.zeroOffset

			if tdiff != 0 {
				posDelta := float64(positionDiff(st.encoderCount, pr.encoderCount)) / ppr * 2 * math.Pi
				s.Velocity = posDelta / (float64(tdiff) * 1e-6)
			}
		}
	}

	if st.boardTemp > d.maxBoardTemp {
		d.maxBoardTemp = st.boardTemp
	}
	if st.bridgeTemp > d.maxBridgeTemp {
		d.maxBridgeTemp = st.bridgeTemp
	}
	return s, nil
}

// VerifyStatus is the safety gate, run once per tick after UnpackStatus.
// The checks run in a fixed order; later checks assume the earlier ones
// already ran and updated the shared counters. A false result latches
// the device error until a reset command clears it.
func (d *Device) VerifyStatus(sample *CycleSample, status []byte) bool {
	st := unpackStatusFrame(status)
	ok := d.runVerification(sample, st)

	d.lastLastTimestamp = d.lastTimestamp
	d.lastTimestamp = st.timestamp

	if !ok && !d.latch.isFaulted() {
		logging.L().Error("device faulted",
			"lockout", d.inLockout,
			"too_many_drops", d.tooManyDrops,
			"timestamp_jump", d.timestampJumpDetected.Load(),
			"internal_reset", d.internalResetDetected.Load())
	}
	if !ok {
		d.latch.fault()
	}
	return ok
}

func (d *Device) runVerification(sample *CycleSample, st statusFrame) bool {
	// The model sees every sample, healthy or not, so its history stays
	// contiguous.
	if d.motorModel != nil {
		d.motorModel.Sample(sample)
		if d.traceRequested {
			d.traceRequested = false
			d.motorModel.RequestTrace("Manually triggered", 0, traceDelay)
		}
	}

	// A timestamp matching either of the last two frames means the bus
	// cycle returned stale data; the rest of the frame is a rerun and
	// must not feed the checks below.
	if st.timestamp == d.lastTimestamp || st.timestamp == d.lastLastTimestamp {
		d.drops++
		d.consecutiveDrops++
		if d.consecutiveDrops > d.maxConsecutiveDrops {
			d.maxConsecutiveDrops = d.consecutiveDrops
		}
		if d.consecutiveDrops > dropStreakLimit {
			d.tooManyDrops = true
			return false
		}
		return true
	}
	d.consecutiveDrops = 0

	if diff := timestampDiff(st.timestamp, d.lastTimestamp); diff > maxTimestampJump || diff < -maxTimestampJump {
		d.timestampJumpDetected.Store(true)
	}

	if st.mode&modeSafetyLockout != 0 && !d.resetting {
		if !d.inLockout && d.motorModel != nil {
			d.motorModel.RequestTrace("Safety Lockout", 2, traceDelay)
		}
		d.inLockout = true
		return false
	}
	d.inLockout = false

	if d.internalResetDetected.Load() {
		return false
	}

	if sample != nil && sample.Enabled &&
		d.motorModel != nil && !d.disableModelChecking && !d.motorModel.Verify() {
		return false
	}
	return true
}

// Faulted reports whether the sticky error latch is set.
func (d *Device) Faulted() bool {
	return d.latch.isFaulted()
}

// clearErrorFlags is the single Faulted-to-Normal transition, driven by
// an explicit reset command.
func (d *Device) clearErrorFlags() {
	d.latch.clear()
	d.tooManyDrops = false
	d.consecutiveDrops = 0
	d.timestampJumpDetected.Store(false)
	d.internalResetDetected.Store(false)
	if d.motorModel != nil {
		d.motorModel.Reset()
	}
}
