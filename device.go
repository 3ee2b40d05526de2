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
	"sync"
	"sync/atomic"
	"time"

	"github.com/openrobots/go-mcb/internal/logging"
)

// Local bus register map.
const (
	configInfoAddr      = 0x0080
	userConfigAddr      = 0x00C0
	safetyDisableAddr   = 0x0041
	diagnosticsInfoAddr = 0x0380
)

// DeviceConfig holds tunables for the protocol engines. The defaults
// match the device firmware's documented budgets.
type DeviceConfig struct {
	// MailboxWait is the budget for a mailbox to become full or empty.
	MailboxWait time.Duration
	// PollInterval is the pause between busy-poll attempts.
	PollInterval time.Duration
	// AllowUnprogrammed tolerates a device whose actuator info record
	// fails its CRC or version check; the board current limit is used.
	AllowUnprogrammed bool
}

// DefaultDeviceConfig returns the default engine configuration.
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		MailboxWait:  100 * time.Millisecond,
		PollInterval: 100 * time.Microsecond,
	}
}

// MotorModel is the external motor behavior model collaborator. It
// receives one telemetry sample per control tick and gates the
// verification result while the motor is enabled.
type MotorModel interface {
	// Sample records one per-tick telemetry sample.
	Sample(s *CycleSample)
	// Verify reports whether observed behavior matches the model.
	Verify() bool
	// Reset clears model state after an error latch is cleared.
	Reset()
	// RequestTrace asks the model to capture a diagnostic trace.
	RequestTrace(reason string, severity int, delay uint)
}

// Registrar receives the parsed actuator record during initialization,
// for use by upstream control software.
type Registrar interface {
	Register(info *ActuatorInfo) error
}

// errorLatch is the sticky device error state. The only transition out
// of the faulted state is an explicit reset command.
type errorLatch struct {
	faulted bool
}

func (l *errorLatch) fault() { l.faulted = true }

func (l *errorLatch) clear() { l.faulted = false }

func (l *errorLatch) isFaulted() bool { return l.faulted }

// Device is the protocol core for one motor controller board on the
// fieldbus.
//
// Two execution contexts touch a Device: the realtime command context
// (PackCommand, UnpackStatus) and the diagnostic context (mailbox,
// EEPROM and CollectDiagnostics calls). The mailbox lock serializes all
// mailbox conversations; the diagnostics cell carries the small record
// shared between the two contexts, with the realtime side restricted to
// non-blocking acquisition.
type Device struct {
	transport Transport
	logic     *Logic
	states    StateQuerier
	config    *DeviceConfig

	station  uint16
	position uint16

	// Mailbox engine state. mbxMu is held for the whole of every
	// transaction; the failure counters are atomics so diagnostics can
	// snapshot them without it.
	mbxMu  sync.Mutex
	mbxSeq uint8
	mbx    mbxCounters

	// State shared between the realtime and collection contexts.
	diag diagCell

	// Realtime-context state. Touched only by the control tick goroutine.
	actuator         *ActuatorInfo
	configInfo       ConfigInfo
	maxCurrent       float64
	zeroOffset       float64
	cachedZeroOffset float64

	sampleTime          time.Duration
	lastTimestamp       uint32
	lastLastTimestamp   uint32
	drops               uint32
	consecutiveDrops    uint32
	maxConsecutiveDrops uint32
	maxBoardTemp        int16
	maxBridgeTemp       int16

	latch            errorLatch
	tooManyDrops     bool
	inLockout        bool
	resetting        bool

	// Set in one context, read in the other.
	timestampJumpDetected atomic.Bool
	internalResetDetected atomic.Bool

	motorModel           MotorModel
	disableModelChecking bool
	traceRequested       bool
}

// New creates a device handle. The transport, telegram logic and state
// querier are shared collaborators; station and position select this
// device on the bus.
func New(transport Transport, logic *Logic, states StateQuerier, opts ...Option) (*Device, error) {
	if transport == nil {
		return nil, fmt.Errorf("nil transport")
	}
	if logic == nil {
		logic = NewLogic()
	}
	d := &Device{
		transport: transport,
		logic:     logic,
		states:    states,
		config:    DefaultDeviceConfig(),
	}
	d.diag.rec.First = true
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// ConfigInfo is the board configuration block read from the device at
// startup. Scales convert between device integer units and physical
// units.
type ConfigInfo struct {
	ProductID            uint32
	DeviceSerial         uint32
	NominalCurrentScale  float64
	NominalVoltageScale  float64
	AbsoluteCurrentLimit uint16
	CurrentLoopKp        uint8
	CurrentLoopKi        uint8
	WatchdogLimitMS      uint16
	ConfigurationStatus  uint8
}

// configInfoSize is the packed size of the configuration block on the
// local bus.
const configInfoSize = 24

func unpackConfigInfo(buf []byte) ConfigInfo {
	_ = buf[configInfoSize-1]
	return ConfigInfo{
		ProductID:            binary.LittleEndian.Uint32(buf[0:4]),
		DeviceSerial:         binary.LittleEndian.Uint32(buf[4:8]),
		NominalCurrentScale:  float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[8:12]))),
		NominalVoltageScale:  float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[12:16]))),
		AbsoluteCurrentLimit: binary.LittleEndian.Uint16(buf[16:18]),
		CurrentLoopKp:        buf[18],
		CurrentLoopKi:        buf[19],
		WatchdogLimitMS:      binary.LittleEndian.Uint16(buf[20:22]),
		ConfigurationStatus:  buf[22],
	}
}

// BoardCurrentLimit returns the board hardware current limit in amperes.
func (c ConfigInfo) BoardCurrentLimit() float64 {
	return float64(c.AbsoluteCurrentLimit) * c.NominalCurrentScale
}

// Init loads the device session: the configuration block through the
// mailbox, the actuator record from EEPROM, and any saved calibration
// offset. It must be called from the diagnostic context before the
// realtime cycle starts.
func (d *Device) Init(registrar Registrar) error {
	buf := make([]byte, configInfoSize)
	if err := d.ReadMailbox(configInfoAddr, buf); err != nil {
		return fmt.Errorf("unable to load configuration information: %w", err)
	}
	d.configInfo = unpackConfigInfo(buf)
	boardMax := d.configInfo.BoardCurrentLimit()

	info, err := d.ReadActuatorInfo()
	if err != nil {
		return fmt.Errorf("unable to read actuator info from EEPROM: %w", err)
	}

	if err := info.Validate(); err != nil {
		if !d.config.AllowUnprogrammed {
			return fmt.Errorf("device %d-%05d: %w", d.configInfo.ProductID, d.configInfo.DeviceSerial, err)
		}
		logging.L().Warn("device is not programmed, using board limits",
			"product", d.configInfo.ProductID, "serial", d.configInfo.DeviceSerial)
		d.maxCurrent = boardMax
		return nil
	}
	d.actuator = info

	if info.MaxCurrent > boardMax {
		logging.L().Warn("motor current limit greater than board current limit",
			"name", info.Name, "motor", info.MaxCurrent, "board", boardMax)
	}
	d.maxCurrent = math.Min(boardMax, info.MaxCurrent)

	if offset, ok := d.readSavedCalibration(); ok {
		d.zeroOffset = offset
		d.cachedZeroOffset = offset
		logging.L().Debug("loaded saved calibration", "name", info.Name, "offset", offset)
	}

	if registrar != nil {
		if err := registrar.Register(info); err != nil {
			return fmt.Errorf("registering actuator %q: %w", info.Name, err)
		}
	}
	return nil
}

// readSavedCalibration reads the persisted zero offset, if any.
func (d *Device) readSavedCalibration() (float64, bool) {
	cfg, err := d.readUserConfig()
	if err != nil {
		logging.L().Debug("no saved calibration", "error", err)
		return 0, false
	}
	return cfg.ZeroOffset, true
}

// ActuatorInfoRecord returns the actuator record read during Init, or
// nil when the device is unprogrammed.
func (d *Device) ActuatorInfoRecord() *ActuatorInfo {
	return d.actuator
}

// Station returns the device's fixed station address on the bus.
func (d *Device) Station() uint16 {
	return d.station
}

// Config returns the configuration block read during Init.
func (d *Device) Config() ConfigInfo {
	return d.configInfo
}

// MaxCurrent returns the effective current limit: the lesser of the
// board hardware limit and the actuator software limit.
func (d *Device) MaxCurrent() float64 {
	return d.maxCurrent
}

// SetMotorModel attaches the motor behavior model collaborator.
func (d *Device) SetMotorModel(m MotorModel) {
	d.motorModel = m
}

// RequestTrace asks the attached motor model to capture a trace on the
// next verification pass. Returns false when no model is attached.
func (d *Device) RequestTrace() bool {
	if d.motorModel == nil {
		return false
	}
	d.traceRequested = true
	return true
}

// Close releases the transport.
func (d *Device) Close() error {
	if d.transport != nil {
		if err := d.transport.Close(); err != nil {
			return fmt.Errorf("failed to close transport: %w", err)
		}
	}
	return nil
}

// verifyDeviceState checks that the device is in a fieldbus state that
// permits mailbox transactions.
func (d *Device) verifyDeviceState() error {
	if d.states == nil {
		return nil
	}
	if s := d.states.State(); !s.Operational() {
		return NewProtocolError("verifyDeviceState",
			fmt.Errorf("%w: state %#02x", ErrDeviceState, uint8(s)), ErrorTypeState)
	}
	return nil
}
