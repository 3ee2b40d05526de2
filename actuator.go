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
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
)

// ActuatorInfo is the persistent actuator record stored in the last
// EEPROM page. It describes the motor attached to the board and the
// parameters the control software needs to drive it.
//
// The record carries two CRC-32 checksums over different prefixes of
// its packed form; older programming tools only wrote the short one, so
// a record validates when either matches.
type ActuatorInfo struct {
	MajorVersion uint8
	MinorVersion uint8
	ID           uint32
	Name         string
	RobotName    string
	MotorMake    string
	MotorModel   string

	MaxCurrent          float64 // A
	SpeedConstant       float64 // RPM/V
	Resistance          float64 // ohm
	MotorTorqueConstant float64 // Nm/A
	EncoderReduction    float64
	PulsesPerRevolution float64

	// Stored and recomputed CRCs, captured at unmarshal time for
	// Validate. Zero for records built in memory.
	crcShort     uint32
	crcShortWant uint32
	crcLong      uint32
	crcLongWant  uint32
}

// Packed record layout.
const (
	actuatorInfoSize = EepromPageSize

	aiNameLen   = 64
	aiStringLen = 32

	aiShortCRCOffset = 252 // CRC-32 over bytes [0, 252)
	aiLongCRCOffset  = 260 // CRC-32 over bytes [0, 260)
)

// Supported record version.
const (
	actuatorInfoMajor = 0
	actuatorInfoMinor = 2
)

func putCString(buf []byte, s string) {
	n := copy(buf[:len(buf)-1], s)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

func cString(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

// MarshalBinary packs the record into its EEPROM page form, writing
// both CRCs.
func (a *ActuatorInfo) MarshalBinary() ([]byte, error) {
	return a.marshal(), nil
}

// UnmarshalBinary parses a packed record. Call Validate afterwards to
// check the CRCs and version.
func (a *ActuatorInfo) UnmarshalBinary(data []byte) error {
	if len(data) < actuatorInfoSize {
		return fmt.Errorf("actuator record is %d bytes, need %d", len(data), actuatorInfoSize)
	}
	*a = *unmarshalActuatorInfo(data)
	return nil
}

// marshal packs the record and writes both CRCs.
func (a *ActuatorInfo) marshal() []byte {
	buf := make([]byte, actuatorInfoSize)
	buf[0] = a.MajorVersion
	buf[1] = a.MinorVersion
	binary.LittleEndian.PutUint32(buf[2:6], a.ID)
	putCString(buf[6:6+aiNameLen], a.Name)
	putCString(buf[70:70+aiStringLen], a.RobotName)
	putCString(buf[102:102+aiStringLen], a.MotorMake)
	putCString(buf[134:134+aiStringLen], a.MotorModel)
	binary.LittleEndian.PutUint64(buf[166:174], math.Float64bits(a.MaxCurrent))
	binary.LittleEndian.PutUint64(buf[174:182], math.Float64bits(a.SpeedConstant))
	binary.LittleEndian.PutUint64(buf[182:190], math.Float64bits(a.Resistance))
	binary.LittleEndian.PutUint64(buf[190:198], math.Float64bits(a.MotorTorqueConstant))
	binary.LittleEndian.PutUint64(buf[198:206], math.Float64bits(a.EncoderReduction))
	binary.LittleEndian.PutUint64(buf[206:214], math.Float64bits(a.PulsesPerRevolution))

	binary.LittleEndian.PutUint32(buf[aiShortCRCOffset:aiShortCRCOffset+4],
		crc32.ChecksumIEEE(buf[:aiShortCRCOffset]))
	binary.LittleEndian.PutUint32(buf[aiLongCRCOffset:aiLongCRCOffset+4],
		crc32.ChecksumIEEE(buf[:aiLongCRCOffset]))
	return buf
}

func unmarshalActuatorInfo(buf []byte) *ActuatorInfo {
	_ = buf[actuatorInfoSize-1]
	a := &ActuatorInfo{
		MajorVersion:        buf[0],
		MinorVersion:        buf[1],
		ID:                  binary.LittleEndian.Uint32(buf[2:6]),
		Name:                cString(buf[6 : 6+aiNameLen]),
		RobotName:           cString(buf[70 : 70+aiStringLen]),
		MotorMake:           cString(buf[102 : 102+aiStringLen]),
		MotorModel:          cString(buf[134 : 134+aiStringLen]),
		MaxCurrent:          math.Float64frombits(binary.LittleEndian.Uint64(buf[166:174])),
		SpeedConstant:       math.Float64frombits(binary.LittleEndian.Uint64(buf[174:182])),
		Resistance:          math.Float64frombits(binary.LittleEndian.Uint64(buf[182:190])),
		MotorTorqueConstant: math.Float64frombits(binary.LittleEndian.Uint64(buf[190:198])),
		EncoderReduction:    math.Float64frombits(binary.LittleEndian.Uint64(buf[198:206])),
		PulsesPerRevolution: math.Float64frombits(binary.LittleEndian.Uint64(buf[206:214])),
	}
	a.crcShort = binary.LittleEndian.Uint32(buf[aiShortCRCOffset : aiShortCRCOffset+4])
	a.crcLong = binary.LittleEndian.Uint32(buf[aiLongCRCOffset : aiLongCRCOffset+4])
	a.crcShortWant = crc32.ChecksumIEEE(buf[:aiShortCRCOffset])
	a.crcLongWant = crc32.ChecksumIEEE(buf[:aiLongCRCOffset])
	return a
}

// Validate checks the record's CRCs and version. A device whose record
// fails validation is unprogrammed and must not be trusted for motor
// parameters.
func (a *ActuatorInfo) Validate() error {
	if a.crcShort != a.crcShortWant && a.crcLong != a.crcLongWant {
		return fmt.Errorf("%w: actuator record checksum mismatch", ErrNotProgrammed)
	}
	if a.MajorVersion != actuatorInfoMajor || a.MinorVersion != actuatorInfoMinor {
		return fmt.Errorf("%w: unsupported record version %d.%d, need %d.%d",
			ErrNotProgrammed, a.MajorVersion, a.MinorVersion, actuatorInfoMajor, actuatorInfoMinor)
	}
	return nil
}

// UserConfig is the small persisted calibration record kept in device
// application RAM and restored at startup.
type UserConfig struct {
	Version    uint8
	ZeroOffset float64 // rad
}

const (
	userConfigSize    = 20
	userConfigVersion = 1
)

func (u UserConfig) marshal() []byte {
	buf := make([]byte, userConfigSize)
	buf[0] = u.Version
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(u.ZeroOffset))
	binary.LittleEndian.PutUint32(buf[16:20], crc32.ChecksumIEEE(buf[:16]))
	return buf
}

func unmarshalUserConfig(buf []byte) (UserConfig, error) {
	_ = buf[userConfigSize-1]
	want := crc32.ChecksumIEEE(buf[:16])
	got := binary.LittleEndian.Uint32(buf[16:20])
	if got != want {
		return UserConfig{}, fmt.Errorf("calibration record checksum mismatch")
	}
	u := UserConfig{
		Version:    buf[0],
		ZeroOffset: math.Float64frombits(binary.LittleEndian.Uint64(buf[8:16])),
	}
	if u.Version != userConfigVersion {
		return UserConfig{}, fmt.Errorf("unsupported calibration record version %d", u.Version)
	}
	return u, nil
}

// readUserConfig reads the persisted calibration record.
func (d *Device) readUserConfig() (UserConfig, error) {
	buf := make([]byte, userConfigSize)
	if err := d.ReadMailbox(userConfigAddr, buf); err != nil {
		return UserConfig{}, fmt.Errorf("reading calibration record: %w", err)
	}
	return unmarshalUserConfig(buf)
}

// writeUserConfig persists a calibration record.
func (d *Device) writeUserConfig(zeroOffset float64) error {
	u := UserConfig{Version: userConfigVersion, ZeroOffset: zeroOffset}
	if err := d.WriteMailbox(userConfigAddr, u.marshal()); err != nil {
		return fmt.Errorf("writing calibration record: %w", err)
	}
	return nil
}
