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

package mcb_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcb "github.com/openrobots/go-mcb"
	"github.com/openrobots/go-mcb/internal/frame"
	"github.com/openrobots/go-mcb/internal/sim"
)

const (
	testConfigInfoAddr    = 0x0080
	testUserConfigAddr    = 0x00C0
	testSafetyDisableAddr = 0x0041
)

// packTestConfigInfo builds a config info block: 0.01 A/count,
// 0.02 V/count, 500-count absolute limit (5 A board limit).
func packTestConfigInfo() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[0:4], 6805005)
	binary.LittleEndian.PutUint32(buf[4:8], 12345)
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(0.01))
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(0.02))
	binary.LittleEndian.PutUint16(buf[16:18], 500)
	buf[18] = 4
	buf[19] = 2
	binary.LittleEndian.PutUint16(buf[20:22], 100)
	buf[22] = 1
	return buf
}

type captureRegistrar struct {
	infos []*mcb.ActuatorInfo
}

func (r *captureRegistrar) Register(info *mcb.ActuatorInfo) error {
	r.infos = append(r.infos, info)
	return nil
}

func TestDeviceInit(t *testing.T) {
	t.Parallel()
	board := sim.NewBoard()
	dev := newTestDevice(t, board)

	board.SetLocalBus(testConfigInfoAddr, packTestConfigInfo())
	require.NoError(t, dev.Program(testActuatorInfo()))

	reg := &captureRegistrar{}
	require.NoError(t, dev.Init(reg))

	assert.EqualValues(t, 6805005, dev.Config().ProductID)
	assert.InDelta(t, 5.0, dev.Config().BoardCurrentLimit(), 1e-6)

	// Actuator limit 3.12 A is below the 5 A board limit.
	assert.InDelta(t, 3.12, dev.MaxCurrent(), 1e-9)

	require.Len(t, reg.infos, 1)
	assert.Equal(t, "left_wheel_motor", reg.infos[0].Name)
	require.NotNil(t, dev.ActuatorInfoRecord())
}

func TestDeviceInitUnprogrammed(t *testing.T) {
	t.Parallel()
	board := sim.NewBoard()
	board.SetLocalBus(testConfigInfoAddr, packTestConfigInfo())

	// Erased EEPROM: the record fails validation.
	dev := newTestDevice(t, board)
	err := dev.Init(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, mcb.ErrNotProgrammed)
}

func TestDeviceInitUnprogrammedTolerated(t *testing.T) {
	t.Parallel()
	board := sim.NewBoard()
	board.SetLocalBus(testConfigInfoAddr, packTestConfigInfo())

	d, err := mcb.New(board, mcb.NewLogic(), sim.AlwaysOp{},
		mcb.WithStation(1), mcb.WithAllowUnprogrammed())
	require.NoError(t, err)

	require.NoError(t, d.Init(nil))
	assert.Nil(t, d.ActuatorInfoRecord())
	assert.InDelta(t, 5.0, d.MaxCurrent(), 1e-6, "board limit applies")
}

func TestCollectDiagnosticsWrapAwareTotals(t *testing.T) {
	t.Parallel()
	board := sim.NewBoard()
	dev := newTestDevice(t, board)

	// First pass seeds the baseline at count 250.
	board.SetLocalBus(testSafetyDisableAddr, []byte{0x01, 0x02, 250})
	require.NoError(t, dev.CollectDiagnostics())

	snap := dev.Diagnostics()
	assert.True(t, snap.Device.Valid)
	assert.Zero(t, snap.Device.SafetyDisableTotal)

	// Counter wrapped 250 -> 3: nine more disables, held undervoltage.
	board.SetLocalBus(testSafetyDisableAddr, []byte{0x01, 0x02, 3})
	require.NoError(t, dev.CollectDiagnostics())

	snap = dev.Diagnostics()
	assert.EqualValues(t, 9, snap.Device.SafetyDisableTotal)
	assert.EqualValues(t, 9, snap.Device.UndervoltageTotal)
	assert.Zero(t, snap.Device.WatchdogTotal)
	assert.EqualValues(t, 3, snap.Device.SafetyDisable.Count)
}

func TestCollectDiagnosticsAbsentDevice(t *testing.T) {
	t.Parallel()
	board := sim.NewBoard()
	board.Station = 9 // wrong station: nobody answers the probe
	dev := newTestDevice(t, board)

	require.Error(t, dev.CollectDiagnostics())
	assert.False(t, dev.Diagnostics().Device.Valid)
}

func TestCollectDiagnosticsPersistsCalibration(t *testing.T) {
	t.Parallel()
	board := sim.NewBoard()
	dev := newTestDevice(t, board)

	buf := make([]byte, mcb.CommandSize)
	require.NoError(t, dev.PackCommand(&mcb.ActuatorCommand{ZeroOffset: 0.25}, buf))

	require.NoError(t, dev.CollectDiagnostics())

	rec := board.LocalBus(testUserConfigAddr, 20)
	assert.EqualValues(t, 1, rec[0], "record version")
	offset := math.Float64frombits(binary.LittleEndian.Uint64(rec[8:16]))
	assert.Equal(t, 0.25, offset)

	snap := dev.Diagnostics()
	assert.False(t, snap.Device.ZeroOffsetPending, "hand-off consumed")
}

func TestInternalResetDetection(t *testing.T) {
	t.Parallel()
	board := sim.NewBoard()
	dev := newTestDevice(t, board)

	// Realtime side observes a timestamp jump...
	require.True(t, dev.VerifyStatus(&mcb.CycleSample{}, makeTestStatus(t, 1000)))
	assert.True(t, dev.VerifyStatus(&mcb.CycleSample{}, makeTestStatus(t, 200_000_000)))
	assert.True(t, dev.Diagnostics().TimestampJump)

	// ...and the diagnostic pass sees the held "operational" cause:
	// the board reset itself.
	board.SetLocalBus(testSafetyDisableAddr, []byte{0x01, 0x20, 1})
	require.NoError(t, dev.CollectDiagnostics())
	assert.True(t, dev.Diagnostics().InternalReset)

	assert.False(t, dev.VerifyStatus(&mcb.CycleSample{}, makeTestStatus(t, 200_001_000)))
	assert.True(t, dev.Faulted())
}

// makeTestStatus builds a minimal checksummed status frame.
func makeTestStatus(t *testing.T, timestamp uint32) []byte {
	t.Helper()
	buf := make([]byte, mcb.StatusSize)
	binary.LittleEndian.PutUint32(buf[8:12], timestamp)
	buf[mcb.StatusSize-1] = frame.Trailer(buf[:mcb.StatusSize-1])
	return buf
}
