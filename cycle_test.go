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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrobots/go-mcb/internal/frame"
)

// stubModel records motor model interactions.
type stubModel struct {
	traces   []string
	samples  int
	resets   int
	verifyOK bool
}

func (m *stubModel) Sample(*CycleSample) { m.samples++ }
func (m *stubModel) Verify() bool        { return m.verifyOK }
func (m *stubModel) Reset()              { m.resets++ }
func (m *stubModel) RequestTrace(reason string, _ int, _ uint) {
	m.traces = append(m.traces, reason)
}

// newCycleDevice builds a device with realistic motor constants and no
// transport, enough for the realtime codec paths.
func newCycleDevice() *Device {
	return &Device{
		config: DefaultDeviceConfig(),
		configInfo: ConfigInfo{
			NominalCurrentScale: 0.01,
			NominalVoltageScale: 0.02,
		},
		actuator: &ActuatorInfo{
			MaxCurrent:          3.0,
			MotorTorqueConstant: 0.05,
			EncoderReduction:    2.0,
			PulsesPerRevolution: 1200,
		},
		maxCurrent: 3.0,
	}
}

// makeStatus builds a checksummed status frame.
func makeStatus(timestamp uint32, mode uint8, encoder int32) []byte {
	buf := make([]byte, StatusSize)
	buf[0] = mode
	binary.LittleEndian.PutUint32(buf[8:12], timestamp)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(encoder))
	buf[StatusSize-1] = frame.Trailer(buf[:StatusSize-1])
	return buf
}

func TestTimestampDiffWrap(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		new  uint32
		old  uint32
		want int32
	}{
		{name: "simple forward", new: 1000, old: 400, want: 600},
		{name: "rollover", new: 1, old: 0xFFFFFFFF, want: 2},
		{name: "backward", new: 400, old: 1000, want: -600},
		{name: "equal", new: 5, old: 5, want: 0},
		{name: "rollover backward", new: 0xFFFFFFFE, old: 2, want: -4},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, timestampDiff(tt.new, tt.old))
		})
	}
}

func TestPackCommandModeAndChecksum(t *testing.T) {
	t.Parallel()
	d := newCycleDevice()

	buf := make([]byte, CommandSize)
	cmd := &ActuatorCommand{Effort: 0.2, Enable: true, DigitalOut: 1}
	require.NoError(t, d.PackCommand(cmd, buf))

	assert.True(t, frame.Verify(buf), "command frame must fold to zero")
	assert.EqualValues(t, modeEnable|modeCurrent, buf[2])
	assert.EqualValues(t, 1, buf[3])

	// effort 0.2 Nm / (reduction 2.0 * Kt 0.05) = 2 A; 0.01 A per count.
	programmed := int16(binary.LittleEndian.Uint16(buf[0:2]))
	assert.EqualValues(t, 200, programmed)
}

func TestPackCommandClampsToCurrentLimit(t *testing.T) {
	t.Parallel()
	d := newCycleDevice()

	buf := make([]byte, CommandSize)
	require.NoError(t, d.PackCommand(&ActuatorCommand{Effort: 100, Enable: true}, buf))
	programmed := int16(binary.LittleEndian.Uint16(buf[0:2]))
	assert.EqualValues(t, 300, programmed, "3.0 A limit at 0.01 A per count")

	require.NoError(t, d.PackCommand(&ActuatorCommand{Effort: -100, Enable: true}, buf))
	programmed = int16(binary.LittleEndian.Uint16(buf[0:2]))
	assert.EqualValues(t, -300, programmed)
}

func TestPackCommandForcesOffWhenFaulted(t *testing.T) {
	t.Parallel()
	d := newCycleDevice()
	d.latch.fault()

	buf := make([]byte, CommandSize)
	require.NoError(t, d.PackCommand(&ActuatorCommand{Effort: 1, Enable: true}, buf))
	assert.EqualValues(t, modeOff, buf[2])
}

func TestPackCommandResetClearsLatch(t *testing.T) {
	t.Parallel()
	d := newCycleDevice()
	model := &stubModel{verifyOK: true}
	d.motorModel = model
	d.latch.fault()
	d.tooManyDrops = true

	buf := make([]byte, CommandSize)
	require.NoError(t, d.PackCommand(&ActuatorCommand{Enable: true, Reset: true}, buf))

	assert.False(t, d.Faulted())
	assert.False(t, d.tooManyDrops)
	assert.Equal(t, 1, model.resets)
	assert.NotZero(t, buf[2]&modeSafetyReset)
}

func TestZeroOffsetHandoff(t *testing.T) {
	t.Parallel()
	d := newCycleDevice()
	buf := make([]byte, CommandSize)

	// Contended cell: the hand-off is skipped silently and retried.
	d.diag.mu.Lock()
	require.NoError(t, d.PackCommand(&ActuatorCommand{ZeroOffset: 1.5}, buf))
	d.diag.mu.Unlock()
	assert.Zero(t, d.cachedZeroOffset)

	require.NoError(t, d.PackCommand(&ActuatorCommand{ZeroOffset: 1.5}, buf))
	assert.Equal(t, 1.5, d.cachedZeroOffset)
	d.diag.with(func(dd *DeviceDiagnostics) {
		assert.True(t, dd.ZeroOffsetPending)
		assert.Equal(t, 1.5, dd.PendingZeroOffset)
	})
}

func TestUnpackStatusWrapSafeAccumulation(t *testing.T) {
	t.Parallel()
	d := newCycleDevice()

	prev := makeStatus(0xFFFFFFFF, modeEnable, 0)
	cur := makeStatus(1, modeEnable, 12)

	s, err := d.UnpackStatus(cur, prev)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Microsecond, s.Timestamp)

	// 12 counts over 2 us at 1200 counts per rev.
	assert.InDelta(t, (12.0/1200.0)*2*3.14159265358979/2e-6, s.Velocity, 1e-3)
}

func TestUnpackStatusChecksumError(t *testing.T) {
	t.Parallel()
	d := newCycleDevice()

	prev := makeStatus(100, modeEnable, 0)
	cur := makeStatus(200, modeEnable, 0)
	cur[5] ^= 0xFF // corrupt in transit

	_, err := d.UnpackStatus(cur, prev)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksum)
	assert.True(t, d.Faulted())
	d.diag.with(func(dd *DeviceDiagnostics) {
		assert.EqualValues(t, 1, dd.ChecksumErrors)
	})
}

func TestVerifyStatusDropLatchOnEleventh(t *testing.T) {
	t.Parallel()
	d := newCycleDevice()

	// Establish a baseline timestamp.
	base := makeStatus(1000, modeEnable, 0)
	require.True(t, d.VerifyStatus(&CycleSample{}, base))

	// Ten stale frames are tolerated; the eleventh trips the latch.
	stale := makeStatus(1000, modeEnable, 0)
	for i := 1; i <= 10; i++ {
		require.Truef(t, d.VerifyStatus(&CycleSample{}, stale), "drop %d must not fail", i)
	}
	assert.False(t, d.VerifyStatus(&CycleSample{}, stale), "11th consecutive drop must fail")
	assert.True(t, d.Faulted())
	assert.True(t, d.tooManyDrops)
}

func TestVerifyStatusDropStreakResets(t *testing.T) {
	t.Parallel()
	d := newCycleDevice()

	require.True(t, d.VerifyStatus(&CycleSample{}, makeStatus(1000, modeEnable, 0)))
	for i := 0; i < 10; i++ {
		require.True(t, d.VerifyStatus(&CycleSample{}, makeStatus(1000, modeEnable, 0)))
	}
	// A fresh timestamp ends the streak; ten more stale frames are
	// again tolerated.
	require.True(t, d.VerifyStatus(&CycleSample{}, makeStatus(2000, modeEnable, 0)))
	for i := 0; i < 10; i++ {
		require.True(t, d.VerifyStatus(&CycleSample{}, makeStatus(2000, modeEnable, 0)))
	}
	assert.EqualValues(t, 20, d.drops)
	assert.EqualValues(t, 10, d.maxConsecutiveDrops)
	assert.False(t, d.Faulted())
}

func TestVerifyStatusLockoutAttributedOverJump(t *testing.T) {
	t.Parallel()
	d := newCycleDevice()
	model := &stubModel{verifyOK: true}
	d.motorModel = model

	require.True(t, d.VerifyStatus(&CycleSample{}, makeStatus(1000, modeEnable, 0)))

	// Lockout and a huge timestamp jump in the same frame: the jump
	// flag goes sticky, but the failure is the lockout.
	bad := makeStatus(1000+2*maxTimestampJump, modeEnable|modeSafetyLockout, 0)
	assert.False(t, d.VerifyStatus(&CycleSample{}, bad))

	snap := d.Diagnostics()
	assert.True(t, snap.InLockout)
	assert.True(t, snap.TimestampJump)
	assert.False(t, snap.TooManyDrops)
	assert.Equal(t, []string{"Safety Lockout"}, model.traces)
}

func TestVerifyStatusLockoutIgnoredDuringReset(t *testing.T) {
	t.Parallel()
	d := newCycleDevice()
	d.resetting = true

	require.True(t, d.VerifyStatus(&CycleSample{}, makeStatus(1000, modeEnable, 0)))
	assert.True(t, d.VerifyStatus(&CycleSample{}, makeStatus(2000, modeEnable|modeSafetyLockout, 0)))
	assert.False(t, d.Faulted())
}

func TestVerifyStatusModelGate(t *testing.T) {
	t.Parallel()
	d := newCycleDevice()
	model := &stubModel{verifyOK: false}
	d.motorModel = model

	require.True(t, d.VerifyStatus(&CycleSample{Enabled: false}, makeStatus(1000, modeEnable, 0)))

	sample := &CycleSample{Enabled: true}
	assert.False(t, d.VerifyStatus(sample, makeStatus(2000, modeEnable, 0)))
	assert.True(t, d.Faulted())
	assert.Equal(t, 2, model.samples, "model sees every sample")
}

func TestVerifyStatusModelCheckingDisabled(t *testing.T) {
	t.Parallel()
	d := newCycleDevice()
	d.motorModel = &stubModel{verifyOK: false}
	d.disableModelChecking = true

	require.True(t, d.VerifyStatus(&CycleSample{Enabled: true}, makeStatus(1000, modeEnable, 0)))
	assert.True(t, d.VerifyStatus(&CycleSample{Enabled: true}, makeStatus(2000, modeEnable, 0)))
}

func TestVerifyStatusInternalReset(t *testing.T) {
	t.Parallel()
	d := newCycleDevice()
	d.internalResetDetected.Store(true)

	require.False(t, d.VerifyStatus(&CycleSample{}, makeStatus(1000, modeEnable, 0)))
	assert.True(t, d.Faulted())
}

func TestRequestTraceForwarded(t *testing.T) {
	t.Parallel()
	d := newCycleDevice()
	assert.False(t, d.RequestTrace(), "no model attached")

	model := &stubModel{verifyOK: true}
	d.motorModel = model
	assert.True(t, d.RequestTrace())

	require.True(t, d.VerifyStatus(&CycleSample{}, makeStatus(1000, modeEnable, 0)))
	assert.Equal(t, []string{"Manually triggered"}, model.traces)
}
