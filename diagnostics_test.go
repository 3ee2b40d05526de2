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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterDelta(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		new  uint8
		old  uint8
		want uint32
	}{
		{name: "no change", new: 5, old: 5, want: 0},
		{name: "simple", new: 10, old: 7, want: 3},
		{name: "wrap", new: 3, old: 250, want: 9},
		{name: "full cycle minus one", new: 4, old: 5, want: 255},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, counterDelta(tt.new, tt.old))
		})
	}
}

func TestSafetyDisableString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		bits uint8
		want string
	}{
		{name: "enabled", bits: 0, want: "ENABLED"},
		{name: "disabled no cause", bits: safetyDisabled, want: "DISABLED"},
		{
			name: "undervoltage",
			bits: safetyDisabled | safetyUndervoltage,
			want: "DISABLED: UNDERVOLTAGE",
		},
		{
			name: "multiple causes",
			bits: safetyDisabled | safetyOverCurrent | safetyWatchdog,
			want: "DISABLED: OVER_CURRENT, WATCHDOG",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SafetyDisableString(tt.bits))
		})
	}
}

func TestModeString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "OFF", ModeString(modeOff))
	assert.Equal(t, "ENABLE, CURRENT", ModeString(modeEnable|modeCurrent))
	assert.Equal(t, "SAFETY_LOCKOUT, UNDERVOLTAGE", ModeString(modeSafetyLockout|modeUndervoltage))
}

func TestDiagCellTryWith(t *testing.T) {
	t.Parallel()
	var c diagCell

	assert.True(t, c.tryWith(func(dd *DeviceDiagnostics) {
		dd.ChecksumErrors++
	}))

	c.mu.Lock()
	assert.False(t, c.tryWith(func(*DeviceDiagnostics) {
		t.Fatal("must not run under contention")
	}))
	c.mu.Unlock()

	c.with(func(dd *DeviceDiagnostics) {
		assert.EqualValues(t, 1, dd.ChecksumErrors)
	})
}
