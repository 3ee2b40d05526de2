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
	"fmt"
	"time"
)

// Option is a functional option for configuring a Device
type Option func(*Device) error

// WithStation sets the fixed station address of the device.
func WithStation(addr uint16) Option {
	return func(d *Device) error {
		d.station = addr
		return nil
	}
}

// WithPosition sets the positional (ring) address of the device.
func WithPosition(pos uint16) Option {
	return func(d *Device) error {
		d.position = pos
		return nil
	}
}

// WithMailboxWait sets the budget for a mailbox to become full or empty.
func WithMailboxWait(budget time.Duration) Option {
	return func(d *Device) error {
		if budget <= 0 {
			return fmt.Errorf("mailbox wait must be positive, got %v", budget)
		}
		d.config.MailboxWait = budget
		return nil
	}
}

// WithPollInterval sets the pause between busy-poll attempts.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Device) error {
		if interval <= 0 {
			return fmt.Errorf("poll interval must be positive, got %v", interval)
		}
		d.config.PollInterval = interval
		return nil
	}
}

// WithAllowUnprogrammed tolerates devices whose actuator record fails
// its CRC or version check; the board current limit applies.
func WithAllowUnprogrammed() Option {
	return func(d *Device) error {
		d.config.AllowUnprogrammed = true
		return nil
	}
}

// WithMotorModel attaches a motor behavior model collaborator.
func WithMotorModel(m MotorModel) Option {
	return func(d *Device) error {
		d.motorModel = m
		return nil
	}
}

// WithModelCheckingDisabled keeps the motor model sampled but excluded
// from the per-tick verification gate. Used on experimental setups where
// the model should not halt motors.
func WithModelCheckingDisabled() Option {
	return func(d *Device) error {
		d.disableModelChecking = true
		return nil
	}
}

// WithDeviceConfig replaces the whole engine configuration.
func WithDeviceConfig(config *DeviceConfig) Option {
	return func(d *Device) error {
		if config == nil {
			return fmt.Errorf("nil device config")
		}
		d.config = config
		return nil
	}
}
