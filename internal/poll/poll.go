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

// Package poll provides the bounded busy-poll loops used by the mailbox
// and EEPROM engines. Budgets are local wall-clock or attempt-count
// limits; there is no external cancellation.
package poll

import "time"

// Until calls fn up to tries times, sleeping period between attempts.
// It stops early when fn reports done or returns an error. The number
// of attempts made is always returned.
func Until(tries int, period time.Duration, fn func() (bool, error)) (bool, int, error) {
	attempts := 0
	for attempts < tries {
		attempts++
		done, err := fn()
		if err != nil {
			return false, attempts, err
		}
		if done {
			return true, attempts, nil
		}
		time.Sleep(period)
	}
	return false, attempts, nil
}

// Deadline calls fn every period until it reports done, returns an
// error, or budget expires. fn is always called at least once. The
// elapsed time at exit is returned for diagnostics.
func Deadline(budget, period time.Duration, fn func() (bool, error)) (bool, time.Duration, error) {
	start := time.Now()
	for {
		done, err := fn()
		elapsed := time.Since(start)
		if err != nil {
			return false, elapsed, err
		}
		if done {
			return true, elapsed, nil
		}
		if elapsed >= budget {
			return false, elapsed, nil
		}
		time.Sleep(period)
	}
}
