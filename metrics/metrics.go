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

// Package metrics exports device health counters to Prometheus. The
// collector pulls a diagnostics snapshot per scrape instead of keeping
// its own counters, so the realtime side pays nothing for metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mcb "github.com/openrobots/go-mcb"
	"github.com/openrobots/go-mcb/internal/logging"
)

// Source is the device-side surface the collector scrapes. *mcb.Device
// satisfies it.
type Source interface {
	Diagnostics() mcb.DiagnosticsSnapshot
}

// Collector implements prometheus.Collector for one device.
type Collector struct {
	source Source

	mbxWriteErrors *prometheus.Desc
	mbxReadErrors  *prometheus.Desc
	mbxLockErrors  *prometheus.Desc
	mbxRetries     *prometheus.Desc
	mbxRetryErrors *prometheus.Desc

	checksumErrors *prometheus.Desc
	drops          *prometheus.Desc
	maxConsecDrops *prometheus.Desc

	safetyDisables *prometheus.Desc
	safetyByCause  *prometheus.Desc

	maxBoardTemp  *prometheus.Desc
	maxBridgeTemp *prometheus.Desc

	faulted   *prometheus.Desc
	inLockout *prometheus.Desc
	diagValid *prometheus.Desc
}

// NewCollector builds a collector for the given source, labeling every
// series with the device's station address.
func NewCollector(source Source, station uint16) *Collector {
	labels := prometheus.Labels{"station": strconv.Itoa(int(station))}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("mcb_"+name, help, nil, labels)
	}
	return &Collector{
		source: source,

		mbxWriteErrors: desc("mailbox_write_errors_total", "Mailbox write operations that failed after all retries."),
		mbxReadErrors:  desc("mailbox_read_errors_total", "Mailbox read operations that failed after all retries."),
		mbxLockErrors:  desc("mailbox_lock_errors_total", "Mailbox operations abandoned waiting for the mailbox lock."),
		mbxRetries:     desc("mailbox_retries_total", "Mailbox transfers that needed at least one resend."),
		mbxRetryErrors: desc("mailbox_retry_errors_total", "Mailbox transfers lost despite resends."),

		checksumErrors: desc("checksum_errors_total", "Frames rejected for a bad checksum."),
		drops:          desc("status_drops_total", "Realtime status frames that did not arrive in their cycle."),
		maxConsecDrops: desc("status_drops_max_consecutive", "Longest run of consecutive dropped status frames."),

		safetyDisables: desc("safety_disables_total", "Safety disable events since startup."),
		safetyByCause: prometheus.NewDesc("mcb_safety_disables_by_cause_total",
			"Safety disable events attributed to each held cause.",
			[]string{"cause"}, labels),

		maxBoardTemp:  desc("board_temperature_max_celsius", "Highest board temperature observed."),
		maxBridgeTemp: desc("bridge_temperature_max_celsius", "Highest bridge temperature observed."),

		faulted:   desc("faulted", "1 while the error latch is set."),
		inLockout: desc("safety_lockout", "1 while the device reports safety lockout."),
		diagValid: desc("diagnostics_valid", "1 while the last diagnostics collection succeeded."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.mbxWriteErrors
	ch <- c.mbxReadErrors
	ch <- c.mbxLockErrors
	ch <- c.mbxRetries
	ch <- c.mbxRetryErrors
	ch <- c.checksumErrors
	ch <- c.drops
	ch <- c.maxConsecDrops
	ch <- c.safetyDisables
	ch <- c.safetyByCause
	ch <- c.maxBoardTemp
	ch <- c.maxBridgeTemp
	ch <- c.faulted
	ch <- c.inLockout
	ch <- c.diagValid
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Diagnostics()

	counter := func(d *prometheus.Desc, v uint32) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	flag := func(d *prometheus.Desc, v bool) {
		f := 0.0
		if v {
			f = 1.0
		}
		gauge(d, f)
	}

	counter(c.mbxWriteErrors, s.Mailbox.WriteErrors)
	counter(c.mbxReadErrors, s.Mailbox.ReadErrors)
	counter(c.mbxLockErrors, s.Mailbox.LockErrors)
	counter(c.mbxRetries, s.Mailbox.Retries)
	counter(c.mbxRetryErrors, s.Mailbox.RetryErrors)

	counter(c.checksumErrors, s.Device.ChecksumErrors)
	counter(c.drops, s.Drops)
	gauge(c.maxConsecDrops, float64(s.MaxConsecutiveDrops))

	counter(c.safetyDisables, s.Device.SafetyDisableTotal)
	byCause := func(cause string, v uint32) {
		ch <- prometheus.MustNewConstMetric(c.safetyByCause, prometheus.CounterValue, float64(v), cause)
	}
	byCause("undervoltage", s.Device.UndervoltageTotal)
	byCause("over_current", s.Device.OverCurrentTotal)
	byCause("board_over_temp", s.Device.BoardOverTempTotal)
	byCause("bridge_over_temp", s.Device.BridgeOverTempTotal)
	byCause("operational", s.Device.OperationalTotal)
	byCause("watchdog", s.Device.WatchdogTotal)

	gauge(c.maxBoardTemp, s.MaxBoardTemp)
	gauge(c.maxBridgeTemp, s.MaxBridgeTemp)

	flag(c.faulted, s.Faulted)
	flag(c.inLockout, s.InLockout)
	flag(c.diagValid, s.Device.Valid)
}

// StartHTTP registers the collectors on a fresh registry and serves
// them at /metrics on addr. The returned server is already listening;
// shut it down with its own Shutdown.
func StartHTTP(addr string, collectors ...*Collector) *http.Server {
	reg := prometheus.NewRegistry()
	for _, c := range collectors {
		reg.MustRegister(c)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics server stopped", "error", err)
		}
	}()
	return srv
}
