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

// mcbctl is a bench tool for motor controller boards: read the board
// identity, program the actuator EEPROM, dump diagnostics, or monitor a
// board continuously with Prometheus metrics and a websocket feed.
//
// Usage:
//
//	mcbctl [-config mcbctl.yaml] info
//	mcbctl [-config mcbctl.yaml] program -actuator motor.yaml
//	mcbctl [-config mcbctl.yaml] diag
//	mcbctl [-config mcbctl.yaml] monitor
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	mcb "github.com/openrobots/go-mcb"
	"github.com/openrobots/go-mcb/internal/logging"
	"github.com/openrobots/go-mcb/metrics"
	"github.com/openrobots/go-mcb/transport/ethernet"
	"github.com/openrobots/go-mcb/transport/serialbridge"
)

type config struct {
	Interface  string `yaml:"interface"`
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`

	Station           uint16 `yaml:"station"`
	Position          uint16 `yaml:"position"`
	AllowUnprogrammed bool   `yaml:"allow_unprogrammed"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsAddr     string        `yaml:"metrics_addr"`
	MonitorAddr     string        `yaml:"monitor_addr"`
	CollectInterval time.Duration `yaml:"collect_interval"`
}

func defaultConfig() *config {
	return &config{
		Interface:       "eth0",
		Station:         1,
		LogLevel:        "info",
		LogFormat:       "text",
		MetricsAddr:     ":9464",
		MonitorAddr:     ":8080",
		CollectInterval: time.Second,
	}
}

func loadConfig(path string) (*config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func parseLevel(s string) slog.Leveler {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// assumedState satisfies mcb.StateQuerier with a fixed answer. Bus
// state management belongs to the master stack; the bench tool assumes
// the board was brought to OP before it runs.
type assumedState mcb.DeviceState

func (s assumedState) State() mcb.DeviceState { return mcb.DeviceState(s) }

func openTransport(cfg *config) (mcb.Transport, error) {
	if cfg.SerialPort != "" {
		if cfg.BaudRate > 0 {
			t, err := serialbridge.OpenWithBaudRate(cfg.SerialPort, cfg.BaudRate)
			if err != nil {
				return nil, err
			}
			return t, nil
		}
		t, err := serialbridge.Open(cfg.SerialPort)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	t, err := ethernet.Open(cfg.Interface)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func openDevice(cfg *config) (*mcb.Device, error) {
	transport, err := openTransport(cfg)
	if err != nil {
		return nil, err
	}
	opts := []mcb.Option{
		mcb.WithStation(cfg.Station),
		mcb.WithPosition(cfg.Position),
	}
	if cfg.AllowUnprogrammed {
		opts = append(opts, mcb.WithAllowUnprogrammed())
	}
	dev, err := mcb.New(transport, mcb.NewLogic(), assumedState(mcb.StateOp), opts...)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	return dev, nil
}

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] info|program|diag|monitor\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	logging.Set(logging.New(cfg.LogFormat, parseLevel(cfg.LogLevel), nil))

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	dev, err := openDevice(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	defer func() { _ = dev.Close() }()

	switch cmd {
	case "info":
		err = runInfo(dev)
	case "program":
		err = runProgram(dev, args)
	case "diag":
		err = runDiag(dev)
	case "monitor":
		err = runMonitor(dev, cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runInfo(dev *mcb.Device) error {
	if err := dev.Init(nil); err != nil {
		return err
	}
	cfg := dev.Config()
	fmt.Printf("Product:            %d\n", cfg.ProductID)
	fmt.Printf("Serial:             %05d\n", cfg.DeviceSerial)
	fmt.Printf("Board limit:        %.2f A\n", cfg.BoardCurrentLimit())
	fmt.Printf("Effective limit:    %.2f A\n", dev.MaxCurrent())
	fmt.Printf("Watchdog limit:     %d ms\n", cfg.WatchdogLimitMS)

	info := dev.ActuatorInfoRecord()
	if info == nil {
		fmt.Println("Actuator:           (not programmed)")
		return nil
	}
	fmt.Printf("Actuator:           %s (id %d)\n", info.Name, info.ID)
	fmt.Printf("Robot:              %s\n", info.RobotName)
	fmt.Printf("Motor:              %s %s\n", info.MotorMake, info.MotorModel)
	fmt.Printf("Max current:        %.3f A\n", info.MaxCurrent)
	fmt.Printf("Torque constant:    %.4f Nm/A\n", info.MotorTorqueConstant)
	fmt.Printf("Speed constant:     %.1f RPM/V\n", info.SpeedConstant)
	fmt.Printf("Resistance:         %.3f ohm\n", info.Resistance)
	fmt.Printf("Encoder reduction:  %.2f\n", info.EncoderReduction)
	fmt.Printf("Pulses/revolution:  %.0f\n", info.PulsesPerRevolution)
	return nil
}

// actuatorRecord is the YAML shape of an actuator description for the
// program command.
type actuatorRecord struct {
	ID                  uint32  `yaml:"id"`
	Name                string  `yaml:"name"`
	RobotName           string  `yaml:"robot_name"`
	MotorMake           string  `yaml:"motor_make"`
	MotorModel          string  `yaml:"motor_model"`
	MaxCurrent          float64 `yaml:"max_current"`
	SpeedConstant       float64 `yaml:"speed_constant"`
	Resistance          float64 `yaml:"resistance"`
	MotorTorqueConstant float64 `yaml:"motor_torque_constant"`
	EncoderReduction    float64 `yaml:"encoder_reduction"`
	PulsesPerRevolution float64 `yaml:"pulses_per_revolution"`
}

func runProgram(dev *mcb.Device, args []string) error {
	fs := flag.NewFlagSet("program", flag.ExitOnError)
	actuatorPath := fs.String("actuator", "", "Path to the YAML actuator description")
	_ = fs.Parse(args)
	if *actuatorPath == "" {
		return fmt.Errorf("program requires -actuator")
	}

	data, err := os.ReadFile(*actuatorPath)
	if err != nil {
		return fmt.Errorf("reading actuator description: %w", err)
	}
	var rec actuatorRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("parsing actuator description: %w", err)
	}
	if rec.Name == "" {
		return fmt.Errorf("actuator description is missing a name")
	}

	info := &mcb.ActuatorInfo{
		MajorVersion:        0,
		MinorVersion:        2,
		ID:                  rec.ID,
		Name:                rec.Name,
		RobotName:           rec.RobotName,
		MotorMake:           rec.MotorMake,
		MotorModel:          rec.MotorModel,
		MaxCurrent:          rec.MaxCurrent,
		SpeedConstant:       rec.SpeedConstant,
		Resistance:          rec.Resistance,
		MotorTorqueConstant: rec.MotorTorqueConstant,
		EncoderReduction:    rec.EncoderReduction,
		PulsesPerRevolution: rec.PulsesPerRevolution,
	}
	if err := dev.Program(info); err != nil {
		return fmt.Errorf("programming actuator record: %w", err)
	}

	readBack, err := dev.ReadActuatorInfo()
	if err != nil {
		return fmt.Errorf("reading back actuator record: %w", err)
	}
	if err := readBack.Validate(); err != nil {
		return fmt.Errorf("programmed record did not verify: %w", err)
	}
	fmt.Printf("Programmed actuator %q (id %d)\n", readBack.Name, readBack.ID)
	return nil
}

func runDiag(dev *mcb.Device) error {
	if err := dev.CollectDiagnostics(); err != nil {
		return err
	}
	s := dev.Diagnostics()
	fmt.Printf("Safety:             %s\n", mcb.SafetyDisableString(s.Device.SafetyDisable.Status))
	fmt.Printf("Held causes:        %s\n", mcb.SafetyDisableString(s.Device.SafetyDisable.Hold))
	fmt.Printf("Disable count:      %d\n", s.Device.SafetyDisableTotal)
	fmt.Printf("  undervoltage:     %d\n", s.Device.UndervoltageTotal)
	fmt.Printf("  over current:     %d\n", s.Device.OverCurrentTotal)
	fmt.Printf("  board over temp:  %d\n", s.Device.BoardOverTempTotal)
	fmt.Printf("  bridge over temp: %d\n", s.Device.BridgeOverTempTotal)
	fmt.Printf("  operational:      %d\n", s.Device.OperationalTotal)
	fmt.Printf("  watchdog:         %d\n", s.Device.WatchdogTotal)
	fmt.Printf("Supply current:     in %d, out %d\n",
		s.Device.Info.SupplyCurrentIn, s.Device.Info.SupplyCurrentOut)
	fmt.Printf("Checksum errors:    %d\n", s.Device.ChecksumErrors)
	fmt.Printf("Mailbox errors:     write %d, read %d, lock %d\n",
		s.Mailbox.WriteErrors, s.Mailbox.ReadErrors, s.Mailbox.LockErrors)
	fmt.Printf("Mailbox retries:    %d (%d lost)\n", s.Mailbox.Retries, s.Mailbox.RetryErrors)
	return nil
}

var upgrader = websocket.Upgrader{
	// The monitor feed is bench tooling on a trusted network.
	CheckOrigin: func(*http.Request) bool { return true },
}

func serveMonitorFeed(dev *mcb.Device, interval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.L().Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		defer func() { _ = conn.Close() }()
		logging.L().Info("monitor client connected", "remote", r.RemoteAddr)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteJSON(dev.Diagnostics()); err != nil {
				logging.L().Info("monitor client gone", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func runMonitor(dev *mcb.Device, cfg *config) error {
	if err := dev.Init(nil); err != nil {
		return err
	}

	metricsSrv := metrics.StartHTTP(cfg.MetricsAddr, metrics.NewCollector(dev, dev.Station()))
	defer func() { _ = metricsSrv.Close() }()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", serveMonitorFeed(dev, cfg.CollectInterval))
	feedSrv := &http.Server{Addr: cfg.MonitorAddr, Handler: mux}
	go func() {
		logging.L().Info("monitor feed listening", "addr", cfg.MonitorAddr)
		if err := feedSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("monitor feed stopped", "error", err)
		}
	}()
	defer func() { _ = feedSrv.Close() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.CollectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := dev.CollectDiagnostics(); err != nil {
				logging.L().Warn("diagnostics collection failed", "error", err)
			}
		case sig := <-stop:
			logging.L().Info("shutting down", "signal", sig.String())
			return nil
		}
	}
}
