// SPDX-License-Identifier: GPL-2.0-only

package main

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/linuxbuh/usb-vhci/driver"
	"github.com/linuxbuh/usb-vhci/emulated"
	"github.com/linuxbuh/usb-vhci/forwarder"
	"github.com/linuxbuh/usb-vhci/hcd"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

func newLogger(logLevel string) (log.Logger, error) {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return nil, fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger, nil
}

func newPortSource(s settings, logger log.Logger) (hcd.PortSource, error) {
	if s.portSource != portSourceSysfs {
		return nil, nil
	}
	src, err := driver.NewSysfsPortSource(os.DirFS(s.sysfsRoot), log.With(logger, "component", "sysfs"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to set up sysfs port source")
	}
	return src, nil
}

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	logger, err := newLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}

	s, err := getSettings()
	if err != nil {
		return err
	}

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	source, err := newPortSource(s, logger)
	if err != nil {
		return err
	}
	backend := hcd.NewLocalBackend(s.ports, source, s.pollInterval, log.With(logger, "component", "backend"))
	hc, err := hcd.New(s.ports, backend, log.With(logger, "component", "hcd"), r)
	if err != nil {
		return errors.Wrap(err, "failed to create host controller")
	}

	devReg := prometheus.WrapRegistererWith(prometheus.Labels{"device": s.device.Name}, r)
	dev, err := emulated.NewLoopback(s.device, log.With(logger, "device", s.device.Name), devReg)
	if err != nil {
		return errors.Wrap(err, "failed to create emulated device")
	}
	fwd := forwarder.New(hc, dev, s.devicePort, nil, log.With(logger, "component", "forwarder"), devReg)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		l, err := net.Listen("tcp", s.listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", s.listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Run the gRPC health service.
		grpcServer := grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		l, err := net.Listen("tcp", s.healthListen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", s.healthListen, err)
		}

		g.Add(func() error {
			if err := grpcServer.Serve(l); err != nil {
				return fmt.Errorf("health server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			healthServer.Shutdown()
			grpcServer.Stop()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	{
		// Drive the host controller backend.
		if err := hc.InitBackground(context.Background()); err != nil {
			return errors.Wrap(err, "failed to start host controller")
		}
		done := hc.BackgroundDone()
		g.Add(func() error {
			<-done
			return hc.JoinBackground()
		}, func(error) {
			if err := hc.JoinBackground(); err != nil {
				_ = level.Warn(logger).Log("msg", "host controller stopped with error", "err", err)
			}
		})
	}

	{
		// Forward the device port.
		g.Add(func() error {
			if err := backend.SetPortFeature(s.devicePort, hcd.FeaturePower); err != nil {
				return errors.Wrapf(err, "failed to power port %d", s.devicePort)
			}
			healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			_ = logger.Log("msg", fmt.Sprintf("Forwarding %s on port %d of %d.", dev.Name(), s.devicePort, hc.Ports()))
			err := fwd.Run(context.Background())
			healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			return err
		}, func(error) {
			fwd.Stop()
		})
	}

	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
