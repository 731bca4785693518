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
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/linuxbuh/usb-vhci/driver"
	"github.com/linuxbuh/usb-vhci/emulated"
)

const (
	portSourceNone  = "none"
	portSourceSysfs = "sysfs"

	maxPorts = 255
)

type settings struct {
	listen       string
	healthListen string
	ports        int
	devicePort   int
	portSource   string
	sysfsRoot    string
	pollInterval time.Duration
	device       emulated.Config
}

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")
	flag.String("health-listen", ":8081", "The address at which to serve the gRPC health service.")
	flag.Int("ports", 1, "The number of root hub ports of the virtual host controller.")
	flag.Int("device-port", 1, "The root hub port the emulated device is attached to.")
	flag.String("port-source", portSourceNone, fmt.Sprintf("Where port connect events come from. Possible values: %s, %s", portSourceNone, portSourceSysfs))
	flag.String("sysfs-root", driver.Sys, "The sysfs mount point used by the sysfs port source.")
	flag.Duration("poll-interval", 100*time.Millisecond, "How often the port source is polled.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usb-vhci/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

func validateListen(name, addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return errors.Wrapf(err, "failed to parse %s address %q", name, addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.Wrapf(err, "failed to parse %s port %q", name, portStr)
	}
	if errs := validation.IsValidPortNum(port); len(errs) > 0 {
		return errors.Newf("invalid %s port %d: %s", name, port, strings.Join(errs, ", "))
	}
	return nil
}

func getSettings() (settings, error) {
	s := settings{
		listen:       viper.GetString("listen"),
		healthListen: viper.GetString("health-listen"),
		ports:        viper.GetInt("ports"),
		devicePort:   viper.GetInt("device-port"),
		portSource:   viper.GetString("port-source"),
		sysfsRoot:    viper.GetString("sysfs-root"),
		pollInterval: viper.GetDuration("poll-interval"),
	}
	if err := validateListen("listen", s.listen); err != nil {
		return s, err
	}
	if err := validateListen("health-listen", s.healthListen); err != nil {
		return s, err
	}
	if s.ports < 1 || s.ports > maxPorts {
		return s, errors.Newf("port count %d out of range 1..%d", s.ports, maxPorts)
	}
	if s.devicePort < 1 || s.devicePort > s.ports {
		return s, errors.Newf("device port %d out of range 1..%d", s.devicePort, s.ports)
	}
	switch s.portSource {
	case portSourceNone, portSourceSysfs:
	default:
		return s, errors.Newf("port source %q unknown; possible values are: %s, %s", s.portSource, portSourceNone, portSourceSysfs)
	}
	if s.pollInterval <= 0 {
		return s, errors.Newf("poll interval must be positive, got %v", s.pollInterval)
	}

	dev, err := emulated.DecodeConfig(viper.GetStringMap("device"))
	if err != nil {
		return s, errors.Wrap(err, "failed to decode device config")
	}
	s.device = dev
	return s, nil
}
