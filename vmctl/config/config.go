// Copyright 2026 The vmcore Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for vmctl. Each setting that can be changed from the command line must have
// a corresponding field in Config. The scenario a command runs is described
// separately, in a TOML file (see Scenario).
package config

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/log"
)

// Config holds configuration that is not part of the scenario.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
type Config struct {
	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format"`

	// AlsoLogToStderr allows to send log messages to stderr in addition
	// to the log file.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ScenarioFile is the TOML scenario used when a command is given no
	// file argument.
	ScenarioFile string `flag:"config"`

	// HugePages overrides huge page detection: "auto" follows the
	// scenario's features, "on" and "off" force it.
	HugePages string `flag:"huge-pages"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", c.LogFormat)
	}
	switch c.HugePages {
	case "auto", "on", "off":
	default:
		return fmt.Errorf("invalid huge-pages %q, must be 'auto', 'on' or 'off'", c.HugePages)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.ScenarioFile: %s", c.ScenarioFile)
	log.Infof("Config.HugePages: %s", c.HugePages)
}
