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

// Package cmd holds implementations of the vmctl commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/process"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/vmctl/config"
	"vmcore.dev/vmcore/vmctl/flag"
	"vmcore.dev/vmcore/vmctl/machine"
)

// scenarioPath returns the scenario named on the command line, or the one
// from -config.
func scenarioPath(f *flag.FlagSet, conf *config.Config) string {
	if f.NArg() > 0 {
		return f.Arg(0)
	}
	return conf.ScenarioFile
}

// runScenario loads and runs the scenario at path. Reports of the spaces
// that ran are returned even on failure.
func runScenario(ctx context.Context, conf *config.Config, path string, parallel bool) ([]*machine.Report, error) {
	s, err := config.LoadScenario(path)
	if err != nil {
		return nil, err
	}
	m, err := machine.New(&s.Machine, conf.HugePages)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := m.Release(); err != nil {
			log.Warningf("Releasing physical memory: %v", err)
		}
	}()
	log.Infof("Running %d spaces from %s (parallel: %t)", len(s.Spaces), path, parallel)
	reports, err := m.Run(ctx, s, parallel)
	logResident()
	return reports, err
}

// logResident logs how much of the process is resident, which includes the
// frames the scenario touched.
func logResident() {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Debugf("Reading process info: %v", err)
		return
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		log.Debugf("Reading process memory: %v", err)
		return
	}
	log.Infof("Resident memory: %s", units.BytesSize(float64(mi.RSS)))
}

// writeReports prints reports in file order. Spaces that did not run are
// skipped. With mappings set, each space's leaves and table checksum follow
// its operations.
func writeReports(w io.Writer, reports []*machine.Report, ops, mappings bool) {
	for _, r := range reports {
		if r == nil {
			continue
		}
		fmt.Fprintf(w, "space %s on cpu%d\n", r.Space, r.CPU)
		if ops {
			for _, line := range r.Lines {
				fmt.Fprintf(w, "  %s\n", line)
			}
		}
		if mappings {
			for _, m := range r.Mappings {
				fmt.Fprintf(w, "  %v\n", m)
			}
			fmt.Fprintf(w, "  %d tables, checksum %016x\n", r.Tables, r.Checksum)
		}
	}
}
