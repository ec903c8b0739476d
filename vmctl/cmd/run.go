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

package cmd

import (
	"context"
	"os"

	"github.com/google/subcommands"
	"vmcore.dev/vmcore/vmctl/cmd/util"
	"vmcore.dev/vmcore/vmctl/config"
	"vmcore.dev/vmcore/vmctl/flag"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// parallel runs the spaces of each CPU on their own goroutine.
	parallel bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a scenario and print the result of each operation"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] [<scenario.toml>] - runs a scenario. Without an argument the
scenario given with -config is run.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.parallel, "parallel", false, "run the address spaces of different CPUs concurrently.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	path := scenarioPath(f, conf)
	if path == "" || f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	reports, err := runScenario(ctx, conf, path, r.parallel)
	writeReports(os.Stdout, reports, true /* ops */, false /* mappings */)
	if err != nil {
		return util.Errorf("running %s: %v", path, err)
	}
	return subcommands.ExitSuccess
}
