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

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	ops bool
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "run a scenario and dump the resulting mappings of each address space"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] [<scenario.toml>] - runs a scenario, then prints every
leaf mapping and the table checksum of each address space.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.ops, "ops", false, "also print the result of each operation.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	path := scenarioPath(f, conf)
	if path == "" || f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	reports, err := runScenario(ctx, conf, path, false /* parallel */)
	writeReports(os.Stdout, reports, d.ops, true /* mappings */)
	if err != nil {
		return util.Errorf("running %s: %v", path, err)
	}
	return subcommands.ExitSuccess
}
