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
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"vmcore.dev/vmcore/pkg/ring0/pagetables"
	"vmcore.dev/vmcore/vmctl/flag"
)

// MemTypes implements subcommands.Command for the "memtypes" command.
type MemTypes struct{}

// Name implements subcommands.Command.Name.
func (*MemTypes) Name() string {
	return "memtypes"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MemTypes) Synopsis() string {
	return "print the leaf flags of each memory type"
}

// Usage implements subcommands.Command.Usage.
func (*MemTypes) Usage() string {
	return "memtypes - prints the leaf flags used for each memory type.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*MemTypes) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*MemTypes) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	printMemTypes(os.Stdout)
	return subcommands.ExitSuccess
}

func printMemTypes(w io.Writer) {
	for m := pagetables.MemType(0); m < pagetables.NumMemTypes; m++ {
		flags, err := pagetables.GetFlags(m)
		if err != nil {
			fmt.Fprintf(w, "%-10s %v\n", m, err)
			continue
		}
		fmt.Fprintf(w, "%-10s %#018x %-14s %v\n", m, uint64(flags), flags.MemoryType(), flags)
	}
}
