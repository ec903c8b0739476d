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
	hostmem "github.com/shirou/gopsutil/mem"
	"vmcore.dev/vmcore/pkg/cpuid"
	"vmcore.dev/vmcore/pkg/ring0/pagetables"
	"vmcore.dev/vmcore/vmctl/cmd/util"
	"vmcore.dev/vmcore/vmctl/config"
	"vmcore.dev/vmcore/vmctl/flag"
)

// Features implements subcommands.Command for the "features" command.
type Features struct{}

// Name implements subcommands.Command.Name.
func (*Features) Name() string {
	return "features"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Features) Synopsis() string {
	return "print the paging features of the host"
}

// Usage implements subcommands.Command.Usage.
func (*Features) Usage() string {
	return "features - prints the host's paging features, the page table options they\nallow and the host's memory.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Features) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Features) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	fs, err := cpuid.HostFeatureSet()
	if err != nil {
		return util.Errorf("reading host features: %v", err)
	}
	printFeatures(os.Stdout, fs)
	vm, err := hostmem.VirtualMemory()
	if err != nil {
		return util.Errorf("reading host memory: %v", err)
	}
	fmt.Fprintf(os.Stdout, "host memory: %s (%s available)\n", config.Size(vm.Total), config.Size(vm.Available))
	return subcommands.ExitSuccess
}

func printFeatures(w io.Writer, fs cpuid.FeatureSet) {
	opts := pagetables.OptsFromFeatures(fs)
	fmt.Fprintf(w, "flags: %s\n", fs.FlagString())
	fmt.Fprintf(w, "physical address bits: %d\n", fs.PhysicalAddressBits())
	fmt.Fprintf(w, "1G pages: %t\n", opts.HugePages)
	fmt.Fprintf(w, "PCID: %t\n", opts.EnablePCID)
}
