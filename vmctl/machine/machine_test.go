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

package machine

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmcore.dev/vmcore/pkg/cpuid"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/ring0/pagetables"
	"vmcore.dev/vmcore/vmctl/config"
)

func newTestMachine(t *testing.T, scenario string) (*Machine, *config.Scenario) {
	t.Helper()
	s, err := config.DecodeScenario(scenario)
	if err != nil {
		t.Fatalf("DecodeScenario() failed: %v", err)
	}
	m, err := New(&s.Machine, "auto")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Release(); err != nil {
			t.Errorf("Release() failed: %v", err)
		}
	})
	return m, s
}

const endToEnd = `
[machine]
memory = "16MiB"
features = ["pcid", "invpcid"]

[[space]]
name = "e2e"

  [[space.ops]]
  op = "tag"
  pcid = 1

  [[space.ops]]
  op = "activate"

  [[space.ops]]
  op = "map"
  addr = 0x1000
  phys = 0x2000
  flags = "P|W"

  [[space.ops]]
  op = "translate"
  addr = 0x1234

  [[space.ops]]
  op = "unmap"
  addr = 0x1000

  [[space.ops]]
  op = "unmap"
  addr = 0x1000
  expect = "NotMapped"
`

func TestEndToEnd(t *testing.T) {
	m, s := newTestMachine(t, endToEnd)
	reports, err := m.Run(context.Background(), s, false)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	want := []string{
		"tag pcid=1",
		"activate cpu0 cr3=0x",
		"map 0x1000 -> 0x2000 4K [P|W]",
		"translate 0x1234 -> 0x2234 4K [P|W]",
		"unmap 0x1000 4K -> 0x2000",
		"unmap 0x1000 4K: NotMapped (expected)",
	}
	r := reports[0]
	if len(r.Lines) != len(want) {
		t.Fatalf("got lines %q, want %d lines", r.Lines, len(want))
	}
	for i := range want {
		if !strings.HasPrefix(r.Lines[i], want[i]) {
			t.Errorf("line %d = %q, want prefix %q", i, r.Lines[i], want[i])
		}
	}
	if len(r.Mappings) != 0 {
		t.Errorf("mappings left after unmap: %v", r.Mappings)
	}
	if r.Tables != 4 {
		t.Errorf("Tables = %d, want 4", r.Tables)
	}
	if got := m.CPUs[0].ActiveCR3(); pagetables.CR3Physical(got) == 0 {
		t.Errorf("CPU 0 has nothing loaded after activate")
	}
}

func TestUnexpectedResult(t *testing.T) {
	for _, tc := range []struct {
		name  string
		op    string
		error string
	}{
		{
			name:  "unexpected failure",
			op:    "op = \"activate\"",
			error: "invalid PCID",
		},
		{
			name:  "unexpected success",
			op:    "op = \"tag\"\nexpect = \"AlreadyTagged\"",
			error: "want AlreadyTagged",
		},
		{
			name:  "wrong failure",
			op:    "op = \"unmap\"\naddr = 0x1001\nexpect = \"NotMapped\"",
			error: "want NotMapped",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, s := newTestMachine(t, "[machine]\nmemory = \"1MiB\"\n[[space]]\n[[space.ops]]\n"+tc.op+"\n")
			_, err := m.Run(context.Background(), s, false)
			if err == nil || !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(tc.error)) {
				t.Errorf("Run() = %v, want error containing %q", err, tc.error)
			}
		})
	}
}

const parallel = `
[machine]
memory = "64MiB"
cpus = 2
features = ["pcid", "pdpe1gb"]

[[space]]
name = "a"
cpu = 0

  [[space.ops]]
  op = "tag"

  [[space.ops]]
  op = "map"
  addr = 0x200000
  alloc = true
  page = "2M"

  [[space.ops]]
  op = "find"
  length = "4M"
  alignment = "2M"
  addr = 0

[[space]]
name = "b"
cpu = 1

  [[space.ops]]
  op = "tag"

  [[space.ops]]
  op = "activate"

  [[space.ops]]
  op = "map"
  addr = "0xffff800000001000"
  alloc = true
  mem = "kernel-ro"

[[space]]
name = "c"
cpu = 0

  [[space.ops]]
  op = "find"
  length = 4096
  addr = 0
`

func TestParallel(t *testing.T) {
	for _, par := range []bool{false, true} {
		m, s := newTestMachine(t, parallel)
		reports, err := m.Run(context.Background(), s, par)
		if err != nil {
			t.Fatalf("Run(parallel=%t) failed: %v", par, err)
		}
		var names []string
		for _, r := range reports {
			names = append(names, r.Space)
		}
		if diff := cmp.Diff([]string{"a", "b", "c"}, names); diff != "" {
			t.Errorf("Run(parallel=%t) report order mismatch (-want +got):\n%s", par, diff)
		}
		if got, want := reports[0].Lines[2], "-> 0x400000"; !strings.HasSuffix(got, want) {
			t.Errorf("Run(parallel=%t) find = %q, want suffix %q", par, got, want)
		}
		if got, want := reports[2].Lines[0], "-> 0x1000"; !strings.HasSuffix(got, want) {
			t.Errorf("Run(parallel=%t) find in empty space = %q, want suffix %q", par, got, want)
		}
		b := reports[1]
		ro, _ := pagetables.GetFlags(pagetables.KernelReadOnly)
		if len(b.Mappings) != 1 || b.Mappings[0].Addr != hostarch.UpperBottom+0x1000 || b.Mappings[0].Flags != ro {
			t.Errorf("Run(parallel=%t) space b mappings = %v", par, b.Mappings)
		}
		// Each space got its own PCID.
		if got, want := m.PCIDs.Available(), pagetables.MaxPCID-2; got != want {
			t.Errorf("Run(parallel=%t) left %d PCIDs, want %d", par, got, want)
		}
	}
}

const staleAccess = `
[machine]
memory = "16MiB"
features = ["pcid"]

[[space]]

  [[space.ops]]
  op = "tag"

  [[space.ops]]
  op = "activate"

  [[space.ops]]
  op = "map"
  addr = 0x1000
  phys = 0x2000

  [[space.ops]]
  op = "access"
  addr = 0x1000

  [[space.ops]]
  op = "unmap"
  addr = 0x1000

  [[space.ops]]
  op = "map"
  addr = 0x1000
  phys = 0x3000

  [[space.ops]]
  op = "access"
  addr = 0x1000

  [[space.ops]]
  op = "invalidate"
  all = true

  [[space.ops]]
  op = "access"
  addr = 0x1000
`

func TestAccess(t *testing.T) {
	m, s := newTestMachine(t, staleAccess)
	reports, err := m.Run(context.Background(), s, false)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	lines := reports[0].Lines
	// Map and unmap invalidate the loaded space, so the second access
	// misses the TLB and sees the new frame.
	for i, want := range map[int]string{3: "-> 0x2000", 6: "-> 0x3000", 8: "-> 0x3000"} {
		if !strings.Contains(lines[i], want) {
			t.Errorf("line %d = %q, want %q", i, lines[i], want)
		}
	}
	if got := m.CPUs[0].Stats().Misses; got != 3 {
		t.Errorf("TLB misses = %d, want 3", got)
	}
}

func TestCanceled(t *testing.T) {
	m, s := newTestMachine(t, endToEnd)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Run(ctx, s, true); err != context.Canceled {
		t.Errorf("Run(canceled) = %v, want %v", err, context.Canceled)
	}
}

func TestFeatures(t *testing.T) {
	for _, tc := range []struct {
		name      string
		features  []string
		hugePages string
		want      cpuid.FeatureSet
	}{
		{
			name:      "none",
			hugePages: "auto",
			want:      cpuid.NewFeatureSet(),
		},
		{
			name:      "names",
			features:  []string{"pcid", "pdpe1gb"},
			hugePages: "auto",
			want:      cpuid.NewFeatureSet(cpuid.X86FeaturePCID, cpuid.X86FeatureGBPAGES),
		},
		{
			name:      "huge pages forced on",
			features:  []string{"pcid"},
			hugePages: "on",
			want:      cpuid.NewFeatureSet(cpuid.X86FeaturePCID, cpuid.X86FeatureGBPAGES),
		},
		{
			name:      "huge pages forced off",
			features:  []string{"pdpe1gb"},
			hugePages: "off",
			want:      cpuid.NewFeatureSet(),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Features(tc.features, tc.hugePages)
			if err != nil {
				t.Fatalf("Features() failed: %v", err)
			}
			if got.FlagString() != tc.want.FlagString() {
				t.Errorf("Features() = [%s], want [%s]", got.FlagString(), tc.want.FlagString())
			}
		})
	}
	if _, err := Features([]string{"sse"}, "auto"); err == nil {
		t.Errorf("Features(sse) succeeded")
	}
}

const allocScenario = `
[machine]
memory = "16MiB"

[[space]]

  [[space.ops]]
  op = "map"
  addr = 0x1000
  alloc = true
  cache = "uncached"

  [[space.ops]]
  op = "map"
  addr = 0x1000
  alloc = true
  expect = "MappingConflict"

  [[space.ops]]
  op = "map"
  addr = 0x200000
  page = "2M"
  alloc = true
  cache = "WB"

  [[space.ops]]
  op = "unmap"
  addr = 0x1000

  [[space.ops]]
  op = "unmap"
  addr = 0x200000
  page = "2M"
`

func TestAllocatedFramesFreed(t *testing.T) {
	m, s := newTestMachine(t, allocScenario)
	before := m.Frames.Available()
	reports, err := m.Run(context.Background(), s, false)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	r := reports[0]
	for i, want := range map[int]string{
		0: "4K [P|W|PCD|G|NX]",
		2: "2M [P|W|G|NX]",
		3: "(freed)",
		4: "(freed)",
	} {
		if !strings.Contains(r.Lines[i], want) {
			t.Errorf("line %d = %q, want %q", i, r.Lines[i], want)
		}
	}
	// Only the page tables stay allocated.
	if got, want := m.Frames.Available(), before-uint64(r.Tables)*hostarch.PageSize; got != want {
		t.Errorf("Available() = %#x after run, want %#x (%d tables)", got, want, r.Tables)
	}
}
