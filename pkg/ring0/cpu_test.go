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

package ring0

import (
	"testing"

	"vmcore.dev/vmcore/pkg/cpuid"
	"vmcore.dev/vmcore/pkg/errors/vmerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/physmem"
	"vmcore.dev/vmcore/pkg/ring0/pagetables"
)

const rw = pagetables.Present | pagetables.Writable

func newTestKernel(t *testing.T, features ...cpuid.Feature) *Kernel {
	t.Helper()
	mem, err := physmem.NewMemory(64 << 20)
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	t.Cleanup(func() { mem.Release() })
	frames, err := physmem.NewFrameAllocator(mem, nil)
	if err != nil {
		t.Fatalf("NewFrameAllocator failed: %v", err)
	}
	return NewKernel(cpuid.NewFeatureSet(features...), pagetables.NewArenaAllocator(frames))
}

func newActiveMap(t *testing.T, k *Kernel, cpu *CPU, pcid uint16) *pagetables.PageMap {
	t.Helper()
	pm, err := k.NewPageMap()
	if err != nil {
		t.Fatalf("NewPageMap failed: %v", err)
	}
	if err := pm.AssignPCID(pcid); err != nil {
		t.Fatalf("AssignPCID failed: %v", err)
	}
	if err := pm.Activate(cpu); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	return pm
}

func mapPage(t *testing.T, pm *pagetables.PageMap, cpu *CPU, addr hostarch.Addr, phys hostarch.PhysAddr, size pagetables.PageSize) {
	t.Helper()
	if err := pm.Map(cpu, addr, phys, rw, size); err != nil {
		t.Fatalf("Map(%v, %v) failed: %v", addr, phys, err)
	}
}

func translate(t *testing.T, cpu *CPU, addr hostarch.Addr) hostarch.PhysAddr {
	t.Helper()
	phys, _, err := cpu.Translate(addr)
	if err != nil {
		t.Fatalf("Translate(%v) failed: %v", addr, err)
	}
	return phys
}

func TestNothingLoaded(t *testing.T) {
	cpu := newTestKernel(t).NewCPU(0)
	if _, _, err := cpu.Translate(0x1000); !vmerr.Equals(vmerr.NotMapped, err) {
		t.Errorf("Translate with no CR3 = %v, want %v", err, vmerr.NotMapped)
	}
	if _, _, err := cpu.Translate(0x0000800000000000); !vmerr.Equals(vmerr.InvalidAddress, err) {
		t.Errorf("Translate of a non-canonical address = %v, want %v", err, vmerr.InvalidAddress)
	}
}

func TestStaleTranslation(t *testing.T) {
	k := newTestKernel(t)
	cpu := k.NewCPU(0)
	pm := newActiveMap(t, k, cpu, 1)

	if err := pm.MapPage(cpu, 0x1000, 0x2000, rw); err != nil {
		t.Fatalf("MapPage failed: %v", err)
	}
	if got := translate(t, cpu, 0x1234); got != 0x2234 {
		t.Errorf("Translate = %v, want 0x2234", got)
	}

	// Editing without telling the CPU leaves the old translation cached.
	if _, err := pm.UnmapPage(nil, 0x1000); err != nil {
		t.Fatalf("UnmapPage failed: %v", err)
	}
	if got := translate(t, cpu, 0x1000); got != 0x2000 {
		t.Errorf("stale Translate = %v, want 0x2000", got)
	}
	pm.InvalidatePage(cpu, 0x1000)
	if _, _, err := cpu.Translate(0x1000); !vmerr.Equals(vmerr.NotMapped, err) {
		t.Errorf("Translate after invalidation = %v, want %v", err, vmerr.NotMapped)
	}

	// Passing the CPU invalidates as part of the edit.
	mapPage(t, pm, cpu, 0x1000, 0x3000, pagetables.Standard)
	translate(t, cpu, 0x1000)
	mapPage(t, pm, cpu, 0x1000, 0x4000, pagetables.Standard)
	if got := translate(t, cpu, 0x1000); got != 0x4000 {
		t.Errorf("Translate after remap = %v, want 0x4000", got)
	}
	if s := cpu.Stats(); s.Hits != 1 || s.Misses != 4 {
		t.Errorf("Stats = %+v, want 1 hit and 4 misses", s)
	}
}

func TestInvalidateLargePage(t *testing.T) {
	k := newTestKernel(t)
	cpu := k.NewCPU(0)
	pm := newActiveMap(t, k, cpu, 1)
	mapPage(t, pm, cpu, 0x200000, 0x400000, pagetables.Large)
	if got := translate(t, cpu, 0x3ff000); got != 0x5ff000 {
		t.Errorf("Translate = %v, want 0x5ff000", got)
	}
	if cpu.TLBEntries() != 1 {
		t.Errorf("TLBEntries = %d, want 1", cpu.TLBEntries())
	}
	// Any address inside the page drops it.
	cpu.InvalidatePage(0x201000)
	if cpu.TLBEntries() != 0 {
		t.Errorf("TLBEntries after INVLPG = %d, want 0", cpu.TLBEntries())
	}
}

func TestPCIDSwitch(t *testing.T) {
	for _, tc := range []struct {
		name     string
		features []cpuid.Feature
		kept     int
	}{
		{"pcid", []cpuid.Feature{cpuid.X86FeaturePCID, cpuid.X86FeatureINVPCID}, 2},
		{"no pcid", nil, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := newTestKernel(t, tc.features...)
			cpu := k.NewCPU(0)
			a := newActiveMap(t, k, cpu, 1)
			mapPage(t, a, cpu, 0x1000, 0x1000, pagetables.Standard)
			translate(t, cpu, 0x1000)

			b := newActiveMap(t, k, cpu, 2)
			mapPage(t, b, cpu, 0x1000, 0x2000, pagetables.Standard)
			if got := translate(t, cpu, 0x1000); got != 0x2000 {
				t.Errorf("Translate in b = %v, want 0x2000", got)
			}
			if got := cpu.TLBEntries(); got != tc.kept {
				t.Errorf("TLBEntries = %d, want %d", got, tc.kept)
			}
			if err := a.Activate(cpu); err != nil {
				t.Fatalf("Activate failed: %v", err)
			}
			if got := translate(t, cpu, 0x1000); got != 0x1000 {
				t.Errorf("Translate in a = %v, want 0x1000", got)
			}
		})
	}
}

func TestInvalidatePCID(t *testing.T) {
	k := newTestKernel(t, cpuid.X86FeaturePCID, cpuid.X86FeatureINVPCID)
	cpu := k.NewCPU(0)
	a := newActiveMap(t, k, cpu, 1)
	mapPage(t, a, cpu, 0x1000, 0x1000, pagetables.Standard)
	mapPage(t, a, cpu, 0x2000, 0x2000, pagetables.Standard)
	translate(t, cpu, 0x1000)
	translate(t, cpu, 0x2000)

	b := newActiveMap(t, k, cpu, 2)
	mapPage(t, b, cpu, 0x1000, 0x3000, pagetables.Standard)
	translate(t, cpu, 0x1000)

	a.InvalidatePCID(cpu)
	if got := cpu.TLBEntries(); got != 1 {
		t.Errorf("TLBEntries after INVPCID = %d, want 1", got)
	}
}

func TestGlobalPages(t *testing.T) {
	k := newTestKernel(t, cpuid.X86FeaturePGE)
	cpu := k.NewCPU(0)
	a := newActiveMap(t, k, cpu, 1)
	text, err := pagetables.GetFlags(pagetables.KernelReadExecute)
	if err != nil {
		t.Fatalf("GetFlags failed: %v", err)
	}
	if err := a.MapPage(cpu, 0xffffffff80000000, 0x1000, text); err != nil {
		t.Fatalf("MapPage failed: %v", err)
	}
	translate(t, cpu, 0xffffffff80000000)

	// A global translation survives a flushing CR3 load.
	b := newActiveMap(t, k, cpu, 2)
	if got := translate(t, cpu, 0xffffffff80000000); got != 0x1000 {
		t.Errorf("Translate of a global page in b = %v, want 0x1000", got)
	}
	if s := cpu.Stats(); s.Hits != 1 {
		t.Errorf("Stats = %+v, want 1 hit", s)
	}
	b.InvalidatePage(cpu, 0xffffffff80000000)
	if cpu.TLBEntries() != 0 {
		t.Errorf("TLBEntries after INVLPG = %d, want 0", cpu.TLBEntries())
	}
}
