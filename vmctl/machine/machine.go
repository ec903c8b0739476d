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

// Package machine builds a simulated machine from a scenario and runs the
// scenario's address-space scripts on it.
package machine

import (
	"context"
	"fmt"

	hostmem "github.com/shirou/gopsutil/mem"
	"golang.org/x/sync/errgroup"

	"vmcore.dev/vmcore/pkg/cpuid"
	"vmcore.dev/vmcore/pkg/errors/vmerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/physmem"
	"vmcore.dev/vmcore/pkg/ring0"
	"vmcore.dev/vmcore/pkg/ring0/pagetables"
	"vmcore.dev/vmcore/vmctl/config"
)

// Machine is a simulated machine.
//
// The frame allocator and the PCID pool are safe for concurrent use. Each
// CPU must be driven by one goroutine at a time.
type Machine struct {
	Memory *physmem.Memory
	Frames *physmem.FrameAllocator
	Kernel *ring0.Kernel
	CPUs   []*ring0.CPU
	PCIDs  *pagetables.PCIDs
}

// Features resolves the feature names of a machine description. hugePages
// is "auto", "on" or "off"; the latter two override 1 GiB page support.
func Features(names []string, hugePages string) (cpuid.FeatureSet, error) {
	fs := cpuid.NewFeatureSet()
	for _, name := range names {
		if name == "host" {
			host, err := cpuid.HostFeatureSet()
			if err != nil {
				return fs, fmt.Errorf("reading host features: %w", err)
			}
			fs.Merge(host)
			continue
		}
		f, ok := cpuid.FeatureFromString(name)
		if !ok {
			return fs, fmt.Errorf("unknown feature %q", name)
		}
		fs.Add(f)
	}
	switch hugePages {
	case "on":
		fs.Add(cpuid.X86FeatureGBPAGES)
	case "off":
		fs.Remove(cpuid.X86FeatureGBPAGES)
	}
	return fs, nil
}

// New builds the machine described by m.
func New(m *config.Machine, hugePages string) (*Machine, error) {
	features, err := Features(m.Features, hugePages)
	if err != nil {
		return nil, err
	}
	if vm, err := hostmem.VirtualMemory(); err == nil && uint64(m.Memory) > vm.Total {
		log.Warningf("Machine memory %v exceeds host memory %v; only touched frames are backed", m.Memory, config.Size(vm.Total))
	}
	mem, err := physmem.NewMemory(uint64(m.Memory))
	if err != nil {
		return nil, err
	}
	regions := make([]physmem.Region, 0, len(m.Regions))
	for _, r := range m.Regions {
		kind := physmem.RegionUsable
		if r.Kind == "reserved" {
			kind = physmem.RegionReserved
		}
		regions = append(regions, physmem.Region{Start: r.Start.Phys(), Length: uint64(r.Length), Kind: kind})
	}
	frames, err := physmem.NewFrameAllocator(mem, regions)
	if err != nil {
		mem.Release()
		return nil, err
	}
	pcids, err := pagetables.NewPCIDs(1, pagetables.MaxPCID)
	if err != nil {
		mem.Release()
		return nil, err
	}
	k := ring0.NewKernel(features, pagetables.NewArenaAllocator(frames))
	mc := &Machine{
		Memory: mem,
		Frames: frames,
		Kernel: k,
		PCIDs:  pcids,
	}
	for i := 0; i < m.CPUs; i++ {
		mc.CPUs = append(mc.CPUs, k.NewCPU(i))
	}
	log.Infof("Machine: %v of memory, %d CPUs, features [%s]", m.Memory, m.CPUs, features.FlagString())
	return mc, nil
}

// Release frees the machine's memory.
func (m *Machine) Release() error {
	return m.Memory.Release()
}

// Report is the outcome of one address space's script.
type Report struct {
	Space string
	CPU   int

	// Lines has one entry per operation.
	Lines []string

	Mappings []pagetables.Mapping
	Checksum uint64
	Tables   int
}

// Run runs every space of s. Spaces on the same CPU run in file order. If
// parallel is set, each CPU's spaces run on their own goroutine.
//
// Reports are returned in file order. The first failing space stops the run.
func (m *Machine) Run(ctx context.Context, s *config.Scenario, parallel bool) ([]*Report, error) {
	reports := make([]*Report, len(s.Spaces))
	byCPU := make(map[int][]int)
	var order []int
	for i, sp := range s.Spaces {
		if _, ok := byCPU[sp.CPU]; !ok {
			order = append(order, sp.CPU)
		}
		byCPU[sp.CPU] = append(byCPU[sp.CPU], i)
	}
	runCPU := func(ctx context.Context, cpu int) error {
		for _, i := range byCPU[cpu] {
			r, err := m.RunSpace(ctx, &s.Spaces[i])
			reports[i] = r
			if err != nil {
				return err
			}
		}
		return nil
	}

	if !parallel {
		for _, cpu := range order {
			if err := runCPU(ctx, cpu); err != nil {
				return reports, err
			}
		}
		return reports, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, cpu := range order {
		cpu := cpu
		g.Go(func() error {
			return runCPU(gctx, cpu)
		})
	}
	return reports, g.Wait()
}

// RunSpace creates a new address space and runs sp's operations on it.
func (m *Machine) RunSpace(ctx context.Context, sp *config.Space) (*Report, error) {
	if sp.CPU < 0 || sp.CPU >= len(m.CPUs) {
		return nil, fmt.Errorf("space %q: no CPU %d", sp.Name, sp.CPU)
	}
	pm, err := m.Kernel.NewPageMap()
	if err != nil {
		return nil, fmt.Errorf("space %q: %w", sp.Name, err)
	}
	r := &Report{Space: sp.Name, CPU: sp.CPU}
	defer func() {
		r.Mappings = pm.Mappings()
		r.Checksum = pm.Checksum()
		r.Tables = pm.Tables()
	}()
	s := &space{m: m, pm: pm, cpu: m.CPUs[sp.CPU], allocated: make(map[hostarch.PhysAddr]uint64)}
	for i := range sp.Ops {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		op := &sp.Ops[i]
		line, err := s.do(op)
		if op.Expect != "" {
			want, _ := vmerr.FromName(op.Expect)
			if !vmerr.Equals(want, err) {
				return r, fmt.Errorf("space %q op %d (%v): got %v, want %s", sp.Name, i, op, err, op.Expect)
			}
			line = fmt.Sprintf("%s: %s (expected)", line, op.Expect)
		} else if err != nil {
			return r, fmt.Errorf("space %q op %d (%v): %w", sp.Name, i, op, err)
		}
		log.Debugf("Space %q: %s", sp.Name, line)
		r.Lines = append(r.Lines, line)
	}
	return r, nil
}

// space is an address space being scripted.
type space struct {
	m   *Machine
	pm  *pagetables.PageMap
	cpu *ring0.CPU

	// allocated holds the size of each frame taken by a map with alloc set,
	// by address. Such frames go back to the machine when unmapped.
	allocated map[hostarch.PhysAddr]uint64
}

// do runs op and describes it. The description is valid on failure too.
func (s *space) do(op *config.Op) (string, error) {
	switch op.Op {
	case config.OpTag:
		if op.PCID == nil {
			id, err := s.m.PCIDs.Assign(s.pm)
			return fmt.Sprintf("tag pcid=%d", id), err
		}
		return fmt.Sprintf("tag pcid=%d", *op.PCID), s.pm.AssignPCID(*op.PCID)

	case config.OpActivate:
		return fmt.Sprintf("activate %v cr3=%#x", s.cpu, s.pm.CR3()), s.pm.Activate(s.cpu)

	case config.OpMap:
		size, err := pagetables.ParsePageSize(op.Page)
		if err != nil {
			return "map", err
		}
		flags, err := opFlags(op)
		if err != nil {
			return "map", err
		}
		phys := op.Phys.Phys()
		if op.Alloc {
			if phys, err = s.m.Frames.AllocateContiguous(size.Bytes(), size.Bytes()); err != nil {
				return fmt.Sprintf("map %v %v", op.Addr, size), err
			}
		}
		line := fmt.Sprintf("map %v -> %v %v [%v]", op.Addr, phys, size, flags)
		if err := s.pm.Map(s.cpu, op.Addr.Addr(), phys, flags, size); err != nil {
			if op.Alloc {
				if ferr := s.m.Frames.Free(phys, size.Bytes()); ferr != nil {
					return line, fmt.Errorf("%w (freeing frame: %v)", err, ferr)
				}
			}
			return line, err
		}
		if op.Alloc {
			s.allocated[phys] = size.Bytes()
		}
		return line, nil

	case config.OpUnmap:
		size, err := pagetables.ParsePageSize(op.Page)
		if err != nil {
			return "unmap", err
		}
		phys, err := s.pm.Unmap(s.cpu, op.Addr.Addr(), size)
		if err != nil {
			return fmt.Sprintf("unmap %v %v", op.Addr, size), err
		}
		line := fmt.Sprintf("unmap %v %v -> %v", op.Addr, size, phys)
		if n, ok := s.allocated[phys]; ok && n == size.Bytes() {
			delete(s.allocated, phys)
			if err := s.m.Frames.Free(phys, n); err != nil {
				return line, err
			}
			line += " (freed)"
		}
		return line, nil

	case config.OpFind:
		alignment := uint64(op.Alignment)
		if alignment == 0 {
			alignment = hostarch.PageSize
		}
		end := op.End.Addr()
		if end == 0 {
			end = hostarch.LowerTop + 1
		}
		line := fmt.Sprintf("find %v aligned %v in [%v, %v)", op.Length, config.Size(alignment), op.Addr, end)
		addr, err := s.pm.FindAvailableRegion(uint64(op.Length), alignment, op.Addr.Addr(), end)
		if err != nil {
			return line, err
		}
		return fmt.Sprintf("%s -> %v", line, addr), nil

	case config.OpTranslate:
		phys, flags, size, err := s.pm.Translate(op.Addr.Addr())
		if err != nil {
			return fmt.Sprintf("translate %v", op.Addr), err
		}
		return fmt.Sprintf("translate %v -> %v %v [%v]", op.Addr, phys, size, flags), nil

	case config.OpAccess:
		phys, flags, err := s.cpu.Translate(op.Addr.Addr())
		if err != nil {
			return fmt.Sprintf("access %v on %v", op.Addr, s.cpu), err
		}
		return fmt.Sprintf("access %v on %v -> %v [%v]", op.Addr, s.cpu, phys, flags), nil

	case config.OpInvalidate:
		if op.All {
			s.pm.InvalidatePCID(s.cpu)
			return fmt.Sprintf("invalidate pcid=%d on %v", s.pm.PCID(), s.cpu), nil
		}
		s.pm.InvalidatePage(s.cpu, op.Addr.Addr())
		return fmt.Sprintf("invalidate %v on %v", op.Addr, s.cpu), nil

	default:
		return op.Op, fmt.Errorf("unknown op %q: %w", op.Op, vmerr.InvalidArgument)
	}
}

// opFlags returns the entry flags of a map operation: the flags of its
// memory type, plus any listed explicitly. With neither, the page is kernel
// read-write. A cache type replaces the caching bits of the result.
func opFlags(op *config.Op) (pagetables.Flags, error) {
	var flags pagetables.Flags
	if op.Mem != "" || op.Flags == "" {
		name := op.Mem
		if name == "" {
			name = pagetables.KernelReadWrite.String()
		}
		m, err := pagetables.ParseMemType(name)
		if err != nil {
			return 0, err
		}
		if flags, err = pagetables.GetFlags(m); err != nil {
			return 0, err
		}
	}
	extra, err := pagetables.ParseFlags(op.Flags)
	if err != nil {
		return 0, err
	}
	flags |= extra
	if op.Cache != "" {
		mt, err := hostarch.ParseMemoryType(op.Cache)
		if err != nil {
			return 0, err
		}
		flags = flags.WithMemoryType(mt)
	}
	return flags, nil
}
