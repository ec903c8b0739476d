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
	"fmt"
	"time"

	"vmcore.dev/vmcore/pkg/cpuid"
	"vmcore.dev/vmcore/pkg/errors/vmerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/ring0/pagetables"
)

const (
	// noFlushBit in a loaded CR3 value preserves the PCID's translations.
	noFlushBit uint64 = 1 << 63

	// globalPCID tags TLB entries for global pages, which match every PCID.
	globalPCID = 0xffff
)

// refillLog reports TLB refills, which happen on every miss.
var refillLog = log.Throttle(100 * time.Millisecond)

// tlbKey identifies a cached leaf.
type tlbKey struct {
	pcid uint16
	base hostarch.Addr
	size pagetables.PageSize
}

// tlbEntry is a cached leaf.
type tlbEntry struct {
	physical hostarch.PhysAddr
	flags    pagetables.Flags
}

// TLBStats counts translations.
type TLBStats struct {
	Hits   uint64
	Misses uint64
}

// CPU is a simulated processor. It implements pagetables.Processor.
//
// A CPU must be used by one goroutine at a time.
type CPU struct {
	kernel *Kernel
	id     int

	// cr3 is the loaded CR3 value, without the no-flush bit.
	cr3 uint64

	tlb   map[tlbKey]tlbEntry
	stats TLBStats
}

var _ pagetables.Processor = (*CPU)(nil)

// ID returns the CPU number.
func (c *CPU) ID() int {
	return c.id
}

// Features returns the CPU's paging features.
func (c *CPU) Features() cpuid.FeatureSet {
	return c.kernel.Features
}

// String implements fmt.Stringer.String.
func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d", c.id)
}

// pcidEnabled returns true iff CR4.PCIDE would be set.
func (c *CPU) pcidEnabled() bool {
	return c.kernel.Features.HasFeature(cpuid.X86FeaturePCID)
}

// currentPCID returns the PCID of the loaded CR3.
func (c *CPU) currentPCID() uint16 {
	if !c.pcidEnabled() {
		return 0
	}
	return uint16(c.cr3 & pagetables.MaxPCID)
}

// ActiveCR3 implements pagetables.Processor.ActiveCR3.
func (c *CPU) ActiveCR3() uint64 {
	return c.cr3
}

// LoadCR3 implements pagetables.Processor.LoadCR3.
//
// Unless the no-flush bit is set, non-global translations of the new PCID
// are dropped. Without PCID support every non-global translation is.
func (c *CPU) LoadCR3(cr3 uint64) {
	noFlush := cr3&noFlushBit != 0 && c.pcidEnabled()
	c.cr3 = cr3 &^ noFlushBit
	if !noFlush {
		c.dropPCID(c.currentPCID())
	}
	log.Debugf("%v: loaded CR3 %#x (no flush: %t)", c, c.cr3, noFlush)
}

// InvalidatePage implements pagetables.Processor.InvalidatePage.
//
// Like INVLPG, it drops the translation of the page containing addr, of any
// size, for the current PCID and for global pages.
func (c *CPU) InvalidatePage(addr hostarch.Addr) {
	pcid := c.currentPCID()
	for _, size := range []pagetables.PageSize{pagetables.Standard, pagetables.Large, pagetables.Huge} {
		base := addr.RoundDown(size.Bytes())
		delete(c.tlb, tlbKey{pcid, base, size})
		delete(c.tlb, tlbKey{globalPCID, base, size})
	}
}

// InvalidatePCID implements pagetables.Processor.InvalidatePCID.
func (c *CPU) InvalidatePCID(pcid uint16) {
	if !c.kernel.Features.HasFeature(cpuid.X86FeatureINVPCID) {
		// Without INVPCID the only way to drop a PCID is a full flush.
		log.Debugf("%v: INVPCID not supported, flushing TLB", c)
		c.FlushTLB()
		return
	}
	c.dropPCID(pcid)
}

// dropPCID removes every non-global translation tagged with pcid.
func (c *CPU) dropPCID(pcid uint16) {
	for k := range c.tlb {
		if k.pcid == pcid {
			delete(c.tlb, k)
		}
	}
}

// FlushTLB drops every translation, including global ones.
func (c *CPU) FlushTLB() {
	c.tlb = make(map[tlbKey]tlbEntry)
}

// TLBEntries returns the number of cached translations.
func (c *CPU) TLBEntries() int {
	return len(c.tlb)
}

// Stats returns the TLB counters.
func (c *CPU) Stats() TLBStats {
	return c.stats
}

// lookupTLB returns the cached leaf containing addr.
func (c *CPU) lookupTLB(addr hostarch.Addr) (tlbEntry, pagetables.PageSize, bool) {
	pcid := c.currentPCID()
	for _, size := range []pagetables.PageSize{pagetables.Standard, pagetables.Large, pagetables.Huge} {
		base := addr.RoundDown(size.Bytes())
		if e, ok := c.tlb[tlbKey{pcid, base, size}]; ok {
			return e, size, true
		}
		if e, ok := c.tlb[tlbKey{globalPCID, base, size}]; ok {
			return e, size, true
		}
	}
	return tlbEntry{}, 0, false
}

// Translate returns the physical address addr maps to in the loaded address
// space, consulting the TLB before walking the tables.
func (c *CPU) Translate(addr hostarch.Addr) (hostarch.PhysAddr, pagetables.Flags, error) {
	if !addr.IsCanonical() {
		return 0, 0, fmt.Errorf("%v: translating %v: %w", c, addr, vmerr.InvalidAddress)
	}
	if e, size, ok := c.lookupTLB(addr); ok {
		c.stats.Hits++
		return e.physical + hostarch.PhysAddr(uint64(addr)&(size.Bytes()-1)), e.flags, nil
	}
	c.stats.Misses++
	if c.cr3 == 0 {
		return 0, 0, fmt.Errorf("%v: no address space loaded: %w", c, vmerr.NotMapped)
	}
	pm, err := pagetables.FromCR3(c.cr3, c.kernel.Allocator, c.kernel.Opts())
	if err != nil {
		return 0, 0, err
	}
	phys, flags, size, err := pm.Translate(addr)
	if err != nil {
		return 0, 0, err
	}
	key := tlbKey{c.currentPCID(), addr.RoundDown(size.Bytes()), size}
	if flags&pagetables.Global != 0 && c.kernel.Features.HasFeature(cpuid.X86FeaturePGE) {
		key.pcid = globalPCID
	}
	c.tlb[key] = tlbEntry{
		physical: phys - hostarch.PhysAddr(uint64(addr)&(size.Bytes()-1)),
		flags:    flags,
	}
	refillLog.Debugf("%v: TLB refill %v -> %v (%v)", c, addr, phys, size)
	return phys, flags, nil
}
