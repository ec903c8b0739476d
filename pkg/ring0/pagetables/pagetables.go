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

// Package pagetables manages x86-64 4-level page tables.
//
// A PageMap is the only way to create, edit, query and activate an address
// space. Tables live in frames named by physical address and obtained from
// an Allocator; intermediate tables are created lazily and never freed.
//
// A PageMap does no locking. Callers must ensure that at most one operation
// is in progress on a given PageMap.
package pagetables

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"vmcore.dev/vmcore/pkg/errors/vmerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
)

// PageMap is an address space: a root table plus the identity used when it
// is loaded into a processor.
type PageMap struct {
	// Allocator is used to allocate and look up tables.
	Allocator Allocator

	// root is the PML4.
	root *PTEs

	// rootPhysical is the physical address of root.
	rootPhysical hostarch.PhysAddr

	// archPageTables holds the PCID state.
	archPageTables

	// opts are the options passed at creation.
	opts Opts
}

// New returns a PageMap with a freshly allocated root table. The PageMap is
// untagged and must be given a PCID before it is activated.
func New(a Allocator, opts Opts) (*PageMap, error) {
	root, physical, err := a.NewPTEs()
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	p := &PageMap{
		Allocator:    a,
		root:         root,
		rootPhysical: physical,
		opts:         opts,
	}
	log.Debugf("New page map with root %v", physical)
	return p, nil
}

// FromCR3 returns a PageMap describing the address space named by a CR3
// value, such as the one active at boot.
//
// The table base must lie in addressable memory, otherwise
// vmerr.InvalidAddress is returned. A nonzero PCID counts as already
// assigned.
func FromCR3(cr3 uint64, a Allocator, opts Opts) (*PageMap, error) {
	cr3 &^= noFlushBit
	if cr3&^(addressMask|pcidMask) != 0 {
		return nil, fmt.Errorf("CR3 %#x has reserved bits set: %w", cr3, vmerr.InvalidAddress)
	}
	physical := hostarch.PhysAddr(cr3 & addressMask)
	if !a.ValidPhysical(physical, hostarch.PageSize) {
		return nil, fmt.Errorf("CR3 %#x table base outside memory: %w", cr3, vmerr.InvalidAddress)
	}
	p := &PageMap{
		Allocator:    a,
		root:         a.LookupPTEs(physical),
		rootPhysical: physical,
		opts:         opts,
	}
	if pcid := uint16(cr3 & pcidMask); pcid != 0 {
		p.pcid = pcid
		p.tagged = true
	}
	return p, nil
}

// Opts returns the options the PageMap was created with.
func (p *PageMap) Opts() Opts {
	return p.opts
}

// RootPhysical returns the physical address of the PML4.
func (p *PageMap) RootPhysical() hostarch.PhysAddr {
	return p.rootPhysical
}

// checkSize validates a leaf size against the platform.
func (p *PageMap) checkSize(size PageSize) error {
	if !size.valid() {
		return fmt.Errorf("page size %v: %w", size, vmerr.InvalidArgument)
	}
	if size == Huge && !p.opts.HugePages {
		return fmt.Errorf("1 GiB pages: %w", vmerr.UnsupportedOperation)
	}
	return nil
}

// checkVirtual validates the base of a leaf of the given size.
func checkVirtual(addr hostarch.Addr, size PageSize) error {
	if addr.IsNull() || !addr.IsCanonical() {
		return fmt.Errorf("virtual address %v: %w", addr, vmerr.InvalidAddress)
	}
	if !addr.IsAligned(size.Bytes()) {
		return fmt.Errorf("virtual address %v for %v page: %w", addr, size, vmerr.InvalidVAddrAlignment)
	}
	return nil
}

// Map installs a leaf of the given size mapping addr to phys.
//
// flags are installed with Present, and with Super for Large and Huge
// leaves. An existing leaf of the same size is overwritten. A leaf of another
// size covering addr, or a table where the leaf belongs, is a
// vmerr.MappingConflict.
//
// If cpu has this PageMap loaded, addr is invalidated on cpu.
func (p *PageMap) Map(cpu Processor, addr hostarch.Addr, phys hostarch.PhysAddr, flags Flags, size PageSize) error {
	if err := p.checkSize(size); err != nil {
		return err
	}
	if err := checkVirtual(addr, size); err != nil {
		return err
	}
	if !phys.IsAligned(size.Bytes()) || !p.Allocator.ValidPhysical(phys, size.Bytes()) {
		return fmt.Errorf("physical address %v for %v page: %w", phys, size, vmerr.InvalidAddress)
	}

	w := newWalker(p)
	l := size.level()
	table, err := w.descend(l, addr, flags, true)
	if err != nil {
		return err
	}
	entry := &table[l.index(addr)]
	if entry.Valid() && !l.isLeaf(entry) {
		return fmt.Errorf("%v page at %v over a %v table: %w", size, addr, l-1, vmerr.MappingConflict)
	}
	entry.Set(phys, flags, size)
	if p.isLoaded(cpu) {
		cpu.InvalidatePage(addr)
	}
	return nil
}

// Unmap clears the leaf of the given size at addr and returns the frame it
// mapped. No tables are allocated or freed.
//
// An absent leaf is vmerr.NotMapped; a leaf of another size is
// vmerr.MappingConflict.
func (p *PageMap) Unmap(cpu Processor, addr hostarch.Addr, size PageSize) (hostarch.PhysAddr, error) {
	if err := p.checkSize(size); err != nil {
		return 0, err
	}
	if err := checkVirtual(addr, size); err != nil {
		return 0, err
	}

	w := newWalker(p)
	l := size.level()
	table, err := w.descend(l, addr, 0, false)
	if err != nil {
		return 0, err
	}
	entry := &table[l.index(addr)]
	if !entry.Valid() {
		return 0, fmt.Errorf("%v page at %v: %w", size, addr, vmerr.NotMapped)
	}
	if !l.isLeaf(entry) {
		return 0, fmt.Errorf("%v page at %v is a %v table: %w", size, addr, l-1, vmerr.MappingConflict)
	}
	phys := entry.Address()
	entry.Clear()
	if p.isLoaded(cpu) {
		cpu.InvalidatePage(addr)
	}
	return phys, nil
}

// MapPage maps a standard page.
func (p *PageMap) MapPage(cpu Processor, addr hostarch.Addr, phys hostarch.PhysAddr, flags Flags) error {
	return p.Map(cpu, addr, phys, flags, Standard)
}

// MapLargePage maps a 2 MiB page.
func (p *PageMap) MapLargePage(cpu Processor, addr hostarch.Addr, phys hostarch.PhysAddr, flags Flags) error {
	return p.Map(cpu, addr, phys, flags, Large)
}

// MapHugePage maps a 1 GiB page.
func (p *PageMap) MapHugePage(cpu Processor, addr hostarch.Addr, phys hostarch.PhysAddr, flags Flags) error {
	return p.Map(cpu, addr, phys, flags, Huge)
}

// UnmapPage unmaps a standard page.
func (p *PageMap) UnmapPage(cpu Processor, addr hostarch.Addr) (hostarch.PhysAddr, error) {
	return p.Unmap(cpu, addr, Standard)
}

// UnmapLargePage unmaps a 2 MiB page.
func (p *PageMap) UnmapLargePage(cpu Processor, addr hostarch.Addr) (hostarch.PhysAddr, error) {
	return p.Unmap(cpu, addr, Large)
}

// UnmapHugePage unmaps a 1 GiB page.
func (p *PageMap) UnmapHugePage(cpu Processor, addr hostarch.Addr) (hostarch.PhysAddr, error) {
	return p.Unmap(cpu, addr, Huge)
}

// Translate returns the physical address addr maps to, along with the flags
// and size of the leaf holding it.
func (p *PageMap) Translate(addr hostarch.Addr) (hostarch.PhysAddr, Flags, PageSize, error) {
	entry, size, err := newWalker(p).lookup(addr)
	if err != nil {
		return 0, 0, 0, err
	}
	offset := uint64(addr) & (size.Bytes() - 1)
	return entry.Address() + hostarch.PhysAddr(offset), entry.Flags(), size, nil
}

// Mapping is a leaf reported by Walk.
type Mapping struct {
	Addr     hostarch.Addr
	Physical hostarch.PhysAddr
	Flags    Flags
	Size     PageSize
}

// String implements fmt.Stringer.String.
func (m Mapping) String() string {
	return fmt.Sprintf("%v -> %v %v [%v]", m.Addr, m.Physical, m.Size, m.Flags)
}

// Walk calls fn for each leaf in address order. fn must not edit the
// PageMap.
func (p *PageMap) Walk(fn func(Mapping)) {
	newWalker(p).visitLeaves(func(addr hostarch.Addr, entry *PTE, size PageSize) {
		fn(Mapping{
			Addr:     addr,
			Physical: entry.Address(),
			Flags:    entry.Flags(),
			Size:     size,
		})
	})
}

// Mappings returns every leaf in address order.
func (p *PageMap) Mappings() []Mapping {
	var ms []Mapping
	p.Walk(func(m Mapping) {
		ms = append(ms, m)
	})
	return ms
}

// Checksum hashes every reachable table. Two calls return the same value iff
// no entry changed in between.
func (p *PageMap) Checksum() uint64 {
	d := xxhash.New()
	buf := make([]byte, 0, 8+hostarch.PageSize)
	newWalker(p).visitTables(func(physical hostarch.PhysAddr, l level, table *PTEs) {
		buf = binary.LittleEndian.AppendUint64(buf[:0], uint64(physical))
		for i := range table {
			buf = binary.LittleEndian.AppendUint64(buf, table[i].load())
		}
		d.Write(buf)
	})
	return d.Sum64()
}

// Tables returns the number of reachable tables, including the root.
func (p *PageMap) Tables() int {
	n := 0
	newWalker(p).visitTables(func(hostarch.PhysAddr, level, *PTEs) {
		n++
	})
	return n
}
