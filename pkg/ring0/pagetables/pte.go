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

package pagetables

import (
	"fmt"
	"strings"
	"sync/atomic"

	"vmcore.dev/vmcore/pkg/hostarch"
)

// Flags are the attribute bits of a page table entry.
type Flags uint64

// Entry bits.
const (
	Present      Flags = 1 << 0
	Writable     Flags = 1 << 1
	User         Flags = 1 << 2
	WriteThrough Flags = 1 << 3
	CacheDisable Flags = 1 << 4
	Accessed     Flags = 1 << 5
	Dirty        Flags = 1 << 6
	Super        Flags = 1 << 7
	Global       Flags = 1 << 8
	NoExecute    Flags = 1 << 63
)

// addressMask selects the frame address, bits 51..12.
const addressMask = 0x000ffffffffff000

// flagNames is ordered by bit for String.
var flagNames = []struct {
	flag Flags
	name string
}{
	{Present, "P"},
	{Writable, "W"},
	{User, "U"},
	{WriteThrough, "PWT"},
	{CacheDisable, "PCD"},
	{Accessed, "A"},
	{Dirty, "D"},
	{Super, "PS"},
	{Global, "G"},
	{NoExecute, "NX"},
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	var parts []string
	for _, n := range flagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
			f &^= n.flag
		}
	}
	if f != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint64(f)))
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// ParseFlags parses the format produced by Flags.String. Names are case
// insensitive.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	if s == "" || s == "0" {
		return 0, nil
	}
next:
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		for _, n := range flagNames {
			if strings.EqualFold(part, n.name) {
				f |= n.flag
				continue next
			}
		}
		return 0, fmt.Errorf("unknown page flag %q", part)
	}
	return f, nil
}

// WithMemoryType returns f with the caching bits replaced by those of mt.
func (f Flags) WithMemoryType(mt hostarch.MemoryType) Flags {
	f &^= WriteThrough | CacheDisable
	switch mt {
	case hostarch.MemoryTypeWriteThrough:
		f |= WriteThrough
	case hostarch.MemoryTypeUncached:
		f |= CacheDisable
	}
	return f
}

// MemoryType returns the caching type encoded in f.
func (f Flags) MemoryType() hostarch.MemoryType {
	switch {
	case f&CacheDisable != 0:
		return hostarch.MemoryTypeUncached
	case f&WriteThrough != 0:
		return hostarch.MemoryTypeWriteThrough
	default:
		return hostarch.MemoryTypeWriteBack
	}
}

// PageSize is the size of a leaf mapping.
type PageSize uint8

const (
	// Standard is a 4 KiB page mapped by a PT entry.
	Standard PageSize = iota

	// Large is a 2 MiB page mapped by a PD entry.
	Large

	// Huge is a 1 GiB page mapped by a PDPT entry.
	Huge
)

// Bytes returns the number of bytes mapped by a leaf of size s.
func (s PageSize) Bytes() uint64 {
	switch s {
	case Standard:
		return hostarch.PageSize
	case Large:
		return hostarch.LargePageSize
	case Huge:
		return hostarch.HugePageSize
	default:
		panic(fmt.Sprintf("unknown page size %d", s))
	}
}

// level returns the level of the table holding a leaf of size s.
func (s PageSize) level() level {
	return level(s)
}

// valid returns true iff s is one of the three page sizes.
func (s PageSize) valid() bool {
	return s <= Huge
}

// String implements fmt.Stringer.String.
func (s PageSize) String() string {
	switch s {
	case Standard:
		return "4K"
	case Large:
		return "2M"
	case Huge:
		return "1G"
	default:
		return fmt.Sprintf("PageSize(%d)", s)
	}
}

// ParsePageSize parses the result of PageSize.String.
func ParsePageSize(s string) (PageSize, error) {
	switch strings.ToUpper(s) {
	case "4K", "4KIB", "STANDARD", "":
		return Standard, nil
	case "2M", "2MIB", "LARGE":
		return Large, nil
	case "1G", "1GIB", "HUGE":
		return Huge, nil
	default:
		return 0, fmt.Errorf("unknown page size %q", s)
	}
}

// PTE is a page table entry.
type PTE uint64

// PTEs is a collection of entries. It occupies exactly one frame and is used
// at every level.
type PTEs [hostarch.EntriesPerTable]PTE

// load atomically reads the entry. Tables live in simulated physical memory
// that a processor may read while the entry is being edited.
func (p *PTE) load() uint64 {
	return atomic.LoadUint64((*uint64)(p))
}

// store atomically writes the entry.
func (p *PTE) store(v uint64) {
	atomic.StoreUint64((*uint64)(p), v)
}

// Clear clears this PTE, including the super page bit.
func (p *PTE) Clear() {
	p.store(0)
}

// Valid returns true iff this entry is present.
func (p *PTE) Valid() bool {
	return p.load()&uint64(Present) != 0
}

// IsSuper returns true iff the page size bit is set. This is only meaningful
// for PD and PDPT entries; at the PT level bit 7 selects the PAT entry.
func (p *PTE) IsSuper() bool {
	return p.load()&uint64(Super) != 0
}

// Flags returns the attribute bits of the entry.
func (p *PTE) Flags() Flags {
	return Flags(p.load() &^ addressMask)
}

// Address returns the frame address of this entry.
func (p *PTE) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr(p.load() & addressMask)
}

// Set sets this PTE to a leaf mapping phys with the given flags. Present is
// always set, and Super is set iff size is not Standard.
//
// Precondition: phys must be aligned to size.
func (p *PTE) Set(phys hostarch.PhysAddr, flags Flags, size PageSize) {
	v := uint64(phys)&addressMask | uint64(flags|Present)&^addressMask
	if size == Standard {
		v &^= uint64(Super)
	} else {
		v |= uint64(Super)
	}
	p.store(v)
}

// setPageTable sets this PTE to point at the table at phys.
//
// Intermediate entries keep the caller's user and caching bits but never
// restrict write or execute; the leaf carries the effective protection.
func (p *PTE) setPageTable(phys hostarch.PhysAddr, flags Flags) {
	flags &= User | WriteThrough | CacheDisable
	p.store(uint64(phys)&addressMask | uint64(flags|Present|Writable))
}

// level is the level of a table in the hierarchy. The numbering matches the
// PageSize of a leaf held by a table of that level.
type level int

const (
	levelPT level = iota
	levelPD
	levelPDPT
	levelPML4
)

// shift returns the shift of the span mapped by one entry at level l.
func (l level) shift() uint {
	return hostarch.PageShift + uint(l)*hostarch.IndexBits
}

// entrySize returns the span mapped by one entry at level l.
func (l level) entrySize() uint64 {
	return 1 << l.shift()
}

// index returns the index of addr in a table at level l.
func (l level) index(addr hostarch.Addr) int {
	return int((uint64(addr) >> l.shift()) & (hostarch.EntriesPerTable - 1))
}

// leafAllowed returns true iff a present entry at level l may map a frame.
func (l level) leafAllowed() bool {
	return l <= levelPDPT
}

// isLeaf returns true iff e, a present entry at level l, maps a frame.
func (l level) isLeaf(e *PTE) bool {
	return l == levelPT || (l.leafAllowed() && e.IsSuper())
}

// String implements fmt.Stringer.String.
func (l level) String() string {
	switch l {
	case levelPT:
		return "PT"
	case levelPD:
		return "PD"
	case levelPDPT:
		return "PDPT"
	case levelPML4:
		return "PML4"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}
