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

// Package hostarch describes the x86-64 paging geometry: virtual and physical
// addresses, page sizes and the index fields used by a 4-level walk.
package hostarch

import "fmt"

// Page geometry.
const (
	// PageShift is the binary log of the standard page size.
	PageShift = 12

	// PageSize is the standard page size.
	PageSize = 1 << PageShift

	// LargePageShift is the binary log of the 2 MiB page size.
	LargePageShift = 21

	// LargePageSize is the size of a page mapped by a PD leaf.
	LargePageSize = 1 << LargePageShift

	// HugePageShift is the binary log of the 1 GiB page size.
	HugePageShift = 30

	// HugePageSize is the size of a page mapped by a PDPT leaf.
	HugePageSize = 1 << HugePageShift

	// PML4Shift is the shift of the top level index.
	PML4Shift = 39

	// IndexBits is the width of each table index.
	IndexBits = 9

	// EntriesPerTable is the number of entries in one table.
	EntriesPerTable = 1 << IndexBits

	indexMask = EntriesPerTable - 1
)

// Canonical address constraints for 48-bit virtual addresses.
const (
	// LowerTop is the highest canonical address of the lower half.
	LowerTop Addr = 0x00007fffffffffff

	// UpperBottom is the lowest canonical address of the upper half.
	UpperBottom Addr = 0xffff800000000000
)

// Addr represents a virtual address.
type Addr uint64

// PhysAddr represents a physical address.
type PhysAddr uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// IsCanonical returns true iff bits 63..47 of v are all equal.
func (v Addr) IsCanonical() bool {
	return v <= LowerTop || v >= UpperBottom
}

// IsNull returns true iff v is the zero address.
func (v Addr) IsNull() bool {
	return v == 0
}

// IsAligned returns true iff v is a multiple of align, which must be a power
// of two.
func (v Addr) IsAligned(align uint64) bool {
	return uint64(v)&(align-1) == 0
}

// IsPageAligned returns true if v is aligned to a standard page boundary.
func (v Addr) IsPageAligned() bool {
	return v.IsAligned(PageSize)
}

// RoundDown returns the address rounded down to the nearest multiple of
// align, which must be a power of two.
func (v Addr) RoundDown(align uint64) Addr {
	return v &^ Addr(align-1)
}

// RoundUp returns the address rounded up to the nearest multiple of align,
// which must be a power of two. ok is true iff rounding up did not wrap
// around.
func (v Addr) RoundUp(align uint64) (addr Addr, ok bool) {
	addr = Addr(uint64(v) + align - 1).RoundDown(align)
	ok = addr >= v
	return
}

// IsMultipleOf returns true iff v is a multiple of align. Unlike IsAligned,
// align may be any non-zero value.
func (v Addr) IsMultipleOf(align uint64) bool {
	return uint64(v)%align == 0
}

// AlignUp returns the first address at or above v that is a multiple of
// align, which may be any non-zero value. ok is false if that address does
// not fit in 64 bits.
func (v Addr) AlignUp(align uint64) (Addr, bool) {
	rem := uint64(v) % align
	if rem == 0 {
		return v, true
	}
	return v.AddLength(align - rem)
}

// PageRoundDown returns the address rounded down to the nearest page
// boundary.
func (v Addr) PageRoundDown() Addr {
	return v.RoundDown(PageSize)
}

// HugeRoundDown returns the address rounded down to the nearest huge page
// boundary.
func (v Addr) HugeRoundDown() Addr {
	return v.RoundDown(HugePageSize)
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// PML4Index returns the index of v in the top level table.
func (v Addr) PML4Index() int {
	return int((uint64(v) >> PML4Shift) & indexMask)
}

// PDPTIndex returns the index of v in a page directory pointer table.
func (v Addr) PDPTIndex() int {
	return int((uint64(v) >> HugePageShift) & indexMask)
}

// PDIndex returns the index of v in a page directory.
func (v Addr) PDIndex() int {
	return int((uint64(v) >> LargePageShift) & indexMask)
}

// PTIndex returns the index of v in a page table.
func (v Addr) PTIndex() int {
	return int((uint64(v) >> PageShift) & indexMask)
}

// PageOffset returns the offset of v within its standard page.
func (v Addr) PageOffset() uint64 {
	return uint64(v) & (PageSize - 1)
}

// IsAligned returns true iff p is a multiple of align, which must be a power
// of two.
func (p PhysAddr) IsAligned(align uint64) bool {
	return uint64(p)&(align-1) == 0
}

// IsPageAligned returns true if p is a valid frame base.
func (p PhysAddr) IsPageAligned() bool {
	return p.IsAligned(PageSize)
}

// RoundDown returns the address rounded down to a multiple of align.
func (p PhysAddr) RoundDown(align uint64) PhysAddr {
	return p &^ PhysAddr(align-1)
}

// RoundUp returns the address rounded up to a multiple of align. ok is true
// iff rounding up did not wrap around.
func (p PhysAddr) RoundUp(align uint64) (addr PhysAddr, ok bool) {
	addr = PhysAddr(uint64(p) + align - 1).RoundDown(align)
	ok = addr >= p
	return
}
