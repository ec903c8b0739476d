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

package physmem

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"vmcore.dev/vmcore/pkg/errors/vmerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
)

// RegionKind is the type of a boot memory map entry.
type RegionKind int

const (
	// RegionUsable is RAM available to the allocator.
	RegionUsable RegionKind = iota

	// RegionReserved is memory that must never be handed out (firmware,
	// kernel image, MMIO holes).
	RegionReserved
)

// String implements fmt.Stringer.String.
func (k RegionKind) String() string {
	switch k {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	default:
		return fmt.Sprintf("RegionKind(%d)", int(k))
	}
}

// Region is one entry of a boot memory map.
type Region struct {
	Start  hostarch.PhysAddr
	Length uint64
	Kind   RegionKind
}

// extent is a free range [start, end) of whole frames.
type extent struct {
	start uint64
	end   uint64
}

func extentLess(a, b extent) bool {
	return a.start < b.start
}

// btreeDegree is the degree of the free extent tree.
const btreeDegree = 8

// FrameAllocator hands out zeroed physical frames from a Memory.
//
// Free space is tracked as an ordered set of extents so that allocation is
// lowest-address first and freed frames coalesce with their neighbours.
// Allocation is protected by a mutex; callers may use a FrameAllocator from
// several goroutines.
type FrameAllocator struct {
	mem *Memory

	mu sync.Mutex

	// free holds disjoint, non-adjacent extents. Protected by mu.
	free *btree.BTreeG[extent]

	// freeBytes is the total size of free. Protected by mu.
	freeBytes uint64
}

// NewFrameAllocator returns an allocator over mem seeded from the given
// memory map. Usable regions are shrunk to whole frames and clipped to the
// arena; reserved regions are then carved out. The frame at physical address
// zero is always reserved so that a zero frame address never names a valid
// allocation.
//
// If regions is empty, all of mem is usable.
func NewFrameAllocator(mem *Memory, regions []Region) (*FrameAllocator, error) {
	a := &FrameAllocator{
		mem:  mem,
		free: btree.NewG[extent](btreeDegree, extentLess),
	}
	if len(regions) == 0 {
		regions = []Region{{Start: 0, Length: mem.Size(), Kind: RegionUsable}}
	}
	for _, r := range regions {
		if r.Kind != RegionUsable {
			continue
		}
		start, ok := r.Start.RoundUp(hostarch.PageSize)
		if !ok {
			continue
		}
		end := (r.Start + hostarch.PhysAddr(r.Length)).RoundDown(hostarch.PageSize)
		if uint64(end) > mem.Size() {
			end = hostarch.PhysAddr(mem.Size())
		}
		if end <= start {
			continue
		}
		// Overlapping usable entries are merged rather than counted twice.
		a.reserveLocked(uint64(start), uint64(end))
		a.insertLocked(extent{uint64(start), uint64(end)})
	}
	a.reserveLocked(0, hostarch.PageSize)
	for _, r := range regions {
		if r.Kind == RegionReserved {
			start := r.Start.RoundDown(hostarch.PageSize)
			end, ok := (r.Start + hostarch.PhysAddr(r.Length)).RoundUp(hostarch.PageSize)
			if !ok {
				end = hostarch.PhysAddr(^uint64(0)).RoundDown(hostarch.PageSize)
			}
			a.reserveLocked(uint64(start), uint64(end))
		}
	}
	if a.freeBytes == 0 {
		return nil, fmt.Errorf("memory map leaves no usable frames")
	}
	log.Debugf("Frame allocator: %d usable bytes in %d extents", a.freeBytes, a.free.Len())
	return a, nil
}

// Memory returns the arena frames are allocated from.
func (a *FrameAllocator) Memory() *Memory {
	return a.mem
}

// Available returns the number of free bytes.
func (a *FrameAllocator) Available() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeBytes
}

// Allocate returns a zeroed standard frame, or vmerr.OutOfMemory.
func (a *FrameAllocator) Allocate() (hostarch.PhysAddr, error) {
	return a.AllocateContiguous(hostarch.PageSize, hostarch.PageSize)
}

// AllocateContiguous returns the base of size bytes of zeroed, physically
// contiguous memory aligned to align. size is rounded up to whole frames;
// align must be a power of two no smaller than a page.
func (a *FrameAllocator) AllocateContiguous(size, align uint64) (hostarch.PhysAddr, error) {
	if align < hostarch.PageSize || align&(align-1) != 0 {
		return 0, fmt.Errorf("alignment %#x: %w", align, vmerr.InvalidArgument)
	}
	rounded, ok := hostarch.PhysAddr(size).RoundUp(hostarch.PageSize)
	if !ok || rounded == 0 {
		return 0, fmt.Errorf("size %#x: %w", size, vmerr.InvalidArgument)
	}
	size = uint64(rounded)

	a.mu.Lock()
	var (
		found bool
		from  extent
		base  uint64
	)
	a.free.Ascend(func(e extent) bool {
		b, ok := hostarch.PhysAddr(e.start).RoundUp(align)
		if !ok {
			return false
		}
		if uint64(b) < e.end && e.end-uint64(b) >= size {
			found, from, base = true, e, uint64(b)
			return false
		}
		return true
	})
	if !found {
		a.mu.Unlock()
		return 0, vmerr.OutOfMemory
	}
	a.free.Delete(from)
	a.freeBytes -= from.end - from.start
	if base > from.start {
		a.insertLocked(extent{from.start, base})
	}
	if base+size < from.end {
		a.insertLocked(extent{base + size, from.end})
	}
	a.mu.Unlock()

	// Frames are zeroed outside the lock; nobody else can see them yet.
	if err := a.mem.Zero(hostarch.PhysAddr(base), size); err != nil {
		panic(fmt.Sprintf("free extent [%#x, %#x) outside memory: %v", base, base+size, err))
	}
	return hostarch.PhysAddr(base), nil
}

// Free returns [p, p+size) to the allocator. The range must be page aligned,
// lie within memory, and must not already be free.
func (a *FrameAllocator) Free(p hostarch.PhysAddr, size uint64) error {
	if !p.IsPageAligned() || size == 0 || size%hostarch.PageSize != 0 {
		return fmt.Errorf("free [%v, +%#x): %w", p, size, vmerr.InvalidAddress)
	}
	if !a.mem.Contains(p, size) {
		return fmt.Errorf("free [%v, +%#x) outside memory: %w", p, size, vmerr.InvalidAddress)
	}
	start, end := uint64(p), uint64(p)+size

	a.mu.Lock()
	defer a.mu.Unlock()
	overlap := false
	a.free.DescendLessOrEqual(extent{start: end - 1}, func(e extent) bool {
		overlap = e.end > start
		return false
	})
	if overlap {
		return fmt.Errorf("free [%v, +%#x): range already free", p, size)
	}
	a.insertLocked(extent{start, end})
	return nil
}

// insertLocked adds a free extent, merging it with adjacent extents.
//
// Preconditions: e does not overlap any free extent, a.mu is held or a is
// not yet shared.
func (a *FrameAllocator) insertLocked(e extent) {
	var (
		prev    extent
		hasPrev bool
	)
	a.free.DescendLessOrEqual(extent{start: e.start}, func(p extent) bool {
		prev, hasPrev = p, true
		return false
	})
	if hasPrev && prev.end == e.start {
		a.free.Delete(prev)
		a.freeBytes -= prev.end - prev.start
		e.start = prev.start
	}
	if next, ok := a.free.Get(extent{start: e.end}); ok {
		a.free.Delete(next)
		a.freeBytes -= next.end - next.start
		e.end = next.end
	}
	a.free.ReplaceOrInsert(e)
	a.freeBytes += e.end - e.start
}

// reserveLocked removes [start, end) from the free set.
//
// Preconditions: a.mu is held or a is not yet shared.
func (a *FrameAllocator) reserveLocked(start, end uint64) {
	var hit []extent
	a.free.Ascend(func(e extent) bool {
		if e.start >= end {
			return false
		}
		if e.end > start {
			hit = append(hit, e)
		}
		return true
	})
	for _, e := range hit {
		a.free.Delete(e)
		a.freeBytes -= e.end - e.start
		if e.start < start {
			a.free.ReplaceOrInsert(extent{e.start, start})
			a.freeBytes += start - e.start
		}
		if e.end > end {
			a.free.ReplaceOrInsert(extent{end, e.end})
			a.freeBytes += e.end - end
		}
	}
}

// Extents calls fn for each free range in address order.
func (a *FrameAllocator) Extents(fn func(start hostarch.PhysAddr, length uint64)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free.Ascend(func(e extent) bool {
		fn(hostarch.PhysAddr(e.start), e.end-e.start)
		return true
	})
}
