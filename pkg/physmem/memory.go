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

// Package physmem simulates the physical memory of a machine: a byte arena
// addressed by physical address and a frame allocator seeded from a boot
// memory map.
package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
	"vmcore.dev/vmcore/pkg/hostarch"
)

// Memory is a simulated physical address space starting at zero.
//
// The arena is an anonymous private mapping, so untouched frames cost no host
// memory and read as zero.
type Memory struct {
	data []byte
}

// NewMemory maps a new arena of the given size, rounded up to a whole number
// of pages.
func NewMemory(size uint64) (*Memory, error) {
	rounded, ok := hostarch.PhysAddr(size).RoundUp(hostarch.PageSize)
	if !ok || rounded == 0 {
		return nil, fmt.Errorf("invalid physical memory size %d", size)
	}
	data, err := unix.Mmap(-1, 0, int(rounded), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of physical memory: %w", rounded, err)
	}
	return &Memory{data: data}, nil
}

// Release unmaps the arena. The Memory must not be used afterwards.
func (m *Memory) Release() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Size returns the size of the physical address space in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// Contains returns true iff [p, p+length) lies within the arena.
func (m *Memory) Contains(p hostarch.PhysAddr, length uint64) bool {
	end := uint64(p) + length
	return end >= uint64(p) && end <= m.Size()
}

// Frame returns the bytes of the standard frame at p.
func (m *Memory) Frame(p hostarch.PhysAddr) ([]byte, error) {
	if !p.IsPageAligned() {
		return nil, fmt.Errorf("frame address %v is not page aligned", p)
	}
	if !m.Contains(p, hostarch.PageSize) {
		return nil, fmt.Errorf("frame address %v outside physical memory of %d bytes", p, m.Size())
	}
	return m.data[p : p+hostarch.PageSize : p+hostarch.PageSize], nil
}

// Zero clears [p, p+length).
func (m *Memory) Zero(p hostarch.PhysAddr, length uint64) error {
	if !m.Contains(p, length) {
		return fmt.Errorf("range [%v, +%#x) outside physical memory", p, length)
	}
	r := m.data[p : uint64(p)+length]
	if length >= hostarch.LargePageSize && p.IsPageAligned() && length%hostarch.PageSize == 0 {
		// Dropped pages of a private anonymous mapping read back as zero.
		if err := unix.Madvise(r, unix.MADV_DONTNEED); err == nil {
			return nil
		}
	}
	clear(r)
	return nil
}

// ReadAt implements io.ReaderAt over physical memory.
func (m *Memory) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || !m.Contains(hostarch.PhysAddr(off), uint64(len(b))) {
		return 0, fmt.Errorf("read of %d bytes at %#x outside physical memory", len(b), off)
	}
	return copy(b, m.data[off:]), nil
}

// WriteAt implements io.WriterAt over physical memory.
func (m *Memory) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || !m.Contains(hostarch.PhysAddr(off), uint64(len(b))) {
		return 0, fmt.Errorf("write of %d bytes at %#x outside physical memory", len(b), off)
	}
	return copy(m.data[off:], b), nil
}
