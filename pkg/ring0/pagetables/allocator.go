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
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/physmem"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of zeroed PTEs and their physical address.
	//
	// It returns vmerr.OutOfMemory if no frame is available.
	NewPTEs() (*PTEs, hostarch.PhysAddr, error)

	// LookupPTEs looks up PTEs by physical address.
	//
	// It panics if physical does not name a frame, since a table entry
	// pointing outside memory means the hierarchy is corrupt.
	LookupPTEs(physical hostarch.PhysAddr) *PTEs

	// ValidPhysical returns true iff [physical, physical+length) is
	// addressable memory.
	ValidPhysical(physical hostarch.PhysAddr, length uint64) bool
}

// ArenaAllocator allocates tables from simulated physical memory.
type ArenaAllocator struct {
	frames *physmem.FrameAllocator
}

// NewArenaAllocator returns an allocator that takes table frames from
// frames.
func NewArenaAllocator(frames *physmem.FrameAllocator) *ArenaAllocator {
	return &ArenaAllocator{frames: frames}
}

// Frames returns the underlying frame allocator.
func (a *ArenaAllocator) Frames() *physmem.FrameAllocator {
	return a.frames
}

// NewPTEs implements Allocator.NewPTEs.
func (a *ArenaAllocator) NewPTEs() (*PTEs, hostarch.PhysAddr, error) {
	physical, err := a.frames.Allocate()
	if err != nil {
		return nil, 0, err
	}
	return a.LookupPTEs(physical), physical, nil
}

// ValidPhysical implements Allocator.ValidPhysical.
func (a *ArenaAllocator) ValidPhysical(physical hostarch.PhysAddr, length uint64) bool {
	return a.frames.Memory().Contains(physical, length)
}
