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
	"unsafe"

	"vmcore.dev/vmcore/pkg/hostarch"
)

// LookupPTEs implements Allocator.LookupPTEs.
func (a *ArenaAllocator) LookupPTEs(physical hostarch.PhysAddr) *PTEs {
	frame, err := a.frames.Memory().Frame(physical)
	if err != nil {
		panic(fmt.Sprintf("page table at %v: %v", physical, err))
	}
	return (*PTEs)(unsafe.Pointer(&frame[0]))
}
