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
	"sync"

	"vmcore.dev/vmcore/pkg/errors/vmerr"
)

// PCIDs hands out PCIDs to address spaces.
//
// PCID zero is never handed out, so every address space tagged through a
// PCIDs value gets the no-flush treatment in CR3.
type PCIDs struct {
	mu sync.Mutex

	// avail are the unused PCIDs, lowest last. Protected by mu.
	avail []uint16

	// owner maps an assigned PCID to its address space. Protected by mu.
	owner map[uint16]*PageMap
}

// NewPCIDs returns a database of count PCIDs starting at start.
func NewPCIDs(start, count uint16) (*PCIDs, error) {
	if start == 0 || count == 0 || uint32(start)+uint32(count)-1 > MaxPCID {
		return nil, fmt.Errorf("PCID range [%d, +%d): %w", start, count, vmerr.InvalidTag)
	}
	p := &PCIDs{
		avail: make([]uint16, 0, count),
		owner: make(map[uint16]*PageMap),
	}
	for id := uint32(start) + uint32(count) - 1; id >= uint32(start); id-- {
		p.avail = append(p.avail, uint16(id))
	}
	return p, nil
}

// Assign allocates the lowest free PCID and assigns it to pm.
//
// It fails with vmerr.AlreadyTagged if pm has a PCID, and with
// vmerr.InvalidTag if the database is exhausted.
func (p *PCIDs) Assign(pm *PageMap) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pm.Tagged() {
		return 0, fmt.Errorf("page map at %v: %w", pm.RootPhysical(), vmerr.AlreadyTagged)
	}
	if len(p.avail) == 0 {
		return 0, fmt.Errorf("no PCIDs left: %w", vmerr.InvalidTag)
	}
	id := p.avail[len(p.avail)-1]
	if err := pm.AssignPCID(id); err != nil {
		return 0, err
	}
	p.avail = p.avail[:len(p.avail)-1]
	p.owner[id] = pm
	return id, nil
}

// Owner returns the address space holding id.
func (p *PCIDs) Owner(id uint16) (*PageMap, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pm, ok := p.owner[id]
	return pm, ok
}

// Available returns the number of unassigned PCIDs.
func (p *PCIDs) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.avail)
}
