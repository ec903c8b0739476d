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

	"vmcore.dev/vmcore/pkg/errors/vmerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
)

// Processor is the per-CPU context an address space is loaded into.
//
// It must not be shared between goroutines without external
// synchronization.
type Processor interface {
	// ActiveCR3 returns the CR3 value last loaded.
	ActiveCR3() uint64

	// LoadCR3 loads a new CR3 value.
	LoadCR3(cr3 uint64)

	// InvalidatePage drops the cached translation for addr in the current
	// PCID (INVLPG).
	InvalidatePage(addr hostarch.Addr)

	// InvalidatePCID drops all non-global translations tagged with pcid
	// (INVPCID single-context).
	InvalidatePCID(pcid uint16)
}

// CR3Physical returns the table base of a CR3 value.
func CR3Physical(cr3 uint64) hostarch.PhysAddr {
	return hostarch.PhysAddr(cr3 & addressMask)
}

// isLoaded returns true iff cpu is non-nil and has p loaded.
func (p *PageMap) isLoaded(cpu Processor) bool {
	return cpu != nil && CR3Physical(cpu.ActiveCR3()) == p.rootPhysical
}

// IsLoaded returns true iff cpu has p loaded. A nil cpu has nothing loaded.
func (p *PageMap) IsLoaded(cpu Processor) bool {
	return p.isLoaded(cpu)
}

// Activate loads p into cpu.
//
// A PageMap without a PCID cannot be activated: vmerr.InvalidTag.
func (p *PageMap) Activate(cpu Processor) error {
	if !p.tagged {
		return fmt.Errorf("activating page map at %v: %w", p.rootPhysical, vmerr.InvalidTag)
	}
	if cpu == nil {
		return fmt.Errorf("activating page map at %v on no processor: %w", p.rootPhysical, vmerr.InvalidArgument)
	}
	cpu.LoadCR3(p.CR3())
	log.Debugf("Activated page map at %v with PCID %d", p.rootPhysical, p.pcid)
	return nil
}

// InvalidatePage invalidates the translation for addr on cpu.
//
// This is only meaningful when cpu has p loaded; that is not checked.
func (p *PageMap) InvalidatePage(cpu Processor, addr hostarch.Addr) {
	if cpu == nil {
		return
	}
	cpu.InvalidatePage(addr)
}

// InvalidatePCID invalidates every non-global translation tagged with the
// PCID of p on cpu.
func (p *PageMap) InvalidatePCID(cpu Processor) {
	if cpu == nil {
		return
	}
	cpu.InvalidatePCID(p.pcid)
}
