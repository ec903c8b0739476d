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

	"vmcore.dev/vmcore/pkg/cpuid"
	"vmcore.dev/vmcore/pkg/errors/vmerr"
)

const (
	// noFlushBit avoids flushing the PCID on CR3 load (per SDM 4.10.4.1).
	noFlushBit uint64 = 0x8000000000000000

	// pcidMask selects the PCID in CR3.
	pcidMask = 0xfff

	// MaxPCID is the largest PCID.
	MaxPCID = pcidMask
)

// Opts are pagetable options.
type Opts struct {
	// HugePages allows 1 GiB leaves.
	HugePages bool

	// EnablePCID sets the no-flush bit in CR3 for tagged address spaces.
	EnablePCID bool
}

// OptsFromFeatures returns the options supported by fs.
func OptsFromFeatures(fs cpuid.FeatureSet) Opts {
	return Opts{
		HugePages:  fs.HasFeature(cpuid.X86FeatureGBPAGES),
		EnablePCID: fs.HasFeature(cpuid.X86FeaturePCID),
	}
}

// archPageTables has x86-specific features.
type archPageTables struct {
	// pcid is the address space tag.
	pcid uint16

	// tagged is set once a PCID has been assigned, whatever its value.
	tagged bool
}

// AssignPCID sets the PCID. It may be called at most once, and must be
// called before Activate.
func (p *PageMap) AssignPCID(pcid uint16) error {
	if p.tagged {
		return fmt.Errorf("assigning PCID %d over %d: %w", pcid, p.pcid, vmerr.AlreadyTagged)
	}
	if pcid > MaxPCID {
		return fmt.Errorf("PCID %#x: %w", pcid, vmerr.InvalidTag)
	}
	p.pcid = pcid
	p.tagged = true
	return nil
}

// PCID returns the PCID, or zero if none was assigned.
func (p *PageMap) PCID() uint16 {
	return p.pcid
}

// Tagged returns true iff a PCID has been assigned.
func (p *PageMap) Tagged() bool {
	return p.tagged
}

// CR3 returns the CR3 value for these tables.
func (p *PageMap) CR3() uint64 {
	if p.opts.EnablePCID && p.pcid != 0 {
		return noFlushBit | uint64(p.rootPhysical) | uint64(p.pcid)
	}
	return uint64(p.rootPhysical) | uint64(p.pcid)
}

// FlushCR3 returns the CR3 value that flushes the TLB.
func (p *PageMap) FlushCR3() uint64 {
	return uint64(p.rootPhysical) | uint64(p.pcid)
}
