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

// Package ring0 simulates the processors an address space is loaded into.
//
// A CPU holds a CR3 value and a TLB. Translations go through the TLB first,
// so a caller that edits the loaded tables without invalidating observes
// stale results, as on hardware.
package ring0

import (
	"vmcore.dev/vmcore/pkg/cpuid"
	"vmcore.dev/vmcore/pkg/ring0/pagetables"
)

// Kernel is the state shared by all CPUs of a machine.
type Kernel struct {
	// Features are the paging features of every CPU.
	Features cpuid.FeatureSet

	// Allocator looks up the tables named by CR3.
	Allocator pagetables.Allocator
}

// NewKernel returns a Kernel for the given machine.
func NewKernel(features cpuid.FeatureSet, a pagetables.Allocator) *Kernel {
	return &Kernel{
		Features:  features,
		Allocator: a,
	}
}

// Opts returns the page table options the CPUs support.
func (k *Kernel) Opts() pagetables.Opts {
	return pagetables.OptsFromFeatures(k.Features)
}

// NewPageMap returns an untagged address space with the kernel's options.
func (k *Kernel) NewPageMap() (*pagetables.PageMap, error) {
	return pagetables.New(k.Allocator, k.Opts())
}

// NewCPU returns CPU id with nothing loaded.
func (k *Kernel) NewCPU(id int) *CPU {
	c := &CPU{
		kernel: k,
		id:     id,
	}
	c.FlushTLB()
	return c
}
