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

package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"

	"vmcore.dev/vmcore/pkg/errors/vmerr"
	"vmcore.dev/vmcore/pkg/hostarch"
)

// Address is an address in a scenario file. TOML integers are signed, so
// addresses may also be written as strings ("0xffff800000000000").
type Address uint64

// UnmarshalTOML implements toml.Unmarshaler.
func (a *Address) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case int64:
		if v < 0 {
			return fmt.Errorf("negative address %d", v)
		}
		*a = Address(v)
	case string:
		n, err := strconv.ParseUint(strings.ReplaceAll(v, "_", ""), 0, 64)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", v, err)
		}
		*a = Address(n)
	default:
		return fmt.Errorf("invalid address %v of type %T", v, v)
	}
	return nil
}

// String implements fmt.Stringer.String.
func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Addr returns a as a virtual address.
func (a Address) Addr() hostarch.Addr {
	return hostarch.Addr(a)
}

// Phys returns a as a physical address.
func (a Address) Phys() hostarch.PhysAddr {
	return hostarch.PhysAddr(a)
}

// Size is a byte count in a scenario file, given as an integer or as a
// human-readable string such as "64MiB" or "2M" (binary units).
type Size uint64

// UnmarshalTOML implements toml.Unmarshaler.
func (s *Size) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case int64:
		if v < 0 {
			return fmt.Errorf("negative size %d", v)
		}
		*s = Size(v)
	case string:
		n, err := units.RAMInBytes(v)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", v, err)
		}
		if n < 0 {
			return fmt.Errorf("negative size %q", v)
		}
		*s = Size(n)
	default:
		return fmt.Errorf("invalid size %v of type %T", v, v)
	}
	return nil
}

// String implements fmt.Stringer.String.
func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// Region is a boot memory map entry.
type Region struct {
	Start  Address `toml:"start"`
	Length Size    `toml:"length"`

	// Kind is "usable" or "reserved".
	Kind string `toml:"kind"`
}

// Machine describes the simulated machine.
type Machine struct {
	// Memory is the size of physical memory.
	Memory Size `toml:"memory"`

	// CPUs is the number of processors. Defaults to one.
	CPUs int `toml:"cpus"`

	// Features are /proc/cpuinfo flag names ("pdpe1gb", "pcid", ...). The
	// name "host" adds the features of the host.
	Features []string `toml:"features"`

	// Regions is the boot memory map. If empty, all of memory except the
	// first frame is usable.
	Regions []Region `toml:"regions"`
}

// Op names.
const (
	OpTag        = "tag"
	OpActivate   = "activate"
	OpMap        = "map"
	OpUnmap      = "unmap"
	OpFind       = "find"
	OpTranslate  = "translate"
	OpAccess     = "access"
	OpInvalidate = "invalidate"
)

var ops = map[string]struct{}{
	OpTag:        {},
	OpActivate:   {},
	OpMap:        {},
	OpUnmap:      {},
	OpFind:       {},
	OpTranslate:  {},
	OpAccess:     {},
	OpInvalidate: {},
}

// Op is a single operation on an address space. Which fields apply depends
// on Op:
//
//	tag         PCID (assigned from the machine's pool if unset)
//	activate    -
//	map         Addr, Phys or Alloc, Page, Mem or Flags, Cache
//	unmap       Addr, Page
//	find        Length, Alignment, Addr (start), End
//	translate   Addr
//	access      Addr, through the CPU's TLB
//	invalidate  Addr, or All for the whole PCID
type Op struct {
	Op        string  `toml:"op"`
	Addr      Address `toml:"addr"`
	Phys      Address `toml:"phys"`
	Page      string  `toml:"page"`
	Length    Size    `toml:"length"`
	Alignment Size    `toml:"alignment"`
	End       Address `toml:"end"`
	Mem       string  `toml:"mem"`
	Flags     string  `toml:"flags"`
	Cache     string  `toml:"cache"`
	PCID      *uint16 `toml:"pcid"`
	Alloc     bool    `toml:"alloc"`
	All       bool    `toml:"all"`

	// Expect is the failure class the operation must fail with, e.g.
	// "NotMapped". Empty means it must succeed.
	Expect string `toml:"expect"`
}

// String implements fmt.Stringer.String.
func (o *Op) String() string {
	return o.Op
}

// Space is an address space and the operations run on it, in order.
type Space struct {
	Name string `toml:"name"`

	// CPU is the processor the space is activated on.
	CPU int  `toml:"cpu"`
	Ops []Op `toml:"ops"`
}

// Scenario is a machine and the address spaces to run on it.
type Scenario struct {
	Machine Machine `toml:"machine"`
	Spaces  []Space `toml:"space"`
}

// DecodeScenario parses a scenario from TOML text.
func DecodeScenario(data string) (*Scenario, error) {
	s := &Scenario{}
	md, err := toml.Decode(data, s)
	if err != nil {
		return nil, err
	}
	return s, s.finish(md)
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	s := &Scenario{}
	md, err := toml.DecodeFile(path, s)
	if err != nil {
		return nil, err
	}
	if err := s.finish(md); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func (s *Scenario) finish(md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys %v", undecoded)
	}
	if s.Machine.CPUs == 0 {
		s.Machine.CPUs = 1
	}
	for i := range s.Spaces {
		if s.Spaces[i].Name == "" {
			s.Spaces[i].Name = fmt.Sprintf("space%d", i)
		}
	}
	return s.validate()
}

func (s *Scenario) validate() error {
	m := &s.Machine
	if m.Memory == 0 || !hostarch.PhysAddr(m.Memory).IsPageAligned() {
		return fmt.Errorf("machine memory %v must be a nonzero multiple of %d", m.Memory, hostarch.PageSize)
	}
	if m.CPUs < 0 {
		return fmt.Errorf("invalid CPU count %d", m.CPUs)
	}
	for _, r := range m.Regions {
		switch r.Kind {
		case "usable", "reserved":
		default:
			return fmt.Errorf("region at %v: invalid kind %q, must be 'usable' or 'reserved'", r.Start, r.Kind)
		}
	}
	names := make(map[string]struct{})
	for _, sp := range s.Spaces {
		if _, ok := names[sp.Name]; ok {
			return fmt.Errorf("duplicate space %q", sp.Name)
		}
		names[sp.Name] = struct{}{}
		if sp.CPU < 0 || sp.CPU >= m.CPUs {
			return fmt.Errorf("space %q: CPU %d out of range [0, %d)", sp.Name, sp.CPU, m.CPUs)
		}
		for i, op := range sp.Ops {
			if _, ok := ops[op.Op]; !ok {
				return fmt.Errorf("space %q op %d: unknown op %q", sp.Name, i, op.Op)
			}
			if op.Cache != "" {
				if _, err := hostarch.ParseMemoryType(op.Cache); err != nil {
					return fmt.Errorf("space %q op %d: %w", sp.Name, i, err)
				}
			}
			if op.Expect != "" {
				if _, ok := vmerr.FromName(op.Expect); !ok {
					return fmt.Errorf("space %q op %d: unknown failure %q", sp.Name, i, op.Expect)
				}
			}
		}
	}
	return nil
}
