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
	"testing"

	"vmcore.dev/vmcore/pkg/errors"
	"vmcore.dev/vmcore/pkg/errors/vmerr"
	"vmcore.dev/vmcore/pkg/hostarch"
)

func TestFindAvailableRegionArguments(t *testing.T) {
	p := newTestMap(t, Opts{})
	for _, tc := range []struct {
		name      string
		size      uint64
		alignment uint64
		start     hostarch.Addr
		want      *errors.Error
	}{
		{"sub-page size", 0x800, 0x1000, 0x1000, vmerr.SubPageSizeNotAllowed},
		{"zero size", 0, 0x1000, 0x1000, vmerr.SubPageSizeNotAllowed},
		{"small alignment", 0x1000, 0x800, 0x1000, vmerr.InvalidArgument},
		{"unaligned start", 0x1000, 0x1000, 0x1800, vmerr.InvalidVAddrAlignment},
		{"start not a multiple of alignment", 0x1000, 0x3000, 0x2000, vmerr.InvalidVAddrAlignment},
		{"start unaligned to alignment", 0x1000, 0x200000, 0x1000, vmerr.InvalidVAddrAlignment},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.FindAvailableRegion(tc.size, tc.alignment, tc.start, 0x10000000)
			checkErr(t, "FindAvailableRegion", err, tc.want)
		})
	}
}

func TestFindAvailableRegion(t *testing.T) {
	p := newTestMap(t, Opts{})
	mustMap(t, p, 0x2000, 0x2000, rw, Standard)
	mustMap(t, p, 0x400000, 0x400000, rw, Large)
	mustMap(t, p, 0x7fffffffe000, 0x3000, rw, Standard)

	for _, tc := range []struct {
		name      string
		size      uint64
		alignment uint64
		start     hostarch.Addr
		end       hostarch.Addr
		want      hostarch.Addr
	}{
		{"first fit", 0x1000, 0x1000, 0x1000, 0x100000, 0x1000},
		{"skips a page", 0x2000, 0x1000, 0x1000, 0x100000, 0x3000},
		{"partial page size", 0x1800, 0x1000, 0x1000, 0x100000, 0x3000},
		{"null page", 0x1000, 0x1000, 0, 0x100000, 0x1000},
		{"skips a large page", 0x1000, 0x1000, 0x400000, 0x1000000, 0x600000},
		{"fits below a large page", 0x200000, 0x200000, 0x200000, 0x1000000, 0x200000},
		{"overlaps a large page", 0x400000, 0x200000, 0x200000, 0x1000000, 0x600000},
		{"crosses the hole", 0x4000, 0x1000, 0x7ffffffff000, hostarch.UpperBottom + 0x100000, hostarch.UpperBottom},
		{"upper half", 0x1000, 0x1000, 0xffffffff80000000, 0xfffffffffffff000, 0xffffffff80000000},
		{"odd alignment", 0x1000, 0x3000, 0x3000, 0x100000, 0x3000},
		{"odd alignment past a page", 0x1000, 0x3000, 0, 0x100000, 0x3000},
		{"odd alignment past a large page", 0x1000, 0x5000, 0x401000, 0x1000000, 0x604000},
		{"odd alignment across the hole", 0x1000, 0x3000, 0x7fffffffe000, hostarch.UpperBottom + 0x100000, hostarch.UpperBottom + 0x1000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sum := p.Checksum()
			got, err := p.FindAvailableRegion(tc.size, tc.alignment, tc.start, tc.end)
			if err != nil {
				t.Fatalf("FindAvailableRegion failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("FindAvailableRegion = %v, want %v", got, tc.want)
			}
			again, err := p.FindAvailableRegion(tc.size, tc.alignment, tc.start, tc.end)
			if err != nil || again != got {
				t.Errorf("second FindAvailableRegion = (%v, %v), want (%v, nil)", again, err, got)
			}
			if p.Checksum() != sum {
				t.Errorf("FindAvailableRegion changed the tables")
			}
		})
	}
}

func TestFindAvailableRegionUnavailable(t *testing.T) {
	p := newTestMap(t, Opts{})
	mustMap(t, p, 0x1000, 0x1000, rw, Standard)
	tables := p.Tables()
	for _, tc := range []struct {
		name       string
		size       uint64
		start, end hostarch.Addr
	}{
		{"occupied", 0x1000, 0x1000, 0x2000},
		{"does not fit below end", 0x2000, 0x2000, 0x3000},
		{"empty range", 0x1000, 0x5000, 0x5000},
		{"non-canonical range", 0x1000, 0x0000800000000000, 0x0000900000000000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.FindAvailableRegion(tc.size, hostarch.PageSize, tc.start, tc.end)
			checkErr(t, "FindAvailableRegion", err, vmerr.RangeUnavailable)
		})
	}
	if got := p.Tables(); got != tables {
		t.Errorf("FindAvailableRegion allocated tables: Tables = %d, want %d", got, tables)
	}
}

func TestFirstLeafSkipsAbsentSpans(t *testing.T) {
	p := newTestMap(t, Opts{})

	// An empty lower half costs one check per PML4 entry.
	w := newWalker(p)
	if _, _, found := w.firstLeaf(0, hostarch.LowerTop); found {
		t.Fatalf("firstLeaf found a leaf in an empty map")
	}
	if w.checks != 256 {
		t.Errorf("empty lower half took %d checks, want 256", w.checks)
	}

	// A request spanning 1 GiB + 2 MiB + 4 KiB in an empty PD needs one
	// check per level entry it spans.
	mustMap(t, p, 0x7f0000000000, 0x1000, rw, Standard)
	w = newWalker(p)
	start := hostarch.Addr(0x7f0040000000)
	last := start + hostarch.HugePageSize + hostarch.LargePageSize + hostarch.PageSize - 1
	if _, _, found := w.firstLeaf(start, last); found {
		t.Fatalf("firstLeaf found a leaf in an empty range")
	}
	// PML4, then two PDPT entries.
	if w.checks != 3 {
		t.Errorf("took %d checks, want 3", w.checks)
	}

	leafStart, leafEnd, found := newWalker(p).firstLeaf(0x7f0000000000-hostarch.PageSize, 0x7f0000001000)
	if !found || leafStart != 0x7f0000000000 || leafEnd != 0x7f0000001000 {
		t.Errorf("firstLeaf = (%v, %v, %t), want (0x7f0000000000, 0x7f0000001000, true)", leafStart, leafEnd, found)
	}
}
