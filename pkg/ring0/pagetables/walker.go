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

// Walker resolves addresses in a PageMap.
//
// A Walker holds at most one table per level and is used for a single
// operation. Tables it has already descended through are reused by later
// descents for addresses in the same span.
type Walker struct {
	pageMap *PageMap

	// tables[l] is the table at level l for the span starting at bases[l].
	tables [levelPML4 + 1]*PTEs
	bases  [levelPML4 + 1]hostarch.Addr

	// checks counts the entries examined by the read-only walks.
	checks int
}

// newWalker returns a Walker rooted at the PML4 of p.
func newWalker(p *PageMap) *Walker {
	w := &Walker{pageMap: p}
	w.tables[levelPML4] = p.root
	return w
}

// span returns the base of the span covered by a table at level l that
// contains addr.
func (l level) span(addr hostarch.Addr) hostarch.Addr {
	if l == levelPML4 {
		return 0
	}
	return addr.RoundDown((l + 1).entrySize())
}

// descend returns the table at level target covering addr, ensuring every
// level above it is present.
//
// If alloc is set, missing tables are allocated and installed with flags.
// Otherwise a missing table yields vmerr.NotMapped. A leaf above target
// yields vmerr.MappingConflict. Tables created before a failure stay
// installed.
func (w *Walker) descend(target level, addr hostarch.Addr, flags Flags, alloc bool) (*PTEs, error) {
	if !addr.IsCanonical() {
		return nil, fmt.Errorf("walk to %v: %w", addr, vmerr.InvalidAddress)
	}
	for l := levelPML4; l > target; l-- {
		child := l - 1
		base := child.span(addr)
		if w.tables[child] != nil && w.bases[child] == base {
			continue
		}
		entry := &w.tables[l][l.index(addr)]
		var next *PTEs
		switch {
		case entry.Valid() && l.isLeaf(entry):
			return nil, fmt.Errorf("%v leaf covers %v: %w", l, addr, vmerr.MappingConflict)
		case entry.Valid():
			next = w.pageMap.Allocator.LookupPTEs(entry.Address())
		case !alloc:
			return nil, fmt.Errorf("no %v table for %v: %w", child, addr, vmerr.NotMapped)
		default:
			ptes, physical, err := w.pageMap.Allocator.NewPTEs()
			if err != nil {
				return nil, err
			}
			entry.setPageTable(physical, flags)
			log.Debugf("Allocated %v table at %v for %v", child, physical, addr)
			next = ptes
		}
		w.tables[child] = next
		w.bases[child] = base
		for d := child - 1; d >= levelPT; d-- {
			w.tables[d] = nil
		}
	}
	return w.tables[target], nil
}

// lookup returns the leaf entry mapping addr and the size it maps.
func (w *Walker) lookup(addr hostarch.Addr) (*PTE, PageSize, error) {
	if !addr.IsCanonical() {
		return nil, 0, fmt.Errorf("lookup %v: %w", addr, vmerr.InvalidAddress)
	}
	table := w.pageMap.root
	for l := levelPML4; ; l-- {
		entry := &table[l.index(addr)]
		if !entry.Valid() {
			return nil, 0, fmt.Errorf("lookup %v at %v: %w", addr, l, vmerr.NotMapped)
		}
		if l.isLeaf(entry) {
			return entry, PageSize(l), nil
		}
		table = w.pageMap.Allocator.LookupPTEs(entry.Address())
	}
}

// signExtend returns the canonical form of a 48-bit address.
func signExtend(addr uint64) hostarch.Addr {
	if addr&(1<<47) != 0 {
		addr |= 0xffff << 48
	}
	return hostarch.Addr(addr)
}

// firstLeaf returns the span of the first present leaf intersecting
// [start, last]. Absent entries are skipped a whole span at a time. leafEnd
// is zero for a leaf ending at the top of the address space.
//
// Precondition: [start, last] lies within one canonical half.
func (w *Walker) firstLeaf(start, last hostarch.Addr) (leafStart, leafEnd hostarch.Addr, found bool) {
	return w.scan(w.pageMap.root, levelPML4, uint64(start), uint64(last))
}

func (w *Walker) scan(table *PTEs, l level, addr, last uint64) (hostarch.Addr, hostarch.Addr, bool) {
	size := l.entrySize()
	for {
		w.checks++
		entry := &table[l.index(hostarch.Addr(addr))]
		entryStart := addr &^ (size - 1)
		entryLast := entryStart + size - 1
		if entryLast > last {
			entryLast = last
		}
		if entry.Valid() {
			if l.isLeaf(entry) {
				return signExtend(entryStart), signExtend(entryStart + size), true
			}
			child := w.pageMap.Allocator.LookupPTEs(entry.Address())
			if s, e, ok := w.scan(child, l-1, addr, entryLast); ok {
				return s, e, true
			}
		}
		if entryLast == last {
			return 0, 0, false
		}
		addr = entryLast + 1
	}
}

// visitLeaves calls fn for every present leaf in address order.
func (w *Walker) visitLeaves(fn func(addr hostarch.Addr, entry *PTE, size PageSize)) {
	w.visit(w.pageMap.root, levelPML4, 0, fn)
}

func (w *Walker) visit(table *PTEs, l level, base uint64, fn func(hostarch.Addr, *PTE, PageSize)) {
	for i := range table {
		entry := &table[i]
		if !entry.Valid() {
			continue
		}
		addr := base | uint64(i)<<l.shift()
		if l.isLeaf(entry) {
			fn(signExtend(addr), entry, PageSize(l))
			continue
		}
		w.visit(w.pageMap.Allocator.LookupPTEs(entry.Address()), l-1, addr, fn)
	}
}

// visitTables calls fn for every reachable table, parents before children.
func (w *Walker) visitTables(fn func(physical hostarch.PhysAddr, l level, table *PTEs)) {
	w.visitTable(w.pageMap.root, w.pageMap.rootPhysical, levelPML4, fn)
}

func (w *Walker) visitTable(table *PTEs, physical hostarch.PhysAddr, l level, fn func(hostarch.PhysAddr, level, *PTEs)) {
	fn(physical, l, table)
	if l == levelPT {
		return
	}
	for i := range table {
		entry := &table[i]
		if !entry.Valid() || l.isLeaf(entry) {
			continue
		}
		w.visitTable(w.pageMap.Allocator.LookupPTEs(entry.Address()), entry.Address(), l-1, fn)
	}
}
