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
	"time"

	"vmcore.dev/vmcore/pkg/errors/vmerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
)

// searchLog reports rejected candidates without flooding the log on long
// scans.
var searchLog = log.Throttle(time.Second)

// FindAvailableRegion returns the lowest address in [start, end) at a
// multiple of alignment where size bytes are entirely unmapped.
//
// The null page is never returned. size must be at least one page and
// alignment at least one page, not necessarily a power of two; start must be
// a multiple of alignment. A candidate must fit below end and within one canonical half.
// The tables are never modified.
//
// If no candidate fits, vmerr.RangeUnavailable is returned.
func (p *PageMap) FindAvailableRegion(size, alignment uint64, start, end hostarch.Addr) (hostarch.Addr, error) {
	if size < hostarch.PageSize {
		return 0, fmt.Errorf("region of %#x bytes: %w", size, vmerr.SubPageSizeNotAllowed)
	}
	if alignment < hostarch.PageSize {
		return 0, fmt.Errorf("alignment %#x: %w", alignment, vmerr.InvalidArgument)
	}
	if !start.IsMultipleOf(alignment) {
		return 0, fmt.Errorf("start %v for alignment %#x: %w", start, alignment, vmerr.InvalidVAddrAlignment)
	}
	// Whole pages are checked.
	span, ok := hostarch.Addr(size).RoundUp(hostarch.PageSize)
	if !ok {
		return 0, fmt.Errorf("region of %#x bytes: %w", size, vmerr.RangeUnavailable)
	}

	w := newWalker(p)
	for addr := start; addr < end; {
		last, ok := addr.AddLength(uint64(span) - 1)
		if !ok || last >= end {
			break
		}
		if !addr.IsCanonical() || !last.IsCanonical() || (addr <= hostarch.LowerTop && last > hostarch.LowerTop) {
			// Resume at the upper half.
			if addr >= hostarch.UpperBottom {
				break
			}
			next, ok := hostarch.UpperBottom.AlignUp(alignment)
			if !ok {
				break
			}
			addr = next
			continue
		}
		if addr.IsNull() {
			// The null page is never mapped.
			addr = hostarch.Addr(alignment)
			continue
		}
		leafStart, leafEnd, found := w.firstLeaf(addr, last)
		if !found {
			log.Debugf("Found %#x bytes at %v after %d checks", size, addr, w.checks)
			return addr, nil
		}
		searchLog.Debugf("Candidate %v rejected: leaf at [%v, %v)", addr, leafStart, leafEnd)
		// Every candidate below the end of the leaf overlaps it.
		if leafEnd == 0 {
			break
		}
		next, ok := leafEnd.AlignUp(alignment)
		if !ok || next <= addr {
			break
		}
		addr = next
	}
	return 0, fmt.Errorf("%#x bytes aligned to %#x in [%v, %v): %w", size, alignment, start, end, vmerr.RangeUnavailable)
}
