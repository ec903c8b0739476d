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
	"strings"

	"vmcore.dev/vmcore/pkg/errors/vmerr"
)

// MemType names an intended use of kernel memory.
type MemType int

const (
	// KernelReadWrite is writable, non-executable kernel data.
	KernelReadWrite MemType = iota

	// KernelReadOnly is read-only, non-executable kernel data.
	KernelReadOnly

	// KernelReadExecute is kernel text.
	KernelReadExecute

	// NumMemTypes is the number of memory types.
	NumMemTypes
)

var memTypeNames = [NumMemTypes]string{
	KernelReadWrite:   "kernel-rw",
	KernelReadOnly:    "kernel-ro",
	KernelReadExecute: "kernel-rx",
}

// String implements fmt.Stringer.String.
func (m MemType) String() string {
	if m >= 0 && m < NumMemTypes {
		return memTypeNames[m]
	}
	return fmt.Sprintf("MemType(%d)", int(m))
}

// ParseMemType parses the result of MemType.String.
func ParseMemType(s string) (MemType, error) {
	for m, name := range memTypeNames {
		if strings.EqualFold(name, s) {
			return MemType(m), nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q", s)
}

// GetFlags returns the leaf flags for the given use. All kernel mappings are
// global and write-through.
func GetFlags(m MemType) (Flags, error) {
	switch m {
	case KernelReadWrite:
		return Present | Writable | NoExecute | Global | WriteThrough, nil
	case KernelReadOnly:
		return Present | NoExecute | Global | WriteThrough, nil
	case KernelReadExecute:
		return Present | Global | WriteThrough, nil
	default:
		return 0, fmt.Errorf("%v: %w", m, vmerr.InvalidArgument)
	}
}
