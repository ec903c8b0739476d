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

// Package cpuid provides the processor paging features consumed by the page
// table core.
//
// To use FeatureSets, one should start with an existing FeatureSet (either
// HostFeatureSet() or one built with NewFeatureSet) and then add, remove, and
// test for features as desired.
//
// For example, refuse 1 GiB leaves when the processor cannot walk them:
//
//	if !fs.HasFeature(X86FeatureGBPAGES) {
//		return vmerr.UnsupportedOperation
//	}
package cpuid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Feature is a unique identifier for a particular cpu feature.
type Feature int

// Paging related x86 features.
const (
	// X86FeaturePSE is page size extension (CPUID.01H:EDX bit 3).
	X86FeaturePSE Feature = iota

	// X86FeaturePGE is global pages (CPUID.01H:EDX bit 13).
	X86FeaturePGE

	// X86FeatureNX is execute disable (CPUID.80000001H:EDX bit 20).
	X86FeatureNX

	// X86FeatureGBPAGES is 1 GiB pages (CPUID.80000001H:EDX bit 26).
	X86FeatureGBPAGES

	// X86FeaturePCID is process context identifiers (CPUID.01H:ECX bit 17).
	X86FeaturePCID

	// X86FeatureINVPCID is the INVPCID instruction (CPUID.07H:EBX bit 10).
	X86FeatureINVPCID

	// X86FeatureLA57 is 5-level paging (CPUID.07H:ECX bit 16).
	X86FeatureLA57

	numFeatures
)

// linuxNames are the names used for each feature in /proc/cpuinfo.
var linuxNames = [numFeatures]string{
	X86FeaturePSE:     "pse",
	X86FeaturePGE:     "pge",
	X86FeatureNX:      "nx",
	X86FeatureGBPAGES: "pdpe1gb",
	X86FeaturePCID:    "pcid",
	X86FeatureINVPCID: "invpcid",
	X86FeatureLA57:    "la57",
}

// String implements fmt.Stringer.String.
func (f Feature) String() string {
	if f >= 0 && f < numFeatures {
		return linuxNames[f]
	}
	return fmt.Sprintf("<cpuflag %d>", int(f))
}

// FeatureFromString returns the Feature with the given /proc/cpuinfo name.
func FeatureFromString(s string) (Feature, bool) {
	for f, name := range linuxNames {
		if name == s {
			return Feature(f), true
		}
	}
	return 0, false
}

// DefaultPhysicalAddressBits is used when the width is not reported.
const DefaultPhysicalAddressBits = 46

// FeatureSet is a set of paging features and the physical address width.
//
// The zero value has no features and the default physical address width.
type FeatureSet struct {
	bits     uint64
	physBits uint8
}

// NewFeatureSet returns a FeatureSet with exactly the given features.
func NewFeatureSet(features ...Feature) FeatureSet {
	var fs FeatureSet
	for _, f := range features {
		fs.Add(f)
	}
	return fs
}

// HasFeature tests whether or not a feature is in the given feature set.
func (fs FeatureSet) HasFeature(feature Feature) bool {
	return feature >= 0 && feature < numFeatures && fs.bits&(1<<uint(feature)) != 0
}

// Add adds a feature to the set.
func (fs *FeatureSet) Add(feature Feature) {
	if feature >= 0 && feature < numFeatures {
		fs.bits |= 1 << uint(feature)
	}
}

// Remove removes a feature from the set.
func (fs *FeatureSet) Remove(feature Feature) {
	if feature >= 0 && feature < numFeatures {
		fs.bits &^= 1 << uint(feature)
	}
}

// Merge adds the features of other to the set. The physical address width
// is taken from other if it reports one.
func (fs *FeatureSet) Merge(other FeatureSet) {
	fs.bits |= other.bits
	if other.physBits != 0 {
		fs.physBits = other.physBits
	}
}

// PhysicalAddressBits returns the number of physical address bits supported
// by the processor.
func (fs FeatureSet) PhysicalAddressBits() uint8 {
	if fs.physBits == 0 {
		return DefaultPhysicalAddressBits
	}
	return fs.physBits
}

// SetPhysicalAddressBits overrides the physical address width.
func (fs *FeatureSet) SetPhysicalAddressBits(bits uint8) {
	fs.physBits = bits
}

// FlagString prints out supported CPU features, in /proc/cpuinfo order.
func (fs FeatureSet) FlagString() string {
	var s []string
	for f := Feature(0); f < numFeatures; f++ {
		if fs.HasFeature(f) {
			s = append(s, f.String())
		}
	}
	return strings.Join(s, " ")
}

var addressSizes = regexp.MustCompile(`^(\d+) bits physical`)

// ParseCPUInfo builds a FeatureSet from the first processor section of a
// /proc/cpuinfo formatted stream. Flags unrelated to paging are ignored.
func ParseCPUInfo(r io.Reader) (FeatureSet, error) {
	var (
		fs        FeatureSet
		sawFlags  bool
		scanner   = bufio.NewScanner(r)
		seenNames = make(map[string]bool)
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" && sawFlags {
			// End of the first processor.
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "flags":
			sawFlags = true
			for _, name := range strings.Fields(value) {
				seenNames[name] = true
			}
		case "address sizes":
			if m := addressSizes.FindStringSubmatch(value); m != nil {
				bits, err := strconv.ParseUint(m[1], 10, 8)
				if err != nil {
					return FeatureSet{}, fmt.Errorf("parsing address sizes %q: %w", value, err)
				}
				fs.physBits = uint8(bits)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return FeatureSet{}, err
	}
	if !sawFlags {
		return FeatureSet{}, fmt.Errorf("no flags line in cpuinfo")
	}
	names := make([]string, 0, len(seenNames))
	for name := range seenNames {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if f, ok := FeatureFromString(name); ok {
			fs.Add(f)
		}
	}
	return fs, nil
}

// machine returns the host machine hardware name, e.g. "x86_64".
func machine() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return ""
	}
	return unix.ByteSliceToString(u.Machine[:])
}

var (
	hostOnce       sync.Once
	hostFeatureSet FeatureSet
	hostErr        error
)

// HostFeatureSet returns a FeatureSet that matches that of the host machine.
// The host is only queried once; later calls return the cached result. On a
// host that is not x86_64 the set is empty.
func HostFeatureSet() (FeatureSet, error) {
	hostOnce.Do(func() {
		if m := machine(); m != "x86_64" {
			hostErr = fmt.Errorf("host machine %q does not use x86-64 paging", m)
			return
		}
		f, err := os.Open("/proc/cpuinfo")
		if err != nil {
			hostErr = err
			return
		}
		defer f.Close()
		hostFeatureSet, hostErr = ParseCPUInfo(f)
	})
	return hostFeatureSet, hostErr
}
