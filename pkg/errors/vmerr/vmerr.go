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

// Package vmerr contains the failure classes of the address space core,
// exported as error interface pointers. This allows for fast comparison and
// return operations.
package vmerr

import (
	goerrors "errors"

	"vmcore.dev/vmcore/pkg/errors"
)

// Failure codes.
const (
	codeOutOfMemory errors.Code = iota + 1
	codeInvalidAddress
	codeInvalidVAddrAlignment
	codeAlreadyTagged
	codeInvalidTag
	codeUnsupportedOperation
	codeSubPageSizeNotAllowed
	codeInvalidArgument
	codeRangeUnavailable
	codeNotMapped
	codeMappingConflict
)

// The following errors are returned by the page table core and its
// collaborators. None of them are fatal: all are recoverable by the caller.
var (
	noError *errors.Error = nil

	// OutOfMemory is returned when the frame allocator is exhausted.
	OutOfMemory = errors.New(codeOutOfMemory, "out of physical memory")

	// InvalidAddress is returned for a null, non-canonical or out of range
	// address.
	InvalidAddress = errors.New(codeInvalidAddress, "invalid address")

	// InvalidVAddrAlignment is returned when a virtual address is not
	// aligned to the page size in play.
	InvalidVAddrAlignment = errors.New(codeInvalidVAddrAlignment, "virtual address is not aligned to the page size")

	// AlreadyTagged is returned when a PCID is assigned twice.
	AlreadyTagged = errors.New(codeAlreadyTagged, "address space already has a PCID")

	// InvalidTag is returned when activating an untagged address space or
	// assigning a PCID that does not fit in CR3.
	InvalidTag = errors.New(codeInvalidTag, "invalid PCID")

	// UnsupportedOperation is returned for huge pages on hardware lacking
	// support.
	UnsupportedOperation = errors.New(codeUnsupportedOperation, "operation not supported by the processor")

	// SubPageSizeNotAllowed is returned when a region search asks for less
	// than one page.
	SubPageSizeNotAllowed = errors.New(codeSubPageSizeNotAllowed, "size smaller than a page")

	// InvalidArgument is returned for malformed search arguments.
	InvalidArgument = errors.New(codeInvalidArgument, "invalid argument")

	// RangeUnavailable is returned when a region search finds no fit.
	RangeUnavailable = errors.New(codeRangeUnavailable, "no available region in range")

	// NotMapped is returned when unmapping or translating an address with
	// no mapping.
	NotMapped = errors.New(codeNotMapped, "address is not mapped")

	// MappingConflict is returned when an operation would mix page sizes
	// on one address, e.g. a 4 KiB page under a present 2 MiB leaf.
	MappingConflict = errors.New(codeMappingConflict, "address is mapped at a different page size")
)

// Equals compares an *errors.Error to a generic error. The generic error may
// wrap e with fmt.Errorf's %w verb.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	if e == noError {
		return false
	}
	return goerrors.Is(err, e)
}

// byName maps the failure class names used in scenario files and reports.
var byName = map[string]*errors.Error{
	"OutOfMemory":           OutOfMemory,
	"InvalidAddress":        InvalidAddress,
	"InvalidVAddrAlignment": InvalidVAddrAlignment,
	"AlreadyTagged":         AlreadyTagged,
	"InvalidTag":            InvalidTag,
	"UnsupportedOperation":  UnsupportedOperation,
	"SubPageSizeNotAllowed": SubPageSizeNotAllowed,
	"InvalidArgument":       InvalidArgument,
	"RangeUnavailable":      RangeUnavailable,
	"NotMapped":             NotMapped,
	"MappingConflict":       MappingConflict,
}

// FromName returns the failure class with the given name.
func FromName(name string) (*errors.Error, bool) {
	e, ok := byName[name]
	return e, ok
}

// Name returns the name of the failure class err wraps, or "" if it wraps
// none.
func Name(err error) string {
	for name, e := range byName {
		if Equals(e, err) {
			return name
		}
	}
	return ""
}
