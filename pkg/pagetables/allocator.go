// Copyright 2023 The Ukern Authors.
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
	"unsafe"

	"ukern.dev/ukern/pkg/memory"
)

// An Allocator supplies the pages that hold page tables and translates
// between their physical addresses and usable pointers.
type Allocator interface {
	// NewPTEs returns a new zeroed set of PTEs.
	NewPTEs() *PTEs

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) memory.Phys

	// LookupPTEs looks up PTEs by physical address.
	LookupPTEs(pa memory.Phys) *PTEs

	// FreePTEs frees a set of PTEs immediately. Callers that may race
	// with lockless walkers must defer the call by an RCU grace period.
	FreePTEs(ptes *PTEs)
}

// RuntimeAllocator draws page-table pages from a physical page
// allocator and resolves them through its direct map. Because the
// direct map is a single contiguous arena, pointer arithmetic recovers
// the physical address of a table from its pointer.
type RuntimeAllocator struct {
	mem  memory.Allocator
	base uintptr
}

// NewRuntimeAllocator returns an Allocator backed by mem.
func NewRuntimeAllocator(mem memory.Allocator) *RuntimeAllocator {
	b := mem.Bytes(0, pageTableSize)
	return &RuntimeAllocator{
		mem:  mem,
		base: uintptr(unsafe.Pointer(&b[0])),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *RuntimeAllocator) NewPTEs() *PTEs {
	pa, err := a.mem.AllocPage()
	if err != nil {
		// Page-table pages are small and allocated one at a time; if
		// even that fails the kernel cannot make progress.
		panic(fmt.Sprintf("out of memory allocating page table: %v", err))
	}
	memory.ZeroPage(a.mem, pa, pageTableSize)
	return a.LookupPTEs(pa)
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *RuntimeAllocator) PhysicalFor(ptes *PTEs) memory.Phys {
	return memory.Phys(uintptr(unsafe.Pointer(ptes)) - a.base)
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *RuntimeAllocator) LookupPTEs(pa memory.Phys) *PTEs {
	b := a.mem.Bytes(pa, pageTableSize)
	return (*PTEs)(unsafe.Pointer(&b[0]))
}

// FreePTEs implements Allocator.FreePTEs.
func (a *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	a.mem.FreePage(a.PhysicalFor(ptes))
}

const pageTableSize = uint64(unsafe.Sizeof(PTEs{}))
