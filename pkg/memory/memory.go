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

// Package memory supplies physical pages to the memory manager.
//
// Physical addresses are offsets into a single backing arena; the
// arena is also the kernel direct map, so Bytes gives byte-level
// access to any physical range.
package memory

import (
	"golang.org/x/sys/unix"

	"ukern.dev/ukern/pkg/hostarch"
	"ukern.dev/ukern/pkg/sync"
)

// Phys is a physical address.
type Phys uint64

// Allocator supplies and retracts physical pages.
//
// All methods may be called concurrently. AllocPage and AllocHugePage
// fail by returning an error, never by panicking; callers translate
// failure into ENOMEM or SIGBUS as appropriate.
type Allocator interface {
	// AllocPage allocates a small page.
	AllocPage() (Phys, error)

	// FreePage frees a small page. It is legal to free 4KiB pieces of a
	// huge page individually after the mapping has been split.
	FreePage(pa Phys)

	// AllocHugePage allocates a huge-page-aligned extent of
	// hostarch.HugePageSize bytes.
	AllocHugePage() (Phys, error)

	// FreeHugePage frees size bytes starting at the huge page pa.
	FreeHugePage(pa Phys, size uint64)

	// Bytes returns the direct-map view of [pa, pa+n). The returned
	// slice aliases the backing memory; stores through it are stores to
	// physical memory.
	Bytes(pa Phys, n uint64) []byte
}

// ZeroPage fills the direct-map view of [pa, pa+n) with zeroes.
func ZeroPage(a Allocator, pa Phys, n uint64) {
	b := a.Bytes(pa, n)
	clear(b)
}

// HostAllocator is an Allocator backed by an anonymous host file
// created with memfd_create and mapped once; physical address p lives
// at offset p in the mapping.
//
// Page zero is never handed out so that a zero physical address can
// serve as a null value.
type HostAllocator struct {
	arena []byte
	fd    int

	mu struct {
		m          sync.Mutex
		next       Phys // bump pointer, page-aligned
		freePages  []Phys
		freeHuge   []Phys
		totalBytes uint64
	}
}

// NewHostAllocator creates an allocator with the given arena size,
// rounded up to a huge page boundary.
func NewHostAllocator(size uint64) (*HostAllocator, error) {
	size = (size + hostarch.HugePageSize - 1) &^ (hostarch.HugePageSize - 1)
	fd, err := unix.MemfdCreate("ukern-physmem", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	arena, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	a := &HostAllocator{arena: arena, fd: fd}
	a.mu.next = hostarch.PageSize // skip physical page zero
	a.mu.totalBytes = size
	return a, nil
}

// Destroy unmaps the arena and closes the backing file. No pages may be
// referenced after Destroy returns.
func (a *HostAllocator) Destroy() {
	unix.Munmap(a.arena)
	unix.Close(a.fd)
	a.arena = nil
}

// AllocPage implements Allocator.AllocPage.
func (a *HostAllocator) AllocPage() (Phys, error) {
	a.mu.m.Lock()
	defer a.mu.m.Unlock()
	if n := len(a.mu.freePages); n > 0 {
		pa := a.mu.freePages[n-1]
		a.mu.freePages = a.mu.freePages[:n-1]
		return pa, nil
	}
	if uint64(a.mu.next)+hostarch.PageSize > a.mu.totalBytes {
		return 0, unix.ENOMEM
	}
	pa := a.mu.next
	a.mu.next += hostarch.PageSize
	return pa, nil
}

// FreePage implements Allocator.FreePage.
func (a *HostAllocator) FreePage(pa Phys) {
	a.mu.m.Lock()
	defer a.mu.m.Unlock()
	a.mu.freePages = append(a.mu.freePages, pa)
}

// AllocHugePage implements Allocator.AllocHugePage.
func (a *HostAllocator) AllocHugePage() (Phys, error) {
	a.mu.m.Lock()
	defer a.mu.m.Unlock()
	if n := len(a.mu.freeHuge); n > 0 {
		pa := a.mu.freeHuge[n-1]
		a.mu.freeHuge = a.mu.freeHuge[:n-1]
		return pa, nil
	}
	pa := (a.mu.next + hostarch.HugePageSize - 1) &^ (hostarch.HugePageSize - 1)
	if uint64(pa)+hostarch.HugePageSize > a.mu.totalBytes {
		return 0, unix.ENOMEM
	}
	// The alignment gap, if any, is returned as small pages.
	for p := a.mu.next; p < pa; p += hostarch.PageSize {
		a.mu.freePages = append(a.mu.freePages, p)
	}
	a.mu.next = pa + hostarch.HugePageSize
	return pa, nil
}

// FreeHugePage implements Allocator.FreeHugePage.
func (a *HostAllocator) FreeHugePage(pa Phys, size uint64) {
	a.mu.m.Lock()
	defer a.mu.m.Unlock()
	for ; size >= hostarch.HugePageSize; size -= hostarch.HugePageSize {
		a.mu.freeHuge = append(a.mu.freeHuge, pa)
		pa += hostarch.HugePageSize
	}
	for ; size >= hostarch.PageSize; size -= hostarch.PageSize {
		a.mu.freePages = append(a.mu.freePages, pa)
		pa += hostarch.PageSize
	}
}

// Bytes implements Allocator.Bytes.
func (a *HostAllocator) Bytes(pa Phys, n uint64) []byte {
	return a.arena[pa : uint64(pa)+n : uint64(pa)+n]
}
