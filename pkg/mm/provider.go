// Copyright 2024 The Ukern Authors.
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

package mm

import (
	"io"

	"ukern.dev/ukern/pkg/hostarch"
	"ukern.dev/ukern/pkg/memory"
	"ukern.dev/ukern/pkg/pagetables"
)

// anonProvider backs pages with fresh physical memory. It installs
// pages by compare-and-swap against the empty entry: when two faults
// race on the same page exactly one install wins and the loser's page
// goes straight back to the allocator.
//
// Providers never hold VMA locks.
type anonProvider struct {
	mem  memory.Allocator
	zero bool
}

func (p *anonProvider) alloc(level int) (memory.Phys, uint64, error) {
	if level == 0 {
		pa, err := p.mem.AllocPage()
		return pa, hostarch.PageSize, err
	}
	pa, err := p.mem.AllocHugePage()
	return pa, hostarch.HugePageSize, err
}

func (p *anonProvider) free(pa memory.Phys, size uint64) {
	if size == hostarch.PageSize {
		p.mem.FreePage(pa)
	} else {
		p.mem.FreeHugePage(pa, size)
	}
}

// fill prepares the new page before it becomes visible.
func (p *anonProvider) fill(pa memory.Phys, offset uint64, size uint64) error {
	if p.zero {
		memory.ZeroPage(p.mem, pa, size)
	}
	return nil
}

func (p *anonProvider) install(pa memory.Phys, size uint64, ptep *pagetables.PTE, tmpl pagetables.Entry) bool {
	tmpl.SetAddr(pa)
	if !ptep.CompareAndSwap(pagetables.EmptyEntry, tmpl) {
		p.free(pa, size)
		return false
	}
	return true
}

// Map implements pagetables.PageProvider.Map.
func (p *anonProvider) Map(level int, offset uint64, ptep *pagetables.PTE, tmpl pagetables.Entry, write bool) (bool, error) {
	pa, size, err := p.alloc(level)
	if err != nil {
		return false, err
	}
	if err := p.fill(pa, offset, size); err != nil {
		p.free(pa, size)
		return false, err
	}
	return p.install(pa, size, ptep, tmpl), nil
}

// Unmap implements pagetables.PageProvider.Unmap.
func (p *anonProvider) Unmap(level int, pa memory.Phys, offset uint64, ptep *pagetables.PTE) bool {
	ptep.Write(pagetables.EmptyEntry)
	return true
}

// fileReadProvider fills fresh pages by reading the backing file,
// zero-padding short reads. Unmapping behaves like the anonymous
// provider: the page is private and goes back to the allocator.
type fileReadProvider struct {
	anonProvider
	file    File
	foffset uint64
}

// Map implements pagetables.PageProvider.Map.
func (p *fileReadProvider) Map(level int, offset uint64, ptep *pagetables.PTE, tmpl pagetables.Entry, write bool) (bool, error) {
	pa, size, err := p.alloc(level)
	if err != nil {
		return false, err
	}
	b := p.mem.Bytes(pa, size)
	n, err := p.file.ReadAt(b, int64(p.foffset+offset))
	if err != nil && err != io.EOF {
		// A short read is normal at end-of-file; a failed read is not.
		p.free(pa, size)
		return false, err
	}
	clear(b[n:])
	return p.install(pa, size, ptep, tmpl), nil
}

// fileMapProvider delegates paging to the file itself, which hands out
// and keeps ownership of its cache pages.
type fileMapProvider struct {
	file    MappedFile
	foffset uint64
	shared  bool
}

// Map implements pagetables.PageProvider.Map.
func (p *fileMapProvider) Map(level int, offset uint64, ptep *pagetables.PTE, tmpl pagetables.Entry, write bool) (bool, error) {
	return p.file.MapPage(level, p.foffset+offset, ptep, tmpl, write, p.shared)
}

// Unmap implements pagetables.PageProvider.Unmap.
func (p *fileMapProvider) Unmap(level int, pa memory.Phys, offset uint64, ptep *pagetables.PTE) bool {
	return p.file.PutPage(level, pa, p.foffset+offset, ptep)
}
