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
	"ukern.dev/ukern/pkg/hostarch"
	"ukern.dev/ukern/pkg/memory"
	"ukern.dev/ukern/pkg/pagetables"
)

// FileFlags describe how a file was opened and mounted.
type FileFlags uint32

// File open and mount flags.
const (
	// FileReadable is set if the file is open for reading.
	FileReadable FileFlags = 1 << iota

	// FileWritable is set if the file is open for writing.
	FileWritable

	// FileNoExec is set if the file lives on a noexec mount.
	FileNoExec
)

// FileStat is the subset of stat(2) the memory manager needs.
type FileStat struct {
	// Size is the file size in bytes.
	Size int64

	// Inode is the inode number shown in the maps listing.
	Inode uint64

	// Dev is the device number shown in the maps listing.
	Dev uint64
}

// File is the file-system collaborator contract. The memory manager
// treats files as opaque: it reads, writes and syncs byte ranges and
// asks the file to produce VMAs for mappings of itself.
type File interface {
	// Stat returns the file's current metadata.
	Stat() (FileStat, error)

	// ReadAt reads into p from offset off, returning a short count at
	// end-of-file like io.ReaderAt.
	ReadAt(p []byte, off int64) (int, error)

	// WriteAt writes p at offset off.
	WriteAt(p []byte, off int64) (int, error)

	// Sync flushes [off, off+length) to stable storage; length 0 means
	// the whole file.
	Sync(off, length int64) error

	// Flags returns the open and mount flags.
	Flags() FileFlags

	// Name returns the path shown in the maps listing.
	Name() string

	// Mmap produces a VMA mapping [off, off+ar.Length()) of the file at
	// ar. Most files use DefaultFileMmap; files with their own page
	// cache return a VMA whose provider hands out cache pages.
	Mmap(mm *MemoryManager, ar hostarch.AddrRange, flags MapFlags, perm hostarch.AccessType, off uint64) (VMA, error)
}

// A MappedFile additionally serves pages directly, for shared mappings
// where the file keeps ownership of its cache pages.
type MappedFile interface {
	File

	// MapPage installs the page backing offset behind ptep using tmpl.
	// It returns whether a page was installed.
	MapPage(level int, offset uint64, ptep *pagetables.PTE, tmpl pagetables.Entry, write, shared bool) (bool, error)

	// PutPage releases the mapping of offset. It returns whether the
	// caller now owns the backing page; a file that keeps its cache
	// pages returns false.
	PutPage(level int, pa memory.Phys, offset uint64, ptep *pagetables.PTE) bool
}

// DefaultFileMmap builds a file VMA whose pages are private copies
// filled by reading the file; it is the mapping strategy for file
// systems without a shared page cache.
func DefaultFileMmap(mm *MemoryManager, f File, ar hostarch.AddrRange, flags MapFlags, perm hostarch.AccessType, off uint64) (VMA, error) {
	return NewFileVMA(mm, ar, perm, flags, f, off, &fileReadProvider{
		anonProvider: anonProvider{mem: mm.mem},
		file:         f,
		foffset:      off,
	})
}

// MappedFileMmap builds a file VMA whose pages come from the file's
// own cache via MapPage/PutPage.
func MappedFileMmap(mm *MemoryManager, f MappedFile, ar hostarch.AddrRange, flags MapFlags, perm hostarch.AccessType, off uint64) (VMA, error) {
	return NewFileVMA(mm, ar, perm, flags, f, off, &fileMapProvider{
		file:    f,
		foffset: off,
		shared:  flags&MapShared != 0,
	})
}

// dirtyPageSync queues the dirty pages found by msync and writes them
// back once the traversal and TLB flush are done.
type dirtyPageSync struct {
	mm    *MemoryManager
	file  File
	off   uint64
	fsize uint64
	queue []dirtyPage
}

type dirtyPage struct {
	pa   memory.Phys
	off  uint64
	size uint64
}

// Dirty implements pagetables.DirtyHandler.Dirty.
func (s *dirtyPageSync) Dirty(pa memory.Phys, offset uint64, size uint64) {
	off := s.off + offset
	if off >= s.fsize {
		return
	}
	if max := s.fsize - off; size > max {
		size = max
	}
	s.queue = append(s.queue, dirtyPage{pa: pa, off: off, size: size})
}

// Finalize implements pagetables.DirtyHandler.Finalize.
func (s *dirtyPageSync) Finalize() error {
	for len(s.queue) > 0 {
		p := s.queue[len(s.queue)-1]
		b := s.mm.mem.Bytes(p.pa, p.size)
		if _, err := s.file.WriteAt(b, int64(p.off)); err != nil {
			return err
		}
		s.queue = s.queue[:len(s.queue)-1]
	}
	return nil
}
