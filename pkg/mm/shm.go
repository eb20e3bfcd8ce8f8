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
	"sync/atomic"

	"ukern.dev/ukern/pkg/hostarch"
	"ukern.dev/ukern/pkg/memory"
	"ukern.dev/ukern/pkg/pagetables"
	"ukern.dev/ukern/pkg/sync"
)

var shmInodes atomic.Uint64

// ShmFile is an anonymous shared-memory object backed by its own cache
// of huge pages, handed out piecewise to mappings. It keeps ownership
// of its pages: unmapping never frees them, Close does.
type ShmFile struct {
	mem   memory.Allocator
	size  int64
	inode uint64

	mu    sync.Mutex
	pages map[uint64]memory.Phys // huge-page-aligned offset -> huge page
}

// NewShmFile creates a shared-memory object of the given size.
func NewShmFile(mm *MemoryManager, size int64) *ShmFile {
	return &ShmFile{
		mem:   mm.mem,
		size:  size,
		inode: shmInodes.Add(1),
		pages: make(map[uint64]memory.Phys),
	}
}

// page returns the huge page backing hpOff, allocating and zeroing it
// on first use.
func (s *ShmFile) page(hpOff uint64) (memory.Phys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pa, ok := s.pages[hpOff]; ok {
		return pa, nil
	}
	pa, err := s.mem.AllocHugePage()
	if err != nil {
		return 0, err
	}
	memory.ZeroPage(s.mem, pa, hostarch.HugePageSize)
	s.pages[hpOff] = pa
	return pa, nil
}

// Stat implements File.Stat.
func (s *ShmFile) Stat() (FileStat, error) {
	return FileStat{Size: s.size, Inode: s.inode}, nil
}

// Flags implements File.Flags.
func (s *ShmFile) Flags() FileFlags {
	return FileReadable | FileWritable
}

// Name implements File.Name.
func (s *ShmFile) Name() string {
	return "/dev/shm"
}

// ReadAt implements File.ReadAt.
func (s *ShmFile) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for len(p) > 0 && off < s.size {
		hpOff := uint64(off) &^ (hostarch.HugePageSize - 1)
		pa, err := s.page(hpOff)
		if err != nil {
			return n, err
		}
		delta := uint64(off) - hpOff
		c := min(uint64(len(p)), hostarch.HugePageSize-delta, uint64(s.size-off))
		copy(p[:c], s.mem.Bytes(pa+memory.Phys(delta), c))
		p = p[c:]
		off += int64(c)
		n += int(c)
	}
	if len(p) > 0 {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements File.WriteAt.
func (s *ShmFile) WriteAt(p []byte, off int64) (int, error) {
	n := 0
	for len(p) > 0 && off < s.size {
		hpOff := uint64(off) &^ (hostarch.HugePageSize - 1)
		pa, err := s.page(hpOff)
		if err != nil {
			return n, err
		}
		delta := uint64(off) - hpOff
		c := min(uint64(len(p)), hostarch.HugePageSize-delta, uint64(s.size-off))
		copy(s.mem.Bytes(pa+memory.Phys(delta), c), p[:c])
		p = p[c:]
		off += int64(c)
		n += int(c)
	}
	if len(p) > 0 {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Sync implements File.Sync. Shared memory has no backing store.
func (s *ShmFile) Sync(off, length int64) error {
	return nil
}

// Mmap implements File.Mmap.
func (s *ShmFile) Mmap(mm *MemoryManager, ar hostarch.AddrRange, flags MapFlags, perm hostarch.AccessType, off uint64) (VMA, error) {
	return MappedFileMmap(mm, s, ar, flags, perm, off)
}

// MapPage implements MappedFile.MapPage.
func (s *ShmFile) MapPage(level int, offset uint64, ptep *pagetables.PTE, tmpl pagetables.Entry, write, shared bool) (bool, error) {
	hpOff := offset &^ (hostarch.HugePageSize - 1)
	if level > 0 && hpOff != offset {
		return false, nil
	}
	pa, err := s.page(hpOff)
	if err != nil {
		return false, err
	}
	tmpl.SetAddr(pa + memory.Phys(offset-hpOff))
	return ptep.CompareAndSwap(pagetables.EmptyEntry, tmpl), nil
}

// PutPage implements MappedFile.PutPage. The cache keeps its pages.
func (s *ShmFile) PutPage(level int, pa memory.Phys, offset uint64, ptep *pagetables.PTE) bool {
	ptep.Write(pagetables.EmptyEntry)
	return false
}

// Close frees the page cache. All mappings must be gone.
func (s *ShmFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pa := range s.pages {
		s.mem.FreeHugePage(pa, hostarch.HugePageSize)
	}
	s.pages = nil
	return nil
}
