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
	"ukern.dev/ukern/pkg/sync"
)

var memFileInodes atomic.Uint64

// MemFile is a regular file held in memory. It maps through the
// default read-fill path, like a file system without a shared page
// cache.
type MemFile struct {
	name  string
	flags FileFlags
	inode uint64

	mu   sync.Mutex
	data []byte
}

// NewMemFile returns a MemFile with the given contents.
func NewMemFile(name string, data []byte, flags FileFlags) *MemFile {
	return &MemFile{
		name:  name,
		flags: flags,
		inode: memFileInodes.Add(1),
		data:  data,
	}
}

// Stat implements File.Stat.
func (f *MemFile) Stat() (FileStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FileStat{Size: int64(len(f.data)), Inode: f.inode}, nil
}

// ReadAt implements File.ReadAt.
func (f *MemFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements File.WriteAt.
func (f *MemFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if need := off + int64(len(p)); need > int64(len(f.data)) {
		grown := make([]byte, need)
		copy(grown, f.data)
		f.data = grown
	}
	return copy(f.data[off:], p), nil
}

// Sync implements File.Sync.
func (f *MemFile) Sync(off, length int64) error {
	return nil
}

// Flags implements File.Flags.
func (f *MemFile) Flags() FileFlags {
	return f.flags
}

// Name implements File.Name.
func (f *MemFile) Name() string {
	return f.name
}

// Mmap implements File.Mmap.
func (f *MemFile) Mmap(mm *MemoryManager, ar hostarch.AddrRange, flags MapFlags, perm hostarch.AccessType, off uint64) (VMA, error) {
	return DefaultFileMmap(mm, f, ar, flags, perm, off)
}
