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
	"golang.org/x/sys/unix"

	"ukern.dev/ukern/pkg/hostarch"
	"ukern.dev/ukern/pkg/pagetables"
)

// MapFlags are the flags of a mapping request and of the resulting
// VMA.
type MapFlags uint32

// Mapping flags.
const (
	// MapFixed places the mapping at the requested address.
	MapFixed MapFlags = 1 << iota

	// MapPopulate populates the mapping eagerly.
	MapPopulate

	// MapShared propagates stores to the backing object.
	MapShared

	// MapUninitialized skips zero-filling anonymous pages.
	MapUninitialized

	// MapFile marks a file-backed VMA.
	MapFile

	// MapSmall disables huge-page promotion.
	MapSmall

	// MapJVMHeap marks a mapping belonging to a managed heap that
	// participates in balloon-driven sharing.
	MapJVMHeap

	// MapBalloon marks a balloon VMA.
	MapBalloon
)

// A VMA is one logically homogeneous mapping in the address space.
//
// A VMA belongs to exactly one worker. All mutation (split, protect,
// flag updates, erase) happens under that worker's VMA lock held for
// write; Fault runs under it held for read.
type VMA interface {
	// Range returns the mapped range.
	Range() hostarch.AddrRange

	// Start returns the first mapped address.
	Start() hostarch.Addr

	// End returns the first address past the mapping.
	End() hostarch.Addr

	// Size returns the mapping size in bytes.
	Size() uint64

	// Perm returns the current permissions.
	Perm() hostarch.AccessType

	// Flags returns the mapping flags.
	Flags() MapFlags

	// HasFlags returns whether all the given flags are set.
	HasFlags(f MapFlags) bool

	// UpdateFlags ors the given flags in.
	UpdateFlags(f MapFlags)

	// MapDirty returns whether populated pages are marked dirty
	// immediately (true for anonymous and private mappings).
	MapDirty() bool

	// PageOps returns the provider backing this VMA.
	PageOps() pagetables.PageProvider

	// Split cuts the VMA at edge, shrinking it to [start, edge) and
	// inserting a new VMA covering [edge, end) into the same worker.
	// Splitting at or outside the endpoints is a no-op.
	Split(edge hostarch.Addr)

	// Fault resolves a page fault at addr.
	Fault(addr hostarch.Addr, code FaultCode) error

	// Sync writes dirty pages in [start, end) back to the backing
	// object, if any.
	Sync(start, end hostarch.Addr) error

	// ValidatePerm returns a non-nil error if the backing object cannot
	// grant perm.
	ValidatePerm(perm hostarch.AccessType) error

	// Protect records new permissions. Page tables are rewritten
	// separately.
	Protect(perm hostarch.AccessType)

	setRange(r hostarch.AddrRange)
}

// vma carries the state shared by all VMA kinds.
type vma struct {
	mm       *MemoryManager
	rng      hostarch.AddrRange
	perm     hostarch.AccessType
	flags    MapFlags
	mapDirty bool
	pageOps  pagetables.PageProvider
}

func (v *vma) Range() hostarch.AddrRange { return v.rng }
func (v *vma) Start() hostarch.Addr      { return v.rng.Start }
func (v *vma) End() hostarch.Addr        { return v.rng.End }
func (v *vma) Size() uint64              { return v.rng.Length() }
func (v *vma) Perm() hostarch.AccessType { return v.perm }
func (v *vma) Flags() MapFlags           { return v.flags }

func (v *vma) HasFlags(f MapFlags) bool { return v.flags&f == f }

func (v *vma) UpdateFlags(f MapFlags) { v.flags |= f }

func (v *vma) MapDirty() bool { return v.mapDirty }

func (v *vma) PageOps() pagetables.PageProvider { return v.pageOps }

func (v *vma) Protect(perm hostarch.AccessType) { v.perm = perm }

func (v *vma) setRange(r hostarch.AddrRange) {
	v.rng = hostarch.AddrRange{Start: r.Start.RoundDown(), End: r.End.MustRoundUp()}
}

// faultIn resolves a fault against self, preferring a huge page when
// the fault address lies in the huge-aligned interior of the VMA and
// nothing forbids large mappings. hugeLimit additionally bounds the
// interior (file VMAs pass EOF); pass v.End() for no bound.
func (v *vma) faultIn(self VMA, addr hostarch.Addr, code FaultCode, hugeLimit hostarch.Addr) error {
	hpStart, _ := v.rng.Start.HugeRoundUp()
	hpEnd := v.rng.End.HugeRoundDown()
	if l := hugeLimit.HugeRoundDown(); hpEnd > l {
		hpEnd = l
	}
	size := uint64(hostarch.PageSize)
	if !v.HasFlags(MapSmall) && !v.HasFlags(MapBalloon) && hpStart <= addr && addr < hpEnd {
		addr = addr.HugeRoundDown()
		size = hostarch.HugePageSize
	}
	// n may be zero without error: a concurrent fault won the install
	// race, or the page was already mapped compatibly.
	if _, err := v.mm.populateVMA(self, addr, size, code.IsWrite()); err != nil {
		// The provider could not supply a page; the fault path has no
		// caller to report to, so the thread gets SIGBUS.
		return sigbus(addr)
	}
	return nil
}

// AnonVMA is an anonymous mapping.
type AnonVMA struct {
	vma
}

// newAnonVMA builds an anonymous VMA over r. The provider is chosen by
// the MapUninitialized flag.
func newAnonVMA(mm *MemoryManager, r hostarch.AddrRange, perm hostarch.AccessType, flags MapFlags) *AnonVMA {
	v := &AnonVMA{vma{
		mm:       mm,
		perm:     perm,
		flags:    flags,
		mapDirty: true,
	}}
	v.setRange(r)
	if flags&MapUninitialized != 0 {
		v.pageOps = mm.anonNoInit
	} else {
		v.pageOps = mm.anonZeroed
	}
	return v
}

// newSentinelVMA builds the zero-size marker inserted at the edges of
// each worker's index. Sentinels never match lookups.
func newSentinelVMA(mm *MemoryManager, addr hostarch.Addr) *AnonVMA {
	v := &AnonVMA{vma{mm: mm}}
	v.rng = hostarch.AddrRange{Start: addr, End: addr}
	return v
}

// Split implements VMA.Split.
func (v *AnonVMA) Split(edge hostarch.Addr) {
	if !v.rng.CanSplitAt(edge) {
		return
	}
	n := newAnonVMA(v.mm, hostarch.AddrRange{Start: edge, End: v.rng.End}, v.perm, v.flags)
	v.setRange(hostarch.AddrRange{Start: v.rng.Start, End: edge})
	v.mm.sb.insert(n)
}

// Fault implements VMA.Fault.
func (v *AnonVMA) Fault(addr hostarch.Addr, code FaultCode) error {
	return v.faultIn(v, addr, code, v.rng.End)
}

// Sync implements VMA.Sync. Anonymous memory has nothing to write
// back.
func (v *AnonVMA) Sync(start, end hostarch.Addr) error {
	return nil
}

// ValidatePerm implements VMA.ValidatePerm.
func (v *AnonVMA) ValidatePerm(perm hostarch.AccessType) error {
	return nil
}

// FileVMA is a file-backed mapping.
type FileVMA struct {
	vma
	file   File
	offset uint64
	inode  uint64
	dev    uint64
}

// NewFileVMA builds a file-backed VMA over r with the given provider.
// It fails if the file's open mode cannot grant perm.
func NewFileVMA(mm *MemoryManager, r hostarch.AddrRange, perm hostarch.AccessType, flags MapFlags, f File, offset uint64, pageOps pagetables.PageProvider) (*FileVMA, error) {
	v := &FileVMA{
		vma: vma{
			mm:       mm,
			perm:     perm,
			flags:    flags | MapFile,
			mapDirty: flags&MapShared == 0,
			pageOps:  pageOps,
		},
		file:   f,
		offset: offset,
	}
	v.setRange(r)
	if err := v.ValidatePerm(perm); err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	v.inode = st.Inode
	v.dev = st.Dev
	return v, nil
}

// File returns the backing file.
func (v *FileVMA) File() File { return v.file }

// Offset returns the file offset of addr.
func (v *FileVMA) Offset(addr hostarch.Addr) uint64 {
	return v.offset + uint64(addr-v.rng.Start)
}

// Split implements VMA.Split. The tail VMA is produced by the file so
// that special files keep control of their providers.
func (v *FileVMA) Split(edge hostarch.Addr) {
	if !v.rng.CanSplitAt(edge) {
		return
	}
	off := v.Offset(edge)
	n, err := v.file.Mmap(v.mm, hostarch.AddrRange{Start: edge, End: v.rng.End}, v.flags, v.perm, off)
	if err != nil {
		// The file already granted these permissions when the VMA was
		// created; a split cannot change them.
		panic("file refused split of an established mapping: " + err.Error())
	}
	v.setRange(hostarch.AddrRange{Start: v.rng.Start, End: edge})
	v.mm.sb.insert(n)
}

// Fault implements VMA.Fault. Faults past end-of-file raise SIGBUS; a
// huge mapping is used only if the whole huge-aligned interior lies
// before EOF.
func (v *FileVMA) Fault(addr hostarch.Addr, code FaultCode) error {
	st, err := v.file.Stat()
	if err != nil {
		return sigbus(addr)
	}
	fsize := uint64(st.Size)
	if v.Offset(addr) >= fsize {
		return sigbus(addr)
	}
	hugeLimit := v.rng.End
	if end := v.rng.Start + hostarch.Addr(fsize-v.offset); end < hugeLimit {
		hugeLimit = end
	}
	return v.faultIn(v, addr, code, hugeLimit)
}

// Sync implements VMA.Sync.
func (v *FileVMA) Sync(start, end hostarch.Addr) error {
	if !v.HasFlags(MapShared) {
		return unix.ENOMEM
	}
	if start < v.rng.Start {
		start = v.rng.Start
	}
	if end > v.rng.End {
		end = v.rng.End
	}
	if _, ok := v.pageOps.(*fileReadProvider); ok {
		// No shared page cache below us: dirty pages hold the only
		// up-to-date data and must be written out by hand.
		st, err := v.file.Stat()
		if err != nil {
			return err
		}
		sync := &dirtyPageSync{
			mm:    v.mm,
			file:  v.file,
			off:   v.offset,
			fsize: uint64(st.Size),
		}
		op := pagetables.NewDirtyCleaner(sync)
		if _, err := pagetables.OperateRange(v.mm.pt, op, v.rng.Start, start, uint64(end-start)); err != nil {
			return err
		}
		return v.file.Sync(0, 0)
	}
	// The file owns the pages; hand the range back to it.
	return v.file.Sync(int64(v.Offset(start)), int64(end-start))
}

// ValidatePerm implements VMA.ValidatePerm.
func (v *FileVMA) ValidatePerm(perm hostarch.AccessType) error {
	fl := v.file.Flags()
	if fl&FileReadable == 0 {
		return unix.EACCES
	}
	if perm.Write && v.HasFlags(MapShared) && fl&FileWritable == 0 {
		return unix.EACCES
	}
	if perm.Execute && fl&FileNoExec != 0 {
		return unix.EPERM
	}
	return nil
}
