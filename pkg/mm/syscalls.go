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
	"ukern.dev/ukern/pkg/sched"
)

// Advice is the madvise advice argument.
type Advice int

// Supported advice values.
const (
	// AdviseDontneed discards the pages of the range; the next access
	// repopulates them.
	AdviseDontneed Advice = iota

	// AdviseNohugepage disables huge pages for the range and splits any
	// existing ones.
	AdviseNohugepage
)

// MapAnon establishes an anonymous mapping of size bytes and returns
// its address. Without MapFixed the address is chosen from the current
// CPU's territory; with MapFixed the given range is evacuated first.
func (mm *MemoryManager) MapAnon(addr hostarch.Addr, size uint64, flags MapFlags, perm hostarch.AccessType) (hostarch.Addr, error) {
	return mm.mapInternal(addr, size, flags, func(r hostarch.AddrRange) (VMA, error) {
		return newAnonVMA(mm, r, perm, flags), nil
	}, size)
}

// MapFile establishes a mapping of the file at the given offset. The
// file produces the VMA so that special files control their own
// paging.
func (mm *MemoryManager) MapFile(addr hostarch.Addr, size uint64, flags MapFlags, perm hostarch.AccessType, f File, offset uint64) (hostarch.Addr, error) {
	if !hostarch.Addr(offset).IsPageAligned() {
		return 0, unix.EINVAL
	}
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	popLimit := hostarch.Addr(uint64(st.Size)).MustRoundUp()
	popSize := size
	if uint64(popLimit) < popSize {
		popSize = uint64(popLimit)
	}
	base := addr
	return mm.mapInternal(addr, size, flags, func(r hostarch.AddrRange) (VMA, error) {
		off := offset
		if flags&MapFixed != 0 {
			off += uint64(r.Start - base)
		}
		return f.Mmap(mm, r, flags|MapFile, perm, off)
	}, popSize)
}

// mapInternal carries the shared mmap path: reserve or evacuate the
// range, build the VMA(s), insert, and populate eagerly if requested.
// popSize bounds eager population (file mappings stop at EOF).
func (mm *MemoryManager) mapInternal(addr hostarch.Addr, size uint64, flags MapFlags, mk func(hostarch.AddrRange) (VMA, error), popSize uint64) (hostarch.Addr, error) {
	if size == 0 {
		return 0, unix.EINVAL
	}
	sz, ok := hostarch.Addr(size).RoundUp()
	if !ok {
		return 0, unix.ENOMEM
	}
	size = uint64(sz)

	preventStackPageFault()

	if flags&MapFixed == 0 {
		start, err := mm.sb.reserveRange(size)
		if err != nil {
			return 0, err
		}
		r := hostarch.AddrRange{Start: start, End: start + hostarch.Addr(size)}
		v, err := mk(r)
		if err != nil {
			mm.sb.freeRangeFor(start, size)
			return 0, err
		}
		w := mm.sb.workerFor(start)
		w.vmaMu.Lock()
		mm.sb.insert(v)
		err = mm.populateEagerLocked(v, flags, popSize)
		w.vmaMu.Unlock()
		if err != nil {
			return 0, err
		}
		return start, nil
	}

	if !addr.IsPageAligned() {
		return 0, unix.EINVAL
	}
	// A fixed mapping may land in unowned territory; claim it for the
	// current CPU, then build one VMA per owner segment so that no VMA
	// straddles a worker boundary.
	mm.sb.claimFree(addr, size, sched.CurrentCPU())
	for _, seg := range mm.sb.generateOwnerList(addr, size) {
		r := hostarch.AddrRange{Start: seg.start, End: seg.start + hostarch.Addr(seg.size)}
		w := &mm.sb.workers[seg.owner]
		w.vmaMu.Lock()
		mm.evacuateRange(w, r)
		if err := mm.sb.allocateRange(seg.start, seg.size); err != nil {
			w.vmaMu.Unlock()
			return 0, err
		}
		v, err := mk(r)
		if err != nil {
			mm.sb.freeRangeFor(seg.start, seg.size)
			w.vmaMu.Unlock()
			return 0, err
		}
		w.vmas.ReplaceOrInsert(v)
		popInSeg := uint64(0)
		if segOff := uint64(seg.start - addr); popSize > segOff {
			popInSeg = min(popSize-segOff, seg.size)
		}
		if err := mm.populateEagerLocked(v, flags, popInSeg); err != nil {
			w.vmaMu.Unlock()
			return 0, err
		}
		w.vmaMu.Unlock()
	}
	return addr, nil
}

// populateEagerLocked handles MapPopulate. A provider failure unwinds
// the new VMA and surfaces ENOMEM, unlike fault-time population which
// has no caller to report to. The caller holds the worker's vmaMu for
// write.
func (mm *MemoryManager) populateEagerLocked(v VMA, flags MapFlags, popSize uint64) error {
	if flags&MapPopulate == 0 || popSize == 0 {
		return nil
	}
	if _, err := mm.populateVMA(v, v.Start(), popSize, false); err != nil {
		mm.evacuateVMA(v)
		return unix.ENOMEM
	}
	return nil
}

// Munmap removes all mappings in [addr, addr+length), writing shared
// file-backed pages back first. Partial VMAs are split.
func (mm *MemoryManager) Munmap(addr hostarch.Addr, length uint64) error {
	preventStackPageFault()
	l, ok := hostarch.Addr(length).RoundUp()
	if !ok || length == 0 || !addr.IsPageAligned() {
		return unix.EINVAL
	}
	r := hostarch.AddrRange{Start: addr, End: addr + l}

	w := mm.sb.workerFor(addr)
	w.vmaMu.Lock()
	defer w.vmaMu.Unlock()
	if !mm.isMappedLocked(w, r) {
		return unix.EINVAL
	}
	mm.syncLocked(w, r) // best effort, as on process teardown
	mm.evacuateRange(w, r)
	return nil
}

// MunmapAnon removes the entire VMA containing addr, whatever its
// size. Operations like mprotect may have split the original mapping.
func (mm *MemoryManager) MunmapAnon(addr hostarch.Addr) error {
	preventStackPageFault()
	w := mm.sb.workerFor(addr)
	w.vmaMu.Lock()
	defer w.vmaMu.Unlock()
	v, ok := w.findIntersecting(addr)
	if !ok {
		return unix.EINVAL
	}
	mm.evacuateVMA(v)
	return nil
}

// Mprotect changes the permissions of every mapping in [addr,
// addr+size), splitting VMAs at the range ends. Updates page tables
// for populated pages and just the VMAs for unpopulated ranges.
func (mm *MemoryManager) Mprotect(addr hostarch.Addr, size uint64, perm hostarch.AccessType) error {
	preventStackPageFault()
	w := mm.sb.workerFor(addr)
	w.vmaMu.Lock()
	defer w.vmaMu.Unlock()

	r := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size)}
	if !mm.isMappedLocked(w, r) {
		return unix.ENOMEM
	}

	vmas := w.findIntersectingRange(r)
	for _, v := range vmas {
		if v.Perm() == perm {
			continue
		}
		if err := v.ValidatePerm(perm); err != nil {
			return err
		}
	}
	for _, v := range vmas {
		if v.Perm() == perm {
			continue
		}
		v.Split(r.End)
		v.Split(r.Start)
	}
	for _, v := range w.findIntersectingRange(r) {
		if v.Perm() == perm || !r.IsSupersetOf(v.Range()) {
			continue
		}
		v.Protect(perm)
		op := pagetables.NewProtection(perm)
		if _, err := pagetables.OperateRange(mm.pt, op, v.Start(), v.Start(), v.Size()); err != nil {
			return err
		}
	}
	return nil
}

// Msync writes dirty pages of shared file mappings in the range back
// to their files.
func (mm *MemoryManager) Msync(addr hostarch.Addr, length uint64, flags int) error {
	w := mm.sb.workerFor(addr)
	w.vmaMu.RLock()
	defer w.vmaMu.RUnlock()
	r := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(length).MustRoundUp()}
	if !mm.isMappedLocked(w, r) {
		return unix.ENOMEM
	}
	return mm.syncLocked(w, r)
}

func (mm *MemoryManager) syncLocked(w *worker, r hostarch.AddrRange) error {
	err := error(unix.ENOMEM)
	for _, v := range w.findIntersectingRange(r) {
		start := max(r.Start, v.Start())
		end := min(r.End, v.End())
		if err = v.Sync(start, end); err != nil {
			break
		}
	}
	return err
}

// Madvise applies advice to [addr, addr+size).
func (mm *MemoryManager) Madvise(addr hostarch.Addr, size uint64, advice Advice) error {
	preventStackPageFault()
	w := mm.sb.workerFor(addr)
	w.vmaMu.Lock()
	defer w.vmaMu.Unlock()

	r := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size).MustRoundUp()}
	if !mm.isMappedLocked(w, r) {
		return unix.ENOMEM
	}
	switch advice {
	case AdviseDontneed:
		mm.depopulateLocked(w, r)
		return nil
	case AdviseNohugepage:
		mm.nohugepageLocked(w, r)
		return nil
	default:
		return unix.EINVAL
	}
}

func (mm *MemoryManager) depopulateLocked(w *worker, r hostarch.AddrRange) {
	for _, v := range w.findIntersectingRange(r) {
		sub := r.Intersect(v.Range())
		op := pagetables.NewUnpopulate(mm.pt, mm.mem, v.PageOps())
		pagetables.OperateRange(mm.pt, op, v.Start(), sub.Start, sub.Length())
	}
}

func (mm *MemoryManager) nohugepageLocked(w *worker, r hostarch.AddrRange) {
	for _, v := range w.findIntersectingRange(r) {
		if v.HasFlags(MapSmall) {
			continue
		}
		v.UpdateFlags(MapSmall)
		sub := r.Intersect(v.Range())
		pagetables.OperateRange(mm.pt, pagetables.NewSplitHuge(), v.Start(), sub.Start, sub.Length())
	}
}

// Mincore fills vec with one byte per page of [addr, addr+length): 1
// if the page is resident, 0 otherwise.
func (mm *MemoryManager) Mincore(addr hostarch.Addr, length uint64, vec []byte) error {
	w := mm.sb.workerFor(addr)
	w.vmaMu.RLock()
	defer w.vmaMu.RUnlock()
	end := (addr + hostarch.Addr(length)).MustRoundUp()
	r := hostarch.AddrRange{Start: addr.RoundDown(), End: end}
	if !mm.isLinearMapped(r) && !mm.isMappedLocked(w, r) {
		return unix.ENOMEM
	}
	i := 0
	for p := r.Start; p < r.End && i < len(vec); p += hostarch.PageSize {
		if _, ok := mm.translateNoFault(p, hostarch.Read); ok {
			vec[i] = 1
		} else {
			vec[i] = 0
		}
		i++
	}
	return nil
}

// IsMapped returns whether every byte of [addr, addr+size) belongs to
// some VMA.
func (mm *MemoryManager) IsMapped(addr hostarch.Addr, size uint64) bool {
	w := mm.sb.workerFor(addr)
	w.vmaMu.RLock()
	defer w.vmaMu.RUnlock()
	return mm.isMappedLocked(w, hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size)})
}

func (mm *MemoryManager) isMappedLocked(w *worker, r hostarch.AddrRange) bool {
	start := r.Start
	for _, v := range w.findIntersectingRange(r) {
		if v.Start() > start {
			return false
		}
		start = v.End()
		if start >= r.End {
			return true
		}
	}
	return false
}

// IsReadable returns whether every page of [addr, addr+size) can be
// read without faulting.
func (mm *MemoryManager) IsReadable(addr hostarch.Addr, size uint64) bool {
	end := (addr + hostarch.Addr(size)).MustRoundUp()
	for p := addr.RoundDown(); p < end; p += hostarch.PageSize {
		if _, ok := mm.translateNoFault(p, hostarch.Read); !ok {
			return false
		}
	}
	return true
}

// AllVMAsSize returns the total bytes mapped across all workers.
func (mm *MemoryManager) AllVMAsSize() uint64 {
	var sum uint64
	for i := range mm.sb.workers {
		w := &mm.sb.workers[i]
		w.vmaMu.RLock()
		w.vmas.Ascend(func(v VMA) bool {
			sum += v.Size()
			return true
		})
		w.vmaMu.RUnlock()
	}
	return sum
}
