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
	"sync/atomic"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"ukern.dev/ukern/pkg/hostarch"
	"ukern.dev/ukern/pkg/sched"
	"ukern.dev/ukern/pkg/sync"
)

// The user mapping region is partitioned into superblocks, each owned
// by at most one CPU at a time. Ownership lives in a lock-free array of
// atomic cells; everything else a CPU owns (its VMA index, its free-range
// map) hangs off its worker and is protected by that worker's locks.
//
// Lock order within a worker: vmaMu before freeMu. Across workers: by
// ascending worker id. No path takes a second worker's lock while
// holding the first's.

// ownerFree marks an unowned superblock cell.
const ownerFree = 255

// kernelWorker owns the address space outside the superblock area: the
// region below it and the kernel half above it.
const kernelWorker = sched.MaxCPUs

// freeRange is one entry of a worker's free-range map: size bytes at
// start are owned by the worker but not allocated to any VMA.
type freeRange struct {
	start hostarch.Addr
	size  uint64
}

// worker is the per-CPU shard of the VMA index.
type worker struct {
	// vmaMu protects vmas and the ranges, permissions and flags of the
	// VMAs within. Faults take it for read; split, insert, erase,
	// protect take it for write.
	vmaMu sync.RWMutex

	// vmas is ordered by start address and bounded by two zero-size
	// sentinels.
	vmas *btree.BTreeG[VMA]

	// freeMu protects freeRanges.
	freeMu sync.RWMutex

	// freeRanges maps start to length for every range owned by this
	// worker but not allocated. Adjacent entries are always merged.
	freeRanges *btree.BTreeG[freeRange]
}

func vmaLess(a, b VMA) bool { return a.Start() < b.Start() }

func freeRangeLess(a, b freeRange) bool { return a.start < b.start }

// probeVMA is a zero-size key for tree searches.
func probeVMA(addr hostarch.Addr) VMA {
	v := &AnonVMA{}
	v.rng = hostarch.AddrRange{Start: addr, End: addr}
	return v
}

// findIntersecting returns the single VMA containing addr, if any.
// The caller holds vmaMu.
func (w *worker) findIntersecting(addr hostarch.Addr) (VMA, bool) {
	var found VMA
	w.vmas.DescendLessOrEqual(probeVMA(addr), func(v VMA) bool {
		found = v
		return false
	})
	if found != nil && found.Range().Contains(addr) {
		return found, true
	}
	return nil, false
}

// findIntersectingRange returns the VMAs overlapping r in ascending
// order. Zero-size sentinels never overlap anything. The caller holds
// vmaMu.
func (w *worker) findIntersectingRange(r hostarch.AddrRange) []VMA {
	if r.End <= r.Start {
		return nil
	}
	var out []VMA
	// The VMA starting before r may still reach into it.
	if v, ok := w.findIntersecting(r.Start); ok {
		out = append(out, v)
	}
	w.vmas.AscendGreaterOrEqual(probeVMA(r.Start), func(v VMA) bool {
		if v.Start() >= r.End {
			return false
		}
		if len(out) > 0 && out[0] == v {
			return true
		}
		if v.Size() > 0 && v.Start() >= r.Start {
			out = append(out, v)
		}
		return true
	})
	return out
}

// superblockManager routes addresses to workers and hands out virtual
// ranges.
type superblockManager struct {
	mm          *MemoryManager
	workers     [sched.MaxCPUs + 1]worker
	superblocks [hostarch.SuperblockCount]atomic.Uint32
}

func newSuperblockManager(mm *MemoryManager) *superblockManager {
	m := &superblockManager{mm: mm}
	for i := range m.superblocks {
		m.superblocks[i].Store(ownerFree)
	}
	for i := range m.workers {
		w := &m.workers[i]
		w.vmas = btree.NewG(8, vmaLess)
		w.freeRanges = btree.NewG(8, freeRangeLess)
		// Edge markers simplify boundary searches; they never match a
		// lookup.
		w.vmas.ReplaceOrInsert(newSentinelVMA(mm, hostarch.LowerVMALimit))
		w.vmas.ReplaceOrInsert(newSentinelVMA(mm, hostarch.UpperVMALimit))
	}
	// The kernel worker owns everything outside the superblock area.
	kw := &m.workers[kernelWorker]
	kw.freeRanges.ReplaceOrInsert(freeRange{
		start: hostarch.LowerVMALimit,
		size:  uint64(hostarch.SuperblockAreaBase - hostarch.LowerVMALimit),
	})
	kw.freeRanges.ReplaceOrInsert(freeRange{
		start: hostarch.MainMemAreaBase,
		size:  uint64(hostarch.MaxAddr - hostarch.MainMemAreaBase),
	})
	return m
}

func superblockIndex(addr hostarch.Addr) uint64 {
	return uint64(addr-hostarch.SuperblockAreaBase) / hostarch.SuperblockSize
}

func superblockAddr(index uint64) hostarch.Addr {
	return hostarch.SuperblockAreaBase + hostarch.Addr(index*hostarch.SuperblockSize)
}

// ownerOf returns the worker id owning addr. Unowned superblocks route
// to the kernel worker, whose index holds nothing: lookups there fail
// cleanly.
func (m *superblockManager) ownerOf(addr hostarch.Addr) int {
	if addr < hostarch.SuperblockAreaBase || addr >= hostarch.MainMemAreaBase {
		return kernelWorker
	}
	o := m.superblocks[superblockIndex(addr)].Load()
	if o == ownerFree {
		return kernelWorker
	}
	return int(o)
}

// workerFor returns the worker owning addr.
func (m *superblockManager) workerFor(addr hostarch.Addr) *worker {
	return &m.workers[m.ownerOf(addr)]
}

// insert adds v to its owning worker's index. The caller holds that
// worker's vmaMu for write.
func (m *superblockManager) insert(v VMA) {
	m.workerFor(v.Start()).vmas.ReplaceOrInsert(v)
}

// erase removes v from its owning worker's index. The caller holds
// that worker's vmaMu for write.
func (m *superblockManager) erase(v VMA) {
	m.workerFor(v.Start()).vmas.Delete(v)
}

// releaseSuperblocks returns claimed cells to the free state.
func (m *superblockManager) releaseSuperblocks(start, n uint64, cpu uint32) {
	for i := start; i < start+n; i++ {
		m.superblocks[i].CompareAndSwap(cpu, ownerFree)
	}
}

// allocateSuperblocks claims n consecutive free superblocks for cpu and
// returns the index of the first. On a lost claim race every cell
// claimed so far is released and the scan restarts.
func (m *superblockManager) allocateSuperblocks(n uint64, cpu uint32) (uint64, error) {
	if n == 0 || n > hostarch.SuperblockCount {
		return 0, unix.ENOMEM
	}
retry:
	for {
		run := uint64(0)
		for i := uint64(0); i < hostarch.SuperblockCount; i++ {
			if m.superblocks[i].Load() != ownerFree {
				run = 0
				continue
			}
			run++
			if run < n {
				continue
			}
			first := i - n + 1
			for j := first; j <= i; j++ {
				if !m.superblocks[j].CompareAndSwap(ownerFree, cpu) {
					// Someone else was faster. Release what we took and
					// start over.
					m.releaseSuperblocks(first, j-first, cpu)
					continue retry
				}
			}
			return first, nil
		}
		return 0, unix.ENOMEM
	}
}

// claimFree claims every still-free superblock intersecting [start,
// start+size) for cpu and inserts it into cpu's free-range map. Fixed
// mappings use this so that untouched territory lands in the caller's
// worker.
func (m *superblockManager) claimFree(start hostarch.Addr, size uint64, cpu uint32) {
	end := start + hostarch.Addr(size)
	if end > hostarch.MainMemAreaBase {
		end = hostarch.MainMemAreaBase
	}
	if start < hostarch.SuperblockAreaBase {
		start = hostarch.SuperblockAreaBase
	}
	for addr := superblockAddr(superblockIndex(start)); addr < end; addr += hostarch.Addr(hostarch.SuperblockSize) {
		i := superblockIndex(addr)
		if m.superblocks[i].CompareAndSwap(ownerFree, cpu) {
			w := &m.workers[cpu]
			w.freeMu.Lock()
			m.freeRangeLocked(w, superblockAddr(i), hostarch.SuperblockSize)
			w.freeMu.Unlock()
		}
	}
}

// ownerSegment is one worker-local piece of a range.
type ownerSegment struct {
	start hostarch.Addr
	size  uint64
	owner int
}

// generateOwnerList splits [start, start+size) into worker-local
// segments, merging runs of superblocks with the same owner. Only
// loops that must cross worker boundaries (the linear map, fixed
// mappings) use it.
func (m *superblockManager) generateOwnerList(start hostarch.Addr, size uint64) []ownerSegment {
	end := start + hostarch.Addr(size)
	if end <= hostarch.SuperblockAreaBase || start >= hostarch.MainMemAreaBase {
		return []ownerSegment{{start: start, size: size, owner: m.ownerOf(start)}}
	}
	var res []ownerSegment
	for addr := start; addr < end; {
		owner := m.ownerOf(addr)
		next := (addr + hostarch.Addr(hostarch.SuperblockSize)) &^ hostarch.Addr(hostarch.SuperblockSize-1)
		if next > end {
			next = end
		}
		seg := uint64(next - addr)
		if n := len(res); n > 0 && res[n-1].owner == owner {
			res[n-1].size += seg
		} else {
			res = append(res, ownerSegment{start: addr, size: seg, owner: owner})
		}
		addr = next
	}
	return res
}

// reserveRange finds a free range of the given size in the current
// CPU's territory, claiming fresh superblocks if none fits. First fit;
// ranges are carved from the tail of the chosen entry.
func (m *superblockManager) reserveRange(size uint64) (hostarch.Addr, error) {
	cpu := sched.CurrentCPU()
	w := &m.workers[cpu]
	w.freeMu.Lock()
	defer w.freeMu.Unlock()

	var cand freeRange
	found := false
	w.freeRanges.Ascend(func(r freeRange) bool {
		if r.size >= size {
			cand, found = r, true
			return false
		}
		return true
	})
	if found {
		if cand.size > size {
			// Carve from the tail so the entry keeps its key.
			w.freeRanges.ReplaceOrInsert(freeRange{start: cand.start, size: cand.size - size})
			return cand.start + hostarch.Addr(cand.size-size), nil
		}
		w.freeRanges.Delete(cand)
		return cand.start, nil
	}

	n := (size + hostarch.SuperblockSize - 1) / hostarch.SuperblockSize
	first, err := m.allocateSuperblocks(n, cpu)
	if err != nil {
		return 0, err
	}
	ret := superblockAddr(first)
	if rem := n*hostarch.SuperblockSize - size; rem > 0 {
		m.freeRangeLocked(w, ret+hostarch.Addr(size), rem)
	}
	return ret, nil
}

// allocateRange removes [addr, addr+size) from its worker's free-range
// map, splitting the covering entry. It fails if the range is not
// entirely free.
func (m *superblockManager) allocateRange(addr hostarch.Addr, size uint64) error {
	w := m.workerFor(addr)
	w.freeMu.Lock()
	defer w.freeMu.Unlock()

	var prev freeRange
	havePrev := false
	w.freeRanges.DescendLessOrEqual(freeRange{start: addr}, func(r freeRange) bool {
		prev, havePrev = r, true
		return false
	})
	if !havePrev || prev.start+hostarch.Addr(prev.size) < addr+hostarch.Addr(size) {
		return unix.ENOMEM
	}

	if prev.start == addr {
		w.freeRanges.Delete(prev)
		if prev.size > size {
			w.freeRanges.ReplaceOrInsert(freeRange{start: addr + hostarch.Addr(size), size: prev.size - size})
		}
		return nil
	}
	head := uint64(addr - prev.start)
	tail := prev.size - head - size
	w.freeRanges.ReplaceOrInsert(freeRange{start: prev.start, size: head})
	if tail > 0 {
		w.freeRanges.ReplaceOrInsert(freeRange{start: addr + hostarch.Addr(size), size: tail})
	}
	return nil
}

// freeRangeLocked returns [addr, addr+size) to w's free-range map,
// merging with both neighbours when adjacent. The caller holds
// w.freeMu for write.
func (m *superblockManager) freeRangeLocked(w *worker, addr hostarch.Addr, size uint64) {
	cur := freeRange{start: addr, size: size}

	var prev freeRange
	havePrev := false
	w.freeRanges.DescendLessOrEqual(freeRange{start: addr}, func(r freeRange) bool {
		prev, havePrev = r, true
		return false
	})
	if havePrev && prev.start+hostarch.Addr(prev.size) == addr {
		cur = freeRange{start: prev.start, size: prev.size + size}
	}

	var next freeRange
	haveNext := false
	w.freeRanges.AscendGreaterOrEqual(freeRange{start: addr + hostarch.Addr(size)}, func(r freeRange) bool {
		next, haveNext = r, true
		return false
	})
	if haveNext && next.start == addr+hostarch.Addr(size) {
		w.freeRanges.Delete(next)
		cur.size += next.size
	}

	w.freeRanges.ReplaceOrInsert(cur)

	// Empty superblocks are not returned to the superblock pool; that
	// is a conservative simplification.
}

// freeRangeFor is freeRangeLocked with routing and locking.
func (m *superblockManager) freeRangeFor(addr hostarch.Addr, size uint64) {
	w := m.workerFor(addr)
	w.freeMu.Lock()
	m.freeRangeLocked(w, addr, size)
	w.freeMu.Unlock()
}
