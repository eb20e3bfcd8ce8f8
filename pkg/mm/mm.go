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

// Package mm implements the virtual memory manager: the process-wide
// address space, the VMA index partitioned across per-CPU workers, and
// the POSIX-like family of address-space operations built on the page
// table walkers in pkg/pagetables.
package mm

import (
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"ukern.dev/ukern/pkg/hostarch"
	"ukern.dev/ukern/pkg/log"
	"ukern.dev/ukern/pkg/memory"
	"ukern.dev/ukern/pkg/pagetables"
	"ukern.dev/ukern/pkg/sync"
)

// faultLogBurst is how many unresolvable-fault diagnostics may be
// logged back to back before the throttle engages; a storm from one
// runaway thread then surfaces as a single counted line per second.
const faultLogBurst = 4

// MemoryManager owns the virtual address space.
type MemoryManager struct {
	mem memory.Allocator
	pt  *pagetables.PageTables
	sb  *superblockManager

	// Shared providers for anonymous memory; file providers are
	// per-VMA.
	anonZeroed pagetables.PageProvider
	anonNoInit pagetables.PageProvider

	// linearMu protects linear, the registry of kernel linear-map
	// regions. They live outside the superblock-partitioned index.
	linearMu sync.RWMutex
	linear   *btree.BTreeG[*LinearVMA]

	// ptHighMu serialises mutations of kernel page tables outside any
	// VMA.
	ptHighMu sync.Mutex

	faultFilter atomic.Pointer[func(hostarch.Addr) bool]
	faultLog    log.Logger
}

// New returns a MemoryManager drawing physical pages from mem.
func New(mem memory.Allocator) *MemoryManager {
	mm := &MemoryManager{
		mem:      mem,
		pt:       pagetables.New(pagetables.NewRuntimeAllocator(mem)),
		faultLog: log.Throttled(log.Log(), time.Second, faultLogBurst),
	}
	mm.anonZeroed = &anonProvider{mem: mem, zero: true}
	mm.anonNoInit = &anonProvider{mem: mem}
	mm.linear = btree.NewG(8, func(a, b *LinearVMA) bool { return a.virt < b.virt })
	mm.sb = newSuperblockManager(mm)
	return mm
}

// PageTables returns the hardware page tables.
func (mm *MemoryManager) PageTables() *pagetables.PageTables {
	return mm.pt
}

// SetTLBFlush installs the global TLB invalidation primitive.
func (mm *MemoryManager) SetTLBFlush(fn func()) {
	mm.pt.FlushAll = fn
}

// preventStackPageFault marks the regions that are about to take a VMA
// lock for write: a page fault on the thread's own stack inside such a
// region would re-enter the fault path and deadlock on the same lock.
// Go stacks are committed eagerly by the runtime, so no touch is
// needed; on lazy-stack configurations this must grow the stack by two
// pages first.
func preventStackPageFault() {}

// populateVMA runs the populate operation over [addr, addr+size) of v,
// honouring the VMA's small-pages flag, and returns the number of
// bytes actually populated. failed reports a provider failure; the
// walk still covers the rest of the range.
//
// The caller holds the owning worker's vmaMu (read suffices: the
// walker mutates page-table memory only with CAS-on-empty, so
// concurrent faults race benignly).
func (mm *MemoryManager) populateVMA(v VMA, addr hostarch.Addr, size uint64, write bool) (uint64, error) {
	var op *pagetables.Populate
	if v.HasFlags(MapSmall) {
		op = pagetables.NewPopulateSmall(v.PageOps(), v.Perm(), write, v.MapDirty())
	} else {
		op = pagetables.NewPopulate(v.PageOps(), v.Perm(), write, v.MapDirty())
	}
	n, err := pagetables.OperateRange(mm.pt, op, v.Start(), addr, size)
	if err != nil {
		return n, err
	}
	if op.Failed() && n == 0 {
		return n, unix.ENOMEM
	}
	return n, nil
}

// evacuateVMA unpopulates v, returns its range to the free-range map
// and removes it from the index. The caller holds the owning worker's
// vmaMu for write. It returns the number of bytes unpopulated.
func (mm *MemoryManager) evacuateVMA(v VMA) uint64 {
	op := pagetables.NewUnpopulate(mm.pt, mm.mem, v.PageOps())
	n, _ := pagetables.OperateRange(mm.pt, op, v.Start(), v.Start(), v.Size())
	mm.sb.freeRangeFor(v.Start(), v.Size())
	mm.sb.erase(v)
	return n
}

// evacuateRange splits the VMAs straddling the ends of r and evacuates
// everything fully inside. The caller holds the owning worker's vmaMu
// for write.
func (mm *MemoryManager) evacuateRange(w *worker, r hostarch.AddrRange) uint64 {
	for _, v := range w.findIntersectingRange(r) {
		v.Split(r.End)
		v.Split(r.Start)
	}
	var n uint64
	for _, v := range w.findIntersectingRange(r) {
		if r.IsSupersetOf(v.Range()) {
			n += mm.evacuateVMA(v)
		}
	}
	return n
}
