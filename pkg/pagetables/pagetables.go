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

// Package pagetables provides a four-level radix page table and a
// family of range operations over it.
//
// The table is walked by a single traversal parameterised by an
// operation; the operation's capability set (allocate-intermediate,
// skip-empty, descend, once, split-large, page sizes) decides what the
// walker does at each entry. Concurrent walkers synchronise through
// atomic entry access: intermediate tables are installed by
// compare-and-swap, and tables freed while lockless readers may still
// hold them are reclaimed only after an RCU grace period.
package pagetables

import (
	"ukern.dev/ukern/pkg/hostarch"
	"ukern.dev/ukern/pkg/memory"
)

// PageTables is a set of page tables rooted at a single level-3 table.
type PageTables struct {
	// Allocator is used to allocate and free page-table pages.
	Allocator Allocator

	// FlushAll invalidates all TLB entries on all CPUs. Operations that
	// change or remove live translations trigger it once per
	// traversal. A nil FlushAll is a no-op, which is only correct on a
	// single-CPU configuration with no hardware TLB.
	FlushAll func()

	// root acts as the CR3 slot: a synthetic entry pointing at the
	// level-3 table.
	root PTE
}

// New returns new PageTables.
func New(a Allocator) *PageTables {
	p := &PageTables{Allocator: a}
	top := a.NewPTEs()
	p.root.Write(makeIntermediateEntry(a.PhysicalFor(top)))
	return p
}

// RootPhys returns the physical address of the level-3 table, suitable
// for loading into the hardware page-table base register.
func (p *PageTables) RootPhys() memory.Phys {
	return p.root.Read().Addr()
}

func (p *PageTables) flushAll() {
	if p.FlushAll != nil {
		p.FlushAll()
	}
}

// clamp expands [vstart, vend] to slop granularity and then restricts
// it to [min, max]. vend, min and max are inclusive.
func clamp(vstart, vend, min, max hostarch.Addr, slop uint64) (hostarch.Addr, hostarch.Addr) {
	vstart &^= hostarch.Addr(slop - 1)
	vend |= hostarch.Addr(slop - 1)
	if vstart < min {
		vstart = min
	}
	if vend > max {
		vend = max
	}
	return vstart, vend
}

// walker carries the per-traversal state of one range operation.
type walker[O Operation] struct {
	pt       *PageTables
	op       O
	vmaStart hostarch.Addr
	slop     uint64
}

// walk covers the entries of the table that parent points at, for the
// child level given by level. vcur and vend (inclusive) bound the
// sub-range handled by this invocation; base is the first virtual
// address covered by the table.
func (w *walker[O]) walk(parent *PTE, level int, vcur, vend, base hostarch.Addr) {
	pe := parent.Read()
	if !pe.Valid() {
		if !w.op.requiresAlloc() {
			return
		}
		w.allocateIntermediate(parent)
		pe = parent.Read()
	} else if pe.Large() {
		if w.op.requiresSplit(level + 1) {
			// A smaller mapping is being carved out of a large page, so
			// the large page must first be split. Backing huge pages
			// may be freed piecewise afterwards.
			w.splitLarge(parent)
			pe = parent.Read()
		} else {
			// The operation handles the sub-region of the large page by
			// itself.
			w.op.subPage(parent, level+1, uint64(base-w.vmaStart))
			return
		}
	}

	pt := w.pt.Allocator.LookupPTEs(pe.Addr())
	step := hostarch.Addr(levelSize(level))
	idx := levelIndex(vcur, level)
	eidx := levelIndex(vend, level)
	base += hostarch.Addr(idx) * step

	for {
		ptep := &pt[idx]
		vstart1, vend1 := clamp(vcur, vend, base, base+step-1, w.slop)
		if level < w.op.pageSizes() && vstart1 == base && vend1 == base+step-1 {
			offset := uint64(base - w.vmaStart)
			if level > 0 {
				if !w.skip(ptep) {
					if w.shouldDescend(ptep) || !w.op.page(level, ptep, offset) {
						w.op.intermediatePre(ptep, offset)
						w.walk(ptep, level-1, vstart1, vend1, base)
						w.op.intermediatePost(ptep, offset)
					}
				}
			} else if !w.skip(ptep) {
				w.op.page(0, ptep, offset)
			}
		} else if level > 0 {
			w.walk(ptep, level-1, vstart1, vend1, base)
		}
		base += step
		idx++
		if w.op.once() || idx > eidx {
			return
		}
	}
}

func (w *walker[O]) skip(ptep *PTE) bool {
	return w.op.skipEmpty() && ptep.Read().Empty()
}

func (w *walker[O]) shouldDescend(ptep *PTE) bool {
	if !w.op.descend() {
		return false
	}
	pe := ptep.Read()
	return !pe.Empty() && !pe.Large()
}

// allocateIntermediate installs a new empty table below parent. The
// install is a compare-and-swap against the empty entry so that
// concurrent walkers race benignly; the loser's table goes back to the
// allocator.
func (w *walker[O]) allocateIntermediate(parent *PTE) {
	ptes := w.pt.Allocator.NewPTEs()
	pa := w.pt.Allocator.PhysicalFor(ptes)
	if !parent.CompareAndSwap(EmptyEntry, makeIntermediateEntry(pa)) {
		w.pt.Allocator.FreePTEs(ptes)
	}
}

// splitLarge replaces the large entry at parent with a table of 512
// small entries mapping the same physical range with the same
// attributes.
func (w *walker[O]) splitLarge(parent *PTE) {
	orig := parent.Read()
	orig.SetLarge(false)
	ptes := w.pt.Allocator.NewPTEs()
	for i := 0; i < entriesPerPage; i++ {
		e := orig
		e.SetAddr(orig.Addr() + memory.Phys(i)*hostarch.PageSize)
		ptes[i].Write(e)
	}
	parent.Write(makeIntermediateEntry(w.pt.Allocator.PhysicalFor(ptes)))
}

// OperateRange runs op over every mapped (or to-be-mapped) entry of
// [vstart, vstart+size), flushes the TLB once if the operation
// requires it, and finalizes the operation. vmaStart anchors the
// offsets passed to the operation's page hook. It returns the number
// of bytes the operation accounted.
func OperateRange[O Operation](pt *PageTables, op O, vmaStart, vstart hostarch.Addr, size uint64) (uint64, error) {
	return OperateRangeSlop(pt, op, vmaStart, vstart, size, hostarch.PageSize)
}

// OperateRangeSlop is OperateRange with an explicit mapping
// granularity. Ranges are expanded to slop boundaries before the walk;
// only the kernel linear map uses a slop above PageSize.
func OperateRangeSlop[O Operation](pt *PageTables, op O, vmaStart, vstart hostarch.Addr, size uint64, slop uint64) (uint64, error) {
	vstart = vstart.RoundDown()
	size = uint64(hostarch.Addr(size).MustRoundUp())
	if size < hostarch.PageSize {
		size = hostarch.PageSize
	}
	w := walker[O]{pt: pt, op: op, vmaStart: vmaStart, slop: slop}
	w.walk(&pt.root, LastLevel, vstart, vstart+hostarch.Addr(size)-1, 0)
	if op.tlbFlushNeeded() {
		pt.flushAll()
	}
	err := op.finalize()
	return op.accountResults(), err
}
