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

package pagetables

import (
	"fmt"

	"ukern.dev/ukern/pkg/hostarch"
	"ukern.dev/ukern/pkg/memory"
	"ukern.dev/ukern/pkg/rcu"
)

// Operation is one algorithm over a virtual range of the page table.
//
// The capability methods are constants of each concrete operation; the
// walker consults them to decide whether to allocate missing
// intermediate tables, skip empty entries, descend into small-mapped
// large ranges, split large pages, stop after one entry, and which
// levels are leaf-eligible (pageSizes: 1 for 4KiB only, 2 for 4KiB and
// 2MiB).
//
// page is invoked on each leaf-eligible entry exactly covered by the
// walked range, with offset the distance from the anchoring VMA start.
// Returning false from page at a level above 0 makes the walker
// descend and retry with smaller pages.
type Operation interface {
	requiresAlloc() bool
	skipEmpty() bool
	descend() bool
	once() bool
	requiresSplit(level int) bool
	pageSizes() int

	page(level int, ptep *PTE, offset uint64) bool
	subPage(ptep *PTE, level int, offset uint64)
	intermediatePre(ptep *PTE, offset uint64)
	intermediatePost(ptep *PTE, offset uint64)

	// tlbFlushNeeded reports whether the traversal invalidated live
	// translations; the walker then flushes once for the whole range.
	tlbFlushNeeded() bool

	// finalize runs after the walk and the flush.
	finalize() error

	// accountResults returns the number of bytes operated on.
	accountResults() uint64
}

// opDefaults supplies the hook defaults shared by operations.
type opDefaults struct{}

func (opDefaults) once() bool                        { return false }
func (opDefaults) subPage(*PTE, int, uint64)         {}
func (opDefaults) intermediatePre(*PTE, uint64)      {}
func (opDefaults) intermediatePost(*PTE, uint64)     {}
func (opDefaults) tlbFlushNeeded() bool              { return false }
func (opDefaults) finalize() error                   { return nil }
func (opDefaults) accountResults() uint64            { return 0 }
func (opDefaults) requiresSplit(int) bool            { return true }

// A PageProvider supplies and retracts the backing pages installed by
// Populate and removed by Unpopulate. level is 0 for 4KiB and 1 for
// 2MiB requests.
//
// Map installs a page behind ptep, normally by compare-and-swap
// against the empty entry using tmpl with the physical address filled
// in. It returns whether a page was installed; losing the install race
// is not an error. Unmap clears ptep and returns whether the caller
// now owns the backing page (and must free it after the TLB flush).
//
// Providers are never called with VMA locks held by the provider
// itself; they must not acquire them.
type PageProvider interface {
	Map(level int, offset uint64, ptep *PTE, tmpl Entry, write bool) (bool, error)
	Unmap(level int, pa memory.Phys, offset uint64, ptep *PTE) bool
}

// Populate fills the walked range with pages from a provider. Entries
// that are already present and write-compatible are left alone. A
// failed 2MiB provision makes the walker fall back to 4KiB pages for
// that range.
type Populate struct {
	opDefaults
	provider  PageProvider
	perm      hostarch.AccessType
	write     bool
	mapDirty  bool
	small     bool
	accounted uint64
	failed    bool
}

// NewPopulate returns a Populate operation.
func NewPopulate(provider PageProvider, perm hostarch.AccessType, write, mapDirty bool) *Populate {
	return &Populate{provider: provider, perm: perm, write: write, mapDirty: mapDirty}
}

// NewPopulateSmall is NewPopulate restricted to 4KiB pages.
func NewPopulateSmall(provider PageProvider, perm hostarch.AccessType, write, mapDirty bool) *Populate {
	p := NewPopulate(provider, perm, write, mapDirty)
	p.small = true
	return p
}

func (p *Populate) requiresAlloc() bool { return true }
func (p *Populate) skipEmpty() bool     { return false }
func (p *Populate) descend() bool       { return true }

func (p *Populate) pageSizes() int {
	if p.small {
		return 1
	}
	return nrPageSizes
}

func (p *Populate) page(level int, ptep *PTE, offset uint64) bool {
	pte := ptep.Read()
	if !pte.Empty() && (!p.write || pte.Writable()) {
		// Already mapped compatibly; populate is idempotent.
		return true
	}
	tmpl := MakeLeafEntry(level, 0, p.perm)
	tmpl.SetDirty(p.mapDirty || p.write)
	mapped, err := p.provider.Map(level, offset, ptep, tmpl, p.write)
	if err != nil {
		p.failed = true
		return false
	}
	if mapped {
		p.accounted += levelSize(level)
	}
	return true
}

func (p *Populate) accountResults() uint64 { return p.accounted }

// Failed reports whether any provider call failed; the accounted size
// still reflects what was installed before and after the failure.
func (p *Populate) Failed() bool { return p.failed }

// tlbGather batches freed pages so that one TLB flush covers many
// unmaps.
type tlbGather struct {
	pt    *PageTables
	mem   memory.Allocator
	pages [tlbGatherMaxPages]tlbGatherPage
	n     int
}

type tlbGatherPage struct {
	pa   memory.Phys
	size uint64
}

const tlbGatherMaxPages = 20

// push records a page to free. It returns whether a flush happened to
// make room.
func (g *tlbGather) push(pa memory.Phys, size uint64) bool {
	flushed := false
	if g.n == tlbGatherMaxPages {
		g.flush()
		flushed = true
	}
	g.pages[g.n] = tlbGatherPage{pa, size}
	g.n++
	return flushed
}

// flush invalidates the TLB and frees the gathered pages. It returns
// whether there was anything to do.
func (g *tlbGather) flush() bool {
	if g.n == 0 {
		return false
	}
	g.pt.flushAll()
	for i := 0; i < g.n; i++ {
		p := g.pages[i]
		if p.size == hostarch.PageSize {
			g.mem.FreePage(p.pa)
		} else {
			g.mem.FreeHugePage(p.pa, p.size)
		}
	}
	g.n = 0
	return true
}

// Unpopulate undoes Populate: it asks the provider to unmap each
// present entry and frees the pages the provider hands back, batching
// the frees behind a single TLB flush. Emptied intermediate tables are
// reclaimed after an RCU grace period.
type Unpopulate struct {
	opDefaults
	provider  PageProvider
	gather    tlbGather
	doFlush   bool
	accounted uint64
}

// NewUnpopulate returns an Unpopulate operation. mem receives the
// freed backing pages.
func NewUnpopulate(pt *PageTables, mem memory.Allocator, provider PageProvider) *Unpopulate {
	return &Unpopulate{gather: tlbGather{pt: pt, mem: mem}, provider: provider}
}

func (u *Unpopulate) requiresAlloc() bool { return false }
func (u *Unpopulate) skipEmpty() bool     { return true }
func (u *Unpopulate) descend() bool       { return true }
func (u *Unpopulate) pageSizes() int      { return nrPageSizes }

func (u *Unpopulate) page(level int, ptep *PTE, offset uint64) bool {
	pte := ptep.Read()
	pa := pte.Addr()
	size := levelSize(level)
	// The page is freed even if the entry is marked inaccessible:
	// evacuate only walks allocated ranges, and the perm-none bit just
	// means mprotect(PROT_NONE).
	if u.provider.Unmap(level, pa, offset, ptep) {
		u.doFlush = !u.gather.push(pa, size)
	} else {
		u.doFlush = true
	}
	u.accounted += size
	return true
}

func (u *Unpopulate) intermediatePost(ptep *PTE, offset uint64) {
	old := ptep.Read()
	table := u.gather.pt.Allocator.LookupPTEs(old.Addr())
	alloc := u.gather.pt.Allocator
	rcu.Defer(func() { alloc.FreePTEs(table) })
	ptep.Write(EmptyEntry)
}

func (u *Unpopulate) tlbFlushNeeded() bool {
	// flush() performs its own TLB invalidation; a second one is only
	// needed if entries were cleared without passing through the
	// gather.
	return !u.gather.flush() && u.doFlush
}

func (u *Unpopulate) accountResults() uint64 { return u.accounted }

// Protection rewrites the permissions of every present entry in the
// range.
type Protection struct {
	opDefaults
	perm    hostarch.AccessType
	doFlush bool
}

// NewProtection returns a Protection operation.
func NewProtection(perm hostarch.AccessType) *Protection {
	return &Protection{perm: perm}
}

func (*Protection) requiresAlloc() bool { return false }
func (*Protection) skipEmpty() bool     { return true }
func (*Protection) descend() bool       { return true }
func (*Protection) pageSizes() int      { return nrPageSizes }

func (p *Protection) page(level int, ptep *PTE, offset uint64) bool {
	p.doFlush = changePerm(ptep, p.perm) || p.doFlush
	return true
}

func (p *Protection) tlbFlushNeeded() bool { return p.doFlush }

// changePerm rewrites one entry's permissions and returns whether the
// change can narrow an existing translation, requiring a TLB flush.
func changePerm(ptep *PTE, perm hostarch.AccessType) bool {
	pte := ptep.Read()
	old := hostarch.AccessType{
		Read:    pte.Valid() && !pte.PermNone(),
		Write:   pte.Writable(),
		Execute: pte.Executable(),
	}
	if pte.COW() {
		perm.Write = false
	}
	// If any permission is granted, read access comes with it: a
	// non-present x86 entry denies write and execute too, so mprotect
	// cannot represent write-only or exec-only.
	pte.SetValid(true)
	pte.SetWritable(perm.Write)
	pte.SetExecutable(perm.Execute)
	pte.SetPermNone(!perm.Any())
	ptep.Write(pte)
	return (old.Read && !perm.Read) || (old.Write && !perm.Write) || (old.Execute && !perm.Execute)
}

// A DirtyHandler receives the dirty pages found by DirtyCleaner.
type DirtyHandler interface {
	// Dirty is called with the physical page, its offset from the VMA
	// start and its size, before the TLB flush.
	Dirty(pa memory.Phys, offset uint64, size uint64)

	// Finalize runs after the flush; write-back errors surface here.
	Finalize() error
}

// DirtyCleaner clears the dirty bit of every dirty entry in the range
// and enqueues the page with its handler, which typically writes it
// back to a file.
type DirtyCleaner struct {
	opDefaults
	handler   DirtyHandler
	doFlush   bool
	accounted uint64
}

// NewDirtyCleaner returns a DirtyCleaner operation.
func NewDirtyCleaner(handler DirtyHandler) *DirtyCleaner {
	return &DirtyCleaner{handler: handler}
}

func (*DirtyCleaner) requiresAlloc() bool { return false }
func (*DirtyCleaner) skipEmpty() bool     { return true }
func (*DirtyCleaner) descend() bool       { return true }
func (*DirtyCleaner) pageSizes() int      { return nrPageSizes }

func (d *DirtyCleaner) page(level int, ptep *PTE, offset uint64) bool {
	pte := ptep.Read()
	if !pte.Dirty() {
		return true
	}
	d.doFlush = true
	pte.SetDirty(false)
	ptep.Write(pte)
	d.accounted += levelSize(level)
	d.handler.Dirty(pte.Addr(), offset, levelSize(level))
	return true
}

func (d *DirtyCleaner) tlbFlushNeeded() bool { return d.doFlush }
func (d *DirtyCleaner) finalize() error       { return d.handler.Finalize() }
func (d *DirtyCleaner) accountResults() uint64 { return d.accounted }

// CleanupIntermediate drops level-0 tables that no longer hold any
// live entry. The table pages survive one RCU grace period before
// reuse so that concurrent lockless walkers never dereference a freed
// table.
type CleanupIntermediate struct {
	opDefaults
	pt       *PageTables
	livePTEs int
	doFlush  bool
}

// NewCleanupIntermediate returns a CleanupIntermediate operation.
func NewCleanupIntermediate(pt *PageTables) *CleanupIntermediate {
	return &CleanupIntermediate{pt: pt}
}

func (*CleanupIntermediate) requiresAlloc() bool    { return false }
func (*CleanupIntermediate) skipEmpty() bool        { return true }
func (*CleanupIntermediate) descend() bool          { return true }
func (*CleanupIntermediate) requiresSplit(int) bool { return false }
func (*CleanupIntermediate) pageSizes() int         { return nrPageSizes }

func (c *CleanupIntermediate) page(level int, ptep *PTE, offset uint64) bool {
	if !largeCapable(level) {
		c.livePTEs++
	}
	return true
}

func (c *CleanupIntermediate) intermediatePre(ptep *PTE, offset uint64) {
	c.livePTEs = 0
}

func (c *CleanupIntermediate) intermediatePost(ptep *PTE, offset uint64) {
	if c.livePTEs != 0 {
		return
	}
	old := ptep.Read()
	table := c.pt.Allocator.LookupPTEs(old.Addr())
	for i := range table {
		if e := table[i].Read(); !e.Empty() {
			panic(fmt.Sprintf("cleanup of live intermediate table: entry %d = %#x", i, uint64(e)))
		}
	}
	ptep.Write(EmptyEntry)
	alloc := c.pt.Allocator
	rcu.Defer(func() { alloc.FreePTEs(table) })
	c.doFlush = true
}

func (c *CleanupIntermediate) tlbFlushNeeded() bool { return c.doFlush }

// SplitHuge forces existing 2MiB mappings in the range down to 4KiB
// mappings, for madvise(NOHUGEPAGE).
type SplitHuge struct {
	opDefaults
}

// NewSplitHuge returns a SplitHuge operation.
func NewSplitHuge() *SplitHuge {
	return &SplitHuge{}
}

func (*SplitHuge) requiresAlloc() bool { return false }
func (*SplitHuge) skipEmpty() bool     { return true }
func (*SplitHuge) descend() bool       { return true }
func (*SplitHuge) pageSizes() int      { return 1 }

func (*SplitHuge) page(level int, ptep *PTE, offset uint64) bool {
	if largeCapable(level) {
		panic("split left a large page behind")
	}
	return true
}

// MemAttr selects the memory attributes of a linear mapping.
type MemAttr int

// Linear-map memory attributes.
const (
	MemAttrNormal MemAttr = iota
	MemAttrDevice
)

const (
	entryPWT Entry = 1 << 3
	entryPCD Entry = 1 << 4
)

// LinearMapper eagerly writes leaf entries mapping the walked range
// 1:1 onto [start, start+size) physical.
type LinearMapper struct {
	opDefaults
	start memory.Phys
	end   memory.Phys
	attr  MemAttr
}

// NewLinearMapper returns a LinearMapper operation.
func NewLinearMapper(start memory.Phys, size uint64, attr MemAttr) *LinearMapper {
	return &LinearMapper{start: start, end: start + memory.Phys(size), attr: attr}
}

func (*LinearMapper) requiresAlloc() bool { return true }
func (*LinearMapper) skipEmpty() bool     { return false }
func (*LinearMapper) descend() bool       { return false }
func (*LinearMapper) pageSizes() int      { return nrPageSizes }

func (l *LinearMapper) page(level int, ptep *PTE, offset uint64) bool {
	pa := l.start + memory.Phys(offset)
	if pa >= l.end {
		panic(fmt.Sprintf("linear map overrun: %#x >= %#x", uint64(pa), uint64(l.end)))
	}
	e := MakeLeafEntry(level, pa, hostarch.AnyAccess)
	if l.attr == MemAttrDevice {
		e |= entryPWT | entryPCD
	}
	ptep.Write(e)
	return true
}

// nrPageSizes is the number of leaf page sizes in use (4KiB and
// 2MiB). 1GiB pages are not used.
const nrPageSizes = 2
