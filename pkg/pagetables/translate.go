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
	"ukern.dev/ukern/pkg/hostarch"
	"ukern.dev/ukern/pkg/memory"
	"ukern.dev/ukern/pkg/rcu"
)

// pteVisit reads the single leaf entry covering one address.
type pteVisit struct {
	opDefaults
	entry Entry
	level int
	found bool
}

func (*pteVisit) requiresAlloc() bool    { return false }
func (*pteVisit) skipEmpty() bool        { return true }
func (*pteVisit) descend() bool          { return true }
func (*pteVisit) once() bool             { return true }
func (*pteVisit) requiresSplit(int) bool { return false }
func (*pteVisit) pageSizes() int         { return nrPageSizes }

func (p *pteVisit) page(level int, ptep *PTE, offset uint64) bool {
	p.entry = ptep.Read()
	p.level = level
	p.found = true
	return true
}

func (p *pteVisit) subPage(ptep *PTE, level int, offset uint64) {
	p.page(level, ptep, offset)
}

// VisitPTE returns the leaf entry covering v and its level. The walk
// runs inside an RCU read-side critical section, so it is safe against
// concurrent unpopulate dropping intermediate tables.
func (pt *PageTables) VisitPTE(v hostarch.Addr) (Entry, int, bool) {
	vbase := v.RoundDown()
	op := &pteVisit{}
	rcu.ReadLock()
	OperateRange(pt, op, vbase, vbase, hostarch.PageSize)
	rcu.ReadUnlock()
	return op.entry, op.level, op.found
}

// VirtToPhys translates v to a physical address, composing the leaf
// entry's frame with the low virtual bits. It fails if no mapping is
// present.
func (pt *PageTables) VirtToPhys(v hostarch.Addr) (memory.Phys, bool) {
	e, level, ok := pt.VisitPTE(v)
	if !ok || e.Empty() {
		return 0, false
	}
	return e.Addr() | memory.Phys(uint64(v)&^levelMask(level)), true
}

// mmuSetBits updates the accessed and dirty bits of one leaf entry the
// way the hardware walk would on a load or store.
type mmuSetBits struct {
	opDefaults
	write bool
}

func (*mmuSetBits) requiresAlloc() bool    { return false }
func (*mmuSetBits) skipEmpty() bool        { return true }
func (*mmuSetBits) descend() bool          { return true }
func (*mmuSetBits) once() bool             { return true }
func (*mmuSetBits) requiresSplit(int) bool { return false }
func (*mmuSetBits) pageSizes() int         { return nrPageSizes }

func (m *mmuSetBits) page(level int, ptep *PTE, offset uint64) bool {
	pte := ptep.Read()
	pte.SetAccessed(true)
	if m.write {
		pte.SetDirty(true)
	}
	ptep.Write(pte)
	return true
}

func (m *mmuSetBits) subPage(ptep *PTE, level int, offset uint64) {
	m.page(level, ptep, offset)
}

// MarkAccessed emulates the MMU's accessed/dirty update for a load
// (write false) or store (write true) through v.
func (pt *PageTables) MarkAccessed(v hostarch.Addr, write bool) {
	vbase := v.RoundDown()
	op := &mmuSetBits{write: write}
	rcu.ReadLock()
	OperateRange(pt, op, vbase, vbase, hostarch.PageSize)
	rcu.ReadUnlock()
}
