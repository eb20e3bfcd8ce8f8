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
	"sync/atomic"

	"ukern.dev/ukern/pkg/hostarch"
	"ukern.dev/ukern/pkg/memory"
)

// Entry is the raw 64-bit value of a page-table entry. The bit layout
// is the x86-64 one; this file is the only place that knows it.
type Entry uint64

const (
	entryValid    Entry = 1 << 0
	entryWritable Entry = 1 << 1
	entryUser     Entry = 1 << 2
	entryAccessed Entry = 1 << 5
	entryDirty    Entry = 1 << 6
	entryLarge    Entry = 1 << 7
	entryGlobal   Entry = 1 << 8
	entryNoExec   Entry = 1 << 63

	// Software bits 9-11 are ignored by hardware.

	// entryCOW marks a level-0 entry as copy-on-write. A COW entry is
	// never writable.
	entryCOW Entry = 1 << 9

	// entryPermNone marks an entry that is populated but was
	// mprotect()ed to PROT_NONE. The valid bit stays set, so unpopulate
	// still finds the backing page; software access checks treat the
	// entry as inaccessible.
	entryPermNone Entry = 1 << 10

	entryAddrMask Entry = 0x000f_ffff_ffff_f000
)

// EmptyEntry is the value of an entry that maps nothing.
const EmptyEntry Entry = 0

// Empty returns true if the entry maps nothing and holds no state.
func (e Entry) Empty() bool { return e == EmptyEntry }

// Valid returns true if the entry is present.
func (e Entry) Valid() bool { return e&entryValid != 0 }

// Writable returns the writable bit.
func (e Entry) Writable() bool { return e&entryWritable != 0 }

// Executable returns true unless the no-execute bit is set.
func (e Entry) Executable() bool { return e&entryNoExec == 0 }

// Dirty returns the dirty bit.
func (e Entry) Dirty() bool { return e&entryDirty != 0 }

// Accessed returns the accessed bit.
func (e Entry) Accessed() bool { return e&entryAccessed != 0 }

// Large returns the large (2MiB leaf) bit. Only meaningful on level-1
// entries.
func (e Entry) Large() bool { return e&entryLarge != 0 }

// COW returns the copy-on-write software bit.
func (e Entry) COW() bool { return e&entryCOW != 0 }

// PermNone returns the populated-but-inaccessible software bit.
func (e Entry) PermNone() bool { return e&entryPermNone != 0 }

// Addr returns the physical address the entry points at.
func (e Entry) Addr() memory.Phys { return memory.Phys(e & entryAddrMask) }

// SetValid sets the present bit.
func (e *Entry) SetValid(v bool) { e.setBit(entryValid, v) }

// SetWritable sets the writable bit.
func (e *Entry) SetWritable(v bool) { e.setBit(entryWritable, v) }

// SetExecutable sets or clears the no-execute bit.
func (e *Entry) SetExecutable(v bool) { e.setBit(entryNoExec, !v) }

// SetDirty sets the dirty bit.
func (e *Entry) SetDirty(v bool) { e.setBit(entryDirty, v) }

// SetAccessed sets the accessed bit.
func (e *Entry) SetAccessed(v bool) { e.setBit(entryAccessed, v) }

// SetLarge sets the large bit.
func (e *Entry) SetLarge(v bool) { e.setBit(entryLarge, v) }

// SetPermNone sets the populated-but-inaccessible software bit.
func (e *Entry) SetPermNone(v bool) { e.setBit(entryPermNone, v) }

// SetAddr replaces the physical address of the entry.
func (e *Entry) SetAddr(pa memory.Phys) {
	*e = (*e &^ entryAddrMask) | (Entry(pa) & entryAddrMask)
}

func (e *Entry) setBit(bit Entry, v bool) {
	if v {
		*e |= bit
	} else {
		*e &^= bit
	}
}

// MarkCOW returns e with the copy-on-write software bit set or
// cleared. A COW entry loses its writable bit; only 4KiB entries may
// be COW.
func MarkCOW(e Entry, cow bool) Entry {
	if cow {
		e.SetWritable(false)
		e |= entryCOW
	} else {
		e &^= entryCOW
	}
	return e
}

// MakeLeafEntry builds a leaf entry for the given level.
func MakeLeafEntry(level int, pa memory.Phys, perm hostarch.AccessType) Entry {
	e := entryUser
	e.SetAddr(pa)
	e.SetValid(true)
	e.SetWritable(perm.Write)
	e.SetExecutable(perm.Execute)
	if level > 0 {
		e.SetLarge(true)
	}
	return e
}

// makeIntermediateEntry builds a non-leaf entry pointing at the table
// at pa. Intermediate entries are maximally permissive; the leaf
// governs the effective permissions.
func makeIntermediateEntry(pa memory.Phys) Entry {
	e := entryValid | entryWritable | entryUser
	e.SetAddr(pa)
	return e
}

// PTE is a single hardware page-table slot. All accesses are atomic.
type PTE struct {
	val atomic.Uint64
}

// Read returns the entry value.
func (p *PTE) Read() Entry {
	return Entry(p.val.Load())
}

// Write stores the entry value.
func (p *PTE) Write(e Entry) {
	p.val.Store(uint64(e))
}

// CompareAndSwap installs new iff the slot still holds old.
func (p *PTE) CompareAndSwap(old, new Entry) bool {
	return p.val.CompareAndSwap(uint64(old), uint64(new))
}

// entriesPerPage is the number of entries in one page-table page.
const entriesPerPage = 512

// PTEs is one page worth of page-table entries.
type PTEs [entriesPerPage]PTE

// Level geometry. Levels run 3 (root) down to 0 (4KiB leaves); level 1
// entries may be large (2MiB leaves).
const (
	// LastLevel is the root level of the page table.
	LastLevel = 3

	pteShiftPerLevel = 9
)

// levelShift is the bit position of the index for the given level.
func levelShift(level int) uint {
	return hostarch.PageShift + pteShiftPerLevel*uint(level)
}

// levelSize is the number of bytes mapped by one entry at the given
// level.
func levelSize(level int) uint64 {
	return uint64(1) << levelShift(level)
}

// levelIndex is the index of the entry covering addr at the given
// level.
func levelIndex(addr hostarch.Addr, level int) uint {
	return uint(addr>>levelShift(level)) & (entriesPerPage - 1)
}

// levelMask has 1s in the bits provided by an entry at the given level
// and 0s in the bits provided by the virtual address.
func levelMask(level int) uint64 {
	return ^(levelSize(level) - 1)
}

// leafCapable returns whether an entry at the given level can map
// memory directly.
func leafCapable(level int) bool {
	return level == 0 || level == 1
}

// largeCapable returns whether an entry at the given level can be a
// large page.
func largeCapable(level int) bool {
	return level == 1
}
