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
	"testing"

	"golang.org/x/sync/errgroup"

	"ukern.dev/ukern/pkg/hostarch"
)

func TestAllocateSuperblocksConcurrent(t *testing.T) {
	mm := testMemoryManager(t)

	// Many claimants racing with CAS must end up with disjoint runs.
	const claimants = 16
	results := make([]uint64, claimants)
	var g errgroup.Group
	for c := 0; c < claimants; c++ {
		c := c
		g.Go(func() error {
			first, err := mm.sb.allocateSuperblocks(2, uint32(c))
			if err != nil {
				return err
			}
			results[c] = first
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("allocateSuperblocks got err %v want nil", err)
	}
	seen := make(map[uint64]int)
	for c, first := range results {
		for i := uint64(0); i < 2; i++ {
			if prev, ok := seen[first+i]; ok {
				t.Fatalf("superblock %d claimed by both %d and %d", first+i, prev, c)
			}
			seen[first+i] = c
			if got := mm.sb.superblocks[first+i].Load(); got != uint32(c) {
				t.Errorf("superblock %d owned by %d want %d", first+i, got, c)
			}
		}
	}
}

func TestAllocateSuperblocksSkipsOccupied(t *testing.T) {
	mm := testMemoryManager(t)

	// Cell 1 is taken, so the first run of two free cells starts at 2.
	mm.sb.superblocks[1].Store(7)
	first, err := mm.sb.allocateSuperblocks(2, 3)
	if err != nil {
		t.Fatalf("allocateSuperblocks got err %v want nil", err)
	}
	if first != 2 {
		t.Errorf("allocation landed at %d want 2", first)
	}
	if got := mm.sb.superblocks[0].Load(); got != ownerFree {
		t.Errorf("superblock 0 left as %d want free", got)
	}
	mm.sb.releaseSuperblocks(first, 2, 3)
	if got := mm.sb.superblocks[2].Load(); got != ownerFree {
		t.Errorf("release left superblock 2 as %d want free", got)
	}
}

func TestFreeRangeCoalescing(t *testing.T) {
	mm := testMemoryManager(t)
	w := &mm.sb.workers[0]

	w.freeMu.Lock()
	base := hostarch.SuperblockAreaBase
	m := mm.sb
	m.freeRangeLocked(w, base, hostarch.PageSize)
	m.freeRangeLocked(w, base+2*hostarch.PageSize, hostarch.PageSize)
	if got := w.freeRanges.Len(); got != 2 {
		t.Fatalf("disjoint frees produced %d entries want 2", got)
	}
	// Filling the gap must merge all three.
	m.freeRangeLocked(w, base+hostarch.PageSize, hostarch.PageSize)
	if got := w.freeRanges.Len(); got != 1 {
		t.Fatalf("free-range map has %d entries want 1", got)
	}
	r, _ := w.freeRanges.Min()
	if r.start != base || r.size != 3*hostarch.PageSize {
		t.Errorf("merged range %+v want {%v %d}", r, base, 3*hostarch.PageSize)
	}
	w.freeMu.Unlock()
}

func TestAllocateRangeSplitsFreeRange(t *testing.T) {
	mm := testMemoryManager(t)

	// Reserve a superblock for cpu 0 by mapping, then allocate a hole
	// from the middle of its free range.
	addr, err := mm.MapAnon(0, hostarch.PageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	w := mm.sb.workerFor(addr)

	hole := addr + 16*hostarch.PageSize
	if err := mm.sb.allocateRange(hole, hostarch.PageSize); err != nil {
		t.Fatalf("allocateRange got err %v want nil", err)
	}
	w.freeMu.RLock()
	if _, found := findFreeRangeCovering(w, hole, hostarch.PageSize); found {
		t.Error("allocated hole still in free map")
	}
	w.freeMu.RUnlock()

	// Allocating it again must fail.
	if err := mm.sb.allocateRange(hole, hostarch.PageSize); err == nil {
		t.Error("double allocateRange succeeded")
	}
	mm.sb.freeRangeFor(hole, hostarch.PageSize)
	checkFreeRangeInvariant(t, mm)
}

func TestGenerateOwnerList(t *testing.T) {
	mm := testMemoryManager(t)

	// Two adjacent superblocks with different owners.
	mm.sb.superblocks[0].Store(0)
	mm.sb.superblocks[1].Store(0)
	mm.sb.superblocks[2].Store(1)

	start := hostarch.SuperblockAreaBase
	size := 3 * hostarch.SuperblockSize
	segs := mm.sb.generateOwnerList(start, size)
	if len(segs) != 2 {
		t.Fatalf("got %d segments want 2: %+v", len(segs), segs)
	}
	if segs[0].owner != 0 || segs[0].start != start || segs[0].size != 2*hostarch.SuperblockSize {
		t.Errorf("segment 0 = %+v", segs[0])
	}
	if segs[1].owner != 1 || segs[1].size != hostarch.SuperblockSize {
		t.Errorf("segment 1 = %+v", segs[1])
	}

	// A range entirely outside the superblock area is one kernel
	// segment.
	segs = mm.sb.generateOwnerList(hostarch.MainMemAreaBase, hostarch.PageSize)
	if len(segs) != 1 || segs[0].owner != kernelWorker {
		t.Errorf("kernel-range segments = %+v", segs)
	}
}

func TestReserveRangeReusesTerritory(t *testing.T) {
	mm := testMemoryManager(t)

	a1, err := mm.sb.reserveRange(hostarch.PageSize)
	if err != nil {
		t.Fatalf("reserveRange got err %v want nil", err)
	}
	a2, err := mm.sb.reserveRange(hostarch.PageSize)
	if err != nil {
		t.Fatalf("reserveRange got err %v want nil", err)
	}
	// Both come from the same single superblock claimed on first use.
	if superblockIndex(a1) != superblockIndex(a2) {
		t.Errorf("second reserve claimed a new superblock: %v, %v", a1, a2)
	}
	if a1 == a2 {
		t.Error("reserveRange returned the same range twice")
	}
}

func TestFindIntersectingVMAs(t *testing.T) {
	mm := testMemoryManager(t)

	a, err := mm.MapAnon(0, 4*hostarch.PageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	w := mm.sb.workerFor(a)
	w.vmaMu.RLock()
	defer w.vmaMu.RUnlock()

	if v, ok := w.findIntersecting(a + hostarch.PageSize); !ok || v.Start() != a {
		t.Errorf("lookup inside VMA failed: ok %t", ok)
	}
	if _, ok := w.findIntersecting(a + 4*hostarch.PageSize); ok {
		t.Error("lookup one past the end matched")
	}
	if got := w.findIntersectingRange(hostarch.AddrRange{Start: a - hostarch.PageSize, End: a + hostarch.PageSize}); len(got) != 1 {
		t.Errorf("range lookup found %d VMAs want 1", len(got))
	}
	if got := w.findIntersectingRange(hostarch.AddrRange{Start: a, End: a}); got != nil {
		t.Errorf("empty range matched %d VMAs", len(got))
	}
}
