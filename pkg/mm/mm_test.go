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
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"ukern.dev/ukern/pkg/hostarch"
	"ukern.dev/ukern/pkg/memory"
	"ukern.dev/ukern/pkg/rcu"
	"ukern.dev/ukern/pkg/sched"
)

func testMemoryManager(t *testing.T) *MemoryManager {
	t.Helper()
	mem, err := memory.NewHostAllocator(512 << 20)
	if err != nil {
		t.Fatalf("NewHostAllocator got err %v want nil", err)
	}
	t.Cleanup(func() {
		sched.SetCPUProvider(nil)
		rcu.Synchronize()
		mem.Destroy()
	})
	return New(mem)
}

func wantSignal(t *testing.T, err error, sig unix.Signal) {
	t.Helper()
	var se *SignalError
	if !errors.As(err, &se) {
		t.Fatalf("got err %v want signal %v", err, sig)
	}
	if se.Signal != sig {
		t.Fatalf("got signal %v want %v", se.Signal, sig)
	}
}

func TestMapAnonReadWrite(t *testing.T) {
	mm := testMemoryManager(t)

	addr, err := mm.MapAnon(0, 8192, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	if !addr.IsPageAligned() {
		t.Fatalf("MapAnon returned unaligned address %v", addr)
	}

	if err := mm.WriteBytes(addr+100, []byte{0x17}); err != nil {
		t.Fatalf("write at +100 got err %v want nil", err)
	}
	if err := mm.WriteBytes(addr+5000, []byte{0x42}); err != nil {
		t.Fatalf("write at +5000 got err %v want nil", err)
	}
	var b [1]byte
	if err := mm.ReadBytes(addr+100, b[:]); err != nil || b[0] != 0x17 {
		t.Errorf("read at +100 got (%#x, %v) want (0x17, nil)", b[0], err)
	}
	if err := mm.ReadBytes(addr+5000, b[:]); err != nil || b[0] != 0x42 {
		t.Errorf("read at +5000 got (%#x, %v) want (0x42, nil)", b[0], err)
	}

	want := fmt.Sprintf("%x-%x rw-p 00000000 00:00 0\n", uint64(addr), uint64(addr)+8192)
	if got := mm.ProcfsMaps(); got != want {
		t.Errorf("maps diff (-want +got):\n%s", cmp.Diff(want, got))
	}
}

func TestMapAnonZeroFilled(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MapAnon(0, 4096, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	b := make([]byte, 4096)
	b[0] = 0xff
	if err := mm.ReadBytes(addr, b); err != nil {
		t.Fatalf("read got err %v want nil", err)
	}
	if !bytes.Equal(b, make([]byte, 4096)) {
		t.Error("anonymous page not zero-filled")
	}
}

func TestMapAnonZeroSize(t *testing.T) {
	mm := testMemoryManager(t)
	if _, err := mm.MapAnon(0, 0, 0, hostarch.ReadWrite); err != unix.EINVAL {
		t.Errorf("MapAnon(size=0) got err %v want EINVAL", err)
	}
}

func TestMprotectSplitsVMA(t *testing.T) {
	mm := testMemoryManager(t)

	addr, err := mm.MapAnon(0, 3*hostarch.PageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	// Populate so that mprotect also rewrites live entries.
	if err := mm.WriteBytes(addr+hostarch.PageSize, []byte{1}); err != nil {
		t.Fatalf("write got err %v want nil", err)
	}
	if err := mm.Mprotect(addr+hostarch.PageSize, hostarch.PageSize, hostarch.Read); err != nil {
		t.Fatalf("Mprotect got err %v want nil", err)
	}

	a := uint64(addr)
	want := fmt.Sprintf("%x-%x rw-p 00000000 00:00 0\n", a, a+0x1000) +
		fmt.Sprintf("%x-%x r--p 00000000 00:00 0\n", a+0x1000, a+0x2000) +
		fmt.Sprintf("%x-%x rw-p 00000000 00:00 0\n", a+0x2000, a+0x3000)
	if got := mm.ProcfsMaps(); got != want {
		t.Errorf("maps diff (-want +got):\n%s", cmp.Diff(want, got))
	}

	err = mm.WriteBytes(addr+hostarch.PageSize, []byte{2})
	wantSignal(t, err, unix.SIGSEGV)

	// The page is still readable and keeps its contents.
	var b [1]byte
	if err := mm.ReadBytes(addr+hostarch.PageSize, b[:]); err != nil || b[0] != 1 {
		t.Errorf("read after protect got (%#x, %v) want (1, nil)", b[0], err)
	}
}

func TestMprotectIdempotentPerm(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MapAnon(0, 2*hostarch.PageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	// mprotect(perm1) then mprotect(perm2) must equal mprotect(perm2);
	// in particular re-protecting with the current permissions must not
	// split anything.
	if err := mm.Mprotect(addr, hostarch.PageSize, hostarch.ReadWrite); err != nil {
		t.Fatalf("Mprotect got err %v want nil", err)
	}
	if got := strings.Count(mm.ProcfsMaps(), "\n"); got != 1 {
		t.Errorf("same-perm mprotect split the VMA: %d entries", got)
	}
	if err := mm.Mprotect(addr, 2*hostarch.PageSize, hostarch.Read); err != nil {
		t.Fatalf("Mprotect got err %v want nil", err)
	}
	if err := mm.Mprotect(addr, 2*hostarch.PageSize, hostarch.ReadWrite); err != nil {
		t.Fatalf("Mprotect got err %v want nil", err)
	}
	if err := mm.WriteBytes(addr, []byte{1}); err != nil {
		t.Errorf("write after re-widening got err %v want nil", err)
	}
}

func TestMprotectUnmapped(t *testing.T) {
	mm := testMemoryManager(t)
	if err := mm.Mprotect(hostarch.SuperblockAreaBase, hostarch.PageSize, hostarch.Read); err != unix.ENOMEM {
		t.Errorf("Mprotect(unmapped) got err %v want ENOMEM", err)
	}
}

func TestMunmapMiddle(t *testing.T) {
	mm := testMemoryManager(t)

	const piece = hostarch.HugePageSize
	addr, err := mm.MapAnon(0, 3*piece, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	if !addr.IsHugePageAligned() {
		t.Fatalf("fresh superblock mapping %v not huge-aligned", addr)
	}
	if err := mm.Munmap(addr+piece, piece); err != nil {
		t.Fatalf("Munmap got err %v want nil", err)
	}

	a := uint64(addr)
	want := fmt.Sprintf("%x-%x rw-p 00000000 00:00 0\n", a, a+piece) +
		fmt.Sprintf("%x-%x rw-p 00000000 00:00 0\n", a+2*piece, a+3*piece)
	if got := mm.ProcfsMaps(); got != want {
		t.Errorf("maps diff (-want +got):\n%s", cmp.Diff(want, got))
	}
	if mm.IsMapped(addr+piece, piece) {
		t.Error("middle still mapped after munmap")
	}

	// The hole is back in the owning worker's free-range map.
	w := mm.sb.workerFor(addr + piece)
	w.freeMu.RLock()
	_, found := findFreeRangeCovering(w, addr+piece, piece)
	w.freeMu.RUnlock()
	if !found {
		t.Error("munmapped hole not in the free-range map")
	}
}

func findFreeRangeCovering(w *worker, addr hostarch.Addr, size uint64) (freeRange, bool) {
	var got freeRange
	found := false
	w.freeRanges.Ascend(func(r freeRange) bool {
		if r.start <= addr && addr+hostarch.Addr(size) <= r.start+hostarch.Addr(r.size) {
			got, found = r, true
			return false
		}
		return true
	})
	return got, found
}

func TestMunmapRoundTrip(t *testing.T) {
	mm := testMemoryManager(t)

	addr, err := mm.MapAnon(0, 64*hostarch.PageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	if err := mm.WriteBytes(addr, []byte{1}); err != nil {
		t.Fatalf("write got err %v want nil", err)
	}
	if err := mm.Munmap(addr, 64*hostarch.PageSize); err != nil {
		t.Fatalf("Munmap got err %v want nil", err)
	}
	if got := mm.ProcfsMaps(); got != "" {
		t.Errorf("maps not empty after full unmap:\n%s", got)
	}
	if mm.AllVMAsSize() != 0 {
		t.Errorf("AllVMAsSize = %d after full unmap", mm.AllVMAsSize())
	}
	checkFreeRangeInvariant(t, mm)

	// The space is reusable.
	if _, err := mm.MapAnon(0, 64*hostarch.PageSize, 0, hostarch.ReadWrite); err != nil {
		t.Errorf("remap after munmap got err %v want nil", err)
	}
}

// checkFreeRangeInvariant verifies that no two adjacent free ranges
// exist in any worker: they must have been merged.
func checkFreeRangeInvariant(t *testing.T, mm *MemoryManager) {
	t.Helper()
	for i := range mm.sb.workers {
		w := &mm.sb.workers[i]
		w.freeMu.RLock()
		var prev freeRange
		have := false
		w.freeRanges.Ascend(func(r freeRange) bool {
			if have && prev.start+hostarch.Addr(prev.size) == r.start {
				t.Errorf("worker %d: adjacent free ranges %+v and %+v not merged", i, prev, r)
			}
			prev, have = r, true
			return true
		})
		w.freeMu.RUnlock()
	}
}

func TestMunmapUnmapped(t *testing.T) {
	mm := testMemoryManager(t)
	if err := mm.Munmap(hostarch.SuperblockAreaBase, hostarch.PageSize); err != unix.EINVAL {
		t.Errorf("Munmap(unmapped) got err %v want EINVAL", err)
	}
}

func TestMunmapAnonWholeVMA(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MapAnon(0, 4*hostarch.PageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	if err := mm.MunmapAnon(addr + 2*hostarch.PageSize); err != nil {
		t.Fatalf("MunmapAnon got err %v want nil", err)
	}
	if mm.IsMapped(addr, hostarch.PageSize) {
		t.Error("VMA survived MunmapAnon")
	}
}

func TestMapFixed(t *testing.T) {
	mm := testMemoryManager(t)

	fixed := hostarch.SuperblockAreaBase + hostarch.Addr(4*hostarch.SuperblockSize)
	addr, err := mm.MapAnon(fixed, 2*hostarch.PageSize, MapFixed, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon(fixed) got err %v want nil", err)
	}
	if addr != fixed {
		t.Fatalf("fixed mapping landed at %v want %v", addr, fixed)
	}
	if err := mm.WriteBytes(fixed, []byte{0x77}); err != nil {
		t.Fatalf("write got err %v want nil", err)
	}

	// Remapping over it evacuates the old contents.
	if _, err := mm.MapAnon(fixed, 2*hostarch.PageSize, MapFixed, hostarch.ReadWrite); err != nil {
		t.Fatalf("overlapping fixed map got err %v want nil", err)
	}
	var b [1]byte
	if err := mm.ReadBytes(fixed, b[:]); err != nil || b[0] != 0 {
		t.Errorf("read after remap got (%#x, %v) want (0, nil)", b[0], err)
	}
	checkOwnershipInvariant(t, mm)
}

func TestMapFixedUnaligned(t *testing.T) {
	mm := testMemoryManager(t)
	if _, err := mm.MapAnon(hostarch.SuperblockAreaBase+1, hostarch.PageSize, MapFixed, hostarch.ReadWrite); err != unix.EINVAL {
		t.Errorf("unaligned fixed map got err %v want EINVAL", err)
	}
}

// checkOwnershipInvariant verifies that every byte of every VMA lies in
// superblocks owned by the VMA's worker.
func checkOwnershipInvariant(t *testing.T, mm *MemoryManager) {
	t.Helper()
	for i := range mm.sb.workers {
		w := &mm.sb.workers[i]
		w.vmaMu.RLock()
		w.vmas.Ascend(func(v VMA) bool {
			if v.Size() == 0 {
				return true
			}
			for addr := v.Start(); addr < v.End(); addr += hostarch.Addr(hostarch.SuperblockSize) {
				if got := mm.sb.ownerOf(addr); got != i {
					t.Errorf("VMA %v in worker %d spans superblock owned by %d", v.Range(), i, got)
				}
			}
			return true
		})
		w.vmaMu.RUnlock()
	}
}

func TestMapPopulate(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MapAnon(0, 4*hostarch.PageSize, MapPopulate, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon(populate) got err %v want nil", err)
	}
	for i := hostarch.Addr(0); i < 4*hostarch.PageSize; i += hostarch.PageSize {
		if _, ok := mm.translateNoFault(addr+i, hostarch.Read); !ok {
			t.Errorf("page +%#x not resident after MAP_POPULATE", uint64(i))
		}
	}
}

func TestFaultHugePromotion(t *testing.T) {
	mm := testMemoryManager(t)

	addr, err := mm.MapAnon(0, 2*hostarch.HugePageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	if !addr.IsHugePageAligned() {
		t.Fatalf("mapping %v not huge-aligned", addr)
	}
	// Fault in the middle of the first huge region.
	if err := mm.Fault(addr+hostarch.HugePageSize/2, FaultWrite); err != nil {
		t.Fatalf("fault got err %v want nil", err)
	}
	e, level, ok := mm.pt.VisitPTE(addr)
	if !ok || level != 1 || !e.Large() {
		t.Errorf("after interior fault: ok %t level %d large %t, want one level-1 large entry", ok, level, e.Large())
	}
}

func TestFaultSmallFlag(t *testing.T) {
	mm := testMemoryManager(t)

	addr, err := mm.MapAnon(0, 2*hostarch.HugePageSize, MapSmall, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	if err := mm.Fault(addr+hostarch.HugePageSize/2, FaultWrite); err != nil {
		t.Fatalf("fault got err %v want nil", err)
	}
	if _, level, ok := mm.pt.VisitPTE(addr + hostarch.HugePageSize/2); !ok || level != 0 {
		t.Errorf("MapSmall fault installed level-%d entry want 0", level)
	}
}

func TestFaultEdgeNoPromotion(t *testing.T) {
	mm := testMemoryManager(t)

	addr, err := mm.MapAnon(0, 2*hostarch.HugePageSize+hostarch.PageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	// The trailing page lies outside the huge-aligned interior.
	tail := addr + 2*hostarch.HugePageSize
	if err := mm.Fault(tail, FaultWrite); err != nil {
		t.Fatalf("fault got err %v want nil", err)
	}
	if _, level, ok := mm.pt.VisitPTE(tail); !ok || level != 0 {
		t.Errorf("edge fault installed level-%d entry want 0", level)
	}
}

func TestFaultOutsideVMA(t *testing.T) {
	mm := testMemoryManager(t)
	err := mm.Fault(hostarch.SuperblockAreaBase+0x1000, FaultWrite)
	wantSignal(t, err, unix.SIGSEGV)
}

func TestFaultExecOnNoExec(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MapAnon(0, hostarch.PageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	wantSignal(t, mm.Fault(addr, FaultInsn), unix.SIGSEGV)
}

func TestFaultFilter(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MapAnon(0, hostarch.PageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	mm.SetFaultFilter(func(hostarch.Addr) bool { return true })
	wantSignal(t, mm.Fault(addr, FaultWrite), unix.SIGSEGV)
	mm.SetFaultFilter(nil)
	if err := mm.Fault(addr, FaultWrite); err != nil {
		t.Errorf("fault after filter removal got err %v want nil", err)
	}
}

func TestConcurrentPopulateSamePage(t *testing.T) {
	mm := testMemoryManager(t)

	addr, err := mm.MapAnon(0, hostarch.PageSize, MapSmall, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	for round := 0; round < 50; round++ {
		var g errgroup.Group
		for i := 0; i < 2; i++ {
			g.Go(func() error {
				return mm.Fault(addr, FaultWrite)
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("round %d: concurrent fault got err %v want nil", round, err)
		}
		pa1, ok1 := mm.pt.VirtToPhys(addr)
		if !ok1 {
			t.Fatalf("round %d: page not mapped after faults", round)
		}
		pa2, _ := mm.pt.VirtToPhys(addr)
		if pa1 != pa2 {
			t.Fatalf("round %d: translation unstable: %#x vs %#x", round, uint64(pa1), uint64(pa2))
		}
		if err := mm.Madvise(addr, hostarch.PageSize, AdviseDontneed); err != nil {
			t.Fatalf("round %d: madvise got err %v want nil", round, err)
		}
	}
}

func TestMadviseDontneed(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MapAnon(0, 2*hostarch.PageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	if err := mm.WriteBytes(addr, []byte{0xaa}); err != nil {
		t.Fatalf("write got err %v want nil", err)
	}
	if err := mm.Madvise(addr, 2*hostarch.PageSize, AdviseDontneed); err != nil {
		t.Fatalf("Madvise got err %v want nil", err)
	}
	var b [1]byte
	if err := mm.ReadBytes(addr, b[:]); err != nil || b[0] != 0 {
		t.Errorf("read after DONTNEED got (%#x, %v) want (0, nil)", b[0], err)
	}
}

func TestMadviseNohugepage(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MapAnon(0, 2*hostarch.HugePageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	if err := mm.Fault(addr, FaultWrite); err != nil {
		t.Fatalf("fault got err %v want nil", err)
	}
	if _, level, _ := mm.pt.VisitPTE(addr); level != 1 {
		t.Fatalf("setup: expected huge mapping, got level %d", level)
	}
	if err := mm.Madvise(addr, 2*hostarch.HugePageSize, AdviseNohugepage); err != nil {
		t.Fatalf("Madvise got err %v want nil", err)
	}
	if _, level, ok := mm.pt.VisitPTE(addr); !ok || level != 0 {
		t.Errorf("after NOHUGEPAGE: level %d want 0", level)
	}
	// Later faults stay small.
	end := addr + 2*hostarch.HugePageSize
	if err := mm.Fault(end-hostarch.PageSize, FaultWrite); err != nil {
		t.Fatalf("fault got err %v want nil", err)
	}
	if _, level, _ := mm.pt.VisitPTE(end - hostarch.PageSize); level != 0 {
		t.Errorf("post-advice fault installed level-%d entry want 0", level)
	}
}

func TestMadviseBadAdvice(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MapAnon(0, hostarch.PageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	if err := mm.Madvise(addr, hostarch.PageSize, Advice(99)); err != unix.EINVAL {
		t.Errorf("bad advice got err %v want EINVAL", err)
	}
}

func TestMincore(t *testing.T) {
	mm := testMemoryManager(t)
	addr, err := mm.MapAnon(0, 2*hostarch.PageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon got err %v want nil", err)
	}
	if err := mm.WriteBytes(addr, []byte{1}); err != nil {
		t.Fatalf("write got err %v want nil", err)
	}
	vec := make([]byte, 2)
	if err := mm.Mincore(addr, 2*hostarch.PageSize, vec); err != nil {
		t.Fatalf("Mincore got err %v want nil", err)
	}
	if diff := cmp.Diff([]byte{1, 0}, vec); diff != "" {
		t.Errorf("mincore vector diff (-want +got):\n%s", diff)
	}
	if err := mm.Mincore(hostarch.SuperblockAreaBase+hostarch.Addr(hostarch.SuperblockSize), hostarch.PageSize, vec); err != unix.ENOMEM {
		t.Errorf("Mincore(unmapped) got err %v want ENOMEM", err)
	}
}

func TestWorkerPartitioning(t *testing.T) {
	mm := testMemoryManager(t)

	var cpu uint32
	sched.SetCPUProvider(func() uint32 { return cpu })

	cpu = 0
	a0, err := mm.MapAnon(0, hostarch.PageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon on cpu 0 got err %v want nil", err)
	}
	cpu = 1
	a1, err := mm.MapAnon(0, hostarch.PageSize, 0, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapAnon on cpu 1 got err %v want nil", err)
	}

	if o0, o1 := mm.sb.ownerOf(a0), mm.sb.ownerOf(a1); o0 != 0 || o1 != 1 {
		t.Errorf("owners (%d, %d) want (0, 1)", o0, o1)
	}
	// Contention-free: each CPU works entirely inside its own
	// superblocks.
	if superblockIndex(a0) == superblockIndex(a1) {
		t.Error("two CPUs share a superblock")
	}
	checkOwnershipInvariant(t, mm)

	// Faults route by ownership, not by the faulting CPU.
	cpu = 0
	if err := mm.Fault(a1, FaultWrite); err != nil {
		t.Errorf("cross-CPU fault got err %v want nil", err)
	}
}
