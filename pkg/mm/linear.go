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
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"ukern.dev/ukern/pkg/hostarch"
	"ukern.dev/ukern/pkg/memory"
	"ukern.dev/ukern/pkg/pagetables"
)

// LinearVMA describes one kernel direct-map region: a 1:1
// virtual-to-physical mapping in the high half. Linear VMAs live in
// their own registry, outside the superblock-partitioned index.
type LinearVMA struct {
	virt hostarch.Addr
	phys memory.Phys
	size uint64
	attr pagetables.MemAttr
	name string
}

// VStart returns the first mapped virtual address.
func (v *LinearVMA) VStart() hostarch.Addr { return v.virt }

// VEnd returns the first virtual address past the mapping.
func (v *LinearVMA) VEnd() hostarch.Addr { return v.virt + hostarch.Addr(v.size) }

// Name returns the diagnostic name.
func (v *LinearVMA) Name() string { return v.name }

// LinearMap establishes a 1:1 mapping of size bytes of physical memory
// at virt, eagerly populating every level. slop sets the mapping
// granularity; virt and phys must be congruent modulo slop. The range
// is withdrawn from the affected workers' free-range maps so no other
// mapping may land there.
func (mm *MemoryManager) LinearMap(virt hostarch.Addr, phys memory.Phys, size uint64, name string, slop uint64, attr pagetables.MemAttr) error {
	if slop > hostarch.HugePageSize {
		slop = hostarch.HugePageSize
	}
	if uint64(virt)&(slop-1) != uint64(phys)&(slop-1) {
		return unix.EINVAL
	}

	// The range leaves the free maps first so a concurrent reserve
	// cannot land inside it.
	for _, seg := range mm.sb.generateOwnerList(virt, size) {
		if err := mm.sb.allocateRange(seg.start, seg.size); err != nil {
			return err
		}
	}

	op := pagetables.NewLinearMapper(phys, size, attr)
	mm.ptHighMu.Lock()
	_, err := pagetables.OperateRangeSlop(mm.pt, op, virt, virt, size, slop)
	mm.ptHighMu.Unlock()
	if err != nil {
		return err
	}

	v := &LinearVMA{virt: virt, phys: phys, size: size, attr: attr, name: name}
	mm.linearMu.Lock()
	mm.linear.ReplaceOrInsert(v)
	mm.linearMu.Unlock()
	return nil
}

// isLinearMapped returns whether r lies entirely inside linear-map
// regions.
func (mm *MemoryManager) isLinearMapped(r hostarch.AddrRange) bool {
	mm.linearMu.RLock()
	defer mm.linearMu.RUnlock()
	covered := r.Start
	mm.linear.AscendLessThan(&LinearVMA{virt: r.End}, func(v *LinearVMA) bool {
		if v.VEnd() <= covered {
			return true
		}
		if v.VStart() > covered {
			return false
		}
		covered = v.VEnd()
		return covered < r.End
	})
	return covered >= r.End
}

// SysfsLinearMaps renders the kernel linear map with attribute tags.
func (mm *MemoryManager) SysfsLinearMaps() string {
	var b strings.Builder
	mm.linearMu.RLock()
	defer mm.linearMu.RUnlock()
	mm.linear.Ascend(func(v *LinearVMA) bool {
		attr := byte('n')
		if v.attr == pagetables.MemAttrDevice {
			attr = 'd'
		}
		fmt.Fprintf(&b, "%#18x %#18x %12x rwxp %c %s\n",
			uint64(v.virt), uint64(v.phys), v.size, attr, v.name)
		return true
	})
	return b.String()
}

// VPopulate maps size bytes of zeroed anonymous memory at addr in the
// kernel half, outside any VMA. Kernel page-table mutations serialise
// on a dedicated mutex.
func (mm *MemoryManager) VPopulate(addr hostarch.Addr, size uint64) error {
	if inVMARange(addr) {
		return unix.EINVAL
	}
	mm.ptHighMu.Lock()
	defer mm.ptHighMu.Unlock()
	op := pagetables.NewPopulate(mm.anonZeroed, hostarch.AnyAccess, false, true)
	n, err := pagetables.OperateRange(mm.pt, op, addr, addr, size)
	if err != nil {
		return err
	}
	if op.Failed() && n == 0 {
		return unix.ENOMEM
	}
	return nil
}

// VDepopulate undoes VPopulate.
func (mm *MemoryManager) VDepopulate(addr hostarch.Addr, size uint64) error {
	if inVMARange(addr) {
		return unix.EINVAL
	}
	mm.ptHighMu.Lock()
	defer mm.ptHighMu.Unlock()
	op := pagetables.NewUnpopulate(mm.pt, mm.mem, mm.anonZeroed)
	_, err := pagetables.OperateRange(mm.pt, op, addr, addr, size)
	return err
}

// VCleanup reclaims empty intermediate page-table pages under addr.
func (mm *MemoryManager) VCleanup(addr hostarch.Addr, size uint64) error {
	if inVMARange(addr) {
		return unix.EINVAL
	}
	mm.ptHighMu.Lock()
	defer mm.ptHighMu.Unlock()
	op := pagetables.NewCleanupIntermediate(mm.pt)
	_, err := pagetables.OperateRange(mm.pt, op, addr, addr, size)
	return err
}

// inVMARange returns whether addr belongs to the superblock-partitioned
// user mapping region.
func inVMARange(addr hostarch.Addr) bool {
	return addr >= hostarch.SuperblockAreaBase && addr < hostarch.MainMemAreaBase
}
