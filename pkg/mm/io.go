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
	"ukern.dev/ukern/pkg/hostarch"
	"ukern.dev/ukern/pkg/memory"
)

// translateNoFault resolves addr through the page table without
// faulting, checking that the mapping permits at. It is the software
// equivalent of a guarded hardware access.
func (mm *MemoryManager) translateNoFault(addr hostarch.Addr, at hostarch.AccessType) (memory.Phys, bool) {
	e, _, ok := mm.pt.VisitPTE(addr)
	if !ok || e.Empty() || !e.Valid() || e.PermNone() {
		return 0, false
	}
	if at.Write && !e.Writable() {
		return 0, false
	}
	pa, ok := mm.pt.VirtToPhys(addr)
	return pa, ok
}

// access performs a memory access the way the CPU would: translate,
// fault on a miss, retry, and fail with the fault's signal if the
// fault path could not resolve it.
func (mm *MemoryManager) access(addr hostarch.Addr, p []byte, write bool) error {
	at := hostarch.Read
	var code FaultCode
	if write {
		at = hostarch.Write
		code = FaultWrite
	}
	for len(p) > 0 {
		pageEnd := addr.RoundDown() + hostarch.PageSize
		n := uint64(pageEnd - addr)
		if n > uint64(len(p)) {
			n = uint64(len(p))
		}
		pa, ok := mm.translateNoFault(addr, at)
		if !ok {
			if err := mm.Fault(addr, code); err != nil {
				return err
			}
			if pa, ok = mm.translateNoFault(addr, at); !ok {
				return sigsegv(addr)
			}
		}
		mm.pt.MarkAccessed(addr, write)
		b := mm.mem.Bytes(pa, n)
		if write {
			copy(b, p[:n])
		} else {
			copy(p[:n], b)
		}
		p = p[n:]
		addr += hostarch.Addr(n)
	}
	return nil
}

// ReadBytes reads len(p) bytes at addr through the address space,
// faulting pages in as a load would.
func (mm *MemoryManager) ReadBytes(addr hostarch.Addr, p []byte) error {
	return mm.access(addr, p, false)
}

// WriteBytes writes p at addr through the address space, faulting
// pages in as a store would.
func (mm *MemoryManager) WriteBytes(addr hostarch.Addr, p []byte) error {
	return mm.access(addr, p, true)
}
