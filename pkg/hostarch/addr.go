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

package hostarch

import "fmt"

// Addr represents a virtual address.
type Addr uintptr

// AddLength returns the end of the range starting at v with the given
// length. ok is false if the range wraps around.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// RoundDown returns the address rounded down to the nearest page
// boundary.
func (v Addr) RoundDown() Addr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary.
// ok is true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = (v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is RoundUp, panicking if rounding up wraps around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%#x).RoundUp() wraps", uintptr(v)))
	}
	return addr
}

// HugeRoundDown returns the address rounded down to the nearest huge
// page boundary.
func (v Addr) HugeRoundDown() Addr {
	return v &^ (HugePageSize - 1)
}

// HugeRoundUp returns the address rounded up to the nearest huge page
// boundary. ok is true iff rounding up did not wrap around.
func (v Addr) HugeRoundUp() (addr Addr, ok bool) {
	addr = (v + HugePageSize - 1).HugeRoundDown()
	ok = addr >= v
	return
}

// IsPageAligned returns true if v.RoundDown() == v.
func (v Addr) IsPageAligned() bool {
	return v.RoundDown() == v
}

// IsHugePageAligned returns true if v.HugeRoundDown() == v.
func (v Addr) IsHugePageAligned() bool {
	return v.HugeRoundDown() == v
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}
