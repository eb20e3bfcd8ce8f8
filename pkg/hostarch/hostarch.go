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

// Package hostarch holds the address, range and permission value types
// shared by the memory management packages, along with the geometry of
// the virtual address space.
package hostarch

// Page size constants.
const (
	// PageSize is the size of a small page.
	PageSize = 1 << PageShift

	// PageShift is the binary log of PageSize.
	PageShift = 12

	// HugePageSize is the size of a level-1 large page.
	HugePageSize = 1 << HugePageShift

	// HugePageShift is the binary log of HugePageSize.
	HugePageShift = 21
)

// Address space geometry. Virtual addresses are 48 bits; the user
// mapping region is partitioned into superblocks, the region above it
// holds the kernel linear map.
const (
	// AddrBits is the number of usable virtual address bits.
	AddrBits = 48

	// MaxAddr is the first byte past the usable address space.
	MaxAddr = Addr(1) << (AddrBits - 1)

	// LowerVMALimit is the bottom sentinel address of every VMA index.
	LowerVMALimit = Addr(0)

	// SuperblockAreaBase is the first byte of the superblock-partitioned
	// user mapping region.
	SuperblockAreaBase = Addr(0x2000_0000_0000)

	// MainMemAreaBase is the first byte past the user mapping region. The
	// kernel linear map lives at and above this address.
	MainMemAreaBase = Addr(0x4000_0000_0000)

	// UpperVMALimit is the top sentinel address of every VMA index.
	UpperVMALimit = MainMemAreaBase

	// SuperblockSize is the unit of CPU ownership within the user
	// mapping region.
	SuperblockSize = uint64(1) << 30

	// SuperblockCount is the number of ownership cells.
	SuperblockCount = uint64(MainMemAreaBase-SuperblockAreaBase) / SuperblockSize
)
