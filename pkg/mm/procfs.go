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
)

// devMinorBits is the number of minor bits in a device number.
const devMinorBits = 20

// ProcfsMaps enumerates every VMA in the /proc/self/maps format:
//
//	start-end rwxp offset dev:inode path
//
// Workers are visited in id order, so entries are sorted within a
// worker but only grouped across workers.
func (mm *MemoryManager) ProcfsMaps() string {
	var b strings.Builder
	for i := range mm.sb.workers {
		w := &mm.sb.workers[i]
		w.vmaMu.RLock()
		w.vmas.Ascend(func(v VMA) bool {
			if v.Size() == 0 {
				// Edge sentinel.
				return true
			}
			priv := byte('p')
			if v.HasFlags(MapShared) {
				priv = 's'
			}
			fmt.Fprintf(&b, "%x-%x %s%c ", uint64(v.Start()), uint64(v.End()), v.Perm(), priv)
			if fv, ok := v.(*FileVMA); ok {
				major := fv.dev >> devMinorBits
				minor := fv.dev & (1<<devMinorBits - 1)
				fmt.Fprintf(&b, "%08x %02x:%02x %d %s\n", fv.offset, major, minor, fv.inode, fv.file.Name())
			} else {
				b.WriteString("00000000 00:00 0\n")
			}
			return true
		})
		w.vmaMu.RUnlock()
	}
	return b.String()
}
