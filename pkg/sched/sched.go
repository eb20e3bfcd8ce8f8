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

// Package sched exposes the scheduler identity required by the memory
// manager: which CPU the current thread runs on. The real scheduler
// installs a provider at boot; before that, and in tests that don't
// care, every thread reports CPU 0.
package sched

import "sync/atomic"

// MaxCPUs is the upper limit of CPUs the kernel can be initialized
// with. The address-space partition allocates one worker per possible
// CPU, so this is a compile-time constant rather than a boot parameter.
const MaxCPUs = 64

var currentCPU atomic.Pointer[func() uint32]

// CurrentCPU returns the id of the CPU the calling thread runs on, in
// [0, MaxCPUs).
func CurrentCPU() uint32 {
	if f := currentCPU.Load(); f != nil {
		return (*f)() % MaxCPUs
	}
	return 0
}

// SetCPUProvider installs fn as the source of CPU identity. Passing nil
// restores the default (CPU 0).
func SetCPUProvider(fn func() uint32) {
	if fn == nil {
		currentCPU.Store(nil)
		return
	}
	currentCPU.Store(&fn)
}
