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

// Package rcu provides read-side critical sections and deferred
// reclamation. Memory freed with Defer stays reachable until every
// read-side critical section that was active at the time of the call
// has ended.
//
// The implementation is a simple barrier: Defer queues the callback,
// and Synchronize takes the queued callbacks, waits until no read-side
// critical section is active, and then runs them. The page-table
// walkers take the read lock around lockless descent; unpopulate and
// cleanup paths use Defer for intermediate page-table pages.
package rcu

import (
	"ukern.dev/ukern/pkg/sync"
)

var (
	mu      sync.Mutex
	readers sync.RWMutex
	pending []func()
)

// ReadLock enters a read-side critical section.
func ReadLock() {
	readers.RLock()
}

// ReadUnlock leaves a read-side critical section.
func ReadUnlock() {
	readers.RUnlock()
}

// Defer queues fn to run after a grace period. fn must not block and
// must not call Defer recursively while holding locks that readers
// take.
func Defer(fn func()) {
	mu.Lock()
	pending = append(pending, fn)
	mu.Unlock()
}

// Synchronize waits for a grace period and runs all callbacks queued
// before the call. Callers must not hold the read lock.
func Synchronize() {
	mu.Lock()
	cbs := pending
	pending = nil
	mu.Unlock()

	// Waiting for the writer half of the readers lock is a full grace
	// period: it cannot be acquired while any read-side critical
	// section is active.
	readers.Lock()
	readers.Unlock() //nolint:staticcheck // empty critical section is the barrier

	for _, fn := range cbs {
		fn()
	}
}
