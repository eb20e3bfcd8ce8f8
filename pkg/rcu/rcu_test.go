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

package rcu

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDeferRunsAfterSynchronize(t *testing.T) {
	var ran atomic.Bool
	Defer(func() { ran.Store(true) })
	if ran.Load() {
		t.Fatal("callback ran before grace period")
	}
	Synchronize()
	if !ran.Load() {
		t.Fatal("callback did not run after Synchronize")
	}
}

func TestSynchronizeWaitsForReaders(t *testing.T) {
	ReadLock()
	var ran atomic.Bool
	Defer(func() { ran.Store(true) })

	done := make(chan struct{})
	go func() {
		Synchronize()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Synchronize returned while a reader was active")
	case <-time.After(10 * time.Millisecond):
	}
	if ran.Load() {
		t.Fatal("callback ran inside a read-side critical section")
	}

	ReadUnlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Synchronize did not return after the reader left")
	}
	if !ran.Load() {
		t.Fatal("callback did not run")
	}
}
