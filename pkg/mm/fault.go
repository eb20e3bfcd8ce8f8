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

	"golang.org/x/sys/unix"

	"ukern.dev/ukern/pkg/hostarch"
)

// FaultCode is the page-fault error code pushed by the CPU.
type FaultCode uint32

// FaultCode bits (x86-64 layout).
const (
	// FaultPresent is set if the fault hit a present entry.
	FaultPresent FaultCode = 1 << 0

	// FaultWrite is set if the access was a write.
	FaultWrite FaultCode = 1 << 1

	// FaultUser is set if the access came from user mode.
	FaultUser FaultCode = 1 << 2

	// FaultInsn is set if the access was an instruction fetch.
	FaultInsn FaultCode = 1 << 4
)

// IsWrite returns whether the faulting access was a write.
func (c FaultCode) IsWrite() bool { return c&FaultWrite != 0 }

// IsInsn returns whether the faulting access was an instruction fetch.
func (c FaultCode) IsInsn() bool { return c&FaultInsn != 0 }

// AccessType returns the access class of the fault.
func (c FaultCode) AccessType() hostarch.AccessType {
	switch {
	case c.IsInsn():
		return hostarch.Execute
	case c.IsWrite():
		return hostarch.Write
	default:
		return hostarch.Read
	}
}

// SignalError is returned by Fault when the fault cannot be resolved
// and a signal must be delivered to the faulting thread.
type SignalError struct {
	// Signal is the signal to deliver, SIGSEGV or SIGBUS.
	Signal unix.Signal

	// Addr is the faulting address.
	Addr hostarch.Addr
}

// Error implements error.Error.
func (e *SignalError) Error() string {
	return fmt.Sprintf("%v at %v", e.Signal, e.Addr)
}

func sigsegv(addr hostarch.Addr) error {
	return &SignalError{Signal: unix.SIGSEGV, Addr: addr}
}

func sigbus(addr hostarch.Addr) error {
	return &SignalError{Signal: unix.SIGBUS, Addr: addr}
}

// accessFault returns true if the fault described by code is not
// permitted by the VMA's permissions.
func accessFault(v VMA, code FaultCode) bool {
	perm := v.Perm()
	if code.IsInsn() {
		return !perm.Execute
	}
	if code.IsWrite() {
		return !perm.Write
	}
	return !perm.Read
}

// Fault is the page-fault entry point. addr is the raw faulting
// address; code the hardware error code. A nil return means the fault
// was resolved and the access should be retried; a *SignalError means
// the corresponding signal must be delivered.
func (mm *MemoryManager) Fault(addr hostarch.Addr, code FaultCode) error {
	if filter := mm.faultFilter.Load(); filter != nil && (*filter)(addr) {
		return sigsegv(addr)
	}

	addr = addr.RoundDown()
	w := mm.sb.workerFor(addr)
	w.vmaMu.RLock()
	defer w.vmaMu.RUnlock()

	v, ok := w.findIntersecting(addr)
	if !ok || accessFault(v, code) {
		mm.faultLog.Infof("unresolvable fault at %v (code %#x)", addr, uint32(code))
		return sigsegv(addr)
	}
	return v.Fault(addr, code)
}

// SetFaultFilter installs a fast pre-check consulted before any lock is
// taken: returning true makes the fault deliver SIGSEGV immediately.
// Passing nil removes the filter.
func (mm *MemoryManager) SetFaultFilter(fn func(hostarch.Addr) bool) {
	if fn == nil {
		mm.faultFilter.Store(nil)
		return
	}
	mm.faultFilter.Store(&fn)
}
