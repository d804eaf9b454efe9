// Package topology enumerates processing units and pins the calling OS
// thread to one of them. This replaces the hwloc binding used by the
// original implementation (_examples/original_source/src/bin/protostore.rs,
// hwloc_processing_units / bind_thread_to_processing_unit) with
// golang.org/x/sys/unix's CPU-affinity syscalls, since no hwloc cgo binding
// is available in this module's dependency set; runtime.NumCPU plus
// SchedSetaffinity is the idiomatic Go equivalent and is already how the
// teacher repo pins its queue-runner goroutines (internal/queue/runner.go).
package topology

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// NumProcessingUnits returns the number of schedulable CPUs visible to this
// process.
func NumProcessingUnits() int {
	return runtime.NumCPU()
}

// BindCurrentThread pins the calling OS thread to processing unit pu. The
// caller must have already called runtime.LockOSThread, or the binding will
// silently apply to whichever OS thread the goroutine is next scheduled on.
func BindCurrentThread(pu int) error {
	if pu < 0 || pu >= NumProcessingUnits() {
		return fmt.Errorf("topology: processing unit %d out of range [0,%d)", pu, NumProcessingUnits())
	}
	var mask unix.CPUSet
	mask.Set(pu)
	return unix.SchedSetaffinity(0, &mask)
}

// ClampToAvailable returns pu if it names a real processing unit, otherwise
// the highest available unit — mirroring the dispatcher's "pin accept
// thread to PU0, worker i to PU i+1, capped at the last available unit"
// rule from SPEC_FULL.md §4.5.
func ClampToAvailable(pu int) int {
	n := NumProcessingUnits()
	if pu >= n {
		return n - 1
	}
	if pu < 0 {
		return 0
	}
	return pu
}
