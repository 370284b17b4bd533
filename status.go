// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy
// of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package freecpus

import (
	"bytes"
	"iter"

	"github.com/thediveo/faf"
)

// maxCPU is the highest CPU number we accept from a “Cpus_allowed_list”; the
// kernel's NR_CPUS never goes beyond this.
const maxCPU = 1<<16 - 1

var (
	vmSizeKey          = []byte("VmSize:")
	cpusAllowedListKey = []byte("Cpus_allowed_list:\t")
)

// lines returns an iterator over the lines in b, without their trailing
// newlines.
func lines(b []byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for len(b) > 0 {
			var line []byte
			if nlIdx := bytes.IndexByte(b, '\n'); nlIdx >= 0 {
				line, b = b[:nlIdx], b[nlIdx+1:]
			} else {
				line, b = b, nil
			}
			if !yield(line[:len(line):len(line)]) {
				return
			}
		}
	}
}

// parseStatus returns the CPU a process is pinned to, if any, given the
// contents of its “/proc/$PID/status”. A process counts as pinned only if it
// has a user-space memory image (“VmSize”) and its allowed CPU list consists of
// a single CPU number. The order of the two status lines doesn't matter.
func parseStatus(status []byte) (cpu uint, pinned bool) {
	var hasVmSize, single bool
	for line := range lines(status) {
		switch {
		case bytes.HasPrefix(line, vmSizeKey):
			hasVmSize = true
		case bytes.HasPrefix(line, cpusAllowedListKey):
			cpu, single = singleCPU(line[len(cpusAllowedListKey):])
		}
	}
	if !hasVmSize || !single {
		return 0, false
	}
	return cpu, true
}

// singleCPU returns the CPU number in the passed CPU list text and true, but
// only if the list consists of exactly a single CPU number (and neither a range
// nor multiple CPUs).
func singleCPU(cpulist []byte) (uint, bool) {
	if bytes.ContainsAny(cpulist, "-,") {
		return 0, false
	}
	cpu, ok := faf.ParseUint(cpulist)
	if !ok || cpu > maxCPU {
		return 0, false
	}
	return uint(cpu), true
}
