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
	"fmt"
	"iter"
	"math/bits"
	"slices"
	"unsafe"
)

// Set is a CPU bit string, such as used for CPU affinity masks. See also
// [sched_getaffinity(2)].
//
// [sched_getaffinity(2)]: https://man7.org/linux/man-pages/man2/sched_getaffinity.2.html
type Set []uint64

var wordbytesize = uint64(unsafe.Sizeof(Set{0}[0]))
var bitsperword = uint(wordbytesize * 8)

func setBitIndex(cpu uint) int {
	return int(cpu / bitsperword)
}

func setBitMask(cpu uint) uint64 {
	return uint64(1) << (cpu % bitsperword)
}

// FirstCPUs returns the Set of the n CPUs 0 to n-1.
func FirstCPUs(n uint) Set {
	if n == 0 {
		return Set{}
	}
	return Set{}.AddRange(0, n-1)
}

// IsSet reports whether cpu is in this CPU set.
func (s Set) IsSet(cpu uint) bool {
	if cpu >= uint(len(s))*bitsperword {
		return false
	}
	return s[setBitIndex(cpu)]&setBitMask(cpu) != 0
}

// AddRange adds the CPU from the specified range, returning an updated Set.
// This updated Set may or may not be the original Set.
func (s Set) AddRange(from, to uint) Set {
	if from > to {
		panic(fmt.Sprintf("invalid range %d-%d", from, to))
	}
	if to >= uint(len(s))*bitsperword {
		s = slices.Grow(s, setBitIndex(to)-len(s)+1)
		s = s[:cap(s)]
	}
	for cpu := from; cpu <= to; cpu++ {
		s[setBitIndex(cpu)] |= setBitMask(cpu)
	}
	return s
}

// Count returns the number of CPUs in this Set.
func (s Set) Count() uint {
	count := uint(0)
	for _, word := range s {
		count += uint(bits.OnesCount64(word))
	}
	return count
}

// Difference returns a new Set with the CPUs from this Set that are not in
// another Set.
func (s Set) Difference(another Set) Set {
	diff := slices.Clone(s)
	if diff == nil {
		return Set{}
	}
	for idx := range min(len(diff), len(another)) {
		diff[idx] &^= another[idx]
	}
	return diff
}

// IsOverlapping returns true if this Set and another Set have at least one CPU
// in common.
func (s Set) IsOverlapping(another Set) bool {
	for idx := range min(len(s), len(another)) {
		if s[idx]&another[idx] != 0 {
			return true
		}
	}
	return false
}

// Overlap returns the CPUs this Set and another Set have in common as a new
// Set.
func (s Set) Overlap(another Set) Set {
	overlap := make(Set, min(len(s), len(another)))
	for idx := range overlap {
		overlap[idx] = s[idx] & another[idx]
	}
	return overlap
}

// All returns an iterator over the CPUs in this Set, in ascending order.
func (s Set) All() iter.Seq[uint] {
	return func(yield func(uint) bool) {
		for idx, word := range s {
			for word != 0 {
				cpu := uint(idx)*bitsperword + uint(bits.TrailingZeros64(word))
				if !yield(cpu) {
					return
				}
				word &= word - 1
			}
		}
	}
}

// String returns the CPUs in this set in textual list format. In list format,
// individual CPU ranges “x-y” are separated by “,”, and single CPU ranges
// collapsed into “x”.
func (s Set) String() string {
	return s.List().String()
}

// List returns the list of CPU ranges corresponding with this CPU Set.
//
// This is an optimized implementation that does not use any division and modulo
// operations; instead, it only uses increment and (single bit position) shift
// operations. Additionally, this implementation fast-forwards through all-0s
// and all-1s CPUSet words (uint64's) wherever possible.
func (s Set) List() List {
	setlen := uint64(len(s))
	cpulist := List{}
	cpuno := uint(0)
	cpuwordidx := uint64(0)
	cpuwordmask := uint64(1)

findNextCPUInWord:
	for {
		// If we're inside a cpu mask word, try to find the next set cpu bit, if
		// any, otherwise stop after we've fallen off the MSB end of the cpu
		// mask word.
		if cpuwordmask != 1 {
			for {
				if s[cpuwordidx]&cpuwordmask != 0 {
					break
				}
				cpuno++
				cpuwordmask <<= 1
				if cpuwordmask == 0 {
					// Oh no! We've fallen off the disc^Wcpu mask word.
					cpuwordidx++
					cpuwordmask = 1
					break
				}
			}
		}
		// Try to fast-forward through completely unset cpu mask words, where
		// possible.
		for cpuwordidx < setlen && s[cpuwordidx] == 0 {
			cpuno += 64
			cpuwordidx++
		}
		if cpuwordidx >= setlen {
			return cpulist
		}
		// We arrived at a non-zero cpu mask word, so let's now find the first
		// cpu in it.
		for {
			if s[cpuwordidx]&cpuwordmask != 0 {
				break
			}
			cpuno++
			cpuwordmask <<= 1
		}
		// Hooray! We've finally located a CPU in use. Move on to the next CPU,
		// handling a word boundary when necessary.
		cpufrom := cpuno
		cpuno++
		cpuwordmask <<= 1
		if cpuwordmask == 0 {
			// Oh no! We've again fallen off the disc^Wcpu mask word.
			cpuwordidx++
			cpuwordmask = 1
		}
		// Now locate the next unset cpu within the currently inspected cpu mask
		// word, until we find one or have exhausted our search within the
		// current cpu mask word.
		if cpuwordmask != 1 {
			for {
				if s[cpuwordidx]&cpuwordmask == 0 {
					cpulist = append(cpulist, [2]uint{cpufrom, cpuno - 1})
					continue findNextCPUInWord
				}
				cpuno++
				cpuwordmask <<= 1
				if cpuwordmask == 0 {
					cpuwordidx++
					cpuwordmask = 1
					break
				}
			}
		}
		// Try to fast-forward through completely set cpu mask words, where
		// applicable.
		for cpuwordidx < setlen && s[cpuwordidx] == ^uint64(0) {
			cpuno += 64
			cpuwordidx++
		}
		// Are we completely done? If so, add the final CPU span and then call
		// it a day.
		if cpuwordidx >= setlen {
			cpulist = append(cpulist, [2]uint{cpufrom, cpuno - 1})
			return cpulist
		}
		// We arrived at a non-all-1s cpu mask word, so let's now find the first
		// cpu in it that is unset. Add the CPU span, and then rinse and repeat
		// from the beginning: find the next set CPU or fall off the disc.
		for {
			if s[cpuwordidx]&cpuwordmask == 0 {
				cpulist = append(cpulist, [2]uint{cpufrom, cpuno - 1})
				break
			}
			cpuno++
			cpuwordmask <<= 1
		}
	}
}
