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

// FreeCPUs returns the Set of CPUs that are currently not occupied by any
// user-space process pinned to exactly a single CPU. Kernel threads as well as
// processes allowed to run on multiple CPUs never occupy a CPU.
//
// FreeCPUs returns an error only if “/proc” cannot be scanned, as it then
// cannot tell which CPUs are safe to use.
func FreeCPUs() (Set, error) {
	return NewScanner().Free()
}

// MustFreeCPUs is like [FreeCPUs], but panics if “/proc” cannot be scanned.
func MustFreeCPUs() Set {
	free, err := FreeCPUs()
	if err != nil {
		panic(err)
	}
	return free
}
