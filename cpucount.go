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
	"os"
	"path/filepath"
	"runtime"
)

// CPUCount returns the number of logical CPUs to consider: either the count
// fixed using [WithCPUCount], or otherwise the number of online CPUs as
// advertised in “/sys/devices/system/cpu/online”. If sysfs cannot be read,
// CPUCount falls back to [runtime.NumCPU], which is limited by the CPU affinity
// of this process at its start. The same applies to malformed or implausible
// online CPU lists.
func (s *Scanner) CPUCount() uint {
	if s.cpus > 0 {
		return s.cpus
	}
	online, err := onlineCPUs(s.sysRoot)
	if err != nil || online.Count() == 0 || online.Count() > maxCPU+1 {
		s.log.V(1).Info("cannot determine online CPUs, falling back to runtime.NumCPU",
			"err", err)
		return uint(runtime.NumCPU())
	}
	return online.Count()
}

// onlineCPUs returns the List of online CPUs from the sysfs mounted at sysRoot.
func onlineCPUs(sysRoot string) (List, error) {
	b, err := os.ReadFile(filepath.Join(sysRoot, "devices/system/cpu/online"))
	if err != nil {
		return nil, err
	}
	return NewList(bytes.TrimSpace(b))
}
