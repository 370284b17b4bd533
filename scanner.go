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
	"io/fs"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/thediveo/faf"
	"golang.org/x/sys/unix"
)

// Scanner scans the processes of a host for processes pinned to single CPUs.
// A Scanner keeps no state between scans, so it can be used concurrently.
type Scanner struct {
	procRoot string
	sysRoot  string
	cpus     uint
	log      logr.Logger
}

// Option configures a [Scanner].
type Option func(*Scanner)

// WithProcRoot sets the directory to scan for process directories, defaulting
// to “/proc”.
func WithProcRoot(path string) Option {
	return func(s *Scanner) {
		s.procRoot = path
	}
}

// WithSysRoot sets the sysfs mount point used to determine the online CPUs,
// defaulting to “/sys”.
func WithSysRoot(path string) Option {
	return func(s *Scanner) {
		s.sysRoot = path
	}
}

// WithCPUCount fixes the number of CPUs instead of querying the online CPUs. A
// count of zero leaves querying enabled.
func WithCPUCount(n uint) Option {
	return func(s *Scanner) {
		s.cpus = n
	}
}

// WithLogger sets the logger for reporting processes skipped during a scan at
// verbosity level 1. By default, nothing gets logged.
func WithLogger(log logr.Logger) Option {
	return func(s *Scanner) {
		s.log = log
	}
}

// NewScanner returns a new Scanner, configured using the passed options.
func NewScanner(opts ...Option) *Scanner {
	s := &Scanner{
		procRoot: "/proc",
		sysRoot:  "/sys",
		log:      logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Free returns the Set of CPUs not occupied by any user-space process pinned to
// just this single CPU. It only returns an error if the process directory
// cannot be scanned at all; an empty Set is a valid result.
func (s *Scanner) Free() (Set, error) {
	occupied, err := s.Occupied()
	if err != nil {
		return nil, err
	}
	return FirstCPUs(s.CPUCount()).Difference(occupied), nil
}

// Occupied returns the Set of CPUs that are the single allowed CPU of at least
// one user-space process. Processes that vanish while scanning, or whose status
// cannot be read or understood, are silently skipped.
func (s *Scanner) Occupied() (Set, error) {
	// faf.ReadDir silently produces nothing for a directory it cannot open,
	// so check up front in order to not report all CPUs as free.
	fd, err := unix.Open(s.procRoot, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot safely determine free CPUs, %w",
			&fs.PathError{Op: "open", Path: s.procRoot, Err: err})
	}
	_ = unix.Close(fd)

	occupied := Set{}
	var buff []byte
	for entry := range faf.ReadDir(s.procRoot) {
		if !entry.IsDir() {
			continue
		}
		var cpu uint
		var ok bool
		cpu, ok, buff = s.pinnedCPU(string(entry.Name), buff)
		if !ok {
			continue
		}
		occupied = occupied.AddRange(cpu, cpu)
	}
	return occupied, nil
}

// pinnedCPU returns the CPU the process with the specified PID (well, process
// directory name) is pinned to, if any. It reads the process status into the
// passed buffer, returning the buffer for reuse.
func (s *Scanner) pinnedCPU(pid string, buff []byte) (uint, bool, []byte) {
	status, ok := faf.ReadFile(filepath.Join(s.procRoot, pid, "status"), buff)
	if !ok {
		s.log.V(1).Info("skipping process with unreadable status", "pid", pid)
		return 0, false, status
	}
	cpu, pinned := parseStatus(status)
	if pinned {
		s.log.V(1).Info("process pinned to single CPU", "pid", pid, "cpu", cpu)
	}
	return cpu, pinned, status
}
