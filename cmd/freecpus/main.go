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

// freecpus prints the CPUs not occupied by user-space processes pinned to a
// single CPU, in the list format understood by taskset(1) and friends.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/go-logr/logr/funcr"
	"github.com/spf13/cobra"
	"github.com/thediveo/freecpus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		procRoot string
		sysRoot  string
		cpus     uint
		pick     uint
		count    bool
		allowed  bool
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:   "freecpus [flags] [-- command [args...]]",
		Short: "freecpus: lists CPUs not monopolized by pinned processes",
		Long: `freecpus lists the CPUs that no user-space process has pinned itself to
exclusively, in the list format understood by taskset(1). When given a command
after "--", freecpus instead runs the command pinned to the free CPUs, for
instance:

  freecpus --pick 2 -- ./fuzzer`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 && cmd.ArgsLenAtDash() != 0 {
				return errors.New("the command to run must follow \"--\"")
			}
			return nil
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count && len(args) > 0 {
				return errors.New("cannot both count free CPUs and run a command")
			}
			opts := []freecpus.Option{
				freecpus.WithProcRoot(procRoot),
				freecpus.WithSysRoot(sysRoot),
				freecpus.WithCPUCount(cpus),
			}
			if verbose {
				opts = append(opts, freecpus.WithLogger(funcr.New(
					func(prefix, args string) {
						fmt.Fprintln(cmd.ErrOrStderr(), args)
					},
					funcr.Options{Verbosity: 1})))
			}
			free, err := freecpus.NewScanner(opts...).Free()
			if err != nil {
				return err
			}
			if allowed {
				affinity, err := freecpus.Affinity(os.Getpid())
				if err != nil {
					return fmt.Errorf("cannot determine allowed CPUs, %w", err)
				}
				free = free.Overlap(affinity)
			}
			if count {
				fmt.Fprintln(cmd.OutOrStdout(), free.Count())
				return nil
			}
			if pick > 0 {
				free, err = pickCPUs(free, pick)
				if err != nil {
					return err
				}
			}
			if len(args) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), free.String())
				return nil
			}
			child := exec.CommandContext(cmd.Context(), args[0], args[1:]...)
			child.Stdin = cmd.InOrStdin()
			child.Stdout = cmd.OutOrStdout()
			child.Stderr = cmd.ErrOrStderr()
			return runPinned(child, free)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&procRoot, "proc", "/proc", "process directory to scan")
	flags.StringVar(&sysRoot, "sys", "/sys", "sysfs mount point for determining the online CPUs")
	flags.UintVar(&cpus, "cpus", 0, "number of CPUs to consider, 0 means all online CPUs")
	flags.UintVar(&pick, "pick", 0, "use only this many of the lowest free CPUs")
	flags.BoolVar(&count, "count", false, "print the number of free CPUs instead")
	flags.BoolVar(&allowed, "allowed", false, "consider only CPUs freecpus itself is allowed to run on")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log skipped and pinned processes to stderr")
	cmd.MarkFlagsMutuallyExclusive("pick", "count")
	return cmd
}

// pickCPUs returns the n lowest CPUs from the free CPUs, or an error if there
// are less free CPUs.
func pickCPUs(free freecpus.Set, n uint) (freecpus.Set, error) {
	if avail := free.Count(); avail < n {
		return nil, fmt.Errorf("only %d free CPUs, but %d requested", avail, n)
	}
	list := free.List()
	picked := freecpus.Set{}
	for range n {
		var cpu uint
		cpu, list = list.Remove()
		picked = picked.AddRange(cpu, cpu)
	}
	return picked, nil
}

// runPinned starts the child command pinned to the specified CPUs and waits
// for it to terminate. The child inherits the CPU affinity of the OS thread
// forking it, so we fork from a locked and pinned thread that then gets thrown
// away, leaving the affinities of our other threads untouched.
func runPinned(child *exec.Cmd, cpus freecpus.Set) error {
	if cpus.Count() == 0 {
		return errors.New("no free CPUs to run the command on")
	}
	started := make(chan error, 1)
	go func() {
		runtime.LockOSThread() // don't unlock, throw away the tainted task
		affinity, err := freecpus.Affinity(0)
		if err != nil {
			started <- err
			return
		}
		if !cpus.IsOverlapping(affinity) {
			started <- fmt.Errorf("not allowed to run on any of CPUs %s", cpus)
			return
		}
		if err := cpus.PinTask(0); err != nil {
			started <- fmt.Errorf("cannot pin to CPUs %s, %w", cpus, err)
			return
		}
		started <- child.Start()
	}()
	if err := <-started; err != nil {
		return err
	}
	return child.Wait()
}
