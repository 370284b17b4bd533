/*
Package freecpus discovers the logical CPUs on a Linux host that are not
monopolized by user-space processes pinned to exactly one CPU.

A process counts as occupying CPU k if its “/proc/$PID/status” shows a “VmSize”
field (that is, it has a user-space memory image and thus isn't a kernel
thread) and its “Cpus_allowed_list” is exactly k. Processes allowed to run on
CPU ranges or CPU lists float around and thus don't occupy any particular CPU.
[FreeCPUs] then returns all CPUs 0..N-1 minus the occupied CPUs, where N is the
number of online CPUs.

The result is a best-effort snapshot: processes come and go, and change their
affinities, while the scan is in progress. Callers pinning their workers should
thus defer the final decision to the moment they spawn their workers.

  free, err := freecpus.FreeCPUs()
  if err != nil {
      // can't safely assign CPUs on this host
  }
  cpu, _ := free.List().Remove()

Logically, [List] and [Set] are equivalent, as they both represent sets of one
or more logical CPUs. Each logical CPU is identified by their 0-based CPU
number. The difference between List and Set lies in their internal
representations, mirroring different representation forms in the Linux syscalls
and procfs pseudo files.

  - [List] internally stores CPU numbers as ranges, such as 1-4, 8-15.
  - [Set] internally stores CPU numbers as bits in a bytestream, such as (hex)
    ff1e.

This package only builds on Linux, as there is no other platform exposing the
same process information in the same shape.
*/
package freecpus
