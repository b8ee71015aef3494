//go:build linux || darwin

package worker

import (
	"golang.org/x/sys/unix"
)

// ApplyProcessLimits installs kernel resource ceilings on the worker
// process before any unit payload runs. These back up the interpreter
// budgets: a runaway script is killed by the kernel even if it escapes
// the step counter.
func ApplyProcessLimits(cpuSeconds, memMB, maxFiles uint64) error {
	if cpuSeconds > 0 {
		lim := unix.Rlimit{Cur: cpuSeconds, Max: cpuSeconds + 1}
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &lim); err != nil {
			return err
		}
	}
	if memMB > 0 {
		bytes := memMB * 1024 * 1024
		lim := unix.Rlimit{Cur: bytes, Max: bytes}
		if err := unix.Setrlimit(unix.RLIMIT_AS, &lim); err != nil {
			return err
		}
	}
	if maxFiles > 0 {
		lim := unix.Rlimit{Cur: maxFiles, Max: maxFiles}
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
			return err
		}
	}
	return nil
}

// CPUTimeMillis reports the process's consumed CPU time (user + system).
func CPUTimeMillis() int64 {
	var usage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &usage); err != nil {
		return 0
	}
	user := int64(usage.Utime.Sec)*1000 + int64(usage.Utime.Usec)/1000
	sys := int64(usage.Stime.Sec)*1000 + int64(usage.Stime.Usec)/1000
	return user + sys
}
