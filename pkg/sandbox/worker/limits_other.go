//go:build !linux && !darwin

package worker

// ApplyProcessLimits is a no-op on platforms without setrlimit. The
// interpreter budgets still apply.
func ApplyProcessLimits(cpuSeconds, memMB, maxFiles uint64) error {
	return nil
}

// CPUTimeMillis returns 0 where rusage is unavailable.
func CPUTimeMillis() int64 {
	return 0
}
