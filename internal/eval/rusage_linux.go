//go:build linux

package eval

import "syscall"

// peakRSS reads the process's peak resident set size. Linux reports
// ru_maxrss in KiB.
func peakRSS() uint64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return uint64(ru.Maxrss) * 1024
}
