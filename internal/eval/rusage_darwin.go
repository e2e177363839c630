//go:build darwin

package eval

import "syscall"

// peakRSS reads the process's peak resident set size. Darwin reports
// ru_maxrss in bytes.
func peakRSS() uint64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return uint64(ru.Maxrss)
}
