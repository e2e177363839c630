//go:build !linux && !darwin

package eval

// peakRSS is unavailable on this platform; workers never self-recycle.
func peakRSS() uint64 {
	return 0
}
