//go:build linux || darwin || freebsd || netbsd || openbsd

package executor

import "golang.org/x/sys/unix"

// Now returns the system monotonic clock in nanoseconds. Readings are
// comparable between processes on the same host.
func Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return fallbackNow()
	}
	return ts.Nano()
}
