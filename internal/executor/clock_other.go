//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package executor

// Now returns a monotonic reading in nanoseconds since process start.
func Now() int64 {
	return fallbackNow()
}
