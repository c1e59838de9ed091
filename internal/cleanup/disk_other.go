//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package cleanup

import "errors"

func diskStats(string) (total, free uint64, err error) {
	return 0, 0, errors.ErrUnsupported
}
