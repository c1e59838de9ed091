//go:build linux || darwin || freebsd || netbsd || openbsd

package cleanup

import "golang.org/x/sys/unix"

func diskStats(dir string) (total, free uint64, err error) {
	var stat unix.Statfs_t
	if err = unix.Statfs(dir, &stat); err != nil {
		return 0, 0, err
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bfree * uint64(stat.Bsize), nil
}
