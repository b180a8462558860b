//go:build linux

package tmpfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves size bytes for f. Filesystems without fallocate
// support are left alone.
//
//nolint:gosec // G115: fd values are small non-negative integers
func preallocate(f *os.File, size int64) {
	//nolint:errcheck // advisory; tmpfs and some network filesystems refuse it
	unix.Fallocate(int(f.Fd()), 0, 0, size)
}
