//go:build linux || darwin || freebsd

package space

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// StatfsProbe reads volume usage with statfs(2). Free is the space available
// to unprivileged users, which is what a transfer can actually consume.
type StatfsProbe struct{}

func (StatfsProbe) Usage(path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := int64(st.Bsize)
	return Usage{
		Total: int64(st.Blocks) * bsize,
		Free:  int64(st.Bavail) * bsize,
	}, nil
}
