//go:build !windows

package capacity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func statVolume(path string) (Volume, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Volume{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	block := int64(st.Bsize) //nolint:unconvert // uint32 on darwin
	return Volume{
		Total:     int64(st.Blocks) * block,
		Free:      int64(st.Bfree) * block,
		Available: int64(st.Bavail) * block,
	}, nil
}
