//go:build windows

package capacity

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func statVolume(path string) (Volume, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return Volume{}, fmt.Errorf("volume path %s: %w", path, err)
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return Volume{}, fmt.Errorf("disk free space %s: %w", path, err)
	}
	return Volume{Total: int64(total), Free: int64(free), Available: int64(avail)}, nil
}
