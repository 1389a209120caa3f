//go:build unix

package provider

import (
	"fmt"
	"syscall"
)

func statVolume(path string) (StorageInfo, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return StorageInfo{}, fmt.Errorf("statfs %q: %w", path, err)
	}

	blockSize := uint64(stat.Bsize)
	total := stat.Blocks * blockSize
	free := stat.Bavail * blockSize

	return StorageInfo{
		Path:  path,
		Total: total,
		Free:  free,
		Used:  total - free,
	}, nil
}
