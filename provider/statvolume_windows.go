//go:build windows

package provider

func statVolume(path string) (StorageInfo, error) {
	return StorageInfo{}, ErrUnsupported
}
