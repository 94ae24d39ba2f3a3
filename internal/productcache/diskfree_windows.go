//go:build windows

package productcache

import "golang.org/x/sys/windows"

// diskFree returns the bytes available to the caller on the volume holding path
func diskFree(path string) (int64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var freeAvail, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &freeAvail, &total, &totalFree); err != nil {
		return 0, err
	}
	return int64(freeAvail), nil
}
