//go:build windows

package localfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// FileID returns Windows' file-information index (volume serial number +
// 64-bit file index) for path, the NTFS equivalent of a POSIX (device,
// inode) pair.
func FileID(path string) (string, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return "", fmt.Errorf("localfs: encoding path %s: %w", path, err)
	}

	handle, err := windows.CreateFile(p, 0, windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, windows.FILE_FLAG_BACKUP_SEMANTICS, 0)
	if err != nil {
		return "", fmt.Errorf("localfs: opening %s: %w", path, err)
	}
	defer windows.CloseHandle(handle) //nolint:errcheck

	var info windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(handle, &info); err != nil {
		return "", fmt.Errorf("localfs: querying file information for %s: %w", path, err)
	}

	return fmt.Sprintf("%d:%d:%d", info.VolumeSerialNumber, info.FileIndexHigh, info.FileIndexLow), nil
}
