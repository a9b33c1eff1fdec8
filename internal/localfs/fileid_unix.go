//go:build linux || darwin

package localfs

import (
	"fmt"
	"os"
	"syscall"
)

// FileID returns the OS-level (device, inode) pair for path, used to
// disambiguate renames from delete+create pairs.
func FileID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("localfs: stat %s: %w", path, err)
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", fmt.Errorf("localfs: no syscall.Stat_t for %s", path)
	}

	return fmt.Sprintf("%d:%d", stat.Dev, stat.Ino), nil
}
