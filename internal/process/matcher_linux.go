//go:build linux

package process

import (
	"fmt"
	"os"
	"strconv"
)

// queryProcessPath retrieves the executable path for a PID by reading the
// /proc/<pid>/exe symlink, the standard no-CGO technique on Linux.
func queryProcessPath(pid uint32) (string, error) {
	path, err := os.Readlink("/proc/" + strconv.FormatUint(uint64(pid), 10) + "/exe")
	if err != nil {
		return "", fmt.Errorf("readlink /proc/%d/exe: %w", pid, err)
	}
	return path, nil
}
