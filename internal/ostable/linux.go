//go:build linux

package ostable

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"multitun/internal/core"
)

// LinuxReader implements Reader by parsing /proc/net/{tcp,udp} for local
// ports and socket inodes, then joining those inodes against /proc/*/fd
// entries to recover the owning PID — the standard no-CGO technique on
// Linux, also used by tools like ss and lsof.
type LinuxReader struct{}

// NewReader returns the platform connection-table reader.
func NewReader() *LinuxReader { return &LinuxReader{} }

func (r *LinuxReader) Scan() ([]Entry, error) {
	inodeToPort := make(map[string]struct {
		port  uint16
		proto core.IPProtocol
	})

	if err := scanProcNet("/proc/net/tcp", core.ProtoTCP, inodeToPort); err != nil {
		return nil, err
	}
	if err := scanProcNet("/proc/net/udp", core.ProtoUDP, inodeToPort); err != nil {
		return nil, err
	}
	if len(inodeToPort) == 0 {
		return nil, nil
	}

	pidForInode, err := scanProcFDs()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(inodeToPort))
	for inode, info := range inodeToPort {
		pid, ok := pidForInode[inode]
		if !ok {
			continue
		}
		entries = append(entries, Entry{Proto: info.proto, LocalPort: info.port, PID: pid})
	}
	return entries, nil
}

func scanProcNet(path string, proto core.IPProtocol, out map[string]struct {
	port  uint16
	proto core.IPProtocol
}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		// fields[1] = "local_address:port" in hex, fields[9] = inode
		localParts := strings.Split(fields[1], ":")
		if len(localParts) != 2 {
			continue
		}
		portVal, err := strconv.ParseUint(localParts[1], 16, 16)
		if err != nil {
			continue
		}
		inode := fields[9]
		if inode == "0" {
			continue
		}
		out[inode] = struct {
			port  uint16
			proto core.IPProtocol
		}{port: uint16(portVal), proto: proto}
	}
	return scanner.Err()
}

// scanProcFDs walks /proc/<pid>/fd, resolving "socket:[<inode>]" symlinks
// back to the owning PID. Processes the caller lacks permission to inspect
// are silently skipped rather than failing the whole scan.
func scanProcFDs() (map[string]uint32, error) {
	result := make(map[string]uint32)

	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("readdir /proc: %w", err)
	}

	for _, pe := range procEntries {
		pid, err := strconv.ParseUint(pe.Name(), 10, 32)
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", pe.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue // permission denied or process exited mid-scan
		}
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if strings.HasPrefix(target, "socket:[") {
				inode := strings.TrimSuffix(strings.TrimPrefix(target, "socket:["), "]")
				result[inode] = uint32(pid)
			}
		}
	}
	return result, nil
}
