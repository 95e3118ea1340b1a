package backend

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// WritePIDMarker records the decimal pid in the server working directory.
func WritePIDMarker(workDir string, pid int) error {
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(workDir, PIDMarkerName), []byte(strconv.Itoa(pid)), 0o600)
}

// ReadPIDMarker returns the pid recorded in workDir, or an error when the
// marker is absent or malformed.
func ReadPIDMarker(workDir string) (int, error) {
	b, err := os.ReadFile(filepath.Join(workDir, PIDMarkerName))
	if err != nil {
		return 0, err
	}
	// First line only; older markers may carry trailing metadata.
	line, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// RemovePIDMarker deletes the marker, best-effort.
func RemovePIDMarker(workDir string) {
	_ = os.Remove(filepath.Join(workDir, PIDMarkerName))
}

// PIDAlive reports whether a process with the given pid exists. EPERM counts
// as alive: the process is there, we just may not own it.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
