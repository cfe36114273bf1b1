//go:build !windows

package process

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// terminate sends SIGTERM to the process group led by pid, falling back to the
// single process when pid does not lead a group.
func terminate(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// forceKill sends SIGKILL to the process group led by pid.
func forceKill(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// Alive reports whether pid refers to a running, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil {
		ok = syscall.Kill(pid, 0) == nil
	}
	if !ok {
		return false
	}
	return !(runtime.GOOS == "linux" && isZombieLinux(pid))
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
