//go:build windows

package process

import (
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	PROCESS_TERMINATE         = 0x0001
	PROCESS_QUERY_INFORMATION = 0x0400
)

// terminate ends a Windows process by PID. Windows has no cooperative
// termination signal for console-less children, so this is TerminateProcess.
func terminate(pid int) error {
	if pid <= 0 {
		return ErrNotStarted
	}
	handle, err := openProcess(PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer func() { _ = closeHandle(handle) }()

	ret, _, err := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

func forceKill(pid int) error { return terminate(pid) }

// Alive reports whether pid refers to a running process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if ok, err := gopsproc.PidExists(int32(pid)); err == nil {
		return ok
	}
	return checkProcessExists(pid) == nil
}

// checkProcessExists checks if a process exists (equivalent to kill(pid, 0) on Unix)
func checkProcessExists(pid int) error {
	handle, err := openProcess(PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return err
	}
	defer func() { _ = closeHandle(handle) }()
	return nil
}

// openProcess opens a process handle
func openProcess(access uint32, inheritHandle bool, processID uint32) (syscall.Handle, error) {
	inherit := 0
	if inheritHandle {
		inherit = 1
	}

	ret, _, err := procOpenProcess.Call(
		uintptr(access),
		uintptr(inherit),
		uintptr(processID),
	)

	if ret == 0 {
		return 0, err
	}

	return syscall.Handle(ret), nil
}

// closeHandle closes a Windows handle
func closeHandle(handle syscall.Handle) error {
	ret, _, err := procCloseHandle.Call(uintptr(handle))
	if ret == 0 {
		return err
	}
	return nil
}
