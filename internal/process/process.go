package process

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrNotStarted is returned when a handle is used without a running process.
var ErrNotStarted = errors.New("process not started")

// Process is an owned handle to a spawned worker. A reaper goroutine started by
// Start waits on the child, so Exited is accurate without any caller blocking.
type Process struct {
	cmd       *exec.Cmd
	pid       int
	startTime int64

	mu       sync.Mutex
	exited   bool
	killed   bool
	state    *os.ProcessState
	waitErr  error
	exitedAt time.Time
	done     chan struct{}
}

// Start configures process attributes for cmd, starts it and begins reaping it
// in the background.
func Start(cmd *exec.Cmd) (*Process, error) {
	if cmd.SysProcAttr == nil {
		configureSysProcAttr(cmd)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &Process{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	p.startTime = StartTime(p.pid)
	go p.reap()
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exited = true
	p.state = p.cmd.ProcessState
	p.waitErr = err
	p.exitedAt = time.Now()
	p.mu.Unlock()
	close(p.done)
}

// PID returns the operating system process id.
func (p *Process) PID() int { return p.pid }

// StartTime returns the process creation time as Unix seconds, or 0 when the
// platform could not report it.
func (p *Process) StartTime() int64 { return p.startTime }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Killed reports whether Kill or ForceKill delivered a signal to the process.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Kill asks the process (and its group) to terminate. It returns
// os.ErrProcessDone when the process has already exited.
func (p *Process) Kill() error {
	return p.deliver(terminate)
}

// ForceKill kills the process (and its group) without giving it a chance to clean up.
func (p *Process) ForceKill() error {
	return p.deliver(forceKill)
}

func (p *Process) deliver(fn func(int) error) error {
	if p == nil || p.cmd == nil {
		return ErrNotStarted
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return os.ErrProcessDone
	}
	if err := fn(p.pid); err != nil {
		return err
	}
	p.killed = true
	return nil
}

// Wait blocks until the process exits and returns its final state. It may be
// called any number of times from any goroutine.
func (p *Process) Wait() (*os.ProcessState, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.waitErr
}

// ExitCode returns the exit code of an exited process, -1 when it was
// terminated by a signal or has not exited yet.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return -1
	}
	return p.state.ExitCode()
}

// Matches reports whether pid still names the process that was created at
// startTime. A zero startTime means the creation time is unknown and only
// liveness is checked.
func Matches(pid int, startTime int64) bool {
	if !Alive(pid) {
		return false
	}
	if startTime == 0 {
		return true
	}
	now := StartTime(pid)
	if now == 0 {
		return true
	}
	// /proc resolution is one clock tick; allow a second of skew.
	d := now - startTime
	return d >= -1 && d <= 1
}

// Terminate sends a termination request to a process that is not owned by this
// supervisor, such as a worker spawned before a restart.
func Terminate(pid int) error {
	if pid <= 0 {
		return ErrNotStarted
	}
	return terminate(pid)
}
