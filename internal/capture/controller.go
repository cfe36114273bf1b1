// Package capture runs capture workers. A Controller spawns the worker,
// registers it in the live table before returning, bounds its runtime with a
// safety timeout and turns its exit into a Result.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/capturectl/internal/history"
	"github.com/loykin/capturectl/internal/logger"
	"github.com/loykin/capturectl/internal/metrics"
	"github.com/loykin/capturectl/internal/process"
	"github.com/loykin/capturectl/internal/table"
)

const (
	DefaultGrace            = 5 * time.Second
	DefaultUnlimitedTimeout = 24 * time.Hour
	DefaultKillGrace        = 2 * time.Second
	DefaultDiagLimit        = 64 << 10
)

// Options configure a Controller. Zero values select the defaults.
type Options struct {
	// StopDir holds the per-attempt stop files.
	StopDir string
	// Grace is added to the requested duration to form the safety timeout.
	Grace time.Duration
	// UnlimitedTimeout bounds a capture requested with duration 0.
	UnlimitedTimeout time.Duration
	// KillGrace is how long a worker may take to exit after the termination
	// request before it is killed outright.
	KillGrace time.Duration
	// DiagLimit caps the bytes of stdout and stderr kept per attempt.
	DiagLimit int
	// Env holds KEY=VALUE pairs added to the inherited worker environment.
	Env []string
	// WorkerLogs, when it names a directory or paths, receives a copy of
	// each worker's output.
	WorkerLogs logger.FileConfig
	History    *history.Recorder
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Grace <= 0 {
		o.Grace = DefaultGrace
	}
	if o.UnlimitedTimeout <= 0 {
		o.UnlimitedTimeout = DefaultUnlimitedTimeout
	}
	if o.KillGrace <= 0 {
		o.KillGrace = DefaultKillGrace
	}
	if o.DiagLimit <= 0 {
		o.DiagLimit = DefaultDiagLimit
	}
	if o.StopDir == "" {
		o.StopDir = os.TempDir()
	}
	o.Logger = logger.OrDefault(o.Logger)
	return o
}

// Params describe one capture attempt.
type Params struct {
	Key    string
	Worker string
	// Args are passed to the worker before the stop file path.
	Args []string
	// Artifact is the file the worker must leave behind.
	Artifact string
	// Location is reported on success; Artifact when empty.
	Location string
	// Duration is the requested capture length in seconds, 0 for unlimited.
	Duration int
}

// Timeout returns the safety timeout for p.
func (o Options) Timeout(duration int) time.Duration {
	o = o.withDefaults()
	if duration > 0 {
		return time.Duration(duration)*time.Second + o.Grace
	}
	return o.UnlimitedTimeout
}

// Controller launches and supervises capture workers.
type Controller struct {
	table *table.Table
	opts  Options
	log   *slog.Logger
	seq   atomic.Uint64
}

// New returns a Controller registering its workers in t.
func New(t *table.Table, opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		table: t,
		opts:  opts,
		log:   opts.Logger.With("component", "capture"),
	}
}

// StartCapture runs one attempt to completion. Registration in the live table
// happens before the attempt waits, so a concurrent stop finds the worker.
// Canceling ctx terminates the worker.
func (c *Controller) StartCapture(ctx context.Context, p Params) Result {
	a, err := c.Launch(ctx, p)
	if err != nil {
		return Result{Key: p.Key, Outcome: OutcomeFailed, ExitCode: -1, Message: err.Error(), Err: err}
	}
	return a.Wait()
}

// Launch spawns the worker for p and registers it. The returned Attempt is
// already supervised; Wait blocks until it has been cleaned up. A spawn
// failure returns a *SpawnError and leaves no table entry.
func (c *Controller) Launch(ctx context.Context, p Params) (*Attempt, error) {
	if p.Key == "" {
		return nil, errors.New("capture key is required")
	}
	started := time.Now()
	a := &Attempt{
		id:       fmt.Sprintf("%d-%d", started.UnixMilli(), c.seq.Add(1)),
		params:   p,
		stopPath: StopPath(c.opts.StopDir, p.Key, started),
		started:  started,
		timeout:  c.opts.Timeout(p.Duration),
		stdout:   newTailBuffer(c.opts.DiagLimit),
		stderr:   newTailBuffer(c.opts.DiagLimit),
		done:     make(chan struct{}),
		c:        c,
		log:      c.log.With("key", p.Key),
	}
	a.setState(StateSpawning)
	if err := os.Remove(a.stopPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.log.Warn("remove stale stop file", "path", a.stopPath, "error", err)
	}

	cmd := exec.Command(p.Worker, append(append([]string(nil), p.Args...), a.stopPath)...)
	if len(c.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), c.opts.Env...)
	}
	cmd.Stdout, cmd.Stderr = a.outputs()
	// output pipes held open by a grandchild must not block reaping
	cmd.WaitDelay = c.opts.KillGrace

	proc, err := process.Start(cmd)
	if err != nil {
		a.closeOutputs()
		a.removeStopFile()
		a.setState(StateFailed)
		serr := &SpawnError{Worker: p.Worker, Err: err}
		a.log.Error("spawn worker", "worker", p.Worker, "error", err)
		metrics.ObserveResult(string(OutcomeFailed), 0)
		c.opts.History.Record(ctx, history.Event{Type: history.EventFinish, Attempt: a.record(Result{
			Outcome: OutcomeFailed, ExitCode: -1, Message: serr.Error(),
		})})
		a.setState(StateCleanedUp)
		return nil, serr
	}
	a.proc = proc
	c.table.Register(p.Key, proc, a.stopPath)
	a.setState(StateRunning)
	metrics.IncAttempt()
	a.log.Info("worker started", "pid", proc.PID(), "worker", p.Worker, "args", cmd.Args[1:], "timeout", a.timeout)
	c.opts.History.Record(ctx, history.Event{Type: history.EventStart, OccurredAt: started.UTC(), Attempt: a.record(Result{})})

	go a.supervise(ctx)
	return a, nil
}

// Attempt is one running capture.
type Attempt struct {
	id       string
	params   Params
	stopPath string
	started  time.Time
	timeout  time.Duration
	proc     *process.Process
	c        *Controller
	log      *slog.Logger

	stdout, stderr *tailBuffer
	lines          []*logger.LineWriter
	files          []io.Closer

	state    atomic.Value
	timedOut atomic.Bool

	once   sync.Once
	done   chan struct{}
	result Result
}

// ID identifies the attempt in logs and history.
func (a *Attempt) ID() string { return a.id }

// Key returns the capture key.
func (a *Attempt) Key() string { return a.params.Key }

// PID returns the worker pid.
func (a *Attempt) PID() int { return a.proc.PID() }

// StopPath returns the stop file of this attempt.
func (a *Attempt) StopPath() string { return a.stopPath }

// State returns the current lifecycle state.
func (a *Attempt) State() State {
	s, _ := a.state.Load().(State)
	return s
}

// Done is closed after cleanup.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Wait blocks until the attempt has been cleaned up and returns its result.
func (a *Attempt) Wait() Result {
	<-a.done
	return a.result
}

func (a *Attempt) setState(s State) {
	a.state.Store(s)
}

func (a *Attempt) outputs() (io.Writer, io.Writer) {
	l := a.log.With("attempt", a.id)
	outLine := logger.NewLineWriter(l.With("stream", "stdout"), slog.LevelInfo, "worker output")
	errLine := logger.NewLineWriter(l.With("stream", "stderr"), slog.LevelWarn, "worker output")
	a.lines = []*logger.LineWriter{outLine, errLine}

	out := []io.Writer{a.stdout, outLine}
	errw := []io.Writer{a.stderr, errLine}
	fo, fe, err := a.c.opts.WorkerLogs.Writers(Sanitize(a.params.Key))
	if err != nil {
		a.log.Warn("open worker log files", "error", err)
	}
	if fo != nil {
		out = append(out, fo)
		a.files = append(a.files, fo)
	}
	if fe != nil {
		errw = append(errw, fe)
		a.files = append(a.files, fe)
	}
	return io.MultiWriter(out...), io.MultiWriter(errw...)
}

func (a *Attempt) closeOutputs() {
	for _, lw := range a.lines {
		lw.Flush()
	}
	for _, f := range a.files {
		_ = f.Close()
	}
}

func (a *Attempt) removeStopFile() {
	if err := os.Remove(a.stopPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.log.Warn("remove stop file", "path", a.stopPath, "error", err)
	}
}

func (a *Attempt) supervise(ctx context.Context) {
	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case <-a.proc.Done():
	case <-timer.C:
		a.timedOut.Store(true)
		metrics.IncTimeout()
		a.log.Warn("capture timeout reached, terminating worker", "pid", a.proc.PID(), "timeout", a.timeout)
		a.terminate()
	case <-ctx.Done():
		a.log.Info("capture canceled, terminating worker", "pid", a.proc.PID(), "error", ctx.Err())
		a.terminate()
	}
	_, _ = a.proc.Wait()
	a.finish(ctx)
}

// terminate asks the worker to exit and kills it if it is still running after
// KillGrace.
func (a *Attempt) terminate() {
	if err := a.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		a.log.Warn("terminate worker", "pid", a.proc.PID(), "error", err)
	}
	select {
	case <-a.proc.Done():
	case <-time.After(a.c.opts.KillGrace):
		a.log.Warn("worker ignored termination, killing", "pid", a.proc.PID())
		if err := a.proc.ForceKill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			a.log.Error("kill worker", "pid", a.proc.PID(), "error", err)
		}
	}
}

func (a *Attempt) finish(ctx context.Context) {
	a.once.Do(func() {
		a.c.table.Release(a.params.Key, a.proc)
		a.removeStopFile()
		a.closeOutputs()

		res := a.classify()
		a.setState(res.state())
		elapsed := time.Since(a.started)
		res.Elapsed = elapsed
		metrics.ObserveResult(string(res.Outcome), elapsed.Seconds())

		attrs := []any{"pid", a.proc.PID(), "outcome", res.Outcome, "exit_code", res.ExitCode, "elapsed", elapsed}
		if d := a.stdout.Dropped() + a.stderr.Dropped(); d > 0 {
			attrs = append(attrs, "diag_dropped_bytes", d)
		}
		if res.Success {
			a.log.Info("capture finished", attrs...)
		} else {
			a.log.Warn("capture failed", append(attrs, "message", res.Message)...)
		}
		a.c.opts.History.Record(ctx, history.Event{Type: history.EventFinish, Attempt: a.record(res)})

		a.result = res
		a.setState(StateCleanedUp)
		close(a.done)
	})
}

func (a *Attempt) classify() Result {
	code := a.proc.ExitCode()
	terminated := code == -1 || a.proc.Killed() || a.timedOut.Load()
	res := Result{
		Key:      a.params.Key,
		PID:      a.proc.PID(),
		ExitCode: code,
		TimedOut: a.timedOut.Load(),
		Stdout:   a.stdout.String(),
		Stderr:   a.stderr.String(),
	}
	if code != 0 && !terminated {
		err := &WorkerExitError{Code: code, Stderr: res.Stderr}
		res.Outcome, res.Message, res.Err = OutcomeFailed, err.Error(), err
		return res
	}
	if _, err := os.Stat(a.params.Artifact); err != nil {
		res.Outcome, res.Message = OutcomeFailed, ErrArtifactMissing.Error()
		res.Err = fmt.Errorf("%w: %s", ErrArtifactMissing, a.params.Artifact)
		return res
	}
	res.Success = true
	res.Outcome = OutcomeCompleted
	if terminated {
		res.Outcome = OutcomeTerminated
	}
	res.Location = a.params.Location
	if res.Location == "" {
		res.Location = a.params.Artifact
	}
	res.Message = res.Location
	return res
}

func (a *Attempt) record(res Result) history.Attempt {
	h := history.Attempt{
		ID:        a.id,
		Key:       a.params.Key,
		Worker:    a.params.Worker,
		Artifact:  a.params.Artifact,
		Duration:  a.params.Duration,
		StartedAt: a.started.UTC(),
		Outcome:   string(res.Outcome),
		ExitCode:  res.ExitCode,
		Message:   truncate(res.Message, 1024),
	}
	if a.proc != nil {
		h.PID = a.proc.PID()
	}
	if res.Outcome != "" {
		h.FinishedAt = time.Now().UTC()
	}
	return h
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
