// Package stopper applies the stop policy for capture workers: a cooperative
// stop file first, then a kill through the live table, then a kill of the pid
// recorded in the durable registry.
package stopper

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loykin/capturectl/internal/metrics"
	"github.com/loykin/capturectl/internal/process"
	"github.com/loykin/capturectl/internal/registry"
	"github.com/loykin/capturectl/internal/table"
)

// ErrNotFound is returned when a mechanism has no target for the key.
var ErrNotFound = errors.New("no active capture")

// Mechanism names the step that stopped a capture.
type Mechanism string

const (
	MechanismSignal Mechanism = "signal"
	MechanismKill   Mechanism = "kill"
	MechanismPID    Mechanism = "pid"
	MechanismNone   Mechanism = "none"
)

// Outcome describes the result of one stop request.
type Outcome struct {
	Applied   bool
	Mechanism Mechanism
}

// Coordinator stops captures by key.
type Coordinator struct {
	table *table.Table
	reg   *registry.Registry
	log   *slog.Logger

	now       func() time.Time
	terminate func(pid int) error
	matches   func(pid int, startTime int64) bool
}

// New returns a Coordinator over t and the registry it mirrors into.
func New(t *table.Table, l *slog.Logger) *Coordinator {
	if l == nil {
		l = slog.Default()
	}
	return &Coordinator{
		table:     t,
		reg:       t.Registry(),
		log:       l.With("component", "stopper"),
		now:       time.Now,
		terminate: process.Terminate,
		matches:   process.Matches,
	}
}

// RequestStop reports whether some stop mechanism was applied to key.
func (c *Coordinator) RequestStop(key string) bool {
	return c.Stop(key).Applied
}

// Stop escalates through the stop file, the live handle and the recorded pid,
// returning at the first mechanism that applies.
func (c *Coordinator) Stop(key string) Outcome {
	out := c.stop(key)
	metrics.IncStop(string(out.Mechanism))
	c.log.Info("stop requested", "key", key, "applied", out.Applied, "mechanism", out.Mechanism)
	return out
}

func (c *Coordinator) stop(key string) Outcome {
	if err := c.Signal(key); err == nil {
		return Outcome{Applied: true, Mechanism: MechanismSignal}
	}
	if err := c.ForceKill(key); err == nil {
		return Outcome{Applied: true, Mechanism: MechanismKill}
	} else if !errors.Is(err, ErrNotFound) {
		return Outcome{Mechanism: MechanismKill}
	}
	if err := c.KillPersisted(key); err == nil {
		return Outcome{Applied: true, Mechanism: MechanismPID}
	}
	return Outcome{Mechanism: MechanismNone}
}

// StopPath returns the stop file for key from the live table, else from the
// registry.
func (c *Coordinator) StopPath(key string) (string, bool) {
	if e, ok := c.table.Get(key); ok && e.StopFile != "" {
		return e.StopFile, true
	}
	if rec, ok := c.reg.Find(key); ok && rec.StopFile != "" {
		return rec.StopFile, true
	}
	return "", false
}

// Signal writes the current time into the stop file of key. It does not wait
// for the worker to react.
func (c *Coordinator) Signal(key string) error {
	path, ok := c.StopPath(key)
	if !ok {
		return ErrNotFound
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		c.log.Warn("create stop dir", "key", key, "path", path, "error", err)
		return err
	}
	payload := strconv.FormatInt(c.now().UnixMilli(), 10)
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		c.log.Warn("write stop file", "key", key, "path", path, "error", err)
		return err
	}
	return nil
}

// ForceKill terminates the live worker for key. Its entry is dropped from the
// table and the registry whatever the kill returned; an attempt registered
// under the same key meanwhile is left alone. A worker that already
// exited counts as stopped.
func (c *Coordinator) ForceKill(key string) error {
	e, ok := c.table.Get(key)
	if !ok {
		return ErrNotFound
	}
	defer c.table.Release(key, e.Handle)
	if err := e.Handle.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.log.Warn("kill worker", "key", key, "pid", e.Handle.PID(), "error", err)
		return fmt.Errorf("kill pid %d: %w", e.Handle.PID(), err)
	}
	return nil
}

// KillPersisted terminates the pid recorded for key in the registry. It is the
// path used after a supervisor restart, when no handle exists. A record whose
// process is gone, or whose pid now names a different process, is dropped and
// reported as not stopped.
func (c *Coordinator) KillPersisted(key string) error {
	rec, ok := c.reg.Find(key)
	if !ok || rec.PID <= 0 {
		return ErrNotFound
	}
	if !c.matches(rec.PID, rec.StartTime) {
		c.log.Info("recorded worker is gone", "key", key, "pid", rec.PID)
		c.reg.RemoveIf(key, rec.PID)
		return fmt.Errorf("pid %d: %w", rec.PID, os.ErrProcessDone)
	}
	if err := c.terminate(rec.PID); err != nil {
		c.log.Warn("kill recorded worker", "key", key, "pid", rec.PID, "error", err)
		return fmt.Errorf("kill pid %d: %w", rec.PID, err)
	}
	c.reg.RemoveIf(key, rec.PID)
	return nil
}

// SignalOrKill applies the stop file or, failing that, the live kill.
func (c *Coordinator) SignalOrKill(key string) bool {
	if c.Signal(key) == nil {
		metrics.IncStop(string(MechanismSignal))
		return true
	}
	if c.ForceKill(key) == nil {
		metrics.IncStop(string(MechanismKill))
		return true
	}
	return false
}

// StopActive applies SignalOrKill to every live capture. It returns how many
// captures were tracked and whether any stop was applied.
func (c *Coordinator) StopActive() (int, bool) {
	keys := c.table.Keys()
	applied := false
	for _, k := range keys {
		if c.SignalOrKill(k) {
			applied = true
		}
	}
	return len(keys), applied
}

// StopAll applies SignalOrKill to every live capture, then clears the registry
// unconditionally. It returns the number of captures a mechanism applied to.
func (c *Coordinator) StopAll() int {
	n := 0
	for _, k := range c.table.Keys() {
		if c.SignalOrKill(k) {
			n++
		}
	}
	c.reg.Clear()
	c.log.Info("stop all", "stopped", n)
	return n
}
