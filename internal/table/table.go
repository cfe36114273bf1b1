// Package table holds the in-memory set of running capture workers. It is the
// authoritative view while the supervisor runs and mirrors every change into
// the durable registry so the set can be recovered after a restart.
package table

import (
	"errors"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/loykin/capturectl/internal/metrics"
	"github.com/loykin/capturectl/internal/registry"
)

// Handle is the subset of a process handle the table needs.
type Handle interface {
	PID() int
	StartTime() int64
	Exited() bool
	Kill() error
}

// Entry is one tracked worker.
type Entry struct {
	Handle   Handle
	StopFile string
}

// Table maps capture keys to running workers.
type Table struct {
	mu      sync.Mutex
	entries map[string]Entry
	reg     *registry.Registry
	log     *slog.Logger
}

// New returns an empty table mirrored into reg.
func New(reg *registry.Registry, l *slog.Logger) *Table {
	if l == nil {
		l = slog.Default()
	}
	return &Table{
		entries: make(map[string]Entry),
		reg:     reg,
		log:     l.With("component", "table"),
	}
}

// Registry returns the durable registry the table mirrors into.
func (t *Table) Registry() *registry.Registry { return t.reg }

// Register installs h under key. A previous worker under the same key that
// has not exited is asked to terminate first; a failure to do so is logged
// and ignored.
func (t *Table) Register(key string, h Handle, stopFile string) {
	t.mu.Lock()
	if old, ok := t.entries[key]; ok && old.Handle != h && !old.Handle.Exited() {
		if err := old.Handle.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.log.Warn("terminate superseded worker", "key", key, "pid", old.Handle.PID(), "error", err)
		} else {
			t.log.Info("superseded worker terminated", "key", key, "pid", old.Handle.PID())
		}
	}
	t.entries[key] = Entry{Handle: h, StopFile: stopFile}
	t.reg.Upsert(registry.Record{
		Key:       key,
		PID:       h.PID(),
		StopFile:  stopFile,
		StartTime: h.StartTime(),
	})
	n := len(t.entries)
	t.mu.Unlock()
	metrics.SetActive(n)
}

// Remove drops key from the table and the registry. Removing a missing key
// is a no-op.
func (t *Table) Remove(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.reg.Remove(key)
	n := len(t.entries)
	t.mu.Unlock()
	metrics.SetActive(n)
}

// Release drops key only while it still refers to h, so the cleanup of a
// superseded attempt leaves the entry of its successor alone. It reports
// whether the in-memory entry was removed.
func (t *Table) Release(key string, h Handle) bool {
	t.mu.Lock()
	cur, ok := t.entries[key]
	removed := ok && cur.Handle == h
	if removed {
		delete(t.entries, key)
	}
	t.reg.RemoveIf(key, h.PID())
	n := len(t.entries)
	t.mu.Unlock()
	metrics.SetActive(n)
	return removed
}

// Get returns the entry for key.
func (t *Table) Get(key string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	return e, ok
}

// IsActive reports whether key has an entry.
func (t *Table) IsActive(key string) bool {
	_, ok := t.Get(key)
	return ok
}

// Keys returns the tracked keys in sorted order.
func (t *Table) Keys() []string {
	t.mu.Lock()
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	t.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// PIDs returns key to pid for every tracked worker.
func (t *Table) PIDs() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.entries))
	for k, e := range t.entries {
		out[k] = e.Handle.PID()
	}
	return out
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
