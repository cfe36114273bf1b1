package registry

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/loykin/capturectl/internal/metrics"
)

// Record is the durable trace of one running capture. The PID may already
// have exited; consumers treat a failed signal to it as a terminal outcome.
type Record struct {
	Key      string `json:"key"`
	PID      int    `json:"pid"`
	StopFile string `json:"stopFile,omitempty"`
	// StartTime is the worker's creation time in Unix seconds, used to detect
	// PID reuse after a supervisor restart. Zero when unknown.
	StartTime int64 `json:"startTime,omitempty"`
}

// Backend loads and saves the whole record set.
type Backend interface {
	Load() ([]Record, error)
	Save(recs []Record) error
}

// Registry is a best-effort durable set of records keyed by capture key.
// Every mutation is a read-modify-write of the whole set under one mutex.
// Backend failures are logged and counted, never returned.
type Registry struct {
	mu      sync.Mutex
	backend Backend
	log     *slog.Logger
	lastErr error
}

// New returns a Registry over backend.
func New(backend Backend, l *slog.Logger) *Registry {
	if l == nil {
		l = slog.Default()
	}
	return &Registry{backend: backend, log: l.With("component", "registry")}
}

// NewFile returns a Registry persisted as a JSON array at path.
func NewFile(path string, l *slog.Logger) *Registry {
	return New(NewFileBackend(path), l)
}

// NewMemory returns a Registry that lives only as long as the process.
func NewMemory(l *slog.Logger) *Registry {
	return New(NewMemoryBackend(), l)
}

// Load returns the current record set; an empty set when the backend fails.
func (r *Registry) Load() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Save overwrites the record set.
func (r *Registry) Save(recs []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.save(recs)
}

// Upsert replaces any record for rec.Key with rec.
func (r *Registry) Upsert(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := slices.DeleteFunc(r.load(), func(x Record) bool { return x.Key == rec.Key })
	r.save(append(recs, rec))
}

// Remove deletes any record for key. Removing a missing key is a no-op.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := r.load()
	next := slices.DeleteFunc(slices.Clone(recs), func(x Record) bool { return x.Key == key })
	if len(next) == len(recs) {
		return
	}
	r.save(next)
}

// RemoveIf deletes the record for key only when it still names pid, so a
// finished attempt cannot erase the record of a newer attempt for the same key.
func (r *Registry) RemoveIf(key string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := r.load()
	next := slices.DeleteFunc(slices.Clone(recs), func(x Record) bool { return x.Key == key && x.PID == pid })
	if len(next) == len(recs) {
		return
	}
	r.save(next)
}

// Find returns the record for key.
func (r *Registry) Find(key string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.load() {
		if rec.Key == key {
			return rec, true
		}
	}
	return Record{}, false
}

// Keys lists the keys of all records.
func (r *Registry) Keys() []string {
	recs := r.Load()
	keys := make([]string, 0, len(recs))
	for _, rec := range recs {
		keys = append(keys, rec.Key)
	}
	return keys
}

// LastError returns the most recent backend failure, or nil once a later
// operation succeeded. It is for diagnostics only.
func (r *Registry) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Clear drops every record.
func (r *Registry) Clear() {
	r.Save(nil)
}

func (r *Registry) load() []Record {
	recs, err := r.backend.Load()
	if err != nil {
		r.log.Warn("registry load failed; treating as empty", "error", err)
		metrics.IncRegistryError("load")
		r.lastErr = err
		return nil
	}
	r.lastErr = nil
	return dedupe(recs)
}

func (r *Registry) save(recs []Record) {
	if recs == nil {
		recs = []Record{}
	}
	if err := r.backend.Save(recs); err != nil {
		r.log.Warn("registry save failed", "error", err, "records", len(recs))
		metrics.IncRegistryError("save")
		r.lastErr = err
		return
	}
	r.lastErr = nil
}

// dedupe keeps the last record per key so a hand-edited or legacy file still
// honors at-most-one-record-per-key.
func dedupe(recs []Record) []Record {
	idx := make(map[string]int, len(recs))
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if rec.Key == "" {
			continue
		}
		if i, ok := idx[rec.Key]; ok {
			out[i] = rec
			continue
		}
		idx[rec.Key] = len(out)
		out = append(out, rec)
	}
	return out
}
