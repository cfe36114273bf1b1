package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/loykin/capturectl/internal/capture"
	"github.com/loykin/capturectl/internal/logger"
	"github.com/loykin/capturectl/internal/process"
	"github.com/loykin/capturectl/internal/registry"
	"github.com/loykin/capturectl/internal/stopper"
	"github.com/loykin/capturectl/internal/table"
	"github.com/loykin/capturectl/internal/worker"
)

// Options configure a Manager.
type Options struct {
	// PublicDir receives capture artifacts.
	PublicDir string
	// Worker is an explicit worker executable; when empty the worker is
	// searched under WorkerSearchRoot/build.
	Worker           string
	WorkerSearchRoot string
	WorkerName       string
	ListTimeout      time.Duration
	Capture          capture.Options
	Logger           *slog.Logger
}

// StopResult is the reply to a stop request.
type StopResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CaptureInfo describes a tracked capture.
type CaptureInfo struct {
	Key      string `json:"key"`
	PID      int    `json:"pid"`
	StopFile string `json:"stopFile,omitempty"`
	// Live is true when this supervisor owns the worker handle; false for
	// records only known from the registry.
	Live bool `json:"live"`
}

// Manager starts, stops, and lists captures.
type Manager struct {
	mu        sync.Mutex
	reg       *registry.Registry
	table     *table.Table
	stop      *stopper.Coordinator
	ctrl      *capture.Controller
	opts      Options
	log       *slog.Logger
	reconStop chan struct{}
	matches   func(pid int, startTime int64) bool
}

// New wires the supervisor components over reg.
func New(reg *registry.Registry, opts Options) *Manager {
	l := logger.OrDefault(opts.Logger)
	if opts.Capture.Logger == nil {
		opts.Capture.Logger = l
	}
	if opts.Capture.StopDir == "" {
		opts.Capture.StopDir = opts.PublicDir
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = worker.DefaultListTimeout
	}
	t := table.New(reg, l)
	return &Manager{
		reg:     reg,
		table:   t,
		stop:    stopper.New(t, l),
		ctrl:    capture.New(t, opts.Capture),
		opts:    opts,
		log:     l.With("component", "manager"),
		matches: process.Matches,
	}
}

// Registry returns the durable registry.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Table returns the live process table.
func (m *Manager) Table() *table.Table { return m.table }

// Stopper returns the stop coordinator.
func (m *Manager) Stopper() *stopper.Coordinator { return m.stop }

// WorkerPath resolves the worker executable.
func (m *Manager) WorkerPath() (string, error) {
	return worker.Resolve(m.opts.Worker, m.opts.WorkerSearchRoot, m.opts.WorkerName)
}

func (m *Manager) prepare(req capture.Request) (capture.Params, error) {
	n, err := req.Normalize(m.opts.PublicDir)
	if err != nil {
		return capture.Params{}, err
	}
	exe, err := m.WorkerPath()
	if err != nil {
		return capture.Params{}, &capture.SpawnError{Worker: m.opts.WorkerName, Err: err}
	}
	if err := os.MkdirAll(m.opts.PublicDir, 0o750); err != nil {
		return capture.Params{}, fmt.Errorf("create public dir: %w", err)
	}
	return n.Params(exe), nil
}

// StartCapture runs a capture to completion and returns its result.
func (m *Manager) StartCapture(ctx context.Context, req capture.Request) capture.Result {
	p, err := m.prepare(req)
	if err != nil {
		m.log.Warn("capture rejected", "output", req.Output, "error", err)
		return capture.Result{Outcome: capture.OutcomeFailed, ExitCode: -1, Message: err.Error(), Err: err}
	}
	return m.ctrl.StartCapture(ctx, p)
}

// Launch starts a capture and returns once the worker is registered.
func (m *Manager) Launch(ctx context.Context, req capture.Request) (*capture.Attempt, error) {
	p, err := m.prepare(req)
	if err != nil {
		return nil, err
	}
	return m.ctrl.Launch(ctx, p)
}

// StopCapture stops the capture for key, reduced to its base name as at
// start. An empty key stops every live capture.
func (m *Manager) StopCapture(key string) StopResult {
	if key == "" {
		n, ok := m.stop.StopActive()
		if n == 0 {
			return StopResult{Message: "No active captures running."}
		}
		return StopResult{Success: ok, Message: fmt.Sprintf("Stop signal sent for %d active capture(s).", n)}
	}
	key = capture.KeyFor(key)
	out := m.stop.Stop(key)
	switch {
	case out.Mechanism == stopper.MechanismSignal:
		return StopResult{Success: true, Message: "Stop signal sent for " + key}
	case out.Applied:
		return StopResult{Success: true, Message: "Stopped capture for " + key}
	default:
		return StopResult{Message: "No active capture found for " + key}
	}
}

// StopAll stops every live capture and clears the registry.
func (m *Manager) StopAll() int {
	return m.stop.StopAll()
}

// StopOrphans stops every capture known only from the registry, typically
// started by another supervisor process. It returns how many stops applied.
func (m *Manager) StopOrphans() int {
	n := 0
	for _, rec := range m.Orphans() {
		if m.stop.Stop(rec.Key).Applied {
			n++
		}
	}
	return n
}

// ListActiveKeys returns the keys of live captures.
func (m *Manager) ListActiveKeys() []string {
	return m.table.Keys()
}

// ListCaptures returns live captures followed by registry-only records.
func (m *Manager) ListCaptures() []CaptureInfo {
	var out []CaptureInfo
	live := make(map[string]bool)
	for _, k := range m.table.Keys() {
		e, ok := m.table.Get(k)
		if !ok {
			continue
		}
		live[k] = true
		out = append(out, CaptureInfo{Key: k, PID: e.Handle.PID(), StopFile: e.StopFile, Live: true})
	}
	for _, rec := range m.Orphans() {
		if !live[rec.Key] {
			out = append(out, CaptureInfo{Key: rec.Key, PID: rec.PID, StopFile: rec.StopFile})
		}
	}
	return out
}

// ListInterfaces asks the worker for its capture devices.
func (m *Manager) ListInterfaces(ctx context.Context) ([]worker.Interface, error) {
	exe, err := m.WorkerPath()
	if err != nil {
		return nil, err
	}
	return worker.ListInterfaces(ctx, exe, m.opts.ListTimeout, m.log)
}

// Orphans returns registry records with no live handle, typically left by a
// previous supervisor process.
func (m *Manager) Orphans() []registry.Record {
	recs := m.reg.Load()
	return slices.DeleteFunc(recs, func(r registry.Record) bool { return m.table.IsActive(r.Key) })
}

// LogOrphans reports registry records inherited from a previous run.
func (m *Manager) LogOrphans() {
	for _, rec := range m.Orphans() {
		alive := m.matches(rec.PID, rec.StartTime)
		m.log.Warn("capture from previous run", "key", rec.Key, "pid", rec.PID, "alive", alive, "stop_file", rec.StopFile)
	}
}

// ReconcileOnce drops registry records whose worker is gone and which this
// supervisor does not own.
func (m *Manager) ReconcileOnce() int {
	n := 0
	for _, rec := range m.Orphans() {
		if m.matches(rec.PID, rec.StartTime) {
			continue
		}
		m.reg.RemoveIf(rec.Key, rec.PID)
		m.log.Info("pruned stale registry record", "key", rec.Key, "pid", rec.PID)
		n++
	}
	return n
}

// StartReconciler starts a background loop that periodically calls ReconcileOnce.
func (m *Manager) StartReconciler(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.mu.Lock()
	if m.reconStop != nil {
		m.mu.Unlock()
		return // already running
	}
	stop := make(chan struct{})
	m.reconStop = stop
	m.mu.Unlock()
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.ReconcileOnce()
			case <-stop:
				return
			}
		}
	}()
}

// StopReconciler stops the background reconcile loop if running.
func (m *Manager) StopReconciler() {
	m.mu.Lock()
	ch := m.reconStop
	m.reconStop = nil
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}
