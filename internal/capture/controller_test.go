package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/capturectl/internal/history"
	"github.com/loykin/capturectl/internal/logger"
	"github.com/loykin/capturectl/internal/registry"
	"github.com/loykin/capturectl/internal/stopper"
	"github.com/loykin/capturectl/internal/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	dir  string
	reg  *registry.Registry
	tb   *table.Table
	ctrl *Controller
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake workers are /bin/sh scripts")
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	requireUnix(t)
	dir := t.TempDir()
	reg := registry.NewFile(filepath.Join(dir, ".captures.json"), nil)
	tb := table.New(reg, nil)
	if opts.StopDir == "" {
		opts.StopDir = dir
	}
	return &harness{dir: dir, reg: reg, tb: tb, ctrl: New(tb, opts)}
}

// script writes a worker that receives the artifact path as $1 and the stop
// file as $2.
func (h *harness) script(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(h.dir, "worker.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func (h *harness) params(worker, key string, duration int) Params {
	artifact := filepath.Join(h.dir, key)
	return Params{
		Key:      key,
		Worker:   worker,
		Args:     []string{artifact},
		Artifact: artifact,
		Location: "/" + key,
		Duration: duration,
	}
}

func (h *harness) assertCleanedUp(t *testing.T, key string) {
	t.Helper()
	assert.False(t, h.tb.IsActive(key), "table still tracks %s", key)
	_, ok := h.reg.Find(key)
	assert.False(t, ok, "registry still holds %s", key)
	stops, _ := filepath.Glob(filepath.Join(h.dir, ".stop-*"))
	assert.Empty(t, stops, "stop files left behind")
}

func TestCleanExitWithArtifactSucceeds(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.script(t, `echo "capturing on $1"; echo 'ts,src' > "$1"; exit 0`)

	res := h.ctrl.StartCapture(context.Background(), h.params(w, "ok.csv", 10))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "/ok.csv", res.Location)
	assert.Equal(t, "/ok.csv", res.Message)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "capturing on")
	assert.NoError(t, res.Err)
	h.assertCleanedUp(t, "ok.csv")
}

func TestNonZeroExitFails(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.script(t, `echo "no such device" >&2; exit 2`)

	res := h.ctrl.StartCapture(context.Background(), h.params(w, "bad.csv", 10))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "exit code 2")
	assert.Contains(t, res.Message, "no such device")
	var we *WorkerExitError
	require.True(t, errors.As(res.Err, &we))
	assert.Equal(t, 2, we.Code)
	h.assertCleanedUp(t, "bad.csv")
}

func TestNonZeroExitWithArtifactStillFails(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.script(t, `: > "$1"; exit 3`)
	res := h.ctrl.StartCapture(context.Background(), h.params(w, "partial.csv", 10))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "exit code 3")
}

func TestCleanExitWithoutArtifactIsDistinct(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.script(t, `exit 0`)
	res := h.ctrl.StartCapture(context.Background(), h.params(w, "none.csv", 10))
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrArtifactMissing)
	assert.Equal(t, ErrArtifactMissing.Error(), res.Message)
	assert.NotContains(t, res.Message, "exit code")
}

func TestKilledWithoutArtifactFails(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.script(t, `exec sleep 30`)
	a, err := h.ctrl.Launch(context.Background(), h.params(w, "killed.csv", 0))
	require.NoError(t, err)

	require.NoError(t, stopper.New(h.tb, nil).ForceKill("killed.csv"))
	res := a.Wait()
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrArtifactMissing)
	assert.Equal(t, -1, res.ExitCode)
	h.assertCleanedUp(t, "killed.csv")
}

func TestKilledWithArtifactSucceeds(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.script(t, `echo 'ts' > "$1"; exec sleep 30`)
	a, err := h.ctrl.Launch(context.Background(), h.params(w, "partial.csv", 0))
	require.NoError(t, err)

	artifact := filepath.Join(h.dir, "partial.csv")
	require.Eventually(t, func() bool { _, err := os.Stat(artifact); return err == nil }, 3*time.Second, 20*time.Millisecond)
	require.True(t, stopper.New(h.tb, nil).SignalOrKill("partial.csv"))

	// the worker does not poll the stop file; kill it through the table
	require.NoError(t, a.proc.Kill())
	res := a.Wait()
	assert.True(t, res.Success, res.Message)
	assert.Equal(t, OutcomeTerminated, res.Outcome)
	assert.Equal(t, StateCleanedUp, a.State())
}

func TestSpawnFailureLeavesNoEntry(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.params(filepath.Join(h.dir, "missing-worker"), "ghost.csv", 10)

	a, err := h.ctrl.Launch(context.Background(), p)
	assert.Nil(t, a)
	var se *SpawnError
	require.True(t, errors.As(err, &se))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	res := h.ctrl.StartCapture(context.Background(), p)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "failed to start worker")
	h.assertCleanedUp(t, "ghost.csv")
	assert.Empty(t, h.reg.Load())
}

func TestRegisteredBeforeLaunchReturns(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.script(t, `exec sleep 30`)
	a, err := h.ctrl.Launch(context.Background(), h.params(w, "reg.csv", 0))
	require.NoError(t, err)
	defer func() { _ = a.proc.ForceKill(); a.Wait() }()

	e, ok := h.tb.Get("reg.csv")
	require.True(t, ok)
	assert.Equal(t, a.PID(), e.Handle.PID())
	assert.Equal(t, a.StopPath(), e.StopFile)
	rec, ok := h.reg.Find("reg.csv")
	require.True(t, ok)
	assert.Equal(t, a.PID(), rec.PID)
	assert.Equal(t, a.StopPath(), rec.StopFile)
	assert.Equal(t, StateRunning, a.State())
}

func TestStopFileEndsCooperativeWorker(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.script(t, `while [ ! -f "$2" ]; do sleep 0.05; done
echo 'ts' > "$1"
exit 0`)
	a, err := h.ctrl.Launch(context.Background(), h.params(w, "coop.csv", 0))
	require.NoError(t, err)

	out := stopper.New(h.tb, nil).Stop("coop.csv")
	require.Equal(t, stopper.MechanismSignal, out.Mechanism)

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not react to the stop file")
	}
	res := a.Wait()
	assert.True(t, res.Success, res.Message)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	h.assertCleanedUp(t, "coop.csv")
}

func TestSafetyTimeoutKillsWorker(t *testing.T) {
	h := newHarness(t, Options{Grace: 200 * time.Millisecond})
	w := h.script(t, `exec sleep 30`)

	start := time.Now()
	res := h.ctrl.StartCapture(context.Background(), h.params(w, "slow.csv", 1))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 2*time.Second)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Success)
	h.assertCleanedUp(t, "slow.csv")
}

func TestTimeoutEscalatesToKill(t *testing.T) {
	h := newHarness(t, Options{Grace: 100 * time.Millisecond, KillGrace: 300 * time.Millisecond})
	w := h.script(t, `trap '' TERM
while :; do sleep 0.1; done`)

	start := time.Now()
	res := h.ctrl.StartCapture(context.Background(), h.params(w, "stubborn.csv", 1))
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 4*time.Second)
	h.assertCleanedUp(t, "stubborn.csv")
}

func TestCanceledContextTerminatesWorker(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.script(t, `exec sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	a, err := h.ctrl.Launch(ctx, h.params(w, "cancel.csv", 0))
	require.NoError(t, err)
	cancel()

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("cancel did not stop the worker")
	}
	assert.False(t, a.Wait().TimedOut)
	h.assertCleanedUp(t, "cancel.csv")
}

func TestSupersededAttemptKeepsSuccessor(t *testing.T) {
	h := newHarness(t, Options{})
	w := h.script(t, `exec sleep 30`)
	first, err := h.ctrl.Launch(context.Background(), h.params(w, "dup.csv", 0))
	require.NoError(t, err)
	second, err := h.ctrl.Launch(context.Background(), h.params(w, "dup.csv", 0))
	require.NoError(t, err)
	defer func() { _ = second.proc.ForceKill(); second.Wait() }()

	first.Wait()
	e, ok := h.tb.Get("dup.csv")
	require.True(t, ok, "successor must stay registered")
	assert.Equal(t, second.PID(), e.Handle.PID())
	rec, ok := h.reg.Find("dup.csv")
	require.True(t, ok)
	assert.Equal(t, second.PID(), rec.PID)
	assert.NotEqual(t, first.StopPath(), second.StopPath())
}

func TestDiagnosticsAreBoundedAndTeed(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")
	h := newHarness(t, Options{DiagLimit: 1024, WorkerLogs: logger.FileConfig{Dir: logDir}})
	w := h.script(t, `i=0
while [ $i -lt 200 ]; do echo "line $i of worker output"; i=$((i+1)); done
echo done > "$1"`)

	res := h.ctrl.StartCapture(context.Background(), h.params(w, "chatty.csv", 10))
	require.True(t, res.Success, res.Message)
	assert.LessOrEqual(t, len(res.Stdout), 1024)
	assert.True(t, strings.HasSuffix(res.Stdout, "line 199 of worker output\n"))

	b, err := os.ReadFile(filepath.Join(logDir, "chatty.csv.stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "line 0 of worker output")
	assert.Contains(t, string(b), "line 199 of worker output")
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func TestHistoryEvents(t *testing.T) {
	sink := &memSink{}
	h := newHarness(t, Options{History: history.NewRecorder(nil, sink)})
	w := h.script(t, `: > "$1"`)
	res := h.ctrl.StartCapture(context.Background(), h.params(w, "hist.csv", 10))
	require.True(t, res.Success)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 2)
	assert.Equal(t, history.EventStart, sink.events[0].Type)
	assert.Equal(t, history.EventFinish, sink.events[1].Type)
	assert.Equal(t, "completed", sink.events[1].Attempt.Outcome)
	assert.Equal(t, res.PID, sink.events[1].Attempt.PID)
	assert.Equal(t, sink.events[0].Attempt.ID, sink.events[1].Attempt.ID)
}

func TestTimeoutValues(t *testing.T) {
	o := Options{}
	assert.Equal(t, 15*time.Second, o.Timeout(10))
	assert.Equal(t, 24*time.Hour, o.Timeout(0))
	o = Options{Grace: time.Second, UnlimitedTimeout: time.Hour}
	assert.Equal(t, 6*time.Second, o.Timeout(5))
	assert.Equal(t, time.Hour, o.Timeout(0))
}

func TestWorkerEnvironment(t *testing.T) {
	h := newHarness(t, Options{Env: []string{"CAPTURE_MARK=from-config"}})
	w := h.script(t, `echo "$CAPTURE_MARK" > "$1"`)
	res := h.ctrl.StartCapture(context.Background(), h.params(w, "env.csv", 10))
	require.True(t, res.Success, res.Message)
	b, err := os.ReadFile(filepath.Join(h.dir, "env.csv"))
	require.NoError(t, err)
	assert.Equal(t, "from-config\n", string(b))
}
