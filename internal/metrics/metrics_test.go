package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncAttempt()
	ObserveResult("completed", 1.5)
	ObserveResult("failed", 0.2)
	SetActive(2)
	IncTimeout()
	IncStop("signal")
	IncStop("kill")
	IncRegistryError("save")
	IncHistoryError()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"capturectl_capture_attempts_total":   false,
		"capturectl_capture_results_total":    false,
		"capturectl_capture_duration_seconds": false,
		"capturectl_capture_active":           false,
		"capturectl_capture_timeouts_total":   false,
		"capturectl_stop_requests_total":      false,
		"capturectl_registry_errors_total":    false,
		"capturectl_history_errors_total":     false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
	if got := testutil.ToFloat64(activeCaptures); got != 2 {
		t.Fatalf("active gauge = %v, want 2", got)
	}
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	before := testutil.ToFloat64(timeouts)
	IncTimeout()
	if got := testutil.ToFloat64(timeouts); got != before {
		t.Fatalf("IncTimeout counted while unregistered: %v -> %v", before, got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncAttempt()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "capturectl_capture_attempts_total") {
		t.Fatalf("metrics output missing attempts counter")
	}
}

func TestWorkerCollectorSamplesLiveProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep")
	}
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = cmd.Process.Kill(); _ = cmd.Wait() }()

	c := NewWorkerCollector(WorkerCollectorConfig{Enabled: true, Interval: time.Hour}, nil)
	reg := prometheus.NewRegistry()
	if err := c.RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	c.Collect(map[string]int{"a.csv": cmd.Process.Pid, "gone.csv": 0})
	s, ok := c.Latest("a.csv")
	if !ok {
		t.Fatalf("expected a sample for a.csv")
	}
	if s.PID != int32(cmd.Process.Pid) || s.MemoryMB <= 0 {
		t.Fatalf("unexpected sample %+v", s)
	}
	if _, ok := c.Latest("gone.csv"); ok {
		t.Fatalf("pid 0 must not be sampled")
	}

	// the series disappears once the worker is no longer reported
	c.Collect(map[string]int{})
	if _, ok := c.Latest("a.csv"); ok {
		t.Fatalf("stale sample kept")
	}
	if n := testutil.CollectAndCount(c.memoryMB); n != 0 {
		t.Fatalf("memory series = %d, want 0", n)
	}
}

func TestWorkerCollectorDisabled(t *testing.T) {
	c := NewWorkerCollector(WorkerCollectorConfig{}, nil)
	if err := c.RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatal(err)
	}
	called := false
	c.Start(t.Context(), func() map[string]int { called = true; return nil })
	c.Stop()
	if called {
		t.Fatalf("disabled collector must not sample")
	}
}
