package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// WorkerSample holds CPU and memory figures for one capture worker.
type WorkerSample struct {
	Key        string    `json:"key"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// WorkerCollectorConfig holds configuration for worker resource sampling.
type WorkerCollectorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// WorkerCollector periodically samples resource usage of running workers.
type WorkerCollector struct {
	enabled  bool
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	latest map[string]WorkerSample
	procs  map[int32]*process.Process // CPUPercent needs the previous sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewWorkerCollector creates a collector; it does nothing until Start.
func NewWorkerCollector(cfg WorkerCollectorConfig, l *slog.Logger) *WorkerCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if l == nil {
		l = slog.Default()
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		}, []string{"key"})
	}
	return &WorkerCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		log:        l,
		latest:     make(map[string]WorkerSample),
		procs:      make(map[int32]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of capture workers."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of capture workers."),
		numThreads: gauge("num_threads", "Thread count of capture workers."),
		numFDs:     gauge("num_fds", "Open file descriptors of capture workers (Unix only)."),
	}
}

// RegisterMetrics registers the worker gauges with r.
func (c *WorkerCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, col := range collectors {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the workers returned by pids every interval until ctx is done
// or Stop is called.
func (c *WorkerCollector) Start(ctx context.Context, pids func() map[string]int) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(pids())
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to exit.
func (c *WorkerCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every worker in active and drops series for
// workers that are gone.
func (c *WorkerCollector) Collect(active map[string]int) {
	now := time.Now()
	samples := make(map[string]WorkerSample, len(active))
	for key, pid := range active {
		if pid <= 0 {
			continue
		}
		s, err := c.sample(key, int32(pid), now)
		if err != nil {
			c.log.Debug("worker sample failed", "key", key, "pid", pid, "error", err)
			continue
		}
		samples[key] = s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.latest {
		if _, ok := samples[key]; !ok {
			c.cpuPercent.DeleteLabelValues(key)
			c.memoryMB.DeleteLabelValues(key)
			c.numThreads.DeleteLabelValues(key)
			c.numFDs.DeleteLabelValues(key)
		}
	}
	live := make(map[int32]struct{}, len(samples))
	for key, s := range samples {
		live[s.PID] = struct{}{}
		c.cpuPercent.WithLabelValues(key).Set(s.CPUPercent)
		c.memoryMB.WithLabelValues(key).Set(s.MemoryMB)
		c.numThreads.WithLabelValues(key).Set(float64(s.NumThreads))
		if s.NumFDs > 0 {
			c.numFDs.WithLabelValues(key).Set(float64(s.NumFDs))
		}
	}
	for pid := range c.procs {
		if _, ok := live[pid]; !ok {
			delete(c.procs, pid)
		}
	}
	c.latest = samples
}

// Latest returns the most recent sample for key.
func (c *WorkerCollector) Latest(key string) (WorkerSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.latest[key]
	return s, ok
}

func (c *WorkerCollector) handle(pid int32) (*process.Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	c.procs[pid] = p
	return p, nil
}

func (c *WorkerCollector) sample(key string, pid int32, ts time.Time) (WorkerSample, error) {
	p, err := c.handle(pid)
	if err != nil {
		return WorkerSample{}, fmt.Errorf("open process: %w", err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return WorkerSample{}, fmt.Errorf("memory info: %w", err)
	}
	s := WorkerSample{
		Key:       key,
		PID:       pid,
		MemoryMB:  float64(mem.RSS) / 1024 / 1024,
		Timestamp: ts,
	}
	if cpu, err := p.Percent(0); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}
