// Package capturectl supervises an external packet capture worker: it starts
// captures, stops them cooperatively or by force, and keeps a durable record
// of running workers so a restarted supervisor can still stop them.
package capturectl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/capturectl/internal/capture"
	cfg "github.com/loykin/capturectl/internal/config"
	"github.com/loykin/capturectl/internal/history"
	"github.com/loykin/capturectl/internal/history/factory"
	"github.com/loykin/capturectl/internal/logger"
	"github.com/loykin/capturectl/internal/manager"
	"github.com/loykin/capturectl/internal/metrics"
	"github.com/loykin/capturectl/internal/registry"
	iapi "github.com/loykin/capturectl/internal/server"
	itls "github.com/loykin/capturectl/internal/tls"
	"github.com/loykin/capturectl/internal/worker"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Request = capture.Request

type Result = capture.Result

type StopResult = manager.StopResult

type CaptureInfo = manager.CaptureInfo

type Interface = worker.Interface

type Attempt = capture.Attempt

func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

func DefaultConfig() Config { return cfg.Default() }

// Supervisor is a configured capture supervisor with its ambient services.
type Supervisor struct {
	cfg       Config
	mgr       *manager.Manager
	log       *slog.Logger
	recorder  *history.Recorder
	collector *metrics.WorkerCollector
	metricsH  http.Handler
	closers   []io.Closer
}

// Option customizes Open.
type Option func(*openOptions)

type openOptions struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	sinks      []history.Sink
}

// WithLogger replaces the logger built from the log section.
func WithLogger(l *slog.Logger) Option { return func(o *openOptions) { o.logger = l } }

// WithRegisterer registers metrics with r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *openOptions) { o.registerer = r }
}

// WithHistorySink adds a sink besides the ones named in history.dsn.
func WithHistorySink(s history.Sink) Option {
	return func(o *openOptions) { o.sinks = append(o.sinks, s) }
}

// Open builds a Supervisor from c.
func Open(c Config, opts ...Option) (*Supervisor, error) {
	var o openOptions
	for _, fn := range opts {
		fn(&o)
	}
	s := &Supervisor{cfg: c}

	if o.logger != nil {
		s.log = o.logger
	} else {
		l, closer := logger.New(c.Log)
		s.log = l
		s.closers = append(s.closers, closer)
	}

	env, err := c.Capture.WorkerEnv()
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	if c.Metrics.Enabled {
		reg := o.registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		s.metricsH = metrics.Handler()
		if g, ok := reg.(prometheus.Gatherer); ok && reg != prometheus.DefaultRegisterer {
			s.metricsH = metrics.HandlerFor(g)
		}
		if err := metrics.Register(reg); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.collector = metrics.NewWorkerCollector(metrics.WorkerCollectorConfig{
			Enabled:  c.Metrics.Workers,
			Interval: c.Metrics.SampleInterval,
		}, s.log)
		if err := s.collector.RegisterMetrics(reg); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("register worker metrics: %w", err)
		}
	}

	sinks := o.sinks
	if c.History.Enabled {
		built, err := factory.NewSinks(c.History.DSN)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		sinks = append(sinks, built...)
	}
	if len(sinks) > 0 {
		s.recorder = history.NewRecorder(s.log, sinks...)
	}

	s.mgr = manager.New(registry.NewFile(c.Capture.RegistryPath(), s.log), manager.Options{
		PublicDir:        c.Capture.PublicDir,
		Worker:           c.Capture.Worker,
		WorkerSearchRoot: c.Capture.WorkerSearchRoot,
		WorkerName:       c.Capture.WorkerName,
		ListTimeout:      c.Capture.ListTimeout,
		Capture: capture.Options{
			StopDir:          c.Capture.StopDirectory(),
			Grace:            c.Capture.Grace,
			UnlimitedTimeout: c.Capture.UnlimitedTimeout,
			KillGrace:        c.Capture.KillGrace,
			DiagLimit:        c.Capture.DiagLimitBytes,
			Env:              env,
			WorkerLogs:       c.Log.File,
			History:          s.recorder,
			Logger:           s.log,
		},
		Logger: s.log,
	})
	return s, nil
}

// Logger returns the supervisor logger.
func (s *Supervisor) Logger() *slog.Logger { return s.log }

func (s *Supervisor) StartCapture(ctx context.Context, req Request) Result {
	return s.mgr.StartCapture(ctx, req)
}

func (s *Supervisor) Launch(ctx context.Context, req Request) (*Attempt, error) {
	return s.mgr.Launch(ctx, req)
}

func (s *Supervisor) StopCapture(key string) StopResult { return s.mgr.StopCapture(key) }
func (s *Supervisor) StopAll() int                      { return s.mgr.StopAll() }
func (s *Supervisor) StopOrphans() int                  { return s.mgr.StopOrphans() }
func (s *Supervisor) ListActiveKeys() []string          { return s.mgr.ListActiveKeys() }
func (s *Supervisor) ListCaptures() []CaptureInfo       { return s.mgr.ListCaptures() }
func (s *Supervisor) ListInterfaces(ctx context.Context) ([]Interface, error) {
	return s.mgr.ListInterfaces(ctx)
}

// Handler returns the HTTP API, including /metrics when metrics are served on
// the API listener and the artifact files at the root path.
func (s *Supervisor) Handler() http.Handler {
	return s.router().Handler()
}

// MountEcho serves the HTTP API from e.
func (s *Supervisor) MountEcho(e *echo.Echo) {
	s.router().MountEcho(e)
}

func (s *Supervisor) router() *iapi.Router {
	opts := []iapi.Option{iapi.WithLogger(s.log), iapi.WithArtifacts(s.cfg.Capture.PublicDir)}
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Listen == "" {
		opts = append(opts, iapi.WithMetrics(s.metricsH))
	}
	return iapi.NewRouter(s.mgr, s.cfg.Server.BasePath, opts...)
}

// Serve runs the API listener until ctx is done, then stops every live
// capture and shuts the listeners down.
func (s *Supervisor) Serve(ctx context.Context) error {
	s.mgr.LogOrphans()
	s.mgr.StartReconciler(s.cfg.Capture.ReconcileEvery)
	defer s.mgr.StopReconciler()
	if s.collector != nil {
		s.collector.Start(ctx, s.mgr.Table().PIDs)
		defer s.collector.Stop()
	}

	var h http.Handler
	if strings.EqualFold(s.cfg.Server.Engine, "echo") {
		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		s.MountEcho(e)
		h = e
	} else {
		h = s.Handler()
	}
	srv := iapi.NewServer(s.cfg.Server.Listen, h)
	tlsCfg, err := itls.Setup(s.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	srv.TLSConfig = tlsCfg

	servers := []*http.Server{srv}
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metricsH)
		servers = append(servers, iapi.NewServer(s.cfg.Metrics.Listen, mux))
	}

	errCh := make(chan error, len(servers))
	for i, hs := range servers {
		go func(hs *http.Server, api bool) {
			var err error
			if api && hs.TLSConfig != nil {
				err = hs.ListenAndServeTLS("", "")
			} else {
				err = hs.ListenAndServe()
			}
			if !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(hs, i == 0)
	}
	s.log.Info("serving", "listen", s.cfg.Server.Listen, "base_path", s.cfg.Server.BasePath, "engine", s.cfg.Server.Engine, "tls", tlsCfg != nil)

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	s.log.Info("shutting down", "active", len(s.mgr.ListActiveKeys()))
	s.mgr.StopAll()
	for _, hs := range servers {
		_ = hs.Close()
	}
	return err
}

// Close releases the history sinks and log files.
func (s *Supervisor) Close() error {
	var errs []error
	if s.recorder != nil {
		errs = append(errs, s.recorder.Close())
	}
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
