package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"

	"github.com/loykin/capturectl/internal/capture"
	"github.com/loykin/capturectl/internal/logger"
	mng "github.com/loykin/capturectl/internal/manager"
	"github.com/loykin/capturectl/internal/worker"
)

// Router provides embeddable HTTP handlers for the capture supervisor.
// Endpoints:
//
//	POST {basePath}/capture        body: {output, iface, filter, duration, promiscuous}
//	POST {basePath}/stop-capture   body: {output} (empty stops every live capture)
//	POST {basePath}/stop-all
//	GET  {basePath}/interfaces
//	GET  {basePath}/captures
//	GET  /metrics                  when a metrics handler is set
//	GET  /<artifact>               when an artifact directory is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr       *mng.Manager
	basePath  string
	metrics   http.Handler
	artifacts string
	log       *slog.Logger
}

// Option customizes a Router.
type Option func(*Router)

// WithMetrics serves h at /metrics.
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

// WithArtifacts serves finished captures from dir at the root path, which is
// the location a successful capture reports.
func WithArtifacts(dir string) Option { return func(r *Router) { r.artifacts = dir } }

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(mgr *mng.Manager, basePath string, opts ...Option) *Router {
	r := &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	r.log = logger.OrDefault(r.log).With("component", "http")
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.HandleMethodNotAllowed = true
	g.Use(gin.Recovery(), r.accessLog)
	group := g.Group(r.basePath)
	group.POST("/capture", r.handleCapture)
	group.POST("/stop-capture", r.handleStop)
	group.POST("/stop-all", r.handleStopAll)
	group.GET("/interfaces", r.handleInterfaces)
	group.GET("/captures", r.handleCaptures)
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	if r.artifacts != "" {
		g.NoRoute(r.handleArtifact)
	}
	return g
}

// MountEcho routes every request of e to the router.
func (r *Router) MountEcho(e *echo.Echo) {
	e.Any("/*", echo.WrapHandler(r.Handler()))
}

// NewServer returns an HTTP server for h. Capture requests last as long as the
// capture, so no write timeout is set.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type resultResp struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type stopReq struct {
	Output string `json:"output"`
}

func (r *Router) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	r.log.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status(), "elapsed", time.Since(start))
}

func (r *Router) handleCapture(c *gin.Context) {
	var req capture.Request
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, resultResp{Message: "invalid JSON: " + err.Error()})
			return
		}
	}
	// the capture outlives a disconnecting client; stop it through stop-capture
	res := r.mgr.StartCapture(context.WithoutCancel(c.Request.Context()), req)
	if res.Success {
		writeJSON(c, http.StatusOK, resultResp{Success: true, Message: res.Location})
		return
	}
	code := http.StatusInternalServerError
	if errors.Is(res.Err, capture.ErrInvalidRequest) {
		code = http.StatusBadRequest
	}
	writeJSON(c, code, resultResp{Message: res.Message})
}

func (r *Router) handleStop(c *gin.Context) {
	var req stopReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, resultResp{Message: "invalid JSON: " + err.Error()})
			return
		}
	}
	writeJSON(c, http.StatusOK, r.mgr.StopCapture(strings.TrimSpace(req.Output)))
}

func (r *Router) handleStopAll(c *gin.Context) {
	n := r.mgr.StopAll()
	writeJSON(c, http.StatusOK, gin.H{"success": true, "stopped": n})
}

type interfacesResp struct {
	Success    bool               `json:"success"`
	Interfaces []worker.Interface `json:"interfaces,omitempty"`
	Message    string             `json:"message,omitempty"`
}

func (r *Router) handleInterfaces(c *gin.Context) {
	ifaces, err := r.mgr.ListInterfaces(c.Request.Context())
	if err != nil {
		var le *worker.ListError
		if errors.As(err, &le) {
			writeJSON(c, http.StatusOK, interfacesResp{Message: le.Message})
			return
		}
		writeJSON(c, http.StatusInternalServerError, interfacesResp{Message: err.Error()})
		return
	}
	if ifaces == nil {
		ifaces = []worker.Interface{}
	}
	writeJSON(c, http.StatusOK, interfacesResp{Success: true, Interfaces: ifaces})
}

func (r *Router) handleCaptures(c *gin.Context) {
	infos := r.mgr.ListCaptures()
	if infos == nil {
		infos = []mng.CaptureInfo{}
	}
	writeJSON(c, http.StatusOK, gin.H{"captures": infos})
}

func (r *Router) handleArtifact(c *gin.Context) {
	name := strings.TrimPrefix(c.Request.URL.Path, "/")
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.Status(http.StatusNotFound)
		return
	}
	if !isPublicName(name) {
		c.Status(http.StatusNotFound)
		return
	}
	c.File(filepath.Join(r.artifacts, name))
}
