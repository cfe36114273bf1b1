package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Client provides HTTP client functionality to communicate with a capturectl server
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	TLS     TLSConfig
}

// TLSConfig controls how the client verifies an HTTPS server and, with
// ClientCert and ClientKey, authenticates to it. The zero value uses the
// system roots.
type TLSConfig struct {
	CACert     string // PEM bundle trusted instead of the system roots
	ClientCert string
	ClientKey  string
	ServerName string // overrides the host name checked against the certificate
	Insecure   bool   // skip certificate verification
}

func (t TLSConfig) isZero() bool { return t == TLSConfig{} }

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new capturectl API client. It fails only when the TLS
// material in config cannot be loaded.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !config.TLS.isZero() {
		tlsConfig, err := clientTLS(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("client TLS: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/captures", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Server unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	isReachable := resp.StatusCode == http.StatusOK
	c.logger.Debug("Server reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

// StartCapture runs a capture and blocks until it ends. The configured
// timeout does not apply; bound the call with ctx instead.
func (c *Client) StartCapture(ctx context.Context, req CaptureRequest) (Result, error) {
	c.logger.Debug("Starting capture", "output", req.Output, "iface", req.Interface, "filter", req.Filter)

	var res Result
	hc := *c.client
	hc.Timeout = 0
	if err := c.doJSON(ctx, &hc, http.MethodPost, "/capture", req, &res); err != nil {
		return res, err
	}
	c.logger.Debug("Capture finished", "output", req.Output, "location", res.Message)
	return res, nil
}

// StopCapture stops one capture, or every live capture when output is empty.
func (c *Client) StopCapture(ctx context.Context, output string) (Result, error) {
	c.logger.Debug("Stopping capture", "output", output)

	var res Result
	err := c.doJSON(ctx, c.client, http.MethodPost, "/stop-capture", StopRequest{Output: output}, &res)
	return res, err
}

// StopAll stops every live capture and returns how many were stopped.
func (c *Client) StopAll(ctx context.Context) (int, error) {
	var res stopAllResponse
	if err := c.doJSON(ctx, c.client, http.MethodPost, "/stop-all", nil, &res); err != nil {
		return 0, err
	}
	return res.Stopped, nil
}

// ListCaptures returns the captures the server tracks.
func (c *Client) ListCaptures(ctx context.Context) ([]Capture, error) {
	var res capturesResponse
	if err := c.doJSON(ctx, c.client, http.MethodGet, "/captures", nil, &res); err != nil {
		return nil, err
	}
	return res.Captures, nil
}

// ListInterfaces returns the capture devices the worker reports.
func (c *Client) ListInterfaces(ctx context.Context) ([]Interface, error) {
	var res interfacesResponse
	if err := c.doJSON(ctx, c.client, http.MethodGet, "/interfaces", nil, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("API error: %s", res.Message)
	}
	return res.Interfaces, nil
}

func clientTLS(cfg TLSConfig) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.Insecure,
	}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificate found in %s", cfg.CACert)
		}
		tc.RootCAs = pool
	}
	switch {
	case cfg.ClientCert != "" && cfg.ClientKey != "":
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	case cfg.ClientCert != "" || cfg.ClientKey != "":
		return nil, fmt.Errorf("client certificate and key must be given together")
	}
	return tc, nil
}

// doJSON performs a request with an optional JSON body and decodes a JSON
// reply into out.
func (c *Client) doJSON(ctx context.Context, hc *http.Client, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp Result
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Message == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	c.logger.Error("API request failed", "error", errorResp.Message, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: errorResp.Message}
}

// APIError is a non-200 reply from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message)
}
