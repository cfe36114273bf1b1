package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	itls "github.com/loykin/capturectl/internal/tls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/capture", func(w http.ResponseWriter, r *http.Request) {
		var req CaptureRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Filter == "udp" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(Result{Message: "invalid filter"})
			return
		}
		_ = json.NewEncoder(w).Encode(Result{Success: true, Message: "/" + req.Output})
	})
	mux.HandleFunc("POST /api/stop-capture", func(w http.ResponseWriter, r *http.Request) {
		var req StopRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(Result{Success: true, Message: "Stop signal sent for " + req.Output})
	})
	mux.HandleFunc("POST /api/stop-all", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"stopped":2}`))
	})
	mux.HandleFunc("GET /api/captures", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"captures":[{"key":"a.csv","pid":42,"live":true}]}`))
	})
	mux.HandleFunc("GET /api/interfaces", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"interfaces":[{"id":"eth0","name":"eth0","isUp":true}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientOperations(t *testing.T) {
	srv := newTestServer(t)
	c := newClient(t, Config{BaseURL: srv.URL + "/api"})
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))

	dur := 5
	res, err := c.StartCapture(ctx, CaptureRequest{Output: "a.csv", Duration: &dur})
	require.NoError(t, err)
	assert.Equal(t, Result{Success: true, Message: "/a.csv"}, res)

	res, err = c.StopCapture(ctx, "a.csv")
	require.NoError(t, err)
	assert.Equal(t, "Stop signal sent for a.csv", res.Message)

	n, err := c.StopAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	caps, err := c.ListCaptures(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Capture{{Key: "a.csv", PID: 42, Live: true}}, caps)

	ifaces, err := c.ListInterfaces(ctx)
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	assert.Equal(t, "eth0", ifaces[0].ID)
}

func TestClientAPIError(t *testing.T) {
	srv := newTestServer(t)
	c := newClient(t, Config{BaseURL: srv.URL + "/api"})
	_, err := c.StartCapture(context.Background(), CaptureRequest{Filter: "udp"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "invalid filter", apiErr.Message)

	_, err = c.ListCaptures(context.Background())
	require.NoError(t, err)

	missing := newClient(t, Config{BaseURL: srv.URL + "/nope"})
	_, err = missing.ListCaptures(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.False(t, missing.IsReachable(context.Background()))
}

func TestInterfacesFailureReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"no pcap"}`))
	}))
	defer srv.Close()
	_, err := newClient(t, Config{BaseURL: srv.URL}).ListInterfaces(context.Background())
	assert.ErrorContains(t, err, "no pcap")
}

func TestStartCaptureIgnoresClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte(`{"success":true,"message":"/slow.csv"}`))
	}))
	defer srv.Close()
	c := newClient(t, Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	res, err := c.StartCapture(context.Background(), CaptureRequest{Output: "slow.csv"})
	require.NoError(t, err)
	assert.Equal(t, "/slow.csv", res.Message)

	_, err = c.ListCaptures(context.Background())
	assert.Error(t, err, "other calls keep the configured timeout")
}

func TestInsecureTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"captures":[]}`))
	}))
	defer srv.Close()

	_, err := newClient(t, Config{BaseURL: srv.URL}).ListCaptures(context.Background())
	assert.Error(t, err, "self-signed certificate must be rejected by default")

	caps, err := newClient(t, Config{BaseURL: srv.URL, TLS: TLSConfig{Insecure: true}}).ListCaptures(context.Background())
	require.NoError(t, err)
	assert.Empty(t, caps)
}

func TestDefaults(t *testing.T) {
	c := newClient(t, Config{})
	assert.Equal(t, "http://localhost:8080/api", c.baseURL)
	assert.Equal(t, 10*time.Second, c.client.Timeout)
	assert.Nil(t, c.client.Transport.(*http.Transport).TLSClientConfig)
	assert.Equal(t, "http://localhost:8080/api", DefaultConfig().BaseURL)
}

func writeServerCA(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ca.crt")
	b := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestTLSTrustsCACert(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"captures":[]}`))
	}))
	defer srv.Close()
	ca := writeServerCA(t, srv)

	_, err := newClient(t, Config{BaseURL: srv.URL, TLS: TLSConfig{CACert: ca}}).ListCaptures(context.Background())
	require.NoError(t, err)

	// the test certificate is issued for example.com, not for other names
	_, err = newClient(t, Config{BaseURL: srv.URL, TLS: TLSConfig{CACert: ca, ServerName: "example.com"}}).ListCaptures(context.Background())
	require.NoError(t, err)
	_, err = newClient(t, Config{BaseURL: srv.URL, TLS: TLSConfig{CACert: ca, ServerName: "other.test"}}).ListCaptures(context.Background())
	assert.Error(t, err)
}

func TestTLSClientCertificate(t *testing.T) {
	var peers atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peers.Store(int32(len(r.TLS.PeerCertificates)))
		_, _ = w.Write([]byte(`{"captures":[]}`))
	}))
	srv.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	srv.StartTLS()
	defer srv.Close()
	ca := writeServerCA(t, srv)

	dir := t.TempDir()
	cert, key := filepath.Join(dir, "client.crt"), filepath.Join(dir, "client.key")
	require.NoError(t, itls.GenerateSelfSignedCert(itls.CertConfig{
		CommonName:   "capturectl-cli",
		Organization: "capturectl",
		NotAfter:     time.Now().Add(time.Hour),
		CertPath:     cert,
		KeyPath:      key,
		CACertPath:   filepath.Join(dir, "client_ca.crt"),
	}))

	_, err := newClient(t, Config{BaseURL: srv.URL, TLS: TLSConfig{CACert: ca}}).ListCaptures(context.Background())
	assert.Error(t, err, "server requires a client certificate")

	c := newClient(t, Config{BaseURL: srv.URL, TLS: TLSConfig{CACert: ca, ClientCert: cert, ClientKey: key}})
	_, err = c.ListCaptures(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), peers.Load())
}

func TestTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not a certificate"), 0o600))

	for name, cfg := range map[string]TLSConfig{
		"missing CA":       {CACert: filepath.Join(dir, "absent.crt")},
		"unparseable CA":   {CACert: junk},
		"cert without key": {ClientCert: junk},
		"bad key pair":     {ClientCert: junk, ClientKey: junk},
	} {
		_, err := New(Config{BaseURL: "https://127.0.0.1:1", TLS: cfg})
		assert.Error(t, err, name)
	}
}
