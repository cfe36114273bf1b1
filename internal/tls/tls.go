// Package tls builds the HTTPS configuration of the API listener.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/capturectl/internal/config"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch ver {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// safeReadFile reads file content safely within base directory
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// certLoader reads the key pair on every handshake so a renewed certificate
// is picked up without a restart.
func certLoader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	keyDir := filepath.Dir(keyFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		readCert, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		readKey, err := safeReadFile(keyDir, keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(readCert, readKey)
		return &certificate, err
	}
}

// Setup returns the listener TLS configuration, or nil when TLS is disabled.
func Setup(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer := uint16(tls.VersionTLS12)
	if v, ok := parseTLSVersion(cfg.MinVersion); ok {
		minVer = v
	} else if cfg.MinVersion != "" && cfg.MinVersion != "default" {
		return nil, fmt.Errorf("unknown TLS version %q", cfg.MinVersion)
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return newConfig(cfg.CertFile, cfg.KeyFile, minVer), nil
	}

	if cfg.Dir != "" {
		keyPath := filepath.Join(cfg.Dir, tlsKey)
		certPath := filepath.Join(cfg.Dir, tlsCrt)
		if cfg.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(cfg); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		if !certificatesExist(certPath, keyPath) {
			return nil, fmt.Errorf("no certificate in %s", cfg.Dir)
		}
		return newConfig(certPath, keyPath, minVer), nil
	}

	return nil, errors.New("TLS enabled but no valid certificate configuration found")
}

func newConfig(certPath, keyPath string, minVer uint16) *tls.Config {
	return &tls.Config{
		GetCertificate: certLoader(certPath, keyPath),
		MinVersion:     minVer,
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(cfg config.TLSConfig) error {
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	commonName := cfg.CommonName
	if commonName == "" {
		commonName = "localhost"
	}
	dnsNames := cfg.DNSNames
	if len(dnsNames) == 0 {
		dnsNames = []string{"localhost"}
	}
	validDays := cfg.ValidDays
	if validDays <= 0 {
		validDays = 365
	}

	return GenerateSelfSignedCert(CertConfig{
		CommonName:   commonName,
		Organization: "capturectl",
		DNSNames:     dnsNames,
		IPAddresses:  []string{"127.0.0.1", "::1"},
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(cfg.Dir, tlsCrt),
		KeyPath:      filepath.Join(cfg.Dir, tlsKey),
		CACertPath:   filepath.Join(cfg.Dir, tlsCaCrt),
	})
}
