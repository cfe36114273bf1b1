package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/capturectl/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	c, err := Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, DNSNames: []string{"capture.local"}})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)

	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		_, err := os.Stat(filepath.Join(dir, f))
		assert.NoError(t, err, f)
	}
	st, err := os.Stat(filepath.Join(dir, tlsKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"capture.local"}, leaf.DNSNames)
	assert.Equal(t, "localhost", leaf.Subject.CommonName)

	// an existing pair is reused, not regenerated
	before, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	_, err = Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	assert.Equal(t, before, after)
}

func TestSetupCertFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName: "x",
		CertPath:   filepath.Join(dir, "a.crt"),
		KeyPath:    filepath.Join(dir, "a.key"),
	}))
	c, err := Setup(config.TLSConfig{Enabled: true, CertFile: filepath.Join(dir, "a.crt"), KeyFile: filepath.Join(dir, "a.key"), MinVersion: "1.3"})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)
	_, err = c.GetCertificate(&tls.ClientHelloInfo{})
	assert.NoError(t, err)
}

func TestSetupErrors(t *testing.T) {
	_, err := Setup(config.TLSConfig{Enabled: true})
	assert.Error(t, err)

	_, err = Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir()})
	assert.ErrorContains(t, err, "no certificate")

	_, err = Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.0"})
	assert.ErrorContains(t, err, "unknown TLS version")
}

func TestSafeReadFileRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	_, err := safeReadFile(dir, filepath.Join(dir, "..", "etc", "passwd"))
	assert.Error(t, err)
}
