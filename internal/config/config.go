package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/capturectl/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. CAPTURECTL_SERVER_LISTEN.
const EnvPrefix = "CAPTURECTL"

// Config is the top-level configuration file structure.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Capture CaptureConfig `mapstructure:"capture"`
	Log     logger.Config `mapstructure:"log"`
	History HistoryConfig `mapstructure:"history"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type ServerConfig struct {
	Listen   string    `mapstructure:"listen"`
	BasePath string    `mapstructure:"base_path"`
	Engine   string    `mapstructure:"engine"` // gin or echo
	PidFile  string    `mapstructure:"pidfile"`
	LogFile  string    `mapstructure:"logfile"` // daemon stdout/stderr
	TLS      TLSConfig `mapstructure:"tls"`
}

// TLSConfig enables HTTPS for the API listener. CertFile/KeyFile take
// precedence over Dir, which holds tls.crt and tls.key.
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	CommonName   string   `mapstructure:"common_name"`
	DNSNames     []string `mapstructure:"dns_names"`
	ValidDays    int      `mapstructure:"valid_days"`
	MinVersion   string   `mapstructure:"min_version"`
}

type CaptureConfig struct {
	PublicDir        string        `mapstructure:"public_dir"`
	Worker           string        `mapstructure:"worker"`             // explicit executable path
	WorkerSearchRoot string        `mapstructure:"worker_search_root"` // searched under build/
	WorkerName       string        `mapstructure:"worker_name"`
	RegistryFile     string        `mapstructure:"registry_file"`
	StopDir          string        `mapstructure:"stop_dir"`
	Grace            time.Duration `mapstructure:"grace"`
	UnlimitedTimeout time.Duration `mapstructure:"unlimited_timeout"`
	KillGrace        time.Duration `mapstructure:"kill_grace"`
	ListTimeout      time.Duration `mapstructure:"list_timeout"`
	ReconcileEvery   time.Duration `mapstructure:"reconcile_interval"` // 0 disables
	DiagLimitBytes   int           `mapstructure:"diag_limit_bytes"`
	Env              []string      `mapstructure:"env"`
	EnvFiles         []string      `mapstructure:"env_files"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSN     []string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Listen         string        `mapstructure:"listen"` // empty serves /metrics on the API listener
	Workers        bool          `mapstructure:"workers"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

var defaults = map[string]any{
	"server.listen":              "127.0.0.1:8080",
	"server.base_path":           "/api",
	"server.engine":              "gin",
	"server.pidfile":             "",
	"server.logfile":             "",
	"server.tls.enabled":         false,
	"server.tls.cert_file":       "",
	"server.tls.key_file":        "",
	"server.tls.dir":             "",
	"server.tls.auto_generate":   false,
	"server.tls.common_name":     "",
	"server.tls.dns_names":       []string{},
	"server.tls.valid_days":      0,
	"server.tls.min_version":     "",
	"capture.public_dir":         "public",
	"capture.worker":             "",
	"capture.worker_search_root": "..",
	"capture.worker_name":        "NetworkPacketAnalyzer",
	"capture.registry_file":      "",
	"capture.stop_dir":           "",
	"capture.grace":              "5s",
	"capture.unlimited_timeout":  "24h",
	"capture.kill_grace":         "2s",
	"capture.list_timeout":       "5s",
	"capture.reconcile_interval": "30s",
	"capture.diag_limit_bytes":   64 << 10,
	"capture.env":                []string{},
	"capture.env_files":          []string{},
	"log.level":                  "info",
	"log.format":                 "text",
	"log.path":                   "",
	"log.file.dir":               "",
	"log.file.stdout":            "",
	"log.file.stderr":            "",
	"log.file.max_size_mb":       logger.DefaultMaxSizeMB,
	"log.file.max_backups":       logger.DefaultMaxBackups,
	"log.file.max_age_days":      logger.DefaultMaxAgeDays,
	"log.file.compress":          false,
	"history.enabled":            false,
	"history.dsn":                []string{},
	"metrics.enabled":            true,
	"metrics.listen":             "",
	"metrics.workers":            false,
	"metrics.sample_interval":    "5s",
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration used without a file, with environment
// overrides applied.
func Default() Config {
	cfg, _ := decode(newViper())
	return cfg
}

// Load reads path (TOML, YAML or JSON by extension) over the defaults.
// An empty path loads defaults and environment overrides only.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		cfg.resolve(filepath.Dir(path))
	}
	return cfg, cfg.Validate()
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolve makes relative file locations relative to the config file.
func (c *Config) resolve(base string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	abs(&c.Server.PidFile)
	abs(&c.Server.LogFile)
	abs(&c.Server.TLS.CertFile)
	abs(&c.Server.TLS.KeyFile)
	abs(&c.Server.TLS.Dir)
	abs(&c.Capture.PublicDir)
	abs(&c.Capture.Worker)
	abs(&c.Capture.WorkerSearchRoot)
	abs(&c.Capture.RegistryFile)
	abs(&c.Capture.StopDir)
	for i := range c.Capture.EnvFiles {
		abs(&c.Capture.EnvFiles[i])
	}
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch strings.ToLower(c.Server.Engine) {
	case "", "gin", "echo":
	default:
		return fmt.Errorf("server.engine: unknown engine %q", c.Server.Engine)
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "" || t.KeyFile == "") && t.Dir == "" {
		return fmt.Errorf("server.tls: cert_file and key_file, or dir, required when enabled")
	}
	if c.Capture.PublicDir == "" {
		return fmt.Errorf("capture.public_dir must not be empty")
	}
	if c.Capture.Grace < 0 || c.Capture.UnlimitedTimeout < 0 || c.Capture.KillGrace < 0 || c.Capture.ListTimeout < 0 || c.Capture.ReconcileEvery < 0 {
		return fmt.Errorf("capture timeouts must not be negative")
	}
	if c.Capture.DiagLimitBytes < 0 {
		return fmt.Errorf("capture.diag_limit_bytes must not be negative")
	}
	return nil
}

// RegistryPath returns the durable registry location, by default next to the
// artifacts in the public directory.
func (c CaptureConfig) RegistryPath() string {
	if c.RegistryFile != "" {
		return c.RegistryFile
	}
	return filepath.Join(c.PublicDir, ".captures.json")
}

// StopDirectory returns where stop files are created.
func (c CaptureConfig) StopDirectory() string {
	if c.StopDir != "" {
		return c.StopDir
	}
	return c.PublicDir
}

// WorkerEnv merges env_files in order, then the env list. Later entries win.
func (c CaptureConfig) WorkerEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for _, kv := range pairs {
			set(kv[0], kv[1])
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			set(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Lines starting with # are ignored.
func loadEnvFile(path string) ([][2]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, [2]string{strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])})
		}
	}
	return out, nil
}
