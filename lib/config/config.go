// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable holding the config path.
const EnvConfig = "ROTOR_CONFIG"

// Config is the master configuration.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Credentials configures the OS credential store the host agent
	// reads.
	Credentials CredentialsConfig `yaml:"credentials"`

	// OAuth configures the upstream OAuth endpoints.
	OAuth OAuthConfig `yaml:"oauth"`

	// Selector tunes key selection.
	Selector SelectorConfig `yaml:"selector"`

	// Refresh configures the token refresher.
	Refresh RefreshConfig `yaml:"refresh"`

	// Monitor configures the quota monitor.
	Monitor MonitorConfig `yaml:"monitor"`

	// Proxy configures the interception proxy.
	Proxy ProxyConfig `yaml:"proxy"`

	// Log configures the rotating log files.
	Log LogConfig `yaml:"log"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// StateDir holds the rotation state document, the monitor throttle
	// state and the rotation signal file.
	StateDir string `yaml:"state_dir"`

	// LogDir holds proxy.log, audit.jsonl and rotation-health.jsonl.
	LogDir string `yaml:"log_dir"`
}

// CredentialsConfig selects the OS credential store backend.
type CredentialsConfig struct {
	// Backend is auto, file or macos-keychain.
	Backend string `yaml:"backend"`

	// Path is the credentials file (file backend).
	Path string `yaml:"path"`

	// Service and Account identify the keychain item (macos-keychain
	// backend).
	Service string `yaml:"service"`
	Account string `yaml:"account"`
}

// OAuthConfig configures the upstream OAuth endpoints. Empty URLs take
// the production defaults.
type OAuthConfig struct {
	TokenURL   string        `yaml:"token_url"`
	ProfileURL string        `yaml:"profile_url"`
	UsageURL   string        `yaml:"usage_url"`
	ClientID   string        `yaml:"client_id"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SelectorConfig tunes key selection.
type SelectorConfig struct {
	// Freshness is how old usage data may be before it counts as
	// unknown. Default: 15m.
	Freshness time.Duration `yaml:"freshness"`
}

// RefreshConfig configures the token refresher.
type RefreshConfig struct {
	// Interval between refresh cycles. Default: 10m.
	Interval time.Duration `yaml:"interval"`

	// ExpiryBuffer: keys expiring within it are refreshed. Default:
	// 10m.
	ExpiryBuffer time.Duration `yaml:"expiry_buffer"`

	// TombstoneRetention is how long removed keys are kept. Default:
	// 24h.
	TombstoneRetention time.Duration `yaml:"tombstone_retention"`
}

// MonitorConfig configures the quota monitor.
type MonitorConfig struct {
	// MinInterval throttles real usage checks. Default: 5m.
	MinInterval time.Duration `yaml:"min_interval"`

	// NearlyDepletedPercent triggers account_nearly_depleted. Default:
	// 95.
	NearlyDepletedPercent float64 `yaml:"nearly_depleted_percent"`

	// NearlyDepletedCooldown is the per-key quiet period between
	// nearly-depleted events. Default: 5h.
	NearlyDepletedCooldown time.Duration `yaml:"nearly_depleted_cooldown"`

	// RotationPercent triggers a seamless rotation. Default: 95.
	RotationPercent float64 `yaml:"rotation_percent"`
}

// ProxyConfig configures the interception proxy.
type ProxyConfig struct {
	// Listen is the loopback address. Default: 127.0.0.1:18080.
	Listen string `yaml:"listen"`

	// InterceptHosts are terminated and rewritten; every other host is
	// tunneled untouched. Default: api.anthropic.com, claude.ai.
	InterceptHosts []string `yaml:"intercept_hosts"`

	// CACert and CAKey are the local CA's PEM files. Generated on first
	// start when missing.
	CACert string `yaml:"ca_cert"`
	CAKey  string `yaml:"ca_key"`

	// MaxRetries bounds 429 retries per request. Default: 2.
	MaxRetries int `yaml:"max_retries"`

	// MaxBodySize bounds buffered request bodies. Default: 32 MiB.
	MaxBodySize int64 `yaml:"max_body_size"`

	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
}

// LogConfig configures rotating log files.
type LogConfig struct {
	// MaxSize in bytes before a file is rotated. Default: 10 MiB.
	MaxSize int64 `yaml:"max_size"`

	// MaxBackups rotated segments are kept. Default: 5.
	MaxBackups int `yaml:"max_backups"`

	// Compression of rotated segments: zstd, lz4 or none. Default:
	// zstd.
	Compression string `yaml:"compression"`
}

// Default returns the default configuration. Path fields still hold
// ${VAR} references; LoadFile and Resolve expand them.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir: "${HOME}/.claude/rotor",
			LogDir:   "${ROTOR_STATE_DIR}/logs",
		},
		Credentials: CredentialsConfig{
			Backend: "auto",
			Path:    "${HOME}/.claude/.credentials.json",
			Service: "Claude Code-credentials",
			Account: "${USER}",
		},
		OAuth: OAuthConfig{
			Timeout: 15 * time.Second,
		},
		Selector: SelectorConfig{
			Freshness: 15 * time.Minute,
		},
		Refresh: RefreshConfig{
			Interval:           10 * time.Minute,
			ExpiryBuffer:       10 * time.Minute,
			TombstoneRetention: 24 * time.Hour,
		},
		Monitor: MonitorConfig{
			MinInterval:            5 * time.Minute,
			NearlyDepletedPercent:  95,
			NearlyDepletedCooldown: 5 * time.Hour,
			RotationPercent:        95,
		},
		Proxy: ProxyConfig{
			Listen:                "127.0.0.1:18080",
			InterceptHosts:        []string{"api.anthropic.com", "claude.ai"},
			CACert:                "${ROTOR_STATE_DIR}/ca.pem",
			CAKey:                 "${ROTOR_STATE_DIR}/ca-key.pem",
			MaxRetries:            2,
			MaxBodySize:           32 << 20,
			DialTimeout:           10 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 2 * time.Minute,
		},
		Log: LogConfig{
			MaxSize:     10 << 20,
			MaxBackups:  5,
			Compression: "zstd",
		},
	}
}

// Resolve loads the configuration for a command: flagPath when set,
// else the file named by ROTOR_CONFIG, else the defaults. The result
// is expanded and validated.
func Resolve(flagPath string) (*Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		return LoadFile(path)
	}
	cfg := Default()
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load loads configuration from the ROTOR_CONFIG environment variable.
// It fails when the variable is not set.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfig)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your rotor.yaml config file, or use --config flag", EnvConfig)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, merged over the defaults,
// expanded and validated.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.StateDir = expandVars(c.Paths.StateDir, vars)
	vars["ROTOR_STATE_DIR"] = c.Paths.StateDir // Dependent paths.

	c.Paths.LogDir = expandVars(c.Paths.LogDir, vars)
	c.Credentials.Path = expandVars(c.Credentials.Path, vars)
	c.Credentials.Account = expandVars(c.Credentials.Account, vars)
	c.Proxy.CACert = expandVars(c.Proxy.CACert, vars)
	c.Proxy.CAKey = expandVars(c.Proxy.CAKey, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.StateDir == "" {
		errs = append(errs, fmt.Errorf("paths.state_dir is required"))
	}
	if c.Paths.LogDir == "" {
		errs = append(errs, fmt.Errorf("paths.log_dir is required"))
	}

	backends := []string{"auto", "file", "macos-keychain"}
	if !contains(backends, c.Credentials.Backend) {
		errs = append(errs, fmt.Errorf("credentials.backend must be one of: %v", backends))
	}

	positive := map[string]time.Duration{
		"oauth.timeout":                    c.OAuth.Timeout,
		"selector.freshness":               c.Selector.Freshness,
		"refresh.interval":                 c.Refresh.Interval,
		"refresh.expiry_buffer":            c.Refresh.ExpiryBuffer,
		"refresh.tombstone_retention":      c.Refresh.TombstoneRetention,
		"monitor.min_interval":             c.Monitor.MinInterval,
		"monitor.nearly_depleted_cooldown": c.Monitor.NearlyDepletedCooldown,
		"proxy.dial_timeout":               c.Proxy.DialTimeout,
		"proxy.tls_handshake_timeout":      c.Proxy.TLSHandshakeTimeout,
		"proxy.response_header_timeout":    c.Proxy.ResponseHeaderTimeout,
	}
	for _, name := range sortedKeys(positive) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	for name, percent := range map[string]float64{
		"monitor.nearly_depleted_percent": c.Monitor.NearlyDepletedPercent,
		"monitor.rotation_percent":        c.Monitor.RotationPercent,
	} {
		if percent <= 0 || percent > 100 {
			errs = append(errs, fmt.Errorf("%s must be in (0, 100]", name))
		}
	}

	if c.Proxy.Listen == "" {
		errs = append(errs, fmt.Errorf("proxy.listen is required"))
	}
	if len(c.Proxy.InterceptHosts) == 0 {
		errs = append(errs, fmt.Errorf("proxy.intercept_hosts must name at least one host"))
	}
	if c.Proxy.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("proxy.max_retries must not be negative"))
	}
	if c.Proxy.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("proxy.max_body_size must be positive"))
	}

	if c.Log.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("log.max_size must be positive"))
	}
	if c.Log.MaxBackups < 0 {
		errs = append(errs, fmt.Errorf("log.max_backups must not be negative"))
	}
	if !contains([]string{"zstd", "lz4", "none"}, c.Log.Compression) {
		errs = append(errs, fmt.Errorf("log.compression must be one of: zstd, lz4, none"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// StateFile returns the rotation state document path.
func (c *Config) StateFile() string {
	return filepath.Join(c.Paths.StateDir, "rotation-state.json")
}

// MonitorStateFile returns the quota monitor's throttle state path.
func (c *Config) MonitorStateFile() string {
	return filepath.Join(c.Paths.StateDir, "monitor-state.json")
}

// SignalFile returns the rotation signal file session hooks poll.
func (c *Config) SignalFile() string {
	return filepath.Join(c.Paths.StateDir, "rotation-signal.json")
}

// LogFile returns the path of a named log in the log directory.
func (c *Config) LogFile(name string) string {
	return filepath.Join(c.Paths.LogDir, name)
}

// EnsurePaths creates the state and log directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
