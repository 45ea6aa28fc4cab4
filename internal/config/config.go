// Package config loads the harmony YAML configuration. The file is created
// with defaults on first run; HARMONY_* environment variables override what
// the file says without being written back.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcus/harmony/internal/models"
)

// ErrNoConfigPath is returned when Load or Save is given an empty path.
var ErrNoConfigPath = errors.New("config path is empty")

const (
	defaultDatabase     = "harmony.db"
	defaultLockDir      = "locks"
	defaultSchedule     = "*/5 * * * *"
	defaultPassTimeout  = "10m"
	defaultLeaseTimeout = "500ms"
	defaultMaxParallel  = 4
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultLocalRoot    = "local"
	defaultRemoteRoot   = "remote"
)

// Config is the harmony configuration. Relative paths are resolved against
// the directory holding the config file.
type Config struct {
	// User owns every pairing created from the CLI.
	User string `yaml:"user"`

	Database string `yaml:"database"`
	LockDir  string `yaml:"lock_dir"`

	// Schedule is a standard five-field cron expression.
	Schedule string `yaml:"schedule"`

	// Policy is one of local_wins, remote_wins or chronology.
	Policy string `yaml:"policy"`

	PassTimeout  string `yaml:"pass_timeout"`  // duration string
	LeaseTimeout string `yaml:"lease_timeout"` // duration string
	MaxParallel  int    `yaml:"max_parallel"`

	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text or json

	LocalRoot  string `yaml:"local_root"`
	RemoteRoot string `yaml:"remote_root"`

	dir string
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() *Config {
	user := os.Getenv("USER")
	if user == "" {
		user = "default"
	}
	return &Config{
		User:         user,
		Database:     defaultDatabase,
		LockDir:      defaultLockDir,
		Schedule:     defaultSchedule,
		Policy:       string(models.PolicyChronology),
		PassTimeout:  defaultPassTimeout,
		LeaseTimeout: defaultLeaseTimeout,
		MaxParallel:  defaultMaxParallel,
		LogLevel:     defaultLogLevel,
		LogFormat:    defaultLogFormat,
		LocalRoot:    defaultLocalRoot,
		RemoteRoot:   defaultRemoteRoot,
	}
}

// Normalize fills zero values with defaults so older or partial files still
// load.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.User == "" {
		c.User = d.User
	}
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.LockDir == "" {
		c.LockDir = d.LockDir
	}
	if c.Schedule == "" {
		c.Schedule = d.Schedule
	}
	if c.Policy == "" {
		c.Policy = d.Policy
	}
	if c.PassTimeout == "" {
		c.PassTimeout = d.PassTimeout
	}
	if c.LeaseTimeout == "" {
		c.LeaseTimeout = d.LeaseTimeout
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = d.MaxParallel
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	c.LogFormat = strings.ToLower(c.LogFormat)
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.LocalRoot == "" {
		c.LocalRoot = d.LocalRoot
	}
	if c.RemoteRoot == "" {
		c.RemoteRoot = d.RemoteRoot
	}
}

// Validate reports the first field that cannot be used.
func (c *Config) Validate() error {
	if _, err := models.ParsePolicy(c.Policy); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if _, err := c.PassTimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.LeaseTimeoutDuration(); err != nil {
		return err
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format: unknown format %q", c.LogFormat)
	}
	return nil
}

// PolicyValue returns the parsed conflict policy.
func (c *Config) PolicyValue() (models.Policy, error) {
	return models.ParsePolicy(c.Policy)
}

// PassTimeoutDuration parses pass_timeout.
func (c *Config) PassTimeoutDuration() (time.Duration, error) {
	return parsePositiveDuration("pass_timeout", c.PassTimeout)
}

// LeaseTimeoutDuration parses lease_timeout.
func (c *Config) LeaseTimeoutDuration() (time.Duration, error) {
	return parsePositiveDuration("lease_timeout", c.LeaseTimeout)
}

func parsePositiveDuration(field, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", field, v)
	}
	return d, nil
}

// Path resolves p against the config file's directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// DefaultPath returns $HARMONY_CONFIG, or ~/.config/harmony/config.yaml.
func DefaultPath() (string, error) {
	if v := os.Getenv("HARMONY_CONFIG"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".config", "harmony", "config.yaml"), nil
}

// Load reads the config at path, writing defaults first if the file does not
// exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, ErrNoConfigPath
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.Normalize()
	}

	cfg.applyEnv()
	if abs, err := filepath.Abs(filepath.Dir(path)); err == nil {
		cfg.dir = abs
	} else {
		cfg.dir = filepath.Dir(path)
	}
	return cfg, nil
}

// applyEnv overlays HARMONY_* variables. Unparsable numbers are ignored.
func (c *Config) applyEnv() {
	for _, o := range []struct {
		key string
		dst *string
	}{
		{"HARMONY_USER", &c.User},
		{"HARMONY_DATABASE", &c.Database},
		{"HARMONY_LOCK_DIR", &c.LockDir},
		{"HARMONY_SCHEDULE", &c.Schedule},
		{"HARMONY_POLICY", &c.Policy},
		{"HARMONY_PASS_TIMEOUT", &c.PassTimeout},
		{"HARMONY_LEASE_TIMEOUT", &c.LeaseTimeout},
		{"HARMONY_LOG_LEVEL", &c.LogLevel},
		{"HARMONY_LOG_FORMAT", &c.LogFormat},
		{"HARMONY_LOCAL_ROOT", &c.LocalRoot},
		{"HARMONY_REMOTE_ROOT", &c.RemoteRoot},
	} {
		if v := os.Getenv(o.key); v != "" {
			*o.dst = v
		}
	}
	if v := os.Getenv("HARMONY_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxParallel = n
		}
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.LogFormat = strings.ToLower(c.LogFormat)
}

// Save writes cfg to path atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return ErrNoConfigPath
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
