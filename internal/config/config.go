package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 4040
	DefaultInitialDelay   = 5 * time.Second
	DefaultPollInterval   = 1 * time.Second
	DefaultTimeout        = 60 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultListen         = "127.0.0.1:8089"
	DefaultHost           = "localhost"
)

// ErrNoTargets is returned by Validate when no probe target is configured.
var ErrNoTargets = errors.New("config must contain at least one target")

// Config holds probe settings and the targets to discover.
type Config struct {
	Probe        ProbeConfig    `yaml:"probe" toml:"probe"`
	Targets      []TargetConfig `yaml:"targets" toml:"targets"`
	Serve        *ServeConfig   `yaml:"serve,omitempty" toml:"serve,omitempty"`
	STUNServers  []string       `yaml:"stun_servers,omitempty" toml:"stun_servers,omitempty"`
	AttemptsPath string         `yaml:"attempts_path,omitempty" toml:"attempts_path,omitempty"`
}

// ProbeConfig holds timing shared by every target.
type ProbeConfig struct {
	Port int `yaml:"port" toml:"port"`

	// InitialDelay is nil when the file omits it; an explicit "0s"
	// disables the warm-up delay.
	InitialDelay *Duration `yaml:"initial_delay" toml:"initial_delay"`

	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
	Timeout        Duration `yaml:"timeout" toml:"timeout"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout"`
}

// TargetConfig is one tunneling agent to discover.
type TargetConfig struct {
	Name  string   `yaml:"name" toml:"name"`
	Hosts []string `yaml:"hosts" toml:"hosts"`
	// Port overrides probe.port when set.
	Port int `yaml:"port,omitempty" toml:"port,omitempty"`
}

// ServeConfig is used by the status API.
type ServeConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// Duration is a time.Duration written as a string ("5s", "1m30s").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// NewDuration returns a pointer to d, for optional fields.
func NewDuration(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}

// Warmup returns the initial delay, DefaultInitialDelay when unset.
func (p ProbeConfig) Warmup() time.Duration {
	if p.InitialDelay == nil {
		return DefaultInitialDelay
	}
	return p.InitialDelay.Std()
}

// Load reads and parses a config file. Files ending in .toml are decoded as
// TOML, anything else as YAML.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if isTOML(path) {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a config file to disk in the format implied by its extension.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)

	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return err
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = yaml.Marshal(&cfg)
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if len(cfg.Targets) == 0 {
		return ErrNoTargets
	}
	seen := map[string]bool{}
	for i, t := range cfg.Targets {
		if t.Name == "" {
			return fmt.Errorf("targets[%d].name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate target name %q", t.Name)
		}
		seen[t.Name] = true
		if port := t.EffectivePort(cfg.Probe); port < 1 || port > 65535 {
			return fmt.Errorf("target %q: port must be between 1 and 65535, got %d", t.Name, port)
		}
	}
	if cfg.Probe.Timeout.Std() < 0 || cfg.Probe.PollInterval.Std() < 0 || cfg.Probe.Warmup() < 0 {
		return fmt.Errorf("probe durations must not be negative")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Probe.Port == 0 {
		cfg.Probe.Port = DefaultPort
	}
	if cfg.Probe.InitialDelay == nil {
		cfg.Probe.InitialDelay = NewDuration(DefaultInitialDelay)
	}
	if cfg.Probe.PollInterval == 0 {
		cfg.Probe.PollInterval = Duration(DefaultPollInterval)
	}
	if cfg.Probe.Timeout == 0 {
		cfg.Probe.Timeout = Duration(DefaultTimeout)
	}
	if cfg.Probe.RequestTimeout == 0 {
		cfg.Probe.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	for i := range cfg.Targets {
		if len(cfg.Targets[i].Hosts) == 0 {
			cfg.Targets[i].Hosts = []string{DefaultHost}
		}
	}
	if cfg.Serve != nil && cfg.Serve.Listen == "" {
		cfg.Serve.Listen = DefaultListen
	}
}

// EffectivePort returns the target's port, falling back to probe.port.
func (t TargetConfig) EffectivePort(p ProbeConfig) int {
	if t.Port != 0 {
		return t.Port
	}
	return p.Port
}

// FindTarget returns the target named name.
func (c Config) FindTarget(name string) (TargetConfig, bool) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return TargetConfig{}, false
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
