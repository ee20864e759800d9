package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBufferSize     = 8 * 1024
	DefaultStatusInterval = 30 * time.Second
	DefaultForwardName    = "default"
)

// GlobalLogConfig holds optional global log file settings
type GlobalLogConfig struct {
	Filename   string `yaml:"Filename,omitempty"`
	MaxSize    int    `yaml:"MaxSize,omitempty"` // megabytes
	MaxBackups int    `yaml:"MaxBackups,omitempty"`
	MaxAge     int    `yaml:"MaxAge,omitempty"` // days
	Compress   bool   `yaml:"Compress,omitempty"`
	Level      string `yaml:"Level,omitempty"` // logrus level name, default "info"
}

// DurationString supports "10s", "5m" (only lowercase s/m) or a bare number
// of seconds
type DurationString time.Duration

func (d *DurationString) UnmarshalYAML(value *yaml.Node) error {
	s := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*d = DurationString(time.Duration(v) * time.Second)
		return nil
	}
	if !(strings.HasSuffix(s, "s") || strings.HasSuffix(s, "m")) {
		return fmt.Errorf("invalid duration: %s (must end with 's' or 'm')", s)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = DurationString(dur)
	return nil
}

func (d DurationString) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d DurationString) Duration() time.Duration {
	return time.Duration(d)
}

// SizeString supports "8KB", "1MB", "1GB" (uppercase only) or a bare byte
// count
type SizeString int64

func (s *SizeString) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if value.Tag == "!!int" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*s = SizeString(v)
		return nil
	}
	if raw == "" {
		return fmt.Errorf("empty size string")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(raw, "KB"):
		multiplier = 1024
		raw = strings.TrimSuffix(raw, "KB")
	case strings.HasSuffix(raw, "MB"):
		multiplier = 1024 * 1024
		raw = strings.TrimSuffix(raw, "MB")
	case strings.HasSuffix(raw, "GB"):
		multiplier = 1024 * 1024 * 1024
		raw = strings.TrimSuffix(raw, "GB")
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size string: %s (must be bytes or end with 'KB','MB','GB')", value.Value)
	}
	*s = SizeString(v * multiplier)
	return nil
}

// ForwardConfig is one listen/target pair run by its own engine
type ForwardConfig struct {
	Name       string     `yaml:"Name"`
	Listen     string     `yaml:"Listen"`
	Target     string     `yaml:"Target"`
	BufferSize SizeString `yaml:"BufferSize,omitempty"` // default 8KB
}

// Config holds all ForwardConfigs
type Config struct {
	Forwards       []ForwardConfig  `yaml:"Forwards"`
	APIListen      string           `yaml:"APIListen,omitempty"`
	StatusInterval DurationString   `yaml:"StatusInterval,omitempty"` // default "30s"
	GlobalLog      *GlobalLogConfig `yaml:"GlobalLog,omitempty"`
}

// SetDefaults sets default values for optional fields
func (c *Config) SetDefaults() {
	for i, f := range c.Forwards {
		if f.Name == "" {
			if i == 0 {
				c.Forwards[i].Name = DefaultForwardName
			} else {
				c.Forwards[i].Name = fmt.Sprintf("forward-%d", i)
			}
		}
		if f.BufferSize <= 0 {
			c.Forwards[i].BufferSize = DefaultBufferSize
		}
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = DurationString(DefaultStatusInterval)
	}
	// Set global log defaults if not provided
	if c.GlobalLog == nil {
		c.GlobalLog = &GlobalLogConfig{
			Filename:   "", // Empty string means log to stdout
			MaxSize:    1,
			MaxBackups: 1,
			MaxAge:     1,
			Compress:   false,
			Level:      "info",
		}
	} else {
		if c.GlobalLog.MaxSize == 0 {
			c.GlobalLog.MaxSize = 20
		}
		if c.GlobalLog.MaxBackups == 0 {
			c.GlobalLog.MaxBackups = 5
		}
		if c.GlobalLog.MaxAge == 0 {
			c.GlobalLog.MaxAge = 28
		}
		if c.GlobalLog.Level == "" {
			c.GlobalLog.Level = "info"
		}
	}
}

// Validate checks that every forward is complete and uniquely named.
func (c *Config) Validate() error {
	if len(c.Forwards) == 0 {
		return errors.New("no forwards configured")
	}
	seen := make(map[string]bool, len(c.Forwards))
	for i, f := range c.Forwards {
		if f.Listen == "" {
			return fmt.Errorf("forward %d (%s): Listen is required", i, f.Name)
		}
		if f.Target == "" {
			return fmt.Errorf("forward %d (%s): Target is required", i, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("forward %d: duplicate name %q", i, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// LoadConfig loads config from YAML file and parses it
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg to path as YAML, replacing the file atomically.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
