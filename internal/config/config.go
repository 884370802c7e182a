package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/eargollo/surveyor/internal/scan"
	"github.com/eargollo/surveyor/internal/scheduler"
)

// Config holds all configuration loaded from config.yaml.
type Config struct {
	DataDir     string          `yaml:"data_dir"     json:"data_dir"`
	ProtocolDir string          `yaml:"protocol_dir" json:"protocol_dir"`
	LogLevel    string          `yaml:"log_level"    json:"log_level"`
	HTTPAddr    string          `yaml:"http_addr"    json:"http_addr"`
	Projects    []ProjectConfig `yaml:"projects"     json:"projects"`
	Scan        ScanConfig      `yaml:"scan"         json:"scan"`
}

// ProjectConfig registers a project root. Field, when set, selects the
// project's field layer the first time it is opened; Schedule is a cron
// expression for rescans under `serve`.
type ProjectConfig struct {
	Root     string `yaml:"root"     json:"root"`
	Field    string `yaml:"field"    json:"field,omitempty"`
	Schedule string `yaml:"schedule" json:"schedule,omitempty"`
}

// ScanConfig holds scan tuning knobs.
type ScanConfig struct {
	BatchSize         int           `yaml:"batch_size"          json:"batch_size"`
	BatchInterval     time.Duration `yaml:"batch_interval"      json:"batch_interval"`
	ProgressInterval  time.Duration `yaml:"progress_interval"   json:"progress_interval"`
	SampleSize        int           `yaml:"sample_size"         json:"sample_size"`
	MaxRecordedErrors int           `yaml:"max_recorded_errors" json:"max_recorded_errors"`
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "surveyor", "config.yaml")
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = filepath.Join(xdg.DataHome, "surveyor")
	}
	if c.ProtocolDir == "" {
		c.ProtocolDir = filepath.Join(xdg.ConfigHome, "surveyor", "protocol")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = "127.0.0.1:8080"
	}
	d := scan.DefaultOptions()
	if c.Scan.BatchSize == 0 {
		c.Scan.BatchSize = d.BatchSize
	}
	if c.Scan.BatchInterval == 0 {
		c.Scan.BatchInterval = d.BatchInterval
	}
	if c.Scan.ProgressInterval == 0 {
		c.Scan.ProgressInterval = d.ProgressInterval
	}
	if c.Scan.SampleSize == 0 {
		c.Scan.SampleSize = d.SampleSize
	}
	if c.Scan.MaxRecordedErrors == 0 {
		c.Scan.MaxRecordedErrors = d.MaxRecordedErrors
	}
}

func (c *Config) validate() error {
	var errs []error
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: want debug, info, warn or error", c.LogLevel))
	}
	if c.Scan.BatchSize < 0 || c.Scan.SampleSize < 0 || c.Scan.MaxRecordedErrors < 0 {
		errs = append(errs, errors.New("scan: sizes must not be negative"))
	}
	if c.Scan.ProgressInterval < 0 {
		errs = append(errs, errors.New("scan.progress_interval must not be negative"))
	}
	seen := map[string]bool{}
	for i, p := range c.Projects {
		if strings.TrimSpace(p.Root) == "" {
			errs = append(errs, fmt.Errorf("projects[%d]: root is required", i))
			continue
		}
		if seen[p.Root] {
			errs = append(errs, fmt.Errorf("projects[%d]: duplicate root %q", i, p.Root))
		}
		seen[p.Root] = true
		if p.Schedule != "" {
			if err := scheduler.Validate(p.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("projects[%d]: %w", i, err))
			}
		}
	}
	return errors.Join(errs...)
}

// ScanOptions converts the scan section for the scanner.
func (c *Config) ScanOptions() scan.Options {
	return scan.Options{
		BatchSize:         c.Scan.BatchSize,
		BatchInterval:     c.Scan.BatchInterval,
		ProgressInterval:  c.Scan.ProgressInterval,
		SampleSize:        c.Scan.SampleSize,
		MaxRecordedErrors: c.Scan.MaxRecordedErrors,
	}
}

// Load reads and parses the YAML config file at path.
// If the file does not exist, Load returns a default Config so the tool
// works without any setup.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		var cfg Config
		cfg.applyDefaults()
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return &cfg, nil
}
