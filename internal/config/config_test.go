package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eargollo/surveyor/internal/config"
	"github.com/eargollo/surveyor/internal/fingerprint"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "projects:\n  - root: /tmp/thesis\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir == "" || cfg.ProtocolDir == "" {
		t.Error("expected default data and protocol dirs to be set")
	}
	if cfg.HTTPAddr == "" {
		t.Error("expected default http_addr to be set")
	}
	if cfg.Scan.BatchSize != 500 || cfg.Scan.ProgressInterval != 100*time.Millisecond {
		t.Errorf("unexpected scan defaults: %+v", cfg.Scan)
	}
	if cfg.Scan.SampleSize != fingerprint.DefaultSampleSize {
		t.Errorf("sample_size: got %d, want %d", cfg.Scan.SampleSize, fingerprint.DefaultSampleSize)
	}
	if len(cfg.Projects) != 1 || cfg.Projects[0].Root != "/tmp/thesis" {
		t.Errorf("projects: got %+v", cfg.Projects)
	}
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log_level: got %q, want info", cfg.LogLevel)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	if _, err := config.Load(writeConfig(t, "")); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoad_ParsesDurationsAndSchedules(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
data_dir: /srv/surveyor
scan:
  batch_size: 250
  batch_interval: 5s
  progress_interval: 250ms
projects:
  - root: /data/paper
    field: astronomy
    schedule: "0 3 * * *"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	opts := cfg.ScanOptions()
	if opts.BatchSize != 250 || opts.BatchInterval != 5*time.Second || opts.ProgressInterval != 250*time.Millisecond {
		t.Errorf("scan options: got %+v", opts)
	}
	if cfg.DataDir != "/srv/surveyor" {
		t.Errorf("data_dir: got %q", cfg.DataDir)
	}
	if p := cfg.Projects[0]; p.Field != "astronomy" || p.Schedule != "0 3 * * *" {
		t.Errorf("project: got %+v", p)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "scan_paths: [/x]\n", "scan_paths"},
		{"bad log level", "log_level: loud\n", "log_level"},
		{"missing root", "projects:\n  - field: x\n", "root is required"},
		{"duplicate root", "projects:\n  - root: /a\n  - root: /a\n", "duplicate root"},
		{"negative size", "scan:\n  batch_size: -1\n", "negative"},
		{"bad schedule", "projects:\n  - root: /a\n    schedule: \"every day\"\n", "projects[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
