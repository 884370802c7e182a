package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eargollo/surveyor/internal/config"
	"github.com/eargollo/surveyor/internal/fingerprint"
	"github.com/eargollo/surveyor/internal/inventory"
	"github.com/eargollo/surveyor/internal/scan"
	"github.com/eargollo/surveyor/internal/workspace"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// setupEnv writes a config pointing at temp dirs and a small research tree.
func setupEnv(t *testing.T) (configPath, root string) {
	t.Helper()
	color.NoColor = true
	base := t.TempDir()
	configPath = filepath.Join(base, "config.yaml")
	writeFile(t, configPath, "data_dir: "+filepath.Join(base, "data")+
		"\nprotocol_dir: "+filepath.Join(base, "protocol")+"\nlog_level: error\n")
	writeFile(t, filepath.Join(base, "protocol", "fields", "astronomy.yaml"),
		"exclude_patterns: [\"**/*.fits\"]\ninstructions: [\"Use IAU naming.\"]\n")

	root = filepath.Join(base, "thesis")
	writeFile(t, filepath.Join(root, "paper", "main.tex"), "\\documentclass{article}")
	writeFile(t, filepath.Join(root, "data", "run1.csv"), "a,b\n1,2\n")
	writeFile(t, filepath.Join(root, "obs", "m31.fits"), "SIMPLE")
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref")
	return configPath, root
}

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	defer slog.SetDefault(slog.Default())
	var out, errOut bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestScanThenQuery(t *testing.T) {
	cfg, root := setupEnv(t)

	out, err := run(t, cfg, "scan", "-q", root)
	require.NoError(t, err)
	assert.Contains(t, out, "Scan completed")
	assert.Contains(t, out, "files:     3")

	out, err = run(t, cfg, "query", "--type", "file", "--json", root)
	require.NoError(t, err)
	var entries []inventory.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.RelativePath)
	}
	assert.ElementsMatch(t, []string{"paper/main.tex", "data/run1.csv", "obs/m31.fits"}, paths)

	out, err = run(t, cfg, "query", "--ext", "tex", root)
	require.NoError(t, err)
	assert.Contains(t, out, "paper/main.tex")
	assert.Contains(t, out, "1 entries")

	out, err = run(t, cfg, "fingerprint", "--json", root)
	require.NoError(t, err)
	var fp fingerprint.Fingerprint
	require.NoError(t, json.Unmarshal([]byte(out), &fp))
	assert.EqualValues(t, 3, fp.TotalFiles)
	assert.False(t, fp.IsPartial)

	out, err = run(t, cfg, "history", root)
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
}

func TestFingerprintBeforeScan(t *testing.T) {
	cfg, root := setupEnv(t)
	_, err := run(t, cfg, "fingerprint", root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has not been scanned")
}

func TestProtocolCommands(t *testing.T) {
	cfg, root := setupEnv(t)

	out, err := run(t, cfg, "protocol", "fields")
	require.NoError(t, err)
	assert.Equal(t, "astronomy\n", out)

	_, err = run(t, cfg, "protocol", "set-field", "biology", root)
	require.Error(t, err)

	_, err = run(t, cfg, "protocol", "set-field", "astronomy", root)
	require.NoError(t, err)
	_, err = run(t, cfg, "protocol", "exclude", "--dir", root, "data")
	require.NoError(t, err)

	out, err = run(t, cfg, "protocol", "show", root)
	require.NoError(t, err)
	assert.Contains(t, out, "system > user > field > project")
	assert.Contains(t, out, "**/*.fits")
	assert.Contains(t, out, "Use IAU naming.")

	out, err = run(t, cfg, "scan", "-q", root)
	require.NoError(t, err)
	assert.Contains(t, out, "files:     1")

	_, err = run(t, cfg, "protocol", "clear-field", root)
	require.NoError(t, err)
	out, err = run(t, cfg, "protocol", "show", "--json", root)
	require.NoError(t, err)
	var shown map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.NotContains(t, shown["exclude_patterns"], "**/*.fits")
	assert.Contains(t, shown["exclude_patterns"], "data")
}

func TestQueryRejectsBadFlags(t *testing.T) {
	cfg, root := setupEnv(t)
	_, err := run(t, cfg, "query", "--type", "link", root)
	require.Error(t, err)
	_, err = run(t, cfg, "query", "--min-size", "lots", root)
	require.Error(t, err)
}

func TestScheduledScanFollowsFieldChanges(t *testing.T) {
	cfgPath, root := setupEnv(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	ws := workspace.New(cfg)
	t.Cleanup(func() { ws.Close() })

	p, err := ws.Open(root)
	require.NoError(t, err)
	tick := scheduledScan(ws, p)

	_, err = run(t, cfgPath, "protocol", "set-field", "astronomy", root)
	require.NoError(t, err)
	tick()

	store, err := ws.Store(p)
	require.NoError(t, err)
	fp, err := store.LatestFingerprint(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, fp.TotalFiles, "the field layer excludes the fits file")

	_, err = run(t, cfgPath, "protocol", "clear-field", root)
	require.NoError(t, err)
	tick()
	fp, err = store.LatestFingerprint(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, fp.TotalFiles)
}

func TestPrintResultListsErrorPaths(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printResult(&buf, "/thesis", scan.Result{
		Status:     scan.StatusCompleted,
		ErrorCount: 2,
		Errors: []scan.ScanError{
			{Path: "data/locked", Kind: scan.KindPermissionDenied, Err: errors.New("permission denied")},
			{Kind: scan.KindIOError, Err: errors.New("bad sector")},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "    [permission_denied] data/locked: permission denied\n")
	assert.Contains(t, out, "    [io_error] .: bad sector\n")
	assert.NotContains(t, out, "permission_denied: permission_denied")
}

func TestReadCommandsDoNotRegisterProjects(t *testing.T) {
	cfg, root := setupEnv(t)
	projects := filepath.Join(filepath.Dir(cfg), "data", "projects")
	for _, args := range [][]string{{"query", root}, {"fingerprint", root}, {"history", root}} {
		_, err := run(t, cfg, args...)
		require.Error(t, err, args[0])
		assert.Contains(t, err.Error(), "has not been scanned", args[0])
	}
	_, err := os.Stat(projects)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = run(t, cfg, "scan", "-q", root)
	require.NoError(t, err)
	_, err = run(t, cfg, "history", root)
	require.NoError(t, err)
}
