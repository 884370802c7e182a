package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eargollo/surveyor/internal/config"
	"github.com/eargollo/surveyor/internal/project"
	"github.com/eargollo/surveyor/internal/workspace"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
}

// NewRootCommand creates and returns the root cobra command for surveyor
func NewRootCommand() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:   "surveyor",
		Short: "Metadata inventory and fingerprint for research directories",
		Long: `Surveyor walks a research directory without reading file contents,
keeps a metadata inventory of it in the application data directory and
derives a compact fingerprint (counts, extension histogram, path sample,
primary document) that assistants can use as project context.

Exclusion rules and instructions come from layered protocol documents:
system, user, field and project.`,
		Version:      Version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&g.configPath, "config", config.DefaultPath(), "path to config file")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	cmd.AddCommand(NewScanCommand(g))
	cmd.AddCommand(NewQueryCommand(g))
	cmd.AddCommand(NewFingerprintCommand(g))
	cmd.AddCommand(NewHistoryCommand(g))
	cmd.AddCommand(NewProtocolCommand(g))
	cmd.AddCommand(NewServeCommand(g))

	return cmd
}

// setup loads the config, installs the default logger and opens the
// workspace. The caller closes the workspace.
func (g *globals) setup(cmd *cobra.Command) (*workspace.Workspace, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	return workspace.New(cfg), nil
}

// openProject registers the directory named by args (default ".") and
// returns its project.
func openProject(ws *workspace.Workspace, args []string) (*project.Project, error) {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	return ws.Open(abs)
}

// lookupProject returns the already registered project for the directory
// named by args (default "."). Nothing is written for an unknown directory.
func lookupProject(ws *workspace.Workspace, args []string) (*project.Project, error) {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	p, err := ws.Project(project.IDFor(abs))
	if errors.Is(err, project.ErrUnknownProject) {
		return nil, fmt.Errorf("%s has not been scanned yet; run 'surveyor scan %s'", abs, abs)
	}
	return p, err
}

// parseLogLevel converts a config string ("debug", "info", "warn", "error")
// to its slog.Level equivalent. Unknown values default to Info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
