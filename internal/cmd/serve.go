package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eargollo/surveyor/internal/api"
	"github.com/eargollo/surveyor/internal/project"
	"github.com/eargollo/surveyor/internal/scheduler"
	"github.com/eargollo/surveyor/internal/workspace"
)

// NewServeCommand creates the 'surveyor serve' command
func NewServeCommand(g *globals) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and scheduled rescans",
		Long: `Serve the query and control API. Projects listed in the config are
registered on start; those with a cron schedule are rescanned on it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer ws.Close()
			cfg := ws.Config()
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			slog.Info("surveyor starting",
				"version", Version,
				"log_level", cfg.LogLevel,
				"http_addr", cfg.HTTPAddr,
				"data_dir", cfg.DataDir,
				"protocol_dir", cfg.ProtocolDir)

			projects, err := ws.RegisterConfigured()
			if err != nil {
				return err
			}

			sched := scheduler.New()
			for i, p := range projects {
				expr := cfg.Projects[i].Schedule
				if expr == "" {
					continue
				}
				if err := sched.SetJob(p.ID, expr, scheduledScan(ws, p)); err != nil {
					return err
				}
			}
			sched.Start()
			defer sched.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := api.New(cfg.HTTPAddr, ws, sched, Version)
			grp, gctx := errgroup.WithContext(ctx)
			grp.Go(func() error { return srv.Run(gctx) })
			grp.Go(func() error {
				<-gctx.Done()
				ws.Manager().CancelAll()
				return nil
			})
			err = grp.Wait()
			slog.Info("surveyor stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http_addr)")
	return cmd
}

// scheduledScan starts a rescan of p. A scan already running for p, in this
// process or another, skips the tick.
func scheduledScan(ws *workspace.Workspace, p *project.Project) func() {
	return func() {
		slog.Info("scheduled scan triggered", "project", p.ID)
		sess, err := ws.StartScan(context.Background(), p, nil)
		if err != nil {
			slog.Warn("scheduled scan start", "project", p.ID, "error", err)
			return
		}
		res, err := sess.Await(context.Background())
		if err != nil {
			slog.Error("scheduled scan failed", "project", p.ID, "error", err)
			return
		}
		slog.Info("scheduled scan finished", "project", p.ID, "status", res.Status,
			"files", res.Fingerprint.TotalFiles, "pruned", res.RowsPruned)
	}
}
