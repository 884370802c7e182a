package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/eargollo/surveyor/internal/scan"
)

// NewScanCommand creates the 'surveyor scan' command
func NewScanCommand(g *globals) *cobra.Command {
	var (
		field   string
		noColor bool
		quiet   bool
	)
	cmd := &cobra.Command{
		Use:   "scan [dir]",
		Short: "Walk a directory and refresh its inventory",
		Long: `Walk the directory (default ".") breadth-first, upsert every entry the
protocol does not exclude and rebuild the fingerprint.

Ctrl-C stops the walk at the next directory: rows written so far are kept,
nothing is pruned and the fingerprint is marked partial.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if noColor {
				color.NoColor = true
			}
			ws, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer ws.Close()

			p, err := openProject(ws, args)
			if err != nil {
				return err
			}
			if field != "" {
				if err := ws.SetField(p, field); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var onProgress scan.ProgressFunc
			if !quiet {
				onProgress = progressPrinter(cmd.ErrOrStderr())
			}
			sess, err := ws.StartScan(ctx, p, onProgress)
			if err != nil {
				return err
			}
			res, err := sess.Await(context.Background())
			printResult(cmd.OutOrStdout(), p.Root, res)
			return err
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "select a field protocol for the project before scanning")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	return cmd
}

// progressPrinter rewrites a single status line on w.
func progressPrinter(w io.Writer) scan.ProgressFunc {
	cyan := color.New(color.FgCyan)
	return func(ev scan.Event) {
		fmt.Fprintf(w, "\r\033[K%s %s files, %s",
			cyan.Sprint("scanning"),
			humanize.Comma(ev.FilesSeen),
			humanize.IBytes(uint64(ev.BytesSeen)))
		if ev.Final {
			fmt.Fprintln(w)
		}
	}
}

func printResult(w io.Writer, root string, res scan.Result) {
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	switch res.Status {
	case scan.StatusCompleted:
		green.Fprintf(w, "Scan completed")
	case scan.StatusCancelled:
		yellow.Fprintf(w, "Scan cancelled")
	default:
		red.Fprintf(w, "Scan %s", res.Status)
	}
	fmt.Fprintf(w, ": %s\n", root)

	fp := res.Fingerprint
	fmt.Fprintf(w, "  files:     %s (%s)\n", humanize.Comma(fp.TotalFiles), humanize.IBytes(uint64(fp.TotalSizeBytes)))
	fmt.Fprintf(w, "  dirs:      %s\n", humanize.Comma(res.Dirs))
	fmt.Fprintf(w, "  excluded:  %s\n", humanize.Comma(res.Excluded))
	if res.Skipped > 0 {
		fmt.Fprintf(w, "  skipped:   %s (not regular files)\n", humanize.Comma(res.Skipped))
	}
	fmt.Fprintf(w, "  written:   %s entries\n", humanize.Comma(res.EntriesWritten))
	if res.RowsPruned > 0 {
		fmt.Fprintf(w, "  pruned:    %s stale entries\n", humanize.Comma(res.RowsPruned))
	}
	if fp.PrimaryFile != "" {
		fmt.Fprintf(w, "  primary:   %s\n", fp.PrimaryFile)
	}
	if fp.IsPartial {
		yellow.Fprintln(w, "  fingerprint is partial")
	}
	if res.ErrorCount > 0 {
		yellow.Fprintf(w, "  %d errors", res.ErrorCount)
		fmt.Fprintln(w)
		for _, e := range res.Errors {
			path := e.Path
			if path == "" {
				path = "."
			}
			fmt.Fprintf(w, "    [%s] %s: %v\n", e.Kind, path, e.Err)
		}
	}
	if res.Err != nil {
		red.Fprintf(w, "  %v\n", res.Err)
	}
}
