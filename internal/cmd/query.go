package cmd

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/eargollo/surveyor/internal/fingerprint"
	"github.com/eargollo/surveyor/internal/inventory"
)

// NewQueryCommand creates the 'surveyor query' command
func NewQueryCommand(g *globals) *cobra.Command {
	var (
		f        inventory.Filter
		kind     string
		asJSON   bool
		minSize  string
		maxSize  string
		modAfter string
	)
	cmd := &cobra.Command{
		Use:   "query [dir]",
		Short: "List inventory entries from the last scans",
		Long: `Query the stored inventory. The directory itself is not touched; run
'surveyor scan' first to populate or refresh the inventory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch kind {
			case "":
			case "file":
				f.OnlyFiles = true
			case "dir":
				f.OnlyDirs = true
			default:
				return fmt.Errorf("--type must be file or dir, got %q", kind)
			}
			var err error
			if f.MinSize, err = parseSize(minSize); err != nil {
				return fmt.Errorf("--min-size: %w", err)
			}
			if f.MaxSize, err = parseSize(maxSize); err != nil {
				return fmt.Errorf("--max-size: %w", err)
			}
			if modAfter != "" {
				if f.ModifiedAfter, err = time.Parse(time.DateOnly, modAfter); err != nil {
					return fmt.Errorf("--modified-after: %w", err)
				}
			}

			ws, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer ws.Close()
			p, err := lookupProject(ws, args)
			if err != nil {
				return err
			}
			store, err := ws.Store(p)
			if err != nil {
				return err
			}
			entries, err := inventory.Collect(store.Query(cmd.Context(), f))
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			printEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Prefix, "prefix", "", "limit to a path and everything beneath it")
	cmd.Flags().StringSliceVar(&f.Extensions, "ext", nil, "file extensions to include (repeatable, comma-separated)")
	cmd.Flags().StringVar(&kind, "type", "", "file or dir")
	cmd.Flags().StringVar(&minSize, "min-size", "", "minimum size, e.g. 10MB")
	cmd.Flags().StringVar(&maxSize, "max-size", "", "maximum size, e.g. 1GiB")
	cmd.Flags().StringVar(&modAfter, "modified-after", "", "only entries modified after this date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of entries (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func printEntries(w io.Writer, entries []inventory.Entry) {
	blue := color.New(color.FgBlue, color.Bold)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", blue.Sprint(e.RelativePath+"/"), "-", e.ModTime.Format(time.DateOnly))
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.RelativePath, humanize.IBytes(uint64(e.SizeBytes)), e.ModTime.Format(time.DateOnly))
	}
	tw.Flush()
	fmt.Fprintf(w, "%s entries\n", humanize.Comma(int64(len(entries))))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewFingerprintCommand creates the 'surveyor fingerprint' command
func NewFingerprintCommand(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "fingerprint [dir]",
		Short: "Show the fingerprint of the last scan",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer ws.Close()
			p, err := lookupProject(ws, args)
			if err != nil {
				return err
			}
			store, err := ws.Store(p)
			if err != nil {
				return err
			}
			fp, err := store.LatestFingerprint(cmd.Context())
			if errors.Is(err, inventory.ErrNotFound) {
				return fmt.Errorf("%s has not been scanned yet; run 'surveyor scan %s'", p.Root, p.Root)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), fp)
			}
			printFingerprint(cmd.OutOrStdout(), fp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printFingerprint(w io.Writer, fp fingerprint.Fingerprint) {
	bold := color.New(color.Bold)
	bold.Fprintln(w, "Fingerprint")
	fmt.Fprintf(w, "  files:    %s (%s)\n", humanize.Comma(fp.TotalFiles), humanize.IBytes(uint64(fp.TotalSizeBytes)))
	fmt.Fprintf(w, "  scanned:  %s\n", humanize.Time(fp.GeneratedAt))
	if fp.IsPartial {
		color.New(color.FgYellow).Fprintln(w, "  partial:  the last scan was cancelled")
	}
	if fp.PrimaryFile != "" {
		fmt.Fprintf(w, "  primary:  %s\n", fp.PrimaryFile)
	}
	if len(fp.KindHistogram) > 0 {
		bold.Fprintln(w, "Kinds")
		printHistogram(w, fp.KindHistogram)
	}
	if len(fp.ExtensionHistogram) > 0 {
		bold.Fprintln(w, "Extensions")
		printHistogram(w, fp.ExtensionHistogram)
	}
	if len(fp.PathSample) > 0 {
		bold.Fprintln(w, "Sample")
		for _, p := range fp.PathSample {
			fmt.Fprintf(w, "  %s\n", p)
		}
	}
}

func printHistogram(w io.Writer, h map[string]int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	keys := slices.Collect(maps.Keys(h))
	// Largest first, ties by name.
	slices.SortFunc(keys, func(a, b string) int {
		if c := cmp.Compare(h[b], h[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	for _, k := range keys {
		name := k
		if name == "" {
			name = "(none)"
		}
		fmt.Fprintf(tw, "  %s\t%s\t\n", name, humanize.Comma(int64(h[k])))
	}
	tw.Flush()
}

// NewHistoryCommand creates the 'surveyor history' command
func NewHistoryCommand(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [dir]",
		Short: "List past scans, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer ws.Close()
			p, err := lookupProject(ws, args)
			if err != nil {
				return err
			}
			store, err := ws.Store(p)
			if err != nil {
				return err
			}
			scans, err := store.Scans(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(scans) == 0 {
				fmt.Fprintf(w, "No scans recorded for %s\n", p.Root)
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tFILES\tSIZE\tERRORS\tPRUNED")
			for _, s := range scans {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\n",
					s.ID, s.StartedAt.Local().Format(time.DateTime), s.Status,
					humanize.Comma(s.FilesSeen), humanize.IBytes(uint64(s.BytesSeen)),
					s.Errors, s.RowsPruned)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of scans to show")
	return cmd
}
