package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewProtocolCommand creates the 'surveyor protocol' command group
func NewProtocolCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "protocol",
		Short: "Inspect and edit a project's protocol",
		Long: `The effective protocol merges the system, user, field and project
layers in that order. Exclusion patterns are the union of all layers;
instructions are concatenated.`,
	}
	cmd.AddCommand(newProtocolShowCommand(g))
	cmd.AddCommand(newProtocolSetFieldCommand(g))
	cmd.AddCommand(newProtocolClearFieldCommand(g))
	cmd.AddCommand(newProtocolExcludeCommand(g))
	cmd.AddCommand(newProtocolFieldsCommand(g))
	return cmd
}

func newProtocolShowCommand(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show [dir]",
		Short: "Print the effective protocol",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer ws.Close()
			p, err := openProject(ws, args)
			if err != nil {
				return err
			}
			eff, err := ws.Protocol(p)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(w, map[string]any{
					"layers":           eff.Layers(),
					"field":            p.Field,
					"exclude_patterns": eff.Patterns(),
					"instructions":     eff.Instructions(),
					"digest":           eff.Digest(),
				})
			}

			bold := color.New(color.Bold)
			layers := make([]string, 0, 4)
			for _, l := range eff.Layers() {
				layers = append(layers, string(l))
			}
			fmt.Fprintf(w, "%s %s\n", bold.Sprint("Layers:"), strings.Join(layers, " > "))
			if p.Field != "" {
				fmt.Fprintf(w, "%s %s\n", bold.Sprint("Field:"), p.Field)
			}
			fmt.Fprintf(w, "%s %s\n", bold.Sprint("Digest:"), eff.Digest())
			bold.Fprintln(w, "Exclude patterns:")
			for _, pat := range eff.Patterns() {
				fmt.Fprintf(w, "  %s\n", pat)
			}
			bold.Fprintln(w, "Instructions:")
			for _, ins := range eff.Instructions() {
				fmt.Fprintf(w, "  - %s\n", ins)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newProtocolSetFieldCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "set-field <field> [dir]",
		Short: "Select the field protocol layer for a project",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer ws.Close()
			p, err := openProject(ws, args[1:])
			if err != nil {
				return err
			}
			if err := ws.SetField(p, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Field of %s set to %s\n", p.Root, args[0])
			return nil
		},
	}
}

func newProtocolClearFieldCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-field [dir]",
		Short: "Remove the field protocol layer from a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer ws.Close()
			p, err := openProject(ws, args)
			if err != nil {
				return err
			}
			if err := ws.SetField(p, ""); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Field of %s cleared\n", p.Root)
			return nil
		},
	}
}

func newProtocolExcludeCommand(g *globals) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "exclude <pattern>...",
		Short: "Add exclusion patterns to the project layer",
		Long: `Append patterns to the project protocol layer, stored in the
application data directory. A pattern without a slash matches that path
from the project root; "**/" matches at any depth.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer ws.Close()
			p, err := openProject(ws, []string{dir})
			if err != nil {
				return err
			}
			l, err := ws.AddProjectExcludes(p, args...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Project layer %s now excludes:\n", l.Source())
			for _, pat := range l.ExcludePatterns() {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", pat)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "project directory")
	return cmd
}

func newProtocolFieldsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "fields",
		Short: "List available field protocols",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer ws.Close()
			ids, err := ws.Loader().Fields()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No field protocols in %s\n", ws.Loader().Dir)
				return nil
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}
