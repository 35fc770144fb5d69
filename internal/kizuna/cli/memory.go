package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kizuna/internal/kizuna/memory"
)

func newMemoryCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect a session's memory",
	}

	search := &cobra.Command{
		Use:   "search <session-id> <query...>",
		Short: "Show what the character would recall for a query",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			query := strings.Join(args[1:], " ")
			rec, err := a.Engine().Recall(cmd.Context(), args[0], query)
			if err != nil && !errors.Is(err, memory.ErrTierUnavailable) {
				return err
			}
			return opts.print(cmd.OutOrStdout(), rec, func(w io.Writer) {
				if rec.Degraded() {
					fmt.Fprintf(w, "warning: unavailable tiers: %v\n", rec.Missing)
				}
				fmt.Fprintf(w, "Recent turns (%d):\n", len(rec.Recent))
				for _, t := range rec.Recent {
					fmt.Fprintf(w, "  #%d %s: %s\n", t.Seq, t.Role, t.Content)
				}
				fmt.Fprintf(w, "Relevant memories (%d):\n", len(rec.Relevant))
				for _, f := range rec.Relevant {
					fmt.Fprintf(w, "  %.3f [%s] %s\n", f.Score, f.Kind, f.Content)
				}
			})
		},
	}

	list := &cobra.Command{
		Use:   "list <session-id>",
		Short: "List every long-term fragment of a session, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			frags, err := a.Engine().Fragments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if frags == nil {
				frags = []memory.Fragment{}
			}
			return opts.print(cmd.OutOrStdout(), frags, func(w io.Writer) {
				for _, f := range frags {
					who := string(f.Role)
					if f.Kind == memory.KindSynthesis {
						who = "summary"
					}
					fmt.Fprintf(w, "%s %-9s %s\n", f.CreatedAt.Format("2006-01-02 15:04"), who, f.Content)
				}
			})
		},
	}

	cmd.AddCommand(search, list)
	return cmd
}

func newSynthesizeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "synthesize <session-id>",
		Short: "Condense a session's recent turns into a long-term summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			frag, err := a.Engine().Synthesize(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := map[string]any{"synthesized": frag != nil}
			if frag != nil {
				out["fragment"] = frag
			}
			return opts.print(cmd.OutOrStdout(), out, func(w io.Writer) {
				if frag == nil {
					fmt.Fprintln(w, "nothing to synthesize: the short-term buffer is empty")
					return
				}
				fmt.Fprintf(w, "synthesized %s:\n%s\n", frag.ID, frag.Content)
			})
		},
	}
}

func newExportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session and all its memory fragments as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			loc, err := a.Exporter().Export(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]string{"location": loc}, func(w io.Writer) {
				fmt.Fprintf(w, "exported to %s\n", loc)
			})
		},
	}
}
