package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kizuna/internal/kizuna/state"
)

func newSessionCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create and inspect sessions",
	}

	var characterID, title string
	create := &cobra.Command{
		Use:   "create",
		Short: "Start a new session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			sess, err := a.Engine().CreateSession(cmd.Context(), characterID, title)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), sess, func(w io.Writer) { writeSession(w, sess) })
		},
	}
	create.Flags().StringVar(&characterID, "character", "", "Character ID (default: configured default)")
	create.Flags().StringVar(&title, "title", "", "Session title")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's relationship state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			sess, err := a.Engine().Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), sess, func(w io.Writer) { writeSession(w, sess) })
		},
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			sessions, err := a.Engine().Sessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if sessions == nil {
				sessions = []state.Session{}
			}
			return opts.print(cmd.OutOrStdout(), sessions, func(w io.Writer) {
				if len(sessions) == 0 {
					fmt.Fprintln(w, "no sessions")
					return
				}
				for _, s := range sessions {
					fmt.Fprintf(w, "%s  %-10s %3d/100  %s\n", s.ID, s.CharacterID, s.AffectionScore, s.Title)
				}
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum number of sessions")

	cmd.AddCommand(create, show, list)
	return cmd
}
