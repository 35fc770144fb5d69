package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kizuna/internal/kizuna/chat"
	"github.com/bdobrica/Kizuna/internal/kizuna/state"
)

const chatHelp = `/state     show the relationship state
/remember  condense recent turns into long-term memory
/quit      leave the conversation`

func newChatCmd(opts *options) *cobra.Command {
	var characterID, title string
	cmd := &cobra.Command{
		Use:   "chat [session-id]",
		Short: "Talk to a character interactively, streaming replies",
		Long:  "Starts an interactive conversation. Without a session ID a new session is created. Ctrl-C while a reply is streaming interrupts that reply only.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.openApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(a)
			engine := a.Engine()

			var sess state.Session
			if len(args) == 1 {
				sess, err = engine.Session(ctx, args[0])
			} else {
				sess, err = engine.CreateSession(ctx, characterID, title)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %s with %s (affection %d/100). Type /help for commands.\n",
				sess.ID, sess.CharacterID, sess.AffectionScore)
			return chatLoop(ctx, engine, sess, cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().StringVar(&characterID, "character", "", "Character for a new session (default: configured default)")
	cmd.Flags().StringVar(&title, "title", "", "Title for a new session")
	return cmd
}

func chatLoop(ctx context.Context, engine *chat.Engine, sess state.Session, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(out, chatHelp)
			continue
		case "/state":
			current, err := engine.Session(ctx, sess.ID)
			if err != nil {
				return err
			}
			writeSession(out, current)
			continue
		case "/remember":
			frag, err := engine.Synthesize(ctx, sess.ID)
			switch {
			case err != nil:
				fmt.Fprintf(out, "synthesis failed: %v\n", err)
			case frag == nil:
				fmt.Fprintln(out, "nothing to remember yet")
			default:
				fmt.Fprintf(out, "remembered: %s\n", frag.Content)
			}
			continue
		}

		if err := chatTurn(ctx, engine, sess, line, out); err != nil {
			return err
		}
	}
}

func chatTurn(ctx context.Context, engine *chat.Engine, sess state.Session, message string, out io.Writer) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	fmt.Fprintf(out, "%s> ", sess.CharacterID)
	res, err := engine.StreamTurn(turnCtx, sess.ID, message, func(chunk string) error {
		_, err := io.WriteString(out, chunk)
		return err
	})
	fmt.Fprintln(out)

	switch {
	case res.Partial:
		fmt.Fprintln(out, "  [interrupted; state unchanged]")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	case errors.Is(err, chat.ErrEmptyMessage):
		return nil
	case err != nil:
		return err
	}

	if len(res.Missing) > 0 {
		fmt.Fprintf(out, "  [memory degraded: %v]\n", res.Missing)
	}
	if res.Delta != nil {
		fmt.Fprintf(out, "  [affection %d/100 (%+d)", res.Session.AffectionScore, res.Delta.AffectionDelta)
		if len(res.Delta.NewTags) > 0 {
			fmt.Fprintf(out, ", learned: %s", strings.Join(res.Delta.NewTags, ", "))
		}
		fmt.Fprintln(out, "]")
	}
	return nil
}
