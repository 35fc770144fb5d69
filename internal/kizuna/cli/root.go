// Package cli implements the kizuna command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kizuna/common/environment"
	"github.com/bdobrica/Kizuna/internal/kizuna/app"
	"github.com/bdobrica/Kizuna/internal/kizuna/observability"
	"github.com/bdobrica/Kizuna/internal/kizuna/state"
)

const (
	formatJSON = "json"
	formatText = "text"
)

type options struct {
	configPath string
	format     string
	logLevel   string
}

// NewRootCmd builds the kizuna command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "kizuna",
		Short:         "Companion chat engine with two-tier session memory",
		Long:          "Kizuna runs character chat sessions that remember: a short-term buffer of recent turns, a searchable long-term store, and an affection state the character updates as it talks.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: $KIZUNA_CONFIG)")
	root.PersistentFlags().StringVarP(&opts.format, "format", "f", formatText, "Output format: json or text")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(
		newServeCmd(opts),
		newChatCmd(opts),
		newSessionCmd(opts),
		newSynthesizeCmd(opts),
		newMemoryCmd(opts),
		newExportCmd(opts),
		newArchiveCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context) int {
	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (o *options) loadConfig() (app.Config, error) {
	path := o.configPath
	if path == "" {
		path = environment.StringOr("KIZUNA_CONFIG", "")
	}
	cfg, err := app.LoadConfig(path)
	if err != nil {
		return app.Config{}, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// openApp builds the application for a one-shot command: no HTTP server and
// no Matrix bridge, logs on stderr.
func (o *options) openApp(ctx context.Context) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.HTTP.Addr = ""
	cfg.Matrix.Enabled = false
	if o.logLevel == "" {
		cfg.LogLevel = "warn"
	}
	logger := observability.Setup(cfg.LogLevel, cfg.LogFormat)
	return app.New(ctx, cfg, logger)
}

func (o *options) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.format == formatJSON {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	text(w)
	return nil
}

func writeSession(w io.Writer, s state.Session) {
	fmt.Fprintf(w, "%s  %s\n", s.ID, s.Title)
	fmt.Fprintf(w, "  character: %s\n", s.CharacterID)
	fmt.Fprintf(w, "  affection: %d/100\n", s.AffectionScore)
	if len(s.Tags) > 0 {
		fmt.Fprintf(w, "  tags:      %s\n", strings.Join(s.Tags, ", "))
	}
	fmt.Fprintf(w, "  updated:   %s\n", s.UpdatedAt.Format("2006-01-02 15:04:05"))
}

// closeApp closes a and logs, rather than returns, the error so it does not
// mask the command's own result.
func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		slog.Warn("shutdown incomplete", "err", err)
	}
}
