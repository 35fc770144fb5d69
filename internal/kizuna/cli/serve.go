package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kizuna/common/version"
	"github.com/bdobrica/Kizuna/internal/kizuna/app"
	"github.com/bdobrica/Kizuna/internal/kizuna/observability"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API, the Matrix bridge and scheduled synthesis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := observability.Setup(cfg.LogLevel, cfg.LogFormat)
			logger.Info("starting kizuna", "version", version.Info())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeApp(a)
			return a.Run(ctx)
		},
	}
}
