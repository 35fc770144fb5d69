package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kizuna/internal/kizuna/archive"
)

func newArchiveCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Read exported session documents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "open <file>",
		Short: "Decode an exported document, decrypting it with the configured key if sealed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			sealer, err := cfg.ArchiveSealer()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := archive.OpenDocument(args[0], data, sealer)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), doc, func(w io.Writer) {
				writeSession(w, doc.Session)
				fmt.Fprintf(w, "exported %s by %s, %d fragments\n",
					doc.ExportedAt.Format("2006-01-02 15:04:05"), doc.Exporter, len(doc.Fragments))
				for _, f := range doc.Fragments {
					fmt.Fprintf(w, "  [%s] %s\n", f.Kind, f.Content)
				}
			})
		},
	})
	return cmd
}
