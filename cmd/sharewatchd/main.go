// Command sharewatchd runs the share-mounting daemon: the cobra root
// command wires the `serve` subcommand (the long-running daemon) and
// the `share` subcommand group (administrative edits to the persisted
// configuration, applied through the same pkg/share/config.Repository
// the running daemon watches via fsnotify — see SPEC_FULL.md's note on
// why this replaces a gRPC control plane).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dlog"
)

func main() {
	ctx := context.Background()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "sharewatchd: %v", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sharewatchd",
		Short:         "Keeps configured SMB/AFP/NFS shares mounted on a host with unreliable connectivity",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to the share configuration file (default $HOME/.config/sharewatchd/shares.json)")
	root.PersistentFlags().String("home", "", "home directory used to resolve default mount paths (default $HOME)")
	root.AddCommand(serveCmd(), shareCmd())
	return root
}
