package sync

import (
	"github.com/spf13/cobra"

	"github.com/syncbox/syncbox/cmd/util"
	"github.com/syncbox/syncbox/pkg/client"
	"github.com/syncbox/syncbox/pkg/config"
	"github.com/syncbox/syncbox/pkg/report"
)

// New creates a new `sync` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Keep the local directory in sync with the server.",
		Long: "Reconcile the local directory against the server, then watch\n" +
			"it for changes and stream them up as they happen.",
		Run: func(_ *cobra.Command, _ []string) {
			notifier := report.LogNotifier{}
			cfg := config.ParseClient(configPath, notifier)

			c, err := client.New(cfg, notifier, &report.LogProgress{})
			if err != nil {
				util.HandleFatalError(err)
			}
			if err := c.Run(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.ClientConfigPath,
		"path to the client configuration file")
	return cmd
}
