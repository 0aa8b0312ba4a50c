package users

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncbox/syncbox/cmd/util"
	"github.com/syncbox/syncbox/pkg/client"
	"github.com/syncbox/syncbox/pkg/config"
	"github.com/syncbox/syncbox/pkg/report"
)

// New creates a new `users` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List the users known to the server.",
		Run: func(_ *cobra.Command, _ []string) {
			notifier := report.LogNotifier{}
			cfg := config.ParseClient(configPath, notifier)

			c, err := client.New(cfg, notifier, report.NopProgress{})
			if err != nil {
				util.HandleFatalError(err)
			}
			names, err := c.Users()
			if err != nil {
				util.HandleFatalError(err)
			}
			for _, name := range names {
				fmt.Println(name)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.ClientConfigPath,
		"path to the client configuration file")
	return cmd
}
