package serve

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/syncbox/syncbox/cmd/util"
	"github.com/syncbox/syncbox/pkg/config"
	"github.com/syncbox/syncbox/pkg/report"
	"github.com/syncbox/syncbox/pkg/server"
)

// New creates a new `serve` command.
func New() *cobra.Command {
	var configPath, eventLogPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the syncbox server.",
		Long: "Run the syncbox server: accept client connections on the data\n" +
			"port and park notification connections on the notify port.",
		Run: func(_ *cobra.Command, _ []string) {
			notifier := report.LogNotifier{}
			cfg := config.ParseServer(configPath, notifier)

			var eventLog report.EventLog = report.NopEventLog{}
			if eventLogPath != "" {
				eventLog = report.NewFileEventLog(afero.NewOsFs(), eventLogPath)
			}

			srv, err := server.New(cfg, notifier, eventLog)
			if err != nil {
				util.HandleFatalError(err)
			}
			if err := srv.ListenAndServe(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.ServerConfigPath,
		"path to the server configuration file")
	cmd.Flags().StringVar(&eventLogPath, "event-log", "",
		"append a record of every handled operation to this file")
	return cmd
}
