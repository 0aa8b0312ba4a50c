package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/syncbox/syncbox/cmd/serve"
	"github.com/syncbox/syncbox/cmd/share"
	syncCmd "github.com/syncbox/syncbox/cmd/sync"
	"github.com/syncbox/syncbox/cmd/users"
	"github.com/syncbox/syncbox/cmd/util"
	"github.com/syncbox/syncbox/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "SYNCBOX_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "syncbox",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		serve.New(),
		share.New(),
		syncCmd.New(),
		users.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
