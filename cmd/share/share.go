package share

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/syncbox/syncbox/cmd/util"
	"github.com/syncbox/syncbox/pkg/client"
	"github.com/syncbox/syncbox/pkg/config"
	"github.com/syncbox/syncbox/pkg/report"
)

// New creates a new `share` command.
func New() *cobra.Command {
	var configPath, receiver string
	var revoke bool
	cmd := &cobra.Command{
		Use:   "share PATH",
		Short: "Share a synced file with another user.",
		Long: "Grant another user read access to a synced file, revoke a\n" +
			"grant, or (with no flags) list who the file is shared with.\n" +
			"PATH is relative to the synced directory.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(configPath, args[0], receiver, revoke); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.ClientConfigPath,
		"path to the client configuration file")
	cmd.Flags().StringVar(&receiver, "with", "",
		"username to share with")
	cmd.Flags().BoolVar(&revoke, "revoke", false,
		"revoke the grant instead of creating it")
	return cmd
}

func run(configPath, path, receiver string, revoke bool) error {
	notifier := report.LogNotifier{}
	cfg := config.ParseClient(configPath, notifier)

	c, err := client.New(cfg, notifier, report.NopProgress{})
	if err != nil {
		return err
	}

	if receiver == "" {
		receivers, err := c.Receivers(path)
		if err != nil {
			return err
		}
		if len(receivers) == 0 {
			fmt.Printf("%q is not shared with anyone.\n", path)
			return nil
		}
		fmt.Printf("%q is shared with: %s\n", path, strings.Join(receivers, ", "))
		return nil
	}

	if err := c.ShareFile(path, receiver, revoke); err != nil {
		return err
	}
	if revoke {
		fmt.Printf("Stopped sharing %q with %s.\n", path, receiver)
	} else {
		fmt.Printf("Shared %q with %s.\n", path, receiver)
	}
	return nil
}
