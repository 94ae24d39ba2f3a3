package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/marcus/cacheagent/internal/output"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the config cache with the config server",
	Long: `Pushes local modifications to the config server and refreshes the cache
from it. With --to-server only the push runs, with --from-server the cache is
rebuilt even when nothing changed on the server.`,
	GroupID: "cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		toServer, _ := cmd.Flags().GetBool("to-server")
		fromServer, _ := cmd.Flags().GetBool("from-server")
		force, _ := cmd.Flags().GetBool("force")
		if toServer && fromServer {
			return errors.New("--to-server and --from-server are mutually exclusive")
		}

		c, err := openCoordinator()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx := cmd.Context()
		switch {
		case toServer:
			err = c.SyncConfigToServer(ctx, true)
		case fromServer:
			err = c.SyncConfigFromServer(ctx, true)
		default:
			err = c.SyncConfig(ctx, true, force)
		}
		if err != nil {
			return err
		}

		st, freshness, err := c.ConfigCacheState()
		if err != nil {
			return err
		}
		if jsonOutput {
			return output.JSON(map[string]any{"state": freshness, "service": st})
		}
		output.Success("config cache %s", output.FormatFreshness(string(freshness)))
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("to-server", false, "Only push local modifications")
	syncCmd.Flags().Bool("from-server", false, "Rebuild the cache from the server")
	syncCmd.Flags().Bool("force", false, "Rebuild even when the server data is unchanged")
	rootCmd.AddCommand(syncCmd)
}
