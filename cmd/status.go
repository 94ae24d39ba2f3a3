package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/cacheagent/internal/output"
	"github.com/marcus/cacheagent/internal/productcache"
	"github.com/marcus/cacheagent/internal/replica"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show config cache and product cache state",
	GroupID: "inspect",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCoordinator()
		if err != nil {
			return err
		}
		defer c.Close()

		configState, freshness, err := c.ConfigCacheState()
		if err != nil {
			return err
		}
		products, err := c.ProductCacheState()
		if err != nil {
			return err
		}
		dir, err := c.ProductCacheDir()
		if err != nil {
			return err
		}

		if jsonOutput {
			return output.JSON(map[string]any{
				"config_cache": map[string]any{
					"state":   freshness,
					"service": configState,
					"working": c.IsConfigCacheServiceWorking(),
				},
				"product_cache": map[string]any{
					"dir":     dir,
					"service": products,
					"working": c.IsProductCacheServiceWorking(),
				},
			})
		}
		for _, line := range statusLines(configState, freshness, products, dir) {
			fmt.Println(line)
		}
		return nil
	},
}

var modificationsCmd = &cobra.Command{
	Use:     "modifications",
	Short:   "List local config changes not yet pushed to the server",
	GroupID: "inspect",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCoordinator()
		if err != nil {
			return err
		}
		defer c.Close()

		mods, err := c.ConfigModifications()
		if err != nil {
			return err
		}
		if jsonOutput {
			return output.JSON(mods)
		}
		if len(mods) == 0 {
			output.Info("no pending modifications")
			return nil
		}
		for _, m := range mods {
			fmt.Println(output.FormatModification(m))
		}
		return nil
	},
}

var setFaultyCmd = &cobra.Command{
	Use:     "set-faulty",
	Short:   "Mark the config cache faulty and drop the product cache",
	Long:    `The next sync rebuilds the config cache from the server.`,
	GroupID: "cache",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCoordinator()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.SetConfigFaulty(); err != nil {
			return err
		}
		if jsonOutput {
			return output.JSON(map[string]any{"faulty": true})
		}
		output.Warning("config cache marked faulty")
		return nil
	},
}

var setObsoleteCmd = &cobra.Command{
	Use:     "set-obsolete",
	Short:   "Mark the config cache obsolete",
	Long:    `Pending modifications are kept. The next sync pushes them and rebuilds the config cache.`,
	GroupID: "cache",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCoordinator()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.SetConfigObsolete(); err != nil {
			return err
		}
		if jsonOutput {
			return output.JSON(map[string]any{"obsolete": true})
		}
		output.Success("config cache marked obsolete")
		return nil
	},
}

func statusLines(cs replica.ServiceState, freshness replica.State, ps productcache.ServiceState, dir string) []string {
	lines := []string{output.SectionHeader("config cache")}
	details := []string{
		fmt.Sprintf("state:     %s", output.FormatFreshness(string(freshness))),
		fmt.Sprintf("cached:    %t", cs.ConfigCached),
		fmt.Sprintf("depot:     %s", cs.DepotID),
		fmt.Sprintf("pulled:    %s", output.FormatTimePtr(cs.LastSyncFromServer)),
		fmt.Sprintf("pushed:    %s", output.FormatTimePtr(cs.LastSyncToServer)),
	}
	if cs.Faulty {
		details = append(details, "faulty:    true")
	}
	if cs.SyncError != "" {
		details = append(details, "error:     "+cs.SyncError)
	}
	lines = append(lines, output.IndentLines(details, 2)...)

	lines = append(lines, output.SectionHeader("product cache"))
	lines = append(lines, output.IndentLines([]string{
		fmt.Sprintf("dir:       %s", dir),
		fmt.Sprintf("complete:  %t", ps.ProductsCached),
	}, 2)...)
	lines = append(lines, output.IndentLines(cacheLines(ps), 2)...)
	return lines
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(modificationsCmd)
	rootCmd.AddCommand(setFaultyCmd)
	rootCmd.AddCommand(setObsoleteCmd)
}
