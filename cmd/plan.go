package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/marcus/cacheagent/internal/models"
	"github.com/marcus/cacheagent/internal/output"
	"github.com/marcus/cacheagent/internal/resolver"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the ordered actions pending on this client",
	Long: `Expands this client's action requests with their dependencies and prints
them grouped and ordered the way they will run. Reads from the config cache
once it is complete, otherwise from the config server.`,
	GroupID: "inspect",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		strict, _ := cmd.Flags().GetBool("strict")

		c, err := openCoordinator()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx := cmd.Context()
		b, err := c.ConfigBackend()
		if err != nil {
			return err
		}
		pocs, err := b.ProductOnClientGetObjects(ctx, []string{cfg.Global.HostID})
		if err != nil {
			return err
		}
		pocs = slices.DeleteFunc(pocs, func(poc models.ProductOnClient) bool {
			return !poc.ActionRequest.IsSet()
		})
		if len(pocs) == 0 {
			if jsonOutput {
				return output.JSON([]planGroup{})
			}
			output.Info("no pending actions")
			return nil
		}

		groups, err := c.ProductActionGroups(ctx, pocs, !strict)
		if err != nil {
			return err
		}
		plan := buildPlan(groups[cfg.Global.HostID])
		if jsonOutput {
			return output.JSON(plan)
		}
		for _, line := range planLines(plan) {
			fmt.Println(line)
		}
		return nil
	},
}

type planAction struct {
	ProductID string               `json:"product_id"`
	Action    models.ActionRequest `json:"action"`
	Sequence  int                  `json:"sequence"`
	Priority  int                  `json:"priority"`
	Requested bool                 `json:"requested"`
}

type planGroup struct {
	Priority int          `json:"priority"`
	Actions  []planAction `json:"actions"`
}

func buildPlan(groups []resolver.ActionGroup) []planGroup {
	plan := make([]planGroup, 0, len(groups))
	for _, g := range groups {
		pg := planGroup{Priority: g.Priority}
		for _, a := range g.Actions {
			pg.Actions = append(pg.Actions, planAction{
				ProductID: a.ProductID,
				Action:    a.Action,
				Sequence:  a.Sequence,
				Priority:  a.Priority,
				Requested: a.Source != nil,
			})
		}
		plan = append(plan, pg)
	}
	return plan
}

func planLines(plan []planGroup) []string {
	var lines []string
	for i, g := range plan {
		lines = append(lines, output.SectionHeader(fmt.Sprintf("group %d (priority %d)", i+1, g.Priority)))
		var actions []string
		for _, a := range g.Actions {
			line := output.FormatAction(a.ProductID, a.Action, a.Sequence, a.Priority)
			if !a.Requested && a.Action.IsSet() {
				line += "  (dependency)"
			}
			actions = append(actions, line)
		}
		lines = append(lines, output.IndentLines(actions, 2)...)
	}
	return lines
}

func init() {
	planCmd.Flags().Bool("strict", false, "Fail when a product is unavailable instead of skipping it")
	rootCmd.AddCommand(planCmd)
}
