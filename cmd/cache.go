package cmd

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/marcus/cacheagent/internal/coordinator"
	"github.com/marcus/cacheagent/internal/input"
	"github.com/marcus/cacheagent/internal/output"
	"github.com/marcus/cacheagent/internal/productcache"
	"github.com/marcus/cacheagent/internal/suggest"
)

var cacheCmd = &cobra.Command{
	Use:   "cache [product-id...]",
	Short: "Download products into the local product cache",
	Long: `Caches the given products. Without arguments every product needed by a
pending action on this client is cached, followed by the action processor.
Ids may be comma separated, read from stdin with - or from a file with @path.`,
	GroupID: "cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		expanded, err := input.ExpandArgs(args, os.Stdin)
		if err != nil {
			return err
		}
		productIDs := parseProductIDs(expanded)

		limit, _ := cmd.Flags().GetString("max-bandwidth")
		maxBandwidth, err := parseBandwidth(limit, cfg.MaxBandwidth())
		if err != nil {
			return err
		}
		dynamic := cfg.ProductCache.DynamicBandwidth
		if cmd.Flags().Changed("dynamic") {
			dynamic, _ = cmd.Flags().GetBool("dynamic")
		}

		c, err := openCoordinator()
		if err != nil {
			return err
		}
		defer c.Close()

		if len(productIDs) > 0 && !jsonOutput {
			warnUnknownProducts(cmd.Context(), c, productIDs)
		}

		req := coordinator.CacheRequest{
			ProductIDs:       productIDs,
			Wait:             true,
			MaxBandwidth:     maxBandwidth,
			DynamicBandwidth: dynamic,
		}
		var progress *output.ProgressLine
		if !jsonOutput {
			progress = output.NewProgressLine()
			req.OverallObserver = progressObserver(progress, "total")
		}
		passErr := c.CacheProducts(cmd.Context(), req)
		if progress != nil {
			progress.Done()
		}

		st, err := c.ProductCacheState()
		if err != nil {
			return err
		}
		if jsonOutput {
			if passErr != nil {
				output.JSONErrorWithDetails(errorCode(passErr), passErr.Error(), map[string]any{"products": st.Products})
				return errReported
			}
			return output.JSON(st)
		}
		for _, line := range cacheLines(st) {
			fmt.Println(line)
		}
		return passErr
	},
}

var clearCacheCmd = &cobra.Command{
	Use:     "clear-cache",
	Short:   "Remove every product from the product cache",
	GroupID: "cache",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCoordinator()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.ClearCache(); err != nil {
			return err
		}
		if jsonOutput {
			return output.JSON(map[string]any{"cleared": true})
		}
		output.Success("product cache cleared")
		return nil
	},
}

// parseProductIDs accepts space or comma separated ids and drops duplicates
func parseProductIDs(args []string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, arg := range args {
		for _, id := range strings.Split(arg, ",") {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// parseBandwidth reads a rate like "2 MB" as bytes per second; empty
// keeps def and "0" means unlimited
func parseBandwidth(s string, def int64) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid --max-bandwidth %q: %w", s, err)
	}
	return int64(n), nil
}

// warnUnknownProducts points out ids the catalog does not know. The pass
// still runs and records them as failed.
func warnUnknownProducts(ctx context.Context, c *coordinator.Coordinator, ids []string) {
	b, err := c.ConfigBackend()
	if err != nil {
		return
	}
	products, err := b.ProductGetObjects(ctx)
	if err != nil {
		logger.Debug("list products for suggestions", "err", err)
		return
	}
	known := make([]string, 0, len(products))
	for _, p := range products {
		known = append(known, p.ID)
	}
	for _, line := range unknownProductLines(ids, known) {
		output.Warning("%s", line)
	}
}

func unknownProductLines(ids, known []string) []string {
	unknown := suggest.Unknown(ids, known)
	var lines []string
	for _, id := range ids {
		hints, ok := unknown[id]
		if !ok {
			continue
		}
		line := fmt.Sprintf("unknown product %q", id)
		if len(hints) > 0 {
			line += fmt.Sprintf(", did you mean %s?", strings.Join(hints, ", "))
		}
		lines = append(lines, line)
	}
	return lines
}

func progressObserver(p *output.ProgressLine, label string) productcache.Observer {
	return func(pr productcache.Progress) {
		p.Update(label, pr.Transferred, pr.Total)
	}
}

// cacheLines renders product cache entries sorted by product id
func cacheLines(st productcache.ServiceState) []string {
	ids := make([]string, 0, len(st.Products))
	for id := range st.Products {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, output.FormatCacheEntry(id, st.Products[id]))
	}
	return lines
}

func init() {
	cacheCmd.Flags().String("max-bandwidth", "", "Transfer rate limit per second, e.g. \"5 MB\" (0 = unlimited)")
	cacheCmd.Flags().Bool("dynamic", false, "Back off when other traffic competes for the link")
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(clearCacheCmd)
}
