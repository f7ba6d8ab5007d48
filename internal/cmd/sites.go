package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// sitesCmd is the discovery verb: walk robots.txt and sitemaps of each
// site, then crawl what survives the LIKE filter.
var sitesCmd = &cobra.Command{
	Use:   "sites TARGET HOST [HOST...]",
	Short: "Discover sites via sitemaps and crawl them into a result table",
	Long: `Sites discovers candidate URLs for each host through robots.txt and
sitemap walking (nested indices up to depth 5), applies the --like filter,
and crawls the result into TARGET. Discovered sitemaps are cached in
_sitemap_cache; with --update-stale, stored URLs whose sitemap lastmod is
newer than their crawled_at are re-fetched.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSites,
}

func init() {
	rootCmd.AddCommand(sitesCmd)
}

func runSites(cmd *cobra.Command, args []string) error {
	target, sites := args[0], args[1:]

	cfg, err := loadConfig(target)
	if err != nil {
		return err
	}
	if showConfig, _ := cmd.Flags().GetBool("show-config"); showConfig {
		return showCurrentConfig(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	c, err := crawlerFor(cfg, store)
	if err != nil {
		return err
	}
	defer c.Close()

	removeHandler := installSignalHandler(c.Token())
	defer removeHandler()

	if err := c.CrawlSitesInto(cmd.Context(), sites); err != nil {
		return err
	}

	p := c.Progress()
	fmt.Printf("Crawl finished: %d discovered, %d processed (%d ok, %d failed, %d skipped), status %s\n",
		p.TotalDiscovered, p.Processed, p.Succeeded, p.Failed, p.Skipped, p.Status)
	return nil
}
