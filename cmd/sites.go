package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/fetch"
	"github.com/kozaktomas/face-finder/internal/scraper"
)

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "Validate site descriptors",
	Long: `Load and validate the site descriptor file. With --discover each
listing page is fetched and the number of extracted candidates is shown.`,
	RunE: runSites,
}

func init() {
	rootCmd.AddCommand(sitesCmd)

	sitesCmd.Flags().String("file", "", "Descriptor file (defaults to SITE_DESCRIPTORS)")
	sitesCmd.Flags().Bool("discover", false, "Fetch every listing and count candidates")
}

func runSites(cmd *cobra.Command, args []string) error {
	cfg, logger := loadConfig(cmd)
	if file := mustGetString(cmd, "file"); file != "" {
		cfg.Scrape.SitesFile = file
	}
	if cfg.Scrape.SitesFile == "" {
		return fmt.Errorf("no descriptor file: set SITE_DESCRIPTORS or pass --file")
	}

	sites, err := config.LoadSites(cfg.Scrape.SitesFile, cfg.Scrape.AllowedHosts)
	if err != nil {
		return err
	}
	fmt.Printf("%d valid site(s) in %s\n\n", len(sites), cfg.Scrape.SitesFile)

	var scr *scraper.Scraper
	if mustGetBool(cmd, "discover") {
		client := fetch.New(fetch.Options{
			AllowedHosts:       cfg.Scrape.AllowedHosts,
			PerHostConcurrency: cfg.Scrape.PerHostConcurrency,
			PerHostRPS:         cfg.Scrape.PerHostRPS,
		})
		scr = scraper.New(client, cfg.Scrape.SiteTimeout, logger)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if scr != nil {
		fmt.Fprintln(w, "NAME\tLISTING\tMAX\tFOUND\tSKIPPED\tSTATUS")
	} else {
		fmt.Fprintln(w, "NAME\tLISTING\tMAX")
	}
	for _, site := range sites {
		listing, _ := site.ListingURL()
		if scr == nil {
			fmt.Fprintf(w, "%s\t%s\t%d\n", site.Name, listing, site.MaxVideos)
			continue
		}
		d, err := scr.Discover(context.Background(), site)
		status := "ok"
		if err != nil {
			status = err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", site.Name, listing, site.MaxVideos, len(d.Candidates), len(d.Skipped), status)
	}
	return w.Flush()
}
