package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"zonaprop_scrooper/export"
	"zonaprop_scrooper/models"
	"zonaprop_scrooper/scraper"
	"zonaprop_scrooper/storage"
)

var discoverCmd = &cobra.Command{
	Use:   "discover [searchURL]",
	Short: "List the listing URLs of a search without extracting them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxPages, _ := cmd.Flags().GetInt("max-pages")
		asJSON, _ := cmd.Flags().GetBool("json")

		if !cfg.Site().OwnsURL(args[0]) {
			return fmt.Errorf("%s is not a %s URL", args[0], cfg.Site().Host)
		}

		ctx, cancel := signalContext()
		defer cancel()

		p, err := newPipeline(cfg)
		if err != nil {
			return err
		}
		defer p.Close()

		res, err := p.discoverer.Discover(ctx, args[0], maxPages)
		if err != nil {
			return err
		}
		log.Printf("Found %d URLs on %d/%d pages (search reports %d)",
			len(res.URLs), res.PagesVisited, res.PagesPlanned, res.TotalEstimate)

		if asJSON {
			return writeJSON(os.Stdout, res)
		}
		for _, u := range res.URLs {
			fmt.Println(u)
		}
		return nil
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract [searchURL]",
	Short: "Extract listings from a search, or from a file of listing URLs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		urlsFile, _ := cmd.Flags().GetString("urls-file")
		start, _ := cmd.Flags().GetInt("start")
		limit, _ := cmd.Flags().GetInt("limit")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		skipImages, _ := cmd.Flags().GetBool("skip-images")
		csvPath, _ := cmd.Flags().GetString("csv")
		asJSON, _ := cmd.Flags().GetBool("json")

		if limit == 0 {
			limit = cfg.Scraper.MaxItems
		}
		if concurrency <= 0 {
			concurrency = cfg.Scraper.Concurrency
		}

		var src scraper.Source
		runCfg := scraper.RunConfig{
			MaxItems:    limit,
			Concurrency: concurrency,
			SkipImages:  skipImages,
			MaxPages:    cfg.Scraper.MaxPages,
		}
		switch {
		case urlsFile != "":
			urls, err := readURLsFile(urlsFile)
			if err != nil {
				return err
			}
			src = scraper.Source{URLs: urls, StartIndex: start}
		case len(args) == 1:
			if !cfg.Site().OwnsURL(args[0]) {
				return fmt.Errorf("%s is not a %s URL", args[0], cfg.Site().Host)
			}
			src = scraper.Source{SearchURL: args[0]}
			runCfg.ChunkOffset = start
		default:
			return fmt.Errorf("a search URL or --urls-file is required")
		}

		ctx, cancel := signalContext()
		defer cancel()

		p, err := newPipeline(cfg)
		if err != nil {
			return err
		}
		defer p.Close()

		var summary *models.RunSummary
		for e := range p.orchestrator.Run(ctx, src, runCfg) {
			switch e.Type {
			case models.EventUrlsDiscovered:
				log.Printf("Discovered %d URLs (search reports %d)", len(e.URLs), e.TotalEstimate)
			case models.EventItemStarted:
				log.Printf("[%d] %s", e.Index, e.URL)
			case models.EventItemSucceeded:
				log.Printf("[%d] ok: %s", e.Index, e.Record.Name)
			case models.EventItemFailed:
				log.Printf("[%d] failed: %s", e.Index, e.Reason)
			case models.EventBatchError:
				return fmt.Errorf("extraction failed: %s", e.Reason)
			case models.EventComplete:
				summary = e.Summary
			}
		}
		if summary == nil {
			return fmt.Errorf("extraction cancelled")
		}
		log.Printf("Done: %d/%d extracted, %d failed", summary.Succeeded, summary.Total, summary.Failed)

		if csvPath != "" {
			if err := writeCSVFile(csvPath, summary.Records); err != nil {
				return err
			}
			log.Printf("Wrote %s", csvPath)
		}
		if asJSON || csvPath == "" {
			return writeJSON(os.Stdout, summary)
		}
		return nil
	},
}

var listingCmd = &cobra.Command{
	Use:   "listing [url]",
	Short: "Extract a single listing page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		skipImages, _ := cmd.Flags().GetBool("skip-images")

		ctx, cancel := signalContext()
		defer cancel()

		p, err := newPipeline(cfg)
		if err != nil {
			return err
		}
		defer p.Close()

		out := p.listings.Fetch(ctx, args[0], scraper.ListingOptions{SkipImages: skipImages})
		if err := writeJSON(os.Stdout, out); err != nil {
			return err
		}
		if !out.Succeeded() {
			return fmt.Errorf("%s", out.Reason)
		}
		return nil
	},
}

var commandCmd = &cobra.Command{
	Use:   "command [run_search|run_all|retry_failed|pause|resume]",
	Short: "Queue a command for the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		searchID, _ := cmd.Flags().GetString("search")

		c := models.CommandType(args[0])
		if !c.Valid() {
			return fmt.Errorf("unknown command %q", args[0])
		}

		store, err := storage.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		id, err := store.EnqueueCommand(c, models.CommandParams{SavedSearchID: searchID})
		if err != nil {
			return err
		}
		fmt.Printf("Queued %s (#%d)\n", c, id)
		return nil
	},
}

func init() {
	discoverCmd.Flags().Int("max-pages", scraper.DefaultMaxPages, "Maximum result pages to visit")
	discoverCmd.Flags().Bool("json", false, "Print the discovery result as JSON")

	extractCmd.Flags().String("urls-file", "", "File with one listing URL per line")
	extractCmd.Flags().Int("start", 0, "Skip this many URLs before extracting")
	extractCmd.Flags().Int("limit", 0, "Maximum listings to extract (default MAX_ITEMS)")
	extractCmd.Flags().Int("concurrency", 0, "Listings fetched per batch (default CONCURRENCY)")
	extractCmd.Flags().Bool("skip-images", false, "Do not download images or record the cover image")
	extractCmd.Flags().String("csv", "", "Write the extracted listings to this CSV file")
	extractCmd.Flags().Bool("json", false, "Print the run summary as JSON")

	listingCmd.Flags().Bool("skip-images", false, "Do not download images or record the cover image")

	commandCmd.Flags().String("search", "", "Saved search id for run_search")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(listingCmd)
	rootCmd.AddCommand(commandCmd)
}

// readURLsFile reads one URL per line, skipping blanks and # comments.
func readURLsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readURLs(f)
}

func readURLs(r io.Reader) ([]string, error) {
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, sc.Err()
}

func writeCSVFile(path string, records []*models.ListingRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	rows := make([]models.ListingRecord, 0, len(records))
	for _, r := range records {
		rows = append(rows, *r)
	}
	if err := export.WriteCSV(f, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
