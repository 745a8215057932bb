package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"zonaprop_scrooper/api"
	"zonaprop_scrooper/config"
	"zonaprop_scrooper/httputil"
	"zonaprop_scrooper/logging"
	"zonaprop_scrooper/models"
	"zonaprop_scrooper/scheduler"
	"zonaprop_scrooper/scraper"
	"zonaprop_scrooper/services"
	"zonaprop_scrooper/storage"
	"zonaprop_scrooper/workers"
)

var (
	cfg     *config.Config
	logFile *logging.RotatingWriter
)

var rootCmd = &cobra.Command{
	Use:           "zonaprop_scrooper",
	Short:         "Listing extractor for Zonaprop search results",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.SetFlags(log.LstdFlags | log.Lshortfile)

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logging.SetLevel(cfg.LogLevel)

		if cmd.Name() == serveCmd.Name() {
			logFile, err = logging.Setup(cfg.LogPath, cfg.LogMaxBytes)
			if err != nil {
				log.Printf("Warning: could not set up file logging: %v", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

// pipeline is the fetch stack every command shares.
type pipeline struct {
	engine       scraper.Engine
	listings     *scraper.ListingFetcher
	discoverer   *scraper.Discoverer
	orchestrator *scraper.Orchestrator
}

func newPipeline(cfg *config.Config) (*pipeline, error) {
	clients := httputil.NewClients(&cfg.Proxy, cfg.Fetcher.NavTimeout)
	if cfg.Proxy.URL != "" {
		log.Printf("Proxy: %s", maskConnectionString(cfg.Proxy.URL))
	}

	engine, err := scraper.NewFetcher(cfg, clients)
	if err != nil {
		return nil, err
	}

	site := cfg.Site()
	fetcher := scraper.NewThrottledFetcher(engine,
		time.Duration(site.RateLimitMS)*time.Millisecond, cfg.Scraper.Concurrency)

	pacing := scraper.Pacing{
		PageMin:  cfg.Scraper.PageDelayMin,
		PageMax:  cfg.Scraper.PageDelayMax,
		BatchMin: cfg.Scraper.BatchDelayMin,
		BatchMax: cfg.Scraper.BatchDelayMax,
		Delay:    scraper.RandomDelay,
	}

	listings := scraper.NewListingFetcher(fetcher, cfg.Fetcher.RenderWait)
	discoverer := scraper.NewDiscoverer(fetcher, site, pacing, scraper.DefaultSearchRenderWait)

	log.Printf("Site %s (%s), engine %s", site.Name, site.ID, cfg.Fetcher.Engine)
	return &pipeline{
		engine:       engine,
		listings:     listings,
		discoverer:   discoverer,
		orchestrator: scraper.NewOrchestrator(discoverer, listings, pacing),
	}, nil
}

func (p *pipeline) Close() {
	if err := p.engine.Close(); err != nil {
		log.Printf("Error closing fetch engine: %v", err)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, the scheduler and the retry worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		log.Println("Starting zonaprop_scrooper daemon...")
		log.Printf("Loaded %d site configs", len(cfg.Sites))
		for id, site := range cfg.Sites {
			log.Printf("  - %s (%s)", site.Name, id)
		}

		p, err := newPipeline(cfg)
		if err != nil {
			return err
		}
		defer p.Close()

		sqliteStore, err := storage.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open SQLite: %w", err)
		}
		defer sqliteStore.Close()
		log.Printf("SQLite database: %s", cfg.DBPath)

		svc := services.NewExtractionService(sqliteStore, p.orchestrator, cfg)

		if cfg.DatabaseURL != "" {
			pgStore, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect to Postgres: %w", err)
			}
			defer pgStore.Close()
			if err := pgStore.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("postgres schema: %w", err)
			}
			svc.SetWarehouse(pgStore)
			log.Printf("Connected to Postgres: %s", maskConnectionString(cfg.DatabaseURL))
		}

		if cfg.S3.Enabled() {
			uploader, err := storage.NewS3Uploader(ctx, cfg.S3)
			if err != nil {
				return fmt.Errorf("s3: %w", err)
			}
			svc.SetUploader(uploader)
			log.Printf("Exports uploaded to s3://%s", cfg.S3.Bucket)
		}

		retryWorker := workers.NewRetryWorker(sqliteStore, svc)
		retryWorker.SetLogger(func(level models.LogLevel, source, message string) {
			sqliteStore.Log(nil, level, fmt.Sprintf("[%s] %s", source, message), cfg.SiteID)
		})
		go retryWorker.Run(ctx, cfg.Scheduler.RetryBatch, cfg.Scheduler.RetryInterval)
		log.Printf("Retry worker started (every %s)", cfg.Scheduler.RetryInterval)

		sched := scheduler.New(cfg.Scheduler, svc, sqliteStore)
		sched.SetWorkers(retryWorker)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()

		server := api.NewServer(cfg.Site(), cfg.Scraper, p.orchestrator, sqliteStore, svc)
		server.SetScheduler(sched)

		log.Println("Daemon running. Press Ctrl+C to stop.")
		err = server.ListenAndServe(ctx, cfg.API.Addr)
		log.Println("Shutting down...")
		return err
	},
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	// Simple mask - find :// and mask until @
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	// Find : after user
	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
