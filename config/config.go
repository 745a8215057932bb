package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultSiteID = "zonaprop"

type Config struct {
	Fetcher     FetcherConfig
	Scraper     ScraperConfig
	Scheduler   SchedulerConfig
	Proxy       ProxyConfig
	S3          S3Config
	API         APIConfig
	DBPath      string
	DatabaseURL string // optional Postgres listing warehouse
	LogLevel    string
	LogPath     string
	LogMaxBytes int64
	SiteID      string
	SitesDir    string
	Sites       map[string]*SiteConfig
}

type FetcherConfig struct {
	Engine       string // playwright, chromedp or http
	Headless     bool
	UserAgent    string
	RenderWait   time.Duration
	NavTimeout   time.Duration
	BlockedHosts []string
}

type ScraperConfig struct {
	Concurrency   int
	MaxItems      int
	MaxPages      int
	PageDelayMin  time.Duration
	PageDelayMax  time.Duration
	BatchDelayMin time.Duration
	BatchDelayMax time.Duration
}

type SchedulerConfig struct {
	Interval      time.Duration
	Cron          string
	RetryInterval time.Duration
	RetryBatch    int
}

type ProxyConfig struct {
	URL string
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

type APIConfig struct {
	Addr string
}

// SiteConfig describes how a listing portal lays out its search results.
type SiteConfig struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	BaseURL        string   `yaml:"base_url"`
	Host           string   `yaml:"host"`
	ListingPath    string   `yaml:"listing_path"`
	ResultsPerPage int      `yaml:"results_per_page"`
	PageSuffix     string   `yaml:"page_suffix"`
	ListingNouns   []string `yaml:"listing_nouns"`
	RateLimitMS    int      `yaml:"rate_limit_ms"`
	// StopOnRepeatPage ends pagination at the first page with no new
	// listings, for sites that serve page 1 again past the last page.
	StopOnRepeatPage bool `yaml:"stop_on_repeat_page"`
}

// DefaultSite is used when no YAML file overrides it.
func DefaultSite() *SiteConfig {
	return &SiteConfig{
		ID:             DefaultSiteID,
		Name:           "Zonaprop",
		BaseURL:        "https://www.zonaprop.com.ar",
		Host:           "zonaprop.com.ar",
		ListingPath:    "/propiedades/",
		ResultsPerPage: 20,
		PageSuffix:     "-pagina-%d.html",
		ListingNouns:   []string{"propiedades", "departamentos", "casas", "inmuebles", "resultados", "ph", "terrenos", "locales", "oficinas"},
		RateLimitMS:    0,

		StopOnRepeatPage: true,
	}
}

// OwnsURL reports whether raw is an absolute http(s) URL on the site's host
// or one of its subdomains.
func (s *SiteConfig) OwnsURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == s.Host || strings.HasSuffix(host, "."+s.Host)
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Fetcher: FetcherConfig{
			Engine:     getEnv("FETCH_ENGINE", "playwright"),
			Headless:   getEnvBool("HEADLESS", true),
			UserAgent:  getEnv("USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),
			RenderWait: time.Duration(getEnvInt("RENDER_WAIT_MS", 2000)) * time.Millisecond,
			NavTimeout: time.Duration(getEnvInt("NAV_TIMEOUT_MS", 60000)) * time.Millisecond,
		},
		Scraper: ScraperConfig{
			Concurrency:   getEnvInt("CONCURRENCY", 5),
			MaxItems:      getEnvInt("MAX_ITEMS", 50),
			MaxPages:      getEnvInt("MAX_PAGES", 10),
			PageDelayMin:  time.Duration(getEnvInt("PAGE_DELAY_MIN_MS", 1500)) * time.Millisecond,
			PageDelayMax:  time.Duration(getEnvInt("PAGE_DELAY_MAX_MS", 2500)) * time.Millisecond,
			BatchDelayMin: time.Duration(getEnvInt("BATCH_DELAY_MIN_MS", 1000)) * time.Millisecond,
			BatchDelayMax: time.Duration(getEnvInt("BATCH_DELAY_MAX_MS", 2000)) * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			Cron:          os.Getenv("SCRAPE_CRON"),
			RetryInterval: 15 * time.Minute,
			RetryBatch:    getEnvInt("RETRY_BATCH", 20),
		},
		Proxy: ProxyConfig{
			URL: os.Getenv("PROXY_URL"),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		API: APIConfig{
			Addr: getEnv("API_ADDR", ":8080"),
		},
		DBPath:      getEnv("DB_PATH", "scraper.db"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogPath:     getEnv("LOG_PATH", "daemon.log"),
		LogMaxBytes: int64(getEnvInt("LOG_MAX_BYTES", 2*1024*1024)),
		SiteID:      getEnv("SITE", DefaultSiteID),
		SitesDir:    getEnv("SITES_DIR", "config/sites"),
		Sites:       make(map[string]*SiteConfig),
	}

	if hosts := os.Getenv("BLOCKED_HOSTS"); hosts != "" {
		for _, h := range strings.Split(hosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				cfg.Fetcher.BlockedHosts = append(cfg.Fetcher.BlockedHosts, h)
			}
		}
	}

	if interval := os.Getenv("SCRAPE_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err == nil {
			cfg.Scheduler.Interval = d
		}
	}
	if interval := os.Getenv("RETRY_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err == nil && d > 0 {
			cfg.Scheduler.RetryInterval = d
		}
	}

	if err := cfg.loadSiteConfigs(); err != nil {
		return nil, err
	}
	if _, ok := cfg.Sites[DefaultSiteID]; !ok {
		cfg.Sites[DefaultSiteID] = DefaultSite()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Site returns the active site configuration.
func (c *Config) Site() *SiteConfig {
	if s, ok := c.Sites[c.SiteID]; ok {
		return s
	}
	return c.Sites[DefaultSiteID]
}

func (c *Config) Validate() error {
	switch c.Fetcher.Engine {
	case "playwright", "chromedp", "http":
	default:
		return fmt.Errorf("unknown FETCH_ENGINE %q (want playwright, chromedp or http)", c.Fetcher.Engine)
	}
	if c.Scraper.Concurrency < 1 {
		return fmt.Errorf("CONCURRENCY must be at least 1, got %d", c.Scraper.Concurrency)
	}
	if c.Scraper.MaxItems < 1 {
		return fmt.Errorf("MAX_ITEMS must be at least 1, got %d", c.Scraper.MaxItems)
	}
	if c.Scraper.PageDelayMax < c.Scraper.PageDelayMin || c.Scraper.BatchDelayMax < c.Scraper.BatchDelayMin {
		return fmt.Errorf("delay max must not be below delay min")
	}
	if c.Proxy.URL != "" {
		if _, err := url.Parse(c.Proxy.URL); err != nil {
			return fmt.Errorf("invalid PROXY_URL: %w", err)
		}
	}
	if _, ok := c.Sites[c.SiteID]; !ok {
		return fmt.Errorf("unknown SITE %q", c.SiteID)
	}
	return nil
}

func (c *Config) loadSiteConfigs() error {
	entries, err := os.ReadDir(c.SitesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(c.SitesDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		site := DefaultSite()
		site.ListingNouns = nil
		site.StopOnRepeatPage = false
		if err := yaml.Unmarshal(data, site); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if len(site.ListingNouns) == 0 {
			site.ListingNouns = DefaultSite().ListingNouns
		}
		if site.ResultsPerPage <= 0 {
			site.ResultsPerPage = 20
		}

		c.Sites[site.ID] = site
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
