package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SITES_DIR", filepath.Join(t.TempDir(), "missing"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "playwright", cfg.Fetcher.Engine)
	assert.True(t, cfg.Fetcher.Headless)
	assert.Equal(t, 2*time.Second, cfg.Fetcher.RenderWait)
	assert.Equal(t, 5, cfg.Scraper.Concurrency)
	assert.Equal(t, 10, cfg.Scraper.MaxPages)
	assert.False(t, cfg.S3.Enabled())

	site := cfg.Site()
	require.NotNil(t, site)
	assert.Equal(t, DefaultSiteID, site.ID)
	assert.Equal(t, 20, site.ResultsPerPage)
	assert.Equal(t, "/propiedades/", site.ListingPath)
	assert.True(t, site.StopOnRepeatPage)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SITES_DIR", t.TempDir())
	t.Setenv("FETCH_ENGINE", "chromedp")
	t.Setenv("HEADLESS", "false")
	t.Setenv("CONCURRENCY", "3")
	t.Setenv("RENDER_WAIT_MS", "500")
	t.Setenv("SCRAPE_INTERVAL", "6h")
	t.Setenv("RETRY_INTERVAL", "bogus")
	t.Setenv("BLOCKED_HOSTS", "doubleclick.net, ,google-analytics.com")
	t.Setenv("S3_BUCKET", "exports")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "chromedp", cfg.Fetcher.Engine)
	assert.False(t, cfg.Fetcher.Headless)
	assert.Equal(t, 3, cfg.Scraper.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Fetcher.RenderWait)
	assert.Equal(t, 6*time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.RetryInterval)
	assert.Equal(t, []string{"doubleclick.net", "google-analytics.com"}, cfg.Fetcher.BlockedHosts)
	assert.True(t, cfg.S3.Enabled())
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("SITES_DIR", t.TempDir())

	t.Run("engine", func(t *testing.T) {
		t.Setenv("FETCH_ENGINE", "selenium")
		_, err := Load()
		assert.ErrorContains(t, err, "FETCH_ENGINE")
	})

	t.Run("concurrency", func(t *testing.T) {
		t.Setenv("CONCURRENCY", "0")
		_, err := Load()
		assert.ErrorContains(t, err, "CONCURRENCY")
	})

	t.Run("max items", func(t *testing.T) {
		t.Setenv("MAX_ITEMS", "0")
		_, err := Load()
		assert.ErrorContains(t, err, "MAX_ITEMS")
	})

	t.Run("site", func(t *testing.T) {
		t.Setenv("SITE", "nowhere")
		_, err := Load()
		assert.ErrorContains(t, err, "nowhere")
	})
}

func TestLoadSiteYAML(t *testing.T) {
	t.Setenv("SITES_DIR", "testdata/sites")
	t.Setenv("SITE", "argenprop")

	cfg, err := Load()
	require.NoError(t, err)

	site := cfg.Site()
	assert.Equal(t, "argenprop", site.ID)
	assert.Equal(t, 24, site.ResultsPerPage)
	assert.Equal(t, 500, site.RateLimitMS)
	assert.NotEmpty(t, site.ListingNouns, "nouns fall back to defaults")
	assert.False(t, site.StopOnRepeatPage, "YAML sites opt in explicitly")

	_, ok := cfg.Sites[DefaultSiteID]
	assert.True(t, ok, "built-in site stays available")
}

func TestLoadSiteYAMLInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("id: [unterminated"), 0o644))
	t.Setenv("SITES_DIR", dir)

	_, err := Load()
	assert.ErrorContains(t, err, "bad.yaml")
}

func TestSiteOwnsURL(t *testing.T) {
	site := DefaultSite()
	assert.True(t, site.OwnsURL("https://www.zonaprop.com.ar/departamentos-venta.html"))
	assert.True(t, site.OwnsURL("https://zonaprop.com.ar/x.html"))
	assert.False(t, site.OwnsURL("https://notzonaprop.com.ar/x.html"))
	assert.False(t, site.OwnsURL("https://www.argenprop.com/x"))
	assert.False(t, site.OwnsURL("ftp://www.zonaprop.com.ar/x"))
	assert.False(t, site.OwnsURL("departamentos-venta.html"))
}
