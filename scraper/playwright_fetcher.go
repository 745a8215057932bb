package scraper

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/playwright-community/playwright-go"
	"zonaprop_scrooper/config"
	"zonaprop_scrooper/logging"
)

const hideWebdriverScript = `Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => ['es-AR', 'es', 'en'] });`

// PlaywrightFetcher shares one Chromium process and opens a fresh browser
// context for every fetch, so cookies and storage never leak between listings.
type PlaywrightFetcher struct {
	cfg         config.FetcherConfig
	proxy       config.ProxyConfig
	pw          *playwright.Playwright
	browser     playwright.Browser
	mu          sync.Mutex
	initialized bool
}

func NewPlaywrightFetcher(cfg config.FetcherConfig, proxy config.ProxyConfig) *PlaywrightFetcher {
	return &PlaywrightFetcher{cfg: cfg, proxy: proxy}
}

func (f *PlaywrightFetcher) ensureBrowser() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initialized {
		return nil
	}

	var err error
	f.pw, err = playwright.Run()
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(f.cfg.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	}
	if f.proxy.URL != "" {
		opts.Proxy = &playwright.Proxy{Server: f.proxy.URL}
	}

	f.browser, err = f.pw.Chromium.Launch(opts)
	if err != nil {
		f.pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	f.initialized = true
	return nil
}

func (f *PlaywrightFetcher) Fetch(ctx context.Context, url string, opts FetchOptions) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.ensureBrowser(); err != nil {
		return nil, err
	}

	bctx, err := f.browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(f.cfg.UserAgent),
		Locale:    playwright.String("es-AR"),
		Viewport:  &playwright.Size{Width: 1920, Height: 1080},
		ExtraHttpHeaders: map[string]string{
			"Accept-Language": acceptLanguage,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	defer bctx.Close()

	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(hideWebdriverScript)}); err != nil {
		return nil, fmt.Errorf("init script: %w", err)
	}

	if opts.SkipImages || len(f.cfg.BlockedHosts) > 0 {
		err := bctx.Route("**/*", func(route playwright.Route) {
			req := route.Request()
			if (opts.SkipImages && req.ResourceType() == "image") || f.blocked(req.URL()) {
				route.Abort()
				return
			}
			route.Continue()
		})
		if err != nil {
			return nil, fmt.Errorf("route: %w", err)
		}
	}

	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	resp, err := page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(f.cfg.NavTimeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("navigate: no response for %s", url)
	}

	if opts.RenderWait > 0 {
		page.WaitForTimeout(float64(opts.RenderWait.Milliseconds()))
	}

	html, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}

	logging.Debugf("playwright: %s -> %d (%d bytes)", url, resp.Status(), len(html))
	return &Page{Status: resp.Status(), HTML: html, FinalURL: page.URL()}, nil
}

func (f *PlaywrightFetcher) blocked(u string) bool {
	for _, h := range f.cfg.BlockedHosts {
		if strings.Contains(u, h) {
			return true
		}
	}
	return false
}

func (f *PlaywrightFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.initialized {
		return nil
	}
	if f.browser != nil {
		f.browser.Close()
	}
	var err error
	if f.pw != nil {
		err = f.pw.Stop()
	}
	f.initialized = false
	return err
}
