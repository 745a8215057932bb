package scraper

import (
	"context"
	"fmt"
	"log"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"zonaprop_scrooper/config"
	"zonaprop_scrooper/logging"
)

var imageURLPatterns = []string{"*.jpg", "*.jpeg", "*.png", "*.gif", "*.webp", "*.svg", "*.avif"}

// ChromedpFetcher starts a separate headless Chrome per fetch. Slower than
// sharing a browser but nothing carries over between listings.
type ChromedpFetcher struct {
	cfg   config.FetcherConfig
	proxy config.ProxyConfig
}

func NewChromedpFetcher(cfg config.FetcherConfig, proxy config.ProxyConfig) *ChromedpFetcher {
	return &ChromedpFetcher{cfg: cfg, proxy: proxy}
}

func (f *ChromedpFetcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", "es-AR"),
		chromedp.UserAgent(f.cfg.UserAgent),
		chromedp.WindowSize(1920, 1080),
	)
	if f.proxy.URL != "" {
		opts = append(opts, chromedp.ProxyServer(f.proxy.URL))
	}
	return opts
}

func (f *ChromedpFetcher) Fetch(ctx context.Context, url string, opts FetchOptions) (*Page, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, f.allocatorOptions()...)
	defer cancelAlloc()

	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			logging.Debugf("chromedp: "+format, args...)
		}),
	)
	defer cancelTab()

	timeout := f.cfg.NavTimeout + opts.RenderWait
	if timeout > 0 {
		var cancel context.CancelFunc
		tabCtx, cancel = context.WithTimeout(tabCtx, timeout)
		defer cancel()
	}

	blocked := f.blockedPatterns(opts.SkipImages)
	setup := []chromedp.Action{
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": acceptLanguage}),
	}
	if len(blocked) > 0 {
		setup = append(setup, chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetBlockedURLS(blocked).Do(ctx)
		}))
	}
	if err := chromedp.Run(tabCtx, setup...); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}

	resp, err := chromedp.RunResponse(tabCtx, chromedp.Navigate(url))
	if err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("navigate: no response for %s", url)
	}

	var html, finalURL string
	if err := chromedp.Run(tabCtx,
		chromedp.Sleep(opts.RenderWait),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	); err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}

	if resp.Status >= 400 {
		log.Printf("chromedp: %s answered %d", url, resp.Status)
	}
	return &Page{Status: int(resp.Status), HTML: html, FinalURL: finalURL}, nil
}

// blockedPatterns lists the URL globs the tab refuses to load.
func (f *ChromedpFetcher) blockedPatterns(skipImages bool) []string {
	var blocked []string
	if skipImages {
		blocked = append(blocked, imageURLPatterns...)
	}
	for _, h := range f.cfg.BlockedHosts {
		blocked = append(blocked, "*"+h+"*")
	}
	return blocked
}

func (f *ChromedpFetcher) Close() error {
	return nil
}
