package scraper

import (
	"context"
	"fmt"
	"time"

	"zonaprop_scrooper/config"
	"zonaprop_scrooper/httputil"
)

// Page is what a fetcher hands back: the HTTP status of the main document and
// the rendered markup.
type Page struct {
	Status   int
	HTML     string
	FinalURL string
}

type FetchOptions struct {
	RenderWait time.Duration // extra settle time after DOMContentLoaded
	SkipImages bool
}

// PageFetcher renders one URL. Implementations must be safe for concurrent use
// and must give every call its own session.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) (*Page, error)
}

// Engine is a PageFetcher that holds resources (a browser, a playwright driver).
type Engine interface {
	PageFetcher
	Close() error
}

func NewFetcher(cfg *config.Config, clients *httputil.Clients) (Engine, error) {
	switch cfg.Fetcher.Engine {
	case "playwright":
		return NewPlaywrightFetcher(cfg.Fetcher, cfg.Proxy), nil
	case "chromedp":
		return NewChromedpFetcher(cfg.Fetcher, cfg.Proxy), nil
	case "http":
		return NewHTTPFetcher(cfg.Fetcher, clients.Scraping), nil
	default:
		return nil, fmt.Errorf("unknown fetch engine: %s", cfg.Fetcher.Engine)
	}
}

const acceptLanguage = "es-AR,es;q=0.9,en;q=0.8"
