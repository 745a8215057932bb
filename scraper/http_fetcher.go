package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"zonaprop_scrooper/config"
	"zonaprop_scrooper/logging"
)

const maxBodyBytes = 10 << 20

// HTTPFetcher issues plain GET requests. No JavaScript runs, so it only works
// when the site serves listings in the initial HTML. Useful behind a
// residential proxy and in tests.
type HTTPFetcher struct {
	cfg    config.FetcherConfig
	client *http.Client
}

func NewHTTPFetcher(cfg config.FetcherConfig, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{cfg: cfg, client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, opts FetchOptions) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", acceptLanguage)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	logging.Debugf("http: %s -> %d (%d bytes)", url, resp.StatusCode, len(body))
	return &Page{Status: resp.StatusCode, HTML: string(body), FinalURL: resp.Request.URL.String()}, nil
}

func (f *HTTPFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}
