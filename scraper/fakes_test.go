package scraper

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zonaprop_scrooper/models"
)

func loadFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return string(data)
}

// fakePageFetcher serves canned pages by URL; unknown URLs get a 404.
type fakePageFetcher struct {
	mu    sync.Mutex
	pages map[string]*Page
	errs  map[string]error
	calls []string
	opts  []FetchOptions
}

func newFakePageFetcher() *fakePageFetcher {
	return &fakePageFetcher{pages: map[string]*Page{}, errs: map[string]error{}}
}

func (f *fakePageFetcher) serve(url string, status int, html string) {
	f.pages[url] = &Page{Status: status, HTML: html, FinalURL: url}
}

func (f *fakePageFetcher) Fetch(ctx context.Context, url string, opts FetchOptions) (*Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()

	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if p, ok := f.pages[url]; ok {
		return p, nil
	}
	return &Page{Status: 404, HTML: "<html><body>not found</body></html>", FinalURL: url}, nil
}

func (f *fakePageFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// stubItems is an ItemFetcher with scripted failures, panics and latencies.
type stubItems struct {
	mu        sync.Mutex
	fail      map[string]string
	panicOn   map[string]bool
	latency   func(url string) time.Duration
	calls     []string
	inFlight  atomic.Int32
	peak      atomic.Int32
	cancelled atomic.Bool
}

func (s *stubItems) Fetch(ctx context.Context, url string, opts ListingOptions) models.FetchOutcome {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, url)
	s.mu.Unlock()

	if s.latency != nil {
		time.Sleep(s.latency(url))
	}
	if ctx.Err() != nil {
		s.cancelled.Store(true)
	}
	if s.panicOn[url] {
		panic("renderer crashed")
	}
	if reason, ok := s.fail[url]; ok {
		return models.Failure(url, reason)
	}
	return models.Success(&models.ListingRecord{URL: url, Name: "listing " + url})
}

func (s *stubItems) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type stubDiscoverer struct {
	res *models.DiscoveryResult
	err error
}

func (d stubDiscoverer) Discover(ctx context.Context, searchURL string, maxPages int) (*models.DiscoveryResult, error) {
	return d.res, d.err
}

// drain collects every event until the channel closes, failing the test if it
// stays open too long.
func drain(t *testing.T, ch <-chan models.ProgressEvent) []models.ProgressEvent {
	t.Helper()
	var out []models.ProgressEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("event stream did not close; got %d events", len(out))
			return out
		}
	}
}

var noPacing = Pacing{Delay: NoDelay}
