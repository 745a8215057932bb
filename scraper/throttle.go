package scraper

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// ThrottledFetcher spaces out calls to the wrapped fetcher. The wait happens
// under the caller's context: search pages stop waiting when the run is
// cancelled, while listing fetches run detached (see fetchBatch) and always
// wait for their turn.
type ThrottledFetcher struct {
	next    PageFetcher
	limiter *rate.Limiter
}

// NewThrottledFetcher allows one fetch per interval with the given burst.
// A non-positive interval disables throttling.
func NewThrottledFetcher(next PageFetcher, interval time.Duration, burst int) *ThrottledFetcher {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &ThrottledFetcher{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (f *ThrottledFetcher) Fetch(ctx context.Context, url string, opts FetchOptions) (*Page, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return f.next.Fetch(ctx, url, opts)
}
