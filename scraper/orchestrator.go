package scraper

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
	"zonaprop_scrooper/models"
)

const DefaultConcurrency = 5

// URLDiscoverer resolves a search URL into listing URLs.
type URLDiscoverer interface {
	Discover(ctx context.Context, searchURL string, maxPages int) (*models.DiscoveryResult, error)
}

// ItemFetcher resolves a listing URL into an outcome.
type ItemFetcher interface {
	Fetch(ctx context.Context, url string, opts ListingOptions) models.FetchOutcome
}

// Source is what a run extracts: a search to discover, or URLs discovered earlier.
type Source struct {
	SearchURL  string
	URLs       []string
	StartIndex int // position of URLs[StartIndex] in the full discovered list
}

func (s Source) IsSearch() bool {
	return len(s.URLs) == 0 && s.SearchURL != ""
}

type RunConfig struct {
	// MaxItems caps the items extracted. <= 0 means discovery only for a
	// search source and "all remaining" for a URL list.
	MaxItems    int
	Concurrency int
	SkipImages  bool
	// ChunkOffset skips that many discovered URLs before extracting.
	ChunkOffset int
	MaxPages    int
}

type Orchestrator struct {
	discoverer URLDiscoverer
	fetcher    ItemFetcher
	pacing     Pacing
}

func NewOrchestrator(discoverer URLDiscoverer, fetcher ItemFetcher, pacing Pacing) *Orchestrator {
	return &Orchestrator{
		discoverer: discoverer,
		fetcher:    fetcher,
		pacing:     pacing,
	}
}

// Run streams the progress of one extraction. The channel is unbuffered and is
// closed after the last event. Cancelling ctx lets the batch in flight finish
// its fetches; no further batch starts and the channel is closed.
func (o *Orchestrator) Run(ctx context.Context, src Source, cfg RunConfig) <-chan models.ProgressEvent {
	events := make(chan models.ProgressEvent)
	go func() {
		defer close(events)
		o.run(ctx, src, cfg, events)
	}()
	return events
}

func (o *Orchestrator) run(ctx context.Context, src Source, cfg RunConfig, events chan<- models.ProgressEvent) {
	emit := func(e models.ProgressEvent) bool {
		select {
		case events <- e:
			return true
		default:
		}
		select {
		case events <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	var urls []string
	var offset int

	if src.IsSearch() {
		res, err := o.discoverer.Discover(ctx, src.SearchURL, cfg.MaxPages)
		if err != nil {
			log.Printf("Discovery failed for %s: %v", src.SearchURL, err)
			emit(models.BatchError(err.Error()))
			return
		}
		if !emit(models.UrlsDiscovered(res.URLs, res.TotalEstimate)) {
			return
		}
		if cfg.MaxItems <= 0 {
			return
		}
		offset = clampOffset(cfg.ChunkOffset, len(res.URLs))
		urls = window(res.URLs, offset, cfg.MaxItems)
	} else {
		offset = clampOffset(src.StartIndex, len(src.URLs))
		urls = window(src.URLs, offset, cfg.MaxItems)
	}

	summary := models.RunSummary{Total: len(urls)}
	opts := ListingOptions{SkipImages: cfg.SkipImages}
	batches := (len(urls) + cfg.Concurrency - 1) / cfg.Concurrency

	for b := 0; b < batches; b++ {
		if ctx.Err() != nil {
			log.Printf("Run cancelled before batch %d/%d", b+1, batches)
			return
		}

		start := b * cfg.Concurrency
		end := min(start+cfg.Concurrency, len(urls))
		batch := urls[start:end]

		for i, u := range batch {
			if !emit(models.ItemStarted(offset+start+i, u)) {
				return
			}
		}

		outcomes := o.fetchBatch(ctx, batch, opts, cfg.Concurrency)

		ok := 0
		for i, out := range outcomes {
			idx := offset + start + i
			var e models.ProgressEvent
			if out.Succeeded() {
				summary.Succeeded++
				summary.Records = append(summary.Records, out.Record)
				e = models.ItemSucceeded(idx, out.Record)
				ok++
			} else {
				summary.Failed++
				summary.Failures = append(summary.Failures, models.ItemFailure{URL: out.URL, Reason: out.Reason})
				e = models.ItemFailed(idx, out.URL, out.Reason)
			}
			if !emit(e) {
				return
			}
		}
		log.Printf("Batch %d/%d: %d ok, %d failed", b+1, batches, ok, len(batch)-ok)

		if b < batches-1 {
			if err := o.pacing.BetweenBatches(ctx); err != nil {
				log.Printf("Run cancelled after batch %d/%d", b+1, batches)
				return
			}
		}
	}

	emit(models.Complete(summary))
}

// fetchBatch runs one fetch per URL concurrently and returns outcomes in URL
// order. Fetches are detached from ctx cancellation so a started batch always
// completes.
func (o *Orchestrator) fetchBatch(ctx context.Context, batch []string, opts ListingOptions, limit int) []models.FetchOutcome {
	fetchCtx := context.WithoutCancel(ctx)
	outcomes := make([]models.FetchOutcome, len(batch))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, u := range batch {
		i, u := i, u
		g.Go(func() error {
			outcomes[i] = o.fetchOne(fetchCtx, u, opts)
			return nil
		})
	}
	g.Wait()

	return outcomes
}

func (o *Orchestrator) fetchOne(ctx context.Context, url string, opts ListingOptions) (out models.FetchOutcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Fetch panic for %s: %v\n%s", url, r, debug.Stack())
			out = models.Failure(url, fmt.Sprintf("fetch failed: panic: %v", r))
		}
	}()

	out = o.fetcher.Fetch(ctx, url, opts)
	out.URL = url
	if out.Record == nil && out.Reason == "" {
		out.Reason = "fetch failed: no result"
	}
	return out
}

func clampOffset(offset, n int) int {
	if offset < 0 {
		return 0
	}
	if offset > n {
		return n
	}
	return offset
}

func window(urls []string, offset, limit int) []string {
	rest := urls[offset:]
	if limit > 0 && limit < len(rest) {
		rest = rest[:limit]
	}
	return rest
}
