package scraper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"zonaprop_scrooper/config"
	"zonaprop_scrooper/models"
	"zonaprop_scrooper/parse"
)

const (
	DefaultSearchRenderWait = 3 * time.Second
	DefaultMaxPages         = 10
)

// ErrNoListings means a search page loaded but linked to no listings, which on
// this site almost always means the request was served a bot wall.
var ErrNoListings = errors.New("no listings found on search page")

type DiscoveryKind string

const (
	DiscoveryFetch   DiscoveryKind = "fetch"
	DiscoveryStatus  DiscoveryKind = "status"
	DiscoveryBlocked DiscoveryKind = "blocked"
)

type DiscoveryError struct {
	Kind   DiscoveryKind
	URL    string
	Status int
	Err    error
}

func (e *DiscoveryError) Error() string {
	switch e.Kind {
	case DiscoveryStatus:
		return fmt.Sprintf("HTTP %d: search page could not be accessed", e.Status)
	case DiscoveryBlocked:
		return fmt.Sprintf("%v (the site may be blocking automated access)", e.Err)
	default:
		return fmt.Sprintf("search page fetch failed: %v", e.Err)
	}
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// PageURLBuilder maps a search URL and a 1-based page number to that page's URL.
type PageURLBuilder interface {
	PageURL(searchURL string, page int) (string, error)
}

var pageSuffixRe = regexp.MustCompile(`-pagina-\d+$`)

// SuffixPageURLBuilder appends a numbered suffix to the last path segment:
// /departamentos-venta.html -> /departamentos-venta-pagina-2.html.
type SuffixPageURLBuilder struct {
	Format string // e.g. "-pagina-%d.html"
}

func (b SuffixPageURLBuilder) PageURL(searchURL string, page int) (string, error) {
	u, err := url.Parse(searchURL)
	if err != nil {
		return "", fmt.Errorf("parse search url: %w", err)
	}
	if page <= 1 {
		return searchURL, nil
	}

	format := b.Format
	if format == "" {
		format = "-pagina-%d.html"
	}
	ext := ""
	if strings.HasSuffix(format, ".html") {
		ext = ".html"
		format = strings.TrimSuffix(format, ".html")
	}

	p := strings.TrimSuffix(u.Path, "/")
	p = strings.TrimSuffix(p, ".html")
	p = pageSuffixRe.ReplaceAllString(p, "")
	u.Path = p + fmt.Sprintf(format, page) + ext
	u.RawPath = ""
	return u.String(), nil
}

// Discoverer walks the result pages of one search and collects listing URLs.
type Discoverer struct {
	fetcher     PageFetcher
	site        *config.SiteConfig
	pages       PageURLBuilder
	pacing      Pacing
	renderWait  time.Duration
	estimateRe  *regexp.Regexp
	listingPath string
}

func NewDiscoverer(fetcher PageFetcher, site *config.SiteConfig, pacing Pacing, renderWait time.Duration) *Discoverer {
	if site == nil {
		site = config.DefaultSite()
	}
	if renderWait <= 0 {
		renderWait = DefaultSearchRenderWait
	}

	nouns := make([]string, 0, len(site.ListingNouns))
	for _, n := range site.ListingNouns {
		nouns = append(nouns, regexp.QuoteMeta(n))
	}
	if len(nouns) == 0 {
		nouns = append(nouns, "propiedades")
	}

	listingPath := site.ListingPath
	if listingPath == "" {
		listingPath = "/propiedades/"
	}

	return &Discoverer{
		fetcher:     fetcher,
		site:        site,
		pages:       SuffixPageURLBuilder{Format: site.PageSuffix},
		pacing:      pacing,
		renderWait:  renderWait,
		estimateRe:  regexp.MustCompile(`(?i)([\d.]+)\s+(?:` + strings.Join(nouns, "|") + `)\b`),
		listingPath: listingPath,
	}
}

func (d *Discoverer) SetPageURLBuilder(b PageURLBuilder) {
	d.pages = b
}

func (d *Discoverer) resultsPerPage() int {
	if d.site.ResultsPerPage > 0 {
		return d.site.ResultsPerPage
	}
	return 20
}

func (d *Discoverer) Discover(ctx context.Context, searchURL string, maxPages int) (*models.DiscoveryResult, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	log.Printf("Discover: fetching %s", searchURL)
	page, err := d.fetcher.Fetch(ctx, searchURL, FetchOptions{RenderWait: d.renderWait, SkipImages: true})
	if err != nil {
		return nil, &DiscoveryError{Kind: DiscoveryFetch, URL: searchURL, Err: err}
	}
	if page == nil {
		return nil, &DiscoveryError{Kind: DiscoveryFetch, URL: searchURL, Err: errors.New("empty page")}
	}
	if page.Status != http.StatusOK {
		return nil, &DiscoveryError{Kind: DiscoveryStatus, URL: searchURL, Status: page.Status}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, &DiscoveryError{Kind: DiscoveryFetch, URL: searchURL, Err: err}
	}

	res := &models.DiscoveryResult{
		TotalEstimate: d.estimateTotal(doc),
		PagesVisited:  1,
	}
	res.PagesPlanned = PlanPages(res.TotalEstimate, d.resultsPerPage(), maxPages)

	seen := make(map[string]struct{})
	add := func(links []string) int {
		added := 0
		for _, l := range links {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			res.URLs = append(res.URLs, l)
			added++
		}
		return added
	}

	added := add(d.listingLinks(doc, searchURL))
	log.Printf("Discover: page 1/%d: %d listings (estimate %d)", res.PagesPlanned, added, res.TotalEstimate)

	for n := 2; n <= res.PagesPlanned; n++ {
		if err := d.pacing.BetweenPages(ctx); err != nil {
			log.Printf("Discover: stopped before page %d: %v", n, err)
			break
		}

		pageURL, err := d.pages.PageURL(searchURL, n)
		if err != nil {
			log.Printf("Discover: page %d url: %v", n, err)
			break
		}

		links, err := d.fetchLinks(ctx, pageURL)
		if err != nil {
			log.Printf("Discover: page %d failed, keeping %d urls: %v", n, len(res.URLs), err)
			break
		}
		res.PagesVisited++

		added := add(links)
		log.Printf("Discover: page %d/%d: %d new listings (total %d)", n, res.PagesPlanned, added, len(res.URLs))
		if added == 0 && d.site.StopOnRepeatPage {
			log.Printf("Discover: page %d added nothing, assuming the results ended", n)
			break
		}
	}

	if len(res.URLs) == 0 {
		return nil, &DiscoveryError{Kind: DiscoveryBlocked, URL: searchURL, Status: page.Status, Err: ErrNoListings}
	}
	return res, nil
}

func (d *Discoverer) fetchLinks(ctx context.Context, pageURL string) ([]string, error) {
	page, err := d.fetcher.Fetch(ctx, pageURL, FetchOptions{RenderWait: d.renderWait, SkipImages: true})
	if err != nil {
		return nil, err
	}
	if page == nil {
		return nil, errors.New("empty page")
	}
	if page.Status != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", page.Status)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, err
	}
	return d.listingLinks(doc, pageURL), nil
}

// listingLinks returns listing hrefs in document order, resolved against pageURL
// and without fragments. Duplicates are kept; the caller dedups.
func (d *Discoverer) listingLinks(doc *goquery.Document, pageURL string) []string {
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if !strings.Contains(href, d.listingPath) {
			return
		}
		abs := absoluteURL(pageURL, href)
		if abs == "" {
			return
		}
		if i := strings.IndexByte(abs, '#'); i >= 0 {
			abs = abs[:i]
		}
		links = append(links, abs)
	})
	return links
}

// estimateTotal reads a "<N> <noun>" headline such as "1.234 departamentos en venta".
func (d *Discoverer) estimateTotal(doc *goquery.Document) int {
	total := 0
	doc.Find(`h1, h2, h3, [class*="title"], [class*="Title"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		m := d.estimateRe.FindStringSubmatch(s.Text())
		if m == nil {
			return true
		}
		if n, ok := parse.Number(m[1]); ok && n > 0 {
			total = int(n)
			return false
		}
		return true
	})
	return total
}

// PlanPages is min(ceil(estimate/perPage), maxPages), or maxPages without an
// estimate. Never less than one.
func PlanPages(estimate, perPage, maxPages int) int {
	if maxPages < 1 {
		maxPages = 1
	}
	if estimate <= 0 || perPage <= 0 {
		return maxPages
	}
	pages := int(math.Ceil(float64(estimate) / float64(perPage)))
	if pages > maxPages {
		pages = maxPages
	}
	if pages < 1 {
		pages = 1
	}
	return pages
}
