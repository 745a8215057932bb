package scraper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zonaprop_scrooper/config"
)

const searchURL = "https://www.zonaprop.com.ar/departamentos-venta-palermo.html"

func listingLink(id string) string {
	return "https://www.zonaprop.com.ar/propiedades/clasificado/veclapin-depto-palermo-" + id + ".html"
}

func TestDiscover_PaginatesAndDedups(t *testing.T) {
	fake := newFakePageFetcher()
	fake.serve(searchURL, 200, loadFixture(t, "search_page1.html"))
	fake.serve("https://www.zonaprop.com.ar/departamentos-venta-palermo-pagina-2.html", 200, loadFixture(t, "search_page2.html"))

	var pauses int
	pacing := Pacing{Delay: func(ctx context.Context, min, max time.Duration) error {
		pauses++
		return nil
	}}

	d := NewDiscoverer(fake, config.DefaultSite(), pacing, time.Second)
	res, err := d.Discover(context.Background(), searchURL, 10)
	require.NoError(t, err)

	assert.Equal(t, []string{
		listingLink("1001"),
		listingLink("1002"),
		listingLink("1003"),
		listingLink("1004"),
		listingLink("1005"),
	}, res.URLs)
	assert.Equal(t, 1234, res.TotalEstimate)
	assert.Equal(t, 10, res.PagesPlanned)
	assert.Equal(t, 2, res.PagesVisited, "page 3 is a 404 and stops pagination")

	assert.Equal(t, []string{
		searchURL,
		"https://www.zonaprop.com.ar/departamentos-venta-palermo-pagina-2.html",
		"https://www.zonaprop.com.ar/departamentos-venta-palermo-pagina-3.html",
	}, fake.Calls())
	assert.Equal(t, 2, pauses, "one pause before each follow-up page")
}

func TestDiscover_SinglePageDedup(t *testing.T) {
	fake := newFakePageFetcher()
	fake.serve(searchURL, 200, loadFixture(t, "search_page1.html"))

	d := NewDiscoverer(fake, config.DefaultSite(), noPacing, time.Second)
	res, err := d.Discover(context.Background(), searchURL, 1)
	require.NoError(t, err)

	// 5 listing anchors, 2 of them repeats
	assert.Len(t, res.URLs, 3)
	assert.Equal(t, listingLink("1001"), res.URLs[0])
	assert.Equal(t, 1, res.PagesPlanned)
	assert.Len(t, fake.Calls(), 1)
}

func TestDiscover_EstimateKeptApartFromReachableURLs(t *testing.T) {
	fake := newFakePageFetcher()
	fake.serve(searchURL, 200, `<html><body><h1>300 propiedades</h1>
		<a href="/propiedades/a.html">a</a><a href="/propiedades/b.html">b</a></body></html>`)

	d := NewDiscoverer(fake, config.DefaultSite(), noPacing, time.Second)
	res, err := d.Discover(context.Background(), searchURL, 1)
	require.NoError(t, err)

	assert.Equal(t, 300, res.TotalEstimate)
	assert.Len(t, res.URLs, 2)
}

func TestDiscover_NoEstimateVisitsMaxPages(t *testing.T) {
	fake := newFakePageFetcher()
	fake.serve(searchURL, 200, `<html><body><a href="/propiedades/a.html">a</a></body></html>`)
	fake.serve("https://www.zonaprop.com.ar/departamentos-venta-palermo-pagina-2.html", 200,
		`<html><body><a href="/propiedades/b.html">b</a></body></html>`)
	fake.serve("https://www.zonaprop.com.ar/departamentos-venta-palermo-pagina-3.html", 200,
		`<html><body><a href="/propiedades/c.html">c</a></body></html>`)

	d := NewDiscoverer(fake, config.DefaultSite(), noPacing, time.Second)
	res, err := d.Discover(context.Background(), searchURL, 3)
	require.NoError(t, err)

	assert.Zero(t, res.TotalEstimate)
	assert.Equal(t, 3, res.PagesPlanned)
	assert.Equal(t, 3, res.PagesVisited)
	assert.Len(t, res.URLs, 3)
}

func TestDiscover_StopsWhenPageAddsNothing(t *testing.T) {
	page := `<html><body><a href="/propiedades/a.html">a</a></body></html>`
	fake := newFakePageFetcher()
	fake.serve(searchURL, 200, page)
	fake.serve("https://www.zonaprop.com.ar/departamentos-venta-palermo-pagina-2.html", 200, page)

	d := NewDiscoverer(fake, config.DefaultSite(), noPacing, time.Second)
	res, err := d.Discover(context.Background(), searchURL, 5)
	require.NoError(t, err)

	assert.Len(t, res.URLs, 1)
	assert.Len(t, fake.Calls(), 2)
}

func TestDiscover_RepeatPageIgnoredWhenSiteDoesNotOptIn(t *testing.T) {
	page := `<html><body><a href="/propiedades/a.html">a</a></body></html>`
	fake := newFakePageFetcher()
	fake.serve(searchURL, 200, page)
	fake.serve("https://www.zonaprop.com.ar/departamentos-venta-palermo-pagina-2.html", 200, page)
	fake.serve("https://www.zonaprop.com.ar/departamentos-venta-palermo-pagina-3.html", 200,
		`<html><body><a href="/propiedades/b.html">b</a></body></html>`)

	site := config.DefaultSite()
	site.StopOnRepeatPage = false
	d := NewDiscoverer(fake, site, noPacing, time.Second)
	res, err := d.Discover(context.Background(), searchURL, 5)
	require.NoError(t, err)

	// page 4 is a 404, which is the only thing that ends the walk
	assert.Equal(t, []string{
		"https://www.zonaprop.com.ar/propiedades/a.html",
		"https://www.zonaprop.com.ar/propiedades/b.html",
	}, res.URLs)
	assert.Len(t, fake.Calls(), 4)
	assert.Equal(t, 3, res.PagesVisited)
}

func TestDiscover_Failures(t *testing.T) {
	t.Run("blocked", func(t *testing.T) {
		fake := newFakePageFetcher()
		fake.serve(searchURL, 200, loadFixture(t, "search_empty.html"))

		_, err := NewDiscoverer(fake, config.DefaultSite(), noPacing, time.Second).Discover(context.Background(), searchURL, 3)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoListings))

		var derr *DiscoveryError
		require.True(t, errors.As(err, &derr))
		assert.Equal(t, DiscoveryBlocked, derr.Kind)
		assert.Contains(t, err.Error(), "blocking automated access")
	})

	t.Run("status", func(t *testing.T) {
		fake := newFakePageFetcher()
		fake.serve(searchURL, 403, loadFixture(t, "listing_blocked.html"))

		_, err := NewDiscoverer(fake, config.DefaultSite(), noPacing, time.Second).Discover(context.Background(), searchURL, 3)
		var derr *DiscoveryError
		require.True(t, errors.As(err, &derr))
		assert.Equal(t, DiscoveryStatus, derr.Kind)
		assert.Equal(t, 403, derr.Status)
		assert.Equal(t, "HTTP 403: search page could not be accessed", err.Error())
		assert.False(t, errors.Is(err, ErrNoListings))
	})

	t.Run("fetch", func(t *testing.T) {
		fake := newFakePageFetcher()
		fake.errs[searchURL] = errors.New("net::ERR_CONNECTION_RESET")

		_, err := NewDiscoverer(fake, config.DefaultSite(), noPacing, time.Second).Discover(context.Background(), searchURL, 3)
		var derr *DiscoveryError
		require.True(t, errors.As(err, &derr))
		assert.Equal(t, DiscoveryFetch, derr.Kind)
		assert.Contains(t, err.Error(), "ERR_CONNECTION_RESET")
	})
}

func TestDiscover_CustomPageURLBuilder(t *testing.T) {
	fake := newFakePageFetcher()
	fake.serve(searchURL, 200, `<html><body><a href="/propiedades/a.html">a</a></body></html>`)
	fake.serve(searchURL+"?page=2", 200, `<html><body><a href="/propiedades/b.html">b</a></body></html>`)

	d := NewDiscoverer(fake, config.DefaultSite(), noPacing, time.Second)
	d.SetPageURLBuilder(queryPageBuilder{})
	res, err := d.Discover(context.Background(), searchURL, 2)
	require.NoError(t, err)
	assert.Len(t, res.URLs, 2)
}

type queryPageBuilder struct{}

func (queryPageBuilder) PageURL(searchURL string, page int) (string, error) {
	if page == 1 {
		return searchURL, nil
	}
	return searchURL + "?page=" + string(rune('0'+page)), nil
}

func TestSuffixPageURLBuilder(t *testing.T) {
	b := SuffixPageURLBuilder{Format: "-pagina-%d.html"}
	tests := []struct {
		in   string
		page int
		want string
	}{
		{searchURL, 1, searchURL},
		{searchURL, 2, "https://www.zonaprop.com.ar/departamentos-venta-palermo-pagina-2.html"},
		{"https://www.zonaprop.com.ar/departamentos-venta-palermo-pagina-4.html", 7, "https://www.zonaprop.com.ar/departamentos-venta-palermo-pagina-7.html"},
		{"https://www.zonaprop.com.ar/casas-venta.html?orden=precio", 3, "https://www.zonaprop.com.ar/casas-venta-pagina-3.html?orden=precio"},
		{"https://www.zonaprop.com.ar/casas-venta/", 2, "https://www.zonaprop.com.ar/casas-venta-pagina-2.html"},
	}
	for _, tt := range tests {
		got, err := b.PageURL(tt.in, tt.page)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestPlanPages(t *testing.T) {
	assert.Equal(t, 10, PlanPages(0, 20, 10))
	assert.Equal(t, 2, PlanPages(21, 20, 10))
	assert.Equal(t, 1, PlanPages(20, 20, 10))
	assert.Equal(t, 10, PlanPages(1234, 20, 10))
	assert.Equal(t, 1, PlanPages(5, 20, 0))
}
