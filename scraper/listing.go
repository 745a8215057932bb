package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"zonaprop_scrooper/models"
	"zonaprop_scrooper/parse"
)

const DefaultRenderWait = 2 * time.Second

var (
	priceAmountRe   = regexp.MustCompile(`(?i)(?:USD|ARS|\$)\s*([\d.,]+)`)
	anyNumberRe     = regexp.MustCompile(`([\d.,]+)`)
	feeRe           = regexp.MustCompile(`\$?\s*([\d.,]+)`)
	summaryAreaRe   = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*m²`)
	summaryRoomsRe  = regexp.MustCompile(`(?i)(\d+)\s*ambientes?`)
	featureCovRe    = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*m²?\s*(?:cub|cubiertos?)`)
	featureTotRe    = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*m²?\s*(?:tot|totales?)`)
	coveredFallback = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*m²?\s*cubiertos?`)
	parkingWordRe   = regexp.MustCompile(`(?i)cochera|garage|estacionamiento`)
	parkingCountRe  = regexp.MustCompile(`(?i)(\d+)\s*(?:cochera|garage)`)
	bedroomsRe      = regexp.MustCompile(`(?i)(\d+)\s*dormitorios?|(\d+)\s*habitaciones?`)
	bathroomsRe     = regexp.MustCompile(`(?i)(\d+)\s*baños?`)
)

type ListingOptions struct {
	SkipImages bool
}

// ListingFetcher turns one listing URL into a FetchOutcome. It never retries
// and never returns an error: every problem becomes a failed outcome.
type ListingFetcher struct {
	fetcher    PageFetcher
	renderWait time.Duration
}

func NewListingFetcher(fetcher PageFetcher, renderWait time.Duration) *ListingFetcher {
	if renderWait <= 0 {
		renderWait = DefaultRenderWait
	}
	return &ListingFetcher{fetcher: fetcher, renderWait: renderWait}
}

func (l *ListingFetcher) Fetch(ctx context.Context, listingURL string, opts ListingOptions) models.FetchOutcome {
	page, err := l.fetcher.Fetch(ctx, listingURL, FetchOptions{
		RenderWait: l.renderWait,
		SkipImages: opts.SkipImages,
	})
	if err != nil {
		return models.Failure(listingURL, fmt.Sprintf("fetch failed: %v", err))
	}
	if page == nil {
		return models.Failure(listingURL, "fetch failed: empty page")
	}
	if page.Status != http.StatusOK {
		return models.Failure(listingURL, fmt.Sprintf("HTTP %d: listing page could not be accessed", page.Status))
	}

	rec, err := ParseListing(listingURL, page.HTML, opts.SkipImages)
	if err != nil {
		return models.Failure(listingURL, fmt.Sprintf("parse failed: %v", err))
	}
	return models.Success(rec)
}

// ParseListing extracts a record from a rendered listing page. Fields that
// cannot be found stay nil/empty; it only fails if the markup is unreadable.
func ParseListing(listingURL, html string, skipImages bool) (*models.ListingRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	rec := &models.ListingRecord{URL: listingURL}
	rec.Name = strings.TrimSpace(doc.Find("h1").First().Text())

	location := strings.TrimSpace(doc.Find(".section-location-property").First().Text())
	parts := strings.Split(location, ",")
	rec.Address = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		rec.Neighborhood = strings.TrimSpace(parts[1])
	}

	priceText := strings.TrimSpace(doc.Find(".price-value, .price-item-container").First().Text())
	rec.Currency = parse.DetectCurrency(priceText)
	if m := priceAmountRe.FindStringSubmatch(priceText); m != nil {
		priceText = m[1]
	} else if m := anyNumberRe.FindStringSubmatch(priceText); m != nil {
		priceText = m[1]
	}
	rec.Price = parse.NumberPtr(priceText)

	if fee := doc.Find(".price-expenses, .price-extra").First(); fee.Length() > 0 {
		if m := feeRe.FindStringSubmatch(strings.TrimSpace(fee.Text())); m != nil {
			rec.Fee = parse.NumberPtr(m[1])
		}
	}

	// "Departamento · 110m² · 4 ambientes"; the last matching h2 wins.
	var summary string
	doc.Find("h2").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if strings.Contains(text, "m²") || strings.Contains(text, "ambiente") {
			summary = text
		}
	})

	var totalText, roomsText, coveredText string
	if m := summaryAreaRe.FindStringSubmatch(summary); m != nil {
		totalText = m[1]
	}
	if m := summaryRoomsRe.FindStringSubmatch(summary); m != nil {
		roomsText = m[1]
	}

	doc.Find(".icon-feature").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if m := featureCovRe.FindStringSubmatch(text); m != nil {
			coveredText = m[1]
		}
		if m := featureTotRe.FindStringSubmatch(text); m != nil {
			totalText = m[1]
		}
	})

	body := doc.Find("body").Text()
	if coveredText == "" {
		if m := coveredFallback.FindStringSubmatch(body); m != nil {
			coveredText = m[1]
		}
	}
	rec.CoveredArea = parse.NumberPtr(coveredText)
	rec.TotalArea = parse.NumberPtr(totalText)

	if parkingWordRe.MatchString(body) {
		parking := "1"
		if m := parkingCountRe.FindStringSubmatch(body); m != nil {
			parking = m[1]
		}
		rec.Parking = &parking
	}

	bedrooms := roomsText
	if m := bedroomsRe.FindStringSubmatch(body); m != nil {
		if m[1] != "" {
			bedrooms = m[1]
		} else {
			bedrooms = m[2]
		}
	}
	rec.Bedrooms = parse.IntPtr(bedrooms)

	if m := bathroomsRe.FindStringSubmatch(body); m != nil {
		rec.Bathrooms = parse.IntPtr(m[1])
	}

	if !skipImages {
		rec.ImageURL = findImage(doc, listingURL)
	}

	return rec, nil
}

func findImage(doc *goquery.Document, pageURL string) *string {
	if og, ok := doc.Find(`meta[property="og:image"]`).First().Attr("content"); ok {
		if abs := absoluteURL(pageURL, og); abs != "" {
			return &abs
		}
	}

	var found string
	doc.Find("img[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		found = absoluteURL(pageURL, src)
		return found == ""
	})
	if found == "" {
		return nil
	}
	return &found
}

// absoluteURL resolves ref against base and keeps it only if it is http(s).
func absoluteURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if b, err := url.Parse(base); err == nil {
		r = b.ResolveReference(r)
	}
	if r.Scheme != "http" && r.Scheme != "https" {
		return ""
	}
	return r.String()
}
