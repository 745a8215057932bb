package models

import (
	"zonaprop_scrooper/parse"
)

// ListingRecord is the structured form of one listing page.
// JSON keys are the ones the streaming clients and CSV export already consume.
type ListingRecord struct {
	URL          string          `json:"url" db:"url"`
	ImageURL     *string         `json:"imagen" db:"image_url"`
	Name         string          `json:"nombre" db:"name"`
	Address      string          `json:"direccion" db:"address"`
	Neighborhood string          `json:"barrio" db:"neighborhood"`
	CoveredArea  *float64        `json:"m2Cubiertos" db:"covered_area"`
	TotalArea    *float64        `json:"m2Totales" db:"total_area"`
	Parking      *string         `json:"cochera" db:"parking"`
	Bedrooms     *int            `json:"dormitorios" db:"bedrooms"`
	Bathrooms    *int            `json:"bano" db:"bathrooms"`
	Price        *float64        `json:"precio" db:"price"`
	Currency     *parse.Currency `json:"moneda" db:"currency"`
	Fee          *float64        `json:"expensas" db:"fee"`
	PricePerArea *float64        `json:"precioM2" db:"price_per_area"`
}

// Normalize recomputes derived fields. PricePerArea is never taken from markup.
func (r *ListingRecord) Normalize() {
	r.PricePerArea = parse.PricePerArea(r.Price, r.TotalArea)
}

// FetchOutcome is the result of fetching one listing URL: either Record is set
// (success) or Reason is (failure).
type FetchOutcome struct {
	URL    string         `json:"url"`
	Record *ListingRecord `json:"record,omitempty"`
	Reason string         `json:"error,omitempty"`
}

func (o FetchOutcome) Succeeded() bool {
	return o.Record != nil
}

// Success builds a successful outcome, normalizing the record first.
func Success(rec *ListingRecord) FetchOutcome {
	rec.Normalize()
	return FetchOutcome{URL: rec.URL, Record: rec}
}

func Failure(url, reason string) FetchOutcome {
	return FetchOutcome{URL: url, Reason: reason}
}

// ItemFailure is one failed URL as reported in a run summary.
type ItemFailure struct {
	URL    string `json:"url"`
	Reason string `json:"error"`
}

// DiscoveryResult is what walking a search's result pages produced.
type DiscoveryResult struct {
	URLs          []string `json:"urls"`
	TotalEstimate int      `json:"totalFoundInSearch"`
	PagesVisited  int      `json:"pagesVisited"`
	PagesPlanned  int      `json:"pagesPlanned"`
}
