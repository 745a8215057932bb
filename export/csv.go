// Package export renders listing records as CSV.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"zonaprop_scrooper/models"
)

// Header is the column order of every export.
var Header = []string{
	"Nombre",
	"Dirección",
	"Barrio",
	"M2 Cubiertos",
	"M2 Totales",
	"Cochera",
	"Dormitorios",
	"Baño",
	"Precio",
	"Moneda",
	"Expensas",
	"$/m2",
	"URL",
}

func WriteCSV(w io.Writer, records []models.ListingRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for i := range records {
		if err := cw.Write(Row(&records[i])); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Row renders one record in Header order. Unknown values are empty cells.
func Row(r *models.ListingRecord) []string {
	currency := ""
	if r.Currency != nil {
		currency = string(*r.Currency)
	}
	parking := ""
	if r.Parking != nil {
		parking = *r.Parking
	}
	return []string{
		r.Name,
		r.Address,
		r.Neighborhood,
		formatFloat(r.CoveredArea),
		formatFloat(r.TotalArea),
		parking,
		formatInt(r.Bedrooms),
		formatInt(r.Bathrooms),
		formatFloat(r.Price),
		currency,
		formatFloat(r.Fee),
		formatFloat(r.PricePerArea),
		r.URL,
	}
}

// Filename builds "<prefix>-YYYY-MM-DD.csv".
func Filename(prefix string, t time.Time) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "zonaprop"
	}
	return fmt.Sprintf("%s-%s.csv", prefix, t.Format("2006-01-02"))
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func formatInt(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}
