package models

import (
	"time"

	"github.com/google/uuid"
	"zonaprop_scrooper/parse"
)

// WarehouseListing is the latest known state of a listing URL across all
// executions.
type WarehouseListing struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	SiteID      string          `json:"site_id" db:"site_id"`
	URL         string          `json:"url" db:"url"`
	Record      ListingRecord   `json:"record" db:"record"`
	Price       *float64        `json:"price" db:"price"`
	Currency    *parse.Currency `json:"currency" db:"currency"`
	FirstSeen   time.Time       `json:"first_seen" db:"first_seen"`
	LastSeen    time.Time       `json:"last_seen" db:"last_seen"`
	ExecutionID string          `json:"last_execution_id" db:"last_execution_id"`
}

// PricePoint is one entry of a listing's asking-price history.
type PricePoint struct {
	ID         int64           `json:"id" db:"id"`
	ListingID  uuid.UUID       `json:"listing_id" db:"listing_id"`
	Price      *float64        `json:"price" db:"price"`
	Currency   *parse.Currency `json:"currency" db:"currency"`
	Fee        *float64        `json:"fee" db:"fee"`
	ObservedAt time.Time       `json:"observed_at" db:"observed_at"`
}
