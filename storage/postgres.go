package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"zonaprop_scrooper/models"
	"zonaprop_scrooper/parse"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		id UUID PRIMARY KEY,
		site_id TEXT NOT NULL,
		url TEXT NOT NULL UNIQUE,
		record JSONB NOT NULL,
		price DOUBLE PRECISION,
		currency TEXT,
		first_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_execution_id TEXT
	);

	CREATE TABLE IF NOT EXISTS listing_prices (
		id BIGSERIAL PRIMARY KEY,
		listing_id UUID NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
		price DOUBLE PRECISION,
		currency TEXT,
		fee DOUBLE PRECISION,
		observed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_listing_prices_listing ON listing_prices(listing_id, observed_at);
	CREATE INDEX IF NOT EXISTS idx_listings_last_seen ON listings(site_id, last_seen);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// Listings
// =============================================================================

// UpsertListing stores the latest record for its URL. A price history row is
// written for new listings and whenever price or currency moved; the returned
// bool reports whether that happened.
func (s *PostgresStore) UpsertListing(ctx context.Context, siteID, executionID string, rec *models.ListingRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		existing    bool
		oldPrice    *float64
		oldCurrency *string
	)
	err = tx.QueryRow(ctx, `SELECT price, currency FROM listings WHERE url = $1 FOR UPDATE`, rec.URL).
		Scan(&oldPrice, &oldCurrency)
	switch {
	case err == pgx.ErrNoRows:
	case err != nil:
		return false, fmt.Errorf("select listing: %w", err)
	default:
		existing = true
	}

	newCurrency := currencyString(rec.Currency)

	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO listings (id, site_id, url, record, price, currency, first_seen, last_seen, last_execution_id)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW(), $7)
		ON CONFLICT (url) DO UPDATE SET
			record = EXCLUDED.record,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			last_seen = NOW(),
			last_execution_id = EXCLUDED.last_execution_id
		RETURNING id`,
		uuid.New(), siteID, rec.URL, data, rec.Price, newCurrency, executionID,
	).Scan(&id)
	if err != nil {
		return false, fmt.Errorf("upsert listing: %w", err)
	}

	changed := !existing || priceChanged(oldPrice, oldCurrency, rec.Price, newCurrency)
	if changed {
		_, err = tx.Exec(ctx, `
			INSERT INTO listing_prices (listing_id, price, currency, fee, observed_at)
			VALUES ($1, $2, $3, $4, NOW())`,
			id, rec.Price, newCurrency, rec.Fee)
		if err != nil {
			return false, fmt.Errorf("insert price: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return changed, nil
}

func (s *PostgresStore) GetListingByURL(ctx context.Context, url string) (*models.WarehouseListing, error) {
	var (
		l        models.WarehouseListing
		data     []byte
		currency *string
		execID   *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, site_id, url, record, price, currency, first_seen, last_seen, last_execution_id
		FROM listings WHERE url = $1`, url,
	).Scan(&l.ID, &l.SiteID, &l.URL, &data, &l.Price, &currency, &l.FirstSeen, &l.LastSeen, &execID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, &l.Record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	l.Currency = toCurrency(currency)
	if execID != nil {
		l.ExecutionID = *execID
	}
	return &l, nil
}

// =============================================================================
// Price history
// =============================================================================

func (s *PostgresStore) PriceHistory(ctx context.Context, listingID uuid.UUID) ([]models.PricePoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, listing_id, price, currency, fee, observed_at
		FROM listing_prices WHERE listing_id = $1
		ORDER BY observed_at, id`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.PricePoint
	for rows.Next() {
		var pp models.PricePoint
		var currency *string
		if err := rows.Scan(&pp.ID, &pp.ListingID, &pp.Price, &currency, &pp.Fee, &pp.ObservedAt); err != nil {
			return nil, err
		}
		pp.Currency = toCurrency(currency)
		points = append(points, pp)
	}
	return points, rows.Err()
}

func priceChanged(oldPrice *float64, oldCurrency *string, newPrice *float64, newCurrency *string) bool {
	if (oldPrice == nil) != (newPrice == nil) || (oldCurrency == nil) != (newCurrency == nil) {
		return true
	}
	if oldPrice != nil && *oldPrice != *newPrice {
		return true
	}
	return oldCurrency != nil && *oldCurrency != *newCurrency
}

func currencyString(c *parse.Currency) *string {
	if c == nil {
		return nil
	}
	s := string(*c)
	return &s
}

func toCurrency(s *string) *parse.Currency {
	if s == nil {
		return nil
	}
	c := parse.Currency(*s)
	return &c
}
