package models

import "time"

// SavedSearch is a search URL the user wants extracted repeatedly.
type SavedSearch struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	SearchURL   string    `json:"search_url" db:"search_url"`
	MaxItems    int       `json:"max_items" db:"max_items"`
	Concurrency int       `json:"concurrency" db:"concurrency"`
	SkipImages  bool      `json:"skip_images" db:"skip_images"`
	Schedule    string    `json:"schedule,omitempty" db:"schedule"` // cron expression, empty = manual only
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
