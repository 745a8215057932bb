package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Execution is one persisted run of a saved search.
type Execution struct {
	ID            string     `json:"id" db:"id"`
	SavedSearchID string     `json:"saved_search_id" db:"saved_search_id"`
	SearchURL     string     `json:"search_url" db:"search_url"`
	Status        RunStatus  `json:"status" db:"status"`
	TotalEstimate int        `json:"total_estimate" db:"total_estimate"`
	URLsFound     int        `json:"urls_found" db:"urls_found"`
	Total         int        `json:"total" db:"total"`
	Succeeded     int        `json:"succeeded" db:"succeeded"`
	Failed        int        `json:"failed" db:"failed"`
	ErrorMessage  string     `json:"error_message,omitempty" db:"error_message"`
	StartedAt     time.Time  `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time `json:"finished_at" db:"finished_at"`
}

type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
)

// ExecutionResult is the stored outcome of one URL within an execution.
type ExecutionResult struct {
	ID          int64          `json:"id" db:"id"`
	ExecutionID string         `json:"execution_id" db:"execution_id"`
	Index       int            `json:"index" db:"idx"`
	URL         string         `json:"url" db:"url"`
	Status      ResultStatus   `json:"status" db:"status"`
	Record      *ListingRecord `json:"record,omitempty" db:"record"`
	Reason      string         `json:"error,omitempty" db:"reason"`
	Attempts    int            `json:"attempts" db:"attempts"`
	Resolved    bool           `json:"resolved" db:"resolved"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}
