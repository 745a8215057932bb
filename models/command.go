package models

import (
	"encoding/json"
	"time"
)

// CommandType names an action queued for the running daemon.
type CommandType string

const (
	CmdRunSearch   CommandType = "run_search"
	CmdRunAll      CommandType = "run_all"
	CmdRetryFailed CommandType = "retry_failed"
	CmdPause       CommandType = "pause"
	CmdResume      CommandType = "resume"
)

type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}

type CommandParams struct {
	SavedSearchID string `json:"saved_search_id,omitempty"`
}

func (c CommandType) Valid() bool {
	switch c {
	case CmdRunSearch, CmdRunAll, CmdRetryFailed, CmdPause, CmdResume:
		return true
	}
	return false
}
