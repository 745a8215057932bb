package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"zonaprop_scrooper/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS saved_searches (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		search_url TEXT NOT NULL,
		max_items INTEGER DEFAULT 50,
		concurrency INTEGER DEFAULT 5,
		skip_images BOOLEAN DEFAULT FALSE,
		schedule TEXT DEFAULT '',
		created_at DATETIME,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		saved_search_id TEXT,
		search_url TEXT,
		status TEXT,
		total_estimate INTEGER DEFAULT 0,
		urls_found INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		succeeded INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		error_message TEXT DEFAULT '',
		started_at DATETIME,
		finished_at DATETIME,
		FOREIGN KEY (saved_search_id) REFERENCES saved_searches(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS execution_results (
		id INTEGER PRIMARY KEY,
		execution_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		url TEXT NOT NULL,
		status TEXT NOT NULL,
		record JSON,
		reason TEXT DEFAULT '',
		attempts INTEGER DEFAULT 1,
		resolved BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(execution_id, idx),
		FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS scrape_logs (
		id INTEGER PRIMARY KEY,
		execution_id TEXT,
		timestamp DATETIME,
		level TEXT,
		message TEXT,
		site_id TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_executions_search ON executions(saved_search_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_results_execution ON execution_results(execution_id, idx);
	CREATE INDEX IF NOT EXISTS idx_results_failed ON execution_results(status, resolved, attempts);
	CREATE INDEX IF NOT EXISTS idx_logs_execution ON scrape_logs(execution_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Saved searches
// =============================================================================

func (s *SQLiteStore) CreateSavedSearch(ss *models.SavedSearch) error {
	if ss.ID == "" {
		ss.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ss.CreatedAt, ss.UpdatedAt = now, now

	_, err := s.db.Exec(`
		INSERT INTO saved_searches (id, name, search_url, max_items, concurrency, skip_images, schedule, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ss.ID, ss.Name, ss.SearchURL, ss.MaxItems, ss.Concurrency, ss.SkipImages, ss.Schedule, ss.CreatedAt, ss.UpdatedAt)
	return err
}

func (s *SQLiteStore) UpdateSavedSearch(ss *models.SavedSearch) error {
	ss.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE saved_searches SET name = ?, search_url = ?, max_items = ?, concurrency = ?,
			skip_images = ?, schedule = ?, updated_at = ?
		WHERE id = ?`,
		ss.Name, ss.SearchURL, ss.MaxItems, ss.Concurrency, ss.SkipImages, ss.Schedule, ss.UpdatedAt, ss.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("saved search %s not found", ss.ID)
	}
	return nil
}

const savedSearchColumns = `id, name, search_url, max_items, concurrency, skip_images, COALESCE(schedule, ''), created_at, updated_at`

func scanSavedSearch(row interface{ Scan(...any) error }) (*models.SavedSearch, error) {
	var ss models.SavedSearch
	err := row.Scan(&ss.ID, &ss.Name, &ss.SearchURL, &ss.MaxItems, &ss.Concurrency, &ss.SkipImages,
		&ss.Schedule, &ss.CreatedAt, &ss.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ss, nil
}

func (s *SQLiteStore) GetSavedSearch(id string) (*models.SavedSearch, error) {
	row := s.db.QueryRow(`SELECT `+savedSearchColumns+` FROM saved_searches WHERE id = ?`, id)
	ss, err := scanSavedSearch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ss, err
}

func (s *SQLiteStore) ListSavedSearches() ([]models.SavedSearch, error) {
	rows, err := s.db.Query(`SELECT ` + savedSearchColumns + ` FROM saved_searches ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SavedSearch
	for rows.Next() {
		ss, err := scanSavedSearch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ss)
	}
	return out, rows.Err()
}

// DeleteSavedSearch removes the search with its executions and their results.
func (s *SQLiteStore) DeleteSavedSearch(id string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM execution_results WHERE execution_id IN
			(SELECT id FROM executions WHERE saved_search_id = ?)`, id); err != nil {
		return false, err
	}
	if _, err := tx.Exec(`DELETE FROM executions WHERE saved_search_id = ?`, id); err != nil {
		return false, err
	}
	res, err := tx.Exec(`DELETE FROM saved_searches WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, tx.Commit()
}

// =============================================================================
// Executions
// =============================================================================

func (s *SQLiteStore) CreateExecution(e *models.Execution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = models.RunStatusRunning
	}

	var savedSearchID any
	if e.SavedSearchID != "" {
		savedSearchID = e.SavedSearchID
	}

	_, err := s.db.Exec(`
		INSERT INTO executions (id, saved_search_id, search_url, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, savedSearchID, e.SearchURL, e.Status, e.StartedAt)
	return err
}

func (s *SQLiteStore) UpdateExecution(e *models.Execution) error {
	_, err := s.db.Exec(`
		UPDATE executions SET status = ?, total_estimate = ?, urls_found = ?, total = ?,
			succeeded = ?, failed = ?, error_message = ?, finished_at = ?
		WHERE id = ?`,
		e.Status, e.TotalEstimate, e.URLsFound, e.Total, e.Succeeded, e.Failed, e.ErrorMessage, e.FinishedAt, e.ID)
	return err
}

const executionColumns = `id, COALESCE(saved_search_id, ''), search_url, status, total_estimate, urls_found,
	total, succeeded, failed, COALESCE(error_message, ''), started_at, finished_at`

func scanExecution(row interface{ Scan(...any) error }) (*models.Execution, error) {
	var e models.Execution
	var finished sql.NullTime
	err := row.Scan(&e.ID, &e.SavedSearchID, &e.SearchURL, &e.Status, &e.TotalEstimate, &e.URLsFound,
		&e.Total, &e.Succeeded, &e.Failed, &e.ErrorMessage, &e.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		e.FinishedAt = &finished.Time
	}
	return &e, nil
}

func (s *SQLiteStore) GetExecution(id string) (*models.Execution, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ListExecutions returns the newest executions of a saved search first.
func (s *SQLiteStore) ListExecutions(savedSearchID string, limit int) ([]models.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+executionColumns+` FROM executions
		WHERE saved_search_id = ? ORDER BY started_at DESC LIMIT ?`, savedSearchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// =============================================================================
// Execution results
// =============================================================================

// SaveResult stores the outcome of one URL. Saving the same index twice
// replaces the earlier outcome.
func (s *SQLiteStore) SaveResult(r *models.ExecutionResult) error {
	record, err := marshalRecord(r.Record)
	if err != nil {
		return err
	}
	if r.Attempts == 0 {
		r.Attempts = 1
	}

	res, err := s.db.Exec(`
		INSERT INTO execution_results (execution_id, idx, url, status, record, reason, attempts, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, idx) DO UPDATE SET
			url = excluded.url,
			status = excluded.status,
			record = excluded.record,
			reason = excluded.reason,
			attempts = excluded.attempts,
			resolved = excluded.resolved`,
		r.ExecutionID, r.Index, r.URL, r.Status, record, r.Reason, r.Attempts, r.Resolved, time.Now().UTC())
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil && r.ID == 0 {
		r.ID = id
	}
	return nil
}

const resultColumns = `id, execution_id, idx, url, status, record, COALESCE(reason, ''), attempts, resolved, created_at`

func scanResult(row interface{ Scan(...any) error }) (*models.ExecutionResult, error) {
	var r models.ExecutionResult
	var record sql.NullString
	err := row.Scan(&r.ID, &r.ExecutionID, &r.Index, &r.URL, &r.Status, &record, &r.Reason, &r.Attempts, &r.Resolved, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if record.Valid && record.String != "" {
		var rec models.ListingRecord
		if err := json.Unmarshal([]byte(record.String), &rec); err != nil {
			return nil, fmt.Errorf("result %d: decode record: %w", r.ID, err)
		}
		r.Record = &rec
	}
	return &r, nil
}

func (s *SQLiteStore) queryResults(query string, args ...any) ([]models.ExecutionResult, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ExecutionResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListResults(executionID string) ([]models.ExecutionResult, error) {
	return s.queryResults(`SELECT `+resultColumns+` FROM execution_results
		WHERE execution_id = ? ORDER BY idx`, executionID)
}

// ListFailedResults returns unresolved failures that have been tried fewer
// than maxAttempts times, oldest first.
func (s *SQLiteStore) ListFailedResults(maxAttempts, limit int) ([]models.ExecutionResult, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryResults(`SELECT `+resultColumns+` FROM execution_results
		WHERE status = ? AND resolved = FALSE AND attempts < ?
		ORDER BY created_at, id LIMIT ?`, models.ResultFailed, maxAttempts, limit)
}

// ResolveResult marks a failed result as recovered by a later retry and
// moves the execution counters accordingly.
func (s *SQLiteStore) ResolveResult(id int64, rec *models.ListingRecord) error {
	record, err := marshalRecord(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var executionID string
	if err := tx.QueryRow(`SELECT execution_id FROM execution_results WHERE id = ?`, id).Scan(&executionID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE execution_results SET status = ?, record = ?, reason = '', resolved = TRUE, attempts = attempts + 1
		WHERE id = ?`, models.ResultSuccess, record, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE executions SET succeeded = succeeded + 1, failed = MAX(failed - 1, 0) WHERE id = ?`, executionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) BumpResultAttempts(id int64, reason string) error {
	_, err := s.db.Exec(`UPDATE execution_results SET attempts = attempts + 1, reason = ? WHERE id = ?`, reason, id)
	return err
}

func marshalRecord(rec *models.ListingRecord) (any, error) {
	if rec == nil {
		return nil, nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return string(b), nil
}

// =============================================================================
// Logs
// =============================================================================

func (s *SQLiteStore) Log(executionID *string, level models.LogLevel, message, siteID string) error {
	_, err := s.db.Exec(`
		INSERT INTO scrape_logs (execution_id, timestamp, level, message, site_id)
		VALUES (?, ?, ?, ?, ?)`,
		executionID, time.Now().UTC(), level, message, siteID)
	return err
}

func (s *SQLiteStore) RecentLogs(limit int) ([]models.ScrapeLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, execution_id, timestamp, level, message, site_id
		FROM scrape_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.ScrapeLog
	for rows.Next() {
		var l models.ScrapeLog
		var executionID, siteID sql.NullString
		if err := rows.Scan(&l.ID, &executionID, &l.Timestamp, &l.Level, &l.Message, &siteID); err != nil {
			return nil, err
		}
		if executionID.Valid {
			l.ExecutionID = &executionID.String
		}
		l.SiteID = siteID.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// =============================================================================
// Commands
// =============================================================================

func (s *SQLiteStore) EnqueueCommand(cmd models.CommandType, params models.CommandParams) (int64, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`,
		cmd, string(b), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetPendingCommands() ([]models.Command, error) {
	rows, err := s.db.Query(`
		SELECT id, command, params, created_at FROM commands
		WHERE processed_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			cmd.Params = json.RawMessage(params.String)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(id int64) error {
	_, err := s.db.Exec(`UPDATE commands SET processed_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStore) ParseCommandParams(cmd *models.Command) (*models.CommandParams, error) {
	var params models.CommandParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return nil, err
		}
	}
	return &params, nil
}
