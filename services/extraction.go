package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"zonaprop_scrooper/config"
	"zonaprop_scrooper/export"
	"zonaprop_scrooper/logging"
	"zonaprop_scrooper/models"
	"zonaprop_scrooper/scraper"
	"zonaprop_scrooper/storage"
)

var ErrAlreadyRunning = errors.New("saved search is already running")

// Runner streams the progress of one extraction. *scraper.Orchestrator
// satisfies it.
type Runner interface {
	Run(ctx context.Context, src scraper.Source, cfg scraper.RunConfig) <-chan models.ProgressEvent
}

// ExecutionStore is the persistence the service needs. *storage.SQLiteStore
// satisfies it.
type ExecutionStore interface {
	GetSavedSearch(id string) (*models.SavedSearch, error)
	ListSavedSearches() ([]models.SavedSearch, error)
	CreateExecution(e *models.Execution) error
	UpdateExecution(e *models.Execution) error
	SaveResult(r *models.ExecutionResult) error
	ListResults(executionID string) ([]models.ExecutionResult, error)
	Log(executionID *string, level models.LogLevel, message, siteID string) error
}

// ListingWarehouse keeps the latest state of every listing seen.
type ListingWarehouse interface {
	UpsertListing(ctx context.Context, siteID, executionID string, rec *models.ListingRecord) (bool, error)
}

type Uploader interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error
	PublicURL(key string) string
}

// ExtractionService runs saved searches end to end: it drives the
// orchestrator, persists every outcome and keeps the execution record current.
type ExtractionService struct {
	store     ExecutionStore
	runner    Runner
	warehouse ListingWarehouse
	uploader  Uploader
	siteID    string
	defaults  config.ScraperConfig

	paused  atomic.Bool
	mu      sync.Mutex
	running map[string]string // saved search id -> execution id
}

func NewExtractionService(store ExecutionStore, runner Runner, cfg *config.Config) *ExtractionService {
	return &ExtractionService{
		store:    store,
		runner:   runner,
		siteID:   cfg.Site().ID,
		defaults: cfg.Scraper,
		running:  make(map[string]string),
	}
}

// SetWarehouse enables upserting successful records into the listing warehouse.
func (s *ExtractionService) SetWarehouse(w ListingWarehouse) {
	s.warehouse = w
}

// SetUploader enables uploading each completed execution as CSV.
func (s *ExtractionService) SetUploader(u Uploader) {
	s.uploader = u
}

// Run executes one saved search. onEvent, when set, sees every progress event
// after it has been persisted. The returned execution carries the final
// status; err is only set when the run could not be recorded.
func (s *ExtractionService) Run(ctx context.Context, search *models.SavedSearch, onEvent func(models.ProgressEvent)) (*models.Execution, error) {
	if search.ID != "" {
		if err := s.claim(search.ID); err != nil {
			return nil, err
		}
		defer s.release(search.ID)
	}

	exec := &models.Execution{
		SavedSearchID: search.ID,
		SearchURL:     search.SearchURL,
		Status:        models.RunStatusRunning,
	}
	if err := s.store.CreateExecution(exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	if search.ID != "" {
		s.mu.Lock()
		s.running[search.ID] = exec.ID
		s.mu.Unlock()
	}

	cfg := s.runConfig(search)
	s.log(exec.ID, models.LogLevelInfo, fmt.Sprintf("Starting %q: %s (max %d, concurrency %d)",
		search.Name, search.SearchURL, cfg.MaxItems, cfg.Concurrency))

	terminal := false
	for e := range s.runner.Run(ctx, scraper.Source{SearchURL: search.SearchURL}, cfg) {
		if err := s.record(ctx, exec, e); err != nil {
			s.log(exec.ID, models.LogLevelError, fmt.Sprintf("Persist %s event: %v", e.Type, err))
		}
		if e.Terminal() {
			terminal = true
		}
		if onEvent != nil {
			onEvent(e)
		}
	}

	if !terminal {
		exec.Status = models.RunStatusFailed
		exec.ErrorMessage = "cancelled"
		if err := ctx.Err(); err != nil {
			exec.ErrorMessage = fmt.Sprintf("cancelled: %v", err)
		}
	}
	now := time.Now().UTC()
	exec.FinishedAt = &now
	if err := s.store.UpdateExecution(exec); err != nil {
		return exec, fmt.Errorf("update execution: %w", err)
	}

	switch exec.Status {
	case models.RunStatusCompleted:
		s.log(exec.ID, models.LogLevelInfo, fmt.Sprintf("Completed: %d/%d extracted, %d failed",
			exec.Succeeded, exec.Total, exec.Failed))
		s.upload(context.WithoutCancel(ctx), exec)
	default:
		s.log(exec.ID, models.LogLevelWarn, fmt.Sprintf("Ended %s: %s", exec.Status, exec.ErrorMessage))
	}

	return exec, nil
}

// RunByID loads and runs a saved search.
func (s *ExtractionService) RunByID(ctx context.Context, id string, onEvent func(models.ProgressEvent)) (*models.Execution, error) {
	search, err := s.store.GetSavedSearch(id)
	if err != nil {
		return nil, err
	}
	if search == nil {
		return nil, fmt.Errorf("saved search %s not found", id)
	}
	return s.Run(ctx, search, onEvent)
}

// RunAll runs every saved search one after the other. It does nothing while
// paused.
func (s *ExtractionService) RunAll(ctx context.Context) error {
	if s.IsPaused() {
		log.Println("Extraction is paused, skipping run")
		return nil
	}

	searches, err := s.store.ListSavedSearches()
	if err != nil {
		return fmt.Errorf("list saved searches: %w", err)
	}

	for i := range searches {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.Run(ctx, &searches[i], nil); err != nil {
			log.Printf("Error running saved search %s: %v", searches[i].ID, err)
		}
	}
	return nil
}

// Retry fetches a previously failed URL again through the orchestrator as a
// one-element URL list. A recovered record is upserted into the warehouse.
func (s *ExtractionService) Retry(ctx context.Context, r *models.ExecutionResult) (models.FetchOutcome, error) {
	out := models.Failure(r.URL, "retry produced no outcome")

	src := scraper.Source{URLs: []string{r.URL}}
	for e := range s.runner.Run(ctx, src, scraper.RunConfig{MaxItems: 1, Concurrency: 1}) {
		switch e.Type {
		case models.EventItemSucceeded:
			out = models.FetchOutcome{URL: r.URL, Record: e.Record}
		case models.EventItemFailed:
			out = models.Failure(r.URL, e.Reason)
		}
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}

	if out.Succeeded() && s.warehouse != nil {
		if _, err := s.warehouse.UpsertListing(ctx, s.siteID, r.ExecutionID, out.Record); err != nil {
			log.Printf("Warehouse upsert for %s failed: %v", r.URL, err)
		}
	}
	return out, nil
}

// ExportCSV writes the successful records of an execution in index order.
func (s *ExtractionService) ExportCSV(w io.Writer, executionID string) error {
	results, err := s.store.ListResults(executionID)
	if err != nil {
		return err
	}
	records := make([]models.ListingRecord, 0, len(results))
	for _, r := range results {
		if r.Status == models.ResultSuccess && r.Record != nil {
			records = append(records, *r.Record)
		}
	}
	return export.WriteCSV(w, records)
}

// HandleCommand applies a queued daemon command.
func (s *ExtractionService) HandleCommand(ctx context.Context, cmd models.CommandType, params models.CommandParams) error {
	switch cmd {
	case models.CmdRunAll:
		return s.RunAll(ctx)
	case models.CmdRunSearch:
		if params.SavedSearchID == "" {
			return s.RunAll(ctx)
		}
		_, err := s.RunByID(ctx, params.SavedSearchID, nil)
		return err
	case models.CmdPause:
		s.Pause()
	case models.CmdResume:
		s.Resume()
	default:
		return fmt.Errorf("unsupported command %q", cmd)
	}
	return nil
}

func (s *ExtractionService) Pause() {
	s.paused.Store(true)
	log.Println("Extraction paused")
}

func (s *ExtractionService) Resume() {
	s.paused.Store(false)
	log.Println("Extraction resumed")
}

func (s *ExtractionService) IsPaused() bool {
	return s.paused.Load()
}

// Running returns saved search id -> execution id for runs in progress.
func (s *ExtractionService) Running() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.running))
	for k, v := range s.running {
		out[k] = v
	}
	return out
}

func (s *ExtractionService) MarshalStatus() ([]byte, error) {
	status := map[string]interface{}{
		"paused":  s.IsPaused(),
		"site":    s.siteID,
		"running": s.Running(),
	}
	return json.Marshal(status)
}

func (s *ExtractionService) claim(searchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[searchID]; ok {
		return ErrAlreadyRunning
	}
	s.running[searchID] = ""
	return nil
}

func (s *ExtractionService) release(searchID string) {
	s.mu.Lock()
	delete(s.running, searchID)
	s.mu.Unlock()
}

func (s *ExtractionService) runConfig(search *models.SavedSearch) scraper.RunConfig {
	cfg := scraper.RunConfig{
		MaxItems:    search.MaxItems,
		Concurrency: search.Concurrency,
		SkipImages:  search.SkipImages,
		MaxPages:    s.defaults.MaxPages,
	}
	// a saved search always extracts; discovery-only is a streaming API mode
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = s.defaults.MaxItems
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = s.defaults.Concurrency
	}
	return cfg
}

func (s *ExtractionService) record(ctx context.Context, exec *models.Execution, e models.ProgressEvent) error {
	switch e.Type {
	case models.EventUrlsDiscovered:
		exec.URLsFound = len(e.URLs)
		exec.TotalEstimate = e.TotalEstimate
		s.log(exec.ID, models.LogLevelInfo, fmt.Sprintf("Discovered %d URLs (estimate %d)", len(e.URLs), e.TotalEstimate))
		return s.store.UpdateExecution(exec)

	case models.EventItemSucceeded:
		err := s.store.SaveResult(&models.ExecutionResult{
			ExecutionID: exec.ID,
			Index:       e.Index,
			URL:         e.URL,
			Status:      models.ResultSuccess,
			Record:      e.Record,
		})
		if err != nil {
			return err
		}
		if s.warehouse != nil {
			changed, err := s.warehouse.UpsertListing(ctx, s.siteID, exec.ID, e.Record)
			if err != nil {
				return fmt.Errorf("warehouse: %w", err)
			}
			if changed {
				logging.Debugf("Price recorded for %s", e.URL)
			}
		}
		return nil

	case models.EventItemFailed:
		return s.store.SaveResult(&models.ExecutionResult{
			ExecutionID: exec.ID,
			Index:       e.Index,
			URL:         e.URL,
			Status:      models.ResultFailed,
			Reason:      e.Reason,
		})

	case models.EventBatchError:
		exec.Status = models.RunStatusFailed
		exec.ErrorMessage = e.Reason

	case models.EventComplete:
		exec.Status = models.RunStatusCompleted
		exec.Total = e.Summary.Total
		exec.Succeeded = e.Summary.Succeeded
		exec.Failed = e.Summary.Failed
	}
	return nil
}

func (s *ExtractionService) upload(ctx context.Context, exec *models.Execution) {
	if s.uploader == nil || exec.Succeeded == 0 {
		return
	}
	var buf bytes.Buffer
	if err := s.ExportCSV(&buf, exec.ID); err != nil {
		s.log(exec.ID, models.LogLevelError, fmt.Sprintf("Export CSV: %v", err))
		return
	}
	key := storage.ExportKey(exec.SavedSearchID, exec.ID)
	if err := s.uploader.Upload(ctx, key, &buf, "text/csv; charset=utf-8"); err != nil {
		s.log(exec.ID, models.LogLevelError, fmt.Sprintf("Upload CSV: %v", err))
		return
	}
	s.log(exec.ID, models.LogLevelInfo, "Uploaded "+s.uploader.PublicURL(key))
}

func (s *ExtractionService) log(executionID string, level models.LogLevel, message string) {
	log.Printf("[%s] %s: %s", level, s.siteID, message)
	if err := s.store.Log(&executionID, level, message, s.siteID); err != nil {
		log.Printf("Failed to persist log: %v", err)
	}
}
