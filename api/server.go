// Package api exposes extraction over HTTP: one-off listing extraction, the
// streaming search extraction used by the web client, and saved searches with
// their execution history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"zonaprop_scrooper/config"
	"zonaprop_scrooper/export"
	"zonaprop_scrooper/models"
	"zonaprop_scrooper/scheduler"
	"zonaprop_scrooper/scraper"
	"zonaprop_scrooper/services"
)

// MaxExtractURLs caps a non-streaming /api/extract request.
const MaxExtractURLs = 20

const defaultChunkLimit = 10

type Runner interface {
	Run(ctx context.Context, src scraper.Source, cfg scraper.RunConfig) <-chan models.ProgressEvent
}

type Store interface {
	ListSavedSearches() ([]models.SavedSearch, error)
	GetSavedSearch(id string) (*models.SavedSearch, error)
	CreateSavedSearch(ss *models.SavedSearch) error
	UpdateSavedSearch(ss *models.SavedSearch) error
	DeleteSavedSearch(id string) (bool, error)
	ListExecutions(savedSearchID string, limit int) ([]models.Execution, error)
	GetExecution(id string) (*models.Execution, error)
	ListResults(executionID string) ([]models.ExecutionResult, error)
	RecentLogs(limit int) ([]models.ScrapeLog, error)
	EnqueueCommand(cmd models.CommandType, params models.CommandParams) (int64, error)
}

type Extractor interface {
	RunByID(ctx context.Context, id string, onEvent func(models.ProgressEvent)) (*models.Execution, error)
	ExportCSV(w io.Writer, executionID string) error
	MarshalStatus() ([]byte, error)
}

// Syncer re-reads saved search schedules.
type Syncer interface {
	Sync() error
	Scheduled() map[string]time.Time
}

type Server struct {
	router    *mux.Router
	site      *config.SiteConfig
	defaults  config.ScraperConfig
	runner    Runner
	store     Store
	extractor Extractor
	syncer    Syncer

	// cancelled on shutdown; saved search runs outlive their request but not the server
	baseCtx context.Context
}

func NewServer(site *config.SiteConfig, defaults config.ScraperConfig, runner Runner, store Store, extractor Extractor) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		site:      site,
		defaults:  defaults,
		runner:    runner,
		store:     store,
		extractor: extractor,
		baseCtx:   context.Background(),
	}
	s.routes()
	return s
}

// SetScheduler makes saved search changes re-sync the schedule.
func (s *Server) SetScheduler(sy Syncer) {
	s.syncer = sy
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(logRequests)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/extract", s.handleExtract).Methods(http.MethodPost)
	api.HandleFunc("/extract-search-stream", s.handleExtractStream).Methods(http.MethodPost)

	api.HandleFunc("/saved-searches", s.handleListSearches).Methods(http.MethodGet)
	api.HandleFunc("/saved-searches", s.handleCreateSearch).Methods(http.MethodPost)
	api.HandleFunc("/saved-searches/{id}", s.handleGetSearch).Methods(http.MethodGet)
	api.HandleFunc("/saved-searches/{id}", s.handleUpdateSearch).Methods(http.MethodPut)
	api.HandleFunc("/saved-searches/{id}", s.handleDeleteSearch).Methods(http.MethodDelete)
	api.HandleFunc("/saved-searches/{id}/executions", s.handleListExecutions).Methods(http.MethodGet)
	api.HandleFunc("/saved-searches/{id}/run", s.handleRunSearch).Methods(http.MethodPost)

	api.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/results", s.handleListResults).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/export.csv", s.handleExportCSV).Methods(http.MethodGet)

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/commands", s.handleEnqueueCommand).Methods(http.MethodPost)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// =============================================================================
// Extraction
// =============================================================================

type extractRequest struct {
	URL        string   `json:"url"`
	URLs       []string `json:"urls"`
	SkipImages bool     `json:"skipImages"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	urls := req.URLs
	single := req.URL != ""
	if single {
		urls = []string{req.URL}
	}
	switch {
	case len(urls) == 0:
		writeError(w, http.StatusBadRequest, "url or urls is required")
		return
	case len(urls) > MaxExtractURLs:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d URLs per request", MaxExtractURLs))
		return
	}
	if invalid := s.foreignURLs(urls); len(invalid) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":       fmt.Sprintf("all URLs must belong to %s", s.site.Host),
			"invalidUrls": invalid,
		})
		return
	}

	cfg := scraper.RunConfig{
		MaxItems:    len(urls),
		Concurrency: s.defaults.Concurrency,
		SkipImages:  req.SkipImages,
	}

	var summary *models.RunSummary
	for e := range s.runner.Run(r.Context(), scraper.Source{URLs: urls}, cfg) {
		if e.Type == models.EventComplete {
			summary = e.Summary
		}
	}
	if summary == nil {
		writeError(w, http.StatusServiceUnavailable, "extraction was cancelled")
		return
	}

	if !single {
		writeJSON(w, http.StatusOK, summary)
		return
	}
	if summary.Succeeded == 1 {
		writeJSON(w, http.StatusOK, models.FetchOutcome{URL: req.URL, Record: summary.Records[0]})
		return
	}
	writeJSON(w, http.StatusOK, models.Failure(req.URL, summary.Failures[0].Reason))
}

type streamRequest struct {
	SearchURL   string   `json:"searchUrl"`
	URLs        []string `json:"urls"`
	StartIndex  int      `json:"startIndex"`
	Limit       *int     `json:"limit"`
	Concurrency int      `json:"concurrency"`
	SkipImages  bool     `json:"skipImages"`
}

// handleExtractStream has two modes. With searchUrl it only discovers and
// sends the urls event. With urls it extracts the chunk starting at
// startIndex.
func (s *Server) handleExtractStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		src scraper.Source
		cfg = scraper.RunConfig{
			Concurrency: req.Concurrency,
			SkipImages:  req.SkipImages,
			MaxPages:    s.defaults.MaxPages,
		}
	)
	switch {
	case req.URLs != nil:
		if invalid := s.foreignURLs(req.URLs); len(invalid) > 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":       fmt.Sprintf("all URLs must belong to %s", s.site.Host),
				"invalidUrls": invalid,
			})
			return
		}
		src = scraper.Source{URLs: req.URLs, StartIndex: req.StartIndex}
		cfg.MaxItems = defaultChunkLimit
		if req.Limit != nil {
			cfg.MaxItems = *req.Limit
		}
	case req.SearchURL != "":
		if !s.site.OwnsURL(req.SearchURL) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("searchUrl must belong to %s", s.site.Host))
			return
		}
		src = scraper.Source{SearchURL: req.SearchURL}
	default:
		writeError(w, http.StatusBadRequest, "searchUrl or urls is required")
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	for e := range s.runner.Run(r.Context(), src, cfg) {
		if err := sse.send(e); err != nil {
			log.Printf("SSE write failed: %v", err)
			// keep draining so the run winds down on context cancellation
		}
	}
}

// =============================================================================
// Saved searches
// =============================================================================

type searchRequest struct {
	Name        string `json:"name"`
	SearchURL   string `json:"searchUrl"`
	URL         string `json:"url"`
	MaxItems    int    `json:"maxItems"`
	Concurrency int    `json:"concurrency"`
	SkipImages  bool   `json:"skipImages"`
	Schedule    string `json:"schedule"`
}

func (s *Server) validateSearch(req *searchRequest) error {
	if req.SearchURL == "" {
		req.SearchURL = req.URL
	}
	if req.Name == "" || req.SearchURL == "" {
		return errors.New("name and searchUrl are required")
	}
	if !s.site.OwnsURL(req.SearchURL) {
		return fmt.Errorf("searchUrl must belong to %s", s.site.Host)
	}
	if req.MaxItems < 0 || req.Concurrency < 0 {
		return errors.New("maxItems and concurrency must not be negative")
	}
	if req.Schedule != "" {
		if err := scheduler.ValidateSpec(req.Schedule); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleListSearches(w http.ResponseWriter, r *http.Request) {
	searches, err := s.store.ListSavedSearches()
	if err != nil {
		writeServerError(w, err)
		return
	}
	if searches == nil {
		searches = []models.SavedSearch{}
	}
	writeJSON(w, http.StatusOK, searches)
}

func (s *Server) handleCreateSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validateSearch(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ss := &models.SavedSearch{
		Name:        req.Name,
		SearchURL:   req.SearchURL,
		MaxItems:    req.MaxItems,
		Concurrency: req.Concurrency,
		SkipImages:  req.SkipImages,
		Schedule:    req.Schedule,
	}
	if err := s.store.CreateSavedSearch(ss); err != nil {
		writeServerError(w, err)
		return
	}
	s.sync()
	writeJSON(w, http.StatusCreated, ss)
}

func (s *Server) handleGetSearch(w http.ResponseWriter, r *http.Request) {
	ss, ok := s.loadSearch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ss)
}

func (s *Server) handleUpdateSearch(w http.ResponseWriter, r *http.Request) {
	ss, ok := s.loadSearch(w, r)
	if !ok {
		return
	}
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validateSearch(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ss.Name = req.Name
	ss.SearchURL = req.SearchURL
	ss.MaxItems = req.MaxItems
	ss.Concurrency = req.Concurrency
	ss.SkipImages = req.SkipImages
	ss.Schedule = req.Schedule
	if err := s.store.UpdateSavedSearch(ss); err != nil {
		writeServerError(w, err)
		return
	}
	s.sync()
	writeJSON(w, http.StatusOK, ss)
}

func (s *Server) handleDeleteSearch(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.DeleteSavedSearch(mux.Vars(r)["id"])
	if err != nil {
		writeServerError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "saved search not found")
		return
	}
	s.sync()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	ss, ok := s.loadSearch(w, r)
	if !ok {
		return
	}
	execs, err := s.store.ListExecutions(ss.ID, queryInt(r, "limit", 50))
	if err != nil {
		writeServerError(w, err)
		return
	}
	if execs == nil {
		execs = []models.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// handleRunSearch streams a saved search run. The run is detached from the
// request: a client that disconnects stops receiving events but the execution
// still runs to the end. Only server shutdown cancels it.
func (s *Server) handleRunSearch(w http.ResponseWriter, r *http.Request) {
	ss, ok := s.loadSearch(w, r)
	if !ok {
		return
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	var sse *sseWriter
	gone := false
	exec, err := s.extractor.RunByID(runCtx, ss.ID, func(e models.ProgressEvent) {
		if gone {
			return
		}
		if sse == nil {
			if sse, ok = newSSEWriter(w); !ok {
				gone = true
				return
			}
		}
		if err := sse.send(e); err != nil {
			log.Printf("SSE client of %s went away, run continues: %v", ss.ID, err)
			gone = true
		}
	})
	switch {
	case errors.Is(err, services.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil && sse == nil:
		writeServerError(w, err)
		return
	case err != nil:
		log.Printf("Run of %s: %v", ss.ID, err)
	}
	if sse == nil {
		// run ended before any event (cancelled)
		writeJSON(w, http.StatusOK, exec)
	}
}

// =============================================================================
// Executions
// =============================================================================

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	results, err := s.store.ListResults(exec.ID)
	if err != nil {
		writeServerError(w, err)
		return
	}
	if results == nil {
		results = []models.ExecutionResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s"`, export.Filename(s.site.ID+"-busqueda", exec.StartedAt)))
	if err := s.extractor.ExportCSV(w, exec.ID); err != nil {
		log.Printf("Export of %s failed: %v", exec.ID, err)
	}
}

// =============================================================================
// Daemon
// =============================================================================

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	b, err := s.extractor.MarshalStatus()
	if err != nil {
		writeServerError(w, err)
		return
	}
	status := map[string]any{}
	if err := json.Unmarshal(b, &status); err != nil {
		writeServerError(w, err)
		return
	}
	if s.syncer != nil {
		status["scheduled"] = s.syncer.Scheduled()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.RecentLogs(queryInt(r, "limit", 100))
	if err != nil {
		writeServerError(w, err)
		return
	}
	if logs == nil {
		logs = []models.ScrapeLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

type commandRequest struct {
	Command       models.CommandType `json:"command"`
	SavedSearchID string             `json:"savedSearchId"`
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Command.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown command %q", req.Command))
		return
	}
	id, err := s.store.EnqueueCommand(req.Command, models.CommandParams{SavedSearchID: req.SavedSearchID})
	if err != nil {
		writeServerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "command": req.Command})
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) loadSearch(w http.ResponseWriter, r *http.Request) (*models.SavedSearch, bool) {
	ss, err := s.store.GetSavedSearch(mux.Vars(r)["id"])
	if err != nil {
		writeServerError(w, err)
		return nil, false
	}
	if ss == nil {
		writeError(w, http.StatusNotFound, "saved search not found")
		return nil, false
	}
	return ss, true
}

func (s *Server) loadExecution(w http.ResponseWriter, r *http.Request) (*models.Execution, bool) {
	exec, err := s.store.GetExecution(mux.Vars(r)["id"])
	if err != nil {
		writeServerError(w, err)
		return nil, false
	}
	if exec == nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return nil, false
	}
	return exec, true
}

func (s *Server) foreignURLs(urls []string) []string {
	invalid := []string{}
	for _, u := range urls {
		if !s.site.OwnsURL(u) {
			invalid = append(invalid, u)
		}
	}
	return invalid
}

func (s *Server) sync() {
	if s.syncer == nil {
		return
	}
	if err := s.syncer.Sync(); err != nil {
		log.Printf("Schedule sync failed: %v", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && n > 0 {
		return n
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeServerError(w http.ResponseWriter, err error) {
	log.Printf("API error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
