package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zonaprop_scrooper/config"
	"zonaprop_scrooper/models"
	"zonaprop_scrooper/scraper"
	"zonaprop_scrooper/storage"
)

// scriptedRunner replays canned events and records what it was asked to run.
type scriptedRunner struct {
	mu      sync.Mutex
	events  func(src scraper.Source) []models.ProgressEvent
	sources []scraper.Source
	configs []scraper.RunConfig
	block   chan struct{}
}

func (r *scriptedRunner) Run(ctx context.Context, src scraper.Source, cfg scraper.RunConfig) <-chan models.ProgressEvent {
	r.mu.Lock()
	r.sources = append(r.sources, src)
	r.configs = append(r.configs, cfg)
	r.mu.Unlock()

	ch := make(chan models.ProgressEvent)
	go func() {
		defer close(ch)
		if r.block != nil {
			select {
			case <-r.block:
			case <-ctx.Done():
				return
			}
		}
		for _, e := range r.events(src) {
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

type fakeWarehouse struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (w *fakeWarehouse) UpsertListing(ctx context.Context, siteID, executionID string, rec *models.ListingRecord) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.urls = append(w.urls, rec.URL)
	return true, w.err
}

type fakeUploader struct {
	key  string
	body string
}

func (u *fakeUploader) Upload(ctx context.Context, key string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	u.key, u.body = key, string(b)
	return err
}

func (u *fakeUploader) PublicURL(key string) string { return "https://exports.test/" + key }

func price(f float64) *float64 { return &f }

func completedRun(src scraper.Source) []models.ProgressEvent {
	a := &models.ListingRecord{URL: "https://www.zonaprop.com.ar/propiedades/a.html", Name: "A", Price: price(100000)}
	return []models.ProgressEvent{
		models.UrlsDiscovered([]string{a.URL, "https://www.zonaprop.com.ar/propiedades/b.html", "https://www.zonaprop.com.ar/propiedades/c.html"}, 45),
		models.ItemStarted(0, a.URL),
		models.ItemStarted(1, "https://www.zonaprop.com.ar/propiedades/b.html"),
		models.ItemSucceeded(0, a),
		models.ItemFailed(1, "https://www.zonaprop.com.ar/propiedades/b.html", "HTTP 404: listing page could not be accessed"),
		models.Complete(models.RunSummary{
			Total: 2, Succeeded: 1, Failed: 1,
			Records:  []*models.ListingRecord{a},
			Failures: []models.ItemFailure{{URL: "https://www.zonaprop.com.ar/propiedades/b.html", Reason: "HTTP 404: listing page could not be accessed"}},
		}),
	}
}

func newTestService(t *testing.T, runner Runner) (*ExtractionService, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		SiteID:  config.DefaultSiteID,
		Sites:   map[string]*config.SiteConfig{config.DefaultSiteID: config.DefaultSite()},
		Scraper: config.ScraperConfig{Concurrency: 4, MaxItems: 25, MaxPages: 3},
	}
	return NewExtractionService(store, runner, cfg), store
}

func saveSearch(t *testing.T, store *storage.SQLiteStore, ss *models.SavedSearch) *models.SavedSearch {
	t.Helper()
	if ss.SearchURL == "" {
		ss.SearchURL = "https://www.zonaprop.com.ar/departamentos-venta-palermo.html"
	}
	require.NoError(t, store.CreateSavedSearch(ss))
	return ss
}

func TestRun_PersistsExecution(t *testing.T) {
	runner := &scriptedRunner{events: completedRun}
	svc, store := newTestService(t, runner)
	wh := &fakeWarehouse{}
	up := &fakeUploader{}
	svc.SetWarehouse(wh)
	svc.SetUploader(up)

	ss := saveSearch(t, store, &models.SavedSearch{Name: "Palermo", SkipImages: true})

	var seen []models.EventType
	exec, err := svc.Run(context.Background(), ss, func(e models.ProgressEvent) {
		seen = append(seen, e.Type)
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, exec.Status)
	assert.Equal(t, 3, exec.URLsFound)
	assert.Equal(t, 45, exec.TotalEstimate)
	assert.Equal(t, 2, exec.Total)
	assert.Equal(t, 1, exec.Succeeded)
	assert.Equal(t, 1, exec.Failed)
	require.NotNil(t, exec.FinishedAt)
	assert.Len(t, seen, 6)
	assert.Equal(t, models.EventComplete, seen[5])

	// saved search values fall back to the configured defaults
	require.Len(t, runner.configs, 1)
	assert.Equal(t, scraper.RunConfig{MaxItems: 25, Concurrency: 4, SkipImages: true, MaxPages: 3}, runner.configs[0])
	assert.Equal(t, ss.SearchURL, runner.sources[0].SearchURL)

	stored, err := store.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
	assert.Equal(t, ss.ID, stored.SavedSearchID)

	results, err := store.ListResults(exec.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, models.ResultSuccess, results[0].Status)
	assert.Equal(t, models.ResultFailed, results[1].Status)
	assert.Equal(t, "HTTP 404: listing page could not be accessed", results[1].Reason)

	assert.Equal(t, []string{"https://www.zonaprop.com.ar/propiedades/a.html"}, wh.urls)

	assert.Equal(t, "exports/"+ss.ID+"/"+exec.ID+".csv", up.key)
	rows, err := csv.NewReader(bytes.NewBufferString(up.body)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 2, "header plus the one success")

	logs, err := store.RecentLogs(50)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestRun_DiscoveryFailureMarksExecutionFailed(t *testing.T) {
	runner := &scriptedRunner{events: func(scraper.Source) []models.ProgressEvent {
		return []models.ProgressEvent{models.BatchError("No properties found. The site may be blocking automated access.")}
	}}
	svc, store := newTestService(t, runner)
	up := &fakeUploader{}
	svc.SetUploader(up)

	exec, err := svc.Run(context.Background(), saveSearch(t, store, &models.SavedSearch{Name: "x", MaxItems: 5}), nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "blocking automated access")
	assert.Empty(t, up.key, "failed executions are not exported")
}

func TestRun_CancelledWithoutComplete(t *testing.T) {
	runner := &scriptedRunner{events: completedRun, block: make(chan struct{})}
	svc, store := newTestService(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec, err := svc.Run(ctx, saveSearch(t, store, &models.SavedSearch{Name: "x"}), nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "cancelled")
}

func TestRun_RejectsConcurrentRunOfSameSearch(t *testing.T) {
	release := make(chan struct{})
	runner := &scriptedRunner{events: completedRun, block: release}
	svc, store := newTestService(t, runner)
	ss := saveSearch(t, store, &models.SavedSearch{Name: "x"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(context.Background(), ss, nil)
	}()

	require.Eventually(t, func() bool {
		return svc.Running()[ss.ID] != ""
	}, time.Second, 5*time.Millisecond)

	_, err := svc.Run(context.Background(), ss, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	<-done
	assert.Empty(t, svc.Running())
}

func TestRunAll_SkipsWhilePaused(t *testing.T) {
	runner := &scriptedRunner{events: completedRun}
	svc, store := newTestService(t, runner)
	saveSearch(t, store, &models.SavedSearch{Name: "a"})
	saveSearch(t, store, &models.SavedSearch{Name: "b"})

	require.NoError(t, svc.HandleCommand(context.Background(), models.CmdPause, models.CommandParams{}))
	require.NoError(t, svc.RunAll(context.Background()))
	assert.Empty(t, runner.sources)

	status, err := svc.MarshalStatus()
	require.NoError(t, err)
	assert.Contains(t, string(status), `"paused":true`)

	require.NoError(t, svc.HandleCommand(context.Background(), models.CmdResume, models.CommandParams{}))
	require.NoError(t, svc.HandleCommand(context.Background(), models.CmdRunAll, models.CommandParams{}))
	assert.Len(t, runner.sources, 2)

	assert.Error(t, svc.HandleCommand(context.Background(), models.CmdRetryFailed, models.CommandParams{}))
}

func TestRetry(t *testing.T) {
	recovered := &models.ListingRecord{URL: "https://www.zonaprop.com.ar/propiedades/b.html", Name: "B"}
	fail := true
	runner := &scriptedRunner{events: func(src scraper.Source) []models.ProgressEvent {
		if fail {
			return []models.ProgressEvent{
				models.ItemStarted(0, src.URLs[0]),
				models.ItemFailed(0, src.URLs[0], "fetch failed: timeout"),
				models.Complete(models.RunSummary{Total: 1, Failed: 1}),
			}
		}
		return []models.ProgressEvent{
			models.ItemStarted(0, src.URLs[0]),
			models.ItemSucceeded(0, recovered),
			models.Complete(models.RunSummary{Total: 1, Succeeded: 1}),
		}
	}}
	svc, _ := newTestService(t, runner)
	wh := &fakeWarehouse{err: errors.New("db down")}
	svc.SetWarehouse(wh)

	r := &models.ExecutionResult{ExecutionID: "e1", URL: recovered.URL}

	out, err := svc.Retry(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, out.Succeeded())
	assert.Equal(t, "fetch failed: timeout", out.Reason)

	fail = false
	out, err = svc.Retry(context.Background(), r)
	require.NoError(t, err, "warehouse errors do not fail the retry")
	require.True(t, out.Succeeded())
	assert.Equal(t, "B", out.Record.Name)

	require.Len(t, runner.sources, 2)
	assert.Equal(t, []string{recovered.URL}, runner.sources[0].URLs)
	assert.Equal(t, scraper.RunConfig{MaxItems: 1, Concurrency: 1}, runner.configs[0])
	assert.Equal(t, []string{recovered.URL}, wh.urls)
}
