package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zonaprop_scrooper/models"
)

type memStore struct {
	mu       sync.Mutex
	results  []models.ExecutionResult
	resolved []int64
	bumped   map[int64]string
}

func (s *memStore) ListFailedResults(maxAttempts, limit int) ([]models.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ExecutionResult
	for _, r := range s.results {
		if r.Status == models.ResultFailed && !r.Resolved && r.Attempts < maxAttempts && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) ResolveResult(id int64, rec *models.ListingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = append(s.resolved, id)
	for i := range s.results {
		if s.results[i].ID == id {
			s.results[i].Resolved = true
			s.results[i].Status = models.ResultSuccess
		}
	}
	return nil
}

func (s *memStore) BumpResultAttempts(id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bumped == nil {
		s.bumped = map[int64]string{}
	}
	s.bumped[id] = reason
	for i := range s.results {
		if s.results[i].ID == id {
			s.results[i].Attempts++
		}
	}
	return nil
}

type urlRetrier struct {
	ok    map[string]bool
	calls []string
}

func (r *urlRetrier) Retry(ctx context.Context, res *models.ExecutionResult) (models.FetchOutcome, error) {
	if err := ctx.Err(); err != nil {
		return models.FetchOutcome{}, err
	}
	r.calls = append(r.calls, res.URL)
	if r.ok[res.URL] {
		return models.Success(&models.ListingRecord{URL: res.URL}), nil
	}
	return models.Failure(res.URL, "fetch failed: timeout"), nil
}

func failed(id int64, url string, attempts int) models.ExecutionResult {
	return models.ExecutionResult{ID: id, URL: url, Status: models.ResultFailed, Attempts: attempts}
}

func TestRetryWorker_ProcessBatch(t *testing.T) {
	store := &memStore{results: []models.ExecutionResult{
		failed(1, "https://a", 1),
		failed(2, "https://b", 2),
		failed(3, "https://c", 3),
	}}
	retrier := &urlRetrier{ok: map[string]bool{"https://a": true}}

	var logged []string
	w := NewRetryWorker(store, retrier)
	w.SetLogger(func(level models.LogLevel, source, message string) {
		logged = append(logged, string(level)+" "+message)
	})

	stats := w.ProcessBatch(context.Background(), 10)
	assert.Equal(t, RetryStats{Checked: 2, Recovered: 1, Failed: 1}, stats)
	assert.Equal(t, []string{"https://a", "https://b"}, retrier.calls, "exhausted results are not retried")
	assert.Equal(t, []int64{1}, store.resolved)
	assert.Equal(t, "fetch failed: timeout", store.bumped[2])

	require.Len(t, logged, 2)
	assert.Contains(t, logged[0], "Giving up on https://b after 3 attempts")

	stats = w.ProcessBatch(context.Background(), 10)
	assert.Zero(t, stats.Checked, "nothing left to retry")
}

func TestRetryWorker_MaxAttempts(t *testing.T) {
	store := &memStore{results: []models.ExecutionResult{failed(1, "https://a", 3)}}
	retrier := &urlRetrier{}
	w := NewRetryWorker(store, retrier)
	w.SetMaxAttempts(5)

	stats := w.ProcessBatch(context.Background(), 10)
	assert.Equal(t, 1, stats.Checked)
}

func TestRetryWorker_CancelledAttemptDoesNotCount(t *testing.T) {
	store := &memStore{results: []models.ExecutionResult{failed(1, "https://a", 1)}}
	w := NewRetryWorker(store, &urlRetrier{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats := w.ProcessBatch(ctx, 10)
	assert.Zero(t, stats.Checked)
	assert.Empty(t, store.bumped)
}

func TestRetryWorker_Trigger(t *testing.T) {
	store := &memStore{results: []models.ExecutionResult{failed(1, "https://a", 1)}}
	retrier := &urlRetrier{ok: map[string]bool{"https://a": true}}
	w := NewRetryWorker(store, retrier)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, 10, time.Hour)
	}()

	w.Trigger()
	w.Trigger() // coalesced

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.resolved) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
