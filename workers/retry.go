package workers

import (
	"context"
	"fmt"
	"log"
	"time"

	"zonaprop_scrooper/models"
)

// DefaultMaxAttempts is how many fetches a URL gets in total, the first
// extraction included.
const DefaultMaxAttempts = 3

// LogFunc receives worker progress; serve routes it into scrape_logs.
type LogFunc func(level models.LogLevel, source, message string)

func noopLog(models.LogLevel, string, string) {}

type RetryStore interface {
	ListFailedResults(maxAttempts, limit int) ([]models.ExecutionResult, error)
	ResolveResult(id int64, rec *models.ListingRecord) error
	BumpResultAttempts(id int64, reason string) error
}

// Retrier fetches one failed URL again.
type Retrier interface {
	Retry(ctx context.Context, r *models.ExecutionResult) (models.FetchOutcome, error)
}

// RetryWorker re-fetches listing URLs that failed during an execution until
// they succeed or run out of attempts.
type RetryWorker struct {
	store       RetryStore
	retrier     Retrier
	maxAttempts int
	triggerCh   chan struct{}
	logFunc     LogFunc
}

func NewRetryWorker(store RetryStore, retrier Retrier) *RetryWorker {
	return &RetryWorker{
		store:       store,
		retrier:     retrier,
		maxAttempts: DefaultMaxAttempts,
		triggerCh:   make(chan struct{}, 1),
		logFunc:     noopLog,
	}
}

func (w *RetryWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

func (w *RetryWorker) SetMaxAttempts(n int) {
	if n > 0 {
		w.maxAttempts = n
	}
}

// Trigger causes the worker to run immediately
func (w *RetryWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *RetryWorker) Run(ctx context.Context, batchSize int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Retry worker stopping")
			return
		case <-ticker.C:
			w.ProcessBatch(ctx, batchSize)
		case <-w.triggerCh:
			log.Println("Retry worker triggered manually")
			w.ProcessBatch(ctx, batchSize)
		}
	}
}

// RetryStats counts what one batch did.
type RetryStats struct {
	Checked   int
	Recovered int
	Failed    int
}

func (w *RetryWorker) ProcessBatch(ctx context.Context, batchSize int) RetryStats {
	var stats RetryStats

	results, err := w.store.ListFailedResults(w.maxAttempts, batchSize)
	if err != nil {
		log.Printf("Retry: query error: %v", err)
		return stats
	}
	if len(results) == 0 {
		return stats
	}

	log.Printf("Retry: retrying %d failed URLs", len(results))

	for i := range results {
		if ctx.Err() != nil {
			break
		}
		r := &results[i]

		out, err := w.retrier.Retry(ctx, r)
		if err != nil {
			// cancelled mid-fetch; the attempt does not count
			break
		}
		stats.Checked++

		if out.Succeeded() {
			if err := w.store.ResolveResult(r.ID, out.Record); err != nil {
				log.Printf("Retry: resolve %d: %v", r.ID, err)
				continue
			}
			stats.Recovered++
			continue
		}

		stats.Failed++
		if err := w.store.BumpResultAttempts(r.ID, out.Reason); err != nil {
			log.Printf("Retry: bump %d: %v", r.ID, err)
		}
		if r.Attempts+1 >= w.maxAttempts {
			w.logFunc(models.LogLevelWarn, "retry", fmt.Sprintf("Giving up on %s after %d attempts: %s", r.URL, r.Attempts+1, out.Reason))
		}
	}

	if stats.Checked > 0 {
		msg := fmt.Sprintf("Retry batch: %d checked, %d recovered, %d still failing", stats.Checked, stats.Recovered, stats.Failed)
		log.Printf("Retry: %s", msg)
		w.logFunc(models.LogLevelInfo, "retry", msg)
	}
	return stats
}
