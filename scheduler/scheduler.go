package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"zonaprop_scrooper/config"
	"zonaprop_scrooper/models"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// Extractor is the part of the extraction service the scheduler drives.
type Extractor interface {
	RunAll(ctx context.Context) error
	RunByID(ctx context.Context, id string, onEvent func(models.ProgressEvent)) (*models.Execution, error)
	HandleCommand(ctx context.Context, cmd models.CommandType, params models.CommandParams) error
	IsPaused() bool
}

type Store interface {
	ListSavedSearches() ([]models.SavedSearch, error)
	GetPendingCommands() ([]models.Command, error)
	MarkCommandProcessed(id int64) error
	ParseCommandParams(cmd *models.Command) (*models.CommandParams, error)
}

type entry struct {
	id   cron.EntryID
	spec string
}

type Scheduler struct {
	cfg       config.SchedulerConfig
	extractor Extractor
	store     Store
	cron      *cron.Cron
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopOnce  sync.Once

	mu       sync.Mutex
	ctx      context.Context
	searches map[string]entry

	retryWorker Triggerable
}

func New(cfg config.SchedulerConfig, extractor Extractor, store Store) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		extractor: extractor,
		store:     store,
		cron:      cron.New(),
		stopCh:    make(chan struct{}),
		ctx:       context.Background(),
		searches:  make(map[string]entry),
	}
}

// ValidateSpec reports whether spec is a standard five-field cron expression.
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return nil
}

// SetWorkers registers background workers for manual triggering
func (s *Scheduler) SetWorkers(retry Triggerable) {
	s.retryWorker = retry
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	go s.pollCommands(ctx)

	if s.cfg.Cron != "" {
		log.Printf("Starting scheduler with cron: %s", s.cfg.Cron)
		_, err := s.cron.AddFunc(s.cfg.Cron, func() {
			if err := s.extractor.RunAll(ctx); err != nil {
				log.Printf("Scheduled run error: %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	} else if s.cfg.Interval > 0 {
		log.Printf("Starting scheduler with interval: %s", s.cfg.Interval)
		s.ticker = time.NewTicker(s.cfg.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					if err := s.extractor.RunAll(ctx); err != nil {
						log.Printf("Scheduled run error: %v", err)
					}
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		log.Println("No global schedule configured, running per-search schedules and commands only")
	}

	if err := s.Sync(); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Sync registers a cron entry for every saved search with a schedule and
// drops entries of searches that were deleted or changed. Call it after any
// saved search is created, updated or deleted.
func (s *Scheduler) Sync() error {
	searches, err := s.store.ListSavedSearches()
	if err != nil {
		return fmt.Errorf("list saved searches: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]string, len(searches))
	for _, ss := range searches {
		if ss.Schedule != "" {
			want[ss.ID] = ss.Schedule
		}
	}

	for id, e := range s.searches {
		if spec, ok := want[id]; !ok || spec != e.spec {
			s.cron.Remove(e.id)
			delete(s.searches, id)
		}
	}

	for id, spec := range want {
		if _, ok := s.searches[id]; ok {
			continue
		}
		searchID := id
		entryID, err := s.cron.AddFunc(spec, func() { s.runScheduled(searchID) })
		if err != nil {
			log.Printf("Saved search %s: invalid schedule %q: %v", id, spec, err)
			continue
		}
		s.searches[id] = entry{id: entryID, spec: spec}
	}

	return nil
}

// Scheduled returns the saved search ids that currently have a cron entry
// with their next run time.
func (s *Scheduler) Scheduled() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.searches))
	for id, e := range s.searches {
		out[id] = s.cron.Entry(e.id).Next
	}
	return out
}

func (s *Scheduler) runScheduled(searchID string) {
	if s.extractor.IsPaused() {
		log.Printf("Extraction is paused, skipping scheduled run of %s", searchID)
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	exec, err := s.extractor.RunByID(ctx, searchID, nil)
	if err != nil {
		log.Printf("Scheduled run of %s: %v", searchID, err)
		return
	}
	log.Printf("Scheduled run of %s finished: %s", searchID, exec.Status)
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
	})
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) processCommands(ctx context.Context) {
	cmds, err := s.store.GetPendingCommands()
	if err != nil {
		log.Printf("Error getting commands: %v", err)
		return
	}

	for _, cmd := range cmds {
		log.Printf("Processing command: %s", cmd.Command)
		// marked first so a long run_all is not picked up twice
		if err := s.store.MarkCommandProcessed(cmd.ID); err != nil {
			log.Printf("Error marking command processed: %v", err)
			continue
		}
		if err := s.handleCommand(ctx, &cmd); err != nil {
			log.Printf("Command error: %v", err)
		}
	}
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	switch cmd.Command {
	case models.CmdRetryFailed:
		if s.retryWorker != nil {
			s.retryWorker.Trigger()
			log.Println("Retry worker triggered via command")
		}
		return nil
	default:
		params, err := s.store.ParseCommandParams(cmd)
		if err != nil {
			return err
		}
		return s.extractor.HandleCommand(ctx, cmd.Command, *params)
	}
}

func (s *Scheduler) TriggerNow(ctx context.Context) error {
	return s.extractor.RunAll(ctx)
}
