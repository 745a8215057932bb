package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zonaprop_scrooper/config"
	"zonaprop_scrooper/models"
)

type fakeExtractor struct {
	mu       sync.Mutex
	paused   bool
	runAll   int
	runByID  []string
	commands []models.CommandType
}

func (f *fakeExtractor) RunAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runAll++
	return nil
}

func (f *fakeExtractor) RunByID(ctx context.Context, id string, onEvent func(models.ProgressEvent)) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runByID = append(f.runByID, id)
	return &models.Execution{ID: "e-" + id, Status: models.RunStatusCompleted}, nil
}

func (f *fakeExtractor) HandleCommand(ctx context.Context, cmd models.CommandType, params models.CommandParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeExtractor) IsPaused() bool { return f.paused }

type fakeStore struct {
	searches  []models.SavedSearch
	pending   []models.Command
	processed []int64
}

func (s *fakeStore) ListSavedSearches() ([]models.SavedSearch, error) { return s.searches, nil }

func (s *fakeStore) GetPendingCommands() ([]models.Command, error) {
	out := s.pending
	s.pending = nil
	return out, nil
}

func (s *fakeStore) MarkCommandProcessed(id int64) error {
	s.processed = append(s.processed, id)
	return nil
}

func (s *fakeStore) ParseCommandParams(cmd *models.Command) (*models.CommandParams, error) {
	var p models.CommandParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &p); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

type countingTrigger struct{ n int }

func (c *countingTrigger) Trigger() { c.n++ }

func TestSync(t *testing.T) {
	store := &fakeStore{searches: []models.SavedSearch{
		{ID: "a", Schedule: "0 8 * * *"},
		{ID: "b", Schedule: ""},
		{ID: "c", Schedule: "not a cron"},
	}}
	s := New(config.SchedulerConfig{}, &fakeExtractor{}, store)

	require.NoError(t, s.Sync())
	sched := s.Scheduled()
	assert.Len(t, sched, 1)
	assert.Contains(t, sched, "a")
	assert.Len(t, s.cron.Entries(), 1)

	store.searches = []models.SavedSearch{
		{ID: "a", Schedule: "30 9 * * 1"},
		{ID: "d", Schedule: "@hourly"},
	}
	require.NoError(t, s.Sync())
	assert.Len(t, s.cron.Entries(), 2, "changed schedule replaces the entry")
	assert.Equal(t, "30 9 * * 1", s.searches["a"].spec)

	store.searches = nil
	require.NoError(t, s.Sync())
	assert.Empty(t, s.cron.Entries())
}

func TestRunScheduled(t *testing.T) {
	ex := &fakeExtractor{}
	s := New(config.SchedulerConfig{}, ex, &fakeStore{})

	s.runScheduled("a")
	assert.Equal(t, []string{"a"}, ex.runByID)

	ex.paused = true
	s.runScheduled("a")
	assert.Len(t, ex.runByID, 1, "paused skips scheduled runs")
}

func TestProcessCommands(t *testing.T) {
	ex := &fakeExtractor{}
	store := &fakeStore{pending: []models.Command{
		{ID: 1, Command: models.CmdRetryFailed},
		{ID: 2, Command: models.CmdRunSearch, Params: json.RawMessage(`{"saved_search_id":"a"}`)},
		{ID: 3, Command: models.CmdPause},
	}}
	retry := &countingTrigger{}

	s := New(config.SchedulerConfig{}, ex, store)
	s.SetWorkers(retry)
	s.processCommands(context.Background())

	assert.Equal(t, 1, retry.n)
	assert.Equal(t, []models.CommandType{models.CmdRunSearch, models.CmdPause}, ex.commands)
	assert.Equal(t, []int64{1, 2, 3}, store.processed)
}

func TestStartRejectsBadGlobalCron(t *testing.T) {
	s := New(config.SchedulerConfig{Cron: "every day"}, &fakeExtractor{}, &fakeStore{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Error(t, s.Start(ctx))
	s.Stop()
}

func TestStartStop(t *testing.T) {
	ex := &fakeExtractor{}
	s := New(config.SchedulerConfig{Cron: "@daily"}, ex, &fakeStore{searches: []models.SavedSearch{{ID: "a", Schedule: "@hourly"}}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.Len(t, s.cron.Entries(), 2)
	require.NoError(t, s.TriggerNow(ctx))
	assert.Equal(t, 1, ex.runAll)

	s.Stop()
	s.Stop()
}

func TestValidateSpec(t *testing.T) {
	assert.NoError(t, ValidateSpec("0 8 * * *"))
	assert.NoError(t, ValidateSpec("@every 6h"))
	assert.Error(t, ValidateSpec("0 0 8 * * *"))
	assert.Error(t, ValidateSpec(""))
}
