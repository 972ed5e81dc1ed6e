package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillfulagents/workstation/internal/common/config"
	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/events/bus"
	"github.com/skillfulagents/workstation/internal/store"
)

// memTaskStore is an in-memory TaskStore for scheduler tests.
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*store.ScheduledTask
	seq   int
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: map[string]*store.ScheduledTask{}}
}

func (m *memTaskStore) CreateScheduledTask(_ context.Context, task *store.ScheduledTask) (*store.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if task.ID == "" {
		task.ID = "task-" + time.Now().Format("150405") + "-" + string(rune('a'+m.seq))
	}
	if task.Status == "" {
		task.Status = store.TaskStatusPending
	}
	copied := *task
	m.tasks[task.ID] = &copied
	return task, nil
}

func (m *memTaskStore) GetScheduledTask(_ context.Context, id string) (*store.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, errors.New("task not found")
	}
	copied := *task
	return &copied, nil
}

func (m *memTaskStore) ListScheduledTasks(_ context.Context) ([]*store.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*store.ScheduledTask{}
	for _, task := range m.tasks {
		copied := *task
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memTaskStore) ListScheduledTasksForAgent(ctx context.Context, agentSlug string) ([]*store.ScheduledTask, error) {
	all, _ := m.ListScheduledTasks(ctx)
	out := []*store.ScheduledTask{}
	for _, task := range all {
		if task.AgentSlug == agentSlug {
			out = append(out, task)
		}
	}
	return out, nil
}

func (m *memTaskStore) DueScheduledTasks(_ context.Context, now time.Time) ([]*store.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*store.ScheduledTask{}
	for _, task := range m.tasks {
		if task.Status == store.TaskStatusPending && !task.NextExecutionAt.After(now) {
			copied := *task
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memTaskStore) UpdateScheduledTaskStatus(_ context.Context, id, status, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return errors.New("task not found")
	}
	task.Status = status
	task.LastError = lastError
	return nil
}

func (m *memTaskStore) RearmScheduledTask(_ context.Context, id string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return errors.New("task not found")
	}
	task.Status = store.TaskStatusPending
	task.LastError = ""
	task.NextExecutionAt = next
	return nil
}

func (m *memTaskStore) DeleteScheduledTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

type fakeStarter struct {
	mu       sync.Mutex
	startErr error
	started  []string
}

func (f *fakeStarter) Start(_ context.Context, agentSlug string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.started = append(f.started, agentSlug)
	return 18080, nil
}

type fakeRegistrar struct {
	mu       sync.Mutex
	sessions []string
	taskIDs  []string
}

func (f *fakeRegistrar) Register(agentSlug, sessionID, name, scheduledTaskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	f.taskIDs = append(f.taskIDs, scheduledTaskID)
	return nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	err      error
	prompts  []string
	sessions []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ int, sessionID, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.prompts = append(f.prompts, prompt)
	f.sessions = append(f.sessions, sessionID)
	return nil
}

func newTestScheduler(tasks TaskStore, starter ContainerStarter, registrar SessionRegistrar, dispatcher Dispatcher) *Scheduler {
	cfg := config.SchedulerConfig{TickInterval: 30, AutoSleepInterval: 60}
	eventBus := bus.NewMemoryEventBus(logger.Default())
	return New(tasks, starter, registrar, dispatcher, eventBus, cfg, logger.Default())
}

func TestTickExecutesDueTask(t *testing.T) {
	tasks := newMemTaskStore()
	starter := &fakeStarter{}
	registrar := &fakeRegistrar{}
	dispatcher := &fakeDispatcher{}
	s := newTestScheduler(tasks, starter, registrar, dispatcher)

	ctx := context.Background()
	task, err := tasks.CreateScheduledTask(ctx, &store.ScheduledTask{
		AgentSlug:       "a1",
		Prompt:          "summarize inbox",
		NextExecutionAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	s.Tick(ctx)

	got, err := tasks.GetScheduledTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusDone, got.Status)
	assert.Equal(t, []string{"a1"}, starter.started)
	require.Len(t, registrar.sessions, 1)
	assert.Equal(t, []string{task.ID}, registrar.taskIDs)
	assert.Equal(t, []string{"summarize inbox"}, dispatcher.prompts)
	// The dispatched session is the one registered eagerly.
	assert.Equal(t, registrar.sessions, dispatcher.sessions)
}

func TestTickIgnoresFutureAndNonPending(t *testing.T) {
	tasks := newMemTaskStore()
	dispatcher := &fakeDispatcher{}
	s := newTestScheduler(tasks, &fakeStarter{}, &fakeRegistrar{}, dispatcher)

	ctx := context.Background()
	_, err := tasks.CreateScheduledTask(ctx, &store.ScheduledTask{
		AgentSlug:       "a1",
		Prompt:          "later",
		NextExecutionAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	cancelled, err := tasks.CreateScheduledTask(ctx, &store.ScheduledTask{
		AgentSlug:       "a1",
		Prompt:          "cancelled",
		NextExecutionAt: time.Now().Add(-time.Hour),
		Status:          store.TaskStatusCancelled,
	})
	require.NoError(t, err)

	s.Tick(ctx)

	assert.Empty(t, dispatcher.prompts)
	got, _ := tasks.GetScheduledTask(ctx, cancelled.ID)
	assert.Equal(t, store.TaskStatusCancelled, got.Status)
}

func TestStartFailureMarksFailedWithError(t *testing.T) {
	tasks := newMemTaskStore()
	starter := &fakeStarter{startErr: errors.New("runtime unavailable")}
	s := newTestScheduler(tasks, starter, &fakeRegistrar{}, &fakeDispatcher{})

	ctx := context.Background()
	task, err := tasks.CreateScheduledTask(ctx, &store.ScheduledTask{
		AgentSlug:       "a1",
		Prompt:          "p",
		NextExecutionAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	s.Tick(ctx)

	got, err := tasks.GetScheduledTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "runtime unavailable")
}

func TestRecurringTaskRearmsOnSuccess(t *testing.T) {
	tasks := newMemTaskStore()
	s := newTestScheduler(tasks, &fakeStarter{}, &fakeRegistrar{}, &fakeDispatcher{})

	ctx := context.Background()
	before := time.Now()
	task, err := tasks.CreateScheduledTask(ctx, &store.ScheduledTask{
		AgentSlug:       "a1",
		Prompt:          "p",
		NextExecutionAt: before.Add(-time.Minute),
		Recurrence:      "daily",
	})
	require.NoError(t, err)

	s.Tick(ctx)

	got, err := tasks.GetScheduledTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusPending, got.Status)
	assert.True(t, got.NextExecutionAt.After(before.Add(23*time.Hour)))
}

func TestRecurringTaskStaysFailedOnError(t *testing.T) {
	tasks := newMemTaskStore()
	dispatcher := &fakeDispatcher{err: errors.New("dispatch refused")}
	s := newTestScheduler(tasks, &fakeStarter{}, &fakeRegistrar{}, dispatcher)

	ctx := context.Background()
	task, err := tasks.CreateScheduledTask(ctx, &store.ScheduledTask{
		AgentSlug:       "a1",
		Prompt:          "p",
		NextExecutionAt: time.Now().Add(-time.Minute),
		Recurrence:      "daily",
	})
	require.NoError(t, err)

	s.Tick(ctx)

	got, err := tasks.GetScheduledTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "dispatch refused")
}

func TestCancelAndReset(t *testing.T) {
	tasks := newMemTaskStore()
	s := newTestScheduler(tasks, &fakeStarter{}, &fakeRegistrar{}, &fakeDispatcher{})

	ctx := context.Background()
	task, err := s.CreateTask(ctx, &store.ScheduledTask{
		AgentSlug:       "a1",
		Prompt:          "p",
		NextExecutionAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, task.ID))
	got, _ := tasks.GetScheduledTask(ctx, task.ID)
	assert.Equal(t, store.TaskStatusCancelled, got.Status)

	// Cancelling a terminal task conflicts.
	assert.Error(t, s.Cancel(ctx, task.ID))

	require.NoError(t, s.Reset(ctx, task.ID))
	got, _ = tasks.GetScheduledTask(ctx, task.ID)
	assert.Equal(t, store.TaskStatusPending, got.Status)

	// Resetting a non-terminal task conflicts.
	assert.Error(t, s.Reset(ctx, task.ID))
}

func TestCreateTaskValidation(t *testing.T) {
	s := newTestScheduler(newMemTaskStore(), &fakeStarter{}, &fakeRegistrar{}, &fakeDispatcher{})
	ctx := context.Background()

	_, err := s.CreateTask(ctx, &store.ScheduledTask{Prompt: "p", NextExecutionAt: time.Now()})
	assert.Error(t, err)
	_, err = s.CreateTask(ctx, &store.ScheduledTask{AgentSlug: "a1", NextExecutionAt: time.Now()})
	assert.Error(t, err)
	_, err = s.CreateTask(ctx, &store.ScheduledTask{
		AgentSlug: "a1", Prompt: "p", NextExecutionAt: time.Now(), Recurrence: "fortnightly-ish",
	})
	assert.Error(t, err)
}

func TestNextExecution(t *testing.T) {
	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	next, ok := NextExecution("daily", from)
	require.True(t, ok)
	assert.Equal(t, from.AddDate(0, 0, 1), next)

	next, ok = NextExecution("90m", from)
	require.True(t, ok)
	assert.Equal(t, from.Add(90*time.Minute), next)

	_, ok = NextExecution("sometimes", from)
	assert.False(t, ok)
}
