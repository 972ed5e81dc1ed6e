// Package scheduler wakes agent containers to run scheduled tasks and stops
// idle ones. Both monitors tick on dedicated goroutines; a failing task never
// crashes the process.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/common/config"
	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/events"
	"github.com/skillfulagents/workstation/internal/events/bus"
	"github.com/skillfulagents/workstation/internal/store"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// TaskStore is the persistence the scheduler needs.
type TaskStore interface {
	CreateScheduledTask(ctx context.Context, task *store.ScheduledTask) (*store.ScheduledTask, error)
	GetScheduledTask(ctx context.Context, id string) (*store.ScheduledTask, error)
	ListScheduledTasks(ctx context.Context) ([]*store.ScheduledTask, error)
	ListScheduledTasksForAgent(ctx context.Context, agentSlug string) ([]*store.ScheduledTask, error)
	DueScheduledTasks(ctx context.Context, now time.Time) ([]*store.ScheduledTask, error)
	UpdateScheduledTaskStatus(ctx context.Context, id, status, lastError string) error
	RearmScheduledTask(ctx context.Context, id string, next time.Time) error
	DeleteScheduledTask(ctx context.Context, id string) error
}

// ContainerStarter wakes agent containers.
type ContainerStarter interface {
	Start(ctx context.Context, agentSlug string) (port int, err error)
}

// SessionRegistrar registers sessions eagerly so they appear in listings
// before the container writes the first log record.
type SessionRegistrar interface {
	Register(agentSlug, sessionID, name, scheduledTaskID string) error
}

// Dispatcher delivers a task prompt to a running container.
type Dispatcher interface {
	Dispatch(ctx context.Context, port int, sessionID, prompt string) error
}

// HTTPDispatcher posts the prompt to the in-container runtime.
type HTTPDispatcher struct {
	Client *http.Client
}

// Dispatch sends the prompt as a new session request.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, port int, sessionID, prompt string) error {
	body, err := json.Marshal(map[string]string{
		"sessionId": sessionID,
		"prompt":    prompt,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/sessions", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent runtime rejected task dispatch: %d", resp.StatusCode)
	}
	return nil
}

// Scheduler runs the periodic due-task sweep.
type Scheduler struct {
	tasks      TaskStore
	containers ContainerStarter
	sessions   SessionRegistrar
	dispatcher Dispatcher
	bus        bus.EventBus
	cfg        config.SchedulerConfig
	logger     *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time // test hook
}

// New creates the scheduler.
func New(tasks TaskStore, containers ContainerStarter, sessions SessionRegistrar, dispatcher Dispatcher, eventBus bus.EventBus, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		tasks:      tasks,
		containers: containers,
		sessions:   sessions,
		dispatcher: dispatcher,
		bus:        eventBus,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "scheduler")),
		now:        time.Now,
	}
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Duration("tick_interval", s.cfg.TickIntervalDuration()))

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop stops the tick loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due pending task once.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.tasks.DueScheduledTasks(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to query due tasks", zap.Error(err))
		return
	}
	for _, task := range due {
		s.execute(ctx, task)
	}
}

// execute runs one task: running -> (done | failed), re-arming recurrences.
func (s *Scheduler) execute(ctx context.Context, task *store.ScheduledTask) {
	log := s.logger.WithFields(
		zap.String("task_id", task.ID),
		zap.String("agent_slug", task.AgentSlug))

	if err := s.tasks.UpdateScheduledTaskStatus(ctx, task.ID, store.TaskStatusRunning, ""); err != nil {
		log.Error("failed to mark task running", zap.Error(err))
		return
	}

	port, err := s.containers.Start(ctx, task.AgentSlug)
	if err != nil {
		s.fail(ctx, task, "failed to start agent: "+err.Error())
		return
	}

	sessionID := uuid.New().String()
	sessionName := task.Name
	if sessionName == "" {
		sessionName = "Scheduled task"
	}
	if err := s.sessions.Register(task.AgentSlug, sessionID, sessionName, task.ID); err != nil {
		s.fail(ctx, task, "failed to register session: "+err.Error())
		return
	}

	if err := s.dispatcher.Dispatch(ctx, port, sessionID, task.Prompt); err != nil {
		s.fail(ctx, task, "failed to dispatch prompt: "+err.Error())
		return
	}

	if err := s.tasks.UpdateScheduledTaskStatus(ctx, task.ID, store.TaskStatusDone, ""); err != nil {
		log.Error("failed to mark task done", zap.Error(err))
		return
	}
	log.Info("scheduled task executed", zap.String("session_id", sessionID))

	if task.Recurrence != "" {
		if next, ok := NextExecution(task.Recurrence, s.now()); ok {
			if err := s.tasks.RearmScheduledTask(ctx, task.ID, next); err != nil {
				log.Error("failed to re-arm recurring task", zap.Error(err))
			}
		} else {
			log.Warn("unparseable recurrence; task stays done",
				zap.String("recurrence", task.Recurrence))
		}
	}
}

func (s *Scheduler) fail(ctx context.Context, task *store.ScheduledTask, message string) {
	s.logger.Error("scheduled task failed",
		zap.String("task_id", task.ID),
		zap.String("error", message))
	if err := s.tasks.UpdateScheduledTaskStatus(ctx, task.ID, store.TaskStatusFailed, message); err != nil {
		s.logger.Error("failed to record task failure", zap.Error(err))
	}
}

// CreateTask persists a task and announces it.
func (s *Scheduler) CreateTask(ctx context.Context, task *store.ScheduledTask) (*store.ScheduledTask, error) {
	if task.AgentSlug == "" {
		return nil, apperr.Validation("agentSlug is required")
	}
	if task.Prompt == "" {
		return nil, apperr.Validation("prompt is required")
	}
	if task.NextExecutionAt.IsZero() {
		return nil, apperr.Validation("nextExecutionAt is required")
	}
	if task.Recurrence != "" {
		if _, ok := NextExecution(task.Recurrence, s.now()); !ok {
			return nil, apperr.Validation("unrecognized recurrence")
		}
	}

	created, err := s.tasks.CreateScheduledTask(ctx, task)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.NewEvent(events.TypeScheduledTaskCreated, "scheduler", events.ScheduledTaskPayload{
		TaskID:    created.ID,
		AgentSlug: created.AgentSlug,
	}))
	return created, nil
}

// Cancel transitions any non-terminal task to cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	task, err := s.tasks.GetScheduledTask(ctx, id)
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		return apperr.Conflict("task already finished")
	}
	return s.tasks.UpdateScheduledTaskStatus(ctx, id, store.TaskStatusCancelled, "")
}

// Reset returns a terminal task to pending.
func (s *Scheduler) Reset(ctx context.Context, id string) error {
	task, err := s.tasks.GetScheduledTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.IsTerminal() {
		return apperr.Conflict("task is not in a terminal state")
	}
	return s.tasks.UpdateScheduledTaskStatus(ctx, id, store.TaskStatusPending, "")
}

// NextExecution computes the next run time for a recurrence spec. Supported:
// "hourly", "daily", "weekly", or a Go duration string like "90m".
func NextExecution(recurrence string, from time.Time) (time.Time, bool) {
	switch recurrence {
	case "hourly":
		return from.Add(time.Hour), true
	case "daily":
		return from.AddDate(0, 0, 1), true
	case "weekly":
		return from.AddDate(0, 0, 7), true
	}
	if d, err := time.ParseDuration(recurrence); err == nil && d > 0 {
		return from.Add(d), true
	}
	return time.Time{}, false
}
