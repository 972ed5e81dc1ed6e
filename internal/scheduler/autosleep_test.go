package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/skillfulagents/workstation/internal/common/config"
	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/container"
)

type fakeFleet struct {
	mu       sync.Mutex
	statuses map[string]container.Status
	started  map[string]time.Time
	stopped  []string
}

func (f *fakeFleet) Statuses() map[string]container.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]container.Status{}
	for k, v := range f.statuses {
		out[k] = v
	}
	return out
}

func (f *fakeFleet) StartedAt(agentSlug string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.started[agentSlug]
	return t, ok
}

func (f *fakeFleet) Stop(_ context.Context, agentSlug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, agentSlug)
	return nil
}

type fakeActivity map[string]time.Time

func (f fakeActivity) LastActivityAt(agentSlug string) (time.Time, bool) {
	t, ok := f[agentSlug]
	return t, ok
}

type fixedTimeout time.Duration

func (f fixedTimeout) AutoSleepTimeout() time.Duration { return time.Duration(f) }

func newTestAutoSleep(fleet *fakeFleet, activity fakeActivity, timeout time.Duration) *AutoSleep {
	cfg := config.SchedulerConfig{TickInterval: 30, AutoSleepInterval: 60}
	return NewAutoSleep(fleet, activity, fixedTimeout(timeout), cfg, logger.Default())
}

func TestIdleAgentIsStopped(t *testing.T) {
	now := time.Now()
	fleet := &fakeFleet{
		statuses: map[string]container.Status{
			"idle":   {Status: container.StatusRunning, Port: 1},
			"busy":   {Status: container.StatusRunning, Port: 2},
			"asleep": {Status: container.StatusStopped},
		},
		started: map[string]time.Time{
			"idle": now.Add(-time.Hour),
			"busy": now.Add(-time.Hour),
		},
	}
	activity := fakeActivity{
		"idle": now.Add(-30 * time.Minute),
		"busy": now.Add(-30 * time.Second),
	}

	a := newTestAutoSleep(fleet, activity, time.Minute)
	a.Tick(context.Background())

	assert.Equal(t, []string{"idle"}, fleet.stopped)
}

func TestRecentStartCountsAsActivity(t *testing.T) {
	now := time.Now()
	fleet := &fakeFleet{
		statuses: map[string]container.Status{
			"fresh": {Status: container.StatusRunning, Port: 1},
		},
		started: map[string]time.Time{
			// Just started; old session history must not put it to sleep.
			"fresh": now.Add(-10 * time.Second),
		},
	}
	activity := fakeActivity{"fresh": now.Add(-2 * time.Hour)}

	a := newTestAutoSleep(fleet, activity, time.Minute)
	a.Tick(context.Background())

	assert.Empty(t, fleet.stopped)
}

func TestZeroThresholdDisablesAutoSleep(t *testing.T) {
	now := time.Now()
	fleet := &fakeFleet{
		statuses: map[string]container.Status{
			"idle": {Status: container.StatusRunning, Port: 1},
		},
		started: map[string]time.Time{"idle": now.Add(-24 * time.Hour)},
	}

	a := newTestAutoSleep(fleet, fakeActivity{}, 0)
	a.Tick(context.Background())

	assert.Empty(t, fleet.stopped)
}
