package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/config"
	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/container"
)

// ContainerFleet is the container manager surface the monitor needs.
type ContainerFleet interface {
	Statuses() map[string]container.Status
	StartedAt(agentSlug string) (time.Time, bool)
	Stop(ctx context.Context, agentSlug string) error
}

// ActivitySource reports an agent's most recent session activity.
type ActivitySource interface {
	LastActivityAt(agentSlug string) (time.Time, bool)
}

// TimeoutSource supplies the configured idle timeout; zero disables.
type TimeoutSource interface {
	AutoSleepTimeout() time.Duration
}

// AutoSleep stops containers idle past the configured threshold. Idleness is
// measured from the later of the last session message and the container
// start time.
type AutoSleep struct {
	fleet    ContainerFleet
	activity ActivitySource
	timeout  TimeoutSource
	cfg      config.SchedulerConfig
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time // test hook
}

// NewAutoSleep creates the auto-sleep monitor.
func NewAutoSleep(fleet ContainerFleet, activity ActivitySource, timeout TimeoutSource, cfg config.SchedulerConfig, log *logger.Logger) *AutoSleep {
	return &AutoSleep{
		fleet:    fleet,
		activity: activity,
		timeout:  timeout,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "auto_sleep")),
		now:      time.Now,
	}
}

// Start begins the tick loop.
func (a *AutoSleep) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.mu.Unlock()

	a.wg.Add(1)
	go a.loop(ctx)
	return nil
}

// Stop stops the tick loop.
func (a *AutoSleep) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	a.running = false
	close(a.stopCh)
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}

func (a *AutoSleep) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.AutoSleepIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick stops every running agent whose idleness exceeds the threshold.
func (a *AutoSleep) Tick(ctx context.Context) {
	threshold := a.timeout.AutoSleepTimeout()
	if threshold <= 0 {
		return
	}

	now := a.now()
	for slug, status := range a.fleet.Statuses() {
		if status.Status != container.StatusRunning {
			continue
		}

		reference, ok := a.fleet.StartedAt(slug)
		if !ok {
			continue
		}
		if last, ok := a.activity.LastActivityAt(slug); ok && last.After(reference) {
			reference = last
		}

		if idle := now.Sub(reference); idle > threshold {
			a.logger.Info("stopping idle agent",
				zap.String("agent_slug", slug),
				zap.Duration("idle", idle))
			if err := a.fleet.Stop(ctx, slug); err != nil {
				a.logger.Warn("failed to stop idle agent",
					zap.String("agent_slug", slug), zap.Error(err))
			}
		}
	}
}
