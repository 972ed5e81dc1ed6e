// Package container manages per-agent container lifecycle across runtimes.
// It owns the status cache the UI polls, the background reconciliation that
// keeps it honest, and the image readiness state machine.
package container

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skillfulagents/workstation/internal/common/apperr"
	"github.com/skillfulagents/workstation/internal/common/config"
	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/common/portutil"
	"github.com/skillfulagents/workstation/internal/events"
	"github.com/skillfulagents/workstation/internal/events/bus"
	"github.com/skillfulagents/workstation/internal/runtime"
)

// Container lifecycle statuses.
const (
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusStarting = "starting"
	StatusStopping = "stopping"
	StatusError    = "error"
)

// Status is the cached view of one agent's container.
type Status struct {
	Status   string   `json:"status"`
	Port     int      `json:"port,omitempty"`
	Warnings []string `json:"warnings"`
}

// SettingsSource supplies the mutable container settings. The settings
// service implements this; the manager reads it on every start so settings
// changes apply without restart.
type SettingsSource interface {
	ContainerRunner() string
	AgentImage() string
	ResourceLimits() (cpus float64, memory string)
	AgentEnv(agentSlug string) []string
	AgentWorkspace(agentSlug string) string
}

// agentAPIPort is the port the in-container runtime listens on.
const agentAPIPort = 8080

// Manager mediates all container state for agents.
type Manager struct {
	registry *runtime.Registry
	settings SettingsSource
	bus      bus.EventBus
	cfg      config.ContainerConfig
	logger   *logger.Logger

	mu       sync.Mutex
	statuses map[string]*Status
	started  map[string]time.Time // container start times, for idleness

	opMu  sync.Mutex
	opSem map[string]*sync.Mutex // per-agent single-slot operation queue

	readiness *Readiness

	httpClient *http.Client

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates the container manager.
func NewManager(registry *runtime.Registry, settings SettingsSource, eventBus bus.EventBus, cfg config.ContainerConfig, log *logger.Logger) *Manager {
	m := &Manager{
		registry:   registry,
		settings:   settings,
		bus:        eventBus,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "container_manager")),
		statuses:   make(map[string]*Status),
		started:    make(map[string]time.Time),
		opSem:      make(map[string]*sync.Mutex),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		stopCh:     make(chan struct{}),
	}
	m.readiness = newReadiness(m, log)
	return m
}

// Readiness exposes the image readiness state machine.
func (m *Manager) Readiness() *Readiness {
	return m.readiness
}

// currentRuntime resolves the configured runner.
func (m *Manager) currentRuntime() (runtime.Runtime, error) {
	return m.registry.Get(m.settings.ContainerRunner())
}

// opLock returns the agent's operation mutex, creating it on first use.
// Per-agent operations serialize through it; cross-agent operations run in
// parallel.
func (m *Manager) opLock(agentSlug string) *sync.Mutex {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if _, ok := m.opSem[agentSlug]; !ok {
		m.opSem[agentSlug] = &sync.Mutex{}
	}
	return m.opSem[agentSlug]
}

// InitializeAgents populates the status cache by inspecting each known agent
// once. Called at startup with the slugs found on disk.
func (m *Manager) InitializeAgents(ctx context.Context, slugs []string) {
	rt, err := m.currentRuntime()
	if err != nil {
		m.logger.Warn("cannot initialize agents", zap.Error(err))
		return
	}

	for _, slug := range slugs {
		status := &Status{Status: StatusStopped, Warnings: []string{}}
		if info, err := rt.Inspect(ctx, slug); err == nil && info.Running {
			status.Status = StatusRunning
			status.Port = info.Port
			m.mu.Lock()
			m.started[slug] = time.Now()
			m.mu.Unlock()
		}
		m.setStatus(slug, status, false)
	}
	m.logger.Info("agent status cache initialized", zap.Int("agents", len(slugs)))
}

// Run starts the background status sync and health monitor loops.
func (m *Manager) Run() {
	m.wg.Add(2)
	go m.syncLoop()
	go m.healthLoop()
}

// Shutdown stops all containers and the background loops.
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.stopCh)
	m.StopAll(ctx)
	m.wg.Wait()
}

// GetStatus returns a snapshot of one agent's cached status. Reads never
// touch the runtime.
func (m *Manager) GetStatus(agentSlug string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[agentSlug]; ok {
		return snapshot(s)
	}
	return Status{Status: StatusStopped, Warnings: []string{}}
}

// Statuses returns a snapshot of the whole cache.
func (m *Manager) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.statuses))
	for slug, s := range m.statuses {
		out[slug] = snapshot(s)
	}
	return out
}

// StartedAt returns when the agent's container was last started.
func (m *Manager) StartedAt(agentSlug string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.started[agentSlug]
	return t, ok
}

// HasRunningAgents reports whether any agent container is neither stopped nor
// in error.
// Settings that require a quiescent fleet consult this.
func (m *Manager) HasRunningAgents() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.statuses {
		if s.Status != StatusStopped && s.Status != StatusError {
			return true
		}
	}
	return false
}

// Start starts an agent's container. Idempotent: a running agent returns its
// existing port. Blocks until the in-container runtime answers its health
// probe or the start timeout elapses.
func (m *Manager) Start(ctx context.Context, agentSlug string) (int, error) {
	lock := m.opLock(agentSlug)
	lock.Lock()
	defer lock.Unlock()

	if current := m.GetStatus(agentSlug); current.Status == StatusRunning {
		return current.Port, nil
	}

	rt, err := m.currentRuntime()
	if err != nil {
		return 0, apperr.RuntimeUnavailable(err.Error())
	}
	avail, err := m.registry.Availability(ctx, rt.Name())
	if err != nil || !avail.Running {
		return 0, apperr.RuntimeUnavailable(fmt.Sprintf("container runner %q is not running", rt.Name()))
	}

	image := m.settings.AgentImage()
	present, err := rt.ImagePresent(ctx, image)
	if err != nil {
		return 0, apperr.Internal("failed to check agent image", err)
	}
	if !present {
		m.readiness.EnsurePull()
		return 0, apperr.ImagePullFailed("agent image not present; pull started, retry once ready", nil)
	}

	m.setStatus(agentSlug, &Status{Status: StatusStarting, Warnings: []string{}}, true)

	cpus, memory := m.settings.ResourceLimits()
	spec := runtime.RunSpec{
		AgentSlug:     agentSlug,
		Image:         image,
		CPUs:          cpus,
		Memory:        memory,
		Env:           m.settings.AgentEnv(agentSlug),
		ContainerPort: agentAPIPort,
	}
	if ws := m.settings.AgentWorkspace(agentSlug); ws != "" {
		spec.Mounts = []runtime.Mount{{Source: ws, Target: "/workspace"}}
	}

	result, err := rt.Run(ctx, spec)
	if err != nil {
		m.setStatus(agentSlug, &Status{Status: StatusError, Warnings: []string{err.Error()}}, true)
		return 0, apperr.Internal("failed to run agent container", err)
	}

	if err := m.waitReady(ctx, result.Port); err != nil {
		// Leave no half-started container behind.
		stopCtx, cancel := context.WithTimeout(context.Background(), m.cfg.StopTimeoutDuration())
		_ = rt.Stop(stopCtx, agentSlug, m.cfg.StopTimeoutDuration())
		cancel()
		m.setStatus(agentSlug, &Status{Status: StatusError, Warnings: []string{err.Error()}}, true)
		return 0, apperr.Internal("agent container did not become ready", err)
	}

	m.mu.Lock()
	m.started[agentSlug] = time.Now()
	m.mu.Unlock()
	m.setStatus(agentSlug, &Status{Status: StatusRunning, Port: result.Port, Warnings: []string{}}, true)

	return result.Port, nil
}

// waitReady waits for the mapped port to listen and the in-container
// /healthz endpoint to answer 200.
func (m *Manager) waitReady(ctx context.Context, port int) error {
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeoutDuration())
	defer cancel()

	if err := portutil.WaitForPort(waitCtx, port, 500*time.Millisecond); err != nil {
		return err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(waitCtx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := m.httpClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("health probe timed out: %w", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// Stop stops an agent's container.
func (m *Manager) Stop(ctx context.Context, agentSlug string) error {
	lock := m.opLock(agentSlug)
	lock.Lock()
	defer lock.Unlock()

	if current := m.GetStatus(agentSlug); current.Status == StatusStopped {
		return nil
	}

	rt, err := m.currentRuntime()
	if err != nil {
		return apperr.RuntimeUnavailable(err.Error())
	}

	m.setStatus(agentSlug, &Status{Status: StatusStopping, Warnings: []string{}}, true)
	if err := rt.Stop(ctx, agentSlug, m.cfg.StopTimeoutDuration()); err != nil {
		m.setStatus(agentSlug, &Status{Status: StatusError, Warnings: []string{err.Error()}}, true)
		return apperr.Internal("failed to stop agent container", err)
	}

	m.mu.Lock()
	delete(m.started, agentSlug)
	m.mu.Unlock()
	m.setStatus(agentSlug, &Status{Status: StatusStopped, Warnings: []string{}}, true)
	return nil
}

// StopAll stops every non-stopped agent, best-effort, with bounded concurrency.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	slugs := make([]string, 0, len(m.statuses))
	for slug, s := range m.statuses {
		if s.Status != StatusStopped {
			slugs = append(slugs, slug)
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.StopConcurrency)
	for _, slug := range slugs {
		slug := slug
		g.Go(func() error {
			if err := m.Stop(gctx, slug); err != nil {
				m.logger.Warn("failed to stop agent during shutdown",
					zap.String("agent_slug", slug), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Forget drops an agent from the cache after the agent is deleted.
func (m *Manager) Forget(agentSlug string) {
	m.mu.Lock()
	delete(m.statuses, agentSlug)
	delete(m.started, agentSlug)
	m.mu.Unlock()

	m.opMu.Lock()
	delete(m.opSem, agentSlug)
	m.opMu.Unlock()
}

// setStatus updates the cache and optionally publishes agent_status_changed.
func (m *Manager) setStatus(agentSlug string, status *Status, publish bool) {
	if status.Warnings == nil {
		status.Warnings = []string{}
	}
	m.mu.Lock()
	m.statuses[agentSlug] = status
	m.mu.Unlock()

	if publish {
		m.bus.Publish(bus.NewEvent(events.TypeAgentStatusChanged, "container_manager", events.AgentStatusPayload{
			AgentSlug: agentSlug,
			Status:    status.Status,
			Port:      status.Port,
		}))
	}
}

// syncLoop reconciles the cache against the runtime. Transient errors raise
// warnings rather than flipping lifecycle state; a container that exited
// outside our control flips running -> stopped.
func (m *Manager) syncLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.StatusSyncIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.syncOnce()
		}
	}
}

func (m *Manager) syncOnce() {
	rt, err := m.currentRuntime()
	if err != nil {
		return
	}

	m.mu.Lock()
	slugs := make([]string, 0, len(m.statuses))
	for slug, s := range m.statuses {
		// In-flight transitions reconcile when they finish.
		if s.Status == StatusRunning || s.Status == StatusStopped {
			slugs = append(slugs, slug)
		}
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, slug := range slugs {
		info, err := rt.Inspect(ctx, slug)
		if err != nil {
			m.addWarning(slug, "status sync failed: "+err.Error())
			continue
		}

		current := m.GetStatus(slug)
		switch {
		case current.Status == StatusRunning && !info.Running:
			m.logger.Warn("container exited unexpectedly", zap.String("agent_slug", slug))
			m.mu.Lock()
			delete(m.started, slug)
			m.mu.Unlock()
			m.setStatus(slug, &Status{Status: StatusStopped, Warnings: []string{}}, true)
		case current.Status == StatusStopped && info.Running:
			m.mu.Lock()
			m.started[slug] = time.Now()
			m.mu.Unlock()
			m.setStatus(slug, &Status{Status: StatusRunning, Port: info.Port, Warnings: []string{}}, true)
		}
	}
}

// healthLoop probes running containers and maintains warnings without
// changing lifecycle state.
func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.healthOnce()
		}
	}
}

func (m *Manager) healthOnce() {
	for slug, status := range m.Statuses() {
		if status.Status != StatusRunning || status.Port == 0 {
			continue
		}
		url := fmt.Sprintf("http://127.0.0.1:%d/healthz", status.Port)
		resp, err := m.httpClient.Get(url)
		if err != nil {
			m.setHealthWarnings(slug, []string{"health probe failed: " + err.Error()})
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			m.setHealthWarnings(slug, []string{fmt.Sprintf("health probe returned %d", resp.StatusCode)})
			continue
		}
		m.setHealthWarnings(slug, []string{})
	}
}

func (m *Manager) addWarning(agentSlug, warning string) {
	m.mu.Lock()
	s, ok := m.statuses[agentSlug]
	if ok {
		s.Warnings = append(s.Warnings, warning)
	}
	m.mu.Unlock()
}

// setHealthWarnings replaces the warning list and publishes
// container_health_changed when it changed.
func (m *Manager) setHealthWarnings(agentSlug string, warnings []string) {
	m.mu.Lock()
	s, ok := m.statuses[agentSlug]
	changed := ok && !equalStrings(s.Warnings, warnings)
	if changed {
		s.Warnings = warnings
	}
	m.mu.Unlock()

	if changed {
		m.bus.Publish(bus.NewEvent(events.TypeContainerHealthChanged, "health_monitor", events.ContainerHealthPayload{
			AgentSlug: agentSlug,
			Warnings:  warnings,
		}))
	}
}

func snapshot(s *Status) Status {
	out := Status{Status: s.Status, Port: s.Port, Warnings: make([]string, len(s.Warnings))}
	copy(out.Warnings, s.Warnings)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
